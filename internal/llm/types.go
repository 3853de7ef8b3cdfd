// Package llm is the model gateway: a provider-neutral chat request with
// an optional function list, adapted to each provider's wire format.
package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt. An assistant message may carry the
// function call it requested; a tool message answers that call through
// ToolCallID.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Name       string    `json:"name,omitempty"` // function name on tool messages
}

// ToolCall is a function invocation requested by the model. Arguments
// is the raw JSON text the model produced and may be malformed.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a callable function. Parameters is a JSON schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoice controls whether the model may call functions.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []Tool
	ToolChoice  ToolChoice
}

// ToolsEnabled reports whether the request offers functions to the
// model.
func (r *ChatRequest) ToolsEnabled() bool {
	return len(r.Tools) > 0 && r.ToolChoice != ToolChoiceNone
}

// Usage is the provider-reported token usage. Reported is false when the
// provider returned no usage block.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Reported     bool `json:"-"`
}

// ChatResponse is the unified response from any provider. At most one
// function call is surfaced; further calls in the same response are
// dropped.
type ChatResponse struct {
	Model      string
	Content    string
	ToolCall   *ToolCall
	Usage      Usage
	StopReason string
}
