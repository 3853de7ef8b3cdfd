package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ragassist/agentmaster/internal/conversation"
	"github.com/ragassist/agentmaster/internal/llm"
)

// toolCallID derives a stable provider call ID from the assistant
// message that requested the call.
func toolCallID(messageID string) string {
	return "call_" + strings.ReplaceAll(messageID, "-", "")
}

// argsText returns the raw argument text stored for a call. Arguments
// that were not valid JSON are stored as a JSON string.
func argsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// storedArgs is the inverse of argsText.
func storedArgs(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// toLLMMessages converts a stored message window to provider messages.
// The window may start mid-exchange: function results whose request fell
// outside it are dropped, and a request without a result is sent as
// plain assistant text so providers never see an unanswered call.
func toLLMMessages(window []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(window))
	for i, m := range window {
		switch m.Role {
		case conversation.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case conversation.RoleSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.Content})
		case conversation.RoleAssistant:
			if !m.HasFunctionCall() {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
				continue
			}
			if i+1 < len(window) && window[i+1].Role == conversation.RoleFunction {
				out = append(out, llm.Message{
					Role:    llm.RoleAssistant,
					Content: m.Content,
					ToolCall: &llm.ToolCall{
						ID:        toolCallID(m.ID),
						Name:      m.FunctionName,
						Arguments: argsText(m.FunctionArgs),
					},
				})
				continue
			}
			text := m.Content
			if strings.TrimSpace(text) == "" {
				text = fmt.Sprintf("(requested %s, not executed)", m.FunctionName)
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text})
		case conversation.RoleFunction:
			if i == 0 || !window[i-1].HasFunctionCall() {
				continue
			}
			content := m.Content
			if content == "" {
				content = string(m.FunctionResult)
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: toolCallID(window[i-1].ID),
				Name:       m.FunctionName,
			})
		}
	}
	return out
}
