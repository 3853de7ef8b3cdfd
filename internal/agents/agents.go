// Package agents persists the agent catalog the orchestration functions
// manage: tenant agents, their versioned prompts, the global tool
// registry, and the tools wired to each agent.
package agents

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an agent, prompt, tool, or agent-tool
	// row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a tool is already wired to an
	// agent.
	ErrAlreadyExists = errors.New("already exists")
)

// DefaultCategory is the prompt category used when none is given.
const DefaultCategory = "base"

// Agent is a tenant-scoped assistant configuration.
type Agent struct {
	TenantID    string    `json:"tenant_id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Prompt is one version of an agent's prompt for a category. At most one
// version per (tenant, agent, category) is published.
type Prompt struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	AgentKey    string    `json:"agent_key"`
	Category    string    `json:"category"`
	Content     string    `json:"content"`
	Version     int       `json:"version"`
	IsPublished bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tool is a registry entry for an externally executed tool. InputSchema
// is a JSON schema object with properties and required.
type Tool struct {
	Key         string          `json:"tool_key"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
	Enabled     bool            `json:"is_enabled"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AgentTool wires a registry tool to an agent. FunctionDef is the
// AI-facing function synthesized from the tool's input schema and
// ParamMapping maps its parameter names back to the tool's own.
type AgentTool struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	AgentKey     string            `json:"agent_key"`
	ToolKey      string            `json:"tool_key"`
	Alias        string            `json:"alias,omitempty"`
	ArgDefaults  map[string]any    `json:"arg_defaults,omitempty"`
	Position     int               `json:"position"`
	FunctionDef  json.RawMessage   `json:"function_def,omitempty"`
	ParamMapping map[string]string `json:"param_mapping,omitempty"`
	Enabled      bool              `json:"is_enabled"`
	CreatedAt    time.Time         `json:"created_at"`
}
