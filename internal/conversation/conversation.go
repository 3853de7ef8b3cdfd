// Package conversation persists tenant conversations and their
// append-only message history.
package conversation

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist,
// belongs to another tenant, or has been soft-deleted where that matters.
var ErrNotFound = errors.New("conversation not found")

// Status is a conversation lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFunction  Role = "function"
)

// Conversation is a tenant-owned chat thread.
type Conversation struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	AgentKey  string         `json:"agent_key,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is one turn in a conversation. Only assistant messages carry a
// requested FunctionName/FunctionArgs; function messages carry the
// FunctionResult of the assistant request immediately before them. The
// assistant message also receives a copy of the result once the call
// completes.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	FunctionName   string          `json:"function_name,omitempty"`
	FunctionArgs   json.RawMessage `json:"function_args,omitempty"`
	FunctionResult json.RawMessage `json:"function_result,omitempty"`
	TokensUsed     *int            `json:"tokens_used,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HasFunctionCall reports whether m is an assistant function request.
func (m *Message) HasFunctionCall() bool {
	return m.Role == RoleAssistant && m.FunctionName != ""
}

// ListFilter narrows Store.List. Zero fields do not filter. Deleted
// conversations are excluded unless Status asks for them.
type ListFilter struct {
	TenantID string
	UserID   string
	Status   Status
	Limit    int
	Offset   int
}

// Stats summarizes a conversation's messages.
type Stats struct {
	Messages   int          `json:"messages"`
	ByRole     map[Role]int `json:"by_role"`
	TokensUsed int64        `json:"tokens_used"`
	Functions  int          `json:"function_calls"`
}

// EstimateTokens is a rough token count (about four characters per
// token) for messages whose provider usage is unknown.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
