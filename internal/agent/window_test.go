package agent

import (
	"encoding/json"
	"testing"

	"github.com/ragassist/agentmaster/internal/conversation"
	"github.com/ragassist/agentmaster/internal/llm"
)

func TestToLLMMessages(t *testing.T) {
	window := []conversation.Message{
		// Result whose request fell outside the window.
		{ID: "m0", Role: conversation.RoleFunction, FunctionName: "list_agents", FunctionResult: json.RawMessage(`{"count":1}`), Content: `{"count":1}`},
		{ID: "m1", Role: conversation.RoleUser, Content: "show faq"},
		{ID: "0190-ab", Role: conversation.RoleAssistant, FunctionName: "get_agent", FunctionArgs: json.RawMessage(`{"agent_key":"faq"}`)},
		{ID: "m3", Role: conversation.RoleFunction, FunctionName: "get_agent", Content: `{"key":"faq"}`},
		{ID: "m4", Role: conversation.RoleAssistant, Content: "Here it is."},
		{ID: "m5", Role: conversation.RoleUser, Content: "again"},
		// Skipped duplicate: no result follows.
		{ID: "m6", Role: conversation.RoleAssistant, FunctionName: "get_agent", FunctionArgs: json.RawMessage(`{"agent_key":"faq"}`)},
	}

	got := toLLMMessages(window)
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "show faq"},
		{Role: llm.RoleAssistant, ToolCall: &llm.ToolCall{ID: "call_0190ab", Name: "get_agent", Arguments: `{"agent_key":"faq"}`}},
		{Role: llm.RoleTool, Content: `{"key":"faq"}`, ToolCallID: "call_0190ab", Name: "get_agent"},
		{Role: llm.RoleAssistant, Content: "Here it is."},
		{Role: llm.RoleUser, Content: "again"},
		{Role: llm.RoleAssistant, Content: "(requested get_agent, not executed)"},
	}

	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Role != w.Role || g.Content != w.Content || g.ToolCallID != w.ToolCallID || g.Name != w.Name {
			t.Errorf("message %d = %+v, want %+v", i, g, w)
		}
		if (g.ToolCall == nil) != (w.ToolCall == nil) {
			t.Errorf("message %d tool call = %+v, want %+v", i, g.ToolCall, w.ToolCall)
			continue
		}
		if w.ToolCall != nil && *g.ToolCall != *w.ToolCall {
			t.Errorf("message %d tool call = %+v, want %+v", i, *g.ToolCall, *w.ToolCall)
		}
	}
}

func TestStoredArgs(t *testing.T) {
	tests := []struct {
		in         string
		wantStored string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"", `{}`},
		{`{"a":`, `"{\"a\":"`},
	}
	for _, tt := range tests {
		stored := storedArgs(tt.in)
		if string(stored) != tt.wantStored {
			t.Errorf("storedArgs(%q) = %s, want %s", tt.in, stored, tt.wantStored)
		}
		if !json.Valid(stored) {
			t.Errorf("storedArgs(%q) is not valid JSON", tt.in)
		}
		back := argsText(stored)
		if tt.in != "" && back != tt.in {
			t.Errorf("argsText(storedArgs(%q)) = %q", tt.in, back)
		}
	}
	if argsText(nil) != "{}" {
		t.Error("argsText(nil) should be {}")
	}
}
