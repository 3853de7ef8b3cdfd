package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ragassist/agentmaster/internal/agents"
	"github.com/ragassist/agentmaster/internal/config"
	"github.com/ragassist/agentmaster/internal/conversation"
	"github.com/ragassist/agentmaster/internal/database"
	"github.com/ragassist/agentmaster/internal/llm"
	"github.com/ragassist/agentmaster/internal/prompts"
	"github.com/ragassist/agentmaster/internal/tenant"
	"github.com/ragassist/agentmaster/internal/tools"
	"github.com/ragassist/agentmaster/internal/usage"
)

// reply is one scripted model response.
type reply struct {
	text  string
	call  *llm.ToolCall
	usage llm.Usage
	err   error
}

func call(name, args string) reply {
	return reply{call: &llm.ToolCall{Name: name, Arguments: args}}
}

func text(s string) reply {
	return reply{text: s}
}

// scriptedClient returns scripted replies in order and records every
// request. Once the script runs out it answers "done".
type scriptedClient struct {
	mu       sync.Mutex
	script   []reply
	requests []*llm.ChatRequest
}

func (c *scriptedClient) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	r := text("done")
	if len(c.script) > 0 {
		r, c.script = c.script[0], c.script[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &llm.ChatResponse{Model: req.Model, Content: r.text, ToolCall: r.call, Usage: r.usage}, nil
}

func (c *scriptedClient) Provider() string { return "openai" }

type fakeProvider struct {
	client llm.Client
	err    error
}

func (p *fakeProvider) ClientFor(provider, apiKey string) (llm.Client, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.client, nil
}

type testEnv struct {
	loop     *Loop
	client   *scriptedClient
	provider *fakeProvider
	convs    *conversation.Store
	ledger   *usage.Ledger
	agents   *agents.Store
	tenants  *tenant.Store
	convID   string
}

func newTestEnv(t *testing.T, limits config.LoopConfig, script ...reply) *testEnv {
	t.Helper()
	db, err := database.Open(database.DriverPure, database.Memory)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{client: &scriptedClient{script: script}}
	env.provider = &fakeProvider{client: env.client}

	if env.ledger, err = usage.NewLedger(db); err != nil {
		t.Fatalf("usage.NewLedger: %v", err)
	}
	if env.convs, err = conversation.NewStore(db, env.ledger); err != nil {
		t.Fatalf("conversation.NewStore: %v", err)
	}
	if env.agents, err = agents.NewStore(db); err != nil {
		t.Fatalf("agents.NewStore: %v", err)
	}
	if env.tenants, err = tenant.NewStore(db, config.Default().Generation); err != nil {
		t.Fatalf("tenant.NewStore: %v", err)
	}

	ctx := context.Background()
	if err := env.tenants.Upsert(ctx, &tenant.Tenant{
		ID:   "t1",
		Name: "Tenant One",
		Settings: tenant.Settings{AI: tenant.AISettings{
			Generating: tenant.GeneratingSettings{Provider: "openai", Model: "unpriced-model"},
			Providers:  map[string]tenant.ProviderSettings{"openai": {APIKey: "sk-test"}},
		}},
	}); err != nil {
		t.Fatalf("Upsert tenant: %v", err)
	}
	if err := env.tenants.Upsert(ctx, &tenant.Tenant{ID: "nokey", Name: "No Key"}); err != nil {
		t.Fatalf("Upsert tenant: %v", err)
	}
	if err := env.agents.UpsertAgent(ctx, &agents.Agent{TenantID: "t1", Key: "faq", Name: "FAQ", IsDefault: true}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	conv := &conversation.Conversation{TenantID: "t1", UserID: "u1", Title: "Test", AgentKey: "faq"}
	if err := env.convs.Create(ctx, conv); err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
	env.convID = conv.ID

	env.loop = NewLoop(Config{
		Conversations: env.convs,
		Usage:         env.ledger,
		Settings:      env.tenants,
		Models:        env.provider,
		Catalog:       tools.NewRegistry(env.agents, nil, logger),
		Pricing:       usage.NewPricing(0, "", nil),
		Limits:        limits,
		Logger:        logger,
	})
	return env
}

func (e *testEnv) chat(t *testing.T, message string) *ChatResponse {
	t.Helper()
	resp, err := e.loop.Chat(context.Background(), ChatRequest{
		TenantID:       "t1",
		UserID:         "u1",
		ConversationID: e.convID,
		Message:        message,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	return resp
}

func (e *testEnv) messages(t *testing.T) []conversation.Message {
	t.Helper()
	msgs, err := e.convs.Messages(context.Background(), e.convID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	return msgs
}

func roles(msgs []conversation.Message) string {
	var parts []string
	for _, m := range msgs {
		parts = append(parts, string(m.Role))
	}
	return strings.Join(parts, ",")
}

func TestChat_PlainAnswer(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{}, reply{
		text:  "You have one agent.",
		usage: llm.Usage{InputTokens: 1500, OutputTokens: 500, TotalTokens: 2000, Reported: true},
	})

	resp := env.chat(t, "how many agents?")
	if resp.Message != "You have one agent." || resp.Warning != "" || !resp.FinalResponse {
		t.Errorf("response = %+v", resp)
	}
	if resp.TotalFunctionCalls != 0 || len(resp.FunctionCalls) != 0 {
		t.Errorf("calls = %d / %v", resp.TotalFunctionCalls, resp.FunctionCalls)
	}

	req := env.client.requests[0]
	if req.Model != "unpriced-model" || req.ToolChoice != llm.ToolChoiceAuto || len(req.Tools) != 6 {
		t.Errorf("request model=%s choice=%s tools=%d", req.Model, req.ToolChoice, len(req.Tools))
	}
	if req.Messages[0].Role != llm.RoleSystem || !strings.Contains(req.Messages[0].Content, `the agent "faq"`) {
		t.Errorf("first message should be the bound system prompt: %+v", req.Messages[0])
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != llm.RoleUser || last.Content != "how many agents?" {
		t.Errorf("last message = %+v", last)
	}

	if got := roles(env.messages(t)); got != "user,assistant" {
		t.Errorf("roles = %s", got)
	}

	records, err := env.ledger.ByConversation(context.Background(), env.convID)
	if err != nil {
		t.Fatalf("ByConversation: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Operation != usage.OperationChat || rec.Status != usage.StatusSuccess || rec.Provider != "openai" {
		t.Errorf("record = %+v", rec)
	}
	if rec.CostTotalUSD == nil || *rec.CostTotalUSD != 0.004 {
		t.Errorf("cost = %v, want 0.004 at the default rate", rec.CostTotalUSD)
	}
	if rec.MessageID == "" {
		t.Error("usage record should reference the assistant message")
	}
}

func TestChat_ThreeCallCeiling(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{},
		call("get_prompt", `{"agent_key":"faq"}`),
		call("update_prompt", `{"agent_key":"faq","content":"Answer briefly."}`),
		call("get_prompt", `{"agent_key":"faq","category":"base"}`),
		text("Updated the FAQ prompt to version 1."),
	)

	resp := env.chat(t, "make the faq agent brief")

	if resp.TotalFunctionCalls != 3 || len(resp.FunctionCalls) != 3 {
		t.Fatalf("calls = %d / %d, want 3", resp.TotalFunctionCalls, len(resp.FunctionCalls))
	}
	if !strings.Contains(resp.Warning, "hard limit of 3 function calls") {
		t.Errorf("warning = %q", resp.Warning)
	}
	if resp.Message != "Updated the FAQ prompt to version 1." {
		t.Errorf("message = %q", resp.Message)
	}

	reqs := env.client.requests
	if len(reqs) != 4 {
		t.Fatalf("model calls = %d, want 4", len(reqs))
	}
	for i := 0; i < 3; i++ {
		if !reqs[i].ToolsEnabled() {
			t.Errorf("request %d should offer functions", i)
		}
	}
	if reqs[3].ToolsEnabled() || len(reqs[3].Tools) != 6 || reqs[3].ToolChoice != llm.ToolChoiceNone {
		t.Errorf("final request must be text-only: tools=%d choice=%s", len(reqs[3].Tools), reqs[3].ToolChoice)
	}
	if !strings.Contains(reqs[3].Messages[0].Content, prompts.LimitReachedNotice) {
		t.Error("final request should carry the limit notice")
	}
	if strings.Contains(reqs[1].Messages[0].Content, "## Wrap Up") {
		t.Error("wrap-up notice sent too early")
	}
	if !strings.Contains(reqs[2].Messages[0].Content, "2 of 3") {
		t.Error("third request should carry the wrap-up notice")
	}

	// The second request replays the first call and its result.
	var assistant, result *llm.Message
	for i := range reqs[1].Messages {
		m := &reqs[1].Messages[i]
		switch {
		case m.ToolCall != nil:
			assistant = m
		case m.Role == llm.RoleTool:
			result = m
		}
	}
	if assistant == nil || result == nil {
		t.Fatalf("second request missing call/result pair: %+v", reqs[1].Messages)
	}
	if assistant.ToolCall.ID == "" || assistant.ToolCall.ID != result.ToolCallID {
		t.Errorf("call id %q does not match result id %q", assistant.ToolCall.ID, result.ToolCallID)
	}
	if !strings.Contains(result.Content, "no base prompt") {
		t.Errorf("first get_prompt result = %s", result.Content)
	}

	got := roles(env.messages(t))
	want := "user,assistant,function,assistant,function,assistant,function,assistant"
	if got != want {
		t.Errorf("roles = %s, want %s", got, want)
	}

	p, err := env.agents.LatestPrompt(context.Background(), "t1", "faq", "base")
	if err != nil {
		t.Fatalf("LatestPrompt: %v", err)
	}
	if p.Version != 1 || p.Content != "Answer briefly." {
		t.Errorf("prompt = %+v", p)
	}

	records, err := env.ledger.ByConversation(context.Background(), env.convID)
	if err != nil {
		t.Fatal(err)
	}
	var ops []string
	for _, r := range records {
		ops = append(ops, string(r.Operation))
	}
	if strings.Join(ops, ",") != "function_call,function_call,function_call,chat" {
		t.Errorf("operations = %v", ops)
	}
}

func TestChat_FinalCallFailureFallsBack(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{},
		call("list_agents", `{}`),
		call("list_agents", `{"limit":1}`),
		call("list_agents", `{"limit":2}`),
		reply{err: errors.New("connection reset")},
	)

	resp := env.chat(t, "list agents three ways")
	if resp.Message != prompts.LimitReachedFallback {
		t.Errorf("message = %q", resp.Message)
	}
	if !strings.Contains(resp.Warning, "hard limit") || resp.TotalFunctionCalls != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestChat_DuplicateCallSkipped(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{},
		call("get_agent", `{"agent_key":"faq"}`),
		reply{text: "Checking again.", call: &llm.ToolCall{Name: "get_agent", Arguments: ` { "agent_key" : "faq" } `}},
	)

	resp := env.chat(t, "show the faq agent")
	if resp.Warning != WarnDuplicateCall {
		t.Errorf("warning = %q", resp.Warning)
	}
	if resp.Message != "Checking again." {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.TotalFunctionCalls != 1 || len(resp.FunctionCalls) != 1 {
		t.Errorf("calls = %d / %d, want 1", resp.TotalFunctionCalls, len(resp.FunctionCalls))
	}
	if len(env.client.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(env.client.requests))
	}

	msgs := env.messages(t)
	if got := roles(msgs); got != "user,assistant,function,assistant" {
		t.Errorf("roles = %s", got)
	}
	if last := msgs[len(msgs)-1]; last.FunctionName != "get_agent" || len(last.FunctionResult) != 0 {
		t.Errorf("skipped request should be stored without a result: %+v", last)
	}
}

func TestChat_DepthLimit(t *testing.T) {
	limits := config.LoopConfig{MaxDepth: 2, MaxFunctionCalls: 5, WrapUpAfter: 4}
	env := newTestEnv(t, limits,
		reply{text: "Looking.", call: &llm.ToolCall{Name: "list_agents", Arguments: `{}`}},
		call("get_agent", `{"agent_key":"faq"}`),
	)

	resp := env.chat(t, "dig around")
	if !strings.Contains(resp.Warning, "maximum depth of 2") {
		t.Errorf("warning = %q", resp.Warning)
	}
	if resp.Message != "Looking." {
		t.Errorf("message = %q, want the last assistant text", resp.Message)
	}
	if len(env.client.requests) != 2 || resp.TotalFunctionCalls != 2 {
		t.Errorf("model calls = %d, function calls = %d", len(env.client.requests), resp.TotalFunctionCalls)
	}
}

func TestChat_FunctionErrorDoesNotAbort(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{},
		call("no_such_function", `{}`),
		text("That function does not exist."),
	)

	resp := env.chat(t, "do something odd")
	if resp.Warning != "" || resp.Message != "That function does not exist." {
		t.Errorf("response = %+v", resp)
	}
	msgs := env.messages(t)
	fn := msgs[2]
	if fn.Role != conversation.RoleFunction || !strings.Contains(string(fn.FunctionResult), "is not available") {
		t.Errorf("function message = %+v", fn)
	}
	if !strings.Contains(string(msgs[1].FunctionResult), "is not available") {
		t.Error("result should also be attached to the assistant request")
	}
}

func TestChat_TestSummarySurfaced(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{},
		call("add_tool_to_agent", `{"agent_key":"faq","tool_key":"echo"}`),
		text("Added the echo tool."),
	)
	if err := env.agents.RegisterTool(context.Background(), &agents.Tool{
		Key: "echo", Name: "Echo", Enabled: true,
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	resp := env.chat(t, "give faq the echo tool")
	if !strings.HasPrefix(resp.Message, "Added the echo tool.\n\n=== TOOL TEST RESULT ===") {
		t.Errorf("message = %q", resp.Message)
	}
	if !strings.Contains(resp.Message, "Status: SKIPPED") {
		t.Errorf("message = %q", resp.Message)
	}
	if strings.Count(resp.Message, "=== TOOL TEST RESULT ===") != 1 {
		t.Error("summary appended more than once")
	}

	msgs := env.messages(t)
	if last := msgs[len(msgs)-1]; last.Content != resp.Message {
		t.Errorf("stored final answer = %q, want the surfaced text", last.Content)
	}
}

func TestChat_ProviderFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus usage.Status
	}{
		{"rate limited", &llm.APIError{Provider: "openai", StatusCode: 429, Body: "slow down"}, usage.StatusRateLimited},
		{"server error", &llm.APIError{Provider: "openai", StatusCode: 500, Body: "boom"}, usage.StatusError},
		{"transport", errors.New("dial tcp: refused"), usage.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.LoopConfig{}, reply{err: tt.err})

			resp := env.chat(t, "hello")
			if !strings.HasPrefix(resp.Warning, "model call failed") {
				t.Errorf("warning = %q", resp.Warning)
			}
			if resp.Message != prompts.ProviderFailureMessage(tt.err) {
				t.Errorf("message = %q", resp.Message)
			}

			msgs := env.messages(t)
			if got := roles(msgs); got != "user,assistant" {
				t.Errorf("roles = %s", got)
			}

			records, err := env.ledger.ByConversation(context.Background(), env.convID)
			if err != nil {
				t.Fatal(err)
			}
			if len(records) != 1 || records[0].Status != tt.wantStatus {
				t.Fatalf("records = %+v", records)
			}
			if records[0].ErrorMessage == "" || records[0].TotalTokens != nil || records[0].CostTotalUSD != nil {
				t.Errorf("error record = %+v", records[0])
			}
		})
	}
}

func TestChat_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("missing conversation", func(t *testing.T) {
		env := newTestEnv(t, config.LoopConfig{})
		_, err := env.loop.Chat(ctx, ChatRequest{TenantID: "t1", UserID: "u1", ConversationID: "c1", Message: "list agents"})
		if !errors.Is(err, conversation.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if len(env.client.requests) != 0 {
			t.Error("model must not be called")
		}
	})

	t.Run("other tenant", func(t *testing.T) {
		env := newTestEnv(t, config.LoopConfig{})
		_, err := env.loop.Chat(ctx, ChatRequest{TenantID: "t2", ConversationID: env.convID, Message: "hi"})
		if !errors.Is(err, conversation.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if n := len(env.messages(t)); n != 0 {
			t.Errorf("messages = %d, want 0", n)
		}
	})

	t.Run("deleted conversation", func(t *testing.T) {
		env := newTestEnv(t, config.LoopConfig{})
		if err := env.convs.SoftDelete(ctx, env.convID); err != nil {
			t.Fatal(err)
		}
		_, err := env.loop.Chat(ctx, ChatRequest{TenantID: "t1", ConversationID: env.convID, Message: "hi"})
		if !errors.Is(err, conversation.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("no provider key", func(t *testing.T) {
		env := newTestEnv(t, config.LoopConfig{})
		conv := &conversation.Conversation{TenantID: "nokey", UserID: "u1"}
		if err := env.convs.Create(ctx, conv); err != nil {
			t.Fatal(err)
		}
		_, err := env.loop.Chat(ctx, ChatRequest{TenantID: "nokey", ConversationID: conv.ID, Message: "hi"})
		var cfgErr *tenant.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("err = %v, want ConfigurationError", err)
		}
		msgs, _ := env.convs.Messages(ctx, conv.ID)
		if len(msgs) != 0 {
			t.Errorf("messages = %d, want none before the precondition check", len(msgs))
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		env := newTestEnv(t, config.LoopConfig{})
		env.provider.err = errors.New(`unknown provider "openai"`)
		_, err := env.loop.Chat(ctx, ChatRequest{TenantID: "t1", ConversationID: env.convID, Message: "hi"})
		var cfgErr *tenant.ConfigurationError
		if !errors.As(err, &cfgErr) || cfgErr.Provider != "openai" {
			t.Errorf("err = %v, want ConfigurationError for openai", err)
		}
	})

	t.Run("empty message", func(t *testing.T) {
		env := newTestEnv(t, config.LoopConfig{})
		if _, err := env.loop.Chat(ctx, ChatRequest{TenantID: "t1", ConversationID: env.convID, Message: "  "}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestChat_ReactivatesArchived(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{}, text("Welcome back."))
	ctx := context.Background()
	if err := env.convs.Archive(ctx, env.convID); err != nil {
		t.Fatal(err)
	}

	env.chat(t, "hello again")

	conv, err := env.convs.Get(ctx, env.convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != conversation.StatusActive {
		t.Errorf("status = %s, want active", conv.Status)
	}
}

func TestChat_AgentKeyOverride(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{}, text("ok"))
	_, err := env.loop.Chat(context.Background(), ChatRequest{
		TenantID: "t1", ConversationID: env.convID, Message: "hi", AgentKey: "billing",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.client.requests[0].Messages[0].Content, `the agent "billing"`) {
		t.Error("request agent key should override the conversation's")
	}
}

func TestChat_EmptyModelReply(t *testing.T) {
	env := newTestEnv(t, config.LoopConfig{}, text(""))
	resp := env.chat(t, "hello")
	if resp.Message != prompts.EmptyResponseFallback {
		t.Errorf("message = %q", resp.Message)
	}
}
