// Package agent implements the bounded tool-calling conversation loop:
// one user message in, zero or more catalog function calls, one final
// answer out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ragassist/agentmaster/internal/config"
	"github.com/ragassist/agentmaster/internal/conversation"
	"github.com/ragassist/agentmaster/internal/llm"
	"github.com/ragassist/agentmaster/internal/prompts"
	"github.com/ragassist/agentmaster/internal/tenant"
	"github.com/ragassist/agentmaster/internal/tools"
	"github.com/ragassist/agentmaster/internal/usage"
)

// ConversationStore is the conversation persistence the loop uses.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	Activate(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, m *conversation.Message) error
	RecentMessages(ctx context.Context, conversationID string, n int) ([]conversation.Message, error)
	AttachFunctionResult(ctx context.Context, messageID string, result json.RawMessage) error
	FunctionCalls(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

// UsageRecorder appends usage rows.
type UsageRecorder interface {
	Record(ctx context.Context, rec *usage.Record) error
}

// SettingsResolver resolves a tenant's generation settings. A tenant
// without a provider key yields a *tenant.ConfigurationError.
type SettingsResolver interface {
	GenerationSettings(ctx context.Context, tenantID string) (*tenant.Generation, error)
}

// ClientProvider hands out model clients.
type ClientProvider interface {
	ClientFor(provider, apiKey string) (llm.Client, error)
}

// Catalog is the function catalog offered to the model.
type Catalog interface {
	Tools() []llm.Tool
	Execute(ctx context.Context, name, argsJSON string) tools.Result
}

// Config wires a Loop.
type Config struct {
	Conversations ConversationStore
	Usage         UsageRecorder
	Settings      SettingsResolver
	Models        ClientProvider
	Catalog       Catalog
	Pricing       *usage.Pricing
	Limits        config.LoopConfig
	Logger        *slog.Logger
}

// Loop drives chat turns. It holds no per-turn state and is safe for
// concurrent use across conversations. Concurrent turns on the same
// conversation are not coordinated.
type Loop struct {
	conversations ConversationStore
	usage         UsageRecorder
	settings      SettingsResolver
	models        ClientProvider
	catalog       Catalog
	pricing       *usage.Pricing
	limits        config.LoopConfig
	logger        *slog.Logger
	now           func() time.Time
}

// NewLoop creates a loop. Zero limits take the configuration defaults.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = usage.NewPricing(0, "", nil)
	}
	def := config.Default().Loop
	lim := cfg.Limits
	if lim.MaxDepth <= 0 {
		lim.MaxDepth = def.MaxDepth
	}
	if lim.MaxFunctionCalls <= 0 {
		lim.MaxFunctionCalls = def.MaxFunctionCalls
	}
	if lim.WrapUpAfter <= 0 {
		lim.WrapUpAfter = def.WrapUpAfter
	}
	if lim.HistoryWindow <= 0 {
		lim.HistoryWindow = def.HistoryWindow
	}
	return &Loop{
		conversations: cfg.Conversations,
		usage:         cfg.Usage,
		settings:      cfg.Settings,
		models:        cfg.Models,
		catalog:       cfg.Catalog,
		pricing:       pricing,
		limits:        lim,
		logger:        logger,
		now:           time.Now,
	}
}

// ChatRequest is one user turn.
type ChatRequest struct {
	TenantID       string
	UserID         string
	ConversationID string
	Message        string
	// AgentKey binds the turn to an agent; empty uses the conversation's.
	AgentKey string
}

// ExecutedCall is a function call recorded in the conversation.
type ExecutedCall struct {
	MessageID string          `json:"message_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChatResponse is the outcome of a turn. FunctionCalls lists every
// executed call in the conversation; TotalFunctionCalls counts those made
// during this turn.
type ChatResponse struct {
	Message            string         `json:"message"`
	FunctionCalls      []ExecutedCall `json:"function_calls"`
	TotalFunctionCalls int            `json:"total_function_calls"`
	FinalResponse      bool           `json:"final_response"`
	Warning            string         `json:"warning,omitempty"`
}

// Warnings attached to early returns.
const (
	WarnDuplicateCall = "duplicate function call detected and skipped"
	warnCallLimit     = "hard limit of %d function calls reached; answered without further function calls"
	warnDepthLimit    = "maximum depth of %d reached; returning the best answer so far"
	warnProvider      = "model call failed: %v"
)

// turn is the fixed context of one Chat call.
type turn struct {
	tenantID       string
	conversationID string
	agentKey       string
	gen            *tenant.Generation
	client         llm.Client
	log            *slog.Logger
}

// Chat runs one user turn to a final answer. Only precondition failures
// and persistence errors are returned as errors: a missing, foreign, or
// deleted conversation yields conversation.ErrNotFound, a tenant without
// a usable provider key yields *tenant.ConfigurationError. Model and
// function failures end the turn with a warning instead.
func (l *Loop) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, errors.New("chat: tenant ID is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("chat: message is required")
	}

	conv, err := l.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: load conversation %s: %w", req.ConversationID, err)
	}
	if conv.TenantID != req.TenantID || conv.Status == conversation.StatusDeleted {
		return nil, fmt.Errorf("chat: load conversation %s: %w", req.ConversationID, conversation.ErrNotFound)
	}

	gen, err := l.settings.GenerationSettings(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	client, err := l.models.ClientFor(gen.Provider, gen.APIKey)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", &tenant.ConfigurationError{
			TenantID: req.TenantID,
			Provider: gen.Provider,
			Reason:   err.Error(),
		})
	}

	if conv.Status == conversation.StatusArchived {
		if err := l.conversations.Activate(ctx, conv.ID); err != nil {
			return nil, fmt.Errorf("chat: reactivate conversation: %w", err)
		}
	}

	t := &turn{
		tenantID:       req.TenantID,
		conversationID: conv.ID,
		agentKey:       req.AgentKey,
		gen:            gen,
		client:         client,
	}
	if t.agentKey == "" {
		t.agentKey = conv.AgentKey
	}
	t.log = l.logger.With(
		"conversation", conv.ID,
		"tenant", req.TenantID,
		"provider", gen.Provider,
		"model", gen.Model,
	)
	ctx = tools.WithTenantID(ctx, req.TenantID)
	ctx = tools.WithConversationID(ctx, conv.ID)

	tokens := conversation.EstimateTokens(req.Message)
	if err := l.conversations.AppendMessage(ctx, &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        req.Message,
		TokensUsed:     &tokens,
	}); err != nil {
		return nil, fmt.Errorf("chat: save user message: %w", err)
	}

	t.log.Info("chat turn started", "user", req.UserID, "agent", t.agentKey)
	return l.run(ctx, t)
}

// run iterates model calls until a terminal answer or a ceiling.
func (l *Loop) run(ctx context.Context, t *turn) (*ChatResponse, error) {
	var state turnState
	for {
		next := decide(state, l.limits)
		t.log.Debug("turn step", "step", next, "depth", state.depth, "calls", len(state.executed))

		switch next {
		case stepDepthLimit:
			t.log.Warn("depth limit reached", "depth", state.depth)
			text := state.lastText
			if text == "" {
				text = prompts.LimitReachedFallback
			}
			return l.finish(ctx, t, state, text, fmt.Sprintf(warnDepthLimit, l.limits.MaxDepth))

		case stepFinal:
			t.log.Warn("function call limit reached", "calls", len(state.executed))
			warning := fmt.Sprintf(warnCallLimit, l.limits.MaxFunctionCalls)
			res, err := l.callModel(ctx, t, state, next)
			if err != nil {
				return nil, err
			}
			text := res.text
			if res.failed {
				text = prompts.LimitReachedFallback
			}
			return l.finish(ctx, t, state, text, warning)
		}

		res, err := l.callModel(ctx, t, state, next)
		if err != nil {
			return nil, err
		}
		if res.failed {
			return l.finish(ctx, t, state, res.text, fmt.Sprintf(warnProvider, res.err))
		}
		if res.call == nil {
			return l.finish(ctx, t, state, res.text, "")
		}

		key := dedupKey(res.call.Name, res.call.Arguments)
		if state.has(key) {
			t.log.Warn("duplicate function call skipped", "function", res.call.Name)
			text := res.text
			if strings.TrimSpace(text) == "" {
				text = state.lastText
			}
			if text == "" {
				text = prompts.EmptyResponseFallback
			}
			return l.finish(ctx, t, state, text, WarnDuplicateCall)
		}

		result := l.catalog.Execute(ctx, res.call.Name, res.call.Arguments)
		if result.Err != "" {
			t.log.Info("function returned error", "function", res.call.Name, "error", result.Err)
		} else {
			t.log.Info("function executed", "function", res.call.Name)
		}
		if err := l.conversations.AttachFunctionResult(ctx, res.messageID, result.Output); err != nil {
			return nil, fmt.Errorf("chat: attach function result: %w", err)
		}
		if err := l.conversations.AppendMessage(ctx, &conversation.Message{
			ConversationID: t.conversationID,
			Role:           conversation.RoleFunction,
			Content:        string(result.Output),
			FunctionName:   res.call.Name,
			FunctionResult: result.Output,
		}); err != nil {
			return nil, fmt.Errorf("chat: save function result: %w", err)
		}

		state = state.after(key, res.text, result.TestSummary)
	}
}

// modelResult is one model call as persisted.
type modelResult struct {
	messageID string
	text      string
	call      *llm.ToolCall
	failed    bool
	err       error
}

// callModel sends the current window to the model, then persists the
// assistant message and its usage row. A provider failure is persisted
// as an assistant message and an error usage row and reported through
// modelResult.failed; only store failures return an error.
func (l *Loop) callModel(ctx context.Context, t *turn, state turnState, s step) (*modelResult, error) {
	window, err := l.conversations.RecentMessages(ctx, t.conversationID, l.limits.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}

	system := prompts.AgentMasterSystemPrompt(t.agentKey, l.limits.MaxFunctionCalls)
	switch s {
	case stepWrapUp:
		system += "\n\n" + prompts.WrapUpNotice(len(state.executed), l.limits.MaxFunctionCalls)
	case stepFinal:
		system += "\n\n" + prompts.LimitReachedNotice
	}

	req := &llm.ChatRequest{
		Model:       t.gen.Model,
		Messages:    append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, toLLMMessages(window)...),
		MaxTokens:   t.gen.MaxTokens,
		Temperature: t.gen.Temperature,
		Tools:       l.catalog.Tools(),
		ToolChoice:  llm.ToolChoiceAuto,
	}
	// The window may still hold earlier calls, so the final request keeps
	// the definitions and only forbids new calls.
	if s == stepFinal {
		req.ToolChoice = llm.ToolChoiceNone
	}

	started := l.now()
	resp, callErr := t.client.Chat(ctx, req)
	ended := l.now()

	rec := &usage.Record{
		ConversationID: t.conversationID,
		TenantID:       t.tenantID,
		Operation:      usage.OperationChat,
		Provider:       t.gen.Provider,
		Model:          t.gen.Model,
		StartedAt:      started,
		EndedAt:        ended,
		LatencyMS:      ended.Sub(started).Milliseconds(),
		Status:         usage.StatusSuccess,
		Metadata: map[string]any{
			"depth": state.depth,
			"step":  s.String(),
		},
	}
	msg := &conversation.Message{
		ConversationID: t.conversationID,
		Role:           conversation.RoleAssistant,
	}
	out := &modelResult{}

	if callErr != nil {
		t.log.Error("model call failed", "error", callErr, "latency_ms", rec.LatencyMS)
		rec.Status = usage.StatusError
		if errors.Is(callErr, llm.ErrRateLimited) {
			rec.Status = usage.StatusRateLimited
		}
		rec.ErrorMessage = callErr.Error()
		msg.Content = prompts.ProviderFailureMessage(callErr)
		out.failed = true
		out.err = callErr
	} else {
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		if resp.Usage.Reported {
			in, outTok, total := resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens
			if total == 0 {
				total = in + outTok
			}
			rec.InputTokens, rec.OutputTokens, rec.TotalTokens = &in, &outTok, &total
			msg.TokensUsed = &outTok
		} else {
			est := conversation.EstimateTokens(resp.Content)
			msg.TokensUsed = &est
		}
		l.pricing.Apply(rec)

		msg.Content = resp.Content
		if resp.ToolCall != nil && s != stepFinal {
			rec.Operation = usage.OperationFunctionCall
			rec.FunctionCall, _ = json.Marshal(map[string]any{
				"name":      resp.ToolCall.Name,
				"arguments": resp.ToolCall.Arguments,
			})
			msg.FunctionName = resp.ToolCall.Name
			msg.FunctionArgs = storedArgs(resp.ToolCall.Arguments)
			out.call = resp.ToolCall
		} else {
			if strings.TrimSpace(msg.Content) == "" {
				msg.Content = prompts.EmptyResponseFallback
			}
			msg.Content = surfaceSummaries(msg.Content, state.summaries)
		}
		t.log.Debug("model call complete",
			"latency_ms", rec.LatencyMS,
			"function", msg.FunctionName,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)
	}

	if err := l.conversations.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("chat: save assistant message: %w", err)
	}
	rec.MessageID = msg.ID
	if err := l.usage.Record(ctx, rec); err != nil {
		t.log.Warn("failed to record usage", "error", err)
	}

	out.messageID = msg.ID
	out.text = msg.Content
	return out, nil
}

// finish builds the response for a turn that ended with text.
func (l *Loop) finish(ctx context.Context, t *turn, state turnState, text, warning string) (*ChatResponse, error) {
	calls, err := l.conversations.FunctionCalls(ctx, t.conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list function calls: %w", err)
	}
	executed := make([]ExecutedCall, 0, len(calls))
	for _, m := range calls {
		if len(m.FunctionResult) == 0 {
			continue // requested but skipped
		}
		executed = append(executed, ExecutedCall{
			MessageID: m.ID,
			Name:      m.FunctionName,
			Arguments: m.FunctionArgs,
			Result:    m.FunctionResult,
			CreatedAt: m.CreatedAt,
		})
	}

	resp := &ChatResponse{
		Message:            surfaceSummaries(text, state.summaries),
		FunctionCalls:      executed,
		TotalFunctionCalls: len(state.executed),
		FinalResponse:      true,
		Warning:            warning,
	}
	t.log.Info("chat turn complete",
		"function_calls", resp.TotalFunctionCalls,
		"depth", state.depth,
		"warning", warning,
	)
	return resp, nil
}
