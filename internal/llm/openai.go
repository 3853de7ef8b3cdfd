package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ragassist/agentmaster/internal/httpkit"
)

// OpenAIClient is a chat-completions client backed by langchaingo's
// OpenAI provider. Any OpenAI-compatible endpoint works via baseURL.
type OpenAIClient struct {
	llm    *openai.LLM
	logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI client. An empty baseURL selects the
// public API.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &OpenAIClient{llm: model, logger: logger.With("provider", "openai")}, nil
}

// Provider implements Client.
func (c *OpenAIClient) Provider() string { return "openai" }

// toolChoice returns the effective choice for a request with tools.
func toolChoice(req *ChatRequest) ToolChoice {
	if req.ToolsEnabled() {
		return ToolChoiceAuto
	}
	return ToolChoiceNone
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	content := convertToLangchain(req.Messages)

	opts := []llms.CallOption{
		llms.WithModel(req.Model),
		llms.WithTemperature(req.Temperature),
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		opts = append(opts,
			llms.WithTools(convertToolsToLangchain(req.Tools)),
			llms.WithToolChoice(string(toolChoice(req))),
		)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(content),
		"tools", req.ToolsEnabled(),
	)

	resp, err := c.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		if isRateLimitMessage(err) {
			return nil, &APIError{Provider: "openai", StatusCode: 429, Body: err.Error()}
		}
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: empty response")
	}

	result := c.convertFromLangchain(resp.Choices[0])
	result.Model = req.Model

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_call", result.ToolCall != nil,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Content)
	return result, nil
}

// isRateLimitMessage detects a 429 in langchaingo's status-code error
// text, which is the only place the status survives.
func isRateLimitMessage(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "status code: 429") || strings.Contains(msg, "429 Too Many Requests")
}

func convertToLangchain(messages []Message) []llms.MessageContent {
	result := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))
		case RoleUser:
			result = append(result, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		case RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if msg.Content != "" || msg.ToolCall == nil {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
			}
			if msg.ToolCall != nil {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   msg.ToolCall.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      msg.ToolCall.Name,
						Arguments: msg.ToolCall.Arguments,
					},
				})
			}
			result = append(result, mc)
		case RoleTool:
			result = append(result, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Name:       msg.Name,
					Content:    msg.Content,
				}},
			})
		}
	}
	return result
}

func convertToolsToLangchain(tools []Tool) []llms.Tool {
	result := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func (c *OpenAIClient) convertFromLangchain(choice *llms.ContentChoice) *ChatResponse {
	out := &ChatResponse{Content: choice.Content, StopReason: choice.StopReason}

	for i, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		if out.ToolCall != nil {
			c.logger.Warn("dropping additional tool call", "index", i, "name", tc.FunctionCall.Name)
			continue
		}
		out.ToolCall = &ToolCall{ID: tc.ID, Name: tc.FunctionCall.Name, Arguments: tc.FunctionCall.Arguments}
	}
	if out.ToolCall == nil && choice.FuncCall != nil {
		out.ToolCall = &ToolCall{Name: choice.FuncCall.Name, Arguments: choice.FuncCall.Arguments}
	}

	in, okIn := tokenCount(choice.GenerationInfo, "PromptTokens")
	outTok, okOut := tokenCount(choice.GenerationInfo, "CompletionTokens")
	total, okTotal := tokenCount(choice.GenerationInfo, "TotalTokens")
	if okIn || okOut || okTotal {
		if !okTotal {
			total = in + outTok
		}
		out.Usage = Usage{InputTokens: in, OutputTokens: outTok, TotalTokens: total, Reported: true}
	}
	return out
}

// tokenCount reads a numeric GenerationInfo entry of any integer or
// float type.
func tokenCount(info map[string]any, key string) (int, bool) {
	switch v := info[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
