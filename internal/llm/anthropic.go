package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ragassist/agentmaster/internal/httpkit"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"

	// anthropicDefaultMaxTokens applies when a request sets no limit; the
	// Messages API requires one.
	anthropicDefaultMaxTokens = 1024
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// selects the public API.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	// Long prompts can take a while before headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithLogger(logger),
		),
	}
}

// Provider implements Client.
func (c *AnthropicClient) Provider() string { return "anthropic" }

// Anthropic request/response types

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  *anthropicChoice   `json:"tool_choice,omitempty"`
}

type anthropicChoice struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat sends a non-streaming Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// Tool blocks are only accepted alongside tool definitions.
	msgs, system := convertToAnthropic(req.Messages, len(req.Tools) > 0)

	areq := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: req.MaxTokens,
	}
	if areq.MaxTokens <= 0 {
		areq.MaxTokens = anthropicDefaultMaxTokens
	}
	temp := req.Temperature
	areq.Temperature = &temp
	if len(req.Tools) > 0 {
		areq.Tools = convertToolsToAnthropic(req.Tools)
		areq.ToolChoice = &anthropicChoice{Type: "auto"}
		if !req.ToolsEnabled() {
			areq.ToolChoice.Type = "none"
		}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"tools", len(areq.Tools),
		"system_len", len(system),
	)

	jsonData, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", body)
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: body}
	}

	var aresp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aresp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := c.convertFromAnthropic(&aresp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"tool_call", result.ToolCall != nil,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Content)

	return result, nil
}

// convertToAnthropic converts messages to Anthropic format, lifting system
// messages into the separate system prompt. Without toolBlocks, calls and
// results are rendered as plain text.
func convertToAnthropic(messages []Message, toolBlocks bool) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			if msg.ToolCall == nil {
				result = append(result, anthropicMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			if !toolBlocks {
				text := fmt.Sprintf("[called %s(%s)]", msg.ToolCall.Name, msg.ToolCall.Arguments)
				if msg.Content != "" {
					text = msg.Content + "\n" + text
				}
				result = append(result, anthropicMessage{Role: "assistant", Content: text})
				continue
			}
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			var input map[string]any
			if err := json.Unmarshal([]byte(msg.ToolCall.Arguments), &input); err != nil || input == nil {
				input = map[string]any{}
			}
			id := msg.ToolCall.ID
			if id == "" {
				id = "toolu_" + msg.ToolCall.Name
			}
			blocks = append(blocks, anthropicContent{
				Type:  "tool_use",
				ID:    id,
				Name:  msg.ToolCall.Name,
				Input: input,
			})
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			if !toolBlocks {
				result = append(result, anthropicMessage{
					Role:    "user",
					Content: fmt.Sprintf("[%s result]\n%s", msg.Name, msg.Content),
				})
				continue
			}
			result = append(result, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleUser:
			result = append(result, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func convertToolsToAnthropic(tools []Tool) []anthropicTool {
	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		var schema any = t.Parameters
		if t.Parameters == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}

func (c *AnthropicClient) convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	out := &ChatResponse{Model: resp.Model, StopReason: resp.StopReason}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if out.ToolCall != nil {
				c.logger.Warn("dropping additional tool call", "name", block.Name)
				continue
			}
			args, err := json.Marshal(block.Input)
			if err != nil || block.Input == nil {
				args = []byte("{}")
			}
			out.ToolCall = &ToolCall{ID: block.ID, Name: block.Name, Arguments: string(args)}
		}
	}
	out.Content = text.String()

	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			Reported:     true,
		}
	}
	return out
}
