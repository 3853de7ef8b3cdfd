package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ragassist/agentmaster/internal/agents"
	"github.com/ragassist/agentmaster/internal/buildinfo"
	"github.com/ragassist/agentmaster/internal/httpkit"
)

// ToolTester executes a registry tool once with sample parameters.
type ToolTester interface {
	Test(ctx context.Context, req TestRequest) (*TestResponse, error)
}

// TestRequest is the body sent to the tool execution endpoint.
type TestRequest struct {
	ToolID     string         `json:"toolId"`
	TestParams map[string]any `json:"testParams"`
	ToolConfig map[string]any `json:"toolConfig,omitempty"`
}

// TestResponse is the tool execution endpoint's reply.
type TestResponse struct {
	Success          bool            `json:"success"`
	Result           json.RawMessage `json:"result,omitempty"`
	ExecutionTime    float64         `json:"executionTime"`
	ParameterMapping map[string]any  `json:"parameterMapping,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// HTTPToolTester posts test requests to a tool execution service.
type HTTPToolTester struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPToolTester creates a tester for the endpoint at url.
func NewHTTPToolTester(url string, timeout time.Duration, logger *slog.Logger) *HTTPToolTester {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPToolTester{
		url:    url,
		logger: logger.With("component", "tool_tester"),
		client: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithLogger(logger),
		),
	}
}

// Test implements ToolTester. A non-2xx status is an error; a 2xx reply
// with success=false is a failed test, not an error.
func (t *HTTPToolTester) Test(ctx context.Context, req TestRequest) (*TestResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal test request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	t.logger.Debug("testing tool", "tool", req.ToolID, "params", len(req.TestParams))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tool test request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tool test endpoint returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var out TestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode test response: %w", err)
	}
	return &out, nil
}

// Test statuses.
const (
	TestPassed  = "PASSED"
	TestFailed  = "FAILED"
	TestSkipped = "SKIPPED"
)

// TestOutcome is the structured result of a post-creation tool test.
type TestOutcome struct {
	Status     string         `json:"status"`
	Params     map[string]any `json:"test_params"`
	ToolParams map[string]any `json:"tool_params"`
	Response   *TestResponse  `json:"response,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// sampleValues are test inputs keyed by AI-facing parameter name.
var sampleValues = map[string]any{
	"query":      "test query",
	"text":       "This is a test message.",
	"message":    "Hello from the tool test.",
	"url":        "https://example.com",
	"id":         "test-id-123",
	"email":      "test@example.com",
	"recipient":  "test@example.com",
	"subject":    "Test subject",
	"title":      "Test title",
	"body":       "Test body",
	"location":   "New York",
	"language":   "en",
	"limit":      5,
	"page":       1,
	"date":       "2024-01-01",
	"start_date": "2024-01-01",
	"end_date":   "2024-01-31",
	"name":       "Test Name",
	"username":   "testuser",
	"phone":      "+15555550100",
	"amount":     100,
	"currency":   "USD",
	"category":   "general",
}

// sampleValue picks a test input for p: the lookup table when its type
// fits, else a default for the type.
func sampleValue(p wrapperParam) any {
	if len(p.Enum) > 0 {
		return p.Enum[0]
	}
	if v, ok := sampleValues[p.Name]; ok && sampleFits(v, p.Type) {
		return v
	}
	switch p.Type {
	case TypeInteger, TypeNumber:
		return 123
	case TypeBoolean:
		return true
	case TypeObject:
		return map[string]any{"test": "object"}
	case TypeArray:
		return []any{"test", "array"}
	default:
		return "test string"
	}
}

func sampleFits(v any, typ string) bool {
	switch v.(type) {
	case int:
		return typ == TypeInteger || typ == TypeNumber
	case string:
		return typ == TypeString
	}
	return false
}

// testParams generates values for the wrapper's required parameters and
// maps them to the tool's own names, with argDefaults merged on top.
func testParams(w *wrapper, argDefaults map[string]any) (aiParams, toolParams map[string]any) {
	required := make(map[string]bool, len(w.Required))
	for _, name := range w.Required {
		required[name] = true
	}
	aiParams = make(map[string]any)
	toolParams = make(map[string]any)
	for _, p := range w.Params {
		if !required[p.Name] {
			continue
		}
		v := sampleValue(p)
		aiParams[p.Name] = v
		toolParams[p.ToolName] = v
	}
	for k, v := range argDefaults {
		toolParams[k] = v
	}
	return aiParams, toolParams
}

// runToolTest executes the post-creation test. It never fails: transport
// errors become a FAILED outcome and a nil tester a SKIPPED one.
func (r *Registry) runToolTest(ctx context.Context, tool *agents.Tool, w *wrapper, argDefaults map[string]any) *TestOutcome {
	aiParams, toolParams := testParams(w, argDefaults)
	out := &TestOutcome{Params: aiParams, ToolParams: toolParams}

	if r.tester == nil {
		out.Status = TestSkipped
		out.Error = "no tool test endpoint configured"
		return out
	}

	resp, err := r.tester.Test(ctx, TestRequest{
		ToolID:     tool.Key,
		TestParams: toolParams,
		ToolConfig: tool.Config,
	})
	if err != nil {
		r.logger.Warn("tool test failed", "tool", tool.Key, "error", err)
		out.Status = TestFailed
		out.Error = err.Error()
		return out
	}
	out.Response = resp
	if resp.Success {
		out.Status = TestPassed
	} else {
		out.Status = TestFailed
		out.Error = resp.Error
	}
	return out
}

// formatTestSummary renders the block the model is told to repeat
// verbatim.
func formatTestSummary(tool *agents.Tool, agentKey string, out *TestOutcome) string {
	var b strings.Builder
	b.WriteString("=== TOOL TEST RESULT ===\n")
	fmt.Fprintf(&b, "Tool: %s (%s)\n", tool.Name, tool.Key)
	fmt.Fprintf(&b, "Agent: %s\n", agentKey)
	fmt.Fprintf(&b, "Status: %s\n", out.Status)
	if out.Response != nil {
		fmt.Fprintf(&b, "Execution time: %gms\n", out.Response.ExecutionTime)
	}
	fmt.Fprintf(&b, "Test parameters: %s\n", compactJSON(out.ToolParams))
	if out.Response != nil && len(out.Response.ParameterMapping) > 0 {
		fmt.Fprintf(&b, "Parameter mapping: %s\n", compactJSON(out.Response.ParameterMapping))
	}
	if out.Response != nil && len(out.Response.Result) > 0 {
		fmt.Fprintf(&b, "Response: %s\n", strings.ToValidUTF8(string(out.Response.Result), "\uFFFD"))
	}
	if out.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", out.Error)
	}
	b.WriteString("=== END TOOL TEST RESULT ===")
	return b.String()
}

// compactJSON marshals m; map keys come out sorted.
func compactJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprint(m)
	}
	return string(b)
}
