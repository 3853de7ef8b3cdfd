// Package tools is the function catalog the orchestration loop exposes
// to the model: a fixed set of agent, prompt, and tool management
// operations with declared parameter schemas.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ragassist/agentmaster/internal/agents"
	"github.com/ragassist/agentmaster/internal/llm"
)

// CatalogStore is the persistence the catalog functions operate on.
type CatalogStore interface {
	GetAgent(ctx context.Context, tenantID, key string) (*agents.Agent, error)
	ListAgents(ctx context.Context, tenantID string, limit int) ([]*agents.Agent, error)
	LatestPrompt(ctx context.Context, tenantID, agentKey, category string) (*agents.Prompt, error)
	PublishPrompt(ctx context.Context, tenantID, agentKey, category, content string) (*agents.Prompt, error)
	GetTool(ctx context.Context, key string) (*agents.Tool, error)
	ListTools(ctx context.Context, category string) ([]*agents.Tool, error)
	GetAgentTool(ctx context.Context, tenantID, agentKey, toolKey string) (*agents.AgentTool, error)
	NextPosition(ctx context.Context, tenantID, agentKey string) (int, error)
	AddAgentTool(ctx context.Context, at *agents.AgentTool) error
}

// handler runs a function on raw, already validated arguments.
type handler func(ctx context.Context, raw json.RawMessage) (any, error)

// typed adapts a handler taking a typed argument struct.
func typed[A any](fn func(ctx context.Context, args A) (any, error)) handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, args)
	}
}

// Function is a catalog entry.
type Function struct {
	Name        string
	Description string
	Schema      Schema
	run         handler
}

// Result is the outcome of one function call. Output is always a JSON
// object; failures are reported inside it as {"error": message}.
type Result struct {
	Output json.RawMessage
	// Err is the error message when the call failed, else "".
	Err string
	// TestSummary is the verbatim tool test block, when the call ran one.
	TestSummary string
}

// Registry is the immutable function catalog. Build it once with
// NewRegistry and share it.
type Registry struct {
	funcs  map[string]*Function
	order  []string
	store  CatalogStore
	tester ToolTester
	logger *slog.Logger
}

// NewRegistry creates the catalog over store. tester runs post-creation
// tool tests; nil skips them.
func NewRegistry(store CatalogStore, tester ToolTester, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		funcs:  make(map[string]*Function),
		store:  store,
		tester: tester,
		logger: logger,
	}
	r.registerCatalog()
	return r
}

func (r *Registry) register(f *Function) {
	if _, dup := r.funcs[f.Name]; !dup {
		r.order = append(r.order, f.Name)
	}
	r.funcs[f.Name] = f
}

// Names returns function names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Get returns a function by name, or nil.
func (r *Registry) Get(name string) *Function {
	return r.funcs[name]
}

// Tools returns the catalog as provider tool declarations.
func (r *Registry) Tools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		f := r.funcs[name]
		out = append(out, llm.Tool{
			Name:        f.Name,
			Description: f.Description,
			Parameters:  f.Schema.JSON(),
		})
	}
	return out
}

// Execute runs a function with raw JSON arguments. It never returns an
// error: unknown functions, invalid arguments, and handler failures all
// become {"error": message} results.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) Result {
	log := r.logger.With("function", name, "tenant", TenantIDFromContext(ctx))

	f := r.funcs[name]
	if f == nil {
		return errorResult(&ErrFunctionUnavailable{Name: name})
	}

	raw := json.RawMessage(strings.TrimSpace(argsJSON))
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult(fmt.Errorf("invalid arguments for %s: %w", name, err))
	}
	if args == nil {
		args = map[string]any{}
	}
	if problems := f.Schema.Validate(args); len(problems) > 0 {
		return errorResult(&ValidationError{Function: name, Problems: problems})
	}

	out, err := f.run(ctx, raw)
	if err != nil {
		log.Warn("function failed", "error", err)
		return errorResult(err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return errorResult(fmt.Errorf("encode %s result: %w", name, err))
	}
	res := Result{Output: data}
	if withSummary, ok := out.(summarized); ok {
		res.TestSummary = withSummary.testSummary()
		res.Err = withSummary.errorMessage()
	}
	log.Debug("function executed", "bytes", len(data), "failed", res.Err != "")
	return res
}

// summarized is implemented by results that carry a tool test block.
type summarized interface {
	testSummary() string
	errorMessage() string
}

func errorResult(err error) Result {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Output: data, Err: err.Error()}
}
