package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ragassist/agentmaster/internal/agents"
)

const defaultListLimit = 50

func (r *Registry) registerCatalog() {
	r.register(&Function{
		Name:        "get_agent",
		Description: "Get an agent's configuration by key.",
		Schema: Schema{
			Properties: map[string]Property{
				"agent_key": {Type: TypeString, Description: "The agent's unique key"},
			},
			Required: []string{"agent_key"},
		},
		run: typed(r.getAgent),
	})

	r.register(&Function{
		Name:        "list_agents",
		Description: "List the tenant's agents, default agent first, then by name.",
		Schema: Schema{
			Properties: map[string]Property{
				"limit": {Type: TypeInteger, Description: "Maximum number of agents to return", Default: defaultListLimit},
			},
		},
		run: typed(r.listAgents),
	})

	r.register(&Function{
		Name:        "get_prompt",
		Description: "Get the latest version of an agent's prompt for a category.",
		Schema: Schema{
			Properties: map[string]Property{
				"agent_key": {Type: TypeString, Description: "The agent's unique key"},
				"category":  {Type: TypeString, Description: "Prompt category", Default: agents.DefaultCategory},
			},
			Required: []string{"agent_key"},
		},
		run: typed(r.getPrompt),
	})

	r.register(&Function{
		Name: "update_prompt",
		Description: "Publish a new version of an agent's prompt. The previous version is kept " +
			"and unpublished. Always read the current prompt with get_prompt first.",
		Schema: Schema{
			Properties: map[string]Property{
				"agent_key": {Type: TypeString, Description: "The agent's unique key"},
				"category":  {Type: TypeString, Description: "Prompt category", Default: agents.DefaultCategory},
				"content":   {Type: TypeString, Description: "The complete new prompt text"},
			},
			Required: []string{"agent_key", "content"},
		},
		run: typed(r.updatePrompt),
	})

	r.register(&Function{
		Name:        "list_available_tools",
		Description: "List enabled tools in the tool registry, optionally filtered by category.",
		Schema: Schema{
			Properties: map[string]Property{
				"category": {Type: TypeString, Description: "Only return tools in this category"},
			},
		},
		run: typed(r.listAvailableTools),
	})

	r.register(&Function{
		Name: "add_tool_to_agent",
		Description: "Wire a registry tool to an agent and run a test call against it. " +
			"The result contains a test_summary block that must be shown to the user exactly as returned.",
		Schema: Schema{
			Properties: map[string]Property{
				"agent_key":    {Type: TypeString, Description: "The agent's unique key"},
				"tool_key":     {Type: TypeString, Description: "The registry tool's key"},
				"alias":        {Type: TypeString, Description: "Function name the agent will see; defaults to the tool key"},
				"arg_defaults": {Type: TypeObject, Description: "Fixed values for tool parameters, keyed by the tool's parameter names"},
			},
			Required: []string{"agent_key", "tool_key"},
		},
		run: typed(r.addToolToAgent),
	})
}

func tenantFrom(ctx context.Context) (string, error) {
	id := TenantIDFromContext(ctx)
	if id == "" {
		return "", errNoTenant
	}
	return id, nil
}

type getAgentArgs struct {
	AgentKey string `json:"agent_key"`
}

func (r *Registry) getAgent(ctx context.Context, args getAgentArgs) (any, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	a, err := r.store.GetAgent(ctx, tenantID, args.AgentKey)
	if errors.Is(err, agents.ErrNotFound) {
		return nil, fmt.Errorf("agent %q not found", args.AgentKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", args.AgentKey, err)
	}
	return a, nil
}

type listAgentsArgs struct {
	Limit int `json:"limit"`
}

func (r *Registry) listAgents(ctx context.Context, args listAgentsArgs) (any, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	list, err := r.store.ListAgents(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if list == nil {
		list = []*agents.Agent{}
	}
	return map[string]any{"agents": list, "count": len(list)}, nil
}

type getPromptArgs struct {
	AgentKey string `json:"agent_key"`
	Category string `json:"category"`
}

func (r *Registry) getPrompt(ctx context.Context, args getPromptArgs) (any, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	category := categoryOrDefault(args.Category)
	p, err := r.store.LatestPrompt(ctx, tenantID, args.AgentKey, category)
	if errors.Is(err, agents.ErrNotFound) {
		return nil, fmt.Errorf("no %s prompt for agent %q", category, args.AgentKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

type updatePromptArgs struct {
	AgentKey string `json:"agent_key"`
	Category string `json:"category"`
	Content  string `json:"content"`
}

func (r *Registry) updatePrompt(ctx context.Context, args updatePromptArgs) (any, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.GetAgent(ctx, tenantID, args.AgentKey); err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return nil, fmt.Errorf("agent %q not found", args.AgentKey)
		}
		return nil, fmt.Errorf("get agent %s: %w", args.AgentKey, err)
	}
	p, err := r.store.PublishPrompt(ctx, tenantID, args.AgentKey, categoryOrDefault(args.Category), args.Content)
	if err != nil {
		return nil, fmt.Errorf("update prompt: %w", err)
	}
	r.logger.Info("prompt published",
		"tenant", tenantID, "agent", p.AgentKey, "category", p.Category, "version", p.Version)
	return map[string]any{"success": true, "prompt": p}, nil
}

type listToolsArgs struct {
	Category string `json:"category"`
}

func (r *Registry) listAvailableTools(ctx context.Context, args listToolsArgs) (any, error) {
	list, err := r.store.ListTools(ctx, strings.TrimSpace(args.Category))
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if list == nil {
		list = []*agents.Tool{}
	}
	return map[string]any{"tools": list, "count": len(list)}, nil
}

type addToolArgs struct {
	AgentKey    string         `json:"agent_key"`
	ToolKey     string         `json:"tool_key"`
	Alias       string         `json:"alias"`
	ArgDefaults map[string]any `json:"arg_defaults"`
}

// addToolResult is add_tool_to_agent's reply. Error is set when the pair
// already existed; the test still ran against the existing row.
type addToolResult struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	AgentTool   *agents.AgentTool `json:"agent_tool,omitempty"`
	TestResult  *TestOutcome      `json:"test_result"`
	TestSummary string            `json:"test_summary"`
}

func (a *addToolResult) testSummary() string  { return a.TestSummary }
func (a *addToolResult) errorMessage() string { return a.Error }

func (r *Registry) addToolToAgent(ctx context.Context, args addToolArgs) (any, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := r.store.GetAgent(ctx, tenantID, args.AgentKey); err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return nil, fmt.Errorf("agent %q not found", args.AgentKey)
		}
		return nil, fmt.Errorf("get agent %s: %w", args.AgentKey, err)
	}
	tool, err := r.store.GetTool(ctx, args.ToolKey)
	if errors.Is(err, agents.ErrNotFound) {
		return nil, fmt.Errorf("tool %q not found", args.ToolKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get tool %s: %w", args.ToolKey, err)
	}
	if !tool.Enabled {
		return nil, fmt.Errorf("tool %q is disabled", args.ToolKey)
	}

	existing, err := r.store.GetAgentTool(ctx, tenantID, args.AgentKey, args.ToolKey)
	switch {
	case err == nil:
		return r.retestExisting(ctx, tool, existing)
	case !errors.Is(err, agents.ErrNotFound):
		return nil, fmt.Errorf("check existing agent tool: %w", err)
	}

	w, err := synthesizeWrapper(tool, args.Alias, args.ArgDefaults)
	if err != nil {
		return nil, err
	}
	pos, err := r.store.NextPosition(ctx, tenantID, args.AgentKey)
	if err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}

	at := &agents.AgentTool{
		TenantID:     tenantID,
		AgentKey:     args.AgentKey,
		ToolKey:      tool.Key,
		Alias:        args.Alias,
		ArgDefaults:  args.ArgDefaults,
		Position:     pos,
		FunctionDef:  w.definition(),
		ParamMapping: w.mapping(),
		Enabled:      true,
	}
	if err := r.store.AddAgentTool(ctx, at); err != nil {
		if errors.Is(err, agents.ErrAlreadyExists) {
			existing, getErr := r.store.GetAgentTool(ctx, tenantID, args.AgentKey, args.ToolKey)
			if getErr != nil {
				return nil, fmt.Errorf("load existing agent tool: %w", getErr)
			}
			return r.retestExisting(ctx, tool, existing)
		}
		return nil, fmt.Errorf("add tool to agent: %w", err)
	}

	r.logger.Info("tool added to agent",
		"tenant", tenantID, "agent", args.AgentKey, "tool", tool.Key,
		"function", w.Name, "position", pos)

	outcome := r.runToolTest(ctx, tool, w, args.ArgDefaults)
	return &addToolResult{
		Success:     true,
		AgentTool:   at,
		TestResult:  outcome,
		TestSummary: formatTestSummary(tool, args.AgentKey, outcome),
	}, nil
}

// retestExisting runs the tool test against an already wired row using
// its stored function definition and arg defaults.
func (r *Registry) retestExisting(ctx context.Context, tool *agents.Tool, at *agents.AgentTool) (any, error) {
	w, err := storedWrapper(at)
	if err != nil {
		return nil, err
	}
	outcome := r.runToolTest(ctx, tool, w, at.ArgDefaults)
	return &addToolResult{
		Error:       "already added",
		TestResult:  outcome,
		TestSummary: formatTestSummary(tool, at.AgentKey, outcome),
	}, nil
}

func categoryOrDefault(c string) string {
	if c = strings.TrimSpace(c); c != "" {
		return c
	}
	return agents.DefaultCategory
}
