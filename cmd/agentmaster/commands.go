package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ragassist/agentmaster/internal/agent"
	"github.com/ragassist/agentmaster/internal/agents"
	"github.com/ragassist/agentmaster/internal/conversation"
	"github.com/ragassist/agentmaster/internal/tenant"
	"github.com/ragassist/agentmaster/internal/usage"
)

const timeLayout = "2006-01-02 15:04"

// subcommand splits "<name> args..." and reports a usage error when the
// name is missing.
func subcommand(args []string, usageLine string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("usage: %s", usageLine)
	}
	return args[0], args[1:], nil
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// --- chat ---

// chatOutput is the JSON shape of a chat turn.
type chatOutput struct {
	ConversationID string `json:"conversation_id"`
	*agent.ChatResponse
}

// runChat runs one turn. Without -conversation a new conversation is
// created for the message.
func runChat(ctx context.Context, a *app, args []string) error {
	f, err := parseCmdFlags(args, []string{"tenant", "user", "conversation", "agent"}, nil)
	if err != nil {
		return err
	}
	tenantID, err := f.require("tenant")
	if err != nil {
		return err
	}
	message := strings.TrimSpace(strings.Join(f.args, " "))
	if message == "" {
		return fmt.Errorf("usage: agentmaster chat -tenant <id> [-conversation <id>] [-agent <key>] <message>")
	}
	user := f.get("user")
	if user == "" {
		user = "cli"
	}

	convID := f.get("conversation")
	if convID == "" {
		if _, err := a.tenants.GenerationSettings(ctx, tenantID); err != nil {
			return chatError(err, tenantID)
		}
		conv := &conversation.Conversation{
			TenantID: tenantID,
			UserID:   user,
			Title:    titleFrom(message),
			AgentKey: f.get("agent"),
		}
		if err := a.convs.Create(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID
		a.logger.Info("conversation created", "conversation", convID, "tenant", tenantID)
	}

	resp, err := a.newLoop().Chat(ctx, agent.ChatRequest{
		TenantID:       tenantID,
		UserID:         user,
		ConversationID: convID,
		Message:        message,
		AgentKey:       f.get("agent"),
	})
	if err != nil {
		return chatError(err, tenantID)
	}

	return a.emit(chatOutput{ConversationID: convID, ChatResponse: resp}, func(w io.Writer) {
		fmt.Fprintln(w, resp.Message)
		if resp.Warning != "" {
			fmt.Fprintf(w, "\nwarning: %s\n", resp.Warning)
		}
		fmt.Fprintf(w, "\n[conversation %s, %d function calls this turn]\n", convID, resp.TotalFunctionCalls)
	})
}

// chatError adds a setup hint to tenant configuration errors.
func chatError(err error, tenantID string) error {
	var cfgErr *tenant.ConfigurationError
	if errors.As(err, &cfgErr) {
		return fmt.Errorf("%w (set a key with: agentmaster tenant set %s -api-key <key>)", err, tenantID)
	}
	return err
}

// titleFrom derives a conversation title from its first message.
func titleFrom(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if r := []rune(title); len(r) > 60 {
		title = string(r[:57]) + "..."
	}
	return title
}

// --- conversation ---

func runConversation(ctx context.Context, a *app, args []string) error {
	sub, rest, err := subcommand(args, "agentmaster conversation new|list|show|rename|archive|delete")
	if err != nil {
		return err
	}
	switch sub {
	case "new":
		return conversationNew(ctx, a, rest)
	case "list":
		return conversationList(ctx, a, rest)
	case "show":
		return conversationShow(ctx, a, rest)
	case "rename":
		if len(rest) < 2 {
			return fmt.Errorf("usage: agentmaster conversation rename <id> <title>")
		}
		if err := a.convs.Rename(ctx, rest[0], strings.Join(rest[1:], " ")); err != nil {
			return fmt.Errorf("rename %s: %w", rest[0], err)
		}
		return a.emit(map[string]string{"id": rest[0], "title": strings.Join(rest[1:], " ")}, func(w io.Writer) {
			fmt.Fprintf(w, "Renamed %s\n", rest[0])
		})
	case "archive":
		if len(rest) != 1 {
			return fmt.Errorf("usage: agentmaster conversation archive <id>")
		}
		if err := a.convs.Archive(ctx, rest[0]); err != nil {
			return fmt.Errorf("archive %s: %w", rest[0], err)
		}
		return a.emit(map[string]string{"id": rest[0], "status": string(conversation.StatusArchived)}, func(w io.Writer) {
			fmt.Fprintf(w, "Archived %s\n", rest[0])
		})
	case "delete":
		return conversationDelete(ctx, a, rest)
	default:
		return fmt.Errorf("unknown conversation subcommand: %s", sub)
	}
}

func conversationNew(ctx context.Context, a *app, args []string) error {
	f, err := parseCmdFlags(args, []string{"tenant", "user", "title", "agent", "session"}, nil)
	if err != nil {
		return err
	}
	tenantID, err := f.require("tenant")
	if err != nil {
		return err
	}
	user := f.get("user")
	if user == "" {
		user = "cli"
	}
	conv := &conversation.Conversation{
		TenantID:  tenantID,
		UserID:    user,
		SessionID: f.get("session"),
		Title:     f.get("title"),
		AgentKey:  f.get("agent"),
	}
	if err := a.convs.Create(ctx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return a.emit(conv, func(w io.Writer) {
		fmt.Fprintln(w, conv.ID)
	})
}

func conversationList(ctx context.Context, a *app, args []string) error {
	f, err := parseCmdFlags(args, []string{"tenant", "user", "status", "limit"}, nil)
	if err != nil {
		return err
	}
	limit, err := f.intOr("limit", 50)
	if err != nil {
		return err
	}
	status := conversation.Status(f.get("status"))
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q (valid: active, archived, deleted)", status)
	}

	list, err := a.convs.List(ctx, conversation.ListFilter{
		TenantID: f.get("tenant"),
		UserID:   f.get("user"),
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		return err
	}
	if list == nil {
		list = []*conversation.Conversation{}
	}
	return a.emit(list, func(w io.Writer) {
		tw := table(w)
		fmt.Fprintln(tw, "ID\tTENANT\tSTATUS\tAGENT\tUPDATED\tTITLE")
		for _, c := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.TenantID, c.Status, c.AgentKey, c.UpdatedAt.Local().Format(timeLayout), c.Title)
		}
		tw.Flush()
	})
}

// conversationDetail is the JSON shape of conversation show.
type conversationDetail struct {
	Conversation *conversation.Conversation `json:"conversation"`
	Messages     []conversation.Message     `json:"messages"`
	Stats        *conversation.Stats        `json:"stats"`
	Usage        []usage.Record             `json:"usage"`
}

func conversationShow(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentmaster conversation show <id>")
	}
	id := args[0]
	conv, err := a.convs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("show %s: %w", id, err)
	}
	msgs, err := a.convs.Messages(ctx, id)
	if err != nil {
		return err
	}
	stats, err := a.convs.Stats(ctx, id)
	if err != nil {
		return err
	}
	records, err := a.ledger.ByConversation(ctx, id)
	if err != nil {
		return err
	}

	detail := conversationDetail{Conversation: conv, Messages: msgs, Stats: stats, Usage: records}
	return a.emit(detail, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %q  [%s]\n", conv.ID, conv.Title, conv.Status)
		fmt.Fprintf(w, "tenant %s, user %s", conv.TenantID, conv.UserID)
		if conv.AgentKey != "" {
			fmt.Fprintf(w, ", agent %s", conv.AgentKey)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w)
		for _, m := range msgs {
			fmt.Fprintf(w, "%s %-9s ", m.CreatedAt.Local().Format(timeLayout), m.Role)
			switch {
			case m.HasFunctionCall():
				fmt.Fprintf(w, "-> %s(%s)", m.FunctionName, m.FunctionArgs)
				if m.Content != "" {
					fmt.Fprintf(w, " %s", m.Content)
				}
			default:
				fmt.Fprint(w, m.Content)
			}
			fmt.Fprintln(w)
		}

		var cost float64
		for _, r := range records {
			if r.CostTotalUSD != nil {
				cost += *r.CostTotalUSD
			}
		}
		fmt.Fprintf(w, "\n%d messages, %d function calls, %s tokens, %d model calls, $%.4f\n",
			stats.Messages, stats.Functions, usage.FormatTokenCount(stats.TokensUsed), len(records), cost)
	})
}

func conversationDelete(ctx context.Context, a *app, args []string) error {
	f, err := parseCmdFlags(args, nil, []string{"hard"})
	if err != nil {
		return err
	}
	if len(f.args) != 1 {
		return fmt.Errorf("usage: agentmaster conversation delete [-hard] <id>")
	}
	id := f.args[0]

	if !f.bool("hard") {
		if err := a.convs.SoftDelete(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		return a.emit(map[string]string{"id": id, "status": string(conversation.StatusDeleted)}, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted %s (use -hard to remove it permanently)\n", id)
		})
	}

	res, err := a.convs.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	a.logger.Info("conversation removed", "conversation", id, "messages", res.Messages, "usage_records", res.Dependents)
	return a.emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "Removed %s: %d messages, %d usage records\n", id, res.Messages, res.Dependents)
	})
}

// --- tenant ---

func runTenant(ctx context.Context, a *app, args []string) error {
	sub, rest, err := subcommand(args, "agentmaster tenant set|show <id>")
	if err != nil {
		return err
	}
	switch sub {
	case "set":
		return tenantSet(ctx, a, rest)
	case "show":
		if len(rest) != 1 {
			return fmt.Errorf("usage: agentmaster tenant show <id>")
		}
		t, err := a.tenants.Get(ctx, rest[0])
		if err != nil {
			return fmt.Errorf("show tenant %s: %w", rest[0], err)
		}
		masked := maskTenant(t)
		return a.emit(masked, func(w io.Writer) {
			gen := masked.Settings.AI.Generating
			fmt.Fprintf(w, "%s  %s\n", masked.ID, masked.Name)
			fmt.Fprintf(w, "  provider:    %s\n", orDefault(gen.Provider, a.cfg.Generation.Provider))
			fmt.Fprintf(w, "  model:       %s\n", orDefault(gen.Model, a.cfg.Generation.Model))
			for name, p := range masked.Settings.AI.Providers {
				fmt.Fprintf(w, "  %s key: %s\n", name, p.APIKey)
			}
		})
	default:
		return fmt.Errorf("unknown tenant subcommand: %s", sub)
	}
}

func tenantSet(ctx context.Context, a *app, args []string) error {
	f, err := parseCmdFlags(args, []string{"name", "provider", "model", "max-tokens", "temperature", "api-key"}, nil)
	if err != nil {
		return err
	}
	if len(f.args) != 1 {
		return fmt.Errorf("usage: agentmaster tenant set <id> [-name n] [-provider p] [-model m] [-max-tokens n] [-temperature t] [-api-key k]")
	}
	id := f.args[0]

	t, err := a.tenants.Get(ctx, id)
	if errors.Is(err, tenant.ErrNotFound) {
		t = &tenant.Tenant{ID: id, Name: id}
	} else if err != nil {
		return err
	}

	gen := &t.Settings.AI.Generating
	if f.has("name") {
		t.Name = f.get("name")
	}
	if f.has("provider") {
		gen.Provider = f.get("provider")
	}
	if f.has("model") {
		gen.Model = f.get("model")
	}
	if f.has("max-tokens") {
		if gen.MaxTokens, err = strconv.Atoi(f.get("max-tokens")); err != nil {
			return fmt.Errorf("flag -max-tokens: %w", err)
		}
	}
	if f.has("temperature") {
		temp, err := strconv.ParseFloat(f.get("temperature"), 64)
		if err != nil {
			return fmt.Errorf("flag -temperature: %w", err)
		}
		gen.Temperature = &temp
	}
	if f.has("api-key") {
		provider := orDefault(gen.Provider, a.cfg.Generation.Provider)
		if t.Settings.AI.Providers == nil {
			t.Settings.AI.Providers = make(map[string]tenant.ProviderSettings)
		}
		t.Settings.AI.Providers[provider] = tenant.ProviderSettings{APIKey: f.get("api-key")}
	}

	if err := a.tenants.Upsert(ctx, t); err != nil {
		return fmt.Errorf("save tenant %s: %w", id, err)
	}
	return a.emit(maskTenant(t), func(w io.Writer) {
		fmt.Fprintf(w, "Saved tenant %s\n", id)
	})
}

// maskTenant returns a copy of t with API keys masked.
func maskTenant(t *tenant.Tenant) *tenant.Tenant {
	out := *t
	out.Settings.AI.Providers = make(map[string]tenant.ProviderSettings, len(t.Settings.AI.Providers))
	for name, p := range t.Settings.AI.Providers {
		out.Settings.AI.Providers[name] = tenant.ProviderSettings{APIKey: tenant.MaskKey(p.APIKey)}
	}
	return &out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// --- agent ---

func runAgent(ctx context.Context, a *app, args []string) error {
	sub, rest, err := subcommand(args, "agentmaster agent add|list|prompts|tools")
	if err != nil {
		return err
	}
	f, err := parseCmdFlags(rest, []string{"tenant", "name", "description", "category", "limit"}, []string{"default"})
	if err != nil {
		return err
	}
	tenantID, err := f.require("tenant")
	if err != nil {
		return err
	}

	switch sub {
	case "add":
		if len(f.args) != 1 {
			return fmt.Errorf("usage: agentmaster agent add -tenant <id> [-name n] [-description d] [-default] <key>")
		}
		ag := &agents.Agent{
			TenantID:    tenantID,
			Key:         f.args[0],
			Name:        orDefault(f.get("name"), f.args[0]),
			Description: f.get("description"),
			IsDefault:   f.bool("default"),
		}
		if err := a.agents.UpsertAgent(ctx, ag); err != nil {
			return err
		}
		return a.emit(ag, func(w io.Writer) {
			fmt.Fprintf(w, "Saved agent %s\n", ag.Key)
		})

	case "list":
		limit, err := f.intOr("limit", 50)
		if err != nil {
			return err
		}
		list, err := a.agents.ListAgents(ctx, tenantID, limit)
		if err != nil {
			return err
		}
		if list == nil {
			list = []*agents.Agent{}
		}
		return a.emit(list, func(w io.Writer) {
			tw := table(w)
			fmt.Fprintln(tw, "KEY\tNAME\tDEFAULT\tDESCRIPTION")
			for _, ag := range list {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", ag.Key, ag.Name, ag.IsDefault, ag.Description)
			}
			tw.Flush()
		})

	case "prompts":
		if len(f.args) != 1 {
			return fmt.Errorf("usage: agentmaster agent prompts -tenant <id> [-category c] <key>")
		}
		category := orDefault(f.get("category"), agents.DefaultCategory)
		history, err := a.agents.PromptHistory(ctx, tenantID, f.args[0], category)
		if err != nil {
			return err
		}
		if history == nil {
			history = []*agents.Prompt{}
		}
		return a.emit(history, func(w io.Writer) {
			for _, p := range history {
				marker := " "
				if p.IsPublished {
					marker = "*"
				}
				fmt.Fprintf(w, "%s v%d  %s\n", marker, p.Version, p.CreatedAt.Local().Format(timeLayout))
				for _, line := range strings.Split(p.Content, "\n") {
					fmt.Fprintf(w, "    %s\n", line)
				}
			}
		})

	case "tools":
		if len(f.args) != 1 {
			return fmt.Errorf("usage: agentmaster agent tools -tenant <id> <key>")
		}
		list, err := a.agents.ListAgentTools(ctx, tenantID, f.args[0])
		if err != nil {
			return err
		}
		if list == nil {
			list = []*agents.AgentTool{}
		}
		return a.emit(list, func(w io.Writer) {
			tw := table(w)
			fmt.Fprintln(tw, "POS\tTOOL\tALIAS\tENABLED")
			for _, at := range list {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%v\n", at.Position, at.ToolKey, at.Alias, at.Enabled)
			}
			tw.Flush()
		})

	default:
		return fmt.Errorf("unknown agent subcommand: %s", sub)
	}
}

// --- tool ---

func runTool(ctx context.Context, a *app, args []string) error {
	sub, rest, err := subcommand(args, "agentmaster tool register|list")
	if err != nil {
		return err
	}
	f, err := parseCmdFlags(rest, []string{"name", "description", "category", "schema", "config"}, []string{"disabled"})
	if err != nil {
		return err
	}

	switch sub {
	case "register":
		if len(f.args) != 1 {
			return fmt.Errorf("usage: agentmaster tool register [-name n] [-description d] [-category c] [-schema file.json] [-config file.json] [-disabled] <key>")
		}
		tool := &agents.Tool{
			Key:         f.args[0],
			Name:        orDefault(f.get("name"), f.args[0]),
			Description: f.get("description"),
			Category:    f.get("category"),
			Enabled:     !f.bool("disabled"),
		}
		if path := f.get("schema"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read schema: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("schema %s is not valid JSON", path)
			}
			tool.InputSchema = data
		}
		if path := f.get("config"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read tool config: %w", err)
			}
			if err := json.Unmarshal(data, &tool.Config); err != nil {
				return fmt.Errorf("parse tool config %s: %w", path, err)
			}
		}
		if err := a.agents.RegisterTool(ctx, tool); err != nil {
			return err
		}
		return a.emit(tool, func(w io.Writer) {
			fmt.Fprintf(w, "Registered tool %s\n", tool.Key)
		})

	case "list":
		list, err := a.agents.ListTools(ctx, f.get("category"))
		if err != nil {
			return err
		}
		if list == nil {
			list = []*agents.Tool{}
		}
		return a.emit(list, func(w io.Writer) {
			tw := table(w)
			fmt.Fprintln(tw, "KEY\tNAME\tCATEGORY\tDESCRIPTION")
			for _, t := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Key, t.Name, t.Category, t.Description)
			}
			tw.Flush()
		})

	default:
		return fmt.Errorf("unknown tool subcommand: %s", sub)
	}
}

// --- usage ---

// usageReport is the JSON shape of the usage command.
type usageReport struct {
	Period   string                    `json:"period"`
	TenantID string                    `json:"tenant_id,omitempty"`
	Total    *usage.Summary            `json:"total"`
	Groups   map[string]*usage.Summary `json:"groups,omitempty"`
	Daily    []usage.DailyBucket       `json:"daily,omitempty"`
}

func runUsage(ctx context.Context, a *app, args []string) error {
	f, err := parseCmdFlags(args, []string{"tenant", "period", "by"}, nil)
	if err != nil {
		return err
	}
	period := orDefault(f.get("period"), "month")
	start, end, err := usage.ParsePeriod(period, time.Now())
	if err != nil {
		return err
	}
	filter := usage.Filter{TenantID: f.get("tenant"), Start: start, End: end}

	total, err := a.ledger.Summary(ctx, filter)
	if err != nil {
		return err
	}
	report := usageReport{Period: period, TenantID: filter.TenantID, Total: total}

	switch by := f.get("by"); by {
	case "":
	case "provider":
		report.Groups, err = a.ledger.SummaryByProvider(ctx, filter)
	case "operation":
		report.Groups, err = a.ledger.SummaryByOperation(ctx, filter)
	case "model":
		report.Groups, err = a.ledger.SummaryByModel(ctx, filter)
	case "day":
		report.Daily, err = a.ledger.DailyTrend(ctx, filter)
	default:
		return fmt.Errorf("unknown grouping %q (valid: provider, operation, model, day)", by)
	}
	if err != nil {
		return err
	}

	return a.emit(report, func(w io.Writer) {
		fmt.Fprintf(w, "Usage (%s)\n", period)
		printSummary(w, "total", total)
		if len(report.Groups) > 0 {
			fmt.Fprintln(w)
			keys := make([]string, 0, len(report.Groups))
			for k := range report.Groups {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				printSummary(w, k, report.Groups[k])
			}
		}
		if len(report.Daily) > 0 {
			fmt.Fprintln(w)
			for i := range report.Daily {
				printSummary(w, report.Daily[i].Day, &report.Daily[i].Summary)
			}
		}
	})
}

func printSummary(w io.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "  %-20s %5d calls  %8s tokens  $%.4f", label, s.Records, usage.FormatTokenCount(s.TotalTokens), s.CostUSD)
	if s.Failures > 0 {
		fmt.Fprintf(w, "  (%d failed)", s.Failures)
	}
	fmt.Fprintln(w)
}
