// Agentmaster manages a tenant's AI agents through a bounded
// tool-calling conversation: the model reads and changes agents, their
// prompts, and the tools wired to them, at most a few function calls per
// turn. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	agentmaster init [dir]                  Write a default config file
//	agentmaster chat -tenant t <message>    Run one chat turn
//	agentmaster conversation <subcommand>   Manage conversations
//	agentmaster tenant <subcommand>         Manage tenant settings
//	agentmaster agent <subcommand>          Manage agents
//	agentmaster tool <subcommand>           Manage the tool registry
//	agentmaster usage                       Summarize model usage
//	agentmaster version                     Print version information
//	agentmaster -o json <command>           Output JSON instead of text
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ragassist/agentmaster/internal/agent"
	"github.com/ragassist/agentmaster/internal/agents"
	"github.com/ragassist/agentmaster/internal/buildinfo"
	"github.com/ragassist/agentmaster/internal/config"
	"github.com/ragassist/agentmaster/internal/conversation"
	"github.com/ragassist/agentmaster/internal/database"
	"github.com/ragassist/agentmaster/internal/llm"
	"github.com/ragassist/agentmaster/internal/tenant"
	"github.com/ragassist/agentmaster/internal/tools"
	"github.com/ragassist/agentmaster/internal/usage"
)

// main builds the OS-level environment and delegates to [run], so the
// whole command can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Command output goes to stdout; logs go
// to stderr. Arguments are parsed by hand because the flag package's
// globals get in the way of running commands concurrently in tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	}

	handler, ok := commands[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}

	a, err := openApp(configPath, stdout, stderr, outputFmt)
	if err != nil {
		return err
	}
	defer a.Close()

	return handler(ctx, a, cmdArgs)
}

// commands maps the database-backed commands to their handlers.
var commands = map[string]func(ctx context.Context, a *app, args []string) error{
	"chat":         runChat,
	"conversation": runConversation,
	"tenant":       runTenant,
	"agent":        runAgent,
	"tool":         runTool,
	"usage":        runUsage,
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Agentmaster - manage AI agents through a bounded tool-calling chat")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: agentmaster [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                     Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  chat -tenant <id> <message>    Run one chat turn")
	fmt.Fprintln(w, "  conversation new|list|show|rename|archive|delete")
	fmt.Fprintln(w, "  tenant set|show                Manage tenant model settings and keys")
	fmt.Fprintln(w, "  agent add|list|prompts|tools   Manage agents")
	fmt.Fprintln(w, "  tool register|list             Manage the tool registry")
	fmt.Fprintln(w, "  usage                          Summarize model usage and cost")
	fmt.Fprintln(w, "  version                        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// app holds the stores a command runs against.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	convs   *conversation.Store
	ledger  *usage.Ledger
	tenants *tenant.Store
	agents  *agents.Store
	stdout  io.Writer
	json    bool
}

// openApp loads configuration and opens the database and stores.
func openApp(configPath string, stdout, stderr io.Writer, outputFmt string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath, "driver", cfg.Database.Driver)

	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := database.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db, stdout: stdout, json: outputFmt == "json"}
	if err := a.openStores(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores() error {
	var err error
	if a.ledger, err = usage.NewLedger(a.db); err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	if a.convs, err = conversation.NewStore(a.db, a.ledger); err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	if a.tenants, err = tenant.NewStore(a.db, a.cfg.Generation); err != nil {
		return fmt.Errorf("open tenant store: %w", err)
	}
	if a.agents, err = agents.NewStore(a.db); err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}
	return nil
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// newLoop wires the orchestration loop with the provider gateway and the
// function catalog.
func (a *app) newLoop() *agent.Loop {
	var tester tools.ToolTester
	if a.cfg.ToolTest.Configured() {
		tester = tools.NewHTTPToolTester(a.cfg.ToolTest.URL,
			time.Duration(a.cfg.ToolTest.TimeoutSec)*time.Second, a.logger)
	}

	return agent.NewLoop(agent.Config{
		Conversations: a.convs,
		Usage:         a.ledger,
		Settings:      a.tenants,
		Models:        llm.NewGateway(a.cfg.Providers, a.logger),
		Catalog:       tools.NewRegistry(a.agents, tester, a.logger),
		Pricing:       usage.NewPricing(a.cfg.Pricing.DefaultPer1K, a.cfg.Pricing.Currency, a.cfg.Pricing.Models),
		Limits:        a.cfg.Loop,
		Logger:        a.logger,
	})
}

// emit writes v as indented JSON in json mode, otherwise calls text.
func (a *app) emit(v any, text func(w io.Writer)) error {
	if a.json {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.stdout)
	return nil
}
