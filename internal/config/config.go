// Package config handles agentmaster configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agentmaster/config.yaml, /etc/agentmaster/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentmaster", "config.yaml"))
	}

	paths = append(paths, "/etc/agentmaster/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agentmaster configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Database   DatabaseConfig   `yaml:"database"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
	Generation GenerationConfig `yaml:"generation"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Loop       LoopConfig       `yaml:"loop"`
	Pricing    PricingConfig    `yaml:"pricing"`
	ToolTest   ToolTestConfig   `yaml:"tool_test"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn/go-sqlite3, default) or "sqlite"
	// (modernc.org/sqlite, no cgo).
	Driver string `yaml:"driver"`
	// Path defaults to <data_dir>/agentmaster.db.
	Path string `yaml:"path"`
}

// GenerationConfig holds the model defaults used when a tenant's
// settings.ai.generating block leaves a field unset. API keys are never
// taken from here; they must come from tenant settings.
type GenerationConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"` // zero means the default (0.7)
}

// ProvidersConfig holds per-provider endpoint overrides.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig overrides a provider's API base URL (proxies, gateways).
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
}

// LoopConfig bounds a single chat turn.
type LoopConfig struct {
	MaxDepth         int `yaml:"max_depth"`          // default 10
	MaxFunctionCalls int `yaml:"max_function_calls"` // distinct calls per turn, default 3
	WrapUpAfter      int `yaml:"wrap_up_after"`      // soft throttle, default 2
	HistoryWindow    int `yaml:"history_window"`     // messages sent to the model, default 10
}

// PricingConfig is the per-1k-token USD rate table used for cost
// estimates. Entries here override the built-in table.
type PricingConfig struct {
	DefaultPer1K float64            `yaml:"default_per_1k"`
	Currency     string             `yaml:"currency"`
	Models       map[string]float64 `yaml:"models"`
}

// ToolTestConfig points at the external tool test-execution endpoint
// used after a tool is wired to an agent.
type ToolTestConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Configured reports whether a test endpoint is set.
func (c ToolTestConfig) Configured() bool {
	return c.URL != ""
}

// DatabasePath returns the configured database file, defaulting to a
// file under DataDir.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "agentmaster.db")
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Generation.Provider == "" {
		c.Generation.Provider = "openai"
	}
	if c.Generation.Model == "" {
		c.Generation.Model = "gpt-4o-mini"
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 1000
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.7
	}
	if c.Loop.MaxDepth == 0 {
		c.Loop.MaxDepth = 10
	}
	if c.Loop.MaxFunctionCalls == 0 {
		c.Loop.MaxFunctionCalls = 3
	}
	if c.Loop.WrapUpAfter == 0 {
		c.Loop.WrapUpAfter = 2
	}
	if c.Loop.HistoryWindow == 0 {
		c.Loop.HistoryWindow = 10
	}
	if c.Pricing.DefaultPer1K == 0 {
		c.Pricing.DefaultPer1K = 0.002
	}
	if c.Pricing.Currency == "" {
		c.Pricing.Currency = "USD"
	}
	if c.ToolTest.TimeoutSec == 0 {
		c.ToolTest.TimeoutSec = 30
	}
}

// Validate checks the configuration for values that would fail later
// at runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver %q invalid (valid: sqlite3, sqlite)", c.Database.Driver)
	}
	switch c.Generation.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("generation.provider %q invalid (valid: openai, anthropic)", c.Generation.Provider)
	}
	if c.Generation.MaxTokens < 0 {
		return fmt.Errorf("generation.max_tokens must be positive, got %d", c.Generation.MaxTokens)
	}
	if c.Loop.MaxDepth < 1 || c.Loop.MaxFunctionCalls < 1 || c.Loop.HistoryWindow < 1 {
		return fmt.Errorf("loop limits must be positive")
	}
	if c.Loop.WrapUpAfter > c.Loop.MaxFunctionCalls {
		return fmt.Errorf("loop.wrap_up_after (%d) exceeds loop.max_function_calls (%d)",
			c.Loop.WrapUpAfter, c.Loop.MaxFunctionCalls)
	}
	if c.Pricing.DefaultPer1K < 0 {
		return fmt.Errorf("pricing.default_per_1k must not be negative")
	}
	for model, rate := range c.Pricing.Models {
		if rate < 0 {
			return fmt.Errorf("pricing.models[%s] must not be negative", model)
		}
	}
	return nil
}
