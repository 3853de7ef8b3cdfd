package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ragassist/agentmaster/internal/config"
)

// Factory builds a provider client for one API key.
type Factory func(apiKey string) (Client, error)

// Gateway hands out provider clients keyed by provider and API key, so
// tenants sharing a key share a client.
type Gateway struct {
	mu        sync.Mutex
	factories map[string]Factory
	clients   map[string]Client
	logger    *slog.Logger
}

// NewGateway creates a gateway with the openai and anthropic providers
// registered, honoring any base URL overrides.
func NewGateway(providers config.ProvidersConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		factories: make(map[string]Factory),
		clients:   make(map[string]Client),
		logger:    logger,
	}
	g.Register("openai", func(apiKey string) (Client, error) {
		return NewOpenAIClient(apiKey, providers.OpenAI.BaseURL, logger)
	})
	g.Register("anthropic", func(apiKey string) (Client, error) {
		return NewAnthropicClient(apiKey, providers.Anthropic.BaseURL, logger), nil
	})
	return g
}

// Register adds or replaces a provider factory. Cached clients for the
// provider are discarded.
func (g *Gateway) Register(provider string, f Factory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.factories[provider] = f
	for key, c := range g.clients {
		if c.Provider() == provider {
			delete(g.clients, key)
		}
	}
}

// Providers lists the registered provider names.
func (g *Gateway) Providers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.factories))
	for name := range g.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClientFor returns the client for provider and apiKey, creating it on
// first use.
func (g *Gateway) ClientFor(provider, apiKey string) (Client, error) {
	sum := sha256.Sum256([]byte(apiKey))
	key := provider + ":" + hex.EncodeToString(sum[:8])

	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[key]; ok {
		return c, nil
	}
	f, ok := g.factories[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	c, err := f(apiKey)
	if err != nil {
		return nil, err
	}
	g.clients[key] = c
	g.logger.Debug("provider client created", "provider", provider)
	return c, nil
}
