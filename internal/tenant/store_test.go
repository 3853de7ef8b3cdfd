package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/ragassist/agentmaster/internal/config"
	"github.com/ragassist/agentmaster/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverPure, database.Memory)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, config.Default().Generation)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	temp := 0.2
	tn := &Tenant{
		ID:   "acme",
		Name: "Acme",
		Settings: Settings{
			AI: AISettings{
				Generating: GeneratingSettings{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Temperature: &temp},
				Providers:  map[string]ProviderSettings{"anthropic": {APIKey: "sk-ant-123456"}},
			},
			Extra: map[string]any{"branding": map[string]any{"color": "blue"}},
		},
	}
	if err := s.Upsert(ctx, tn); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Acme" || got.Settings.AI.Generating.Provider != "anthropic" {
		t.Errorf("Get = %+v", got)
	}
	if got.Settings.AI.Providers["anthropic"].APIKey != "sk-ant-123456" {
		t.Errorf("APIKey not round-tripped")
	}
	branding, _ := got.Settings.Extra["branding"].(map[string]any)
	if branding["color"] != "blue" {
		t.Errorf("Extra = %v, want branding preserved", got.Settings.Extra)
	}

	got.Name = "Acme Corp"
	if err := s.Upsert(ctx, got); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	again, _ := s.Get(ctx, "acme")
	if again.Name != "Acme Corp" {
		t.Errorf("Name = %q after update", again.Name)
	}
	if !again.CreatedAt.Equal(got.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", got.CreatedAt, again.CreatedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestGenerationSettings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	withKey := &Tenant{ID: "keyed", Settings: Settings{AI: AISettings{
		Providers: map[string]ProviderSettings{"openai": {APIKey: "sk-openai"}},
	}}}
	zero := 0.0
	custom := &Tenant{ID: "custom", Settings: Settings{AI: AISettings{
		Generating: GeneratingSettings{Provider: "anthropic", Model: "claude-3-5-haiku", MaxTokens: 256, Temperature: &zero},
		Providers:  map[string]ProviderSettings{"anthropic": {APIKey: "sk-ant"}},
	}}}
	wrongKey := &Tenant{ID: "wrong", Settings: Settings{AI: AISettings{
		Generating: GeneratingSettings{Provider: "anthropic"},
		Providers:  map[string]ProviderSettings{"openai": {APIKey: "sk-openai"}},
	}}}
	for _, tn := range []*Tenant{withKey, custom, wrongKey} {
		if err := s.Upsert(ctx, tn); err != nil {
			t.Fatalf("Upsert(%s): %v", tn.ID, err)
		}
	}

	t.Run("defaults", func(t *testing.T) {
		g, err := s.GenerationSettings(ctx, "keyed")
		if err != nil {
			t.Fatalf("GenerationSettings: %v", err)
		}
		if g.Provider != "openai" || g.Model != "gpt-4o-mini" || g.MaxTokens != 1000 || g.Temperature != 0.7 {
			t.Errorf("Generation = %+v", g)
		}
		if g.APIKey != "sk-openai" {
			t.Errorf("APIKey = %q", g.APIKey)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		g, err := s.GenerationSettings(ctx, "custom")
		if err != nil {
			t.Fatalf("GenerationSettings: %v", err)
		}
		if g.Provider != "anthropic" || g.MaxTokens != 256 || g.Temperature != 0 {
			t.Errorf("Generation = %+v", g)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := s.GenerationSettings(ctx, "wrong")
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("error = %v, want *ConfigurationError", err)
		}
		if cfgErr.Provider != "anthropic" {
			t.Errorf("Provider = %q, want anthropic", cfgErr.Provider)
		}
	})

	t.Run("missing tenant", func(t *testing.T) {
		_, err := s.GenerationSettings(ctx, "ghost")
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("error = %v, want *ConfigurationError", err)
		}
	})
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":              "",
		"abc":           "****",
		"sk-1234567890": "****7890",
	}
	for in, want := range tests {
		if got := MaskKey(in); got != want {
			t.Errorf("MaskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
