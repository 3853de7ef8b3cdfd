package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ragassist/agentmaster/internal/config"
	"github.com/ragassist/agentmaster/internal/database"
)

// Store is a SQLite-backed tenant store.
type Store struct {
	db       *sql.DB
	defaults config.GenerationConfig
}

// NewStore creates a tenant store on db. defaults fill any generation
// field a tenant leaves unset.
func NewStore(db *sql.DB, defaults config.GenerationConfig) (*Store, error) {
	s := &Store{db: db, defaults: defaults}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tenant schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tenants (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		settings   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`)
	return err
}

func encodeSettings(st Settings) (string, error) {
	doc := make(map[string]any, len(st.Extra)+1)
	for k, v := range st.Extra {
		doc[k] = v
	}
	doc["ai"] = st.AI
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSettings(raw string) (Settings, error) {
	var st Settings
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return st, err
	}
	if ai, ok := doc["ai"]; ok {
		if err := json.Unmarshal(ai, &st.AI); err != nil {
			return st, fmt.Errorf("decode ai settings: %w", err)
		}
		delete(doc, "ai")
	}
	if len(doc) > 0 {
		st.Extra = make(map[string]any, len(doc))
		for k, v := range doc {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return st, fmt.Errorf("decode setting %s: %w", k, err)
			}
			st.Extra[k] = val
		}
	}
	return st, nil
}

// Upsert creates or replaces a tenant. CreatedAt is kept on update.
func (s *Store) Upsert(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("upsert tenant: id is required")
	}
	settings, err := encodeSettings(t.Settings)
	if err != nil {
		return fmt.Errorf("encode tenant settings: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, settings, database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	return nil
}

// Get returns a tenant by ID.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	var (
		t                              Tenant
		settings, createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, settings, created_at, updated_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &settings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	if t.Settings, err = decodeSettings(settings); err != nil {
		return nil, fmt.Errorf("decode settings for tenant %s: %w", id, err)
	}
	if t.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

// GenerationSettings resolves the provider, model, limits, and API key
// for a tenant. A missing tenant or API key yields a
// *ConfigurationError.
func (s *Store) GenerationSettings(ctx context.Context, tenantID string) (*Generation, error) {
	t, err := s.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, &ConfigurationError{TenantID: tenantID, Reason: "tenant has no settings"}
	}
	if err != nil {
		return nil, err
	}

	gen := t.Settings.AI.Generating
	g := &Generation{
		TenantID:    tenantID,
		Provider:    gen.Provider,
		Model:       gen.Model,
		MaxTokens:   gen.MaxTokens,
		Temperature: s.defaults.Temperature,
	}
	if g.Provider == "" {
		g.Provider = s.defaults.Provider
	}
	if g.Model == "" {
		g.Model = s.defaults.Model
	}
	if g.MaxTokens <= 0 {
		g.MaxTokens = s.defaults.MaxTokens
	}
	if gen.Temperature != nil {
		g.Temperature = *gen.Temperature
	}

	g.APIKey = t.Settings.AI.Providers[g.Provider].APIKey
	if g.APIKey == "" {
		return nil, &ConfigurationError{TenantID: tenantID, Provider: g.Provider, Reason: "API key not configured"}
	}
	return g, nil
}
