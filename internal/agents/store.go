package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ragassist/agentmaster/internal/database"
)

// Store is a SQLite-backed agent catalog.
type Store struct {
	db *sql.DB
}

// NewStore creates an agent catalog on db and runs its migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate agent schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		tenant_id   TEXT NOT NULL,
		key         TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT,
		is_default  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (tenant_id, key)
	);

	CREATE TABLE IF NOT EXISTS agent_prompts (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		agent_key    TEXT NOT NULL,
		category     TEXT NOT NULL,
		content      TEXT NOT NULL,
		version      INTEGER NOT NULL,
		is_published INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		UNIQUE (tenant_id, agent_key, category, version)
	);

	CREATE TABLE IF NOT EXISTS tool_registry (
		tool_key     TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		description  TEXT,
		category     TEXT,
		input_schema TEXT,
		config       TEXT,
		is_enabled   INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tools (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		agent_key     TEXT NOT NULL,
		tool_key      TEXT NOT NULL,
		alias         TEXT,
		arg_defaults  TEXT,
		position      INTEGER NOT NULL,
		function_def  TEXT,
		param_mapping TEXT,
		is_enabled    INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		UNIQUE (tenant_id, agent_key, tool_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- agents ---

// UpsertAgent creates or updates an agent. Marking an agent default
// clears the flag on the tenant's other agents.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.TenantID == "" || a.Key == "" {
		return fmt.Errorf("upsert agent: tenant_id and key are required")
	}
	if a.Name == "" {
		a.Name = a.Key
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert agent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if a.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET is_default = 0 WHERE tenant_id = ? AND key != ?`,
			a.TenantID, a.Key); err != nil {
			return fmt.Errorf("clear default agent: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (tenant_id, key, name, description, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, key) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at`,
		a.TenantID, a.Key, a.Name, database.NullString(a.Description), a.IsDefault,
		database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert agent: %w", err)
	}
	a.UpdatedAt = now
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return nil
}

const agentColumns = `tenant_id, key, name, description, is_default, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a                    Agent
		desc                 sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.TenantID, &a.Key, &a.Name, &desc, &a.IsDefault, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Description = desc.String
	var err error
	if a.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent returns one agent of a tenant.
func (s *Store) GetAgent(ctx context.Context, tenantID, key string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? AND key = ?`, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", key, err)
	}
	return a, nil
}

// ListAgents returns a tenant's agents, default agent first, then by
// name.
func (s *Store) ListAgents(ctx context.Context, tenantID string, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE tenant_id = ?
		ORDER BY is_default DESC, name ASC
		LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- prompts ---

const promptColumns = `id, tenant_id, agent_key, category, content, version, is_published, created_at`

func scanPrompt(row interface{ Scan(...any) error }) (*Prompt, error) {
	var (
		p         Prompt
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.AgentKey, &p.Category, &p.Content, &p.Version, &p.IsPublished, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestPrompt returns the highest version of an agent's prompt for a
// category, published or not.
func (s *Store) LatestPrompt(ctx context.Context, tenantID, agentKey, category string) (*Prompt, error) {
	if category == "" {
		category = DefaultCategory
	}
	p, err := scanPrompt(s.db.QueryRowContext(ctx, `
		SELECT `+promptColumns+` FROM agent_prompts
		WHERE tenant_id = ? AND agent_key = ? AND category = ?
		ORDER BY version DESC LIMIT 1`, tenantID, agentKey, category))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt %s/%s: %w", agentKey, category, err)
	}
	return p, nil
}

// PromptHistory returns every version of an agent's prompt for a
// category, oldest first.
func (s *Store) PromptHistory(ctx context.Context, tenantID, agentKey, category string) ([]*Prompt, error) {
	if category == "" {
		category = DefaultCategory
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promptColumns+` FROM agent_prompts
		WHERE tenant_id = ? AND agent_key = ? AND category = ?
		ORDER BY version ASC`, tenantID, agentKey, category)
	if err != nil {
		return nil, fmt.Errorf("list prompt history: %w", err)
	}
	defer rows.Close()

	var result []*Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// PublishPrompt appends a new published version of an agent's prompt and
// unpublishes the previous one. Earlier versions are never edited.
func (s *Store) PublishPrompt(ctx context.Context, tenantID, agentKey, category, content string) (*Prompt, error) {
	if category == "" {
		category = DefaultCategory
	}
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate prompt ID: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish prompt: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM agent_prompts
		WHERE tenant_id = ? AND agent_key = ? AND category = ?`,
		tenantID, agentKey, category).Scan(&prev); err != nil {
		return nil, fmt.Errorf("read prompt version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_prompts SET is_published = 0
		WHERE tenant_id = ? AND agent_key = ? AND category = ? AND is_published = 1`,
		tenantID, agentKey, category); err != nil {
		return nil, fmt.Errorf("unpublish prompt: %w", err)
	}

	p := &Prompt{
		ID:          id,
		TenantID:    tenantID,
		AgentKey:    agentKey,
		Category:    category,
		Content:     content,
		Version:     prev + 1,
		IsPublished: true,
		CreatedAt:   time.Now(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_prompts (id, tenant_id, agent_key, category, content, version, is_published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		p.ID, p.TenantID, p.AgentKey, p.Category, p.Content, p.Version, database.FormatTime(p.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert prompt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish prompt: %w", err)
	}
	return p, nil
}

// --- tool registry ---

// RegisterTool creates or replaces a registry tool.
func (s *Store) RegisterTool(ctx context.Context, t *Tool) error {
	if t.Key == "" {
		return fmt.Errorf("register tool: tool_key is required")
	}
	if t.Name == "" {
		t.Name = t.Key
	}
	if len(t.InputSchema) > 0 && !json.Valid(t.InputSchema) {
		return fmt.Errorf("register tool %s: input_schema is not valid JSON", t.Key)
	}
	cfg, err := database.MarshalMap(t.Config)
	if err != nil {
		return fmt.Errorf("encode tool config: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_registry (tool_key, name, description, category, input_schema, config, is_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tool_key) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			input_schema = excluded.input_schema,
			config = excluded.config,
			is_enabled = excluded.is_enabled`,
		t.Key, t.Name, database.NullString(t.Description), database.NullString(t.Category),
		database.NullJSON(t.InputSchema), cfg, t.Enabled, database.FormatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("register tool %s: %w", t.Key, err)
	}
	return nil
}

const toolColumns = `tool_key, name, description, category, input_schema, config, is_enabled, created_at`

func scanTool(row interface{ Scan(...any) error }) (*Tool, error) {
	var (
		t                         Tool
		desc, cat, schema, config sql.NullString
		createdAt                 string
	)
	if err := row.Scan(&t.Key, &t.Name, &desc, &cat, &schema, &config, &t.Enabled, &createdAt); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Category = cat.String
	if schema.Valid {
		t.InputSchema = json.RawMessage(schema.String)
	}
	var err error
	if t.Config, err = database.UnmarshalMap(config); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTool returns a registry tool regardless of its enabled flag.
func (s *Store) GetTool(ctx context.Context, key string) (*Tool, error) {
	t, err := scanTool(s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tool_registry WHERE tool_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool %s: %w", key, err)
	}
	return t, nil
}

// ListTools returns enabled registry tools ordered by name, optionally
// restricted to one category.
func (s *Store) ListTools(ctx context.Context, category string) ([]*Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tool_registry WHERE is_enabled = 1`
	var args []any
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var result []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- agent tools ---

// NextPosition returns one past the highest tool position of an agent.
func (s *Store) NextPosition(ctx context.Context, tenantID, agentKey string) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1 FROM agent_tools
		WHERE tenant_id = ? AND agent_key = ?`, tenantID, agentKey).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("next tool position: %w", err)
	}
	return pos, nil
}

// AddAgentTool inserts an agent-tool row. A second row for the same
// (tenant, agent, tool) fails with ErrAlreadyExists.
func (s *Store) AddAgentTool(ctx context.Context, at *AgentTool) error {
	if at.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate agent tool ID: %w", err)
		}
		at.ID = id
	}
	if at.CreatedAt.IsZero() {
		at.CreatedAt = time.Now()
	}
	defaults, err := database.MarshalMap(at.ArgDefaults)
	if err != nil {
		return fmt.Errorf("encode arg defaults: %w", err)
	}
	var mapping sql.NullString
	if len(at.ParamMapping) > 0 {
		data, err := json.Marshal(at.ParamMapping)
		if err != nil {
			return fmt.Errorf("encode param mapping: %w", err)
		}
		mapping = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_tools
			(id, tenant_id, agent_key, tool_key, alias, arg_defaults, position, function_def, param_mapping, is_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.ID, at.TenantID, at.AgentKey, at.ToolKey, database.NullString(at.Alias), defaults,
		at.Position, database.NullJSON(at.FunctionDef), mapping, at.Enabled, database.FormatTime(at.CreatedAt))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert agent tool: %w", err)
	}
	return nil
}

const agentToolColumns = `id, tenant_id, agent_key, tool_key, alias, arg_defaults, position, function_def, param_mapping, is_enabled, created_at`

func scanAgentTool(row interface{ Scan(...any) error }) (*AgentTool, error) {
	var (
		at                              AgentTool
		alias, defaults, fnDef, mapping sql.NullString
		createdAt                       string
	)
	if err := row.Scan(&at.ID, &at.TenantID, &at.AgentKey, &at.ToolKey, &alias, &defaults,
		&at.Position, &fnDef, &mapping, &at.Enabled, &createdAt); err != nil {
		return nil, err
	}
	at.Alias = alias.String
	if fnDef.Valid {
		at.FunctionDef = json.RawMessage(fnDef.String)
	}
	var err error
	if at.ArgDefaults, err = database.UnmarshalMap(defaults); err != nil {
		return nil, err
	}
	if mapping.Valid {
		if err := json.Unmarshal([]byte(mapping.String), &at.ParamMapping); err != nil {
			return nil, err
		}
	}
	if at.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &at, nil
}

// GetAgentTool returns the row wiring toolKey to an agent.
func (s *Store) GetAgentTool(ctx context.Context, tenantID, agentKey, toolKey string) (*AgentTool, error) {
	at, err := scanAgentTool(s.db.QueryRowContext(ctx, `
		SELECT `+agentToolColumns+` FROM agent_tools
		WHERE tenant_id = ? AND agent_key = ? AND tool_key = ?`, tenantID, agentKey, toolKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent tool %s/%s: %w", agentKey, toolKey, err)
	}
	return at, nil
}

// ListAgentTools returns an agent's tools in position order.
func (s *Store) ListAgentTools(ctx context.Context, tenantID, agentKey string) ([]*AgentTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentToolColumns+` FROM agent_tools
		WHERE tenant_id = ? AND agent_key = ?
		ORDER BY position ASC`, tenantID, agentKey)
	if err != nil {
		return nil, fmt.Errorf("list agent tools: %w", err)
	}
	defer rows.Close()

	var result []*AgentTool
	for rows.Next() {
		at, err := scanAgentTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent tool: %w", err)
		}
		result = append(result, at)
	}
	return result, rows.Err()
}
