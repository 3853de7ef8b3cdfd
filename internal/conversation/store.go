package conversation

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

// Dependent owns rows that reference a conversation and must be removed
// before the conversation's messages when it is hard-deleted. The usage
// ledger is the only dependent today.
type Dependent interface {
	DeleteForConversation(ctx context.Context, tx *sql.Tx, conversationID string) (int64, error)
}

// DeleteResult reports how many rows a hard delete removed.
type DeleteResult struct {
	Dependents int64 `json:"dependents"`
	Messages   int64 `json:"messages"`
}

// Store is a SQLite-backed conversation and message store. It applies no
// locking of its own: concurrent turns on the same conversation may
// interleave their message appends.
type Store struct {
	db         *sql.DB
	dependents []Dependent
	now        func() time.Time
}

// NewStore creates a conversation store on db and runs its migrations.
func NewStore(db *sql.DB, dependents ...Dependent) (*Store, error) {
	s := &Store{
		db:         db,
		dependents: dependents,
		now:        time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		session_id TEXT,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'active',
		metadata   TEXT,
		agent_key  TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(tenant_id, user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		function_name   TEXT,
		function_args   TEXT,
		function_result TEXT,
		tokens_used     INTEGER,
		created_at      TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
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

// Create inserts a new conversation. ID, status, and timestamps are
// filled in when empty.
func (s *Store) Create(ctx context.Context, c *Conversation) error {
	if c.TenantID == "" || c.UserID == "" {
		return fmt.Errorf("create conversation: tenant_id and user_id are required")
	}
	if c.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate conversation ID: %w", err)
		}
		c.ID = id
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if !c.Status.Valid() {
		return fmt.Errorf("create conversation: invalid status %q", c.Status)
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	meta, err := database.MarshalMap(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode conversation metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, tenant_id, session_id, user_id, title, status, metadata, agent_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, database.NullString(c.SessionID), c.UserID, c.Title, string(c.Status),
		meta, database.NullString(c.AgentKey),
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, tenant_id, session_id, user_id, title, status, metadata, agent_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                    Conversation
		sessionID, agentKey  sql.NullString
		meta                 sql.NullString
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &sessionID, &c.UserID, &c.Title, &status,
		&meta, &agentKey, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.SessionID = sessionID.String
	c.AgentKey = agentKey.String
	c.Status = Status(status)

	var err error
	if c.Metadata, err = database.UnmarshalMap(meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", c.ID, err)
	}
	if c.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", c.ID, err)
	}
	return &c, nil
}

// Get returns a conversation by ID regardless of status.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// List returns conversations matching f, most recently updated first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	} else {
		where = append(where, "status != ?")
		args = append(args, string(StatusDeleted))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// update sets one column on a live (non-deleted) conversation.
func (s *Store) update(ctx context.Context, id, column string, value any) error {
	// column is always a constant from this file.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE conversations SET %s = ?, updated_at = ? WHERE id = ? AND status != ?`, column),
		value, database.FormatTime(s.now()), id, string(StatusDeleted))
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Rename changes a conversation's title.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	return s.update(ctx, id, "title", title)
}

// SetAgent binds the conversation to an agent key. An empty key unbinds.
func (s *Store) SetAgent(ctx context.Context, id, agentKey string) error {
	return s.update(ctx, id, "agent_key", database.NullString(agentKey))
}

// SetMetadata replaces the conversation's metadata map.
func (s *Store) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	meta, err := database.MarshalMap(metadata)
	if err != nil {
		return fmt.Errorf("encode conversation metadata: %w", err)
	}
	return s.update(ctx, id, "metadata", meta)
}

// Archive moves a conversation to the archived state.
func (s *Store) Archive(ctx context.Context, id string) error {
	return s.update(ctx, id, "status", string(StatusArchived))
}

// Activate returns an archived conversation to the active state.
func (s *Store) Activate(ctx context.Context, id string) error {
	return s.update(ctx, id, "status", string(StatusActive))
}

// SoftDelete marks a conversation deleted. Its rows are kept until Delete.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	return s.update(ctx, id, "status", string(StatusDeleted))
}

// Delete removes a conversation permanently. Dependent rows go first,
// then messages, then the conversation itself, all in one transaction.
func (s *Store) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result DeleteResult
	for _, d := range s.dependents {
		n, err := d.DeleteForConversation(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("delete dependents of %s: %w", id, err)
		}
		result.Dependents += n
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete messages of %s: %w", id, err)
	}
	result.Messages, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return &result, nil
}

// AppendMessage adds a message to a conversation and bumps its
// updated_at. ID and CreatedAt are filled in when empty.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem, RoleFunction:
	default:
		return fmt.Errorf("append message: invalid role %q", m.Role)
	}
	if m.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate message ID: %w", err)
		}
		m.ID = id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		database.FormatTime(m.CreatedAt), m.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, role, content, function_name, function_args, function_result, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content,
		database.NullString(m.FunctionName), database.NullJSON(m.FunctionArgs), database.NullJSON(m.FunctionResult),
		database.NullInt(m.TokensUsed), database.FormatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

const messageColumns = `id, conversation_id, role, content, function_name, function_args, function_result, tokens_used, created_at`

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                    Message
		role, createdAt      string
		fnName, fnArgs, fnRs sql.NullString
		tokens               sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &fnName, &fnArgs, &fnRs, &tokens, &createdAt); err != nil {
		return m, err
	}
	m.Role = Role(role)
	m.FunctionName = fnName.String
	if fnArgs.Valid {
		m.FunctionArgs = json.RawMessage(fnArgs.String)
	}
	if fnRs.Valid {
		m.FunctionResult = json.RawMessage(fnRs.String)
	}
	m.TokensUsed = database.IntPtr(tokens)

	var err error
	if m.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return m, fmt.Errorf("parse created_at for message %s: %w", m.ID, err)
	}
	return m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Messages returns every message of a conversation in order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
}

// RecentMessages returns the last n messages of a conversation, oldest
// first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	messages, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// FunctionCalls returns the conversation's assistant messages that
// requested a function, in order.
func (s *Store) FunctionCalls(ctx context.Context, conversationID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND role = 'assistant' AND function_name IS NOT NULL
		ORDER BY created_at ASC, rowid ASC`, conversationID)
}

// AttachFunctionResult records the outcome of an executed function call
// on the assistant message that requested it. This is the only mutation
// messages ever receive.
func (s *Store) AttachFunctionResult(ctx context.Context, messageID string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET function_result = ?
		WHERE id = ? AND role = 'assistant' AND function_name IS NOT NULL`,
		database.NullJSON(result), messageID)
	if err != nil {
		return fmt.Errorf("attach function result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates message counts and token totals for a conversation.
func (s *Store) Stats(ctx context.Context, conversationID string) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, COUNT(*), COALESCE(SUM(tokens_used), 0),
		       SUM(CASE WHEN function_name IS NOT NULL AND role = 'assistant' THEN 1 ELSE 0 END)
		FROM messages WHERE conversation_id = ?
		GROUP BY role`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query message stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{ByRole: map[Role]int{}}
	for rows.Next() {
		var (
			role          string
			count, fnCall int
			tokens        int64
		)
		if err := rows.Scan(&role, &count, &tokens, &fnCall); err != nil {
			return nil, fmt.Errorf("scan message stats: %w", err)
		}
		st.ByRole[Role(role)] = count
		st.Messages += count
		st.TokensUsed += tokens
		st.Functions += fnCall
	}
	return st, rows.Err()
}
