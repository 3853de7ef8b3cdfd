// Package usage is the append-only ledger of model invocations: one row
// per call with token counts, a cost estimate, latency, and outcome.
// Rows are never updated. They are removed only when their conversation
// is hard-deleted.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ragassist/agentmaster/internal/database"
)

// Operation is the kind of model invocation a record accounts for.
type Operation string

const (
	OperationChat         Operation = "chat"
	OperationFunctionCall Operation = "function_call"
	OperationEmbedding    Operation = "embedding"
)

// Status is the outcome of a model invocation.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusRateLimited Status = "rate_limited"
)

// Record is one model invocation. Token counts and costs are nil when
// the provider did not report usage.
type Record struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	TenantID       string          `json:"tenant_id"`
	Operation      Operation       `json:"operation"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	ModelVersion   string          `json:"model_version,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at"`
	LatencyMS      int64           `json:"latency_ms"`
	InputTokens    *int            `json:"input_tokens,omitempty"`
	OutputTokens   *int            `json:"output_tokens,omitempty"`
	TotalTokens    *int            `json:"total_tokens,omitempty"`
	RatePer1K      *float64        `json:"rate_per_1k,omitempty"`
	CostInputUSD   *float64        `json:"cost_input_usd,omitempty"`
	CostOutputUSD  *float64        `json:"cost_output_usd,omitempty"`
	CostTotalUSD   *float64        `json:"cost_total_usd,omitempty"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	FunctionCall   json.RawMessage `json:"function_call,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	Records      int     `json:"records"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Failures     int     `json:"failures"`
}

// DailyBucket is one day of a usage trend. Day is YYYY-MM-DD in UTC.
type DailyBucket struct {
	Day string `json:"day"`
	Summary
}

// Filter narrows aggregate queries to a tenant and a [Start, End) window
// on started_at. Zero values do not filter.
type Filter struct {
	TenantID string
	Start    time.Time
	End      time.Time
}

func (f Filter) where() (string, []any) {
	clause := "WHERE 1=1"
	var args []any
	if f.TenantID != "" {
		clause += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if !f.Start.IsZero() {
		clause += " AND started_at >= ?"
		args = append(args, database.FormatTime(f.Start))
	}
	if !f.End.IsZero() {
		clause += " AND started_at < ?"
		args = append(args, database.FormatTime(f.End))
	}
	return clause, args
}

// Ledger is the SQLite-backed usage ledger. It shares its database with
// the conversation store and registers with it as a delete dependent.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger on db. The schema is created automatically
// on first use.
func NewLedger(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return l, nil
}

// usage_records carries no foreign keys. Cascade on conversation delete
// is driven by the conversation store inside its own transaction.
func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		message_id      TEXT,
		tenant_id       TEXT NOT NULL,
		operation       TEXT NOT NULL,
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		model_version   TEXT,
		started_at      TEXT NOT NULL,
		ended_at        TEXT NOT NULL,
		latency_ms      INTEGER NOT NULL DEFAULT 0,
		input_tokens    INTEGER,
		output_tokens   INTEGER,
		total_tokens    INTEGER,
		rate_per_1k     REAL,
		cost_input_usd  REAL,
		cost_output_usd REAL,
		cost_total_usd  REAL,
		currency        TEXT NOT NULL DEFAULT 'USD',
		status          TEXT NOT NULL,
		error_message   TEXT,
		function_call   TEXT,
		metadata        TEXT,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_started ON usage_records(started_at);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record persists a usage record. ID, timestamps, currency, and latency
// are filled in when unset.
func (l *Ledger) Record(ctx context.Context, rec *Record) error {
	if rec.ConversationID == "" || rec.TenantID == "" {
		return fmt.Errorf("usage record: conversation_id and tenant_id are required")
	}
	switch rec.Operation {
	case OperationChat, OperationFunctionCall, OperationEmbedding:
	default:
		return fmt.Errorf("usage record: invalid operation %q", rec.Operation)
	}
	switch rec.Status {
	case "":
		rec.Status = StatusSuccess
	case StatusSuccess, StatusError, StatusRateLimited:
	default:
		return fmt.Errorf("usage record: invalid status %q", rec.Status)
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	now := time.Now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = rec.StartedAt
	}
	if rec.LatencyMS == 0 {
		rec.LatencyMS = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	}
	if rec.Currency == "" {
		rec.Currency = "USD"
	}
	rec.CreatedAt = now

	meta, err := database.MarshalMap(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode usage metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, conversation_id, message_id, tenant_id, operation, provider, model, model_version,
			 started_at, ended_at, latency_ms, input_tokens, output_tokens, total_tokens,
			 rate_per_1k, cost_input_usd, cost_output_usd, cost_total_usd, currency,
			 status, error_message, function_call, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, database.NullString(rec.MessageID), rec.TenantID,
		string(rec.Operation), rec.Provider, rec.Model, database.NullString(rec.ModelVersion),
		database.FormatTime(rec.StartedAt), database.FormatTime(rec.EndedAt), rec.LatencyMS,
		database.NullInt(rec.InputTokens), database.NullInt(rec.OutputTokens), database.NullInt(rec.TotalTokens),
		database.NullFloat(rec.RatePer1K), database.NullFloat(rec.CostInputUSD),
		database.NullFloat(rec.CostOutputUSD), database.NullFloat(rec.CostTotalUSD), rec.Currency,
		string(rec.Status), database.NullString(rec.ErrorMessage), database.NullJSON(rec.FunctionCall),
		meta, database.FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ByConversation returns a conversation's records in call order.
func (l *Ledger) ByConversation(ctx context.Context, conversationID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, tenant_id, operation, provider, model, model_version,
		       started_at, ended_at, latency_ms, input_tokens, output_tokens, total_tokens,
		       rate_per_1k, cost_input_usd, cost_output_usd, cost_total_usd, currency,
		       status, error_message, function_call, metadata, created_at
		FROM usage_records
		WHERE conversation_id = ?
		ORDER BY started_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                                  Record
			messageID, version, errMsg, fnCall sql.NullString
			meta                               sql.NullString
			op, status                         string
			startedAt, endedAt, createdAt      string
			inTok, outTok, totTok              sql.NullInt64
			rate, costIn, costOut, costTot     sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.ConversationID, &messageID, &r.TenantID, &op, &r.Provider, &r.Model, &version,
			&startedAt, &endedAt, &r.LatencyMS, &inTok, &outTok, &totTok,
			&rate, &costIn, &costOut, &costTot, &r.Currency,
			&status, &errMsg, &fnCall, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.MessageID = messageID.String
		r.ModelVersion = version.String
		r.ErrorMessage = errMsg.String
		if fnCall.Valid {
			r.FunctionCall = json.RawMessage(fnCall.String)
		}
		r.Operation = Operation(op)
		r.Status = Status(status)
		r.InputTokens = database.IntPtr(inTok)
		r.OutputTokens = database.IntPtr(outTok)
		r.TotalTokens = database.IntPtr(totTok)
		r.RatePer1K = database.FloatPtr(rate)
		r.CostInputUSD = database.FloatPtr(costIn)
		r.CostOutputUSD = database.FloatPtr(costOut)
		r.CostTotalUSD = database.FloatPtr(costTot)
		if r.Metadata, err = database.UnmarshalMap(meta); err != nil {
			return nil, fmt.Errorf("decode usage metadata: %w", err)
		}
		if r.StartedAt, err = database.ParseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if r.EndedAt, err = database.ParseTime(endedAt); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		if r.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(cost_total_usd), 0),
	COALESCE(SUM(CASE WHEN status != 'success' THEN 1 ELSE 0 END), 0)`

func scanSummary(row interface{ Scan(...any) error }, prefix ...any) (*Summary, error) {
	var sum Summary
	dest := append(prefix, &sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.TotalTokens, &sum.CostUSD, &sum.Failures)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Summary returns aggregated totals for records matching f.
func (l *Ledger) Summary(ctx context.Context, f Filter) (*Summary, error) {
	where, args := f.where()
	row := l.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM usage_records `+where, args...)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// SummaryByProvider returns per-provider totals for records matching f.
func (l *Ledger) SummaryByProvider(ctx context.Context, f Filter) (map[string]*Summary, error) {
	return l.summaryGroupedBy(ctx, "provider", f)
}

// SummaryByOperation returns per-operation totals for records matching f.
func (l *Ledger) SummaryByOperation(ctx context.Context, f Filter) (map[string]*Summary, error) {
	return l.summaryGroupedBy(ctx, "operation", f)
}

// SummaryByModel returns per-model totals for records matching f.
func (l *Ledger) SummaryByModel(ctx context.Context, f Filter) (map[string]*Summary, error) {
	return l.summaryGroupedBy(ctx, "model", f)
}

func (l *Ledger) summaryGroupedBy(ctx context.Context, column string, f Filter) (map[string]*Summary, error) {
	// column is always a constant from the methods above.
	where, args := f.where()
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), %s FROM usage_records %s GROUP BY %s ORDER BY SUM(cost_total_usd) DESC`,
		column, summaryColumns, where, column,
	)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		sum, err := scanSummary(rows, &key)
		if err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = sum
	}
	return result, rows.Err()
}

// DailyTrend returns per-day totals for records matching f, oldest day
// first. Days without records are omitted.
func (l *Ledger) DailyTrend(ctx context.Context, f Filter) ([]DailyBucket, error) {
	where, args := f.where()
	rows, err := l.db.QueryContext(ctx,
		`SELECT substr(started_at, 1, 10) AS day, `+summaryColumns+`
		 FROM usage_records `+where+`
		 GROUP BY day ORDER BY day ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily usage: %w", err)
	}
	defer rows.Close()

	var trend []DailyBucket
	for rows.Next() {
		var day string
		sum, err := scanSummary(rows, &day)
		if err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		trend = append(trend, DailyBucket{Day: day, Summary: *sum})
	}
	return trend, rows.Err()
}

// DeleteForConversation removes a conversation's records inside the
// caller's transaction. It satisfies conversation.Dependent.
func (l *Ledger) DeleteForConversation(ctx context.Context, tx *sql.Tx, conversationID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM usage_records WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete usage records: %w", err)
	}
	return res.RowsAffected()
}
