package auditlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// 17 columns per entry keeps a chunk of 58 rows under SQLite's 999 parameter limit.
const (
	maxSQLiteParams    = 999
	columnsPerEntry    = 17
	maxEntriesPerChunk = maxSQLiteParams / columnsPerEntry
)

const auditColumns = `id, request_id, timestamp_ms, provider, model, agent_type, project_id,
	input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
	cost_nanos, latency_ms, status, request_body, response_body, error_message`

// SQLiteStore implements Store on a SQLite database. Timestamps are stored as
// unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the audit_log table and its indexes if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cost_nanos INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			request_body TEXT,
			response_body TEXT,
			error_message TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit_log table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp_ms)",
		"CREATE INDEX IF NOT EXISTS idx_audit_provider ON audit_log(provider)",
		"CREATE INDEX IF NOT EXISTS idx_audit_agent_type ON audit_log(agent_type)",
		"CREATE INDEX IF NOT EXISTS idx_audit_project_id ON audit_log(project_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// WriteBatch inserts entries in one transaction. Duplicate ids are ignored.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnsPerEntry), ", ") + ")"

	for i := 0; i < len(entries); i += maxEntriesPerChunk {
		chunk := entries[i:min(i+maxEntriesPerChunk, len(entries))]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)
		for j, e := range chunk {
			placeholders[j] = row
			values = append(values,
				e.ID,
				e.RequestID,
				e.Timestamp.UnixMilli(),
				e.Provider,
				e.Model,
				e.AgentType,
				e.ProjectID,
				e.InputTokens,
				e.OutputTokens,
				e.CacheWriteTokens,
				e.CacheReadTokens,
				int64(e.Cost),
				e.LatencyMs,
				string(e.Status),
				nullableJSON(e.RequestBody),
				nullableJSON(e.ResponseBody),
				e.ErrorMessage,
			)
		}

		query := `INSERT OR IGNORE INTO audit_log (` + auditColumns + `) VALUES ` +
			strings.Join(placeholders, ",")
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert audit chunk %d: %w", i/maxEntriesPerChunk, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nullableJSON stores absent bodies as NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Search returns entries matching q, newest first.
func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]Entry, error) {
	var conditions []string
	var args []any
	if !q.Start.IsZero() {
		conditions = append(conditions, "timestamp_ms >= ?")
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		conditions = append(conditions, "timestamp_ms < ?")
		args = append(args, q.End.UnixMilli())
	}
	for _, f := range []struct {
		column, value string
	}{
		{"provider", q.Provider},
		{"agent_type", q.AgentType},
		{"project_id", q.ProjectID},
		{"status", string(q.Status)},
	} {
		if f.value != "" {
			conditions = append(conditions, f.column+" = ?")
			args = append(args, f.value)
		}
	}
	args = append(args, q.limit())

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY timestamp_ms DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return result, nil
}

// Get returns the entry with id, or (nil, nil) when there is none.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// DeleteBefore removes entries older than before.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close is a no-op; the database handle belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e          Entry
		tsMs, cost int64
		status     string
		reqBody    sql.NullString
		respBody   sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.RequestID, &tsMs, &e.Provider, &e.Model, &e.AgentType, &e.ProjectID,
		&e.InputTokens, &e.OutputTokens, &e.CacheWriteTokens, &e.CacheReadTokens,
		&cost, &e.LatencyMs, &status, &reqBody, &respBody, &e.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit row: %w", err)
	}
	e.Timestamp = time.UnixMilli(tsMs).UTC()
	e.Cost = core.Nanos(cost)
	e.CostUSD = e.Cost.USD()
	e.Status = Status(status)
	if reqBody.Valid {
		e.RequestBody = []byte(reqBody.String)
	}
	if respBody.Valid {
		e.ResponseBody = []byte(respBody.String)
	}
	return &e, nil
}
