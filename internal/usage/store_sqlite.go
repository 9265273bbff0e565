package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// SQLite has a default limit of 999 bindable parameters per query (SQLITE_MAX_VARIABLE_NUMBER).
// With 21 columns per event, up to 47 events fit in one statement.
const (
	maxSQLiteParams    = 999
	columnsPerEvent    = 21
	maxEventsPerInsert = maxSQLiteParams / columnsPerEvent
)

const msPerHour = int64(time.Hour / time.Millisecond)

const sqliteEventColumns = `id, request_id, timestamp_ms, model_requested, model_used, provider, tier,
	input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
	actual_cost_nanos, would_be_cost_nanos, pricing_known, latency_ms, cache_hit,
	agent_type, project_id, error_code, fallback_attempted, attempts`

const hourlyColumns = `model, provider, tier, calls, errors, cache_hits,
	input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
	actual_cost_nanos, would_be_cost_nanos, total_latency_ms`

// SQLiteStore implements Store for SQLite databases.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the call history tables if they don't exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS api_calls (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL,
			model_requested TEXT NOT NULL DEFAULT '',
			model_used TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			actual_cost_nanos INTEGER NOT NULL DEFAULT 0,
			would_be_cost_nanos INTEGER NOT NULL DEFAULT 0,
			pricing_known INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			agent_type TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			fallback_attempted INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_calls table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS api_call_hourly (
			hour_ms INTEGER NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			tier TEXT NOT NULL,
			calls INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			cache_hits INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			actual_cost_nanos INTEGER NOT NULL DEFAULT 0,
			would_be_cost_nanos INTEGER NOT NULL DEFAULT 0,
			total_latency_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour_ms, model, provider, tier)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_call_hourly table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_api_calls_timestamp ON api_calls(timestamp_ms)",
		"CREATE INDEX IF NOT EXISTS idx_api_calls_model_used ON api_calls(model_used, timestamp_ms)",
		"CREATE INDEX IF NOT EXISTS idx_api_calls_request_id ON api_calls(request_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// WriteBatch inserts events in one transaction, chunked to stay within
// SQLite's parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, events []*core.APICallEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnsPerEvent), ", ") + ")"

	for i := 0; i < len(events); i += maxEventsPerInsert {
		end := min(i+maxEventsPerInsert, len(events))
		chunk := events[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEvent)
		for j, e := range chunk {
			placeholders[j] = row
			values = append(values,
				e.ID,
				e.RequestID,
				e.Timestamp.UnixMilli(),
				e.ModelRequested,
				e.ModelUsed,
				e.Provider,
				string(e.Tier),
				e.InputTokens,
				e.OutputTokens,
				e.CacheWriteTokens,
				e.CacheReadTokens,
				int64(e.ActualCost),
				int64(e.WouldBeCost),
				e.PricingKnown,
				e.LatencyMs,
				e.CacheHit,
				e.AgentType,
				e.ProjectID,
				e.ErrorCode,
				e.FallbackAttempted,
				e.Attempts,
			)
		}

		query := `INSERT OR IGNORE INTO api_calls (` + sqliteEventColumns + `) VALUES ` +
			strings.Join(placeholders, ",")
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert event chunk %d: %w", i/maxEventsPerInsert, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Archive folds rows older than before into api_call_hourly and deletes them,
// all in one transaction.
func (s *SQLiteStore) Archive(ctx context.Context, before time.Time) (ArchiveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := before.UnixMilli()

	agg, err := tx.ExecContext(ctx, `
		INSERT INTO api_call_hourly (hour_ms, `+hourlyColumns+`)
		SELECT (timestamp_ms / ?) * ?,
			CASE WHEN model_used != '' THEN model_used ELSE model_requested END,
			provider, tier,
			COUNT(*),
			SUM(CASE WHEN error_code != '' THEN 1 ELSE 0 END),
			SUM(cache_hit),
			SUM(input_tokens), SUM(output_tokens), SUM(cache_write_tokens), SUM(cache_read_tokens),
			SUM(actual_cost_nanos), SUM(would_be_cost_nanos), SUM(latency_ms)
		FROM api_calls
		WHERE timestamp_ms < ?
		GROUP BY 1, 2, 3, 4
		ON CONFLICT (hour_ms, model, provider, tier) DO UPDATE SET
			calls = calls + excluded.calls,
			errors = errors + excluded.errors,
			cache_hits = cache_hits + excluded.cache_hits,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cache_write_tokens = cache_write_tokens + excluded.cache_write_tokens,
			cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
			actual_cost_nanos = actual_cost_nanos + excluded.actual_cost_nanos,
			would_be_cost_nanos = would_be_cost_nanos + excluded.would_be_cost_nanos,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms
	`, msPerHour, msPerHour, cutoff)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to aggregate archived rows: %w", err)
	}

	del, err := tx.ExecContext(ctx, `DELETE FROM api_calls WHERE timestamp_ms < ?`, cutoff)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to delete archived rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to commit archive: %w", err)
	}

	var res ArchiveResult
	res.Aggregates, _ = agg.RowsAffected()
	res.Archived, _ = del.RowsAffected()
	return res, nil
}

// Recent returns the newest events, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*core.APICallEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM api_calls ORDER BY timestamp_ms DESC, rowid DESC LIMIT ?`,
		recentLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	return scanSQLiteEvents(rows)
}

// Range returns events matching q, oldest first.
func (s *SQLiteStore) Range(ctx context.Context, q Query) ([]*core.APICallEvent, error) {
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
	if q.Model != "" {
		conditions = append(conditions, "(model_used = ? OR model_requested = ?)")
		args = append(args, q.Model, q.Model)
	}
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM api_calls`+buildWhereClause(conditions)+
			` ORDER BY timestamp_ms ASC, rowid ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanSQLiteEvents(rows)
}

// Hourly returns archived aggregates with Hour in [start, end).
func (s *SQLiteStore) Hourly(ctx context.Context, start, end time.Time) ([]HourlyAggregate, error) {
	var conditions []string
	var args []any
	if !start.IsZero() {
		conditions = append(conditions, "hour_ms >= ?")
		args = append(args, start.UnixMilli())
	}
	if !end.IsZero() {
		conditions = append(conditions, "hour_ms < ?")
		args = append(args, end.UnixMilli())
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT hour_ms, `+hourlyColumns+` FROM api_call_hourly`+buildWhereClause(conditions)+
			` ORDER BY hour_ms, model, provider, tier`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly aggregates: %w", err)
	}
	defer rows.Close()

	result := make([]HourlyAggregate, 0)
	for rows.Next() {
		var a HourlyAggregate
		var hourMs, actual, wouldBe int64
		var tier string
		if err := rows.Scan(&hourMs, &a.Model, &a.Provider, &tier, &a.Calls, &a.Errors, &a.CacheHits,
			&a.InputTokens, &a.OutputTokens, &a.CacheWriteTokens, &a.CacheReadTokens,
			&actual, &wouldBe, &a.TotalLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan hourly aggregate: %w", err)
		}
		a.Hour = time.UnixMilli(hourMs).UTC()
		a.Tier = core.Tier(tier)
		a.ActualCost = core.Nanos(actual)
		a.WouldBeCost = core.Nanos(wouldBe)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hourly aggregates: %w", err)
	}
	return result, nil
}

// Close is a no-op; the DB is managed by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

func scanSQLiteEvents(rows *sql.Rows) ([]*core.APICallEvent, error) {
	defer rows.Close()

	result := make([]*core.APICallEvent, 0)
	for rows.Next() {
		var e core.APICallEvent
		var tsMs, actual, wouldBe int64
		var tier string
		if err := rows.Scan(
			&e.ID, &e.RequestID, &tsMs, &e.ModelRequested, &e.ModelUsed, &e.Provider, &tier,
			&e.InputTokens, &e.OutputTokens, &e.CacheWriteTokens, &e.CacheReadTokens,
			&actual, &wouldBe, &e.PricingKnown, &e.LatencyMs, &e.CacheHit,
			&e.AgentType, &e.ProjectID, &e.ErrorCode, &e.FallbackAttempted, &e.Attempts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		e.Tier = core.Tier(tier)
		e.ActualCost = core.Nanos(actual)
		e.WouldBeCost = core.Nanos(wouldBe)
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return result, nil
}
