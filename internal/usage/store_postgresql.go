package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visiquate/cco-sub021/internal/core"
)

const pgEventColumns = `id, request_id, timestamp, model_requested, model_used, provider, tier,
	input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
	actual_cost_nanos, would_be_cost_nanos, pricing_known, latency_ms, cache_hit,
	agent_type, project_id, error_code, fallback_attempted, attempts`

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the call history tables if they don't exist.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS api_calls (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			model_requested TEXT NOT NULL DEFAULT '',
			model_used TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			actual_cost_nanos BIGINT NOT NULL DEFAULT 0,
			would_be_cost_nanos BIGINT NOT NULL DEFAULT 0,
			pricing_known BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			agent_type TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			fallback_attempted BOOLEAN NOT NULL DEFAULT FALSE,
			attempts INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_calls table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS api_call_hourly (
			hour TIMESTAMPTZ NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			tier TEXT NOT NULL,
			calls BIGINT NOT NULL DEFAULT 0,
			errors BIGINT NOT NULL DEFAULT 0,
			cache_hits BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_write_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			actual_cost_nanos BIGINT NOT NULL DEFAULT 0,
			would_be_cost_nanos BIGINT NOT NULL DEFAULT 0,
			total_latency_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, model, provider, tier)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_call_hourly table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_api_calls_timestamp ON api_calls(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_api_calls_model_used ON api_calls(model_used, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_api_calls_request_id ON api_calls(request_id)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// WriteBatch queues every insert on one pgx batch inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, events []*core.APICallEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO api_calls (`+pgEventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.RequestID, e.Timestamp.UTC(), e.ModelRequested, e.ModelUsed, e.Provider, string(e.Tier),
			e.InputTokens, e.OutputTokens, e.CacheWriteTokens, e.CacheReadTokens,
			int64(e.ActualCost), int64(e.WouldBeCost), e.PricingKnown, e.LatencyMs, e.CacheHit,
			e.AgentType, e.ProjectID, e.ErrorCode, e.FallbackAttempted, e.Attempts)
	}

	results := tx.SendBatch(ctx, batch)
	var errs []error
	for _, e := range events {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("insert %s: %w", e.ID, err))
			break
		}
	}
	if err := results.Close(); err != nil && len(errs) == 0 {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to insert %d events: %w", len(events), errors.Join(errs...))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Archive folds rows older than before into api_call_hourly and deletes them,
// all in one transaction.
func (s *PostgreSQLStore) Archive(ctx context.Context, before time.Time) (ArchiveResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cutoff := before.UTC()

	agg, err := tx.Exec(ctx, `
		INSERT INTO api_call_hourly (hour, `+hourlyColumns+`)
		SELECT date_trunc('hour', timestamp, 'UTC'),
			CASE WHEN model_used <> '' THEN model_used ELSE model_requested END,
			provider, tier,
			COUNT(*),
			COUNT(*) FILTER (WHERE error_code <> ''),
			COUNT(*) FILTER (WHERE cache_hit),
			SUM(input_tokens), SUM(output_tokens), SUM(cache_write_tokens), SUM(cache_read_tokens),
			SUM(actual_cost_nanos), SUM(would_be_cost_nanos), SUM(latency_ms)
		FROM api_calls
		WHERE timestamp < $1
		GROUP BY 1, 2, 3, 4
		ON CONFLICT (hour, model, provider, tier) DO UPDATE SET
			calls = api_call_hourly.calls + EXCLUDED.calls,
			errors = api_call_hourly.errors + EXCLUDED.errors,
			cache_hits = api_call_hourly.cache_hits + EXCLUDED.cache_hits,
			input_tokens = api_call_hourly.input_tokens + EXCLUDED.input_tokens,
			output_tokens = api_call_hourly.output_tokens + EXCLUDED.output_tokens,
			cache_write_tokens = api_call_hourly.cache_write_tokens + EXCLUDED.cache_write_tokens,
			cache_read_tokens = api_call_hourly.cache_read_tokens + EXCLUDED.cache_read_tokens,
			actual_cost_nanos = api_call_hourly.actual_cost_nanos + EXCLUDED.actual_cost_nanos,
			would_be_cost_nanos = api_call_hourly.would_be_cost_nanos + EXCLUDED.would_be_cost_nanos,
			total_latency_ms = api_call_hourly.total_latency_ms + EXCLUDED.total_latency_ms
	`, cutoff)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to aggregate archived rows: %w", err)
	}

	del, err := tx.Exec(ctx, `DELETE FROM api_calls WHERE timestamp < $1`, cutoff)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to delete archived rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to commit archive: %w", err)
	}

	return ArchiveResult{Archived: del.RowsAffected(), Aggregates: agg.RowsAffected()}, nil
}

// Recent returns the newest events, newest first.
func (s *PostgreSQLStore) Recent(ctx context.Context, limit int) ([]*core.APICallEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventColumns+` FROM api_calls ORDER BY timestamp DESC, id DESC LIMIT $1`,
		recentLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	return scanPostgreSQLEvents(rows)
}

// Range returns events matching q, oldest first.
func (s *PostgreSQLStore) Range(ctx context.Context, q Query) ([]*core.APICallEvent, error) {
	var conditions []string
	var args []any
	argIdx := 1
	if !q.Start.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argIdx))
		args = append(args, q.Start.UTC())
		argIdx++
	}
	if !q.End.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp < $%d", argIdx))
		args = append(args, q.End.UTC())
		argIdx++
	}
	if q.Model != "" {
		conditions = append(conditions, fmt.Sprintf("(model_used = $%d OR model_requested = $%d)", argIdx, argIdx))
		args = append(args, q.Model)
		argIdx++
	}
	args = append(args, q.limit())

	query := `SELECT ` + pgEventColumns + ` FROM api_calls` + buildWhereClause(conditions) +
		fmt.Sprintf(` ORDER BY timestamp ASC, id ASC LIMIT $%d`, argIdx)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanPostgreSQLEvents(rows)
}

// Hourly returns archived aggregates with Hour in [start, end).
func (s *PostgreSQLStore) Hourly(ctx context.Context, start, end time.Time) ([]HourlyAggregate, error) {
	var conditions []string
	var args []any
	if !start.IsZero() {
		args = append(args, start.UTC())
		conditions = append(conditions, fmt.Sprintf("hour >= $%d", len(args)))
	}
	if !end.IsZero() {
		args = append(args, end.UTC())
		conditions = append(conditions, fmt.Sprintf("hour < $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT hour, `+hourlyColumns+` FROM api_call_hourly`+buildWhereClause(conditions)+
			` ORDER BY hour, model, provider, tier`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly aggregates: %w", err)
	}
	defer rows.Close()

	result := make([]HourlyAggregate, 0)
	for rows.Next() {
		var a HourlyAggregate
		var actual, wouldBe int64
		var tier string
		if err := rows.Scan(&a.Hour, &a.Model, &a.Provider, &tier, &a.Calls, &a.Errors, &a.CacheHits,
			&a.InputTokens, &a.OutputTokens, &a.CacheWriteTokens, &a.CacheReadTokens,
			&actual, &wouldBe, &a.TotalLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan hourly aggregate: %w", err)
		}
		a.Hour = a.Hour.UTC()
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

// Close is a no-op; the pool is managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}

func scanPostgreSQLEvents(rows pgx.Rows) ([]*core.APICallEvent, error) {
	defer rows.Close()

	result := make([]*core.APICallEvent, 0)
	for rows.Next() {
		var e core.APICallEvent
		var actual, wouldBe int64
		var tier string
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Timestamp, &e.ModelRequested, &e.ModelUsed, &e.Provider, &tier,
			&e.InputTokens, &e.OutputTokens, &e.CacheWriteTokens, &e.CacheReadTokens,
			&actual, &wouldBe, &e.PricingKnown, &e.LatencyMs, &e.CacheHit,
			&e.AgentType, &e.ProjectID, &e.ErrorCode, &e.FallbackAttempted, &e.Attempts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
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
