// Package usage persists APICallEvents to durable storage.
// Events are buffered in memory and written in batches by a single background
// worker; old rows are periodically rolled up into hourly aggregates.
package usage

import (
	"context"
	"strings"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// Store defines the interface for call history backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch inserts events in one transaction. Events whose ID already
	// exists are skipped.
	WriteBatch(ctx context.Context, events []*core.APICallEvent) error

	// Archive rolls every event older than before into hourly aggregates and
	// deletes the raw rows.
	Archive(ctx context.Context, before time.Time) (ArchiveResult, error)

	// Recent returns the newest events, newest first.
	Recent(ctx context.Context, limit int) ([]*core.APICallEvent, error)

	// Range returns events matching q, oldest first.
	Range(ctx context.Context, q Query) ([]*core.APICallEvent, error)

	// Hourly returns archived aggregates with Hour in [start, end).
	Hourly(ctx context.Context, start, end time.Time) ([]HourlyAggregate, error)

	// Close releases store resources. The underlying connection is owned by
	// the storage layer and stays open.
	Close() error
}

// Query selects raw events by timestamp range and model.
type Query struct {
	// Start is inclusive; zero means unbounded.
	Start time.Time
	// End is exclusive; zero means unbounded.
	End time.Time
	// Model matches ModelUsed or ModelRequested exactly. Empty matches all.
	Model string
	// Limit caps the result size (default 1000).
	Limit int
}

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
)

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultQueryLimit
	}
	if q.Limit > maxQueryLimit {
		return maxQueryLimit
	}
	return q.Limit
}

// HourlyAggregate is the archived roll-up of one hour of calls for a
// model/provider/tier combination.
type HourlyAggregate struct {
	Hour             time.Time  `json:"hour" bson:"hour"`
	Model            string     `json:"model" bson:"model"`
	Provider         string     `json:"provider" bson:"provider"`
	Tier             core.Tier  `json:"tier" bson:"tier"`
	Calls            int64      `json:"calls" bson:"calls"`
	Errors           int64      `json:"errors" bson:"errors"`
	CacheHits        int64      `json:"cache_hits" bson:"cache_hits"`
	InputTokens      int64      `json:"input_tokens" bson:"input_tokens"`
	OutputTokens     int64      `json:"output_tokens" bson:"output_tokens"`
	CacheWriteTokens int64      `json:"cache_write_tokens" bson:"cache_write_tokens"`
	CacheReadTokens  int64      `json:"cache_read_tokens" bson:"cache_read_tokens"`
	ActualCost       core.Nanos `json:"actual_cost_nanos" bson:"actual_cost_nanos"`
	WouldBeCost      core.Nanos `json:"would_be_cost_nanos" bson:"would_be_cost_nanos"`
	TotalLatencyMs   int64      `json:"total_latency_ms" bson:"total_latency_ms"`
}

// ArchiveResult reports what one archival pass did.
type ArchiveResult struct {
	Archived   int64 `json:"archived"`
	Aggregates int64 `json:"aggregates"`
}

// Config holds persister configuration
type Config struct {
	// BufferSize bounds the number of events waiting to be written.
	BufferSize int

	// BatchSize triggers a flush once this many events are pending.
	BatchSize int

	// FlushInterval is how often pending events are flushed regardless of count.
	FlushInterval time.Duration

	// Retention is how long raw rows are kept before archival (0 = forever).
	Retention time.Duration

	// ArchiveInterval is how often the archival job runs.
	ArchiveInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BufferSize:      10000,
		BatchSize:       100,
		FlushInterval:   5 * time.Second,
		Retention:       7 * 24 * time.Hour,
		ArchiveInterval: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = d.ArchiveInterval
	}
	return c
}

// hourOf truncates t to the start of its UTC hour.
func hourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// rollup groups events into hourly aggregates keyed by hour/model/provider/tier.
// ModelUsed is preferred; ModelRequested is used for calls that never reached a model.
func rollup(events []*core.APICallEvent) []HourlyAggregate {
	type key struct {
		hour     int64
		model    string
		provider string
		tier     core.Tier
	}
	index := make(map[key]int)
	var out []HourlyAggregate
	for _, ev := range events {
		model := ev.ModelUsed
		if model == "" {
			model = ev.ModelRequested
		}
		h := hourOf(ev.Timestamp)
		k := key{h.UnixMilli(), model, ev.Provider, ev.Tier}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, HourlyAggregate{Hour: h, Model: model, Provider: ev.Provider, Tier: ev.Tier})
		}
		a := &out[i]
		a.Calls++
		if ev.Failed() {
			a.Errors++
		}
		if ev.CacheHit {
			a.CacheHits++
		}
		a.InputTokens += int64(ev.InputTokens)
		a.OutputTokens += int64(ev.OutputTokens)
		a.CacheWriteTokens += int64(ev.CacheWriteTokens)
		a.CacheReadTokens += int64(ev.CacheReadTokens)
		a.ActualCost += ev.ActualCost
		a.WouldBeCost += ev.WouldBeCost
		a.TotalLatencyMs += ev.LatencyMs
	}
	return out
}

// buildWhereClause joins condition strings into a SQL WHERE clause.
// Returns an empty string when conditions is empty.
func buildWhereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
