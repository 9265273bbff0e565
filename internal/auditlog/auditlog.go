// Package auditlog keeps a durable record of every request together with its
// request and response bodies, for debugging and compliance. Entries are
// buffered and written in batches; a retention loop deletes old entries.
package auditlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// Status is the outcome recorded for an entry.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusCacheHit Status = "cache_hit"
	StatusError    Status = "error"
)

// Query limits.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Entry is one audited request.
type Entry struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	Provider  string `json:"provider"`
	Model     string `json:"model"`
	AgentType string `json:"agent_type,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	InputTokens      int        `json:"input_tokens"`
	OutputTokens     int        `json:"output_tokens"`
	CacheWriteTokens int        `json:"cache_write_tokens"`
	CacheReadTokens  int        `json:"cache_read_tokens"`
	Cost             core.Nanos `json:"cost_nanos"`
	CostUSD          float64    `json:"cost_usd"`
	LatencyMs        int64      `json:"latency_ms"`
	Status           Status     `json:"status"`

	// Bodies are stored as JSON documents and omitted when body logging is off.
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Query filters a search. Zero fields do not filter.
type Query struct {
	Start     time.Time
	End       time.Time
	Provider  string
	AgentType string
	ProjectID string
	Status    Status
	Limit     int
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return q.Limit
	}
}

// Store persists audit entries. Implementations must be safe for concurrent use.
type Store interface {
	WriteBatch(ctx context.Context, entries []*Entry) error
	// Search returns matching entries, newest first.
	Search(ctx context.Context, q Query) ([]Entry, error)
	// Get returns (nil, nil) when no entry has the given id.
	Get(ctx context.Context, id string) (*Entry, error)
	// DeleteBefore removes entries older than before and reports how many.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Config tunes the Logger.
type Config struct {
	LogRequestBodies  bool
	LogResponseBodies bool
	BufferSize        int
	FlushInterval     time.Duration
	// Retention is how long entries are kept; zero keeps them forever.
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		LogRequestBodies:  true,
		LogResponseBodies: true,
		BufferSize:        1000,
		FlushInterval:     5 * time.Second,
		Retention:         30 * 24 * time.Hour,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	return c
}
