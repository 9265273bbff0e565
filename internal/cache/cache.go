// Package cache stores upstream completions keyed by request fingerprint.
// The in-process Store is always present; a Redis tier can be layered behind it
// for multi-instance deployments.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// ErrInvalidConfig is returned when a cache is constructed with unusable limits.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// entryOverhead approximates the per-entry bookkeeping cost in bytes.
const entryOverhead = 128

// CachedResponse is an immutable stored completion. Callers must not modify it.
type CachedResponse struct {
	Content    string     `json:"content"`
	Model      string     `json:"model"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      core.Usage `json:"usage"`
	CachedAt   time.Time  `json:"cached_at"`
}

// NewCachedResponse snapshots a provider response for storage.
func NewCachedResponse(resp *core.Response, now time.Time) *CachedResponse {
	return &CachedResponse{
		Content:    resp.Content,
		Model:      resp.ModelUsed,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
		CachedAt:   now,
	}
}

// Weight is the approximate memory footprint in bytes used for eviction.
func (r *CachedResponse) Weight() int64 {
	return int64(len(r.Content)+len(r.Model)+len(r.StopReason)) + entryOverhead
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries      int64 `json:"entries"`
	WeightedSize int64 `json:"weighted_size"`
	MaxWeight    int64 `json:"max_weight"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Puts         int64 `json:"puts"`
	Evictions    int64 `json:"evictions"`
	Expirations  int64 `json:"expirations"`
	Rejected     int64 `json:"rejected"`
	// HitRate is the share of lookups answered by any tier.
	HitRate float64 `json:"hit_rate"`

	// Remote tier counters, zero when no remote tier is configured.
	LocalHitRate float64 `json:"local_hit_rate,omitempty"`
	RemoteHits   int64   `json:"remote_hits,omitempty"`
	RemoteErrors int64   `json:"remote_errors,omitempty"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Remote is a shared second-level cache tier.
type Remote interface {
	Get(ctx context.Context, key Key) (*CachedResponse, error)
	Set(ctx context.Context, key Key, resp *CachedResponse) error
	Delete(ctx context.Context, key Key) error
	Close() error
}
