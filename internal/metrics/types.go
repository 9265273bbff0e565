// Package metrics aggregates API call events in memory: rolling windows with
// per-tier breakdowns and latency percentiles, a calls-per-minute tracker,
// lifetime breakdowns by provider, model, agent and project, and the most
// recent raw calls.
package metrics

import (
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// TokenTotals sums token counts by category.
type TokenTotals struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheWrite int64 `json:"cache_write"`
	CacheRead  int64 `json:"cache_read"`
}

// Total returns the sum of all categories.
func (t TokenTotals) Total() int64 {
	return t.Input + t.Output + t.CacheWrite + t.CacheRead
}

func (t *TokenTotals) add(s *sample, sign int64) {
	t.Input += sign * int64(s.input)
	t.Output += sign * int64(s.output)
	t.CacheWrite += sign * int64(s.cacheWrite)
	t.CacheRead += sign * int64(s.cacheRead)
}

// TierMetrics is one tier's share of a window.
type TierMetrics struct {
	Tier        core.Tier   `json:"tier"`
	Calls       int64       `json:"calls"`
	Cost        core.Nanos  `json:"cost_nanos"`
	CostUSD     float64     `json:"cost_usd"`
	WouldBeCost core.Nanos  `json:"would_be_cost_nanos"`
	Tokens      TokenTotals `json:"tokens"`
	// CostShare is the tier's percentage of the window's total cost.
	CostShare float64 `json:"cost_percentage"`
	// CallShare is the tier's percentage of the window's calls.
	CallShare float64 `json:"call_percentage"`
}

// LatencyStats are computed from the latencies currently in a window.
type LatencyStats struct {
	AvgMs float64 `json:"avg_ms"`
	P50Ms int64   `json:"p50_ms"`
	P95Ms int64   `json:"p95_ms"`
	P99Ms int64   `json:"p99_ms"`
	MaxMs int64   `json:"max_ms"`
}

// AggregatedMetrics is a point-in-time view of one window.
type AggregatedMetrics struct {
	WindowSeconds int64         `json:"window_seconds"`
	GeneratedAt   time.Time     `json:"generated_at"`
	TotalCalls    int64         `json:"total_calls"`
	TotalCost     core.Nanos    `json:"total_cost_nanos"`
	TotalCostUSD  float64       `json:"total_cost_usd"`
	WouldBeCost   core.Nanos    `json:"would_be_cost_nanos"`
	Savings       core.Nanos    `json:"savings_nanos"`
	CacheHits     int64         `json:"cache_hits"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	Errors        int64         `json:"errors"`
	Tokens        TokenTotals   `json:"tokens"`
	Latency       LatencyStats  `json:"latency"`
	Tiers         []TierMetrics `json:"tiers"`
}

// Tier returns the metrics for tier, or a zero entry if it saw no calls.
func (m AggregatedMetrics) Tier(tier core.Tier) TierMetrics {
	for _, t := range m.Tiers {
		if t.Tier == tier {
			return t
		}
	}
	return TierMetrics{Tier: tier}
}

// RateMetrics describes the last minute of traffic.
type RateMetrics struct {
	CallsPerMinute int64      `json:"calls_per_minute"`
	CostPerMinute  core.Nanos `json:"cost_per_minute_nanos"`
}

// Totals are lifetime counters since the aggregator was created.
type Totals struct {
	Calls       int64       `json:"calls"`
	Cost        core.Nanos  `json:"cost_nanos"`
	CostUSD     float64     `json:"cost_usd"`
	WouldBeCost core.Nanos  `json:"would_be_cost_nanos"`
	CacheHits   int64       `json:"cache_hits"`
	Errors      int64       `json:"errors"`
	Tokens      TokenTotals `json:"tokens"`
	Tiers       []TierTotal `json:"tiers"`
}

// TierTotal is one tier's lifetime counters.
type TierTotal struct {
	Tier   core.Tier   `json:"tier"`
	Calls  int64       `json:"calls"`
	Cost   core.Nanos  `json:"cost_nanos"`
	Tokens TokenTotals `json:"tokens"`
}

// sample is the part of an event a window keeps.
type sample struct {
	at         int64 // unix nanos
	tier       core.Tier
	cost       core.Nanos
	wouldBe    core.Nanos
	latencyMs  int64
	input      int
	output     int
	cacheWrite int
	cacheRead  int
	cacheHit   bool
	failed     bool
}

func sampleOf(ev *core.APICallEvent, at time.Time) sample {
	tier, ok := core.ParseTier(string(ev.Tier))
	if !ok {
		tier = core.TierUnknown
	}
	return sample{
		at:         at.UnixNano(),
		tier:       tier,
		cost:       ev.ActualCost,
		wouldBe:    ev.WouldBeCost,
		latencyMs:  ev.LatencyMs,
		input:      ev.InputTokens,
		output:     ev.OutputTokens,
		cacheWrite: ev.CacheWriteTokens,
		cacheRead:  ev.CacheReadTokens,
		cacheHit:   ev.CacheHit,
		failed:     ev.Failed(),
	}
}
