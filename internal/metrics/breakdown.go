package metrics

import (
	"sync"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// Stats are lifetime counters for one provider, model, agent or project.
type Stats struct {
	Requests     int64       `json:"requests"`
	Errors       int64       `json:"errors"`
	CacheHits    int64       `json:"cache_hits"`
	Cost         core.Nanos  `json:"cost_nanos"`
	CostUSD      float64     `json:"cost_usd"`
	Tokens       TokenTotals `json:"tokens"`
	AvgLatencyMs float64     `json:"avg_latency_ms"`
	LastRequest  time.Time   `json:"last_request"`
}

func (s *Stats) add(ev *core.APICallEvent) {
	s.Requests++
	if ev.Failed() {
		s.Errors++
	}
	if ev.CacheHit {
		s.CacheHits++
	}
	s.Cost += ev.ActualCost
	s.CostUSD = s.Cost.USD()
	s.Tokens.Input += int64(ev.InputTokens)
	s.Tokens.Output += int64(ev.OutputTokens)
	s.Tokens.CacheWrite += int64(ev.CacheWriteTokens)
	s.Tokens.CacheRead += int64(ev.CacheReadTokens)
	// Running mean; no latency history is kept per key.
	s.AvgLatencyMs += (float64(ev.LatencyMs) - s.AvgLatencyMs) / float64(s.Requests)
	if ev.Timestamp.After(s.LastRequest) {
		s.LastRequest = ev.Timestamp
	}
}

// Breakdown groups lifetime stats by dimension.
type Breakdown struct {
	Providers map[string]Stats `json:"providers"`
	Models    map[string]Stats `json:"models"`
	Agents    map[string]Stats `json:"agents"`
	Projects  map[string]Stats `json:"projects"`
}

// dimension is one keyed set of Stats behind its own lock.
type dimension struct {
	mu sync.Mutex
	m  map[string]*Stats
}

func newDimension() *dimension {
	return &dimension{m: make(map[string]*Stats)}
}

func (d *dimension) record(key string, ev *core.APICallEvent) {
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.m[key]
	if !ok {
		s = &Stats{}
		d.m[key] = s
	}
	s.add(ev)
}

func (d *dimension) copy() map[string]Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Stats, len(d.m))
	for k, v := range d.m {
		out[k] = *v
	}
	return out
}
