package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// ErrUnknownWindow is returned for a snapshot of a window that is not configured.
var ErrUnknownWindow = errors.New("unknown metrics window")

// DefaultWindows are the rolling windows kept when none are configured.
var DefaultWindows = []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Minute}

// DefaultRecentCapacity is the number of raw events kept for the recent-calls view.
const DefaultRecentCapacity = 1000

// Config configures an Aggregator.
type Config struct {
	Windows        []time.Duration
	RecentCapacity int
	// WindowCapacity bounds the samples held by each window.
	WindowCapacity int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// tierCounters are lifetime per-tier sums.
type tierCounters struct {
	calls      atomic.Int64
	cost       atomic.Int64
	wouldBe    atomic.Int64
	input      atomic.Int64
	output     atomic.Int64
	cacheWrite atomic.Int64
	cacheRead  atomic.Int64
}

// Aggregator records events into every configured window. Record and the
// read methods are safe for concurrent use; there is no lock shared across
// windows.
type Aggregator struct {
	now     func() time.Time
	windows map[time.Duration]*window
	order   []time.Duration
	rate    *rateTracker

	// tiers is fixed at construction; lifetime totals are derived from it.
	tiers     map[core.Tier]*tierCounters
	cacheHits atomic.Int64
	errors    atomic.Int64

	providers *dimension
	models    *dimension
	agents    *dimension
	projects  *dimension

	recentMu   sync.Mutex
	recent     []core.APICallEvent
	recentHead int
	recentLen  int
}

// New creates an Aggregator. Duplicate and non-positive windows are ignored.
func New(cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		now:       time.Now,
		windows:   make(map[time.Duration]*window),
		rate:      newRateTracker(cfg.WindowCapacity),
		tiers:     make(map[core.Tier]*tierCounters, len(core.AllTiers)),
		providers: newDimension(),
		models:    newDimension(),
		agents:    newDimension(),
		projects:  newDimension(),
	}
	for _, opt := range opts {
		opt(a)
	}

	windows := cfg.Windows
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	for _, d := range windows {
		if d <= 0 || a.windows[d] != nil {
			continue
		}
		a.windows[d] = newWindow(d, cfg.WindowCapacity)
		a.order = append(a.order, d)
	}
	sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })

	for _, t := range core.AllTiers {
		a.tiers[t] = &tierCounters{}
	}

	capacity := cfg.RecentCapacity
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	a.recent = make([]core.APICallEvent, capacity)
	return a
}

// Record adds ev to every window, the rate tracker, the lifetime counters and
// the recent-calls ring. It never blocks on I/O and never fails the caller;
// problems are logged.
func (a *Aggregator) Record(ev *core.APICallEvent) {
	if ev == nil {
		slog.Warn("metrics: ignoring nil event")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("metrics: record failed", "request_id", ev.RequestID, "panic", fmt.Sprint(r))
		}
	}()

	now := a.now()
	s := sampleOf(ev, now)
	for _, d := range a.order {
		a.windows[d].push(s, now)
	}
	a.rate.add(now, ev.ActualCost)

	t := a.tiers[s.tier]
	t.calls.Add(1)
	t.cost.Add(int64(ev.ActualCost))
	t.wouldBe.Add(int64(ev.WouldBeCost))
	t.input.Add(int64(ev.InputTokens))
	t.output.Add(int64(ev.OutputTokens))
	t.cacheWrite.Add(int64(ev.CacheWriteTokens))
	t.cacheRead.Add(int64(ev.CacheReadTokens))
	if ev.CacheHit {
		a.cacheHits.Add(1)
	}
	if ev.Failed() {
		a.errors.Add(1)
	}

	a.providers.record(ev.Provider, ev)
	a.models.record(ev.ModelUsed, ev)
	a.agents.record(ev.AgentType, ev)
	a.projects.record(ev.ProjectID, ev)

	a.recentMu.Lock()
	idx := (a.recentHead + a.recentLen) % len(a.recent)
	a.recent[idx] = *ev
	if a.recentLen < len(a.recent) {
		a.recentLen++
	} else {
		a.recentHead = (a.recentHead + 1) % len(a.recent)
	}
	a.recentMu.Unlock()
}

// Windows returns the configured window durations, shortest first.
func (a *Aggregator) Windows() []time.Duration {
	return append([]time.Duration(nil), a.order...)
}

// Snapshot computes the aggregate view of the given window.
func (a *Aggregator) Snapshot(d time.Duration) (AggregatedMetrics, error) {
	w, ok := a.windows[d]
	if !ok {
		return AggregatedMetrics{}, fmt.Errorf("%w: %s", ErrUnknownWindow, d)
	}
	return w.snapshot(a.now()), nil
}

// TierSnapshot returns one tier's share of the given window.
func (a *Aggregator) TierSnapshot(d time.Duration, tier core.Tier) (TierMetrics, error) {
	m, err := a.Snapshot(d)
	if err != nil {
		return TierMetrics{}, err
	}
	return m.Tier(tier), nil
}

// Rate returns calls and cost over the last minute.
func (a *Aggregator) Rate() RateMetrics {
	return a.rate.rate(a.now())
}

// Totals returns lifetime counters. The overall figures are summed from the
// per-tier counters read here, so they always agree with Tiers.
func (a *Aggregator) Totals() Totals {
	var out Totals
	for _, tier := range core.AllTiers {
		c := a.tiers[tier]
		tt := TierTotal{
			Tier:  tier,
			Calls: c.calls.Load(),
			Cost:  core.Nanos(c.cost.Load()),
			Tokens: TokenTotals{
				Input:      c.input.Load(),
				Output:     c.output.Load(),
				CacheWrite: c.cacheWrite.Load(),
				CacheRead:  c.cacheRead.Load(),
			},
		}
		out.WouldBeCost += core.Nanos(c.wouldBe.Load())
		if tt.Calls == 0 {
			continue
		}
		out.Calls += tt.Calls
		out.Cost += tt.Cost
		out.Tokens.Input += tt.Tokens.Input
		out.Tokens.Output += tt.Tokens.Output
		out.Tokens.CacheWrite += tt.Tokens.CacheWrite
		out.Tokens.CacheRead += tt.Tokens.CacheRead
		out.Tiers = append(out.Tiers, tt)
	}
	out.CostUSD = out.Cost.USD()
	out.CacheHits = a.cacheHits.Load()
	out.Errors = a.errors.Load()
	return out
}

// Breakdown returns lifetime stats by provider, model, agent and project.
func (a *Aggregator) Breakdown() Breakdown {
	return Breakdown{
		Providers: a.providers.copy(),
		Models:    a.models.copy(),
		Agents:    a.agents.copy(),
		Projects:  a.projects.copy(),
	}
}

// Recent returns up to limit of the most recent events, newest first.
// A non-positive limit returns everything held.
func (a *Aggregator) Recent(limit int) []core.APICallEvent {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()
	if limit <= 0 || limit > a.recentLen {
		limit = a.recentLen
	}
	out := make([]core.APICallEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.recentHead + a.recentLen - 1 - i) % len(a.recent)
		out = append(out, a.recent[idx])
	}
	return out
}
