package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

const (
	initialWindowCapacity = 256
	// DefaultWindowCapacity bounds the samples one window may hold.
	DefaultWindowCapacity = 100_000
)

// tierAgg holds a window's running sums for one tier.
type tierAgg struct {
	calls   int64
	cost    core.Nanos
	wouldBe core.Nanos
	tokens  TokenTotals
}

// window is a ring buffer of samples covering a fixed duration. Sums are kept
// per tier only, so window totals always equal the sum over tiers.
// Each window has its own lock.
type window struct {
	duration time.Duration
	maxCap   int

	mu    sync.RWMutex
	ring  []sample
	head  int // index of the oldest sample
	size  int
	tiers map[core.Tier]*tierAgg
	hits  int64
	fails int64
}

func newWindow(d time.Duration, maxCap int) *window {
	if maxCap <= 0 {
		maxCap = DefaultWindowCapacity
	}
	w := &window{
		duration: d,
		maxCap:   maxCap,
		ring:     make([]sample, min(initialWindowCapacity, maxCap)),
		tiers:    make(map[core.Tier]*tierAgg, len(core.AllTiers)),
	}
	for _, t := range core.AllTiers {
		w.tiers[t] = &tierAgg{}
	}
	return w
}

func (w *window) cutoff(now time.Time) int64 {
	return now.Add(-w.duration).UnixNano()
}

// push inserts s, evicting expired samples first and the oldest sample when
// the ring is at its size limit.
func (w *window) push(s sample, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictBefore(w.cutoff(now))
	if w.size == len(w.ring) {
		if len(w.ring) < w.maxCap {
			w.grow()
		} else {
			w.popOldest()
		}
	}
	w.ring[(w.head+w.size)%len(w.ring)] = s
	w.size++
	w.account(&s, 1)
}

func (w *window) grow() {
	next := make([]sample, min(len(w.ring)*2, w.maxCap))
	for i := 0; i < w.size; i++ {
		next[i] = w.ring[(w.head+i)%len(w.ring)]
	}
	w.ring = next
	w.head = 0
}

func (w *window) popOldest() {
	s := w.ring[w.head]
	w.ring[w.head] = sample{}
	w.head = (w.head + 1) % len(w.ring)
	w.size--
	w.account(&s, -1)
}

// evictBefore removes samples older than cutoff. Samples are appended in
// arrival order, so only the front needs checking.
func (w *window) evictBefore(cutoff int64) {
	for w.size > 0 && w.ring[w.head].at <= cutoff {
		w.popOldest()
	}
}

func (w *window) account(s *sample, sign int64) {
	t := w.tiers[s.tier]
	t.calls += sign
	t.cost += core.Nanos(sign) * s.cost
	t.wouldBe += core.Nanos(sign) * s.wouldBe
	t.tokens.add(s, sign)
	if s.cacheHit {
		w.hits += sign
	}
	if s.failed {
		w.fails += sign
	}
}

func (w *window) hasExpired(cutoff int64) bool {
	return w.size > 0 && w.ring[w.head].at <= cutoff
}

// snapshot builds the window's aggregate view. Expired samples are evicted
// first, which needs the write lock only when there is something to evict.
func (w *window) snapshot(now time.Time) AggregatedMetrics {
	cutoff := w.cutoff(now)

	w.mu.RLock()
	if w.hasExpired(cutoff) {
		w.mu.RUnlock()
		w.mu.Lock()
		w.evictBefore(cutoff)
		w.mu.Unlock()
		w.mu.RLock()
	}
	defer w.mu.RUnlock()

	m := AggregatedMetrics{
		WindowSeconds: int64(w.duration / time.Second),
		GeneratedAt:   now,
		CacheHits:     w.hits,
		Errors:        w.fails,
	}
	for _, tier := range core.AllTiers {
		t := w.tiers[tier]
		if t.calls == 0 {
			continue
		}
		m.TotalCalls += t.calls
		m.TotalCost += t.cost
		m.WouldBeCost += t.wouldBe
		m.Tokens.Input += t.tokens.Input
		m.Tokens.Output += t.tokens.Output
		m.Tokens.CacheWrite += t.tokens.CacheWrite
		m.Tokens.CacheRead += t.tokens.CacheRead
		m.Tiers = append(m.Tiers, TierMetrics{
			Tier:        tier,
			Calls:       t.calls,
			Cost:        t.cost,
			CostUSD:     t.cost.USD(),
			WouldBeCost: t.wouldBe,
			Tokens:      t.tokens,
		})
	}
	for i := range m.Tiers {
		m.Tiers[i].CallShare = percent(float64(m.Tiers[i].Calls), float64(m.TotalCalls))
		m.Tiers[i].CostShare = percent(float64(m.Tiers[i].Cost), float64(m.TotalCost))
	}
	m.TotalCostUSD = m.TotalCost.USD()
	m.Savings = m.WouldBeCost - m.TotalCost
	if m.TotalCalls > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(m.TotalCalls)
	}

	latencies := make([]int64, 0, w.size)
	for i := 0; i < w.size; i++ {
		latencies = append(latencies, w.ring[(w.head+i)%len(w.ring)].latencyMs)
	}
	m.Latency = latencyStats(latencies)
	return m
}

func percent(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return part / whole * 100
}

// latencyStats sorts in place and reads nearest-rank percentiles.
func latencyStats(ms []int64) LatencyStats {
	if len(ms) == 0 {
		return LatencyStats{}
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
	var sum int64
	for _, v := range ms {
		sum += v
	}
	return LatencyStats{
		AvgMs: float64(sum) / float64(len(ms)),
		P50Ms: nearestRank(ms, 50),
		P95Ms: nearestRank(ms, 95),
		P99Ms: nearestRank(ms, 99),
		MaxMs: ms[len(ms)-1],
	}
}

func nearestRank(sorted []int64, p float64) int64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
