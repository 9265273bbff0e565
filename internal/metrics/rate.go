package metrics

import (
	"sync"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

type ratePoint struct {
	at   int64
	cost core.Nanos
}

// rateTracker keeps (time, cost) pairs for the last minute in a bounded ring,
// evicting from the front like a window.
type rateTracker struct {
	span   time.Duration
	maxCap int

	mu   sync.Mutex
	ring []ratePoint
	head int
	size int
	sum  core.Nanos
}

func newRateTracker(maxCap int) *rateTracker {
	if maxCap <= 0 {
		maxCap = DefaultWindowCapacity
	}
	return &rateTracker{
		span:   time.Minute,
		maxCap: maxCap,
		ring:   make([]ratePoint, min(initialWindowCapacity, maxCap)),
	}
}

func (r *rateTracker) add(now time.Time, cost core.Nanos) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(now)
	if r.size == len(r.ring) {
		if len(r.ring) < r.maxCap {
			r.grow()
		} else {
			r.popOldest()
		}
	}
	r.ring[(r.head+r.size)%len(r.ring)] = ratePoint{at: now.UnixNano(), cost: cost}
	r.size++
	r.sum += cost
}

func (r *rateTracker) grow() {
	next := make([]ratePoint, min(len(r.ring)*2, r.maxCap))
	for i := 0; i < r.size; i++ {
		next[i] = r.ring[(r.head+i)%len(r.ring)]
	}
	r.ring = next
	r.head = 0
}

func (r *rateTracker) popOldest() {
	r.sum -= r.ring[r.head].cost
	r.ring[r.head] = ratePoint{}
	r.head = (r.head + 1) % len(r.ring)
	r.size--
}

func (r *rateTracker) evict(now time.Time) {
	cutoff := now.Add(-r.span).UnixNano()
	for r.size > 0 && r.ring[r.head].at <= cutoff {
		r.popOldest()
	}
}

func (r *rateTracker) rate(now time.Time) RateMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(now)
	return RateMetrics{CallsPerMinute: int64(r.size), CostPerMinute: r.sum}
}
