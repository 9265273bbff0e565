package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultShards is the number of independently locked shards.
	DefaultShards = 32
	// DefaultMaxWeight bounds the store at 256 MiB of cached payload.
	DefaultMaxWeight = 256 << 20
	// DefaultTTL is the time-to-live from insertion.
	DefaultTTL = time.Hour
	// DefaultTTI is the time-to-idle since last access.
	DefaultTTI = 15 * time.Minute
)

// Config holds Store limits.
type Config struct {
	// MaxWeight is the total weight budget in bytes across all shards.
	MaxWeight int64
	// TTL evicts an entry this long after insertion. Zero disables it.
	TTL time.Duration
	// TTI evicts an entry this long after its last access. Zero disables it.
	TTI time.Duration
	// Shards is rounded up to a power of two (default 32).
	Shards int
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a sharded, weight-bounded LRU cache with TTL and TTI expiry.
// Each shard has its own lock, so operations on keys in different shards never
// contend. Counters are atomics shared by all shards.
type Store struct {
	shards []*shard
	mask   uint64
	ttl    time.Duration
	tti    time.Duration
	now    func() time.Time

	maxWeight   int64
	weight      atomic.Int64
	entries     atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	puts        atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	rejected    atomic.Int64
}

type shard struct {
	mu        sync.Mutex
	items     map[Key]*list.Element
	lru       *list.List // front = most recently used
	weight    int64
	maxWeight int64
}

type entry struct {
	key        Key
	value      *CachedResponse
	weight     int64
	insertedAt time.Time
	lastAccess time.Time
}

// New creates a Store. It returns ErrInvalidConfig for a non-positive weight budget.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.MaxWeight <= 0 {
		return nil, fmt.Errorf("%w: max weight must be positive, got %d", ErrInvalidConfig, cfg.MaxWeight)
	}
	if cfg.TTL < 0 || cfg.TTI < 0 {
		return nil, fmt.Errorf("%w: ttl and tti must not be negative", ErrInvalidConfig)
	}
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	n = nextPowerOfTwo(n)
	perShard := cfg.MaxWeight / int64(n)
	if perShard < entryOverhead {
		return nil, fmt.Errorf("%w: max weight %d too small for %d shards", ErrInvalidConfig, cfg.MaxWeight, n)
	}

	s := &Store{
		shards:    make([]*shard, n),
		mask:      uint64(n - 1),
		ttl:       cfg.TTL,
		tti:       cfg.TTI,
		now:       time.Now,
		maxWeight: perShard * int64(n),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			items:     make(map[Key]*list.Element),
			lru:       list.New(),
			maxWeight: perShard,
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Store) shardFor(key Key) *shard {
	return s.shards[xxhash.Sum64(key[:])&s.mask]
}

// expired reports whether e is past its TTL or TTI at now.
func (s *Store) expired(e *entry, now time.Time) bool {
	if s.ttl > 0 && now.Sub(e.insertedAt) >= s.ttl {
		return true
	}
	if s.tti > 0 && now.Sub(e.lastAccess) >= s.tti {
		return true
	}
	return false
}

// Get returns the cached response for key. Every call counts exactly one hit or miss.
func (s *Store) Get(key Key) (*CachedResponse, bool) {
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	elem, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		s.misses.Add(1)
		return nil, false
	}
	e := elem.Value.(*entry)
	if s.expired(e, now) {
		s.removeLocked(sh, elem)
		sh.mu.Unlock()
		s.expirations.Add(1)
		s.misses.Add(1)
		return nil, false
	}
	e.lastAccess = now
	sh.lru.MoveToFront(elem)
	value := e.value
	sh.mu.Unlock()

	s.hits.Add(1)
	return value, true
}

// Put stores resp under key, replacing any previous value, and evicts least
// recently used entries from the shard until it fits. Responses heavier than a
// whole shard are rejected.
func (s *Store) Put(key Key, resp *CachedResponse) {
	s.put(key, resp, s.now())
}

// backfill stores a response that was read from another tier. Its TTL runs
// from resp.CachedAt rather than from now, and a response already past the
// TTL is not stored.
func (s *Store) backfill(key Key, resp *CachedResponse) {
	if resp == nil {
		return
	}
	now := s.now()
	insertedAt := now
	if !resp.CachedAt.IsZero() && resp.CachedAt.Before(now) {
		insertedAt = resp.CachedAt
	}
	if s.ttl > 0 && now.Sub(insertedAt) >= s.ttl {
		return
	}
	s.put(key, resp, insertedAt)
}

func (s *Store) put(key Key, resp *CachedResponse, insertedAt time.Time) {
	if resp == nil {
		return
	}
	w := resp.Weight()
	sh := s.shardFor(key)
	if w > sh.maxWeight {
		s.rejected.Add(1)
		slog.Debug("cache entry exceeds shard budget", "weight", w, "shard_max", sh.maxWeight)
		return
	}
	now := s.now()

	sh.mu.Lock()
	if elem, ok := sh.items[key]; ok {
		s.removeLocked(sh, elem)
	}
	for sh.weight+w > sh.maxWeight {
		back := sh.lru.Back()
		if back == nil {
			break
		}
		s.removeLocked(sh, back)
		s.evictions.Add(1)
	}
	elem := sh.lru.PushFront(&entry{key: key, value: resp, weight: w, insertedAt: insertedAt, lastAccess: now})
	sh.items[key] = elem
	sh.weight += w
	sh.mu.Unlock()

	s.weight.Add(w)
	s.entries.Add(1)
	s.puts.Add(1)
}

// removeLocked unlinks elem from sh. The caller holds sh.mu.
func (s *Store) removeLocked(sh *shard, elem *list.Element) {
	e := elem.Value.(*entry)
	sh.lru.Remove(elem)
	delete(sh.items, e.key)
	sh.weight -= e.weight
	s.weight.Add(-e.weight)
	s.entries.Add(-1)
}

// Invalidate removes key if present.
func (s *Store) Invalidate(key Key) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if elem, ok := sh.items[key]; ok {
		s.removeLocked(sh, elem)
	}
	sh.mu.Unlock()
}

// Clear removes every entry. Counters other than size are preserved.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, elem := range sh.items {
			s.removeLocked(sh, elem)
		}
		sh.mu.Unlock()
	}
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (s *Store) PurgeExpired() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for elem := sh.lru.Back(); elem != nil; {
			prev := elem.Prev()
			if s.expired(elem.Value.(*entry), now) {
				s.removeLocked(sh, elem)
				removed++
			}
			elem = prev
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.expirations.Add(int64(removed))
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	return Stats{
		Entries:      s.entries.Load(),
		WeightedSize: s.weight.Load(),
		MaxWeight:    s.maxWeight,
		Hits:         hits,
		Misses:       misses,
		Puts:         s.puts.Load(),
		Evictions:    s.evictions.Load(),
		Expirations:  s.expirations.Load(),
		Rejected:     s.rejected.Load(),
		HitRate:      hitRate(hits, misses),
	}
}

// Run purges expired entries periodically until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.janitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.PurgeExpired(); n > 0 {
				slog.Debug("purged expired cache entries", "count", n)
			}
		}
	}
}

func (s *Store) janitorInterval() time.Duration {
	interval := time.Minute
	for _, d := range []time.Duration{s.ttl, s.tti} {
		if d > 0 && d/2 < interval {
			interval = d / 2
		}
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
