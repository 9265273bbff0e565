package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func keyOf(s string) Key {
	return Fingerprint(&core.Request{Model: s})
}

func response(content string) *CachedResponse {
	return &CachedResponse{Content: content, Model: "tier-a", Usage: core.Usage{InputTokens: 10, OutputTokens: 5}}
}

func newTestStore(t *testing.T, cfg Config, clock *fakeClock) *Store {
	t.Helper()
	s, err := New(cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestStore_PutGet(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{MaxWeight: 1 << 20, TTL: time.Minute}, clock)

	k := keyOf("a")
	if _, ok := s.Get(k); ok {
		t.Fatal("expected miss on empty store")
	}
	s.Put(k, response("hello"))

	got, ok := s.Get(k)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got.Content != "hello" {
		t.Errorf("Content = %q, want hello", got.Content)
	}

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Puts != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 1 put", stats)
	}
	if stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1", stats.Entries)
	}
	if stats.WeightedSize != response("hello").Weight() {
		t.Errorf("WeightedSize = %d, want %d", stats.WeightedSize, response("hello").Weight())
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{MaxWeight: 1 << 20, TTL: 60 * time.Second}, clock)

	k := keyOf("a")
	s.Put(k, response("x"))

	clock.Advance(59 * time.Second)
	if _, ok := s.Get(k); !ok {
		t.Fatal("entry should live until TTL")
	}

	clock.Advance(time.Second)
	if _, ok := s.Get(k); ok {
		t.Fatal("entry should expire at TTL even when recently accessed")
	}
	if s.Stats().Entries != 0 {
		t.Errorf("expired entry should be removed, entries = %d", s.Stats().Entries)
	}
}

func TestStore_TTIExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{MaxWeight: 1 << 20, TTL: time.Hour, TTI: 10 * time.Second}, clock)

	k := keyOf("a")
	s.Put(k, response("x"))

	// Access keeps it alive.
	for i := 0; i < 5; i++ {
		clock.Advance(9 * time.Second)
		if _, ok := s.Get(k); !ok {
			t.Fatalf("access %d: entry should be kept alive by access", i)
		}
	}

	clock.Advance(10 * time.Second)
	if _, ok := s.Get(k); ok {
		t.Fatal("entry should expire after idle timeout although TTL has not elapsed")
	}
}

func TestStore_WeightEviction(t *testing.T) {
	clock := newFakeClock()
	// One shard so eviction order is observable.
	entryWeight := response(strings.Repeat("x", 100)).Weight()
	s := newTestStore(t, Config{MaxWeight: entryWeight * 3, Shards: 1}, clock)

	for i := 0; i < 3; i++ {
		s.Put(keyOf(fmt.Sprint(i)), response(strings.Repeat("x", 100)))
	}
	// Touch 0 so 1 becomes least recently used.
	if _, ok := s.Get(keyOf("0")); !ok {
		t.Fatal("expected hit for 0")
	}
	s.Put(keyOf("3"), response(strings.Repeat("x", 100)))

	if _, ok := s.Get(keyOf("1")); ok {
		t.Error("least recently used entry should be evicted")
	}
	for _, k := range []string{"0", "2", "3"} {
		if _, ok := s.Get(keyOf(k)); !ok {
			t.Errorf("entry %s should survive", k)
		}
	}
	stats := s.Stats()
	if stats.WeightedSize > stats.MaxWeight {
		t.Errorf("WeightedSize %d exceeds MaxWeight %d", stats.WeightedSize, stats.MaxWeight)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

func TestStore_RejectsOversizedEntry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{MaxWeight: 1024, Shards: 1}, clock)

	s.Put(keyOf("big"), response(strings.Repeat("x", 4096)))
	if _, ok := s.Get(keyOf("big")); ok {
		t.Error("oversized entry should not be stored")
	}
	if s.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", s.Stats().Rejected)
	}
}

func TestStore_ReplaceAdjustsWeight(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{MaxWeight: 1 << 20}, clock)

	k := keyOf("a")
	s.Put(k, response("short"))
	s.Put(k, response("a much longer response body"))

	stats := s.Stats()
	if stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1", stats.Entries)
	}
	if stats.WeightedSize != response("a much longer response body").Weight() {
		t.Errorf("WeightedSize = %d after replace", stats.WeightedSize)
	}
}

func TestStore_InvalidateAndClear(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{MaxWeight: 1 << 20}, clock)

	for i := 0; i < 10; i++ {
		s.Put(keyOf(fmt.Sprint(i)), response("v"))
	}
	s.Invalidate(keyOf("3"))
	if _, ok := s.Get(keyOf("3")); ok {
		t.Error("invalidated key should be gone")
	}
	if s.Stats().Entries != 9 {
		t.Errorf("Entries = %d, want 9", s.Stats().Entries)
	}

	s.Clear()
	stats := s.Stats()
	if stats.Entries != 0 || stats.WeightedSize != 0 {
		t.Errorf("after Clear entries=%d weight=%d, want 0/0", stats.Entries, stats.WeightedSize)
	}
}

func TestStore_PurgeExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{MaxWeight: 1 << 20, TTL: time.Minute}, clock)

	for i := 0; i < 5; i++ {
		s.Put(keyOf(fmt.Sprint(i)), response("v"))
	}
	clock.Advance(2 * time.Minute)
	s.Put(keyOf("fresh"), response("v"))

	if n := s.PurgeExpired(); n != 5 {
		t.Errorf("PurgeExpired() = %d, want 5", n)
	}
	if s.Stats().Entries != 1 {
		t.Errorf("Entries = %d, want 1", s.Stats().Entries)
	}
}

func TestStore_InvalidConfig(t *testing.T) {
	if _, err := New(Config{MaxWeight: 0}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New(MaxWeight=0) error = %v, want ErrInvalidConfig", err)
	}
	if _, err := New(Config{MaxWeight: 1 << 20, TTL: -time.Second}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New(TTL<0) error = %v, want ErrInvalidConfig", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, err := New(Config{MaxWeight: 1 << 20, TTL: time.Minute, TTI: time.Minute})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	const goroutines = 16
	const ops = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				k := keyOf(fmt.Sprintf("%d-%d", id, i%50))
				if i%3 == 0 {
					s.Put(k, response("v"))
				} else {
					s.Get(k)
				}
			}
		}(g)
	}
	wg.Wait()

	stats := s.Stats()
	gets := int64(goroutines * (ops - (ops+2)/3))
	if stats.Hits+stats.Misses != gets {
		t.Errorf("hits+misses = %d, want %d (one per Get)", stats.Hits+stats.Misses, gets)
	}
	if stats.WeightedSize != stats.Entries*response("v").Weight() {
		t.Errorf("weight %d inconsistent with %d entries", stats.WeightedSize, stats.Entries)
	}
}

func TestStore_RunStopsOnCancel(t *testing.T) {
	s, err := New(Config{MaxWeight: 1 << 20, TTL: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
