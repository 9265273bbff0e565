package metrics

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultQueryCacheTTL is how long a computed view is reused.
const DefaultQueryCacheTTL = time.Second

type cachedValue[T any] struct {
	value   T
	expires time.Time
}

// QueryCache memoizes expensive read views by key for a short TTL.
// Concurrent misses for the same key share one computation. Errors are
// returned to every waiter but never cached.
type QueryCache[T any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cachedValue[T]
}

// NewQueryCache creates a cache. A non-positive ttl uses DefaultQueryCacheTTL.
func NewQueryCache[T any](ttl time.Duration) *QueryCache[T] {
	if ttl <= 0 {
		ttl = DefaultQueryCacheTTL
	}
	return &QueryCache[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedValue[T]),
	}
}

// Get returns the cached value for key or computes it with fn.
func (c *QueryCache[T]) Get(key string, fn func() (T, error)) (T, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := fn()
		if err != nil {
			return value, err
		}
		c.mu.Lock()
		c.entries[key] = cachedValue[T]{value: value, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return value, nil
	})
	value, _ := v.(T)
	return value, err
}

// Invalidate drops every cached view.
func (c *QueryCache[T]) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cachedValue[T])
	c.mu.Unlock()
}
