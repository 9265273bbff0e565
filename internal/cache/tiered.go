package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// remoteTimeout bounds every remote tier call so a slow Redis never stalls a request.
const remoteTimeout = 250 * time.Millisecond

// Tiered consults the in-process Store first and the optional Remote second,
// back-filling the Store on a remote hit. Remote failures are logged and counted,
// never returned.
type Tiered struct {
	local  *Store
	remote Remote

	remoteHits   atomic.Int64
	remoteErrors atomic.Int64
}

// NewTiered layers remote (may be nil) behind local.
func NewTiered(local *Store, remote Remote) *Tiered {
	return &Tiered{local: local, remote: remote}
}

// Local returns the in-process store.
func (t *Tiered) Local() *Store {
	return t.local
}

// Get looks up key in the local store, then the remote tier.
func (t *Tiered) Get(ctx context.Context, key Key) (*CachedResponse, bool) {
	if resp, ok := t.local.Get(key); ok {
		return resp, true
	}
	if t.remote == nil {
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	resp, err := t.remote.Get(rctx, key)
	if err != nil {
		t.remoteErrors.Add(1)
		slog.Warn("remote cache get failed", "error", err)
		return nil, false
	}
	if resp == nil {
		return nil, false
	}
	t.remoteHits.Add(1)
	t.local.backfill(key, resp)
	return resp, true
}

// Put stores resp in both tiers.
func (t *Tiered) Put(ctx context.Context, key Key, resp *CachedResponse) {
	t.local.Put(key, resp)
	if t.remote == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteTimeout)
	defer cancel()
	if err := t.remote.Set(rctx, key, resp); err != nil {
		t.remoteErrors.Add(1)
		slog.Warn("remote cache set failed", "error", err)
	}
}

// Invalidate removes key from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, key Key) {
	t.local.Invalidate(key)
	if t.remote == nil {
		return
	}
	if err := t.remote.Delete(ctx, key); err != nil {
		t.remoteErrors.Add(1)
		slog.Warn("remote cache delete failed", "error", err)
	}
}

// Clear empties the local store. Remote entries age out through their TTL.
func (t *Tiered) Clear() {
	t.local.Clear()
}

// Stats merges local counters with remote tier counters. Hits and Misses stay
// local; HitRate counts remote hits as hits, since every remote lookup follows
// a local miss.
func (t *Tiered) Stats() Stats {
	s := t.local.Stats()
	s.LocalHitRate = s.HitRate
	s.RemoteHits = t.remoteHits.Load()
	s.RemoteErrors = t.remoteErrors.Load()
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.Hits+s.RemoteHits) / float64(lookups)
	}
	return s
}

// Close releases the remote tier.
func (t *Tiered) Close() error {
	if t.remote != nil {
		return t.remote.Close()
	}
	return nil
}
