package auditlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/core"
)

type memStore struct {
	mu       sync.Mutex
	entries  []*Entry
	writeErr error
	cutoffs  []time.Time
	closed   bool
}

func (m *memStore) WriteBatch(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memStore) Search(context.Context, Query) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	kept := m.entries[:0]
	var n int64
	for _, e := range m.entries {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func callEvent(id string) *core.APICallEvent {
	return &core.APICallEvent{
		ID:             id,
		RequestID:      "req-" + id,
		Timestamp:      time.Now().UTC(),
		ModelRequested: "claude-sonnet-4-5",
		ModelUsed:      "claude-sonnet-4-5-20250929",
		Provider:       "anthropic",
		InputTokens:    12,
		OutputTokens:   3,
		ActualCost:     2000,
		LatencyMs:      80,
		AgentType:      "reviewer",
	}
}

func completionRequest() *core.Request {
	return &core.Request{Model: "claude-sonnet-4-5", Messages: []core.Message{{Role: "user", Content: "hello"}}}
}

func TestLogger_AuditOutcomes(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, Config{LogRequestBodies: true, LogResponseBodies: true, FlushInterval: time.Hour})

	l.Audit(callEvent("ok"), completionRequest(), &core.Response{ID: "r1", Content: "hi there"}, nil)

	hit := callEvent("hit")
	hit.CacheHit = true
	l.Audit(hit, completionRequest(), &core.Response{Content: "hi there", CacheHit: true}, nil)

	failed := callEvent("failed")
	failed.ModelUsed = ""
	l.Audit(failed, completionRequest(), nil, errors.New("rate limited"))

	require.NoError(t, l.Close())
	assert.True(t, store.closed)
	assert.Equal(t, int64(3), l.Written())

	ok, _ := store.Get(context.Background(), "ok")
	require.NotNil(t, ok)
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.Equal(t, "claude-sonnet-4-5-20250929", ok.Model)
	assert.Contains(t, string(ok.RequestBody), `"content":"hello"`)
	assert.Contains(t, string(ok.ResponseBody), `"content":"hi there"`)
	assert.Equal(t, "reviewer", ok.AgentType)

	cached, _ := store.Get(context.Background(), "hit")
	require.NotNil(t, cached)
	assert.Equal(t, StatusCacheHit, cached.Status)

	errEntry, _ := store.Get(context.Background(), "failed")
	require.NotNil(t, errEntry)
	assert.Equal(t, StatusError, errEntry.Status)
	assert.Equal(t, "rate limited", errEntry.ErrorMessage)
	assert.Equal(t, "claude-sonnet-4-5", errEntry.Model, "falls back to the requested model")
	assert.Nil(t, errEntry.ResponseBody)
}

func TestLogger_BodiesCanBeDisabled(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, Config{FlushInterval: time.Hour})

	l.Audit(callEvent("quiet"), completionRequest(), &core.Response{Content: "secret"}, nil)
	require.NoError(t, l.Close())

	e, _ := store.Get(context.Background(), "quiet")
	require.NotNil(t, e)
	assert.Nil(t, e.RequestBody)
	assert.Nil(t, e.ResponseBody)
}

func TestLogger_FlushesOnInterval(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, Config{FlushInterval: 10 * time.Millisecond})
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.True(t, l.Write(&Entry{ID: string(rune('a' + i)), Status: StatusSuccess}))
	}
	require.Eventually(t, func() bool { return store.len() == 5 }, 2*time.Second, 5*time.Millisecond)
}

func TestLogger_DropsWhenFullOrClosed(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, Config{BufferSize: 2, FlushInterval: time.Hour})

	// The flush loop may already hold one entry, so fill well past capacity.
	accepted := 0
	for i := 0; i < 50; i++ {
		if l.Write(&Entry{ID: string(rune('A' + i))}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 50)
	assert.Equal(t, int64(50-accepted), l.Dropped())

	require.NoError(t, l.Close())
	assert.Equal(t, accepted, store.len(), "Close writes every accepted entry")

	assert.False(t, l.Write(&Entry{ID: "late"}))
	require.NoError(t, l.Close())
}

func TestLogger_FailedWriteCountsAsDropped(t *testing.T) {
	store := &memStore{writeErr: errors.New("disk full")}
	l := NewLogger(store, Config{FlushInterval: time.Hour})

	l.Write(&Entry{ID: "x"})
	l.Write(&Entry{ID: "y"})
	require.NoError(t, l.Close())

	assert.Equal(t, int64(2), l.Dropped())
	assert.Zero(t, l.Written())
}

func TestLogger_RetentionCleanup(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	store := &memStore{entries: []*Entry{
		{ID: "old", Timestamp: now.Add(-48 * time.Hour)},
		{ID: "new", Timestamp: now.Add(-time.Hour)},
	}}
	l := NewLogger(store, Config{FlushInterval: time.Hour, Retention: 24 * time.Hour},
		WithClock(func() time.Time { return now }))

	require.Eventually(t, func() bool { return l.Deleted() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Close())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.cutoffs)
	assert.Equal(t, now.Add(-24*time.Hour), store.cutoffs[0])
	require.Len(t, store.entries, 1)
	assert.Equal(t, "new", store.entries[0].ID)
}

func TestLogger_NoCleanupWithoutRetention(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, Config{FlushInterval: time.Hour})
	require.NoError(t, l.Close())
	assert.Empty(t, store.cutoffs)
}

func TestNew_FromConfig(t *testing.T) {
	res, err := New(config.AuditConfig{})
	require.NoError(t, err)
	assert.Nil(t, res, "disabled audit returns nothing")

	res, err = New(config.AuditConfig{
		Enabled:          true,
		Path:             filepath.Join(t.TempDir(), "nested", "audit.db"),
		LogRequestBodies: true,
		FlushInterval:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	res.Logger.Audit(callEvent("persisted"), completionRequest(), &core.Response{Content: "ok"}, nil)
	require.Eventually(t, func() bool {
		e, err := res.Logger.Get(context.Background(), "persisted")
		return err == nil && e != nil
	}, 2*time.Second, 10*time.Millisecond)

	e, err := res.Logger.Get(context.Background(), "persisted")
	require.NoError(t, err)
	assert.NotNil(t, e.RequestBody)
	assert.Nil(t, e.ResponseBody)

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
}
