package usage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/storage"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "calls.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := NewSQLiteStore(st.SQLiteDB())
	require.NoError(t, err)
	return store
}

func sqliteEvent(i int, ts time.Time, model string) *core.APICallEvent {
	return &core.APICallEvent{
		ID:             fmt.Sprintf("evt-%03d", i),
		RequestID:      fmt.Sprintf("req-%03d", i),
		Timestamp:      ts,
		ModelRequested: model,
		ModelUsed:      model,
		Provider:       "anthropic",
		Tier:           core.TierOf(model),
		InputTokens:    100,
		OutputTokens:   50,
		ActualCost:     1000,
		WouldBeCost:    1500,
		PricingKnown:   true,
		LatencyMs:      250,
		Attempts:       1,
	}
}

func TestSQLiteStoreWriteAndQuery(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	// More rows than fit in one multi-row INSERT.
	events := make([]*core.APICallEvent, 120)
	for i := range events {
		model := "claude-opus-4"
		if i%2 == 1 {
			model = "claude-haiku-4"
		}
		events[i] = sqliteEvent(i, base.Add(time.Duration(i)*time.Second), model)
	}
	require.NoError(t, store.WriteBatch(ctx, events))
	// Re-writing the same IDs is a no-op.
	require.NoError(t, store.WriteBatch(ctx, events[:10]))

	all, err := store.Range(ctx, Query{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, all, 120)

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "evt-119", recent[0].ID)
	assert.Equal(t, "evt-117", recent[2].ID)

	window, err := store.Range(ctx, Query{
		Start: base.Add(10 * time.Second),
		End:   base.Add(20 * time.Second),
		Model: "claude-haiku-4",
	})
	require.NoError(t, err)
	require.Len(t, window, 5)
	assert.Equal(t, "evt-011", window[0].ID)
	assert.Equal(t, "evt-019", window[4].ID)

	got := window[0]
	assert.True(t, got.Timestamp.Equal(base.Add(11*time.Second)))
	assert.Equal(t, core.TierHaiku, got.Tier)
	assert.Equal(t, core.Nanos(1000), got.ActualCost)
	assert.Equal(t, core.Nanos(1500), got.WouldBeCost)
	assert.True(t, got.PricingKnown)
	assert.False(t, got.CacheHit)
	assert.Equal(t, int64(250), got.LatencyMs)
}

func TestSQLiteStoreArchive(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	day := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

	old1 := sqliteEvent(1, day.Add(9*time.Hour+10*time.Minute), "claude-sonnet-4")
	old2 := sqliteEvent(2, day.Add(9*time.Hour+40*time.Minute), "claude-sonnet-4")
	old2.CacheHit = true
	old3 := sqliteEvent(3, day.Add(10*time.Hour+5*time.Minute), "claude-sonnet-4")
	failed := sqliteEvent(4, day.Add(10*time.Hour+30*time.Minute), "gpt-4o")
	failed.ModelUsed = ""
	failed.Provider = ""
	failed.ErrorCode = "no_route"
	fresh := sqliteEvent(5, day.Add(11*time.Hour+59*time.Minute), "claude-sonnet-4")

	require.NoError(t, store.WriteBatch(ctx, []*core.APICallEvent{old1, old2, old3, failed, fresh}))

	res, err := store.Archive(ctx, day.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Archived)
	assert.Equal(t, int64(3), res.Aggregates)

	remaining, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "evt-005", remaining[0].ID)

	hourly, err := store.Hourly(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, hourly, 3)

	nine := hourly[0]
	assert.True(t, nine.Hour.Equal(day.Add(9*time.Hour)))
	assert.Equal(t, "claude-sonnet-4", nine.Model)
	assert.Equal(t, int64(2), nine.Calls)
	assert.Equal(t, int64(1), nine.CacheHits)
	assert.Equal(t, int64(200), nine.InputTokens)
	assert.Equal(t, core.Nanos(2000), nine.ActualCost)
	assert.Equal(t, int64(500), nine.TotalLatencyMs)

	assert.True(t, hourly[1].Hour.Equal(day.Add(10*time.Hour)))
	assert.Equal(t, "claude-sonnet-4", hourly[1].Model)
	assert.Equal(t, "gpt-4o", hourly[2].Model)
	assert.Equal(t, int64(1), hourly[2].Errors)

	// A late row for an archived hour is added to the existing aggregate.
	late := sqliteEvent(6, day.Add(9*time.Hour+20*time.Minute), "claude-sonnet-4")
	require.NoError(t, store.WriteBatch(ctx, []*core.APICallEvent{late}))
	_, err = store.Archive(ctx, day.Add(11*time.Hour))
	require.NoError(t, err)

	hourly, err = store.Hourly(ctx, day.Add(9*time.Hour), day.Add(10*time.Hour))
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.Equal(t, int64(3), hourly[0].Calls)
}

func TestSQLiteStoreWithPersister(t *testing.T) {
	store := newSQLiteStore(t)
	p := NewPersister(store, Config{BufferSize: 100, BatchSize: 7, FlushInterval: time.Hour})

	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		require.True(t, p.Enqueue(sqliteEvent(i, base.Add(time.Duration(i)*time.Millisecond), "claude-haiku-4")))
	}
	require.NoError(t, p.Close())

	events, err := store.Range(context.Background(), Query{Model: "claude-haiku-4"})
	require.NoError(t, err)
	assert.Len(t, events, 30)
	assert.Equal(t, int64(30), p.Health().Flushed)
}
