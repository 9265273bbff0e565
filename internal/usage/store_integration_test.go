//go:build integration

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/storage"
)

// Run with: go test -tags=integration ./internal/usage/...

func TestPostgreSQLStoreIntegration(t *testing.T) {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gateway_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := storage.New(ctx, storage.Config{
		Type:       storage.TypePostgreSQL,
		PostgreSQL: storage.PostgreSQLConfig{URL: url, MaxConns: 4},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := NewStore(ctx, st)
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestMongoDBStoreIntegration(t *testing.T) {
	ctx := context.Background()

	ctr, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	url, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	st, err := storage.New(ctx, storage.Config{
		Type:    storage.TypeMongoDB,
		MongoDB: storage.MongoDBConfig{URL: url, Database: "gateway_test"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := NewStore(ctx, st)
	require.NoError(t, err)
	exerciseStore(t, store)
}

// exerciseStore runs the same write/query/archive scenario against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	day := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

	p := NewPersister(store, Config{BufferSize: 100, BatchSize: 4, FlushInterval: time.Hour})
	for i := 0; i < 10; i++ {
		ev := sqliteEvent(i, day.Add(9*time.Hour+time.Duration(i)*time.Minute), "claude-sonnet-4")
		require.True(t, p.Enqueue(ev))
	}
	fresh := sqliteEvent(99, day.Add(12*time.Hour), "claude-haiku-4")
	require.True(t, p.Enqueue(fresh))
	require.NoError(t, p.Close())
	assert.Equal(t, int64(11), p.Health().Flushed)

	// Duplicate IDs are skipped.
	require.NoError(t, store.WriteBatch(ctx, []*core.APICallEvent{fresh}))

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "evt-099", recent[0].ID)
	assert.Equal(t, core.TierHaiku, recent[0].Tier)
	assert.True(t, recent[0].Timestamp.Equal(fresh.Timestamp))

	window, err := store.Range(ctx, Query{
		Start: day.Add(9*time.Hour + 2*time.Minute),
		End:   day.Add(9*time.Hour + 5*time.Minute),
		Model: "claude-sonnet-4",
	})
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, "evt-002", window[0].ID)

	res, err := store.Archive(ctx, day.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Archived)

	hourly, err := store.Hourly(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.True(t, hourly[0].Hour.Equal(day.Add(9*time.Hour)))
	assert.Equal(t, int64(10), hourly[0].Calls)
	assert.Equal(t, core.Nanos(10000), hourly[0].ActualCost)

	left, err := store.Range(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "evt-099", left[0].ID)
}
