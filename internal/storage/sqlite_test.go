package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/visiquate/cco-sub021/config"
)

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_calls (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_calls table: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_hourly (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_hourly table: %v", err)
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine*2)

	// Persister flushes and archival sweeps share the one connection.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_calls"
			if id%2 == 1 {
				table = "test_hourly"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	// Verify all rows were inserted.
	var callCount, hourlyCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_calls").Scan(&callCount); err != nil {
		t.Fatalf("failed to count call rows: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM test_hourly").Scan(&hourlyCount); err != nil {
		t.Fatalf("failed to count hourly rows: %v", err)
	}

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	if callCount != expectedPerTable {
		t.Errorf("test_calls: got %d rows, want %d", callCount, expectedPerTable)
	}
	if hourlyCount != expectedPerTable {
		t.Errorf("test_hourly: got %d rows, want %d", hourlyCount, expectedPerTable)
	}
}

func TestSQLiteWALMode(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "wal.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	var mode string
	if err := store.SQLiteDB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if store.Type() != TypeSQLite {
		t.Errorf("Type = %q", store.Type())
	}
}

func TestFromConfigFillsDefaults(t *testing.T) {
	cfg := FromConfig(config.StorageConfig{})
	if cfg.Type != TypeSQLite || cfg.SQLite.Path != "data/gateway.db" {
		t.Errorf("unexpected sqlite defaults: %+v", cfg)
	}
	if cfg.PostgreSQL.MaxConns != 10 || cfg.MongoDB.Database != "gateway" {
		t.Errorf("unexpected pool defaults: %+v", cfg)
	}

	cfg = FromConfig(config.StorageConfig{
		Type:    TypeMongoDB,
		MongoDB: config.MongoDBConfig{URL: "mongodb://db:27017", Database: "calls"},
	})
	if cfg.Type != TypeMongoDB || cfg.MongoDB.URL != "mongodb://db:27017" || cfg.MongoDB.Database != "calls" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(context.Background(), Config{Type: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestNewRequiresURLs(t *testing.T) {
	if _, err := New(context.Background(), Config{Type: TypePostgreSQL}); err == nil {
		t.Error("expected error for missing PostgreSQL URL")
	}
	if _, err := New(context.Background(), Config{Type: TypeMongoDB}); err == nil {
		t.Error("expected error for missing MongoDB URL")
	}
}
