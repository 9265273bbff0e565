package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/storage"
)

// Result holds the initialized persister and its dependencies.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Persister *Persister
	Storage   storage.Storage
}

// Close drains the persister and then closes the storage connection.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Persister != nil {
		if err := r.Persister.Close(); err != nil {
			errs = append(errs, fmt.Errorf("persister close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New opens storage and starts a Persister from configuration.
// Returns (nil, nil) when persistence is disabled.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.Persistence.Enabled {
		return nil, nil
	}

	store, err := storage.New(ctx, storage.FromConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	eventStore, err := NewStore(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Result{
		Persister: NewPersister(eventStore, buildConfig(cfg.Persistence)),
		Storage:   store,
	}, nil
}

// NewStore creates the appropriate Store for the given storage backend.
func NewStore(ctx context.Context, store storage.Storage) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())

	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		pgxPool, ok := pool.(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("invalid PostgreSQL pool type: %T", pool)
		}
		return NewPostgreSQLStore(ctx, pgxPool)

	case storage.TypeMongoDB:
		db := store.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		mongoDB, ok := db.(*mongo.Database)
		if !ok {
			return nil, fmt.Errorf("invalid MongoDB database type: %T", db)
		}
		return NewMongoDBStore(ctx, mongoDB)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

func buildConfig(p config.PersistenceConfig) Config {
	return Config{
		BufferSize:      p.BufferSize,
		BatchSize:       p.BatchSize,
		FlushInterval:   p.FlushInterval,
		Retention:       p.Retention,
		ArchiveInterval: p.ArchiveInterval,
	}.withDefaults()
}
