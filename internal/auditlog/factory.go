package auditlog

import (
	"errors"
	"fmt"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/storage"
)

// Result holds the running Logger and the database it writes to.
type Result struct {
	Logger  *Logger
	Storage storage.Storage
}

// Close drains the logger and then closes the database. Safe to call more than once.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit storage close: %w", err))
		}
		r.Storage = nil
	}
	return errors.Join(errs...)
}

// New opens the audit database and starts a Logger.
// It returns (nil, nil) when auditing is disabled.
func New(cfg config.AuditConfig, opts ...Option) (*Result, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	db, err := storage.NewSQLite(storage.SQLiteConfig{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	store, err := NewSQLiteStore(db.SQLiteDB())
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Result{
		Logger: NewLogger(store, Config{
			LogRequestBodies:  cfg.LogRequestBodies,
			LogResponseBodies: cfg.LogResponseBodies,
			BufferSize:        cfg.BufferSize,
			FlushInterval:     cfg.FlushInterval,
			Retention:         cfg.Retention,
		}, opts...),
		Storage: db,
	}, nil
}
