package auditlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

const (
	flushBatchSize = 100
	writeTimeout   = 30 * time.Second
)

// Logger buffers audit entries and writes them to a Store in batches.
// Audit never blocks the request path: when the buffer is full the entry is
// dropped and counted.
type Logger struct {
	store  Store
	config Config
	now    func() time.Time

	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup
	sendMu sync.RWMutex
	closed atomic.Bool

	written atomic.Int64
	dropped atomic.Int64
	deleted atomic.Int64
}

// Option customizes a Logger.
type Option func(*Logger)

// WithClock replaces time.Now for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger starts the flush loop and, when retention is set, the cleanup loop.
func NewLogger(store Store, cfg Config, opts ...Option) *Logger {
	cfg = cfg.withDefaults()
	l := &Logger{
		store:  store,
		config: cfg,
		now:    time.Now,
		buffer: make(chan *Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.flushLoop()

	if cfg.Retention > 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			runCleanupLoop(l.done, cfg.CleanupInterval, l.cleanup)
		}()
	}
	return l
}

// Audit records a finished request. resp is nil when err is set.
func (l *Logger) Audit(ev *core.APICallEvent, req *core.Request, resp *core.Response, err error) {
	if ev == nil {
		return
	}
	entry := &Entry{
		ID:               ev.ID,
		RequestID:        ev.RequestID,
		Timestamp:        ev.Timestamp,
		Provider:         ev.Provider,
		Model:            ev.ModelUsed,
		AgentType:        ev.AgentType,
		ProjectID:        ev.ProjectID,
		InputTokens:      ev.InputTokens,
		OutputTokens:     ev.OutputTokens,
		CacheWriteTokens: ev.CacheWriteTokens,
		CacheReadTokens:  ev.CacheReadTokens,
		Cost:             ev.ActualCost,
		CostUSD:          ev.ActualCost.USD(),
		LatencyMs:        ev.LatencyMs,
		Status:           StatusSuccess,
	}
	if entry.Model == "" {
		entry.Model = ev.ModelRequested
	}
	switch {
	case err != nil:
		entry.Status = StatusError
		entry.ErrorMessage = err.Error()
	case ev.CacheHit:
		entry.Status = StatusCacheHit
	}
	if l.config.LogRequestBodies && req != nil {
		entry.RequestBody = marshalBody(req, ev.RequestID)
	}
	if l.config.LogResponseBodies && resp != nil {
		entry.ResponseBody = marshalBody(resp, ev.RequestID)
	}
	l.Write(entry)
}

func marshalBody(v any, requestID string) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal audit body", "error", err, "request_id", requestID)
		return nil
	}
	return data
}

// Write queues entry. It returns false when the entry was dropped.
func (l *Logger) Write(entry *Entry) bool {
	if entry == nil {
		return false
	}
	if l.closed.Load() {
		l.dropped.Add(1)
		return false
	}

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed.Load() {
		l.dropped.Add(1)
		return false
	}

	select {
	case l.buffer <- entry:
		return true
	default:
		if n := l.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("audit log buffer full, dropping entry",
				"request_id", entry.RequestID,
				"model", entry.Model,
				"dropped_total", n,
			)
		}
		return false
	}
}

// Search delegates to the store.
func (l *Logger) Search(ctx context.Context, q Query) ([]Entry, error) {
	return l.store.Search(ctx, q)
}

// Get delegates to the store.
func (l *Logger) Get(ctx context.Context, id string) (*Entry, error) {
	return l.store.Get(ctx, id)
}

// Dropped returns the number of entries lost to a full buffer, a closed
// logger or a failed write.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Written returns the number of entries stored.
func (l *Logger) Written() int64 {
	return l.written.Load()
}

// Deleted returns the number of entries removed by retention cleanup.
func (l *Logger) Deleted() int64 {
	return l.deleted.Load()
}

// Close stops accepting entries, writes what is buffered and stops the
// cleanup loop. Close is idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.sendMu.Lock()
	close(l.done)
	l.sendMu.Unlock()
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, flushBatchSize)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= flushBatchSize {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, flushBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, flushBatchSize)
			}

		case <-l.done:
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			l.flushBatch(batch)
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.dropped.Add(int64(len(batch)))
		slog.Error("failed to write audit log batch",
			"error", err,
			"count", len(batch),
		)
		return
	}
	l.written.Add(int64(len(batch)))
}

func (l *Logger) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := l.store.DeleteBefore(ctx, l.now().Add(-l.config.Retention))
	if err != nil {
		slog.Error("failed to clean up old audit entries", "error", err)
		return
	}
	if n > 0 {
		l.deleted.Add(n)
		slog.Info("cleaned up old audit entries", "deleted", n)
	}
}
