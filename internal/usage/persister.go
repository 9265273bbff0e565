package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

const (
	flushTimeout   = 30 * time.Second
	archiveTimeout = 5 * time.Minute
)

// Persister buffers APICallEvents and writes them to a Store in batches.
// Enqueue never blocks; a single background worker owns the batch and the
// only writes to the store.
type Persister struct {
	store  Store
	config Config
	now    func() time.Time

	buffer chan *core.APICallEvent
	done   chan struct{}
	wg     sync.WaitGroup
	// Enqueue sends under the read lock; Close takes the write lock to wait
	// out in-flight sends before the buffer is closed.
	sendMu sync.RWMutex
	closed atomic.Bool

	dropped     atomic.Int64
	flushErrors atomic.Int64
	flushed     atomic.Int64
	lastFlush   atomic.Int64 // unix nanos of the last successful flush
	archived    atomic.Int64
}

// Health reports buffer occupancy and flush outcomes.
type Health struct {
	BufferLen   int       `json:"buffer_len"`
	BufferCap   int       `json:"buffer_cap"`
	LastFlush   time.Time `json:"last_flush,omitempty"`
	FlushErrors int64     `json:"flush_errors"`
	Dropped     int64     `json:"dropped"`
	Flushed     int64     `json:"flushed"`
	Archived    int64     `json:"archived"`
}

// PersisterOption customizes a Persister.
type PersisterOption func(*Persister)

// WithClock replaces time.Now for archival cutoffs and health timestamps.
func WithClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

// NewPersister starts the flush loop and, when retention is set, the archive loop.
func NewPersister(store Store, cfg Config, opts ...PersisterOption) *Persister {
	cfg = cfg.withDefaults()
	p := &Persister{
		store:  store,
		config: cfg,
		now:    time.Now,
		buffer: make(chan *core.APICallEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.flushLoop()

	if cfg.Retention > 0 {
		p.wg.Add(1)
		go p.archiveLoop()
	}
	return p
}

// Enqueue queues an event for writing. It returns false when the buffer is
// full or the persister is closed; the event is then dropped and counted.
func (p *Persister) Enqueue(ev *core.APICallEvent) bool {
	if ev == nil {
		return false
	}
	if p.closed.Load() {
		p.dropped.Add(1)
		return false
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	// Close may have started between the check and RLock.
	if p.closed.Load() {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.buffer <- ev:
		return true
	default:
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("persistence buffer full, dropping event",
				"request_id", ev.RequestID,
				"model", ev.ModelRequested,
				"dropped_total", n,
			)
		}
		return false
	}
}

// Record adapts Enqueue to core.EventSink.
func (p *Persister) Record(ev *core.APICallEvent) {
	p.Enqueue(ev)
}

// Health returns a point-in-time view of the persister.
func (p *Persister) Health() Health {
	h := Health{
		BufferLen:   len(p.buffer),
		BufferCap:   cap(p.buffer),
		FlushErrors: p.flushErrors.Load(),
		Dropped:     p.dropped.Load(),
		Flushed:     p.flushed.Load(),
		Archived:    p.archived.Load(),
	}
	if ns := p.lastFlush.Load(); ns != 0 {
		h.LastFlush = time.Unix(0, ns).UTC()
	}
	return h
}

// Dropped returns the number of events rejected by Enqueue.
func (p *Persister) Dropped() int64 {
	return p.dropped.Load()
}

// Buffered returns the number of events waiting in the buffer.
func (p *Persister) Buffered() int {
	return len(p.buffer)
}

// Store returns the backing store for read queries.
func (p *Persister) Store() Store {
	return p.store
}

// Close stops accepting events, drains the buffer, performs the final flush
// and stops the archive loop. Close is idempotent.
func (p *Persister) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.sendMu.Lock()
	close(p.done)
	p.sendMu.Unlock()
	p.wg.Wait()

	return p.store.Close()
}

func (p *Persister) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*core.APICallEvent, 0, p.config.BatchSize)

	for {
		select {
		case ev := <-p.buffer:
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				p.flushBatch(batch)
				batch = make([]*core.APICallEvent, 0, p.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.flushBatch(batch)
				batch = make([]*core.APICallEvent, 0, p.config.BatchSize)
			}

		case <-p.done:
			// closed is already set and no Enqueue is in flight.
			close(p.buffer)
			for ev := range p.buffer {
				batch = append(batch, ev)
				if len(batch) >= p.config.BatchSize {
					p.flushBatch(batch)
					batch = make([]*core.APICallEvent, 0, p.config.BatchSize)
				}
			}
			if len(batch) > 0 {
				p.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch writes batch, retrying once. A batch that fails twice is dropped.
func (p *Persister) flushBatch(batch []*core.APICallEvent) {
	if len(batch) == 0 {
		return
	}

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err = p.store.WriteBatch(ctx, batch)
		cancel()
		if err == nil {
			p.flushed.Add(int64(len(batch)))
			p.lastFlush.Store(p.now().UnixNano())
			return
		}
		p.flushErrors.Add(1)
		slog.Warn("failed to write event batch",
			"error", err,
			"count", len(batch),
			"attempt", attempt,
		)
	}

	p.dropped.Add(int64(len(batch)))
	slog.Error("dropping event batch after retry",
		"error", err,
		"count", len(batch),
	)
}

func (p *Persister) archiveLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.ArchiveNow(context.Background()); err != nil {
				slog.Error("archival failed", "error", err)
			}
		case <-p.done:
			return
		}
	}
}

// ArchiveNow rolls rows older than the retention window into hourly
// aggregates. It is a no-op when retention is disabled.
func (p *Persister) ArchiveNow(ctx context.Context) (ArchiveResult, error) {
	if p.config.Retention <= 0 {
		return ArchiveResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	cutoff := p.now().Add(-p.config.Retention)
	res, err := p.store.Archive(ctx, cutoff)
	if err != nil {
		return res, err
	}
	p.archived.Add(res.Archived)
	if res.Archived > 0 {
		slog.Info("archived call history",
			"rows", res.Archived,
			"aggregates", res.Aggregates,
			"before", cutoff.UTC().Format(time.RFC3339),
		)
	}
	return res, nil
}

// Noop discards events. It is used when persistence is disabled.
type Noop struct{}

// Record does nothing
func (Noop) Record(*core.APICallEvent) {}
