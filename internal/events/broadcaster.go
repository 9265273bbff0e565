package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 1000

// Broadcaster delivers every published event to every current subscriber.
// Publish never blocks: a subscriber whose queue is full loses its oldest event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool

	published atomic.Int64
	now       func() time.Time
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
// A non-positive buffer uses DefaultBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		now:    time.Now,
	}
}

// Publish sends ev to all subscribers.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Record publishes a finished API call. It lets the broadcaster act as a pipeline sink.
func (b *Broadcaster) Record(call *core.APICallEvent) {
	b.Publish(APICall(call))
}

// Subscribe registers a new subscriber. After Close it returns an already
// closed subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan Event, b.buffer), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns how many events have been published.
func (b *Broadcaster) Published() int64 {
	return b.published.Load()
}

// Close detaches and closes every subscription. Publishing afterwards is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	id uint64
	b  *Broadcaster

	mu     sync.Mutex
	ch     chan Event
	closed bool

	dropped atomic.Int64
}

// C returns the receive channel. It is closed when the subscription or the
// broadcaster is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.id != 0 {
		s.b.remove(s.id)
	}
	s.close()
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Full: discard the oldest queued event and try again.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
