// Package eventbus is the in-process pub/sub channel for live ingestion
// events. Transports (websocket push, polling) subscribe to it; nothing in
// the pipeline knows about them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingSize is the number of recent events kept for late readers.
const DefaultRingSize = 500

// DefaultBuffer is the per-subscriber channel size when none is given.
const DefaultBuffer = 64

// Event types published by the ingestion core.
const (
	TypeLog      = "log"
	TypeStats    = "stats"
	TypeProgress = "progress"
)

// Event is one published item. Seq is assigned by the bus and strictly
// increases in publish order.
type Event struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Subscription is one live listener. Events arrive on C in publish order;
// events published while C is full are dropped for this listener only.
type Subscription struct {
	C <-chan Event

	id      uint64
	ch      chan Event
	dropped atomic.Int64
}

// Dropped returns how many events this listener missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans events out to subscribers and keeps a ring of recent events.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    int64

	ring  []Event
	head  int
	count int

	onDrop func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithRingSize sets the recent-events capacity.
func WithRingSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ring = make([]Event, n)
		}
	}
}

// WithDropHook registers a callback invoked for every dropped delivery.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[uint64]*Subscription),
		ring: make([]Event, DefaultRingSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener with the given channel buffer. Only
// events published after this call are delivered.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{C: ch, id: b.nextID, ch: ch}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the listener and closes its channel. Calling it more
// than once is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish stamps the event, records it in the ring and offers it to every
// subscriber without blocking.
func (b *Bus) Publish(typ string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{Seq: b.seq, Type: typ, Time: time.Now(), Payload: payload}

	b.ring[b.head] = ev
	b.head = (b.head + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	return ev
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]Event, n)
	start := (b.head - n + len(b.ring)) % len(b.ring)
	for i := 0; i < n; i++ {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}

// Subscribers returns the number of live listeners.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
