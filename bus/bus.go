// Package bus is the per-resource Subscription Bus: a broadcast channel
// with bounded per-subscriber buffers and non-blocking send-or-evict
// delivery, so a slow RPC subscriber can never block the owning
// Resource State Machine. Grounded on db/listener.go's handler-fanout
// shape (mutex-guarded handler slice, dispatch to every handler) and
// coordinator/coordinator.go's non-blocking Send idiom
// (`select { case ch <- msg: default: }`), generalized from one
// handler-per-process to one bounded channel per subscriber.
package bus

import (
	"sync"

	"makerd/model"
)

// Event is what a Subscriber receives: either a committed transition or
// a verification annotation (spec §4.5: verified status is not a new
// transition, just an observable annotation).
type Event struct {
	State    model.MachineState
	Seq      uint64
	Verified bool
}

// Subscriber is a live RPC client's delivery sink.
type Subscriber struct {
	events  chan Event
	evicted chan struct{}
	once    sync.Once
}

// Events returns the channel to receive state events on.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Evicted is closed when the Bus drops this subscriber for falling
// behind, or when the Bus itself is closed (end-of-stream).
func (s *Subscriber) Evicted() <-chan struct{} { return s.evicted }

func (s *Subscriber) evict() {
	s.once.Do(func() { close(s.evicted) })
}

// Bus is the broadcast fanout for one resource.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	bufSize int
	closed  bool
}

// New creates a Bus with the given per-subscriber buffer size (spec §8
// scenario 6 default: 64).
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{subs: make(map[*Subscriber]struct{}), bufSize: bufSize}
}

// Subscribe attaches a new Subscriber. Returns nil if the Bus is
// already closed (end of stream already reached).
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	sub := &Subscriber{
		events:  make(chan Event, b.bufSize),
		evicted: make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub, e.g. on RPC close.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Publish delivers ev to every live subscriber. Delivery is
// non-blocking: a subscriber whose buffer is full is evicted rather
// than allowed to stall the caller (the owning Resource State
// Machine). Ordering for non-evicted subscribers is strict per-resource
// FIFO because Publish is only ever called from the single state
// machine goroutine that owns this Bus.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			sub.evict()
			delete(b.subs, sub)
		}
	}
}

// Close signals end-of-stream to every live subscriber and discards
// them, used on Resource State Machine shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.evict()
	}
	b.subs = make(map[*Subscriber]struct{})
}

// Len reports the current live subscriber count, used for tests and
// diagnostics.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
