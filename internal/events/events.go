// Package events distributes router telemetry to in-process subscribers.
//
// The bus is deliberately lossy: Publish never blocks, and a subscriber whose
// buffer is full misses the event. Delivery of actual messages must never
// stall on an observer — the authoritative record of failures lives in the
// retry coordinator, not here.
package events

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Type names a router lifecycle event.
type Type string

const (
	// TypeMessageRouted fires once per routing call, after all targets settle.
	TypeMessageRouted Type = "message_routed"
	// TypeMessageQueued fires when a message is parked in a session queue.
	TypeMessageQueued Type = "message_queued"
	// TypeMessageEvicted fires when a full queue sheds its lowest-priority entry.
	TypeMessageEvicted Type = "message_evicted"
	// TypeQueueProcessed fires when a drain pass over a session queue ends.
	TypeQueueProcessed Type = "queue_processed"
	// TypeMessageFailed fires when a message exhausts its delivery attempts.
	TypeMessageFailed Type = "message_failed"
	// TypeSessionDestroyed fires after a destroyed session's queue is dropped.
	TypeSessionDestroyed Type = "session_destroyed"
)

// Event is one router lifecycle notification.
type Event struct {
	Type      Type              `json:"type"`
	At        time.Time         `json:"at"`
	MessageID string            `json:"message_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Bus fans events out to all current subscribers.
// All methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
		done: make(chan struct{}),
	}
}

// Publish delivers e to every subscriber whose buffer has room.
// Returns false when the bus has been closed.
func (b *Bus) Publish(e Event) bool {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	// Sending under the read lock keeps Close (which holds the write lock
	// while closing channels) from closing a channel mid-publish. Sends never
	// block, so holding the lock through the loop is bounded.
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return false
	default:
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}
	return true
}

// Subscribe registers a new subscriber and returns its receive channel plus a
// cancel function. The channel is closed when cancel is called, ctx is done,
// or the bus is closed. buffer <= 0 uses a default of 100.
func (b *Bus) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	// The watcher also exits on stop, so a direct cancel call does not leave
	// it parked until ctx or the bus winds down.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-b.done:
			cancel()
		case <-stop:
		}
	}()

	return ch, cancel
}

// Close shuts down the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for id, ch := range b.subs {
			close(ch)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	})
}
