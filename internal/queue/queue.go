package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/internexio/switchboard/internal/retry"
	"github.com/internexio/switchboard/internal/types"
)

// ─── Errors ──────────────────────────────────────────────────────────────────

var (
	// ErrQueueFull is returned when a queue remains at capacity even after
	// evicting its lowest-priority entry. Every admission path — Push and the
	// drainer's re-insertions alike — sheds one entry per arrival under the
	// queue lock, so this is a defensive signal of broken bookkeeping, not an
	// expected outcome.
	ErrQueueFull = errors.New("queue: full")

	// ErrQueueClosed is returned by Push after the queue has been dropped.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrNoLiveConns is returned by a DeliverFunc when the session has no live
	// connections. The drainer re-queues the message without charging a
	// delivery attempt and ends the drain pass.
	ErrNoLiveConns = errors.New("queue: no live connections")
)

// ─── Per-queue config ─────────────────────────────────────────────────────────

// Config holds tunable parameters for a single session queue.
// All zero-values are valid; use DefaultConfig() for production-safe defaults.
type Config struct {
	// MaxSize is the maximum number of queued messages. At capacity the
	// lowest-ranked message — incoming or queued — is shed to stay in bounds.
	MaxSize int

	// DrainPacing is the minimum spacing between messages handed to a
	// connection during a drain pass, so a freshly reconnected client is not
	// firehosed. 0 disables pacing.
	DrainPacing time.Duration

	// Retry says how many failed deliveries a message may accumulate before
	// it is surfaced as permanently failed, and how long the drainer backs
	// off between attempts.
	Retry retry.Policy
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:     1_000,
		DrainPacing: 100 * time.Millisecond,
		Retry:       retry.DefaultPolicy(),
	}
}

// ─── Callbacks ────────────────────────────────────────────────────────────────

// DeliverFunc attempts to hand msg to one of the session's live connections.
// It returns nil only when a connection accepted the message, and
// ErrNoLiveConns when the session has no connections to try.
type DeliverFunc func(ctx context.Context, sessionID string, msg *types.Message) error

// Hooks connects a SessionQueue to its surroundings.
// Deliver and HasConn are required; the observation hooks may be nil.
// Hooks are invoked without the queue lock held and must not call back into
// the owning queue's Push from the same goroutine.
type Hooks struct {
	// Deliver hands a message to a live connection during a drain pass.
	Deliver DeliverFunc

	// HasConn reports whether the session currently has a live connection.
	// Gates the drainer: a pass only starts (and keeps going) while true.
	HasConn func(sessionID string) bool

	// OnRequeued fires when a failed delivery attempt is put back for retry,
	// with the error that failed it. The message's Attempt count has already
	// been advanced.
	OnRequeued func(sessionID string, msg *types.Message, err error)

	// OnFailed receives messages that exhausted their delivery attempts.
	OnFailed func(sessionID string, msg *types.Message, err error)

	// OnEvicted receives messages shed from a full queue.
	OnEvicted func(sessionID string, msg *types.Message)

	// OnDropped receives a message discarded because its queue closed while
	// the message was popped for delivery. Messages still queued at close time
	// are returned by DropAll instead.
	OnDropped func(sessionID string, msg *types.Message)

	// OnDrained fires when a drain pass ends, with that pass's outcome counts.
	OnDrained func(sessionID string, delivered, requeued, failed int)
}

// ─── SessionQueue ─────────────────────────────────────────────────────────────

// SessionQueue is a bounded priority queue for one session plus the background
// drainer that empties it whenever the session has a live connection.
//
// Architecture:
//   - Push inserts under the queue mutex, shedding the lowest-ranked candidate
//     when at capacity, then signals the drainer.
//   - The drainer goroutine wakes on the notify channel, and while the session
//     has a connection pops messages in priority order and hands each to the
//     Deliver hook, paced by a token bucket. Failed deliveries are re-queued
//     at their original priority until the retry policy is exhausted.
//
// All public methods are safe for concurrent use.
type SessionQueue struct {
	SessionID string
	cfg       Config
	hooks     Hooks

	mu     sync.Mutex
	pq     *PriorityQueue
	closed bool

	// notify is a buffered channel of capacity 1. Push and Wake send a signal
	// whenever the drainer should (re-)evaluate the queue; if a signal is
	// already pending the send is dropped — the drainer will see the new state
	// on its next pass anyway.
	notify chan struct{}

	pacer *rate.Limiter // nil when pacing is disabled

	ctx    context.Context // parent for delivery attempts; cancelled on Close
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a SessionQueue for sessionID and starts its drainer.
// Call Close (or DropAll) when the session goes away.
func New(sessionID string, cfg Config, hooks Hooks) *SessionQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = retry.DefaultPolicy().Attempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &SessionQueue{
		SessionID: sessionID,
		cfg:       cfg,
		hooks:     hooks,
		pq:        NewPriorityQueue(),
		notify:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if cfg.DrainPacing > 0 {
		q.pacer = rate.NewLimiter(rate.Every(cfg.DrainPacing), 1)
	}

	q.wg.Add(1)
	go q.drainLoop()
	return q
}

// ─── Push ─────────────────────────────────────────────────────────────────────

// Push inserts msg at the given priority weight and wakes the drainer.
// At capacity the lowest-ranked candidate makes room: an incoming message
// that ranks at or below everything queued is itself shed (surfacing through
// OnEvicted), otherwise the lowest-priority queued entry is evicted. If the
// queue is somehow still full the push fails with ErrQueueFull.
func (q *SessionQueue) Push(msg *types.Message, weight int) error {
	var evicted *types.Message

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrQueueClosed, q.SessionID)
	}
	if q.pq.Len() >= q.cfg.MaxSize {
		// The incoming message competes with the queued entries for the slot.
		// At or below the current minimum it is the newest lowest-ranked
		// candidate and is shed itself; a queued entry never makes way for a
		// lower-ranked arrival.
		if min, ok := q.pq.MinWeight(); ok && weight <= min {
			q.mu.Unlock()
			if q.hooks.OnEvicted != nil {
				q.hooks.OnEvicted(q.SessionID, msg)
			}
			return nil
		}
		evicted = q.pq.EvictLowest()
	}
	if q.pq.Len() >= q.cfg.MaxSize {
		q.mu.Unlock()
		return fmt.Errorf("%w: session %s at capacity (%d messages)", ErrQueueFull, q.SessionID, q.cfg.MaxSize)
	}
	q.pq.Enqueue(msg, weight)
	q.mu.Unlock()

	if evicted != nil && q.hooks.OnEvicted != nil {
		q.hooks.OnEvicted(q.SessionID, evicted)
	}

	q.wake()
	return nil
}

// Wake signals the drainer to re-evaluate the queue. Called when the session
// gains a connection.
func (q *SessionQueue) Wake() { q.wake() }

func (q *SessionQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Len returns the number of queued messages.
func (q *SessionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// DropAll discards every queued message and stops the drainer.
// Returns the discarded messages in priority order so the caller can account
// for them. Safe to call more than once.
func (q *SessionQueue) DropAll() []*types.Message {
	q.mu.Lock()
	var dropped []*types.Message
	for {
		m := q.pq.Dequeue()
		if m == nil {
			break
		}
		dropped = append(dropped, m)
	}
	q.mu.Unlock()

	q.Close()
	return dropped
}

// Close stops the drainer and waits for it to exit. Queued messages are kept
// in memory until the queue itself is released; they are never delivered.
func (q *SessionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	close(q.done)
	q.wg.Wait()
}

// ─── Drainer ─────────────────────────────────────────────────────────────────

func (q *SessionQueue) drainLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
			q.drain()
		}
	}
}

// drain runs one pass: while the session has a live connection, pop messages
// in priority order and hand each to the Deliver hook. Ends when the queue is
// empty, the connection is gone, or the queue is closed.
func (q *SessionQueue) drain() {
	var delivered, requeued, failed int

	defer func() {
		if q.hooks.OnDrained != nil && delivered+requeued+failed > 0 {
			q.hooks.OnDrained(q.SessionID, delivered, requeued, failed)
		}
	}()

	for {
		select {
		case <-q.done:
			return
		default:
		}

		if q.hooks.HasConn != nil && !q.hooks.HasConn(q.SessionID) {
			return
		}

		// Pace the hand-off so a reconnecting client is not firehosed.
		if q.pacer != nil {
			if err := q.pacer.Wait(q.ctx); err != nil {
				return
			}
		}

		q.mu.Lock()
		e := q.pq.pop()
		q.mu.Unlock()
		if e == nil {
			return
		}

		err := q.hooks.Deliver(q.ctx, q.SessionID, e.msg)
		if err == nil {
			delivered++
			continue
		}

		if errors.Is(err, ErrNoLiveConns) {
			// Nobody to deliver to — not a delivery failure. The entry goes
			// back with its original insertion sequence, keeping its place
			// within its tier, and the pass ends until the next
			// connection-added signal.
			q.putBack(e)
			return
		}

		if q.cfg.Retry.ShouldRetry(e.msg.Attempt) {
			e.msg.Attempt++
			if q.requeue(e) {
				requeued++
				if q.hooks.OnRequeued != nil {
					q.hooks.OnRequeued(q.SessionID, e.msg, err)
				}
			}
		} else {
			failed++
			if q.hooks.OnFailed != nil {
				q.hooks.OnFailed(q.SessionID, e.msg, err)
			}
		}

		// Back off before the next attempt so a sick transport is not hammered.
		if !q.sleep(q.cfg.Retry.Delay) {
			return
		}
	}
}

// requeue puts a failed entry back at its original weight. The fresh insertion
// sequence places it behind same-priority siblings, so a message stuck on a
// bad connection cannot starve the rest of its tier. A Push that landed while
// the delivery was in flight may have taken the popped slot; the retry then
// competes under Push's admission rule instead of stretching the capacity
// bound. Reports whether the entry re-entered the queue; when the queue closed
// underneath the drainer the message surfaces through OnDropped instead.
func (q *SessionQueue) requeue(e *entry) bool {
	var evicted *types.Message

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drop(e.msg)
		return false
	}
	if q.pq.Len() >= q.cfg.MaxSize {
		// With a fresh sequence the retry is the newest candidate in its
		// tier, so at or below the current minimum it is shed itself.
		if min, ok := q.pq.MinWeight(); ok && e.weight <= min {
			q.mu.Unlock()
			if q.hooks.OnEvicted != nil {
				q.hooks.OnEvicted(q.SessionID, e.msg)
			}
			return false
		}
		evicted = q.pq.EvictLowest()
	}
	q.pq.Enqueue(e.msg, e.weight)
	q.mu.Unlock()

	if evicted != nil && q.hooks.OnEvicted != nil {
		q.hooks.OnEvicted(q.SessionID, evicted)
	}
	return true
}

// putBack restores an entry that was popped but never offered to a connection.
// Unlike requeue it keeps the original insertion sequence, so the message
// holds its place within its tier. If a concurrent Push filled the popped
// slot, the entry re-enters as the oldest candidate in its tier: it only
// loses the slot to a strictly higher-ranked queue.
func (q *SessionQueue) putBack(e *entry) {
	var evicted *types.Message

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drop(e.msg)
		return
	}
	if q.pq.Len() >= q.cfg.MaxSize {
		if min, ok := q.pq.MinWeight(); ok && e.weight < min {
			q.mu.Unlock()
			if q.hooks.OnEvicted != nil {
				q.hooks.OnEvicted(q.SessionID, e.msg)
			}
			return
		}
		evicted = q.pq.EvictLowest()
	}
	q.pq.restore(e)
	q.mu.Unlock()

	if evicted != nil && q.hooks.OnEvicted != nil {
		q.hooks.OnEvicted(q.SessionID, evicted)
	}
}

// drop hands a message lost to a mid-drain close to the OnDropped hook, so
// per-message accounting stays exact.
func (q *SessionQueue) drop(msg *types.Message) {
	if q.hooks.OnDropped != nil {
		q.hooks.OnDropped(q.SessionID, msg)
	}
}

// sleep pauses for d, returning false if the queue closed in the meantime.
func (q *SessionQueue) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.done:
		return false
	case <-t.C:
		return true
	}
}
