// Package retry tracks delivery failures across the router.
//
// Two concerns live here:
//
//   - Policy: how many failed deliveries a message may accumulate and how
//     long the drainer backs off between attempts. The queue layer enforces
//     it during drain passes.
//   - Coordinator: the failure ledger. While a message is being retried the
//     Coordinator accumulates its attempt history; a successful delivery
//     clears it, and exhausting the policy archives it — message, per-attempt
//     errors and all — in a bounded in-memory ring. Operators inspect or
//     drain the ring instead of losing permanent failures silently.
package retry

import (
	"sync"
	"time"

	"github.com/internexio/switchboard/internal/types"
)

// MaxTracked bounds the live attempt-history table. Entries normally leave
// the table on delivery or archival; the bound catches messages that exit the
// system without either (a dropped queue, a destroyed session).
const MaxTracked = 4096

// ─── Policy ──────────────────────────────────────────────────────────────────

// Policy says how persistent the router is about a failing message.
type Policy struct {
	// Attempts is the number of failed deliveries a message may accumulate
	// before it is declared permanently failed. A message is therefore tried
	// Attempts+1 times in total.
	Attempts int

	// Delay is how long a drainer backs off after a failed delivery.
	Delay time.Duration
}

// DefaultPolicy returns the production defaults: 3 retries, 1s backoff.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: time.Second}
}

// ShouldRetry reports whether a message that has already failed attempt times
// is allowed another delivery.
func (p Policy) ShouldRetry(attempt int) bool { return attempt < p.Attempts }

// ─── Records ─────────────────────────────────────────────────────────────────

// Attempt is one failed delivery of one message.
type Attempt struct {
	At        int64  `json:"at"` // UTC milliseconds
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// FailedDelivery is the archived record of a message that exhausted its
// delivery attempts, carrying the full attempt history for diagnostics.
type FailedDelivery struct {
	SessionID string         `json:"session_id"`
	Message   *types.Message `json:"message"`
	Attempts  []Attempt      `json:"attempts"`
	LastError string         `json:"last_error"`
	FailedAt  int64          `json:"failed_at"` // UTC milliseconds
}

// ─── Coordinator ─────────────────────────────────────────────────────────────

// Coordinator is the in-memory failure ledger. All methods are safe for
// concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	history map[string][]Attempt // message id → failed attempts so far

	failed []FailedDelivery // ring of permanent failures, oldest at head
	head   int
	n      int
}

// NewCoordinator creates a Coordinator whose permanent-failure ring holds up
// to failedCap records. failedCap <= 0 falls back to 256.
func NewCoordinator(failedCap int) *Coordinator {
	if failedCap <= 0 {
		failedCap = 256
	}
	return &Coordinator{
		history: make(map[string][]Attempt),
		failed:  make([]FailedDelivery, failedCap),
	}
}

// RecordFailure appends one failed attempt to the message's history.
func (c *Coordinator) RecordFailure(sessionID string, msg *types.Message, cause error) {
	at := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, tracked := c.history[msg.ID]; !tracked && len(c.history) >= MaxTracked {
		// Table full of other messages — shed an arbitrary one. The history
		// is diagnostics; staying bounded matters more than which entry
		// survives.
		for id := range c.history {
			delete(c.history, id)
			break
		}
	}
	c.history[msg.ID] = append(c.history[msg.ID], Attempt{
		At:        at,
		SessionID: sessionID,
		Error:     cause.Error(),
	})
}

// Clear forgets the message's attempt history. Called on successful delivery.
func (c *Coordinator) Clear(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, msgID)
}

// History returns a copy of the message's failed attempts so far.
func (c *Coordinator) History(msgID string) []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempts := c.history[msgID]
	if len(attempts) == 0 {
		return nil
	}
	out := make([]Attempt, len(attempts))
	copy(out, attempts)
	return out
}

// TrackedCount returns the number of messages with live attempt history.
func (c *Coordinator) TrackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Archive declares the message permanently failed: its attempt history moves
// out of the live table and into the ring, and the assembled record is
// returned so callers can attach it to events.
func (c *Coordinator) Archive(sessionID string, msg *types.Message, cause error) FailedDelivery {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := c.history[msg.ID]
	delete(c.history, msg.ID)

	fd := FailedDelivery{
		SessionID: sessionID,
		Message:   msg,
		Attempts:  attempts,
		LastError: cause.Error(),
		FailedAt:  now,
	}

	if c.n < len(c.failed) {
		c.failed[(c.head+c.n)%len(c.failed)] = fd
		c.n++
	} else {
		// Ring full — overwrite the oldest record.
		c.failed[c.head] = fd
		c.head = (c.head + 1) % len(c.failed)
	}
	return fd
}

// Failed returns the archived permanent failures, oldest first.
func (c *Coordinator) Failed() []FailedDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// TakeFailed returns the archived permanent failures, oldest first, and
// empties the ring.
func (c *Coordinator) TakeFailed() []FailedDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snapshotLocked()
	c.head, c.n = 0, 0
	return out
}

// FailedCount returns the number of archived permanent failures.
func (c *Coordinator) FailedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *Coordinator) snapshotLocked() []FailedDelivery {
	out := make([]FailedDelivery, 0, c.n)
	for i := 0; i < c.n; i++ {
		out = append(out, c.failed[(c.head+i)%len(c.failed)])
	}
	return out
}
