package router

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/internexio/switchboard/internal/types"
)

// DefaultPendingRetention is how long a pending-delivery record survives
// before the janitor removes it.
const DefaultPendingRetention = 5 * time.Minute

// PendingDeliveryRecord tracks one routing request across its target
// sessions. The embedded message is a snapshot taken at routing time.
type PendingDeliveryRecord struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	Message   *types.Message `json:"message"`
	Spec      RouteSpec      `json:"spec"`
	Targets   []string       `json:"targets"`
	CreatedAt int64          `json:"created_at"` // UTC milliseconds
	Attempts  int            `json:"attempts"`   // per-target outcomes observed
	Status    types.Status   `json:"status"`
}

// ValidTransition reports whether a pending record may move from one status
// to another. Outcomes only climb: delivered outranks queued outranks failed,
// and nothing returns to pending.
//
//	PENDING   ──► DELIVERED | QUEUED | FAILED
//	FAILED    ──► DELIVERED | QUEUED
//	QUEUED    ──► DELIVERED
//	DELIVERED is terminal
func ValidTransition(from, to types.Status) bool {
	switch from {
	case types.StatusPending:
		return to == types.StatusDelivered || to == types.StatusQueued || to == types.StatusFailed
	case types.StatusFailed:
		return to == types.StatusDelivered || to == types.StatusQueued
	case types.StatusQueued:
		return to == types.StatusDelivered
	}
	return false
}

// ─── PendingTracker ──────────────────────────────────────────────────────────

// PendingTracker is the uuid-keyed table of in-flight routing requests, with
// a janitor goroutine that removes records past their retention — whatever
// their status — so permanently-undeliverable traffic cannot grow the table
// forever.
type PendingTracker struct {
	mu      sync.Mutex
	records map[string]*PendingDeliveryRecord

	retention time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPendingTracker starts a tracker whose records expire after retention.
// A non-positive retention gets the default.
func NewPendingTracker(retention time.Duration) *PendingTracker {
	if retention <= 0 {
		retention = DefaultPendingRetention
	}
	t := &PendingTracker{
		records:   make(map[string]*PendingDeliveryRecord),
		retention: retention,
		done:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.janitor()
	return t
}

// Begin registers a new routing request and returns its record id.
func (t *PendingTracker) Begin(msg *types.Message, spec RouteSpec, targets []string) string {
	rec := &PendingDeliveryRecord{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Message:   msg.Clone(),
		Spec:      spec,
		Targets:   targets,
		CreatedAt: time.Now().UnixMilli(),
		Status:    types.StatusPending,
	}
	t.mu.Lock()
	t.records[rec.ID] = rec
	t.mu.Unlock()
	return rec.ID
}

// Observe folds one per-target outcome into the record. Unknown ids are
// ignored — the janitor may have already reaped the record.
func (t *PendingTracker) Observe(id string, status types.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return
	}
	rec.Attempts++
	if rec.Status != status && ValidTransition(rec.Status, status) {
		rec.Status = status
	}
}

// Get returns a snapshot of the record with the given id.
func (t *PendingTracker) Get(id string) (PendingDeliveryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return PendingDeliveryRecord{}, false
	}
	return *rec, true
}

// Count returns the number of tracked records.
func (t *PendingTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Close stops the janitor. Records already tracked stay readable.
func (t *PendingTracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *PendingTracker) janitor() {
	defer t.wg.Done()

	interval := t.retention / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			t.sweep(time.Now().UnixMilli())
		}
	}
}

// sweep removes records older than the retention window, regardless of
// status. Age is the only criterion: a record still marked pending after a
// full retention period is state nobody is coming back for.
func (t *PendingTracker) sweep(nowMs int64) {
	cutoff := nowMs - t.retention.Milliseconds()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		if rec.CreatedAt <= cutoff {
			delete(t.records, id)
		}
	}
}
