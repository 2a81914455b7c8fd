package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/internexio/switchboard/internal/queue"
	"github.com/internexio/switchboard/internal/retry"
	"github.com/internexio/switchboard/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// testLink stands in for the delivery side of a session: it simulates
// connection liveness and records every hook invocation in a
// concurrency-safe way.
type testLink struct {
	mu        sync.Mutex
	live      bool
	sendErr   error // non-nil makes every Deliver fail with this error
	attempts  int
	delivered []*types.Message
	evicted   []*types.Message
	requeues  int
	failures  []linkFailure
	drains    []drainCounts
}

type linkFailure struct {
	msg *types.Message
	err error
}

type drainCounts struct {
	delivered, requeued, failed int
}

func (l *testLink) hooks() queue.Hooks {
	return queue.Hooks{
		Deliver: func(ctx context.Context, sessionID string, msg *types.Message) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.attempts++
			if l.sendErr != nil {
				return l.sendErr
			}
			l.delivered = append(l.delivered, msg)
			return nil
		},
		HasConn: func(sessionID string) bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return l.live
		},
		OnRequeued: func(sessionID string, msg *types.Message, err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.requeues++
		},
		OnFailed: func(sessionID string, msg *types.Message, err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.failures = append(l.failures, linkFailure{msg: msg, err: err})
		},
		OnEvicted: func(sessionID string, msg *types.Message) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.evicted = append(l.evicted, msg)
		},
		OnDrained: func(sessionID string, delivered, requeued, failed int) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.drains = append(l.drains, drainCounts{delivered, requeued, failed})
		},
	}
}

func (l *testLink) setLive(v bool) {
	l.mu.Lock()
	l.live = v
	l.mu.Unlock()
}

func (l *testLink) setSendErr(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

func (l *testLink) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *testLink) deliveredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delivered)
}

func (l *testLink) deliveredIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.delivered))
	for i, m := range l.delivered {
		out[i] = m.ID
	}
	return out
}

func (l *testLink) evictedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.evicted))
	for i, m := range l.evicted {
		out[i] = m.ID
	}
	return out
}

func (l *testLink) requeueCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requeues
}

func (l *testLink) failureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures)
}

func (l *testLink) lastFailure() linkFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[len(l.failures)-1]
}

func (l *testLink) drainRecords() []drainCounts {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]drainCounts, len(l.drains))
	copy(out, l.drains)
	return out
}

// waitUntil polls cond every 10ms until it returns true or timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// testConfig returns a Config tuned for fast tests: no pacing, short backoff.
func testConfig() queue.Config {
	return queue.Config{
		MaxSize:     16,
		DrainPacing: 0,
		Retry:       retry.Policy{Attempts: 3, Delay: 5 * time.Millisecond},
	}
}

func openQueue(t *testing.T, cfg queue.Config, link *testLink) *queue.SessionQueue {
	t.Helper()
	q := queue.New("sess-a", cfg, link.hooks())
	t.Cleanup(q.Close)
	return q
}

// ─── queueing and drain ──────────────────────────────────────────────────────

func TestSessionQueue_HoldsBacklogUntilConnection(t *testing.T) {
	link := &testLink{}
	q := openQueue(t, testConfig(), link)

	if err := q.Push(pmsg("deploy-done", types.PriorityUrgent), wt(types.PriorityUrgent)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// No connection — nothing may be attempted.
	time.Sleep(50 * time.Millisecond)
	if n := link.attemptCount(); n != 0 {
		t.Fatalf("delivery attempted with no connection: %d attempts", n)
	}
	if q.Len() != 1 {
		t.Fatalf("Len while disconnected: want 1, got %d", q.Len())
	}

	// Connection appears — the backlog drains.
	link.setLive(true)
	q.Wake()

	if !waitUntil(t, 2*time.Second, func() bool { return link.deliveredCount() == 1 }) {
		t.Fatal("queued message not delivered after connection appeared")
	}
	if ids := link.deliveredIDs(); ids[0] != "deploy-done" {
		t.Errorf("delivered %s, want deploy-done", ids[0])
	}
	if q.Len() != 0 {
		t.Errorf("Len after drain: want 0, got %d", q.Len())
	}
}

func TestSessionQueue_DrainsInPriorityOrder(t *testing.T) {
	link := &testLink{}
	q := openQueue(t, testConfig(), link)

	pushes := []struct {
		id string
		p  types.Priority
	}{
		{"a", types.PriorityLow},
		{"b", types.PriorityUrgent},
		{"c", types.PriorityNormal},
		{"d", types.PriorityUrgent},
	}
	for _, pu := range pushes {
		if err := q.Push(pmsg(pu.id, pu.p), wt(pu.p)); err != nil {
			t.Fatalf("Push %s: %v", pu.id, err)
		}
	}

	link.setLive(true)
	q.Wake()

	if !waitUntil(t, 2*time.Second, func() bool { return link.deliveredCount() == 4 }) {
		t.Fatalf("expected 4 deliveries, got %d", link.deliveredCount())
	}

	want := []string{"b", "d", "c", "a"}
	got := link.deliveredIDs()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %s, want %s (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestSessionQueue_ReportsDrainCounts(t *testing.T) {
	link := &testLink{}
	q := openQueue(t, testConfig(), link)

	_ = q.Push(pmsg("m1", types.PriorityNormal), wt(types.PriorityNormal))
	_ = q.Push(pmsg("m2", types.PriorityNormal), wt(types.PriorityNormal))

	link.setLive(true)
	q.Wake()

	if !waitUntil(t, 2*time.Second, func() bool {
		var n int
		for _, d := range link.drainRecords() {
			n += d.delivered
		}
		return n == 2
	}) {
		t.Fatalf("drain counts never reported 2 deliveries: %+v", link.drainRecords())
	}
	for _, d := range link.drainRecords() {
		if d.requeued != 0 || d.failed != 0 {
			t.Errorf("unexpected requeued/failed counts: %+v", d)
		}
	}
}

// ─── capacity and eviction ───────────────────────────────────────────────────

func TestSessionQueue_EvictsLowestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	link := &testLink{} // stays disconnected so nothing drains
	q := openQueue(t, cfg, link)

	_ = q.Push(pmsg("bg", types.PriorityLow), wt(types.PriorityLow))
	_ = q.Push(pmsg("n", types.PriorityNormal), wt(types.PriorityNormal))

	// Queue full — a higher-priority arrival evicts the low entry.
	if err := q.Push(pmsg("h", types.PriorityHigh), wt(types.PriorityHigh)); err != nil {
		t.Fatalf("Push h: %v", err)
	}
	if got := link.evictedIDs(); len(got) != 1 || got[0] != "bg" {
		t.Fatalf("evicted %v, want [bg]", got)
	}

	// An arrival that ranks below everything queued is itself the lowest
	// candidate: it is shed and the queued entries keep their slots.
	if err := q.Push(pmsg("bg2", types.PriorityLow), wt(types.PriorityLow)); err != nil {
		t.Fatalf("Push bg2: %v", err)
	}
	if got := link.evictedIDs(); len(got) != 2 || got[1] != "bg2" {
		t.Fatalf("evicted %v, want [bg bg2]", got)
	}
	if q.Len() != 2 {
		t.Errorf("Len after evictions: want 2, got %d", q.Len())
	}
}

func TestSessionQueue_FullQueueNeverDropsHigherForLower(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	link := &testLink{}
	q := openQueue(t, cfg, link)

	_ = q.Push(pmsg("h", types.PriorityHigh), wt(types.PriorityHigh))
	_ = q.Push(pmsg("n", types.PriorityNormal), wt(types.PriorityNormal))

	// A low arrival at capacity must not displace the queued normal entry.
	if err := q.Push(pmsg("bg", types.PriorityLow), wt(types.PriorityLow)); err != nil {
		t.Fatalf("Push bg: %v", err)
	}
	if got := link.evictedIDs(); len(got) != 1 || got[0] != "bg" {
		t.Fatalf("evicted %v, want [bg]", got)
	}

	// Drain proves both queued entries survived.
	link.setLive(true)
	q.Wake()
	if !waitUntil(t, 2*time.Second, func() bool { return link.deliveredCount() == 2 }) {
		t.Fatalf("expected 2 deliveries, got %d", link.deliveredCount())
	}
	if got := link.deliveredIDs(); got[0] != "h" || got[1] != "n" {
		t.Errorf("delivered %v, want [h n]", got)
	}
}

func TestSessionQueue_CapacityOne(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 1
	link := &testLink{}
	q := openQueue(t, cfg, link)

	_ = q.Push(pmsg("old", types.PriorityLow), wt(types.PriorityLow))
	if err := q.Push(pmsg("new", types.PriorityUrgent), wt(types.PriorityUrgent)); err != nil {
		t.Fatalf("Push at capacity 1: %v", err)
	}
	if got := link.evictedIDs(); len(got) != 1 || got[0] != "old" {
		t.Fatalf("evicted %v, want [old]", got)
	}
	if q.Len() != 1 {
		t.Errorf("Len: want 1, got %d", q.Len())
	}

	// At equal rank the incoming message is the newest candidate and is shed;
	// the queued entry stays.
	if err := q.Push(pmsg("new2", types.PriorityUrgent), wt(types.PriorityUrgent)); err != nil {
		t.Fatalf("Push new2: %v", err)
	}
	if got := link.evictedIDs(); len(got) != 2 || got[1] != "new2" {
		t.Fatalf("evicted %v, want [old new2]", got)
	}
	if q.Len() != 1 {
		t.Errorf("Len after equal-rank push: want 1, got %d", q.Len())
	}
}

func TestSessionQueue_PushDuringFailedDeliveryKeepsBound(t *testing.T) {
	// The drainer releases the queue lock while a delivery is in flight, so a
	// Push can take the popped message's slot. When that delivery fails, the
	// retry competes for admission like any other arrival: the capacity bound
	// holds and later pushes still find room.
	var (
		mu        sync.Mutex
		delivered []string
		evicted   []string
	)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var failFirst atomic.Bool
	failFirst.Store(true)

	hooks := queue.Hooks{
		Deliver: func(_ context.Context, _ string, msg *types.Message) error {
			if failFirst.CompareAndSwap(true, false) {
				close(inFlight)
				<-release
				return errors.New("write stalled")
			}
			mu.Lock()
			delivered = append(delivered, msg.ID)
			mu.Unlock()
			return nil
		},
		HasConn: func(string) bool { return true },
		OnEvicted: func(_ string, msg *types.Message) {
			mu.Lock()
			evicted = append(evicted, msg.ID)
			mu.Unlock()
		},
	}
	cfg := testConfig()
	cfg.MaxSize = 1
	q := queue.New("sess-a", cfg, hooks)
	t.Cleanup(q.Close)

	if err := q.Push(pmsg("m1", types.PriorityLow), wt(types.PriorityLow)); err != nil {
		t.Fatalf("Push m1: %v", err)
	}
	<-inFlight

	// m1 is popped and mid-delivery; m2 takes the freed slot.
	if err := q.Push(pmsg("m2", types.PriorityNormal), wt(types.PriorityNormal)); err != nil {
		t.Fatalf("Push m2: %v", err)
	}
	close(release)

	// m1's retry finds the queue full again and ranks below the queued entry,
	// so the retry itself is shed; m2 keeps its slot and drains.
	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1 && len(delivered) == 1
	}) {
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("evicted=%v delivered=%v, want [m1] [m2]", evicted, delivered)
	}
	mu.Lock()
	if evicted[0] != "m1" || delivered[0] != "m2" {
		t.Errorf("evicted=%v delivered=%v, want [m1] [m2]", evicted, delivered)
	}
	mu.Unlock()

	// The bound held, so an urgent arrival is admitted rather than refused.
	if err := q.Push(pmsg("m3", types.PriorityUrgent), wt(types.PriorityUrgent)); err != nil {
		t.Fatalf("Push m3 after requeue race: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2 && delivered[1] == "m3"
	}) {
		t.Fatal("urgent message not delivered after the race")
	}
}

func TestSessionQueue_PushDuringNoConnsPutbackKeepsBound(t *testing.T) {
	// Same interleaving, but the in-flight hand-off reports ErrNoLiveConns.
	// The put-back entry kept its original place in line, so at equal rank
	// the later arrival is shed, not the put-back one.
	var (
		mu        sync.Mutex
		delivered []string
		evicted   []string
	)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var noConnFirst atomic.Bool
	noConnFirst.Store(true)

	hooks := queue.Hooks{
		Deliver: func(_ context.Context, _ string, msg *types.Message) error {
			if noConnFirst.CompareAndSwap(true, false) {
				close(inFlight)
				<-release
				return queue.ErrNoLiveConns
			}
			mu.Lock()
			delivered = append(delivered, msg.ID)
			mu.Unlock()
			return nil
		},
		HasConn: func(string) bool { return true },
		OnEvicted: func(_ string, msg *types.Message) {
			mu.Lock()
			evicted = append(evicted, msg.ID)
			mu.Unlock()
		},
	}
	cfg := testConfig()
	cfg.MaxSize = 1
	q := queue.New("sess-a", cfg, hooks)
	t.Cleanup(q.Close)

	m1 := pmsg("m1", types.PriorityNormal)
	if err := q.Push(m1, wt(types.PriorityNormal)); err != nil {
		t.Fatalf("Push m1: %v", err)
	}
	<-inFlight
	if err := q.Push(pmsg("m2", types.PriorityNormal), wt(types.PriorityNormal)); err != nil {
		t.Fatalf("Push m2: %v", err)
	}
	close(release)

	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}) {
		t.Fatal("put-back message never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered[0] != "m1" {
		t.Errorf("delivered %v, want [m1]", delivered)
	}
	if len(evicted) != 1 || evicted[0] != "m2" {
		t.Errorf("evicted %v, want [m2]", evicted)
	}
	if m1.Attempt != 0 {
		t.Errorf("Attempt charged on no-conns result: %d", m1.Attempt)
	}
}

// ─── retries ─────────────────────────────────────────────────────────────────

func TestSessionQueue_RetryUntilAttemptsExhausted(t *testing.T) {
	errSend := errors.New("connection write failed")

	cfg := testConfig()
	cfg.Retry = retry.Policy{Attempts: 2, Delay: 2 * time.Millisecond}
	link := &testLink{live: true, sendErr: errSend}
	q := openQueue(t, cfg, link)

	m := pmsg("doomed", types.PriorityNormal)
	if err := q.Push(m, wt(types.PriorityNormal)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if !waitUntil(t, 2*time.Second, func() bool { return link.failureCount() == 1 }) {
		t.Fatalf("message never surfaced as failed (attempts=%d)", link.attemptCount())
	}

	// Attempts=2 means the message is tried 3 times in total: the initial
	// attempt plus two retries.
	if n := link.attemptCount(); n != 3 {
		t.Errorf("attempts: want 3, got %d", n)
	}
	if n := link.requeueCount(); n != 2 {
		t.Errorf("requeues: want 2, got %d", n)
	}
	f := link.lastFailure()
	if f.msg.ID != "doomed" {
		t.Errorf("failed message ID = %s, want doomed", f.msg.ID)
	}
	if f.msg.Attempt != 2 {
		t.Errorf("failed message Attempt = %d, want 2", f.msg.Attempt)
	}
	if !errors.Is(f.err, errSend) {
		t.Errorf("failure error = %v, want errSend", f.err)
	}
	if q.Len() != 0 {
		t.Errorf("Len after exhaustion: want 0, got %d", q.Len())
	}
	if n := link.deliveredCount(); n != 0 {
		t.Errorf("delivered %d messages, want 0", n)
	}
}

func TestSessionQueue_NoLiveConns_RequeuesWithoutCharging(t *testing.T) {
	// The liveness gate and the actual send can disagree for a moment when a
	// connection drops mid-drain. That outcome is not a delivery failure: the
	// message goes back unchanged and the pass ends.
	link := &testLink{live: true, sendErr: queue.ErrNoLiveConns}
	q := openQueue(t, testConfig(), link)

	m := pmsg("parked", types.PriorityNormal)
	if err := q.Push(m, wt(types.PriorityNormal)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if !waitUntil(t, 2*time.Second, func() bool {
		return link.attemptCount() == 1 && q.Len() == 1
	}) {
		t.Fatalf("message not re-queued after no-conns result (attempts=%d Len=%d)",
			link.attemptCount(), q.Len())
	}
	if m.Attempt != 0 {
		t.Errorf("Attempt charged on no-conns result: %d", m.Attempt)
	}
	if n := link.requeueCount(); n != 0 {
		t.Errorf("no-conns result reported as retry requeue %d times", n)
	}

	// Once the send path recovers, the same message delivers with Attempt
	// still zero.
	link.setSendErr(nil)
	q.Wake()
	if !waitUntil(t, 2*time.Second, func() bool { return link.deliveredCount() == 1 }) {
		t.Fatal("message not delivered after send path recovered")
	}
	if got := link.deliveredIDs(); got[0] != "parked" {
		t.Errorf("delivered %s, want parked", got[0])
	}
	if m.Attempt != 0 {
		t.Errorf("delivered Attempt = %d, want 0", m.Attempt)
	}
}

func TestSessionQueue_NoConnsPutbackKeepsTierOrder(t *testing.T) {
	// A connection can vanish between the liveness gate and the hand-off. The
	// popped message went nowhere, so after reconnect it must still drain
	// ahead of its same-tier siblings.
	link := &testLink{live: true, sendErr: queue.ErrNoLiveConns}
	q := openQueue(t, testConfig(), link)

	w := wt(types.PriorityNormal)
	_ = q.Push(pmsg("m1", types.PriorityNormal), w)
	_ = q.Push(pmsg("m2", types.PriorityNormal), w)

	if !waitUntil(t, 2*time.Second, func() bool {
		return link.attemptCount() >= 1 && q.Len() == 2
	}) {
		t.Fatalf("first message not put back (attempts=%d Len=%d)",
			link.attemptCount(), q.Len())
	}

	link.setSendErr(nil)
	q.Wake()
	if !waitUntil(t, 2*time.Second, func() bool { return link.deliveredCount() == 2 }) {
		t.Fatalf("expected 2 deliveries, got %d", link.deliveredCount())
	}
	if got := link.deliveredIDs(); got[0] != "m1" || got[1] != "m2" {
		t.Errorf("delivered %v, want [m1 m2]", got)
	}
}

func TestSessionQueue_FailedDeliveryRetriesBehindTierSiblings(t *testing.T) {
	// m1 fails once then succeeds; m2 always succeeds. After m1's failure its
	// retry slots in behind m2 within the same tier, so one sick message
	// cannot starve the rest of the queue.
	var (
		mu        sync.Mutex
		delivered []string
		failFirst = true
		live      atomic.Bool
	)
	hooks := queue.Hooks{
		Deliver: func(ctx context.Context, sessionID string, msg *types.Message) error {
			mu.Lock()
			defer mu.Unlock()
			if msg.ID == "m1" && failFirst {
				failFirst = false
				return errors.New("write stalled")
			}
			delivered = append(delivered, msg.ID)
			return nil
		},
		HasConn: func(string) bool { return live.Load() },
	}
	cfg := testConfig()
	cfg.Retry.Delay = time.Millisecond
	q := queue.New("sess-a", cfg, hooks)
	t.Cleanup(q.Close)

	w := wt(types.PriorityNormal)
	_ = q.Push(pmsg("m1", types.PriorityNormal), w)
	_ = q.Push(pmsg("m2", types.PriorityNormal), w)

	live.Store(true)
	q.Wake()

	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}) {
		t.Fatal("expected both messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered[0] != "m2" || delivered[1] != "m1" {
		t.Errorf("delivery order %v, want [m2 m1]", delivered)
	}
}

// ─── pacing ──────────────────────────────────────────────────────────────────

func TestSessionQueue_PacedHandoff(t *testing.T) {
	cfg := testConfig()
	cfg.DrainPacing = 25 * time.Millisecond
	link := &testLink{}
	q := openQueue(t, cfg, link)

	for _, id := range []string{"p1", "p2", "p3"} {
		_ = q.Push(pmsg(id, types.PriorityNormal), wt(types.PriorityNormal))
	}

	link.setLive(true)
	start := time.Now()
	q.Wake()

	if !waitUntil(t, 3*time.Second, func() bool { return link.deliveredCount() == 3 }) {
		t.Fatalf("expected 3 deliveries, got %d", link.deliveredCount())
	}
	// First hand-off is immediate; the next two each wait one pacing interval.
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Errorf("3 messages drained in %v, pacing not applied", elapsed)
	}
}

// ─── teardown ────────────────────────────────────────────────────────────────

func TestSessionQueue_PushAfterClose(t *testing.T) {
	link := &testLink{}
	q := openQueue(t, testConfig(), link)
	q.Close()

	err := q.Push(pmsg("late", types.PriorityNormal), wt(types.PriorityNormal))
	if !errors.Is(err, queue.ErrQueueClosed) {
		t.Fatalf("Push after Close: want ErrQueueClosed, got %v", err)
	}
}

func TestSessionQueue_DropAll(t *testing.T) {
	link := &testLink{}
	q := openQueue(t, testConfig(), link)

	for _, id := range []string{"d1", "d2", "d3"} {
		_ = q.Push(pmsg(id, types.PriorityNormal), wt(types.PriorityNormal))
	}

	dropped := q.DropAll()
	if len(dropped) != 3 {
		t.Fatalf("DropAll: want 3 messages, got %d", len(dropped))
	}
	if q.Len() != 0 {
		t.Errorf("Len after DropAll: want 0, got %d", q.Len())
	}
	if err := q.Push(pmsg("late", types.PriorityNormal), wt(types.PriorityNormal)); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Push after DropAll: want ErrQueueClosed, got %v", err)
	}
	if again := q.DropAll(); len(again) != 0 {
		t.Errorf("second DropAll: want no messages, got %d", len(again))
	}
}

func TestSessionQueue_CloseDuringRetryBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Delay = 10 * time.Second // far longer than the test runs
	link := &testLink{live: true, sendErr: errors.New("always fails")}
	q := openQueue(t, cfg, link)

	_ = q.Push(pmsg("stuck", types.PriorityNormal), wt(types.PriorityNormal))

	if !waitUntil(t, 2*time.Second, func() bool { return link.attemptCount() >= 1 }) {
		t.Fatal("first delivery attempt never happened")
	}

	// The drainer is now in its retry backoff. Close must not wait it out.
	start := time.Now()
	q.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Close blocked for %v during retry backoff", elapsed)
	}
}
