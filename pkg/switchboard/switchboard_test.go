package switchboard_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/internexio/switchboard/pkg/switchboard"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// loopConn records every message it accepts; a non-nil err fails every send.
type loopConn struct {
	id  string
	mu  sync.Mutex
	err error
	got []*switchboard.Message
}

func (c *loopConn) ID() string { return c.id }

func (c *loopConn) Send(_ context.Context, m *switchboard.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, m)
	return nil
}

func (c *loopConn) received() []*switchboard.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*switchboard.Message, len(c.got))
	copy(out, c.got)
	return out
}

func testConfig() *switchboard.Config {
	cfg := switchboard.DefaultConfig()
	cfg.Router.DrainPacingMs = 0
	cfg.Router.RetryDelayMs = 1
	return cfg
}

func newSwitchboard(t *testing.T, cfg *switchboard.Config, opts ...switchboard.Option) *switchboard.Switchboard {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	opts = append(opts, switchboard.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	sb, err := switchboard.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sb.Close)
	return sb
}

func register(t *testing.T, sb *switchboard.Switchboard, id, project string, conns ...switchboard.Conn) {
	t.Helper()
	if _, err := sb.Registry().Register(id, project, "inst-1", nil); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	for _, c := range conns {
		if err := sb.Registry().Attach(id, c); err != nil {
			t.Fatalf("Attach(%s): %v", id, err)
		}
	}
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
	return cond()
}

// ─── construction ────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := switchboard.DefaultConfig()
	cfg.Router.MaxQueueSize = 0
	if _, err := switchboard.New(cfg); err == nil {
		t.Fatal("want config validation error")
	}
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	sb, err := switchboard.New(nil, switchboard.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	defer sb.Close()
	if got := sb.Stats(); got.Sessions != 0 || got.TotalQueued != 0 {
		t.Errorf("fresh instance stats = %+v", got)
	}
}

func TestNew_WithSharedRegistry(t *testing.T) {
	// Sessions registered before construction are routable afterwards: the
	// Switchboard adopts the registry instead of replacing it.
	reg := switchboard.NewRegistry()
	if _, err := reg.Register("editor-1", "/work/api", "inst-1", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sb := newSwitchboard(t, nil, switchboard.WithRegistry(reg))
	conn := &loopConn{id: "tab-1"}
	if err := reg.Attach("editor-1", conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	res, err := sb.RouteMessage(context.Background(), "adopted", switchboard.RouteSpec{SessionID: "editor-1"})
	if err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("result = %+v", res)
	}
	if sb.Registry() != reg {
		t.Error("Registry() returned a different registry than the one supplied")
	}
}

// ─── routing end to end ──────────────────────────────────────────────────────

func TestRouteMessage_DeliversToLiveConnection(t *testing.T) {
	sb := newSwitchboard(t, nil)
	conn := &loopConn{id: "tab-1"}
	register(t, sb, "editor-1", "/work/api", conn)

	res, err := sb.RouteMessage(context.Background(), "build green", switchboard.RouteSpec{SessionID: "editor-1"})
	if err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}
	if res.Delivered != 1 || res.Queued != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := conn.received(); len(got) != 1 || got[0].Content != "build green" {
		t.Fatalf("conn received %v", got)
	}

	st := sb.Stats()
	if st.Counters.Sent != 1 || st.Counters.Delivered != 1 {
		t.Errorf("counters = %+v", st.Counters)
	}
	if st.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", st.Sessions)
	}
}

func TestRouteMessage_QueuesUntilConnectionAppears(t *testing.T) {
	sb := newSwitchboard(t, nil)
	register(t, sb, "editor-1", "/work/api")

	res, err := sb.RouteMessage(context.Background(),
		&switchboard.Message{Content: "deploy", Priority: "urgent"},
		switchboard.RouteSpec{SessionID: "editor-1"})
	if err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}
	if res.Queued != 1 {
		t.Fatalf("want queued, got %+v", res)
	}
	if st := sb.Stats(); st.QueueDepths["editor-1"] != 1 || st.TotalQueued != 1 {
		t.Fatalf("stats = %+v", st)
	}

	// The client connects. Attach wakes the drainer, which hands over the
	// backlog — exactly one message, content intact.
	conn := &loopConn{id: "tab-1"}
	if err := sb.Registry().Attach("editor-1", conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return len(conn.received()) == 1 }) {
		t.Fatal("queued message never delivered after connection appeared")
	}
	if got := conn.received()[0]; got.Content != "deploy" || got.Priority != "urgent" {
		t.Errorf("drained message = %+v", got)
	}
	if st := sb.Stats(); st.TotalQueued != 0 {
		t.Errorf("total queued after drain = %d", st.TotalQueued)
	}
}

func TestRouteMessage_UnknownSession(t *testing.T) {
	sb := newSwitchboard(t, nil)
	_, err := sb.RouteMessage(context.Background(), "hi", switchboard.RouteSpec{SessionID: "ghost"})
	if !errors.Is(err, switchboard.ErrNoTargets) {
		t.Fatalf("want ErrNoTargets, got %v", err)
	}
}

func TestRouteMessage_InvalidInput(t *testing.T) {
	sb := newSwitchboard(t, nil)
	register(t, sb, "editor-1", "")
	_, err := sb.RouteMessage(context.Background(), nil, switchboard.RouteSpec{SessionID: "editor-1"})
	if !errors.Is(err, switchboard.ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage, got %v", err)
	}
}

// ─── session destruction ─────────────────────────────────────────────────────

func TestDestroySession_DropsQueuedMessages(t *testing.T) {
	sb := newSwitchboard(t, nil)
	register(t, sb, "editor-1", "/work/api")

	for range 5 {
		if _, err := sb.RouteMessage(context.Background(), "parked", switchboard.RouteSpec{SessionID: "editor-1"}); err != nil {
			t.Fatalf("RouteMessage: %v", err)
		}
	}
	if st := sb.Stats(); st.QueueDepths["editor-1"] != 5 {
		t.Fatalf("depth = %d, want 5", st.QueueDepths["editor-1"])
	}

	if err := sb.Registry().Destroy("editor-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	st := sb.Stats()
	if depth, ok := st.QueueDepths["editor-1"]; ok && depth != 0 {
		t.Errorf("depth after destroy = %d, want 0", depth)
	}
	if st.TotalQueued != 0 {
		t.Errorf("total queued = %d, want 0", st.TotalQueued)
	}
	if st.Counters.Dropped != 5 {
		t.Errorf("dropped counter = %d, want 5", st.Counters.Dropped)
	}
}

// ─── retry exhaustion ────────────────────────────────────────────────────────

func TestRetryExhaustion_SurfacesFailedDelivery(t *testing.T) {
	cfg := testConfig()
	cfg.Router.RetryAttempts = 2
	sb := newSwitchboard(t, cfg)

	sick := &loopConn{id: "tab-1", err: errors.New("socket wedged")}
	register(t, sb, "editor-1", "/work/api", sick)

	res, err := sb.RouteMessage(context.Background(), "doomed", switchboard.RouteSpec{SessionID: "editor-1"})
	if err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}
	// The live attempt failed, so the message was parked with diagnostics.
	if res.Queued != 1 {
		t.Fatalf("want queued, got %+v", res)
	}

	// The drainer retries against the same sick connection until the policy
	// is exhausted, then surfaces the message instead of dropping it.
	if !waitUntil(t, 5*time.Second, func() bool { return len(sb.Failed()) == 1 }) {
		t.Fatalf("failed delivery never surfaced; stats = %+v", sb.Stats())
	}

	fd := sb.Failed()[0]
	if fd.SessionID != "editor-1" {
		t.Errorf("failed session = %s", fd.SessionID)
	}
	if fd.Message == nil || fd.Message.Attempt != 2 {
		t.Errorf("failed message = %+v, want Attempt 2", fd.Message)
	}
	// Initial drain attempt plus two retries, all recorded.
	if len(fd.Attempts) != 3 {
		t.Errorf("attempt history = %d entries, want 3", len(fd.Attempts))
	}
	if !strings.Contains(fd.LastError, "socket wedged") {
		t.Errorf("last error = %q", fd.LastError)
	}

	st := sb.Stats()
	if st.Counters.Failed != 1 {
		t.Errorf("failed counter = %d, want 1", st.Counters.Failed)
	}
	if st.Counters.Retried != 2 {
		t.Errorf("retried counter = %d, want 2", st.Counters.Retried)
	}
	if st.FailedHeld != 1 {
		t.Errorf("failed held = %d, want 1", st.FailedHeld)
	}

	// TakeFailed drains the buffer.
	if taken := sb.TakeFailed(); len(taken) != 1 {
		t.Errorf("TakeFailed returned %d, want 1", len(taken))
	}
	if len(sb.Failed()) != 0 {
		t.Error("buffer not drained by TakeFailed")
	}
}

// ─── broadcast ───────────────────────────────────────────────────────────────

func TestBroadcast_FilterMatchesProjectPrefix(t *testing.T) {
	sb := newSwitchboard(t, nil)
	register(t, sb, "sess-api", "api")
	register(t, sb, "sess-api-v2", "api-v2")
	register(t, sb, "sess-worker", "worker")

	res, err := sb.Broadcast(context.Background(), "api fleet notice", &switchboard.Filter{ProjectPattern: "^api"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	// api and api-v2 match; worker does not. Nobody is connected, so both
	// matches queue.
	if got := res.Delivered + res.Queued + res.Failed; got != 2 {
		t.Fatalf("broadcast touched %d sessions, want 2 (%+v)", got, res)
	}
	st := sb.Stats()
	if st.QueueDepths["sess-worker"] != 0 {
		t.Errorf("worker session received broadcast: %+v", st.QueueDepths)
	}
}

func TestBroadcast_NoSessions(t *testing.T) {
	sb := newSwitchboard(t, nil)
	_, err := sb.Broadcast(context.Background(), "anyone?", nil)
	if !errors.Is(err, switchboard.ErrNoTargets) {
		t.Fatalf("want ErrNoTargets, got %v", err)
	}
}

// ─── events ──────────────────────────────────────────────────────────────────

func TestSubscribe_ObservesRoutingLifecycle(t *testing.T) {
	sb := newSwitchboard(t, nil)
	register(t, sb, "editor-1", "/work/api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, stop := sb.Subscribe(ctx, 16)
	defer stop()

	if _, err := sb.RouteMessage(context.Background(), "note", switchboard.RouteSpec{SessionID: "editor-1"}); err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}

	seen := make(map[switchboard.EventType]bool)
	deadline := time.After(2 * time.Second)
	for !(seen[switchboard.EventMessageQueued] && seen[switchboard.EventMessageRouted]) {
		select {
		case e := <-ch:
			seen[e.Type] = true
		case <-deadline:
			t.Fatalf("missing events; saw %v", seen)
		}
	}
}

func TestSubscribe_SessionDestroyedEvent(t *testing.T) {
	sb := newSwitchboard(t, nil)
	register(t, sb, "editor-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, stop := sb.Subscribe(ctx, 16)
	defer stop()

	if err := sb.Registry().Destroy("editor-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == switchboard.EventSessionDestroyed && e.SessionID == "editor-1" {
				return
			}
		case <-deadline:
			t.Fatal("session_destroyed event never arrived")
		}
	}
}

// ─── ingress limiting ────────────────────────────────────────────────────────

func TestIngressLimit_BoundsProducers(t *testing.T) {
	sb := newSwitchboard(t, nil, switchboard.WithIngressLimit(1, 1))
	register(t, sb, "editor-1", "", &loopConn{id: "tab-1"})

	// First call spends the burst token.
	if _, err := sb.RouteMessage(context.Background(), "one", switchboard.RouteSpec{SessionID: "editor-1"}); err != nil {
		t.Fatalf("first RouteMessage: %v", err)
	}

	// The second call must wait for the limiter; an already-short deadline
	// surfaces the limit as an error instead of blocking the producer.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sb.RouteMessage(ctx, "two", switchboard.RouteSpec{SessionID: "editor-1"}); err == nil {
		t.Fatal("want ingress limit error under a short deadline")
	}
}

// ─── shutdown ────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	sb := newSwitchboard(t, nil)
	register(t, sb, "editor-1", "")
	sb.Close()
	sb.Close()
}
