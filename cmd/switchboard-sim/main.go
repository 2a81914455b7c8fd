// Command switchboard-sim runs a Switchboard instance against a synthetic
// workload: sessions register and vanish, connections flap, and messages are
// routed at mixed priorities so queuing, draining, retries and eviction all
// get exercised. Point a Prometheus scraper (or curl) at the metrics port to
// watch it work.
//
// Usage:
//
//	switchboard-sim [--config path/to/config.yaml] [--sessions 8] [--rate 20] [--seed 1]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/internexio/switchboard/internal/ident"
	"github.com/internexio/switchboard/pkg/switchboard"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard-sim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	sessions := flag.Int("sessions", 8, "number of simulated sessions")
	msgRate := flag.Int("rate", 20, "messages produced per second")
	seed := flag.Uint64("seed", 0, "workload rng seed (0 = time-based)")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := switchboard.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if *sessions < 1 || *msgRate < 1 {
		return fmt.Errorf("--sessions and --rate must be at least 1")
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise instance identity ──────────────────────────────────────
	instanceID, err := ident.InstanceID(cfg.Instance.DataDir, cfg.Instance.ID)
	if err != nil {
		return fmt.Errorf("init instance identity: %w", err)
	}

	slog.Info("switchboard-sim starting",
		"instance_id", instanceID,
		"sessions", *sessions,
		"rate", *msgRate,
		"data_dir", cfg.Instance.DataDir,
	)

	// ── 4. Build the Switchboard ─────────────────────────────────────────────
	sb, err := switchboard.New(cfg, switchboard.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init switchboard: %w", err)
	}

	// ── 5. Start the Prometheus metrics listener ─────────────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, sb.MetricsHandler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 6. Log interesting telemetry ─────────────────────────────────────────
	evCtx, evCancel := context.WithCancel(context.Background())
	defer evCancel()
	events, stopEvents := sb.Subscribe(evCtx, 256)
	defer stopEvents()
	go func() {
		for e := range events {
			switch e.Type {
			case switchboard.EventMessageFailed:
				slog.Warn("delivery permanently failed",
					"session", e.SessionID, "msg", e.MessageID, "err", e.Error)
			case switchboard.EventMessageEvicted:
				slog.Info("queue evicted a message",
					"session", e.SessionID, "msg", e.MessageID)
			case switchboard.EventSessionDestroyed:
				slog.Info("session destroyed",
					"session", e.SessionID, "dropped", e.Payload["dropped"])
			}
		}
	}()

	// ── 7. Drive the synthetic workload ──────────────────────────────────────
	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = uint64(time.Now().UnixNano())
	}
	w := newWorkload(sb, instanceID, *sessions, rngSeed)
	if err := w.setup(); err != nil {
		return fmt.Errorf("seed sessions: %w", err)
	}

	wlCtx, wlCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.run(wlCtx, *msgRate)
	}()

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutting down", "signal", sig)

	wlCancel()
	wg.Wait()
	sb.Close()

	st := sb.Stats()
	slog.Info("switchboard-sim stopped",
		"sent", st.Counters.Sent,
		"delivered", st.Counters.Delivered,
		"queued", st.Counters.Queued,
		"retried", st.Counters.Retried,
		"failed", st.Counters.Failed,
		"evicted", st.Counters.Evicted,
		"dropped", st.Counters.Dropped,
		"still_queued", st.TotalQueued,
		"failed_held", st.FailedHeld,
	)
	return nil
}

// ─── simulated clients ───────────────────────────────────────────────────────

// simConn is a loopback connection. Flaky conns fail a share of sends, which
// pushes traffic through the queue-and-retry path.
type simConn struct {
	id    string
	flaky bool

	mu       sync.Mutex
	rng      *rand.Rand
	accepted int
	refused  int
}

func (c *simConn) ID() string { return c.id }

func (c *simConn) Send(_ context.Context, _ *switchboard.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flaky && c.rng.IntN(100) < 40 {
		c.refused++
		return fmt.Errorf("simulated transport failure")
	}
	c.accepted++
	return nil
}

// workload owns the simulated session population and produces traffic
// against it.
type workload struct {
	sb         *switchboard.Switchboard
	instanceID string
	rng        *rand.Rand
	seed       uint64

	sessionIDs []string
	projects   []string
	nextConn   int
}

func newWorkload(sb *switchboard.Switchboard, instanceID string, sessions int, seed uint64) *workload {
	w := &workload{
		sb:         sb,
		instanceID: instanceID,
		rng:        rand.New(rand.NewPCG(seed, seed)),
		seed:       seed,
		projects:   []string{"api", "api-v2", "worker", "web"},
	}
	for i := range sessions {
		w.sessionIDs = append(w.sessionIDs, fmt.Sprintf("sim-%d", i))
	}
	return w
}

// setup registers every session and connects most of them. One in four stays
// offline so its traffic queues; one in four is flaky so retries happen.
func (w *workload) setup() error {
	reg := w.sb.Registry()
	for i, id := range w.sessionIDs {
		project := w.projects[i%len(w.projects)]
		if _, err := reg.Register(id, project, w.instanceID, map[string]string{"sim": "true"}); err != nil {
			return err
		}
		switch i % 4 {
		case 0: // offline: all its messages park until a chaos tick connects it
		case 1:
			if err := reg.Attach(id, w.newConn(true)); err != nil {
				return err
			}
		default:
			if err := reg.Attach(id, w.newConn(false)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *workload) newConn(flaky bool) *simConn {
	w.nextConn++
	return &simConn{
		id:    fmt.Sprintf("conn-%d", w.nextConn),
		flaky: flaky,
		rng:   rand.New(rand.NewPCG(w.seed, uint64(w.nextConn))),
	}
}

// run produces messages at the requested rate and stirs the session
// population once a second until ctx is cancelled. Everything runs on this
// one goroutine, so the rng needs no locking.
func (w *workload) run(ctx context.Context, perSec int) {
	produce := time.NewTicker(time.Second / time.Duration(perSec))
	defer produce.Stop()
	chaos := time.NewTicker(time.Second)
	defer chaos.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-produce.C:
			n++
			w.routeOne(ctx, n)
		case <-chaos.C:
			w.stir(ctx)
		}
	}
}

// routeOne sends one message with a randomly weighted priority to a randomly
// chosen target shape.
func (w *workload) routeOne(ctx context.Context, n int) {
	msg := &switchboard.Message{
		Content:  fmt.Sprintf("sim message %d", n),
		Priority: w.priority(),
		Metadata: map[string]string{"n": fmt.Sprint(n)},
	}

	var err error
	switch p := w.rng.IntN(100); {
	case p < 70: // direct to one session
		id := w.sessionIDs[w.rng.IntN(len(w.sessionIDs))]
		_, err = w.sb.RouteMessage(ctx, msg, switchboard.RouteSpec{SessionID: id})
	case p < 85: // everyone on one project
		project := w.projects[w.rng.IntN(len(w.projects))]
		_, err = w.sb.RouteMessage(ctx, msg, switchboard.RouteSpec{ProjectPath: project})
	case p < 95: // everyone on this instance
		_, err = w.sb.RouteMessage(ctx, msg, switchboard.RouteSpec{InstanceID: w.instanceID})
	default: // filtered broadcast
		_, err = w.sb.Broadcast(ctx, msg, &switchboard.Filter{ProjectPattern: "^api"})
	}
	if err != nil {
		slog.Warn("route failed", "err", err)
	}
}

func (w *workload) priority() switchboard.Priority {
	switch p := w.rng.IntN(100); {
	case p < 30:
		return "low"
	case p < 70:
		return "normal"
	case p < 90:
		return "high"
	default:
		return "urgent"
	}
}

// stir randomly reshapes one session: connect it, add a second connection,
// or tear it down and register it afresh.
func (w *workload) stir(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	reg := w.sb.Registry()
	id := w.sessionIDs[w.rng.IntN(len(w.sessionIDs))]

	switch w.rng.IntN(3) {
	case 0:
		// Connect (or reconnect) — wakes the drainer and empties any backlog.
		if err := reg.Attach(id, w.newConn(w.rng.IntN(4) == 0)); err != nil {
			slog.Warn("attach failed", "session", id, "err", err)
		}
	case 1:
		// A second tab for the same session.
		if err := reg.Attach(id, w.newConn(false)); err != nil {
			slog.Warn("attach failed", "session", id, "err", err)
		}
	case 2:
		// The client goes away entirely; queued messages are dropped, then
		// the session comes back empty.
		if err := reg.Destroy(id); err != nil {
			slog.Warn("destroy failed", "session", id, "err", err)
			return
		}
		project := w.projects[w.rng.IntN(len(w.projects))]
		if _, err := reg.Register(id, project, w.instanceID, map[string]string{"sim": "true"}); err != nil {
			slog.Warn("re-register failed", "session", id, "err", err)
		}
	}
}
