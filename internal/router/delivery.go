package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/internexio/switchboard/internal/events"
	"github.com/internexio/switchboard/internal/queue"
	"github.com/internexio/switchboard/internal/session"
	"github.com/internexio/switchboard/internal/stats"
	"github.com/internexio/switchboard/internal/types"
)

// DefaultSendTimeout bounds a single connection send when no timeout is
// configured.
const DefaultSendTimeout = 30 * time.Second

// TargetResult is the outcome of delivering one message to one session.
type TargetResult struct {
	SessionID string       `json:"session_id"`
	Status    types.Status `json:"status"`
	// Errors holds per-connection failure detail when delivery did not
	// complete cleanly. Diagnostics only — Status is authoritative.
	Errors []string `json:"errors,omitempty"`
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Engine delivers one message to one resolved session.
//
// Rules:
//   - zero live connections parks the message in the session's queue;
//   - with connections present, every one is tried concurrently, each send
//     bounded by the configured timeout, and a single acceptance counts as
//     delivered;
//   - all connections failing parks the message with the failure detail
//     attached.
type Engine struct {
	dir     session.Directory
	queues  *queue.Manager
	levels  types.Levels
	def     types.Priority
	timeout time.Duration
	bus     *events.Bus
	stats   *stats.Registry
	log     *slog.Logger
}

// EngineParams assembles an Engine. Directory and Queues are required; the
// rest defaults sensibly when zero.
type EngineParams struct {
	Directory       session.Directory
	Queues          *queue.Manager
	Levels          types.Levels
	DefaultPriority types.Priority
	SendTimeout     time.Duration
	Bus             *events.Bus
	Stats           *stats.Registry
	Logger          *slog.Logger
}

// NewEngine creates an Engine from p.
func NewEngine(p EngineParams) *Engine {
	if len(p.Levels) == 0 {
		p.Levels = types.DefaultLevels()
	}
	if p.DefaultPriority == "" || !p.Levels.Contains(p.DefaultPriority) {
		p.DefaultPriority = types.PriorityNormal
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = DefaultSendTimeout
	}
	if p.Stats == nil {
		p.Stats = &stats.Registry{}
	}
	if p.Bus == nil {
		p.Bus = events.NewBus()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Engine{
		dir:     p.Directory,
		queues:  p.Queues,
		levels:  p.Levels,
		def:     p.DefaultPriority,
		timeout: p.SendTimeout,
		bus:     p.Bus,
		stats:   p.Stats,
		log:     p.Logger,
	}
}

// Deliver tries msg against sessionID's live connections, parking it in the
// session queue when nobody can take it right now. It always produces a
// TargetResult — routing treats every outcome as data, not as an error.
func (e *Engine) Deliver(ctx context.Context, sessionID string, msg *types.Message) TargetResult {
	conns := e.dir.Connections(sessionID)
	if len(conns) == 0 {
		return e.park(sessionID, msg, nil, "no_live_connections")
	}

	ok, fails := e.fanOut(ctx, sessionID, conns, msg)
	if ok {
		e.dir.Touch(sessionID)
		e.stats.Delivered.Inc(string(msg.Priority))
		return TargetResult{SessionID: sessionID, Status: types.StatusDelivered}
	}
	return e.park(sessionID, msg, fails, "all_connections_failed")
}

// DeliverLive pushes msg to the session's live connections without ever
// queuing. The queue drainer uses it: nil means some connection accepted the
// message, queue.ErrNoLiveConns means there was nobody to try, and any other
// error is a genuine delivery failure for the retry policy to judge.
func (e *Engine) DeliverLive(ctx context.Context, sessionID string, msg *types.Message) error {
	conns := e.dir.Connections(sessionID)
	if len(conns) == 0 {
		return queue.ErrNoLiveConns
	}

	ok, fails := e.fanOut(ctx, sessionID, conns, msg)
	if ok {
		e.dir.Touch(sessionID)
		e.stats.Delivered.Inc(string(msg.Priority))
		return nil
	}
	return fmt.Errorf("router: deliver to %s: %s", sessionID, strings.Join(fails, "; "))
}

// fanOut tries every connection concurrently and reports whether at least one
// accepted the message, plus the failure detail for each that did not.
func (e *Engine) fanOut(ctx context.Context, sessionID string, conns []session.Conn, msg *types.Message) (bool, []string) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted bool
		fails    []string
	)
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			if err := c.Send(sctx, msg); err != nil {
				mu.Lock()
				fails = append(fails, fmt.Sprintf("%s: %v", c.ID(), err))
				mu.Unlock()
				return
			}
			mu.Lock()
			accepted = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if !accepted && len(fails) > 0 {
		e.log.Debug("all connections refused message",
			"session", sessionID, "msg", msg.ID, "conns", len(conns))
	}
	return accepted, fails
}

// park hands msg to the session's queue at its priority weight. reason tags
// the emitted event so observers can tell a quiet session from a sick one.
func (e *Engine) park(sessionID string, msg *types.Message, details []string, reason string) TargetResult {
	w := e.levels.Weight(msg.Priority)
	if w < 0 {
		w = e.levels.Weight(e.def)
		if w < 0 {
			w = 0
		}
	}

	if err := e.queues.Enqueue(sessionID, msg, w); err != nil {
		e.log.Warn("message dropped: queue rejected it",
			"session", sessionID, "msg", msg.ID, "err", err)
		e.stats.Dropped.Inc(string(msg.Priority))
		return TargetResult{
			SessionID: sessionID,
			Status:    types.StatusFailed,
			Errors:    append(details, err.Error()),
		}
	}

	e.stats.Queued.Inc(string(msg.Priority))
	e.bus.Publish(events.Event{
		Type:      events.TypeMessageQueued,
		MessageID: msg.ID,
		SessionID: sessionID,
		Payload:   map[string]string{"priority": string(msg.Priority), "reason": reason},
	})
	return TargetResult{SessionID: sessionID, Status: types.StatusQueued, Errors: details}
}
