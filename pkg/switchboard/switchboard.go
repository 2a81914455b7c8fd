// Package switchboard is the public embedding surface of the message router.
//
// A Switchboard owns the full delivery stack — session registry, per-session
// bounded priority queues, delivery engine, retry bookkeeping, pending-record
// tracking, stats and the telemetry bus — assembled from one validated
// config. Integrators drive session lifecycle through Registry(), plug their
// transport in behind the Conn interface, and submit messages with
// RouteMessage or Broadcast.
//
// Design rules:
//   - session lifecycle drives the queues: attaching a connection wakes that
//     session's drainer, destroying a session synchronously drops its backlog;
//   - a message that cannot be delivered is never lost silently — it is
//     queued, retried per the retry policy, and finally surfaced through
//     Failed() and the message_failed event;
//   - nothing here is process-fatal: all failures are contained per message
//     or per session.
package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/internexio/switchboard/internal/config"
	"github.com/internexio/switchboard/internal/events"
	"github.com/internexio/switchboard/internal/queue"
	"github.com/internexio/switchboard/internal/retry"
	"github.com/internexio/switchboard/internal/router"
	"github.com/internexio/switchboard/internal/session"
	"github.com/internexio/switchboard/internal/stats"
	"github.com/internexio/switchboard/internal/types"
)

// ─── Re-exported surface ─────────────────────────────────────────────────────
//
// The implementation lives under internal/; these aliases are what embedding
// code names.

type (
	// Message is the canonical routed unit.
	Message = types.Message
	// Priority is a message's urgency tier.
	Priority = types.Priority
	// Status is a per-target or per-record delivery outcome.
	Status = types.Status

	// RouteSpec says where a message should go.
	RouteSpec = router.RouteSpec
	// Filter narrows broadcasts to matching sessions.
	Filter = router.Filter
	// RouteResult aggregates the per-target outcomes of one routing call.
	RouteResult = router.RouteResult
	// BroadcastResult carries a broadcast's aggregate counts.
	BroadcastResult = router.BroadcastResult
	// TargetResult is the outcome for a single target session.
	TargetResult = router.TargetResult

	// Session is a registered client; Conn is one of its live transport
	// channels.
	Session = session.Session
	// Conn is the transport seam integrators implement.
	Conn = session.Conn
	// Registry is the in-memory session directory integrators drive lifecycle
	// through.
	Registry = session.Registry

	// FailedDelivery is a permanently failed message with its full attempt
	// history.
	FailedDelivery = retry.FailedDelivery

	// Event is one telemetry notification; EventType names its kind.
	Event = events.Event
	// EventType names a telemetry event kind.
	EventType = events.Type

	// Config is the root configuration; LoadConfig reads it from YAML.
	Config = config.Config
)

// Event types emitted on the bus.
const (
	EventMessageRouted    = events.TypeMessageRouted
	EventMessageQueued    = events.TypeMessageQueued
	EventMessageEvicted   = events.TypeMessageEvicted
	EventQueueProcessed   = events.TypeQueueProcessed
	EventMessageFailed    = events.TypeMessageFailed
	EventSessionDestroyed = events.TypeSessionDestroyed
)

// Per-target and per-record outcome values.
const (
	StatusPending   = types.StatusPending
	StatusDelivered = types.StatusDelivered
	StatusQueued    = types.StatusQueued
	StatusFailed    = types.StatusFailed
)

// Errors surfaced to callers.
var (
	ErrInvalidMessage   = router.ErrInvalidMessage
	ErrNoTargets        = router.ErrNoTargets
	ErrQueueFull        = queue.ErrQueueFull
	ErrSessionNotFound  = session.ErrNotFound
	ErrSessionExists    = session.ErrAlreadyExists
	ErrInvalidSessionID = session.ErrInvalidID
)

// NewRegistry creates an empty session registry, for callers that want to
// share one registry between components (see WithRegistry).
func NewRegistry() *Registry { return session.NewRegistry() }

// DefaultConfig returns the canonical defaults.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML config file overlaid on the defaults, then applies
// SWITCHBOARD_* environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ─── Options ─────────────────────────────────────────────────────────────────

// Option customizes a Switchboard at construction time.
type Option func(*Switchboard)

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *Switchboard) { s.log = l }
}

// WithRegistry uses an existing session registry instead of creating one.
// The Switchboard attaches its lifecycle handlers to it.
func WithRegistry(r *Registry) Option {
	return func(s *Switchboard) { s.registry = r }
}

// WithIngressLimit overrides the configured producer rate limit.
// perSec 0 disables limiting.
func WithIngressLimit(perSec, burst int) Option {
	return func(s *Switchboard) {
		if perSec > 0 {
			s.ingress = rate.NewLimiter(rate.Limit(perSec), burst)
		}
	}
}

// ─── Switchboard ─────────────────────────────────────────────────────────────

// Switchboard routes messages to sessions. Construct with New, release with
// Close.
type Switchboard struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *session.Registry

	bus     *events.Bus
	stats   *stats.Registry
	coord   *retry.Coordinator
	queues  *queue.Manager
	pending *router.PendingTracker
	engine  *router.Engine
	router  *router.Router

	ingress *rate.Limiter // nil when disabled

	closeOnce sync.Once
}

// New assembles a Switchboard from cfg. A nil cfg means defaults.
func New(cfg *config.Config, opts ...Option) (*Switchboard, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("switchboard: config: %w", err)
	}

	s := &Switchboard{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.registry == nil {
		s.registry = session.NewRegistry()
	}

	levels := make(types.Levels, len(cfg.Router.PriorityLevels))
	for i, lv := range cfg.Router.PriorityLevels {
		levels[i] = types.Priority(lv)
	}
	def := types.Priority(cfg.Router.DefaultPriority)

	s.bus = events.NewBus()
	s.stats = &stats.Registry{}
	s.coord = retry.NewCoordinator(cfg.Router.FailedHistorySize)
	s.pending = router.NewPendingTracker(time.Duration(cfg.Router.PendingRetentionMs) * time.Millisecond)

	qcfg := queue.Config{
		MaxSize:     cfg.Router.MaxQueueSize,
		DrainPacing: time.Duration(cfg.Router.DrainPacingMs) * time.Millisecond,
		Retry: retry.Policy{
			Attempts: cfg.Router.RetryAttempts,
			Delay:    time.Duration(cfg.Router.RetryDelayMs) * time.Millisecond,
		},
	}

	// The drain path delivers through the engine and the engine parks through
	// the queue manager. Bind the engine late: no queue exists before the
	// first route, so the drainer can never observe it nil.
	var eng *router.Engine
	s.queues = queue.NewManager(qcfg, queue.Hooks{
		Deliver: func(ctx context.Context, sid string, m *types.Message) error {
			err := eng.DeliverLive(ctx, sid, m)
			if err == nil {
				s.coord.Clear(m.ID)
			}
			return err
		},
		HasConn:    func(sid string) bool { return len(s.registry.Connections(sid)) > 0 },
		OnRequeued: s.onRequeued,
		OnFailed:   s.onFailed,
		OnEvicted:  s.onEvicted,
		OnDropped:  s.onDropped,
		OnDrained:  s.onDrained,
	})
	eng = router.NewEngine(router.EngineParams{
		Directory:       s.registry,
		Queues:          s.queues,
		Levels:          levels,
		DefaultPriority: def,
		SendTimeout:     time.Duration(cfg.Router.MessageTimeoutMs) * time.Millisecond,
		Bus:             s.bus,
		Stats:           s.stats,
		Logger:          s.log,
	})
	s.engine = eng

	s.router = router.New(router.Params{
		Directory:   s.registry,
		Engine:      eng,
		Normalizer:  router.NewNormalizer(levels, def),
		Pending:     s.pending,
		Bus:         s.bus,
		Stats:       s.stats,
		Logger:      s.log,
		MaxParallel: cfg.Router.MaxParallelDeliveries,
	})

	if s.ingress == nil && cfg.Ingress.MaxRate > 0 {
		s.ingress = rate.NewLimiter(rate.Limit(cfg.Ingress.MaxRate), cfg.Ingress.Burst)
	}

	// Session lifecycle drives the queues: a new connection wakes the
	// session's drainer, a destroyed session drops its backlog.
	s.registry.OnConnectionAdded(s.queues.Wake)
	s.registry.OnSessionDestroyed(s.onSessionDestroyed)

	return s, nil
}

// ─── Routing ─────────────────────────────────────────────────────────────────

// RouteMessage normalizes input and delivers it to the sessions spec resolves
// to. Unreachable targets get the message queued; only an empty target set,
// an uncoercible input or a malformed filter fail the call.
func (s *Switchboard) RouteMessage(ctx context.Context, input any, spec RouteSpec) (*RouteResult, error) {
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	return s.router.Route(ctx, input, spec)
}

// Broadcast delivers input to every session matching f (all sessions when f
// is nil) and reports aggregate counts only.
func (s *Switchboard) Broadcast(ctx context.Context, input any, f *Filter) (*BroadcastResult, error) {
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	return s.router.Broadcast(ctx, input, f)
}

// admit applies the optional producer rate limit.
func (s *Switchboard) admit(ctx context.Context) error {
	if s.ingress == nil {
		return nil
	}
	if err := s.ingress.Wait(ctx); err != nil {
		return fmt.Errorf("switchboard: ingress limit: %w", err)
	}
	return nil
}

// ─── Observability ───────────────────────────────────────────────────────────

// StatsSnapshot is the point-in-time observability view of a Switchboard.
type StatsSnapshot struct {
	Counters    stats.Totals   `json:"counters"`
	QueueDepths map[string]int `json:"queue_depths"`
	TotalQueued int            `json:"total_queued"`
	Pending     int            `json:"pending_records"`
	Sessions    int            `json:"sessions"`
	FailedHeld  int            `json:"failed_held"`
}

// Stats assembles counters, per-session queue depth, pending-record count and
// total queued messages.
func (s *Switchboard) Stats() StatsSnapshot {
	return StatsSnapshot{
		Counters:    s.stats.Snapshot(),
		QueueDepths: s.queues.Depths(),
		TotalQueued: s.queues.TotalQueued(),
		Pending:     s.pending.Count(),
		Sessions:    s.registry.Count(),
		FailedHeld:  s.coord.FailedCount(),
	}
}

// Subscribe returns a channel of telemetry events and a cancel func. The bus
// is lossy: a subscriber that falls behind misses events rather than stalling
// delivery.
func (s *Switchboard) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	return s.bus.Subscribe(ctx, buffer)
}

// MetricsHandler serves all counters in the Prometheus text format.
func (s *Switchboard) MetricsHandler() http.Handler { return s.stats.Handler() }

// Registry exposes the session registry so integrators can drive lifecycle:
// Register sessions, Attach and Detach connections, Destroy sessions.
func (s *Switchboard) Registry() *Registry { return s.registry }

// Failed returns the permanently failed deliveries held for inspection,
// oldest first, without removing them.
func (s *Switchboard) Failed() []FailedDelivery { return s.coord.Failed() }

// TakeFailed drains and returns the permanently failed deliveries.
func (s *Switchboard) TakeFailed() []FailedDelivery { return s.coord.TakeFailed() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Close stops every queue drainer, the pending-record janitor and the event
// bus. Safe to call more than once. Sessions stay with their owner.
func (s *Switchboard) Close() {
	s.closeOnce.Do(func() {
		s.queues.Close()
		s.pending.Close()
		s.bus.Close()
		s.log.Info("switchboard closed",
			"sessions", s.registry.Count(), "failed_held", s.coord.FailedCount())
	})
}

// ─── Queue hook handlers ─────────────────────────────────────────────────────

func (s *Switchboard) onRequeued(sessionID string, msg *types.Message, cause error) {
	s.stats.Retried.Inc(string(msg.Priority))
	s.coord.RecordFailure(sessionID, msg, cause)
}

func (s *Switchboard) onFailed(sessionID string, msg *types.Message, cause error) {
	// Fold the final attempt into the history, then move the whole record to
	// the dead-letter buffer.
	s.coord.RecordFailure(sessionID, msg, cause)
	fd := s.coord.Archive(sessionID, msg, cause)

	s.stats.Failed.Inc(string(msg.Priority))
	s.bus.Publish(events.Event{
		Type:      events.TypeMessageFailed,
		MessageID: msg.ID,
		SessionID: sessionID,
		Error:     cause.Error(),
		Payload:   map[string]string{"attempts": strconv.Itoa(len(fd.Attempts))},
	})
	s.log.Warn("message permanently failed",
		"session", sessionID, "msg", msg.ID, "attempts", len(fd.Attempts), "err", cause)
}

func (s *Switchboard) onEvicted(sessionID string, msg *types.Message) {
	s.stats.Evicted.Inc(string(msg.Priority))
	s.bus.Publish(events.Event{
		Type:      events.TypeMessageEvicted,
		MessageID: msg.ID,
		SessionID: sessionID,
		Payload:   map[string]string{"priority": string(msg.Priority)},
	})
}

func (s *Switchboard) onDropped(sessionID string, msg *types.Message) {
	// The queue closed with this message in its drainer's hands. Account for
	// it like the rest of a dropped backlog.
	s.stats.Dropped.Inc(string(msg.Priority))
	s.coord.Clear(msg.ID)
}

func (s *Switchboard) onDrained(sessionID string, delivered, requeued, failed int) {
	s.bus.Publish(events.Event{
		Type:      events.TypeQueueProcessed,
		SessionID: sessionID,
		Payload: map[string]string{
			"delivered": strconv.Itoa(delivered),
			"requeued":  strconv.Itoa(requeued),
			"failed":    strconv.Itoa(failed),
		},
	})
}

// ─── Session lifecycle handlers ──────────────────────────────────────────────

func (s *Switchboard) onSessionDestroyed(sessionID string) {
	dropped := s.queues.Drop(sessionID)
	for _, m := range dropped {
		s.stats.Dropped.Inc(string(m.Priority))
		s.coord.Clear(m.ID)
	}
	s.bus.Publish(events.Event{
		Type:      events.TypeSessionDestroyed,
		SessionID: sessionID,
		Payload:   map[string]string{"dropped": strconv.Itoa(len(dropped))},
	})
	if len(dropped) > 0 {
		s.log.Info("dropped queued messages with destroyed session",
			"session", sessionID, "messages", len(dropped))
	}
}
