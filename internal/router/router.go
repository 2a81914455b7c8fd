// Package router resolves routing requests to their target sessions and
// orchestrates delivery across them.
//
// A routing request flows through four stages: the input is normalized into a
// canonical message, the route spec is resolved to a set of target sessions,
// the delivery engine fans out to every target with bounded parallelism, and
// the per-target outcomes are aggregated into a RouteResult plus a
// pending-delivery record.
//
// Design rules:
//   - every target receives its own clone of the message, so per-session
//     retry accounting never bleeds across queues;
//   - routing never fails because a target was unreachable — an unreachable
//     target means a queued message, and only an empty target set, a
//     malformed filter or an uncoercible input produce errors;
//   - resolution picks exactly one rule, by specificity: session id, then
//     project path, then instance id, then broadcast across the directory.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/internexio/switchboard/internal/events"
	"github.com/internexio/switchboard/internal/session"
	"github.com/internexio/switchboard/internal/stats"
	"github.com/internexio/switchboard/internal/types"
)

// ErrNoTargets is returned when route resolution yields no sessions.
var ErrNoTargets = errors.New("router: no matching target sessions")

// DefaultMaxParallel bounds concurrent per-target deliveries in one routing
// call when no limit is configured.
const DefaultMaxParallel = 32

// ─── Route types ─────────────────────────────────────────────────────────────

// RouteSpec says where a message should go. Exactly one resolution rule
// applies, chosen by specificity: SessionID, then ProjectPath, then
// InstanceID, then broadcast. Filter narrows broadcasts; it is ignored when a
// more specific rule matched.
type RouteSpec struct {
	SessionID   string  `json:"session_id,omitempty"`
	ProjectPath string  `json:"project_path,omitempty"`
	InstanceID  string  `json:"instance_id,omitempty"`
	Broadcast   bool    `json:"broadcast,omitempty"`
	Filter      *Filter `json:"filter,omitempty"`
}

func (s RouteSpec) String() string {
	switch {
	case s.SessionID != "":
		return "session " + s.SessionID
	case s.ProjectPath != "":
		return "project " + s.ProjectPath
	case s.InstanceID != "":
		return "instance " + s.InstanceID
	case s.Broadcast:
		return "broadcast"
	}
	return "all sessions"
}

// RouteResult aggregates the per-target outcomes of one routing request.
type RouteResult struct {
	MessageID string         `json:"message_id"`
	Delivered int            `json:"delivered"`
	Queued    int            `json:"queued"`
	Failed    int            `json:"failed"`
	Targets   []TargetResult `json:"targets"`
}

// BroadcastResult carries the aggregate counts of a broadcast. Per-target
// detail is deliberately omitted — a broadcast can touch thousands of
// sessions.
type BroadcastResult struct {
	Delivered int `json:"delivered"`
	Queued    int `json:"queued"`
	Failed    int `json:"failed"`
}

// ─── Router ──────────────────────────────────────────────────────────────────

// Router is the routing orchestrator.
type Router struct {
	dir         session.Directory
	engine      *Engine
	norm        *Normalizer
	pending     *PendingTracker
	bus         *events.Bus
	stats       *stats.Registry
	log         *slog.Logger
	maxParallel int
}

// Params assembles a Router. Directory, Engine, Normalizer and Pending are
// required; the rest defaults sensibly when zero.
type Params struct {
	Directory   session.Directory
	Engine      *Engine
	Normalizer  *Normalizer
	Pending     *PendingTracker
	Bus         *events.Bus
	Stats       *stats.Registry
	Logger      *slog.Logger
	MaxParallel int
}

// New creates a Router from p.
func New(p Params) *Router {
	if p.MaxParallel <= 0 {
		p.MaxParallel = DefaultMaxParallel
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
	return &Router{
		dir:         p.Directory,
		engine:      p.Engine,
		norm:        p.Normalizer,
		pending:     p.Pending,
		bus:         p.Bus,
		stats:       p.Stats,
		log:         p.Logger,
		maxParallel: p.MaxParallel,
	}
}

// Route normalizes input, resolves spec to target sessions and delivers to
// every target. The returned RouteResult holds one TargetResult per target in
// resolution order.
func (r *Router) Route(ctx context.Context, input any, spec RouteSpec) (*RouteResult, error) {
	msg, err := r.norm.Normalize(input)
	if err != nil {
		return nil, err
	}

	targets, err := r.resolve(spec)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w (%s)", ErrNoTargets, spec)
	}
	// Sent counts messages accepted for routing; a request that resolves to
	// nobody never enters the delivery path and must not skew the ledger.
	r.stats.Sent.Inc(string(msg.Priority))

	ids := make([]string, len(targets))
	for i, s := range targets {
		ids[i] = s.ID
	}
	recID := r.pending.Begin(msg, spec, ids)

	// Fan out with bounded parallelism. Each target gets its own message
	// clone: queues mutate the attempt counter and must not share state.
	results := make([]TargetResult, len(targets))
	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, s := range targets {
		g.Go(func() error {
			results[i] = r.engine.Deliver(ctx, s.ID, msg.Clone())
			return nil
		})
	}
	_ = g.Wait() // deliveries report through results, never through errors

	res := &RouteResult{MessageID: msg.ID, Targets: results}
	for _, tr := range results {
		r.pending.Observe(recID, tr.Status)
		switch tr.Status {
		case types.StatusDelivered:
			res.Delivered++
		case types.StatusQueued:
			res.Queued++
		default:
			res.Failed++
		}
	}

	r.bus.Publish(events.Event{
		Type:      events.TypeMessageRouted,
		MessageID: msg.ID,
		Payload: map[string]string{
			"targets":   strconv.Itoa(len(results)),
			"delivered": strconv.Itoa(res.Delivered),
			"queued":    strconv.Itoa(res.Queued),
			"failed":    strconv.Itoa(res.Failed),
		},
	})
	r.log.Debug("message routed",
		"msg", msg.ID, "spec", spec.String(), "targets", len(results),
		"delivered", res.Delivered, "queued", res.Queued, "failed", res.Failed)
	return res, nil
}

// Broadcast sends input to every session matching f (every session, when f is
// nil) and reports only the aggregate counts.
func (r *Router) Broadcast(ctx context.Context, input any, f *Filter) (*BroadcastResult, error) {
	res, err := r.Route(ctx, input, RouteSpec{Broadcast: true, Filter: f})
	if err != nil {
		return nil, err
	}
	return &BroadcastResult{Delivered: res.Delivered, Queued: res.Queued, Failed: res.Failed}, nil
}

// resolve maps spec onto the directory. An unknown session id resolves to an
// empty set, not an error — the caller turns empty into ErrNoTargets so all
// "nobody there" outcomes look alike.
func (r *Router) resolve(spec RouteSpec) ([]*session.Session, error) {
	switch {
	case spec.SessionID != "":
		s, err := r.dir.Get(spec.SessionID)
		if err != nil {
			return nil, nil
		}
		return []*session.Session{s}, nil
	case spec.ProjectPath != "":
		return r.dir.ByProject(spec.ProjectPath), nil
	case spec.InstanceID != "":
		return r.dir.ByInstance(spec.InstanceID), nil
	}

	// Broadcast and the no-hints default both span the directory; the filter
	// applies to either.
	match, err := spec.Filter.Matcher()
	if err != nil {
		return nil, err
	}
	var out []*session.Session
	for _, s := range r.dir.All() {
		if match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}
