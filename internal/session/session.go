// Package session tracks the addressable clients a router delivers to.
//
// A session is one logical client — an editor window, a CI runner, a bot —
// that may hold zero or more live transport connections at any moment.
// Connections attach and detach independently of the session's lifetime:
// a session with zero connections is still addressable, its messages simply
// queue until a connection reappears.
//
// Design rules:
//   - Session ids must be 1–64 characters: letters, digits, dots, underscores
//     or hyphens, starting with a letter or digit.
//   - Lifecycle handlers run synchronously and outside the registry lock:
//     OnConnectionAdded / OnSessionDestroyed handlers complete before Attach /
//     Destroy return, so a destroyed session's queue can be dropped before the
//     id is ever reused.
//   - Reads return copies — callers can never mutate registry state through a
//     returned Session.
//   - All methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/internexio/switchboard/internal/types"
)

// idRe validates session ids: 1–64 chars, letters/digits/dots/underscores/
// hyphens, must start with a letter or digit.
var idRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{0,63}$`)

// ErrNotFound is returned when a session that doesn't exist is requested.
var ErrNotFound = errors.New("session: not found")

// ErrAlreadyExists is returned when Register is called for an existing id.
var ErrAlreadyExists = errors.New("session: already exists")

// ErrInvalidID is returned when a session id fails validation.
var ErrInvalidID = errors.New("session: invalid id")

// ─── Contracts ───────────────────────────────────────────────────────────────

// Conn is one live transport channel belonging to a session.
type Conn interface {
	// ID uniquely identifies the connection within its session.
	ID() string

	// Send pushes one message down the transport. It must honor ctx
	// cancellation and return a non-nil error when the message was not
	// accepted by the remote end.
	Send(ctx context.Context, msg *types.Message) error
}

// Directory is the lookup surface the router consumes. Registry implements
// it; an alternative directory (say, one backed by an RPC control plane) only
// needs these methods.
type Directory interface {
	// Get returns the session record for id, or ErrNotFound.
	Get(id string) (*Session, error)

	// All returns every known session, sorted by id.
	All() []*Session

	// ByProject returns the sessions whose ProjectPath equals path exactly.
	ByProject(path string) []*Session

	// ByInstance returns the sessions owned by the given instance id.
	ByInstance(id string) []*Session

	// Connections returns the session's live connections. Empty for unknown
	// sessions — lookups never fail here because callers race with Destroy.
	Connections(sessionID string) []Conn

	// Touch records delivery activity on the session.
	Touch(id string)
}

// Session is the metadata record for one addressable client.
type Session struct {
	ID           string            `json:"id"`
	ProjectPath  string            `json:"project_path,omitempty"`
	InstanceID   string            `json:"instance_id,omitempty"`
	CreatedAt    int64             `json:"created_at"`    // UTC milliseconds
	LastActivity int64             `json:"last_activity"` // UTC milliseconds
	Metadata     map[string]string `json:"metadata,omitempty"`
	ConnCount    int               `json:"conn_count"`
}

// Age returns how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.CreatedAt) * time.Millisecond
}

// ─── Registry ────────────────────────────────────────────────────────────────

// liveSession is the registry's internal state for one session: the metadata
// record plus its attached connections.
type liveSession struct {
	sess  Session
	conns []Conn
}

// Registry is the in-memory session directory. It also owns the lifecycle
// signals the rest of the system hangs off: handlers registered via
// OnConnectionAdded and OnSessionDestroyed fire synchronously from Attach and
// Destroy respectively.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession

	onConnAdded []func(sessionID string)
	onDestroyed []func(sessionID string)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*liveSession)}
}

// OnConnectionAdded registers fn to run every time a connection attaches to a
// session. Registration is intended for assembly time, before traffic flows.
func (r *Registry) OnConnectionAdded(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnAdded = append(r.onConnAdded, fn)
}

// OnSessionDestroyed registers fn to run every time a session is destroyed.
func (r *Registry) OnSessionDestroyed(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDestroyed = append(r.onDestroyed, fn)
}

// Register creates a new session record with zero connections.
// Returns ErrAlreadyExists if the id is taken, ErrInvalidID if it is malformed.
func (r *Registry) Register(id, projectPath, instanceID string, meta map[string]string) (*Session, error) {
	if !idRe.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	now := time.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	ls := &liveSession{sess: Session{
		ID:           id,
		ProjectPath:  projectPath,
		InstanceID:   instanceID,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     maps.Clone(meta),
	}}
	r.sessions[id] = ls

	cp := ls.snapshot()
	return &cp, nil
}

// Attach adds a live connection to the session and fires the
// connection-added handlers before returning. A connection with the same ID
// as an existing one replaces it (reconnect semantics).
// Returns ErrNotFound for an unknown session.
func (r *Registry) Attach(sessionID string, c Conn) error {
	r.mu.Lock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	replaced := false
	for i, existing := range ls.conns {
		if existing.ID() == c.ID() {
			ls.conns[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		ls.conns = append(ls.conns, c)
	}
	handlers := slices.Clone(r.onConnAdded)
	r.mu.Unlock()

	// Handlers run outside the lock: they call back into queue draining,
	// which reads this registry.
	for _, fn := range handlers {
		fn(sessionID)
	}
	return nil
}

// Detach removes the connection with connID from the session. Detaching a
// connection that is not attached is a no-op.
// Returns ErrNotFound for an unknown session.
func (r *Registry) Detach(sessionID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	for i, c := range ls.conns {
		if c.ID() == connID {
			ls.conns = append(ls.conns[:i], ls.conns[i+1:]...)
			break
		}
	}
	return nil
}

// Destroy removes the session and fires the session-destroyed handlers before
// returning, so callers can rely on the session's queue being gone when
// Destroy completes.
// Returns ErrNotFound for an unknown session.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	handlers := slices.Clone(r.onDestroyed)
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(id)
	}
	return nil
}

// ─── Directory implementation ────────────────────────────────────────────────

// Get returns a copy of the session record, or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := ls.snapshot()
	return &cp, nil
}

// All returns every known session sorted by id.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, ls := range r.sessions {
		cp := ls.snapshot()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByProject returns the sessions whose ProjectPath equals path exactly,
// sorted by id.
func (r *Registry) ByProject(path string) []*Session {
	return r.selectWhere(func(s *Session) bool { return s.ProjectPath == path })
}

// ByInstance returns the sessions owned by instance id, sorted by id.
func (r *Registry) ByInstance(id string) []*Session {
	return r.selectWhere(func(s *Session) bool { return s.InstanceID == id })
}

func (r *Registry) selectWhere(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, ls := range r.sessions {
		cp := ls.snapshot()
		if keep(&cp) {
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections returns a copy of the session's live connection list. Unknown
// sessions yield an empty list, never an error — callers race with Destroy.
func (r *Registry) Connections(sessionID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.sessions[sessionID]
	if !ok || len(ls.conns) == 0 {
		return nil
	}
	out := make([]Conn, len(ls.conns))
	copy(out, ls.conns)
	return out
}

// Touch refreshes the session's LastActivity. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	now := time.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	if ls, ok := r.sessions[id]; ok {
		ls.sess.LastActivity = now
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot returns a copy of the session record with ConnCount filled in.
// Must be called with the registry lock held.
func (ls *liveSession) snapshot() Session {
	cp := ls.sess
	cp.Metadata = maps.Clone(ls.sess.Metadata)
	cp.ConnCount = len(ls.conns)
	return cp
}
