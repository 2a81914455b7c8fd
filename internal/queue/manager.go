package queue

import (
	"sync"

	"github.com/internexio/switchboard/internal/types"
)

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager owns the lifecycle of all SessionQueue instances.
//
// Responsibilities:
//   - Create queues on demand (GetOrCreate) with the shared config and hooks.
//   - Wake a session's drainer when the directory reports a new connection.
//   - Drop a session's queue the moment the session is destroyed.
//   - Tear everything down cleanly on Close.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*SessionQueue // sessionID → queue
	defCfg Config                   // applied to every newly created queue
	hooks  Hooks
}

// NewManager creates a Manager. defCfg and hooks are applied to every queue
// created via GetOrCreate.
func NewManager(defCfg Config, hooks Hooks) *Manager {
	return &Manager{
		queues: make(map[string]*SessionQueue),
		defCfg: defCfg,
		hooks:  hooks,
	}
}

// GetOrCreate returns the live queue for sessionID, creating it first if needed.
func (m *Manager) GetOrCreate(sessionID string) *SessionQueue {
	m.mu.RLock()
	q, ok := m.queues[sessionID]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check under write lock (avoid TOCTOU between RLock check and WLock).
	if q, ok := m.queues[sessionID]; ok {
		return q
	}
	q = New(sessionID, m.defCfg, m.hooks)
	m.queues[sessionID] = q
	return q
}

// Get returns the live queue for sessionID, or false when none exists.
func (m *Manager) Get(sessionID string) (*SessionQueue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[sessionID]
	return q, ok
}

// Enqueue parks msg on sessionID's queue at the given priority weight,
// creating the queue on first use.
func (m *Manager) Enqueue(sessionID string, msg *types.Message, weight int) error {
	return m.GetOrCreate(sessionID).Push(msg, weight)
}

// Wake signals sessionID's drainer that a connection appeared. A session with
// no queue (nothing was ever parked) is a no-op — queues are created by
// enqueues, not by connections.
func (m *Manager) Wake(sessionID string) {
	m.mu.RLock()
	q, ok := m.queues[sessionID]
	m.mu.RUnlock()
	if ok {
		q.Wake()
	}
}

// Drop discards sessionID's queue and everything in it, returning the
// discarded messages. Called synchronously from the session-destroyed handler
// so a dead session can never hold queued memory.
func (m *Manager) Drop(sessionID string) []*types.Message {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	if ok {
		delete(m.queues, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return q.DropAll()
}

// Depths returns a snapshot of per-session queue depth for every live queue.
func (m *Manager) Depths() map[string]int {
	m.mu.RLock()
	qs := make([]*SessionQueue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.RUnlock()

	out := make(map[string]int, len(qs))
	for _, q := range qs {
		out[q.SessionID] = q.Len()
	}
	return out
}

// TotalQueued returns the combined depth of all session queues.
func (m *Manager) TotalQueued() int {
	var n int
	for _, d := range m.Depths() {
		n += d
	}
	return n
}

// Sessions returns a snapshot of all session ids that currently own a queue.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every drainer and forgets all queues.
func (m *Manager) Close() {
	m.mu.Lock()
	qs := make([]*SessionQueue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.queues = make(map[string]*SessionQueue)
	m.mu.Unlock()

	for _, q := range qs {
		q.Close()
	}
}
