// Package types contains the core domain types shared across all Switchboard
// internal packages. It deliberately has zero imports of other Switchboard
// packages so that the queue layer, the router, and the session registry can
// all import from it without creating import cycles.
package types

// Priority is a named urgency tier. The set of valid tiers and their relative
// order is configuration, not code — see Levels.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Levels is an ordered list of priority tiers, lowest urgency first.
// The index of a tier in the list is its delivery weight.
type Levels []Priority

// DefaultLevels returns the standard four-tier ordering.
func DefaultLevels() Levels {
	return Levels{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}
}

// Weight returns the position of p in l (higher = more urgent), or -1 when p
// is not a known tier.
func (l Levels) Weight(p Priority) int {
	for i, lv := range l {
		if lv == p {
			return i
		}
	}
	return -1
}

// Contains reports whether p is a known tier.
func (l Levels) Contains(p Priority) bool { return l.Weight(p) >= 0 }

// Status is the lifecycle state of a routing attempt.
type Status uint8

const (
	// StatusPending means the routing attempt is still in progress.
	StatusPending Status = iota
	// StatusDelivered means at least one live connection accepted the message.
	StatusDelivered
	// StatusQueued means the message is parked in a session queue awaiting a
	// connection.
	StatusQueued
	// StatusFailed means the message could be neither delivered nor queued.
	StatusFailed
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is the canonical unit of data flowing through Switchboard.
//
// Design rules:
//   - ID, Timestamp, and Priority are fixed at normalization time and never
//     change afterwards. Attempt is the only field the router writes, and it
//     only ever increases.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings: time-sortable, globally unique.
type Message struct {
	// ID is a ULID uniquely identifying this message.
	ID string `json:"id"`

	// Type classifies the message for the receiving client ("agent", "system",
	// "control", …). Free-form; receivers own the vocabulary.
	Type string `json:"type"`

	// Agent names the component that produced the message.
	Agent string `json:"agent"`

	// Content is the opaque payload. Producers own the encoding — plain text,
	// decoded JSON, or any structured value.
	Content any `json:"content"`

	// Priority is the urgency tier assigned at normalization time.
	Priority Priority `json:"priority"`

	// Timestamp is the UTC millisecond at which the message was normalized.
	Timestamp int64 `json:"timestamp"`

	// Metadata holds arbitrary key-value pairs set by the producer. Passed
	// through untouched; the broadcast filter matches against it.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Attempt is the number of failed delivery attempts so far. Zero until the
	// first failure; incremented each time a failed delivery is re-queued.
	Attempt int `json:"attempt"`
}

// Clone returns a shallow copy of the message. The Metadata map is shared;
// treat it as read-only after normalization.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
