package router

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/internexio/switchboard/internal/ident"
	"github.com/internexio/switchboard/internal/types"
)

// ErrInvalidMessage is returned when an input cannot be coerced into a
// message: its content is entirely absent and it has no string form to use as
// content.
var ErrInvalidMessage = errors.New("router: invalid message")

// ─── Normalizer ──────────────────────────────────────────────────────────────

// Normalizer turns raw routing inputs into fully-populated canonical messages.
//
// Accepted inputs:
//   - string and []byte become the content of a fresh message;
//   - types.Message and *types.Message act as templates: present fields are
//     taken over, missing ones defaulted, and the input is never mutated;
//   - map[string]any is treated as message-like when it has a "content" key
//     ("type", "agent", "priority" and "metadata" are honoured too);
//   - any other non-nil value becomes opaque content.
//
// Every produced message gets a fresh ULID, a fresh timestamp and a zero
// attempt count. Normalization is the birth of a message, whatever the input
// looked like — two calls with the same input yield two distinct messages.
type Normalizer struct {
	levels types.Levels
	def    types.Priority
}

// NewNormalizer creates a Normalizer validating priorities against levels.
// Unknown or absent priorities are coerced to def.
func NewNormalizer(levels types.Levels, def types.Priority) *Normalizer {
	if len(levels) == 0 {
		levels = types.DefaultLevels()
	}
	if def == "" || !levels.Contains(def) {
		def = types.PriorityNormal
	}
	return &Normalizer{levels: levels, def: def}
}

// Normalize coerces input into a canonical message.
func (n *Normalizer) Normalize(input any) (*types.Message, error) {
	m := &types.Message{
		Type:     "agent",
		Agent:    "system",
		Priority: n.def,
	}

	switch v := input.(type) {
	case nil:
		return nil, fmt.Errorf("%w: no content", ErrInvalidMessage)
	case string:
		m.Content = v
	case []byte:
		m.Content = string(v)
	case types.Message:
		if err := n.fromTemplate(m, &v); err != nil {
			return nil, err
		}
	case *types.Message:
		if v == nil {
			return nil, fmt.Errorf("%w: no content", ErrInvalidMessage)
		}
		if err := n.fromTemplate(m, v); err != nil {
			return nil, err
		}
	case map[string]any:
		if err := n.fromMap(m, v); err != nil {
			return nil, err
		}
	default:
		m.Content = input
	}

	id, err := ident.NewID()
	if err != nil {
		return nil, fmt.Errorf("router: message id: %w", err)
	}
	m.ID = id
	m.Timestamp = time.Now().UnixMilli()
	m.Attempt = 0
	return m, nil
}

// fromTemplate fills m from an existing message without mutating it.
func (n *Normalizer) fromTemplate(m, t *types.Message) error {
	if t.Content == nil {
		return fmt.Errorf("%w: no content", ErrInvalidMessage)
	}
	m.Content = t.Content
	if t.Type != "" {
		m.Type = t.Type
	}
	if t.Agent != "" {
		m.Agent = t.Agent
	}
	m.Priority = n.tier(string(t.Priority))
	m.Metadata = maps.Clone(t.Metadata)
	return nil
}

// fromMap fills m from a message-like map.
func (n *Normalizer) fromMap(m *types.Message, v map[string]any) error {
	content, ok := v["content"]
	if !ok || content == nil {
		return fmt.Errorf("%w: no content", ErrInvalidMessage)
	}
	m.Content = content

	if s, ok := v["type"].(string); ok && s != "" {
		m.Type = s
	}
	if s, ok := v["agent"].(string); ok && s != "" {
		m.Agent = s
	}
	switch p := v["priority"].(type) {
	case string:
		m.Priority = n.tier(p)
	case types.Priority:
		m.Priority = n.tier(string(p))
	}
	switch md := v["metadata"].(type) {
	case map[string]string:
		m.Metadata = maps.Clone(md)
	case map[string]any:
		meta := make(map[string]string, len(md))
		for k, val := range md {
			meta[k] = fmt.Sprint(val)
		}
		m.Metadata = meta
	}
	return nil
}

// tier maps a raw priority string onto a configured tier, case-insensitively.
// Anything unknown collapses to the default tier rather than failing the
// message.
func (n *Normalizer) tier(s string) types.Priority {
	p := types.Priority(strings.ToLower(strings.TrimSpace(s)))
	if p != "" && n.levels.Contains(p) {
		return p
	}
	return n.def
}
