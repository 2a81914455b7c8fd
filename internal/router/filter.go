package router

import (
	"fmt"
	"regexp"
	"time"

	"github.com/internexio/switchboard/internal/session"
)

// Filter narrows a broadcast to the sessions matching every supplied clause.
// A nil *Filter (and the zero value) matches all sessions.
type Filter struct {
	// ProjectPattern is a case-insensitive regular expression matched against
	// the session's project path. Empty matches everything.
	ProjectPattern string `json:"project_pattern,omitempty"`

	// MinConnections excludes sessions with fewer live connections.
	MinConnections int `json:"min_connections,omitempty"`

	// MaxAge excludes sessions created longer ago than this.
	MaxAge time.Duration `json:"max_age,omitempty"`

	// Metadata requires exact key/value matches on the session's metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Matcher compiles the filter into a predicate over session snapshots. The
// pattern is compiled once and the reference time fixed here, so the predicate
// is cheap to apply across a large directory. The only possible error is a
// malformed project pattern.
func (f *Filter) Matcher() (func(*session.Session) bool, error) {
	if f == nil {
		return func(*session.Session) bool { return true }, nil
	}

	var re *regexp.Regexp
	if f.ProjectPattern != "" {
		var err error
		re, err = regexp.Compile("(?i)" + f.ProjectPattern)
		if err != nil {
			return nil, fmt.Errorf("router: filter project pattern: %w", err)
		}
	}

	now := time.Now()
	return func(s *session.Session) bool {
		if re != nil && !re.MatchString(s.ProjectPath) {
			return false
		}
		if f.MinConnections > 0 && s.ConnCount < f.MinConnections {
			return false
		}
		if f.MaxAge > 0 && s.Age(now) > f.MaxAge {
			return false
		}
		for k, want := range f.Metadata {
			if s.Metadata[k] != want {
				return false
			}
		}
		return true
	}, nil
}
