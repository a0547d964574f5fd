package model

import (
	"time"

	"github.com/google/uuid"
)

// Session is a bounded interval of user or agent activity grouping zero or
// more events. Events holds the session's log in append order; appends remain
// permitted after EndedAt is set.
type Session struct {
	ID        uuid.UUID      `json:"id"`
	UserID    *string        `json:"user_id,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Events    []Event        `json:"events,omitempty"`
}

// Ended reports whether the session has been closed.
func (s Session) Ended() bool {
	return s.EndedAt != nil
}

// Duration returns the session length. Zero (and false) until the session
// has ended.
func (s Session) Duration() (time.Duration, bool) {
	if s.EndedAt == nil {
		return 0, false
	}
	d := s.EndedAt.Sub(s.StartedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}
