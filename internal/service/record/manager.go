// Package record holds the live telemetry state: an append-only event log
// grouped by session, with analytics memoized behind a dirty flag.
package record

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// ErrUnsupportedFormat is returned by Export for any format other than "json".
var ErrUnsupportedFormat = errors.New("record: unsupported export format")

// Sink receives every recorded event, fire-and-forget. Dispatch happens on a
// separate goroutine; errors are logged and never retried.
type Sink interface {
	Dispatch(ctx context.Context, event model.Event) error
}

// sinkTimeout bounds a single sink dispatch.
const sinkTimeout = 5 * time.Second

// DefaultSlowThreshold classifies events as slow when their payload carries
// a duration at or above it.
const DefaultSlowThreshold = 5 * time.Second

// Config configures a Manager. Zero values get sane defaults.
type Config struct {
	Logger        *slog.Logger
	Sink          Sink             // optional
	Now           func() time.Time // optional, defaults to time.Now
	SlowThreshold time.Duration    // optional, defaults to DefaultSlowThreshold
}

// Manager owns the in-memory event log and session registry.
// All methods are safe for concurrent use.
type Manager struct {
	logger        *slog.Logger
	sink          Sink
	now           func() time.Time
	slowThreshold time.Duration

	mu       sync.Mutex
	events   []model.Event
	sessions map[uuid.UUID]*model.Session

	dirty    bool
	snapshot model.AnalyticsSnapshot
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	slowThreshold := cfg.SlowThreshold
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	return &Manager{
		logger:        logger,
		sink:          cfg.Sink,
		now:           now,
		slowThreshold: slowThreshold,
		sessions:      make(map[uuid.UUID]*model.Session),
		dirty:         true,
	}
}

// RecordEvent assigns an id and timestamps to the input, appends it to the
// global log and to the owning session's log if that session exists, and
// marks analytics stale. An unknown session id is not an error: the event
// still lands in the global log. The caller's payload is trusted as-is.
func (m *Manager) RecordEvent(input model.EventInput) model.Event {
	now := m.now().UTC()
	occurredAt := now
	if input.OccurredAt != nil {
		occurredAt = input.OccurredAt.UTC()
	}

	event := model.Event{
		ID:         uuid.New(),
		SessionID:  input.SessionID,
		AgentID:    input.AgentID,
		UserID:     input.UserID,
		Kind:       input.Kind,
		OccurredAt: occurredAt,
		RecordedAt: now,
		Payload:    input.Payload,
	}

	m.mu.Lock()
	m.events = append(m.events, event)
	if s, ok := m.sessions[event.SessionID]; ok {
		s.Events = append(s.Events, event)
	}
	m.dirty = true
	m.mu.Unlock()

	m.dispatch(event)
	return event
}

// dispatch forwards the event to the sink on its own goroutine.
// Failures are logged and forgotten.
func (m *Manager) dispatch(event model.Event) {
	if m.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := m.sink.Dispatch(ctx, event); err != nil {
			m.logger.Warn("record: sink dispatch failed", "event_id", event.ID, "error", err)
		}
	}()
}

// StartSession registers a new session starting now.
func (m *Manager) StartSession(userID *string, metadata map[string]any) model.Session {
	s := model.Session{
		ID:        uuid.New(),
		UserID:    userID,
		StartedAt: m.now().UTC(),
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.sessions[s.ID] = &s
	m.dirty = true
	m.mu.Unlock()

	return s
}

// EndSession stamps the session's end time and reports whether the session
// was known. Ending an unknown or already-ended session is a no-op. Appends
// to an ended session remain allowed.
func (m *Manager) EndSession(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	if s.EndedAt == nil {
		endedAt := m.now().UTC()
		s.EndedAt = &endedAt
		m.dirty = true
	}
	return true
}

// Session returns a copy of one session including its events.
func (m *Manager) Session(id uuid.UUID) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	out := *s
	out.Events = append([]model.Event(nil), s.Events...)
	return out, true
}

// Analytics returns the current snapshot, recomputing it only when the log
// changed since the last computation.
func (m *Manager) Analytics() model.AnalyticsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirty {
		m.snapshot = m.compute()
		m.dirty = false
	}
	return m.snapshot
}

// ClearOldData drops events recorded strictly before the cutoff and sessions
// started strictly before it. Events and sessions exactly at the cutoff are
// retained. Returns the number of events and sessions removed.
func (m *Manager) ClearOldData(cutoff time.Time) (eventsRemoved, sessionsRemoved int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	for _, e := range m.events {
		if e.RecordedAt.Before(cutoff) {
			eventsRemoved++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept

	for id, s := range m.sessions {
		if s.StartedAt.Before(cutoff) {
			delete(m.sessions, id)
			sessionsRemoved++
			continue
		}
		// Session survives; filter its own log the same way.
		keptSession := s.Events[:0]
		for _, e := range s.Events {
			if e.RecordedAt.Before(cutoff) {
				continue
			}
			keptSession = append(keptSession, e)
		}
		s.Events = keptSession
	}

	if eventsRemoved > 0 || sessionsRemoved > 0 {
		m.dirty = true
	}
	return eventsRemoved, sessionsRemoved
}

// CountOldData reports how many events and sessions ClearOldData would
// remove at the given cutoff, without removing anything.
func (m *Manager) CountOldData(cutoff time.Time) (events, sessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.RecordedAt.Before(cutoff) {
			events++
		}
	}
	for _, s := range m.sessions {
		if s.StartedAt.Before(cutoff) {
			sessions++
		}
	}
	return events, sessions
}

// Restore seeds the manager from archived state, newest-out ordering
// preserved by the caller. Used on startup rehydration; events whose session
// is present are re-attached to it.
func (m *Manager) Restore(sessions []model.Session, events []model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range sessions {
		s := sessions[i]
		s.Events = nil
		m.sessions[s.ID] = &s
	}
	for _, e := range events {
		m.events = append(m.events, e)
		if s, ok := m.sessions[e.SessionID]; ok {
			s.Events = append(s.Events, e)
		}
	}
	m.dirty = true
}

// EventCount returns the size of the global event log.
func (m *Manager) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// SessionCount returns the number of known sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
