package record

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// Export serializes the full manager state. Only "json" is implemented; any
// other format returns ErrUnsupportedFormat. The JSON bundle round-trips:
// parsing it reproduces the live event and session counts.
func (m *Manager) Export(format string) ([]byte, error) {
	if format != "json" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	bundle := m.Bundle()
	out, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("record: encode export: %w", err)
	}
	return out, nil
}

// Bundle snapshots the full state as a structured export. Sessions are
// ordered by start time for stable output; session logs are omitted since
// every event is present in the global list.
func (m *Manager) Bundle() model.ExportBundle {
	// Analytics first so the bundle carries a fresh snapshot.
	analytics := m.Analytics()

	m.mu.Lock()
	defer m.mu.Unlock()

	events := append([]model.Event(nil), m.events...)
	sessions := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out := *s
		out.Events = nil
		sessions = append(sessions, out)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		return sessions[i].ID.String() < sessions[j].ID.String()
	})

	return model.ExportBundle{
		ExportedAt: m.now().UTC(),
		Events:     events,
		Sessions:   sessions,
		Analytics:  analytics,
	}
}
