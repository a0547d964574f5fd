package kiroku

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// Event is the public representation of a recorded telemetry event.
// It is a curated view of the internal event model for use in extension
// interfaces. No internal package imports — safe to use from outside the
// module. Payload holds the kind-specific body as raw JSON.
type Event struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	AgentID    string
	UserID     *string
	Kind       string
	OccurredAt time.Time
	RecordedAt time.Time
	Payload    json.RawMessage
}

// Sink receives a copy of every event the server records, fire-and-forget.
// Dispatch runs on a background goroutine with a bounded timeout; errors are
// logged and never retried, and a slow sink never blocks ingestion.
type Sink interface {
	HandleEvent(ctx context.Context, event Event) error
}

// sinkAdapter bridges the public Sink to the internal record.Sink.
type sinkAdapter struct {
	sink Sink
}

func (a *sinkAdapter) Dispatch(ctx context.Context, event model.Event) error {
	return a.sink.HandleEvent(ctx, toPublicEvent(event))
}

func toPublicEvent(e model.Event) Event {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = nil
	}
	return Event{
		ID:         e.ID,
		SessionID:  e.SessionID,
		AgentID:    e.AgentID,
		UserID:     e.UserID,
		Kind:       string(e.Kind),
		OccurredAt: e.OccurredAt,
		RecordedAt: e.RecordedAt,
		Payload:    payload,
	}
}
