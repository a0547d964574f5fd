// Package model defines the core domain types for Kiroku.
//
// Events are a tagged union: every event carries exactly one payload variant
// and the variant always matches the event's kind. The invariant is enforced
// by construction — payloads implement the sealed Payload interface and the
// JSON codec decodes the payload based on the kind discriminator.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind is the category of a telemetry event.
type EventKind string

const (
	KindPrompt   EventKind = "prompt"
	KindPlan     EventKind = "plan"
	KindArtifact EventKind = "artifact"
	KindFeedback EventKind = "feedback"
	KindDelta    EventKind = "delta"
	KindOutcome  EventKind = "outcome"
	KindSystem   EventKind = "system"
	KindError    EventKind = "error"
)

// EventKinds lists all valid kinds in a stable order.
var EventKinds = []EventKind{
	KindPrompt, KindPlan, KindArtifact, KindFeedback,
	KindDelta, KindOutcome, KindSystem, KindError,
}

// ValidKind reports whether k is a recognized event kind.
func ValidKind(k EventKind) bool {
	switch k {
	case KindPrompt, KindPlan, KindArtifact, KindFeedback,
		KindDelta, KindOutcome, KindSystem, KindError:
		return true
	}
	return false
}

// Payload is the kind-specific body of an Event. Sealed: only the payload
// types in this package implement it.
type Payload interface {
	Kind() EventKind
}

// PromptPayload records a prompt sent to a model.
type PromptPayload struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Tokens  int    `json:"tokens,omitempty"`
}

func (PromptPayload) Kind() EventKind { return KindPrompt }

// PlanPayload records a generated plan.
type PlanPayload struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
}

func (PlanPayload) Kind() EventKind { return KindPlan }

// ArtifactPayload records a produced artifact (code, document, config).
// QualityScore is in [0.0, 1.0]; zero means "not scored".
type ArtifactPayload struct {
	Name         string  `json:"name"`
	ArtifactType string  `json:"artifact_type,omitempty"`
	Language     string  `json:"language,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	SizeBytes    int64   `json:"size_bytes,omitempty"`
}

func (ArtifactPayload) Kind() EventKind { return KindArtifact }

// Sentiment classifies user feedback.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// FeedbackPayload records explicit user feedback.
type FeedbackPayload struct {
	Sentiment Sentiment `json:"sentiment"`
	Comment   string    `json:"comment,omitempty"`
	Rating    int       `json:"rating,omitempty"` // 1-5, 0 = not rated
}

func (FeedbackPayload) Kind() EventKind { return KindFeedback }

// DeltaPayload records an incremental change to an artifact.
type DeltaPayload struct {
	Target       string `json:"target"`
	Description  string `json:"description,omitempty"`
	LinesAdded   int    `json:"lines_added,omitempty"`
	LinesRemoved int    `json:"lines_removed,omitempty"`
}

func (DeltaPayload) Kind() EventKind { return KindDelta }

// OutcomeResult is the terminal result of a unit of work.
type OutcomeResult string

const (
	OutcomeSuccess OutcomeResult = "success"
	OutcomeFailure OutcomeResult = "failure"
	OutcomePartial OutcomeResult = "partial"
)

// OutcomePayload records the result of a task or run.
type OutcomePayload struct {
	Result     OutcomeResult `json:"result"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

func (OutcomePayload) Kind() EventKind { return KindOutcome }

// SystemPayload records an internal platform occurrence.
type SystemPayload struct {
	Component  string `json:"component"`
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (SystemPayload) Kind() EventKind { return KindSystem }

// ErrorPayload records a failure surfaced to or by the platform.
type ErrorPayload struct {
	Message     string `json:"message"`
	Component   string `json:"component,omitempty"`
	Stack       string `json:"stack,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

func (ErrorPayload) Kind() EventKind { return KindError }

// Event is a single append-only record in the telemetry log.
// Never mutated after recording.
type Event struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	UserID     *string   `json:"user_id,omitempty"`
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`
	Payload    Payload   `json:"payload"`
}

// Duration returns the wall-clock duration carried by the event's payload,
// if the payload type has one. Events without a measured duration return
// false and are never considered for slow-event heuristics.
func (e Event) Duration() (time.Duration, bool) {
	switch p := e.Payload.(type) {
	case OutcomePayload:
		if p.DurationMs > 0 {
			return time.Duration(p.DurationMs) * time.Millisecond, true
		}
	case SystemPayload:
		if p.DurationMs > 0 {
			return time.Duration(p.DurationMs) * time.Millisecond, true
		}
	}
	return 0, false
}

// eventJSON is the wire shape of an Event. Payload is deferred so it can be
// decoded into the variant selected by Kind.
type eventJSON struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	AgentID    string          `json:"agent_id"`
	UserID     *string         `json:"user_id,omitempty"`
	Kind       EventKind       `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("model: marshal %s payload: %w", e.Kind, err)
	}
	return json.Marshal(eventJSON{
		ID:         e.ID,
		SessionID:  e.SessionID,
		AgentID:    e.AgentID,
		UserID:     e.UserID,
		Kind:       e.Kind,
		OccurredAt: e.OccurredAt,
		RecordedAt: e.RecordedAt,
		Payload:    payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload variant is selected
// by the kind discriminator; unknown kinds are rejected.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:         raw.ID,
		SessionID:  raw.SessionID,
		AgentID:    raw.AgentID,
		UserID:     raw.UserID,
		Kind:       raw.Kind,
		OccurredAt: raw.OccurredAt,
		RecordedAt: raw.RecordedAt,
		Payload:    payload,
	}
	return nil
}

// DecodePayload decodes a raw JSON payload into the variant for kind.
// A nil or empty payload decodes to the zero value of the variant.
// Payloads are always returned as values, never pointers, so type switches
// over payload variants see a single representation.
func DecodePayload(kind EventKind, data []byte) (Payload, error) {
	switch kind {
	case KindPrompt:
		return decodeAs[PromptPayload](kind, data)
	case KindPlan:
		return decodeAs[PlanPayload](kind, data)
	case KindArtifact:
		return decodeAs[ArtifactPayload](kind, data)
	case KindFeedback:
		return decodeAs[FeedbackPayload](kind, data)
	case KindDelta:
		return decodeAs[DeltaPayload](kind, data)
	case KindOutcome:
		return decodeAs[OutcomePayload](kind, data)
	case KindSystem:
		return decodeAs[SystemPayload](kind, data)
	case KindError:
		return decodeAs[ErrorPayload](kind, data)
	default:
		return nil, fmt.Errorf("model: unknown event kind %q", kind)
	}
}

func decodeAs[T Payload](kind EventKind, data []byte) (Payload, error) {
	var p T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("model: decode %s payload: %w", kind, err)
		}
	}
	return p, nil
}
