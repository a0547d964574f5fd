package kiroku

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the type of a telemetry event.
type EventKind string

// Event kinds accepted by the server.
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

// EventInput is a single event to record via RecordEvents.
// AgentID may be left empty; the server fills it from the authenticated
// agent. Payload is the kind-specific body and may be any JSON-serializable
// value (typically one of the *Payload helper structs below).
type EventInput struct {
	SessionID  uuid.UUID  `json:"session_id"`
	AgentID    string     `json:"agent_id,omitempty"`
	UserID     *string    `json:"user_id,omitempty"`
	Kind       EventKind  `json:"kind"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	Payload    any        `json:"payload,omitempty"`
}

// PromptPayload is the body of a "prompt" event.
type PromptPayload struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Tokens  int    `json:"tokens,omitempty"`
}

// PlanPayload is the body of a "plan" event.
type PlanPayload struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
}

// ArtifactPayload is the body of an "artifact" event.
// QualityScore is in [0.0, 1.0]; zero means "not scored".
type ArtifactPayload struct {
	Name         string  `json:"name"`
	ArtifactType string  `json:"artifact_type,omitempty"`
	Language     string  `json:"language,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	SizeBytes    int64   `json:"size_bytes,omitempty"`
}

// FeedbackPayload is the body of a "feedback" event.
// Sentiment is one of "positive", "negative", "neutral".
type FeedbackPayload struct {
	Sentiment string `json:"sentiment"`
	Comment   string `json:"comment,omitempty"`
	Rating    int    `json:"rating,omitempty"` // 1-5, 0 = not rated
}

// DeltaPayload is the body of a "delta" event.
type DeltaPayload struct {
	Target       string `json:"target"`
	Description  string `json:"description,omitempty"`
	LinesAdded   int    `json:"lines_added,omitempty"`
	LinesRemoved int    `json:"lines_removed,omitempty"`
}

// OutcomePayload is the body of an "outcome" event.
// Result is one of "success", "failure", "partial".
type OutcomePayload struct {
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// SystemPayload is the body of a "system" event.
type SystemPayload struct {
	Component  string `json:"component"`
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ErrorPayload is the body of an "error" event.
type ErrorPayload struct {
	Message     string `json:"message"`
	Component   string `json:"component,omitempty"`
	Stack       string `json:"stack,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// Event is a recorded telemetry event as returned by the server.
// Payload holds the kind-specific body as raw JSON.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	AgentID    string          `json:"agent_id"`
	UserID     *string         `json:"user_id,omitempty"`
	Kind       EventKind       `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Session is a session view returned by session endpoints.
// Events is populated only by GetSession.
type Session struct {
	ID         uuid.UUID      `json:"id"`
	UserID     *string        `json:"user_id,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	EventCount int            `json:"event_count"`
	Events     []Event        `json:"events,omitempty"`
}

// StartSessionRequest starts a new session.
type StartSessionRequest struct {
	UserID   *string        `json:"user_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EndSessionResponse reports the outcome of EndSession.
// Ended is false when the session was unknown to the server; the call is
// still a success (ending an unknown session is a no-op).
type EndSessionResponse struct {
	SessionID uuid.UUID
	Ended     bool
	EndedAt   *time.Time
}

// RecordEventsResponse is returned by RecordEvents. Events carries the
// recorded events with their server-assigned IDs and timestamps.
type RecordEventsResponse struct {
	Events   []Event `json:"events"`
	Accepted int     `json:"accepted"`
}

// PromptCount is a prompt aggregated by content.
type PromptCount struct {
	Content string `json:"content"`
	Count   int    `json:"count"`
}

// ErrorCount is an error aggregated by message.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// AgentStats aggregates per-agent usage.
type AgentStats struct {
	Events    int `json:"events"`
	Successes int `json:"successes"`
}

// AnalyticsSnapshot is the aggregated view served by GET /v1/analytics.
type AnalyticsSnapshot struct {
	GeneratedAt              time.Time             `json:"generated_at"`
	TotalSessions            int                   `json:"total_sessions"`
	ActiveSessions           int                   `json:"active_sessions"`
	TotalEvents              int                   `json:"total_events"`
	EventsByKind             map[EventKind]int     `json:"events_by_kind"`
	AverageSessionDurationMs float64               `json:"average_session_duration_ms"`
	SuccessRate              float64               `json:"success_rate"`
	AverageArtifactQuality   float64               `json:"average_artifact_quality"`
	PositiveFeedbackRatio    float64               `json:"positive_feedback_ratio"`
	TopPrompts               []PromptCount         `json:"top_prompts"`
	AgentUsage               map[string]AgentStats `json:"agent_usage"`
	TopErrors                []ErrorCount          `json:"top_errors"`
	Opportunities            []string              `json:"opportunities"`
}

// PurgeResponse reports how many events and sessions a purge removed
// (or would remove, when DryRun is set).
type PurgeResponse struct {
	Events   int64 `json:"events"`
	Sessions int64 `json:"sessions"`
	DryRun   bool  `json:"dry_run"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"`
	SpoolPending int64  `json:"spool_pending,omitempty"`
	SSEBroker    string `json:"sse_broker,omitempty"`
	Uptime       int64  `json:"uptime_seconds"`
}
