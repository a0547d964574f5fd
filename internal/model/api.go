package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-controlled event fields. These keep a single
// oversized field from filling the archive's TEXT columns or bloating the
// in-memory log.
const (
	MaxPromptContentLen = 64 * 1024 // 64 KB
	MaxErrorMessageLen  = 16 * 1024 // 16 KB
	MaxFeedbackComment  = 16 * 1024 // 16 KB
	MaxMetadataEntries  = 64
	MaxEventsPerRequest = 1000
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// EventInput is a single event in a record request. ID and RecordedAt are
// assigned server-side; OccurredAt defaults to the record time when omitted.
type EventInput struct {
	SessionID  uuid.UUID  `json:"session_id"`
	AgentID    string     `json:"agent_id,omitempty"`
	UserID     *string    `json:"user_id,omitempty"`
	Kind       EventKind  `json:"kind"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	Payload    Payload    `json:"payload"`
}

type eventInputJSON struct {
	SessionID  uuid.UUID       `json:"session_id"`
	AgentID    string          `json:"agent_id,omitempty"`
	UserID     *string         `json:"user_id,omitempty"`
	Kind       EventKind       `json:"kind"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the payload into the variant selected by kind.
func (in *EventInput) UnmarshalJSON(data []byte) error {
	var raw eventInputJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*in = EventInput{
		SessionID:  raw.SessionID,
		AgentID:    raw.AgentID,
		UserID:     raw.UserID,
		Kind:       raw.Kind,
		OccurredAt: raw.OccurredAt,
		Payload:    payload,
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (in EventInput) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("model: marshal %s payload: %w", in.Kind, err)
	}
	return json.Marshal(eventInputJSON{
		SessionID:  in.SessionID,
		AgentID:    in.AgentID,
		UserID:     in.UserID,
		Kind:       in.Kind,
		OccurredAt: in.OccurredAt,
		Payload:    payload,
	})
}

// Validate checks field limits on an event input. Kind/payload consistency is
// already guaranteed by the tagged-union codec.
func (in EventInput) Validate() error {
	if !ValidKind(in.Kind) {
		return fmt.Errorf("unknown event kind %q", in.Kind)
	}
	switch p := in.Payload.(type) {
	case PromptPayload:
		if len(p.Content) > MaxPromptContentLen {
			return fmt.Errorf("prompt content exceeds maximum length of %d bytes", MaxPromptContentLen)
		}
	case ErrorPayload:
		if len(p.Message) > MaxErrorMessageLen {
			return fmt.Errorf("error message exceeds maximum length of %d bytes", MaxErrorMessageLen)
		}
	case FeedbackPayload:
		if len(p.Comment) > MaxFeedbackComment {
			return fmt.Errorf("feedback comment exceeds maximum length of %d bytes", MaxFeedbackComment)
		}
		switch p.Sentiment {
		case SentimentPositive, SentimentNegative, SentimentNeutral, "":
		default:
			return fmt.Errorf("unknown feedback sentiment %q", p.Sentiment)
		}
	case OutcomePayload:
		switch p.Result {
		case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		default:
			return fmt.Errorf("unknown outcome result %q", p.Result)
		}
	}
	return nil
}

// StartSessionRequest is the request body for POST /v1/sessions.
type StartSessionRequest struct {
	UserID   *string        `json:"user_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionResponse is the session view returned by session endpoints.
// Events are omitted from the start/end responses and populated on
// GET /v1/sessions/{session_id}.
type SessionResponse struct {
	ID         uuid.UUID      `json:"id"`
	UserID     *string        `json:"user_id,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	EventCount int            `json:"event_count"`
	Events     []Event        `json:"events,omitempty"`
}

// RecordEventsRequest is the request body for POST /v1/events.
type RecordEventsRequest struct {
	Events []EventInput `json:"events"`
}

// RecordEventsResponse is the response for POST /v1/events.
type RecordEventsResponse struct {
	Events   []Event `json:"events"`
	Accepted int     `json:"accepted"`
}

// PurgeRequest is the request body for POST /v1/retention/purge.
type PurgeRequest struct {
	Before time.Time `json:"before"`
	DryRun bool      `json:"dry_run,omitempty"`
}

// PurgeResponse reports what a purge removed (or would remove, for dry runs).
type PurgeResponse struct {
	Events   int64 `json:"events"`
	Sessions int64 `json:"sessions"`
	DryRun   bool  `json:"dry_run"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RotateKeyResponse is the response for POST /v1/agents/{agent_id}/rotate-key.
// The plaintext key is returned exactly once; only its hash is stored.
type RotateKeyResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// HealthResponse is the response for GET /health.
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

// ExportBundle is the full-state export produced by the manager for the
// "json" export format.
type ExportBundle struct {
	ExportedAt time.Time         `json:"exported_at"`
	Events     []Event           `json:"events"`
	Sessions   []Session         `json:"sessions"`
	Analytics  AnalyticsSnapshot `json:"analytics"`
}
