package model

import "time"

// AnalyticsSnapshot holds aggregate statistics derived from the full event
// log. Snapshots are recomputed on demand and are always consistent with the
// log at GeneratedAt.
type AnalyticsSnapshot struct {
	GeneratedAt    time.Time `json:"generated_at"`
	TotalSessions  int       `json:"total_sessions"`
	ActiveSessions int       `json:"active_sessions"`
	TotalEvents    int       `json:"total_events"`

	EventsByKind map[EventKind]int `json:"events_by_kind"`

	// AverageSessionDurationMs is the mean duration over ended sessions only.
	AverageSessionDurationMs float64 `json:"average_session_duration_ms"`

	// SuccessRate is successful outcomes over decisive (success or failure)
	// outcomes. Partial outcomes do not count toward either side.
	SuccessRate float64 `json:"success_rate"`

	// AverageArtifactQuality is the mean quality score over artifact events.
	AverageArtifactQuality float64 `json:"average_artifact_quality"`

	// PositiveFeedbackRatio is positive-sentiment feedback over all feedback.
	PositiveFeedbackRatio float64 `json:"positive_feedback_ratio"`

	TopPrompts []PromptCount         `json:"top_prompts"`
	AgentUsage map[string]AgentStats `json:"agent_usage"`
	TopErrors  []ErrorCount          `json:"top_errors"`

	// Opportunities are heuristic improvement suggestions derived from fixed
	// thresholds over the event log.
	Opportunities []string `json:"opportunities"`
}

// PromptCount is one entry in the top-prompts ranking.
type PromptCount struct {
	Content string `json:"content"`
	Count   int    `json:"count"`
}

// ErrorCount is one entry in the top-errors ranking.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// AgentStats aggregates per-agent usage.
type AgentStats struct {
	Events    int `json:"events"`
	Successes int `json:"successes"`
}
