package record_test

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/service/record"
	"github.com/kiroku-ai/kiroku/internal/testutil"
)

func recordOutcome(m *record.Manager, sessionID uuid.UUID, agentID string, result model.OutcomeResult) {
	m.RecordEvent(model.EventInput{
		SessionID: sessionID,
		AgentID:   agentID,
		Kind:      model.KindOutcome,
		Payload:   model.OutcomePayload{Result: result},
	})
}

func TestSuccessRateTwoThirds(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	recordOutcome(m, s.ID, "agent-1", model.OutcomeSuccess)
	recordOutcome(m, s.ID, "agent-1", model.OutcomeSuccess)
	recordOutcome(m, s.ID, "agent-1", model.OutcomeFailure)

	snap := m.Analytics()
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 1e-9)
}

func TestSuccessRateExcludesPartialOutcomes(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	recordOutcome(m, s.ID, "agent-1", model.OutcomeSuccess)
	recordOutcome(m, s.ID, "agent-1", model.OutcomeFailure)
	recordOutcome(m, s.ID, "agent-1", model.OutcomePartial)

	snap := m.Analytics()
	assert.InDelta(t, 0.5, snap.SuccessRate, 1e-9, "partial outcomes count toward neither side")
	// Per-agent stats still see the partial outcome as an event, not a success.
	assert.Equal(t, model.AgentStats{Events: 3, Successes: 1}, snap.AgentUsage["agent-1"])
}

func TestSuccessRateAllPartial(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	recordOutcome(m, s.ID, "agent-1", model.OutcomePartial)
	recordOutcome(m, s.ID, "agent-1", model.OutcomePartial)

	snap := m.Analytics()
	assert.Zero(t, snap.SuccessRate)
}

func TestEventsByKind(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindPrompt, Payload: model.PromptPayload{Content: "a"}})
	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindPrompt, Payload: model.PromptPayload{Content: "b"}})
	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindError, Payload: model.ErrorPayload{Message: "boom"}})

	snap := m.Analytics()
	assert.Equal(t, 2, snap.EventsByKind[model.KindPrompt])
	assert.Equal(t, 1, snap.EventsByKind[model.KindError])
	assert.Equal(t, 0, snap.EventsByKind[model.KindPlan])
}

func TestAverageArtifactQualitySkipsUnscored(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindArtifact, Payload: model.ArtifactPayload{Name: "a.go", QualityScore: 0.8}})
	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindArtifact, Payload: model.ArtifactPayload{Name: "b.go", QualityScore: 0.4}})
	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindArtifact, Payload: model.ArtifactPayload{Name: "c.go"}}) // not scored

	snap := m.Analytics()
	assert.InDelta(t, 0.6, snap.AverageArtifactQuality, 1e-9)
}

func TestPositiveFeedbackRatio(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	for _, sentiment := range []model.Sentiment{
		model.SentimentPositive, model.SentimentPositive,
		model.SentimentNegative, model.SentimentNeutral,
	} {
		m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindFeedback, Payload: model.FeedbackPayload{Sentiment: sentiment}})
	}

	snap := m.Analytics()
	assert.InDelta(t, 0.5, snap.PositiveFeedbackRatio, 1e-9)
}

func TestTopPromptsRankingAndCap(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	// 12 distinct prompts; prompt-0 recorded most often.
	for i := 0; i < 12; i++ {
		content := fmt.Sprintf("prompt-%d", i)
		times := 1
		if i == 0 {
			times = 5
		} else if i == 1 {
			times = 3
		}
		for j := 0; j < times; j++ {
			m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindPrompt, Payload: model.PromptPayload{Content: content}})
		}
	}

	snap := m.Analytics()
	require.Len(t, snap.TopPrompts, 10, "ranking is capped at ten entries")
	assert.Equal(t, "prompt-0", snap.TopPrompts[0].Content)
	assert.Equal(t, 5, snap.TopPrompts[0].Count)
	assert.Equal(t, "prompt-1", snap.TopPrompts[1].Content)

	// Ties are broken alphabetically for stable output.
	for i := 2; i < 9; i++ {
		assert.Less(t, snap.TopPrompts[i].Content, snap.TopPrompts[i+1].Content)
	}
}

func TestTopErrors(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	for i := 0; i < 3; i++ {
		m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindError, Payload: model.ErrorPayload{Message: "connection reset"}})
	}
	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindError, Payload: model.ErrorPayload{Message: "timeout"}})

	snap := m.Analytics()
	require.Len(t, snap.TopErrors, 2)
	assert.Equal(t, "connection reset", snap.TopErrors[0].Message)
	assert.Equal(t, 3, snap.TopErrors[0].Count)
}

func TestAgentUsage(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	recordOutcome(m, s.ID, "agent-a", model.OutcomeSuccess)
	recordOutcome(m, s.ID, "agent-a", model.OutcomeFailure)
	m.RecordEvent(model.EventInput{SessionID: s.ID, AgentID: "agent-a", Kind: model.KindPrompt, Payload: model.PromptPayload{Content: "x"}})
	recordOutcome(m, s.ID, "agent-b", model.OutcomeSuccess)

	snap := m.Analytics()
	assert.Equal(t, model.AgentStats{Events: 3, Successes: 1}, snap.AgentUsage["agent-a"])
	assert.Equal(t, model.AgentStats{Events: 1, Successes: 1}, snap.AgentUsage["agent-b"])
}

func TestOpportunityErrorRate(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	// 2 errors out of 10 events = 20% > 10% threshold.
	for i := 0; i < 8; i++ {
		m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindSystem, Payload: model.SystemPayload{}})
	}
	for i := 0; i < 2; i++ {
		m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindError, Payload: model.ErrorPayload{Message: "boom"}})
	}

	snap := m.Analytics()
	require.Len(t, snap.Opportunities, 1)
	assert.Contains(t, snap.Opportunities[0], "error rate")
}

func TestOpportunitySlowEvents(t *testing.T) {
	m := record.NewManager(record.Config{Logger: testutil.TestLogger()})
	s := m.StartSession(nil, nil)

	// 3 of 10 events carry a duration above the default threshold.
	for i := 0; i < 3; i++ {
		m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindOutcome,
			Payload: model.OutcomePayload{Result: model.OutcomeSuccess, DurationMs: 10_000}})
	}
	for i := 0; i < 7; i++ {
		m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindOutcome,
			Payload: model.OutcomePayload{Result: model.OutcomeSuccess, DurationMs: 50}})
	}

	snap := m.Analytics()
	require.Len(t, snap.Opportunities, 1)
	assert.Contains(t, snap.Opportunities[0], "slow")
}

func TestOpportunityNegativeFeedback(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindFeedback, Payload: model.FeedbackPayload{Sentiment: model.SentimentNegative}})
	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindFeedback, Payload: model.FeedbackPayload{Sentiment: model.SentimentPositive}})

	snap := m.Analytics()
	require.Len(t, snap.Opportunities, 1)
	assert.Contains(t, snap.Opportunities[0], "negative feedback")
}

func TestNoOpportunitiesWhenHealthy(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.StartSession(nil, nil)

	for i := 0; i < 20; i++ {
		recordOutcome(m, s.ID, "agent-1", model.OutcomeSuccess)
	}
	m.RecordEvent(model.EventInput{SessionID: s.ID, Kind: model.KindFeedback, Payload: model.FeedbackPayload{Sentiment: model.SentimentPositive}})

	assert.Empty(t, m.Analytics().Opportunities)
}

func TestEmptyManagerAnalytics(t *testing.T) {
	m := newTestManager(t, nil)

	snap := m.Analytics()
	assert.Zero(t, snap.TotalEvents)
	assert.Zero(t, snap.TotalSessions)
	assert.Zero(t, snap.SuccessRate)
	assert.Zero(t, snap.AverageSessionDurationMs)
	assert.Empty(t, snap.TopPrompts)
	assert.Empty(t, snap.TopErrors)
	assert.Empty(t, snap.Opportunities)
}
