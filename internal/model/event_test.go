package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessionID := uuid.New()

	tests := []struct {
		name    string
		payload Payload
	}{
		{"prompt", PromptPayload{Content: "refactor the parser", Model: "gpt-4o", Tokens: 42}},
		{"plan", PlanPayload{Summary: "three-step refactor", Steps: []string{"extract", "rename", "test"}}},
		{"artifact", ArtifactPayload{Name: "parser.go", ArtifactType: "code", Language: "go", QualityScore: 0.82, SizeBytes: 2048}},
		{"feedback", FeedbackPayload{Sentiment: SentimentPositive, Comment: "looks good", Rating: 5}},
		{"delta", DeltaPayload{Target: "parser.go", Description: "split scan loop", LinesAdded: 40, LinesRemoved: 12}},
		{"outcome", OutcomePayload{Result: OutcomeSuccess, DurationMs: 1800, Detail: "all tests pass"}},
		{"system", SystemPayload{Component: "scheduler", Message: "queue drained", DurationMs: 90}},
		{"error", ErrorPayload{Message: "compile failed", Component: "builder", Recoverable: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Event{
				ID:         uuid.New(),
				SessionID:  sessionID,
				AgentID:    "coder-1",
				Kind:       tt.payload.Kind(),
				OccurredAt: now,
				RecordedAt: now,
				Payload:    tt.payload,
			}

			data, err := json.Marshal(original)
			require.NoError(t, err)

			var decoded Event
			require.NoError(t, json.Unmarshal(data, &decoded))

			assert.Equal(t, original.Kind, decoded.Kind)
			assert.Equal(t, original.Kind, decoded.Payload.Kind(), "payload variant must match kind")
			assert.Equal(t, tt.payload, decoded.Payload)
		})
	}
}

func TestEventUnmarshalUnknownKind(t *testing.T) {
	data := []byte(`{"id":"` + uuid.New().String() + `","kind":"banana","payload":{}}`)
	var e Event
	err := json.Unmarshal(data, &e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestEventDuration(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    time.Duration
		ok      bool
	}{
		{"outcome with duration", OutcomePayload{Result: OutcomeSuccess, DurationMs: 2500}, 2500 * time.Millisecond, true},
		{"system with duration", SystemPayload{Component: "indexer", Message: "done", DurationMs: 10}, 10 * time.Millisecond, true},
		{"outcome without duration", OutcomePayload{Result: OutcomeFailure}, 0, false},
		{"prompt never has duration", PromptPayload{Content: "hi"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := Event{Kind: tt.payload.Kind(), Payload: tt.payload}.Duration()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestEventInputValidate(t *testing.T) {
	long := make([]byte, MaxPromptContentLen+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name    string
		input   EventInput
		wantErr string
	}{
		{
			name:  "valid prompt",
			input: EventInput{Kind: KindPrompt, Payload: PromptPayload{Content: "hello"}},
		},
		{
			name:    "oversized prompt",
			input:   EventInput{Kind: KindPrompt, Payload: PromptPayload{Content: string(long)}},
			wantErr: "prompt content exceeds",
		},
		{
			name:    "bad sentiment",
			input:   EventInput{Kind: KindFeedback, Payload: FeedbackPayload{Sentiment: "meh"}},
			wantErr: "unknown feedback sentiment",
		},
		{
			name:    "bad outcome result",
			input:   EventInput{Kind: KindOutcome, Payload: OutcomePayload{Result: "shrug"}},
			wantErr: "unknown outcome result",
		},
		{
			name:    "unknown kind",
			input:   EventInput{Kind: "banana"},
			wantErr: "unknown event kind",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEventInputJSONDecodesPayloadByKind(t *testing.T) {
	data := []byte(`{"session_id":"` + uuid.New().String() + `","kind":"outcome","payload":{"result":"failure","duration_ms":900}}`)
	var in EventInput
	require.NoError(t, json.Unmarshal(data, &in))
	p, ok := in.Payload.(OutcomePayload)
	require.True(t, ok, "payload should decode as OutcomePayload, got %T", in.Payload)
	assert.Equal(t, OutcomeFailure, p.Result)
	assert.Equal(t, int64(900), p.DurationMs)
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID("coder-1"))
	assert.NoError(t, ValidateAgentID("team.reviewer_2"))
	assert.Error(t, ValidateAgentID(""))
	assert.Error(t, ValidateAgentID("-leading-dash"))
	assert.Error(t, ValidateAgentID("has space"))
}

func TestRoleRank(t *testing.T) {
	assert.True(t, RoleAtLeast(RoleAdmin, RoleRecorder))
	assert.True(t, RoleAtLeast(RoleRecorder, RoleReader))
	assert.False(t, RoleAtLeast(RoleReader, RoleRecorder))
	assert.False(t, RoleAtLeast("stranger", RoleReader))
}
