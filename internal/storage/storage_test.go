package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/storage"
	"github.com/kiroku-ai/kiroku/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(ctx)

	os.Exit(m.Run())
}

func newTestEvent(sessionID uuid.UUID, kind model.EventKind, payload model.Payload, recordedAt time.Time) model.Event {
	return model.Event{
		ID:         uuid.New(),
		SessionID:  sessionID,
		AgentID:    "test-agent",
		Kind:       kind,
		OccurredAt: recordedAt,
		RecordedAt: recordedAt,
		Payload:    payload,
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()

	userID := "user-1"
	s := model.Session{
		ID:        uuid.New(),
		UserID:    &userID,
		StartedAt: time.Now().UTC().Truncate(time.Microsecond),
		Metadata:  map[string]any{"project": "demo"},
	}
	require.NoError(t, testDB.InsertSession(ctx, s))

	got, err := testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "user-1", *got.UserID)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, "demo", got.Metadata["project"])

	endedAt := s.StartedAt.Add(5 * time.Minute)
	require.NoError(t, testDB.UpdateSessionEnd(ctx, s.ID, endedAt))

	got, err = testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, endedAt, *got.EndedAt, time.Millisecond)

	// Ending again does not move the timestamp.
	require.NoError(t, testDB.UpdateSessionEnd(ctx, s.ID, endedAt.Add(time.Hour)))
	got, err = testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, endedAt, *got.EndedAt, time.Millisecond)
}

func TestGetSessionNotFound(t *testing.T) {
	_, err := testDB.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertEventsAndQuery(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()
	base := time.Now().UTC().Truncate(time.Microsecond)

	events := []model.Event{
		newTestEvent(sessionID, model.KindPrompt, model.PromptPayload{Content: "write a parser", Model: "sonnet", Tokens: 120}, base),
		newTestEvent(sessionID, model.KindOutcome, model.OutcomePayload{Result: model.OutcomeSuccess, DurationMs: 420}, base.Add(time.Second)),
	}

	n, err := testDB.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := testDB.GetEventsBySession(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, model.KindPrompt, got[0].Kind)
	prompt, ok := got[0].Payload.(model.PromptPayload)
	require.True(t, ok, "payload should decode to its concrete type")
	assert.Equal(t, "write a parser", prompt.Content)
	assert.Equal(t, 120, prompt.Tokens)

	outcome, ok := got[1].Payload.(model.OutcomePayload)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeSuccess, outcome.Result)
	assert.EqualValues(t, 420, outcome.DurationMs)
}

func TestInsertEventsIdempotent(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()
	base := time.Now().UTC().Truncate(time.Microsecond)

	events := []model.Event{
		newTestEvent(sessionID, model.KindSystem, model.SystemPayload{Component: "indexer", Message: "rebuild"}, base),
		newTestEvent(sessionID, model.KindError, model.ErrorPayload{Message: "timeout", Component: "indexer"}, base.Add(time.Second)),
	}

	// First pass inserts both rows.
	n, err := testDB.InsertEventsIdempotent(ctx, events)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Replaying the same batch inserts nothing.
	n, err = testDB.InsertEventsIdempotent(ctx, events)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	got, err := testDB.GetEventsBySession(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestExportEventsPage(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()
	base := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Microsecond)

	var inserted []model.Event
	for i := 0; i < 5; i++ {
		inserted = append(inserted, newTestEvent(sessionID, model.KindDelta,
			model.DeltaPayload{Target: fmt.Sprintf("file-%d.go", i), LinesAdded: i},
			base.Add(time.Duration(i)*time.Second)))
	}
	_, err := testDB.InsertEvents(ctx, inserted)
	require.NoError(t, err)

	// Page through with a keyset cursor of page size 2, starting just before
	// the first inserted row to skip events from other tests.
	cursor, cursorID := base.Add(-time.Millisecond), uuid.Nil
	var collected []model.Event
	for {
		page, err := testDB.ExportEventsPage(ctx, cursor, cursorID, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		last := page[len(page)-1]
		cursor, cursorID = last.RecordedAt, last.ID
	}

	require.Len(t, collected, 5)
	for i := range collected {
		if i > 0 {
			assert.False(t, collected[i].RecordedAt.Before(collected[i-1].RecordedAt))
		}
	}
}

func TestPurgeBefore(t *testing.T) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-90 * 24 * time.Hour).Truncate(time.Microsecond)
	cutoff := old.Add(24 * time.Hour)

	oldSession := model.Session{ID: uuid.New(), StartedAt: old}
	endedAt := old.Add(time.Hour)
	oldSession.EndedAt = &endedAt
	require.NoError(t, testDB.InsertSession(ctx, oldSession))

	// A stale session that never ended is purged by start time, matching the
	// in-memory log's retention behavior.
	staleOpenSession := model.Session{ID: uuid.New(), StartedAt: old}
	require.NoError(t, testDB.InsertSession(ctx, staleOpenSession))

	// A session at the cutoff must survive a strictly-older purge.
	boundarySession := model.Session{ID: uuid.New(), StartedAt: cutoff}
	boundaryEnd := cutoff.Add(time.Hour)
	boundarySession.EndedAt = &boundaryEnd
	require.NoError(t, testDB.InsertSession(ctx, boundarySession))

	_, err := testDB.InsertEvents(ctx, []model.Event{
		newTestEvent(oldSession.ID, model.KindSystem, model.SystemPayload{Component: "gc"}, old),
		newTestEvent(boundarySession.ID, model.KindSystem, model.SystemPayload{Component: "gc"}, cutoff),
	})
	require.NoError(t, err)

	eligible, err := testDB.CountEligible(ctx, cutoff)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, eligible.Events, int64(1))
	assert.GreaterOrEqual(t, eligible.Sessions, int64(2))

	counts, err := testDB.PurgeBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.Events, int64(1))
	assert.GreaterOrEqual(t, counts.Sessions, int64(2))

	// Both old sessions are gone, ended or not; the boundary session survives.
	_, err = testDB.GetSession(ctx, oldSession.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetSession(ctx, staleOpenSession.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetSession(ctx, boundarySession.ID)
	assert.NoError(t, err)

	events, err := testDB.GetEventsBySession(ctx, boundarySession.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "event recorded exactly at the cutoff is retained")
}

func TestAgentCRUD(t *testing.T) {
	ctx := context.Background()

	agent := model.Agent{
		AgentID:    "storage-test-agent",
		Name:       "Storage Test",
		Role:       model.RoleRecorder,
		APIKeyHash: "salt$hash",
	}
	created, err := testDB.CreateAgent(ctx, agent)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetAgentByAgentID(ctx, "storage-test-agent")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.RoleRecorder, got.Role)
	assert.Equal(t, "salt$hash", got.APIKeyHash)

	require.NoError(t, testDB.UpdateAgentKeyHash(ctx, "storage-test-agent", "salt$hash2"))
	got, err = testDB.GetAgentByAgentID(ctx, "storage-test-agent")
	require.NoError(t, err)
	assert.Equal(t, "salt$hash2", got.APIKeyHash)

	n, err := testDB.CountAgents(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = testDB.GetAgentByAgentID(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.UpdateAgentKeyHash(ctx, "nope", "x"), storage.ErrNotFound)
}

func TestAgentKeyRotationFlow(t *testing.T) {
	ctx := context.Background()

	oldKey, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	oldHash, err := auth.HashAPIKey(oldKey)
	require.NoError(t, err)

	_, err = testDB.CreateAgent(ctx, model.Agent{
		AgentID:    "rotation-test-agent",
		Role:       model.RoleRecorder,
		APIKeyHash: oldHash,
	})
	require.NoError(t, err)

	newKey, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)
	newHash, err := auth.HashAPIKey(newKey)
	require.NoError(t, err)
	require.NoError(t, testDB.UpdateAgentKeyHash(ctx, "rotation-test-agent", newHash))

	// The stored hash accepts only the new key.
	got, err := testDB.GetAgentByAgentID(ctx, "rotation-test-agent")
	require.NoError(t, err)

	valid, err := auth.VerifyAPIKey(newKey, got.APIKeyHash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey(oldKey, got.APIKeyHash)
	require.NoError(t, err)
	assert.False(t, valid, "rotated-out key no longer verifies")
}

func TestListenNotify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelEvents))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelEvents, `{"count":3}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelEvents, channel)
	assert.Equal(t, `{"count":3}`, payload)
}
