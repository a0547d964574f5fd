package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/server"
	"github.com/kiroku-ai/kiroku/internal/service/record"
	"github.com/kiroku-ai/kiroku/internal/testutil"
)

// testEnv is an in-process server with no archive attached. Database-backed
// paths are covered by the storage integration tests.
type testEnv struct {
	srv     *httptest.Server
	manager *record.Manager
	jwtMgr  *auth.JWTManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	manager := record.NewManager(record.Config{Logger: testutil.TestLogger()})

	s := server.New(server.ServerConfig{
		JWTMgr:              jwtMgr,
		Manager:             manager,
		Logger:              testutil.TestLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.0.3\n"),
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, manager: manager, jwtMgr: jwtMgr}
}

func (e *testEnv) token(t *testing.T, role model.AgentRole) string {
	t.Helper()
	token, _, err := e.jwtMgr.IssueToken(model.Agent{
		ID:      uuid.New(),
		AgentID: "test-" + string(role),
		Role:    role,
	})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var envelope model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/analytics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeErrorCode(t, resp))
}

func TestAuthMalformedHeader(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/analytics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRoleEnforcement(t *testing.T) {
	env := newTestEnv(t)
	readerToken := env.token(t, model.RoleReader)

	// Readers can query but not record.
	resp := env.do(t, http.MethodGet, "/v1/analytics", readerToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/sessions", readerToken, model.StartSessionRequest{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, decodeErrorCode(t, resp))

	// Nor purge, which is admin-only.
	resp = env.do(t, http.MethodPost, "/v1/retention/purge", readerToken,
		model.PurgeRequest{Before: time.Now()})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestRotateAgentKeyAdminOnly(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/agents/agent-x/rotate-key",
		env.token(t, model.RoleRecorder), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, decodeErrorCode(t, resp))

	// With no agent store attached the route exists but reports unavailable.
	resp = env.do(t, http.MethodPost, "/v1/agents/agent-x/rotate-key",
		env.token(t, model.RoleAdmin), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnavailable, decodeErrorCode(t, resp))
}

func TestRequestIDEcho(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-12345")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-12345", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleRecorder)

	userID := "user-1"
	resp := env.do(t, http.MethodPost, "/v1/sessions", token, model.StartSessionRequest{
		UserID:   &userID,
		Metadata: map[string]any{"client": "cli"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeData[model.SessionResponse](t, resp)
	require.NotEqual(t, uuid.Nil, created.ID)

	// Record an event into the session.
	resp = env.do(t, http.MethodPost, "/v1/events", token, model.RecordEventsRequest{
		Events: []model.EventInput{{
			SessionID: created.ID,
			Kind:      model.KindPrompt,
			Payload:   model.PromptPayload{Content: "write a test"},
		}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	recorded := decodeData[model.RecordEventsResponse](t, resp)
	assert.Equal(t, 1, recorded.Accepted)

	// End it.
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/end", created.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ended := decodeData[model.SessionResponse](t, resp)
	require.NotNil(t, ended.EndedAt)

	// Fetch it with events.
	resp = env.do(t, http.MethodGet, "/v1/sessions/"+created.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[model.SessionResponse](t, resp)
	assert.Equal(t, 1, got.EventCount)
	require.Len(t, got.Events, 1)
	assert.Equal(t, model.KindPrompt, got.Events[0].Kind)
}

func TestEndUnknownSessionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleRecorder)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/end", uuid.New()), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData[map[string]any](t, resp)
	assert.Equal(t, false, data["ended"])
}

func TestGetUnknownSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleReader)

	resp := env.do(t, http.MethodGet, "/v1/sessions/"+uuid.New().String(), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErrorCode(t, resp))
}

func TestRecordEventsValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleRecorder)

	// Empty batch.
	resp := env.do(t, http.MethodPost, "/v1/events", token, model.RecordEventsRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Missing session id.
	resp = env.do(t, http.MethodPost, "/v1/events", token, model.RecordEventsRequest{
		Events: []model.EventInput{{
			Kind:    model.KindPrompt,
			Payload: model.PromptPayload{Content: "hi"},
		}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeErrorCode(t, resp))
}

func TestRecordEventsUnknownSessionAccepted(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleRecorder)

	resp := env.do(t, http.MethodPost, "/v1/events", token, model.RecordEventsRequest{
		Events: []model.EventInput{{
			SessionID: uuid.New(),
			Kind:      model.KindSystem,
			Payload:   model.SystemPayload{Component: "ingest", Message: "startup"},
		}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 1, env.manager.EventCount())
	assert.Equal(t, 0, env.manager.SessionCount())
}

func TestRecordEventsFillsAgentIDFromClaims(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleRecorder)

	resp := env.do(t, http.MethodPost, "/v1/events", token, model.RecordEventsRequest{
		Events: []model.EventInput{{
			SessionID: uuid.New(),
			Kind:      model.KindPrompt,
			Payload:   model.PromptPayload{Content: "hello"},
		}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	recorded := decodeData[model.RecordEventsResponse](t, resp)
	require.Len(t, recorded.Events, 1)
	assert.Equal(t, "test-recorder", recorded.Events[0].AgentID)
}

func TestExportJSON(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleReader)
	env.manager.StartSession(nil, nil)

	resp := env.do(t, http.MethodGet, "/v1/export?format=json", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "kiroku-export-")

	var bundle model.ExportBundle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bundle))
	assert.Len(t, bundle.Sessions, 1)
}

func TestExportUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleReader)

	resp := env.do(t, http.MethodGet, "/v1/export?format=csv", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeErrorCode(t, resp))
}

func TestPurgeDryRun(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.token(t, model.RoleAdmin)

	env.manager.StartSession(nil, nil)
	env.manager.RecordEvent(model.EventInput{
		SessionID: uuid.New(),
		Kind:      model.KindSystem,
		Payload:   model.SystemPayload{Component: "ingest", Message: "noop"},
	})

	resp := env.do(t, http.MethodPost, "/v1/retention/purge", adminToken, model.PurgeRequest{
		Before: time.Now().Add(time.Hour),
		DryRun: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	purge := decodeData[model.PurgeResponse](t, resp)
	assert.True(t, purge.DryRun)
	assert.Equal(t, int64(1), purge.Events)
	assert.Equal(t, int64(1), purge.Sessions)

	// Dry run leaves state untouched.
	assert.Equal(t, 1, env.manager.EventCount())
	assert.Equal(t, 1, env.manager.SessionCount())
}

func TestPurgeRemovesLiveState(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.token(t, model.RoleAdmin)

	env.manager.StartSession(nil, nil)

	resp := env.do(t, http.MethodPost, "/v1/retention/purge", adminToken, model.PurgeRequest{
		Before: time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	purge := decodeData[model.PurgeResponse](t, resp)
	assert.Equal(t, int64(1), purge.Sessions)
	assert.Equal(t, 0, env.manager.SessionCount())
}

func TestPurgeRequiresBefore(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.token(t, model.RoleAdmin)

	resp := env.do(t, http.MethodPost, "/v1/retention/purge", adminToken, model.PurgeRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthWithoutArchive(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "disabled", health.Postgres)
	assert.Equal(t, "ok", health.BufferStatus)
	assert.Equal(t, "test", health.Version)
}

func TestAuthTokenWithoutAgentStore(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		AgentID: "admin",
		APIKey:  "krk_whatever",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthTokenMissingFields(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubscribeUnavailableWithoutBroker(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, model.RoleReader)

	resp := env.do(t, http.MethodGet, "/v1/subscribe", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}
