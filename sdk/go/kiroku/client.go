package kiroku

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kiroku server (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies this agent for authentication. Events recorded
	// without an explicit agent_id are attributed to it by the server.
	AgentID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kiroku session telemetry API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	agentID  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, AgentID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kiroku: BaseURL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("kiroku: AgentID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kiroku: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		agentID:  cfg.AgentID,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.AgentID, cfg.APIKey, httpClient),
	}, nil
}

// StartSession starts a new session. Nil req starts an anonymous session
// with no metadata.
func (c *Client) StartSession(ctx context.Context, req *StartSessionRequest) (*Session, error) {
	body := req
	if body == nil {
		body = &StartSessionRequest{}
	}
	var resp Session
	if err := c.post(ctx, "/v1/sessions", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndSession ends a session. Ending an unknown session is a no-op on the
// server and reported via Ended=false; ending twice keeps the first end time.
func (c *Client) EndSession(ctx context.Context, sessionID uuid.UUID) (*EndSessionResponse, error) {
	// The server returns two shapes: the full session view for known
	// sessions, and {"session_id","ended":false} for unknown ones.
	var raw struct {
		ID        uuid.UUID  `json:"id"`
		SessionID uuid.UUID  `json:"session_id"`
		Ended     *bool      `json:"ended"`
		EndedAt   *time.Time `json:"ended_at"`
	}
	if err := c.post(ctx, "/v1/sessions/"+sessionID.String()+"/end", struct{}{}, &raw); err != nil {
		return nil, err
	}

	if raw.Ended != nil && !*raw.Ended {
		return &EndSessionResponse{SessionID: raw.SessionID, Ended: false}, nil
	}
	return &EndSessionResponse{SessionID: raw.ID, Ended: true, EndedAt: raw.EndedAt}, nil
}

// GetSession retrieves a session with its events. eventLimit caps the number
// of events returned; zero uses the server default (100).
func (c *Client) GetSession(ctx context.Context, sessionID uuid.UUID, eventLimit int) (*Session, error) {
	path := "/v1/sessions/" + sessionID.String()
	if eventLimit > 0 {
		path += "?limit=" + strconv.Itoa(eventLimit)
	}
	var resp Session
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordEvent records a single event. See RecordEvents for batches.
func (c *Client) RecordEvent(ctx context.Context, event EventInput) (*Event, error) {
	resp, err := c.RecordEvents(ctx, []EventInput{event})
	if err != nil {
		return nil, err
	}
	if len(resp.Events) == 0 {
		return nil, fmt.Errorf("kiroku: server accepted the event but returned no record")
	}
	return &resp.Events[0], nil
}

// RecordEvents records a batch of events (at most 1000 per call). Events
// referencing unknown sessions are still accepted into the global log.
// A 503 response (IsUnavailable) means the server's archive buffer is
// saturated; back off and retry.
func (c *Client) RecordEvents(ctx context.Context, events []EventInput) (*RecordEventsResponse, error) {
	body := map[string]any{"events": events}
	var resp RecordEventsResponse
	if err := c.post(ctx, "/v1/events", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Analytics retrieves the current analytics snapshot.
func (c *Client) Analytics(ctx context.Context) (*AnalyticsSnapshot, error) {
	var resp AnalyticsSnapshot
	if err := c.get(ctx, "/v1/analytics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Export downloads the live log as a raw export document. The only format
// currently supported by the server is "json"; an empty format defaults
// to it.
func (c *Client) Export(ctx context.Context, format string) ([]byte, error) {
	path := "/v1/export"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("kiroku: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kiroku: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	return bodyBytes, nil
}

// Purge removes events and sessions recorded before the cutoff from both the
// archive and the live log. Requires admin role. With dryRun, only counts are
// returned and nothing is removed.
func (c *Client) Purge(ctx context.Context, before time.Time, dryRun bool) (*PurgeResponse, error) {
	body := map[string]any{"before": before, "dry_run": dryRun}
	var resp PurgeResponse
	if err := c.post(ctx, "/v1/retention/purge", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kiroku: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kiroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kiroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kiroku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kiroku: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
