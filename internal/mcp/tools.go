package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/service/record"
)

func (s *Server) registerTools() {
	// kiroku_record — append a telemetry event to the log.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_record",
			mcplib.WithDescription(`Record a telemetry event against a session.

WHEN TO USE: Whenever something worth measuring happens — a prompt was
submitted, an artifact was generated, feedback came in, an operation
succeeded or failed.

The event lands in the global log immediately. If the session id is unknown
the event is still accepted (it just won't appear in any session view).

PAYLOAD: a JSON object whose shape depends on kind, e.g.
- prompt:   {"content": "...", "model": "...", "token_count": 123}
- outcome:  {"result": "success", "task": "...", "duration_ms": 400}
- feedback: {"sentiment": "positive", "rating": 5, "comment": "..."}
- error:    {"message": "...", "component": "...", "recoverable": true}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("UUID of the session this event belongs to"),
				mcplib.Required(),
			),
			mcplib.WithString("kind",
				mcplib.Description("Event kind: prompt, plan, artifact, feedback, delta, outcome, system, or error"),
				mcplib.Required(),
			),
			mcplib.WithString("payload",
				mcplib.Description("JSON object with the kind-specific payload fields. Defaults to an empty payload."),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent identifier recording this event"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Optional user the event is attributed to"),
			),
		),
		s.handleRecord,
	)

	// kiroku_session — start or end a session.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_session",
			mcplib.WithDescription(`Start or end a telemetry session.

WHEN TO USE: Call with action="start" at the beginning of a unit of work to
get a session id, then record events against it, then call with action="end"
when the work finishes. Ending an unknown session is a harmless no-op;
ending twice keeps the first end time.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("action",
				mcplib.Description(`Either "start" or "end"`),
				mcplib.Required(),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Session UUID to end (required for action=end)"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Optional user to attribute the new session to (action=start)"),
			),
		),
		s.handleSession,
	)

	// kiroku_analytics — read the aggregated metrics snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_analytics",
			mcplib.WithDescription(`Read the current analytics snapshot.

WHEN TO USE: To understand platform usage — session counts and durations,
event breakdowns by kind, success rates, top prompts and errors, and any
detected improvement opportunities. The snapshot is memoized; it only
recomputes when new data arrived since the last read.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleAnalytics,
	)

	// kiroku_export — serialize the full live state.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_export",
			mcplib.WithDescription(`Export the full live state (events, sessions, analytics) as a single document.

Only the "json" format is supported; other formats fail with an error
rather than silently defaulting.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("format",
				mcplib.Description(`Export format. Only "json" is supported.`),
			),
		),
		s.handleExport,
	)
}

func (s *Server) handleRecord(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionIDStr := request.GetString("session_id", "")
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid session_id %q", sessionIDStr)), nil
	}

	kind := model.EventKind(request.GetString("kind", ""))
	if !model.ValidKind(kind) {
		return errorResult(fmt.Sprintf("unknown event kind %q", kind)), nil
	}

	var payloadRaw []byte
	if p := request.GetString("payload", ""); p != "" {
		payloadRaw = []byte(p)
	}
	payload, err := model.DecodePayload(kind, payloadRaw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	input := model.EventInput{
		SessionID: sessionID,
		AgentID:   request.GetString("agent_id", ""),
		Kind:      kind,
		Payload:   payload,
	}
	if userID := request.GetString("user_id", ""); userID != "" {
		input.UserID = &userID
	}
	if err := input.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	event := s.manager.RecordEvent(input)

	s.logger.Debug("mcp: event recorded", "event_id", event.ID, "kind", event.Kind)

	return jsonResult(map[string]any{
		"event_id":    event.ID,
		"recorded_at": event.RecordedAt,
		"status":      "recorded",
	}), nil
}

func (s *Server) handleSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	action := request.GetString("action", "")

	switch action {
	case "start":
		var userID *string
		if u := request.GetString("user_id", ""); u != "" {
			userID = &u
		}
		session := s.manager.StartSession(userID, nil)
		return jsonResult(map[string]any{
			"session_id": session.ID,
			"started_at": session.StartedAt,
		}), nil

	case "end":
		idStr := request.GetString("session_id", "")
		id, err := uuid.Parse(idStr)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid session_id %q", idStr)), nil
		}
		known := s.manager.EndSession(id)
		if !known {
			return jsonResult(map[string]any{
				"session_id": id,
				"ended":      false,
			}), nil
		}
		session, _ := s.manager.Session(id)
		return jsonResult(map[string]any{
			"session_id": session.ID,
			"ended":      true,
			"ended_at":   session.EndedAt,
		}), nil

	default:
		return errorResult(fmt.Sprintf("unknown action %q: expected \"start\" or \"end\"", action)), nil
	}
}

func (s *Server) handleAnalytics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.manager.Analytics()), nil
}

func (s *Server) handleExport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	format := request.GetString("format", "json")

	data, err := s.manager.Export(format)
	if err != nil {
		if errors.Is(err, record.ErrUnsupportedFormat) {
			return errorResult(fmt.Sprintf("unsupported export format %q", format)), nil
		}
		return errorResult(fmt.Sprintf("export failed: %v", err)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
