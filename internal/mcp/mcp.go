// Package mcp implements the Model Context Protocol server for Kiroku.
//
// The MCP server exposes the same capabilities as the HTTP API through
// MCP resources and tools, allowing MCP-compatible AI agents to record
// telemetry and read analytics without speaking the REST API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kiroku-ai/kiroku/internal/service/record"
)

// Server wraps the MCP server with Kiroku's recording layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	manager   *record.Manager
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(manager *record.Manager, logger *slog.Logger) *Server {
	s := &Server{
		manager: manager,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiroku",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kiroku://analytics/current — the live analytics snapshot.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kiroku://analytics/current",
			"Current Analytics",
			mcplib.WithResourceDescription("Aggregated usage metrics over the live telemetry log"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAnalyticsResource,
	)

	// kiroku://session/{id} — a specific session with its event log.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kiroku://session/{id}",
			"Session",
			mcplib.WithTemplateDescription("A session and its recorded events"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionResource,
	)
}

func (s *Server) handleAnalyticsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	snapshot := s.manager.Analytics()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal analytics: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kiroku://analytics/current",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSessionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	// Extract the session id from the kiroku://session/{id} URI.
	raw := strings.TrimPrefix(request.Params.URI, "kiroku://session/")
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid session URI: %s", request.Params.URI)
	}

	session, ok := s.manager.Session(id)
	if !ok {
		return nil, fmt.Errorf("mcp: session not found: %s", id)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal session: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
