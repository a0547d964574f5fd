package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/ratelimit"
	"github.com/kiroku-ai/kiroku/internal/service/ingest"
	"github.com/kiroku-ai/kiroku/internal/service/record"
	"github.com/kiroku-ai/kiroku/internal/storage"
)

// Server is the Kiroku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): DB, Buffer, Spool, Limiter, Broker, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	JWTMgr  *auth.JWTManager
	Manager *record.Manager
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	DB        *storage.DB
	Buffer    *ingest.Buffer
	Spool     *ingest.Spool
	Limiter   *ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Manager:             cfg.Manager,
		Buffer:              cfg.Buffer,
		Spool:               cfg.Spool,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Burst is the per-minute budget; RPS the sustained
	// refill rate once the burst is spent.
	ingestRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Name: "ingest", RPS: 5, Burst: 300,
	}, agentKeyFunc, reqIDFunc)
	queryRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Name: "query", RPS: 5, Burst: 300,
	}, agentKeyFunc, reqIDFunc)
	authRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Name: "auth", RPS: 0.5, Burst: 20,
	}, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Event and session recording (recorder+, rate limited).
	writeRole := requireRole(model.RoleRecorder)
	mux.Handle("POST /v1/events", ingestRL(writeRole(http.HandlerFunc(h.HandleRecordEvents))))
	mux.Handle("POST /v1/sessions", ingestRL(writeRole(http.HandlerFunc(h.HandleStartSession))))
	mux.Handle("POST /v1/sessions/{session_id}/end", ingestRL(writeRole(http.HandlerFunc(h.HandleEndSession))))

	// Query endpoints (reader+, rate limited).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/sessions/{session_id}", queryRL(readRole(http.HandlerFunc(h.HandleGetSession))))
	mux.Handle("GET /v1/analytics", queryRL(readRole(http.HandlerFunc(h.HandleAnalytics))))
	mux.Handle("GET /v1/export", queryRL(readRole(http.HandlerFunc(h.HandleExport))))

	// Archive export, purge, and agent key rotation (admin-only, no rate
	// limit — admin is exempt).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("GET /v1/export/events", adminOnly(http.HandlerFunc(h.HandleExportEvents)))
	mux.Handle("POST /v1/retention/purge", adminOnly(http.HandlerFunc(h.HandlePurge)))
	mux.Handle("POST /v1/agents/{agent_id}/rotate-key", adminOnly(http.HandlerFunc(h.HandleRotateAgentKey)))

	// Subscription endpoint (reader+, no rate limit — long-lived connection).
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// agentKeyFunc extracts the agent ID from the request context for rate limiting.
// Returns empty string for admin roles (exempt from rate limits).
func agentKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.AgentID
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
