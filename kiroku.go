// Package kiroku provides the embeddable Kiroku server: a session telemetry
// and analytics aggregator for AI development platforms. Most deployments use
// cmd/kiroku, but the App type lets host programs run Kiroku in-process with
// custom wiring (see the With* options).
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/kiroku-ai/kiroku/api"
	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/config"
	"github.com/kiroku-ai/kiroku/internal/mcp"
	"github.com/kiroku-ai/kiroku/internal/ratelimit"
	"github.com/kiroku-ai/kiroku/internal/server"
	"github.com/kiroku-ai/kiroku/internal/service/ingest"
	"github.com/kiroku-ai/kiroku/internal/service/record"
	"github.com/kiroku-ai/kiroku/internal/storage"
	"github.com/kiroku-ai/kiroku/internal/telemetry"
	"github.com/kiroku-ai/kiroku/migrations"
)

// Rehydration caps. The in-memory log is bounded by retention anyway; these
// limits only guard against pathological archives on startup.
const (
	rehydrateMaxSessions = 50_000
	rehydrateMaxEvents   = 500_000
)

// App is a fully wired Kiroku server.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	manager      *record.Manager
	buf          *ingest.Buffer
	spool        *ingest.Spool  // nil when no spool path is configured
	broker       *server.Broker     // nil when no notify connection
	limiter      *ratelimit.Limiter // nil when rate limiting is disabled
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kiroku server. It connects to the database, runs
// migrations, rehydrates the in-memory log from the archive, and wires all
// subsystems. It does NOT start any goroutines or accept HTTP connections —
// call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.spoolPath != "" {
		cfg.SpoolPath = o.spoolPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiroku starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to the archive database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations.
	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Create the in-memory event log and session registry.
	recCfg := record.Config{
		Logger:        logger,
		SlowThreshold: cfg.SlowEventThreshold,
	}
	if o.sink != nil {
		recCfg.Sink = &sinkAdapter{sink: o.sink}
	}
	manager := record.NewManager(recCfg)

	// Rehydrate recent archive state so analytics survive a restart.
	// Non-fatal: a cold log is degraded, not broken.
	if cfg.RehydrateOnStart {
		cutoff := time.Now().UTC().Add(-cfg.RehydrateWindow)
		sessions, err := db.LoadSessionsSince(context.Background(), cutoff, rehydrateMaxSessions)
		if err != nil {
			logger.Warn("session rehydration failed", "error", err)
		}
		events, err := db.LoadEventsSince(context.Background(), cutoff, rehydrateMaxEvents)
		if err != nil {
			logger.Warn("event rehydration failed", "error", err)
		}
		if len(sessions) > 0 || len(events) > 0 {
			manager.Restore(sessions, events)
			logger.Info("rehydrated in-memory log from archive",
				"sessions", len(sessions), "events", len(events), "window", cfg.RehydrateWindow)
		}
	}

	// Open the durable ingest spool and re-archive anything a previous
	// process crashed with. The temp-table insert is idempotent, so replaying
	// an already-flushed batch is harmless.
	var spool *ingest.Spool
	if cfg.SpoolPath != "" {
		spool, err = ingest.OpenSpool(cfg.SpoolPath)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("spool: %w", err)
		}
		if pending, err := spool.Recover(context.Background()); err != nil {
			logger.Warn("spool recovery failed", "error", err)
		} else if len(pending) > 0 {
			inserted, err := db.InsertEventsIdempotent(context.Background(), pending)
			if err != nil {
				logger.Warn("spool replay failed, events remain spooled", "error", err)
			} else {
				ids := make([]string, len(pending))
				for i, e := range pending {
					ids[i] = e.ID.String()
				}
				if err := spool.Checkpoint(context.Background(), ids); err != nil {
					logger.Warn("spool checkpoint failed", "error", err)
				}
				logger.Info("replayed spooled events to archive",
					"spooled", len(pending), "inserted", inserted)
			}
		}
		logger.Info("durable spool", "enabled", true, "path", cfg.SpoolPath)
	} else {
		logger.Warn("durable spool", "enabled", false,
			"risk", "buffered events will be lost on crash")
	}

	// Create the event buffer.
	buf := ingest.NewBuffer(db, spool, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)

	// SSE broker.
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiter.
	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New()
	} else {
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(manager, logger)

	// HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Manager:             manager,
		Buffer:              buf,
		Spool:               spool,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Seed admin agent.
	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		if spool != nil {
			_ = spool.Close()
		}
		_ = limiter.Close()
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		manager:      manager,
		buf:          buf,
		spool:        spool,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.buf.Start(ctx)
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go a.retentionLoop(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight (they may still append
// to the buffer), (2) flush the event buffer to Postgres.
// It then closes the spool, the database pool, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: buffer drain.
	bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownBufferDrainTimeout)
	a.buf.Drain(bufCtx)
	bufCancel()
	if remaining := a.buf.Len(); remaining > 0 {
		if a.spool != nil {
			// Spooled events replay on next start; not data loss.
			a.logger.Warn("event buffer drain incomplete, events remain spooled",
				"remaining_events", remaining)
		} else {
			a.logger.Error("event buffer drain incomplete — unflushed events will be lost",
				"remaining_events", remaining,
				"configured_timeout", a.cfg.ShutdownBufferDrainTimeout,
			)
			a.cleanup()
			return fmt.Errorf("buffer drain incomplete: %d events lost", remaining)
		}
	}

	a.cleanup()
	a.logger.Info("kiroku stopped")
	return nil
}

func (a *App) cleanup() {
	if a.spool != nil {
		_ = a.spool.Close()
	}
	_ = a.limiter.Close() // nil-safe; stops the bucket eviction goroutine
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())
}

// retentionLoop periodically purges events and sessions older than the
// configured retention window from both the archive and the in-memory log.
// RetentionDays == 0 retains forever.
func (a *App) retentionLoop(ctx context.Context) {
	if a.cfg.RetentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(a.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)

			purged, err := a.db.PurgeBefore(ctx, cutoff)
			if err != nil {
				a.logger.Warn("retention purge failed", "error", err, "cutoff", cutoff)
				continue
			}
			eventsRemoved, sessionsRemoved := a.manager.ClearOldData(cutoff)

			if purged.Events > 0 || purged.Sessions > 0 || eventsRemoved > 0 || sessionsRemoved > 0 {
				a.logger.Info("retention purge complete",
					"cutoff", cutoff,
					"archive_events", purged.Events,
					"archive_sessions", purged.Sessions,
					"live_events", eventsRemoved,
					"live_sessions", sessionsRemoved,
				)
			}
		}
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
