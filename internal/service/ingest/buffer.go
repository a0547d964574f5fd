// Package ingest provides the archive write path: an in-memory buffer that
// flushes batches to Postgres via COPY, backed by an optional crash-durable
// spool so acknowledged events survive a process crash before the flush.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/storage"
	"github.com/kiroku-ai/kiroku/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events to prevent OOM.
// When this limit is reached, Append applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// Archive is the persistent destination for flushed batches.
// *storage.DB satisfies it; tests substitute a fake.
type Archive interface {
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Buffer accumulates events in memory and flushes to the archive using COPY
// when either the buffer size or flush timeout is reached. After each
// successful flush it emits a pg_notify on storage.ChannelEvents so live
// subscribers learn about fresh data.
type Buffer struct {
	archive      Archive
	spool        *Spool // optional
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu     sync.Mutex
	events []model.Event

	droppedEvents atomic.Int64 // total events dropped due to capacity after flush failure

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewBuffer creates a new event buffer. spool may be nil to disable the
// durable spool.
func NewBuffer(archive Archive, spool *Spool, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		archive:      archive,
		spool:        spool,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append queues fully-formed events for archival. If a spool is configured
// the events are persisted there before this call returns, so an
// acknowledgement to the caller survives a crash. Returns an error when the
// buffer is at capacity (backpressure).
func (b *Buffer) Append(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	if len(b.events)+len(events) > maxBufferCapacity {
		n := len(b.events)
		b.mu.Unlock()
		return fmt.Errorf("ingest: buffer at capacity (%d events), try again later", n)
	}
	b.mu.Unlock()

	if b.spool != nil {
		if err := b.spool.Append(ctx, events); err != nil {
			return fmt.Errorf("ingest: spool append: %w", err)
		}
	}

	b.mu.Lock()
	b.events = append(b.events, events...)
	full := len(b.events) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// The loop context is already cancelled at this point.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.archive.InsertEvents(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("ingest: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Error("ingest: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	if b.spool != nil {
		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID.String()
		}
		if err := b.spool.Checkpoint(ctx, ids); err != nil {
			// The rows are archived; a failed checkpoint only means the next
			// recovery replays them through the idempotent path.
			b.logger.Warn("ingest: spool checkpoint failed", "error", err)
		}
	}

	b.notify(ctx, len(batch))

	b.logger.Info("ingest: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// notify publishes a flush announcement for SSE subscribers. Best-effort.
func (b *Buffer) notify(ctx context.Context, count int) {
	payload, _ := json.Marshal(map[string]int{"count": count})
	if err := b.archive.Notify(ctx, storage.ChannelEvents, string(payload)); err != nil {
		b.logger.Warn("ingest: notify failed", "error", err)
	}
}

// Drain signals the background flush loop to stop, waits for it to complete
// its final flush, and returns. The ctx parameter controls the maximum time
// to wait for the goroutine to finish and is passed to the final flush so it
// respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("ingest: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health monitoring.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kiroku/ingest")

	_, _ = meter.Int64ObservableGauge("kiroku.ingest.buffer_depth",
		metric.WithDescription("Current number of events in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kiroku.ingest.dropped_total",
		metric.WithDescription("Total events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity returns the maximum number of events the buffer will hold.
func (b *Buffer) Capacity() int {
	return b.maxSize
}

// DroppedEvents returns the total number of events dropped due to buffer
// capacity exhaustion after a flush failure. A non-zero value indicates data loss.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}
