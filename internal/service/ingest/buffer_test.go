package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/service/ingest"
	"github.com/kiroku-ai/kiroku/internal/testutil"
)

// fakeArchive records inserted batches and notifications; it can be told to
// fail inserts to exercise the retry path.
type fakeArchive struct {
	mu            sync.Mutex
	inserted      []model.Event
	notifications []string
	failInserts   bool
	insertedCh    chan int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{insertedCh: make(chan int, 64)}
}

func (f *fakeArchive) InsertEvents(_ context.Context, events []model.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInserts {
		return 0, errors.New("archive down")
	}
	f.inserted = append(f.inserted, events...)
	select {
	case f.insertedCh <- len(events):
	default:
	}
	return int64(len(events)), nil
}

func (f *fakeArchive) Notify(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, channel+":"+payload)
	return nil
}

func (f *fakeArchive) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInserts = fail
}

func (f *fakeArchive) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeArchive) notificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

func makeEvents(n int) []model.Event {
	events := make([]model.Event, n)
	now := time.Now().UTC()
	for i := range events {
		events[i] = model.Event{
			ID:         uuid.New(),
			SessionID:  uuid.New(),
			AgentID:    "agent-1",
			Kind:       model.KindSystem,
			OccurredAt: now,
			RecordedAt: now,
			Payload:    model.SystemPayload{Component: "test"},
		}
	}
	return events
}

func TestBufferFlushesOnSizeThreshold(t *testing.T) {
	archive := newFakeArchive()
	buf := ingest.NewBuffer(archive, nil, testutil.TestLogger(), 3, time.Hour)
	buf.Start(context.Background())
	defer drain(t, buf)

	require.NoError(t, buf.Append(context.Background(), makeEvents(3)))

	select {
	case n := <-archive.insertedCh:
		assert.Equal(t, 3, n)
	case <-time.After(5 * time.Second):
		t.Fatal("size-triggered flush never happened")
	}
	assert.GreaterOrEqual(t, archive.notificationCount(), 1, "flush announces via notify")
}

func TestBufferFlushesOnTimeout(t *testing.T) {
	archive := newFakeArchive()
	buf := ingest.NewBuffer(archive, nil, testutil.TestLogger(), 1000, 50*time.Millisecond)
	buf.Start(context.Background())
	defer drain(t, buf)

	require.NoError(t, buf.Append(context.Background(), makeEvents(2)))

	select {
	case n := <-archive.insertedCh:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout-triggered flush never happened")
	}
}

func TestBufferDrainFlushesRemainder(t *testing.T) {
	archive := newFakeArchive()
	buf := ingest.NewBuffer(archive, nil, testutil.TestLogger(), 1000, time.Hour)
	buf.Start(context.Background())

	require.NoError(t, buf.Append(context.Background(), makeEvents(5)))

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf.Drain(drainCtx)

	assert.Equal(t, 5, archive.insertedCount())
	assert.Equal(t, 0, buf.Len())
}

func TestBufferRetriesFailedFlush(t *testing.T) {
	archive := newFakeArchive()
	archive.setFail(true)
	buf := ingest.NewBuffer(archive, nil, testutil.TestLogger(), 1000, 30*time.Millisecond)
	buf.Start(context.Background())
	defer drain(t, buf)

	require.NoError(t, buf.Append(context.Background(), makeEvents(4)))

	// Let at least one failing flush happen, then recover the archive.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, archive.insertedCount())
	archive.setFail(false)

	select {
	case n := <-archive.insertedCh:
		assert.Equal(t, 4, n, "the full batch is retried after recovery")
	case <-time.After(5 * time.Second):
		t.Fatal("retry flush never happened")
	}
	assert.EqualValues(t, 0, buf.DroppedEvents())
}

func TestBufferSpoolCheckpointAfterFlush(t *testing.T) {
	archive := newFakeArchive()
	spool, err := ingest.OpenSpool(t.TempDir() + "/spool.db")
	require.NoError(t, err)
	defer spool.Close()

	buf := ingest.NewBuffer(archive, spool, testutil.TestLogger(), 1000, 30*time.Millisecond)
	buf.Start(context.Background())

	require.NoError(t, buf.Append(context.Background(), makeEvents(3)))

	// Before the flush the spool holds the staged events.
	n, err := spool.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	select {
	case <-archive.insertedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never happened")
	}
	drain(t, buf)

	n, err = spool.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "flushed events are checkpointed out of the spool")
}

func drain(t *testing.T, buf *ingest.Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf.Drain(ctx)
}
