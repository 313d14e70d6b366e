package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/eventbus"
	logx "leadsync/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func doneRecorder() (func(error), <-chan error) {
	ch := make(chan error, 1)
	return func(err error) { ch <- err }, ch
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("task never completed")
		return nil
	}
}

func TestEnqueueRunsAndReportsDone(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	done, ch := doneRecorder()
	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }, Done: done}))
	assert.NoError(t, waitDone(t, ch))

	done, ch = doneRecorder()
	require.NoError(t, s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { return errors.New("boom") }, Done: done}))
	assert.EqualError(t, waitDone(t, ch), "boom")
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	done, ch := doneRecorder()
	require.NoError(t, s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("oops") }, Done: done}))
	err := waitDone(t, ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")

	// The worker survives.
	done, ch = doneRecorder()
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }, Done: done}))
	assert.NoError(t, waitDone(t, ch))
}

func TestTimeoutIsMarked(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	done, ch := doneRecorder()
	require.NoError(t, s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Done: done,
	}))
	err := waitDone(t, ch)
	assert.True(t, errors.Is(err, ErrTimeout), "err=%v", err)
}

func TestQueueFullIsReported(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	close(release)

	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
}

func TestStopLetsInFlightFinishAndDrainsQueue(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var mu sync.Mutex
	var results []error
	record := func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}
	require.NoError(t, s.Enqueue(Task{Name: "inflight", Run: func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	}, Done: record}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }, Done: record}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	assert.NoError(t, results[0], "in-flight task is not cancelled by a graceful stop")
	assert.ErrorIs(t, results[1], ErrStopped)

	assert.ErrorIs(t, s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestStaleTasksAreDropped(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 25 * time.Millisecond})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	done, ch := doneRecorder()
	require.NoError(t, s.Enqueue(Task{Name: "stale", Run: func(context.Context) error { return nil }, Done: done}))
	time.Sleep(100 * time.Millisecond)
	close(release)
	assert.ErrorIs(t, waitDone(t, ch), ErrStale)
}
