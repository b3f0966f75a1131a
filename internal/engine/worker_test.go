package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/pkg/schema"
	"github.com/rendis/duratool/pkg/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(size int) *WorkerPool {
	return NewWorkerPool("test", size, discardLogger())
}

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := newTestPool(2)
	defer pool.Shutdown()

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const poolSize = 3
	pool := newTestPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, maxConcurrent, int64(poolSize))
	assert.Positive(t, maxConcurrent)
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := newTestPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock after the first task completed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := newTestPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := newTestPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}
	close(block)
	pool.Wait()
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := newTestPool(2)

	var completed int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		}))
	}
	pool.Shutdown()

	assert.Equal(t, int64(5), atomic.LoadInt64(&completed))
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := newTestPool(2)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_MetricsAccuracy(t *testing.T) {
	pool := newTestPool(4)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return errTarget }))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Active)
}

func TestWorkerPool_DoubleShutdown(t *testing.T) {
	pool := newTestPool(2)
	pool.Shutdown()
	assert.NotPanics(t, pool.Shutdown)
}

func TestWorkerConfig_Defaults(t *testing.T) {
	c := WorkerConfig{}.withDefaults()
	assert.Equal(t, DefaultAdvancePoolSize, c.AdvancePoolSize)
	assert.Equal(t, DefaultActivityPoolSize, c.ActivityPoolSize)
	assert.Equal(t, DefaultSweepInterval, c.SweepInterval)

	c = WorkerConfig{AdvancePoolSize: 2, SweepInterval: time.Second}.withDefaults()
	assert.Equal(t, 2, c.AdvancePoolSize)
	assert.Equal(t, time.Second, c.SweepInterval)
}

func TestWorker_FullActivityPoolDoesNotStallOtherRuns(t *testing.T) {
	release := make(chan struct{})
	var started int64
	acts := activities.NewRegistry()
	acts.MustRegister(activities.Func("slow", "", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt64(&started, 1)
		select {
		case <-release:
			return json.RawMessage(`"done"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	wf := workflow.NewRegistry()
	register(t, wf, "two_slow", func(ctx *workflow.Context, _ json.RawMessage) (any, error) {
		first := ctx.ExecuteActivity("slow", 1, workflow.ActivityOptions{})
		second := ctx.ExecuteActivity("slow", 2, workflow.ActivityOptions{})
		if err := first.Get(nil); err != nil {
			return nil, err
		}
		return nil, second.Get(nil)
	})
	register(t, wf, "instant", func(*workflow.Context, json.RawMessage) (any, error) { return "ok", nil })

	eng, err := New(Config{
		Store:      newTestStore(t),
		Workflows:  wf,
		Activities: acts,
		Logger:     discardLogger(),
		Worker:     WorkerConfig{ActivityPoolSize: 1, SweepInterval: time.Hour},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))
	t.Cleanup(eng.Stop)
	t.Cleanup(func() { close(release) })

	ctx := context.Background()
	busy, err := eng.Start(ctx, StartRequest{WorkflowType: "two_slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&started) == 1 &&
			len(eventsOfType(t, eng, busy.RunID, schema.EventActivityScheduled)) == 2
	}, awaitTimeout, 10*time.Millisecond)

	quick, err := eng.Start(ctx, StartRequest{WorkflowType: "instant"})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	final, err := eng.Await(waitCtx, quick.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, final.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(&started), "the pool admits one activity at a time")
}
