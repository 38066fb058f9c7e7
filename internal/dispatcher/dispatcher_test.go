package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugin-registry/pluginindexer/internal/dispatcher"
	"github.com/plugin-registry/pluginindexer/internal/metrics"
	"github.com/plugin-registry/pluginindexer/internal/stats"
)

func newTestDispatcher() (*dispatcher.Dispatcher, *stats.Accountant) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	acct := stats.New(logger, metrics.NewNoop())
	return dispatcher.New(acct.Sender(), metrics.NewNoop()), acct
}

func TestDispatchRunsAndReportsSuccess(t *testing.T) {
	d, acct := newTestDispatcher()
	go acct.Run(context.Background())

	var ran atomic.Bool
	err := d.Dispatch(context.Background(), "task-a", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	d.Close()
	<-d.Quiescence()
	acct.Close()

	assert.True(t, ran.Load())
	// Give the accountant's consumer a moment to apply the final batch.
	time.Sleep(10 * time.Millisecond)
	snap := acct.Snapshot()
	assert.Equal(t, 1, snap.Successes)
	assert.Empty(t, snap.Failures)
}

func TestDispatchReportsFailure(t *testing.T) {
	d, acct := newTestDispatcher()
	go acct.Run(context.Background())

	boom := errors.New("boom")
	require.NoError(t, d.Dispatch(context.Background(), "task-b", func(ctx context.Context) error {
		return boom
	}))

	d.Close()
	<-d.Quiescence()
	acct.Close()

	time.Sleep(10 * time.Millisecond)
	snap := acct.Snapshot()
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, "task-b", snap.Failures[0].Task)
	assert.ErrorIs(t, snap.Failures[0].Err, boom)
}

func TestNestedDispatchObservedBeforeQuiescence(t *testing.T) {
	d, acct := newTestDispatcher()
	go acct.Run(context.Background())

	var childRan atomic.Bool
	require.NoError(t, d.Dispatch(context.Background(), "parent", func(ctx context.Context) error {
		return d.Dispatch(ctx, "child", func(ctx context.Context) error {
			childRan.Store(true)
			return nil
		})
	}))

	d.Close()
	<-d.Quiescence()
	acct.Close()

	assert.True(t, childRan.Load())
	time.Sleep(10 * time.Millisecond)
	snap := acct.Snapshot()
	assert.Equal(t, 2, snap.Successes)
}

// TestDispatchAfterCloseStillRuns mirrors tokio_util's TaskTracker: close()
// only gates when Wait/Quiescence may return, it never refuses a spawn.
// Quiescence must still observe a task dispatched after Close.
func TestDispatchAfterCloseStillRuns(t *testing.T) {
	d, acct := newTestDispatcher()
	go acct.Run(context.Background())

	d.Close()

	var ran atomic.Bool
	err := d.Dispatch(context.Background(), "after-close", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	<-d.Quiescence()
	acct.Close()

	assert.True(t, ran.Load())
}

// TestCloseImmediatelyAfterDispatchDoesNotRaceNestedDispatch is the
// regression this package exists to guard: closing the dispatcher right
// after a top-level Dispatch call must not race ahead of that task's own
// nested Dispatch calls, since Close only observes quiescence through the
// active count, not through a flag that Dispatch itself consults.
func TestCloseImmediatelyAfterDispatchDoesNotRaceNestedDispatch(t *testing.T) {
	d, acct := newTestDispatcher()
	go acct.Run(context.Background())

	var childRan atomic.Bool
	require.NoError(t, d.Dispatch(context.Background(), "parent", func(ctx context.Context) error {
		// Simulate work between the parent's own dispatch and its nested
		// dispatch, widening the window Close could otherwise race into.
		time.Sleep(5 * time.Millisecond)
		return d.Dispatch(ctx, "child", func(ctx context.Context) error {
			childRan.Store(true)
			return nil
		})
	}))

	d.Close()
	<-d.Quiescence()
	acct.Close()

	assert.True(t, childRan.Load())
}

func TestQuiescenceWaitsForConcurrentTasks(t *testing.T) {
	d, acct := newTestDispatcher()
	go acct.Run(context.Background())

	const n = 20
	var wg sync.WaitGroup
	var completed atomic.Int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_ = d.Dispatch(context.Background(), "concurrent", func(ctx context.Context) error {
				completed.Add(1)
				_ = i
				return nil
			})
		}()
	}
	wg.Wait()
	d.Close()
	<-d.Quiescence()
	acct.Close()

	assert.EqualValues(t, n, completed.Load())
}
