package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"document-formatter/internal/logging"
	"document-formatter/internal/models"
)

func TestPoolRejectsDuplicateStart(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	pool := NewPool(func(ctx context.Context, _ models.Job) error {
		runs.Add(1)
		<-release
		return nil
	}, 4, logging.Nop())

	job := models.Job{ID: "job-1", RunID: "run-1"}
	require.True(t, pool.Start(job, nil))
	require.False(t, pool.Start(job, nil), "second start for the same job must be refused")
	require.Equal(t, 1, pool.Active())

	close(release)
	require.NoError(t, pool.Wait(context.Background(), "job-1"))
	require.Zero(t, pool.Active())
	require.Equal(t, int32(1), runs.Load())

	// Once finished, the id can run again.
	require.True(t, pool.Start(job, nil))
	pool.Shutdown(context.Background())
}

func TestPoolCancel(t *testing.T) {
	result := make(chan error, 1)
	pool := NewPool(func(ctx context.Context, _ models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1, logging.Nop())

	require.True(t, pool.Start(models.Job{ID: "job-1"}, func(err error) { result <- err }))
	require.True(t, pool.Cancel("job-1"))
	require.ErrorIs(t, <-result, context.Canceled)
	require.False(t, pool.Cancel("job-1"))
	require.False(t, pool.Cancel("unknown"))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	pool := NewPool(func(context.Context, models.Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}, 2, logging.Nop())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.True(t, pool.Start(models.Job{ID: id}, nil))
	}
	require.Equal(t, 0, pool.Idle())
	pool.Shutdown(context.Background())
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, 0, pool.Active())
}

func TestPoolShutdownCancelsAfterDeadline(t *testing.T) {
	pool := NewPool(func(ctx context.Context, _ models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1, logging.Nop())
	require.True(t, pool.Start(models.Job{ID: "job-1"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	pool.Shutdown(ctx)

	require.Equal(t, 0, pool.Active())
	require.False(t, pool.Start(models.Job{ID: "job-2"}, nil), "no runs accepted after shutdown")
}
