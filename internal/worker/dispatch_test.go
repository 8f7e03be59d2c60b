package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"document-formatter/internal/apperr"
	"document-formatter/internal/jobs/jobstest"
	"document-formatter/internal/logging"
	"document-formatter/internal/models"
)

func TestInlineCancelWaitsForRunToFinalize(t *testing.T) {
	repo := jobstest.NewRepo()
	job := processingJob(t, repo, "job-1", "run-1")
	entered := make(chan struct{})
	pool := NewPool(func(ctx context.Context, j models.Job) error {
		close(entered)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		if _, err := repo.MarkFailed(context.Background(), j.ID, j.RunID, models.Failure{Kind: string(apperr.Cancelled), Message: "Processing cancelled."}); err != nil {
			t.Error(err)
		}
		return ctx.Err()
	}, 1, logging.Nop())
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	d := NewInlineDispatcher(pool)

	require.NoError(t, d.Dispatch(context.Background(), job))
	require.Error(t, d.Dispatch(context.Background(), job), "one run per job")
	<-entered

	live, err := d.Cancel(context.Background(), job)
	require.NoError(t, err)
	require.True(t, live)

	got, err := repo.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status, "cancel returns after the run recorded its outcome")
	require.Equal(t, string(apperr.Cancelled), got.ErrorKind)

	live, err = d.Cancel(context.Background(), job)
	require.NoError(t, err)
	require.False(t, live)
}
