package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"document-formatter/internal/apperr"
	"document-formatter/internal/models"
)

// Runs against a disposable database named by FORMATTER_TEST_POSTGRES_DSN.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FORMATTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORMATTER_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	require.NoError(t, st.RunMigrations(ctx), "migrations are re-runnable")
	return st
}

func draft(t *testing.T, st *Store, owner string) models.Job {
	t.Helper()
	size := int64(500000)
	job, err := st.CreateJob(context.Background(), models.Job{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		Filename:       "thesis.docx",
		SourceLocation: "documents/" + owner + "/1_x.docx",
		FileSize:       &size,
		Style:          "APA",
		Variant:        "us",
		Options:        models.Options{TrackedChanges: true},
		Status:         models.StatusDraft,
	})
	require.NoError(t, err)
	return job
}

func TestLifecycleIsFencedByRunID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()
	job := draft(t, st, owner)
	require.Equal(t, models.StatusDraft, job.Status)
	require.True(t, job.Options.TrackedChanges)

	_, err := st.CreateJob(ctx, job)
	require.True(t, apperr.Is(err, apperr.Conflict))

	got, started, err := st.BeginProcessing(ctx, job.ID, owner, "run-1")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, models.StatusProcessing, got.Status)

	_, started, err = st.BeginProcessing(ctx, job.ID, owner, "run-2")
	require.NoError(t, err)
	require.False(t, started, "only one transition out of draft")

	ok, err := st.UpdateProgress(ctx, job.ID, "run-1", 30, "analyzing")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.UpdateProgress(ctx, job.ID, "run-1", 10, "late write")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ = st.GetJobByID(ctx, job.ID)
	require.Equal(t, 30, got.Progress, "progress never decreases")

	ok, err = st.UpdateProgress(ctx, job.ID, "run-other", 90, "")
	require.NoError(t, err)
	require.False(t, ok, "foreign run cannot write")

	ok, err = st.MarkFormatted(ctx, job.ID, "run-1", models.Outcome{ResultLocation: "formatted/" + job.ID + ".docx", Backend: "basic", Duration: time.Second, WordCount: 3})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.MarkFailed(ctx, job.ID, "run-1", models.Failure{Kind: "internal", Message: "late"})
	require.NoError(t, err)
	require.False(t, ok, "terminal jobs are never rewritten")

	got, err = st.GetJob(ctx, job.ID, owner)
	require.NoError(t, err)
	require.Equal(t, models.StatusFormatted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.ProcessedAt)

	_, err = st.GetJob(ctx, job.ID, "someone-else")
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDeleteJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()
	job := draft(t, st, owner)
	_, _, err := st.BeginProcessing(ctx, job.ID, owner, "run-1")
	require.NoError(t, err)
	require.NoError(t, st.AppendEvent(ctx, job.ID, "processing", "run-1"))

	err = st.DeleteJob(ctx, job.ID, owner, nil)
	require.True(t, apperr.Is(err, apperr.Conflict))

	_, err = st.MarkFailed(ctx, job.ID, "run-1", models.Failure{Kind: "cancelled", Message: "Processing cancelled."})
	require.NoError(t, err)

	boom := errors.New("storage down")
	err = st.DeleteJob(ctx, job.ID, owner, func(models.Job) error { return boom })
	require.ErrorIs(t, err, boom)
	_, err = st.GetJobByID(ctx, job.ID)
	require.NoError(t, err, "failed release keeps the row")

	var released models.Job
	require.NoError(t, st.DeleteJob(ctx, job.ID, owner, func(j models.Job) error { released = j; return nil }))
	require.Equal(t, job.ID, released.ID)
	events, err := st.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, events, "events cascade with the job")
}

func TestListJobsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	owner := "owner-" + uuid.NewString()
	first := draft(t, st, owner)
	second := draft(t, st, owner)

	jobs, err := st.ListJobs(context.Background(), owner, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, second.ID, jobs[0].ID)
	require.NotEqual(t, first.ID, jobs[0].ID)
}

func TestMarkFormattedChargesUsage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()

	u, err := st.GetUsage(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, models.Usage{OwnerID: owner}, u)

	for i, stored := range []int64{1200, 800} {
		job := draft(t, st, owner)
		runID := "run-" + job.ID
		_, started, err := st.BeginProcessing(ctx, job.ID, owner, runID)
		require.NoError(t, err)
		require.True(t, started)
		ok, err := st.MarkFormatted(ctx, job.ID, runID, models.Outcome{ResultLocation: "formatted/" + job.ID + ".docx", Backend: "basic", StoredBytes: stored})
		require.NoError(t, err)
		require.True(t, ok, "run %d", i)

		ok, err = st.MarkFormatted(ctx, job.ID, runID, models.Outcome{StoredBytes: stored})
		require.NoError(t, err)
		require.False(t, ok, "a second finalize charges nothing")
	}

	failed := draft(t, st, owner)
	_, _, err = st.BeginProcessing(ctx, failed.ID, owner, "run-f")
	require.NoError(t, err)
	_, err = st.MarkFailed(ctx, failed.ID, "run-f", models.Failure{Kind: "internal", Message: "boom"})
	require.NoError(t, err)

	u, err = st.GetUsage(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(2), u.DocumentsProcessed)
	require.Equal(t, int64(2*500000+1200+800), u.StorageBytes)
	require.NotNil(t, u.UpdatedAt)
}
