package jobs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"document-formatter/internal/apperr"
	"document-formatter/internal/docx"
	"document-formatter/internal/identity"
	"document-formatter/internal/jobs/jobstest"
	"document-formatter/internal/logging"
	"document-formatter/internal/models"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []models.Job
	cancelled  []string
	live       bool
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job models.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, job)
	return nil
}

func (d *recordingDispatcher) Cancel(_ context.Context, job models.Job) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, job.ID)
	return d.live, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

type denyLimiter struct{}

func (denyLimiter) Take(context.Context, string, string) error {
	return apperr.New(apperr.RateLimited, "slow down")
}

type harness struct {
	svc   *Service
	repo  *jobstest.Repo
	blobs *jobstest.Blobs
	disp  *recordingDispatcher
}

var (
	alice = identity.Principal{OwnerID: "alice", Email: "alice@example.com"}
	bob   = identity.Principal{OwnerID: "bob"}
)

func newHarness(t *testing.T) harness {
	t.Helper()
	repo := jobstest.NewRepo()
	blobs := jobstest.NewBlobs()
	disp := &recordingDispatcher{}
	svc := NewService(repo, blobs, disp, nil, Settings{MaxUploadBytes: 100 * 1024 * 1024, UploadURLTTL: time.Minute, ListLimit: 50}, logging.Nop())
	return harness{svc: svc, repo: repo, blobs: blobs, disp: disp}
}

func size(n int64) *int64 { return &n }

func (h harness) draft(t *testing.T, opts models.Options) UploadTicket {
	t.Helper()
	ticket, err := h.svc.CreateUpload(context.Background(), alice, CreateUploadRequest{
		Filename: "thesis.docx", Style: "APA", Variant: "us", Options: opts, FileSize: size(500000),
	})
	require.NoError(t, err)
	return ticket
}

func TestCreateUpload(t *testing.T) {
	h := newHarness(t)
	ticket := h.draft(t, models.Options{})

	require.Regexp(t, regexp.MustCompile(`^documents/alice/\d+_[0-9a-f-]{36}\.docx$`), ticket.StorageHandle)
	require.Equal(t, ticket.StorageHandle, ticket.Grant.Key)
	require.NotEmpty(t, ticket.Grant.URL)

	job, err := h.svc.GetStatus(context.Background(), alice, ticket.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDraft, job.Status)
	require.Equal(t, ticket.StorageHandle, job.SourceLocation)
	require.Equal(t, 0, job.Progress)
	require.Zero(t, h.disp.count(), "no processing before completion")
}

func TestCreateUploadValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		name string
		req  CreateUploadRequest
		kind apperr.Kind
	}{
		{"too large", CreateUploadRequest{Filename: "a.docx", Style: "APA", Variant: "us", FileSize: size(200 * 1024 * 1024)}, apperr.PayloadTooLarge},
		{"negative", CreateUploadRequest{Filename: "a.docx", Style: "APA", Variant: "us", FileSize: size(-1)}, apperr.InvalidArgument},
		{"no style", CreateUploadRequest{Filename: "a.docx", Variant: "us"}, apperr.InvalidArgument},
		{"no variant", CreateUploadRequest{Filename: "a.docx", Style: "APA"}, apperr.InvalidArgument},
		{"no filename", CreateUploadRequest{Style: "APA", Variant: "us"}, apperr.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateUpload(ctx, alice, tc.req)
			require.True(t, apperr.Is(err, tc.kind), "got %v", err)
		})
	}
	jobs, err := h.svc.ListJobs(ctx, alice)
	require.NoError(t, err)
	require.Empty(t, jobs, "rejected requests must not create jobs")
}

func TestCreateUploadCredentialFailure(t *testing.T) {
	h := newHarness(t)
	h.blobs.FailPresign = errors.New("sts unavailable")

	_, err := h.svc.CreateUpload(context.Background(), alice, CreateUploadRequest{Filename: "a.docx", Style: "APA", Variant: "us"})
	require.True(t, apperr.Is(err, apperr.UpstreamUnavailable))

	jobs, _ := h.svc.ListJobs(context.Background(), alice)
	require.Empty(t, jobs)
}

func TestCreateUploadRateLimited(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.repo, h.blobs, h.disp, denyLimiter{}, Settings{}, logging.Nop())
	_, err := svc.CreateUpload(context.Background(), alice, CreateUploadRequest{Filename: "a.docx", Style: "APA", Variant: "us"})
	require.True(t, apperr.Is(err, apperr.RateLimited))
}

func TestStorageHandleExtension(t *testing.T) {
	at := time.Unix(1700000000, 0)
	require.Equal(t, "documents/u/1700000000_x.docx", StorageHandle("u", at, "README", "x"))
	require.Equal(t, "documents/u/1700000000_x.pdf", StorageHandle("u", at, "Paper.PDF", "x"))
	require.Equal(t, "documents/a_b/1700000000_x.docx", StorageHandle("a/b", at, "t.docx", "x"))
}

func TestCompleteUploadStartsOneRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})

	accepted, err := h.svc.CompleteUpload(ctx, alice, ticket.JobID, ticket.StorageHandle, true)
	require.NoError(t, err)
	require.True(t, accepted)

	job, _ := h.svc.GetStatus(ctx, alice, ticket.JobID)
	require.Equal(t, models.StatusProcessing, job.Status)
	require.Equal(t, 0, job.Progress)
	require.NotEmpty(t, job.RunID)

	accepted, err = h.svc.CompleteUpload(ctx, alice, ticket.JobID, ticket.StorageHandle, true)
	require.NoError(t, err)
	require.False(t, accepted, "second completion is a no-op")
	require.Equal(t, 1, h.disp.count())
}

func TestCompleteUploadConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	ticket := h.draft(t, models.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.CompleteUpload(context.Background(), alice, ticket.JobID, "", true)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, h.disp.count())
}

func TestCompleteUploadFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})

	accepted, err := h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", false)
	require.NoError(t, err)
	require.False(t, accepted)

	job, _ := h.svc.GetStatus(ctx, alice, ticket.JobID)
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, "Upload failed", job.Error)
	require.Zero(t, h.disp.count())

	accepted, err = h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", true)
	require.NoError(t, err)
	require.False(t, accepted, "failed jobs cannot be restarted")
}

func TestCompleteUploadChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})

	_, err := h.svc.CompleteUpload(ctx, bob, ticket.JobID, "", true)
	require.True(t, apperr.Is(err, apperr.NotFound), "foreign job must look absent")

	_, err = h.svc.CompleteUpload(ctx, alice, "missing", "", true)
	require.True(t, apperr.Is(err, apperr.NotFound))

	_, err = h.svc.CompleteUpload(ctx, alice, ticket.JobID, "documents/alice/other.docx", true)
	require.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestCompleteUploadDispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.disp.err = errors.New("redis down")
	ticket := h.draft(t, models.Options{})

	_, err := h.svc.CompleteUpload(context.Background(), alice, ticket.JobID, "", true)
	require.True(t, apperr.Is(err, apperr.UpstreamUnavailable))

	job, _ := h.svc.GetStatus(context.Background(), alice, ticket.JobID)
	require.Equal(t, models.StatusFailed, job.Status, "undispatched job must not stay processing")
}

func TestOwnershipIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})

	_, err := h.svc.GetStatus(ctx, bob, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotFound))
	_, err = h.svc.GetArtifact(ctx, bob, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotFound))
	require.True(t, apperr.Is(h.svc.DeleteJob(ctx, bob, ticket.JobID), apperr.NotFound))
	_, err = h.svc.CancelJob(ctx, bob, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotFound))
	_, err = h.svc.Events(ctx, bob, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

// finish simulates a completed pipeline run.
func (h harness) finish(t *testing.T, jobID string, tracked bool) {
	t.Helper()
	ctx := context.Background()
	job, err := h.repo.GetJobByID(ctx, jobID)
	require.NoError(t, err)

	dir := t.TempDir()
	src, out := filepath.Join(dir, "src.docx"), filepath.Join(dir, "out.docx")
	require.NoError(t, docx.WriteFile(src, []docx.Paragraph{{Text: "draft title"}}))
	require.NoError(t, docx.WriteFile(out, []docx.Paragraph{{Style: "Title", Text: "Draft Title"}}))
	srcData, _ := os.ReadFile(src)
	outData, _ := os.ReadFile(out)
	require.NoError(t, h.blobs.Put(ctx, job.SourceLocation, srcData, docx.ContentType))
	require.NoError(t, h.blobs.Put(ctx, "formatted/"+jobID+".docx", outData, docx.ContentType))

	o := models.Outcome{ResultLocation: "formatted/" + jobID + ".docx", Backend: "basic", Duration: 1500 * time.Millisecond, WordCount: 2}
	if tracked {
		require.NoError(t, h.blobs.Put(ctx, "formatted/"+jobID+".tracked.docx", []byte("tracked"), docx.ContentType))
		o.TrackedLocation = "formatted/" + jobID + ".tracked.docx"
	}
	ok, err := h.repo.MarkFormatted(ctx, jobID, job.RunID, o)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})

	_, err := h.svc.GetArtifact(ctx, alice, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotReady))

	_, err = h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", true)
	require.NoError(t, err)
	_, err = h.svc.GetArtifact(ctx, alice, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotReady))

	h.finish(t, ticket.JobID, false)
	art, err := h.svc.GetArtifact(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	require.Equal(t, "formatted_thesis.docx", art.Filename)
	require.NotEmpty(t, art.Content)
	require.Nil(t, art.Tracked)
	require.Equal(t, "APA", art.Metadata.Style)
	require.InDelta(t, 1.5, art.Metadata.ProcessingTime, 0.001)
}

func TestGetArtifactTrackedVariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stored := h.draft(t, models.Options{TrackedChanges: true})
	_, _ = h.svc.CompleteUpload(ctx, alice, stored.JobID, "", true)
	h.finish(t, stored.JobID, true)
	art, err := h.svc.GetArtifact(ctx, alice, stored.JobID)
	require.NoError(t, err)
	require.Equal(t, []byte("tracked"), art.Tracked)

	derived := h.draft(t, models.Options{TrackedChanges: true})
	_, _ = h.svc.CompleteUpload(ctx, alice, derived.JobID, "", true)
	h.finish(t, derived.JobID, false)
	art, err = h.svc.GetArtifact(ctx, alice, derived.JobID)
	require.NoError(t, err)
	paras, err := docx.Parse(art.Tracked)
	require.NoError(t, err)
	require.Equal(t, "Draft Title", paras[0].Text)
}

func TestGetArtifactMissingResult(t *testing.T) {
	h := newHarness(t)
	h.repo.Put(models.Job{ID: "broken", OwnerID: "alice", Filename: "a.docx", Status: models.StatusFormatted, Progress: 100})

	_, err := h.svc.GetArtifact(context.Background(), alice, "broken")
	require.True(t, apperr.Is(err, apperr.NotFound))

	h.repo.Put(models.Job{ID: "gone", OwnerID: "alice", Filename: "a.docx", Status: models.StatusFormatted, Progress: 100, ResultLocation: "formatted/gone.docx"})
	_, err = h.svc.GetArtifact(context.Background(), alice, "gone")
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDeleteJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{TrackedChanges: true})
	_, _ = h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", true)

	err := h.svc.DeleteJob(ctx, alice, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.Conflict), "processing jobs cannot be deleted")

	h.finish(t, ticket.JobID, true)
	require.NotEmpty(t, h.blobs.Keys())
	require.NoError(t, h.svc.DeleteJob(ctx, alice, ticket.JobID))
	require.Empty(t, h.blobs.Keys(), "source, result and tracked variant released")

	_, err = h.svc.GetStatus(ctx, alice, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDeleteJobKeepsRowWhenRemovalFails(t *testing.T) {
	h := newHarness(t)
	ticket := h.draft(t, models.Options{})
	h.blobs.FailRemove = errors.New("access denied")

	require.True(t, apperr.Is(h.svc.DeleteJob(context.Background(), alice, ticket.JobID), apperr.UpstreamUnavailable))
	_, err := h.svc.GetStatus(context.Background(), alice, ticket.JobID)
	require.NoError(t, err)
}

func TestDeleteJobWhoseObjectsAreAlreadyGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})
	_, _ = h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", true)
	h.finish(t, ticket.JobID, false)

	// Objects removed by an earlier delete whose commit never landed.
	require.NoError(t, h.blobs.Remove(ctx, h.blobs.Keys()...))
	_, err := h.svc.GetArtifact(ctx, alice, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotFound))

	require.NoError(t, h.svc.DeleteJob(ctx, alice, ticket.JobID))
	_, err = h.svc.GetStatus(ctx, alice, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})

	_, err := h.svc.CancelJob(ctx, alice, ticket.JobID)
	require.True(t, apperr.Is(err, apperr.Conflict), "draft jobs cannot be cancelled")

	_, _ = h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", true)
	job, err := h.svc.CancelJob(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, string(apperr.Cancelled), job.ErrorKind)
	require.Equal(t, []string{ticket.JobID}, h.disp.cancelled)
	require.Contains(t, h.repo.EventNames(ticket.JobID), "cancel_requested")
}

func TestCancelJobLiveRunFinalizesItself(t *testing.T) {
	h := newHarness(t)
	h.disp.live = true
	ctx := context.Background()
	ticket := h.draft(t, models.Options{})
	_, _ = h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", true)

	job, err := h.svc.CancelJob(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, job.Status, "the live run records the cancellation")
}

func TestListJobs(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.repo, h.blobs, h.disp, nil, Settings{ListLimit: 3}, logging.Nop())
	for i := 0; i < 5; i++ {
		_, err := svc.CreateUpload(context.Background(), alice, CreateUploadRequest{Filename: "a.docx", Style: "APA", Variant: "us"})
		require.NoError(t, err)
	}
	_, _ = svc.CreateUpload(context.Background(), bob, CreateUploadRequest{Filename: "b.docx", Style: "MLA", Variant: "uk"})

	jobs, err := svc.ListJobs(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		require.Equal(t, "alice", j.OwnerID)
	}
}

func TestUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u, err := h.svc.Usage(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, models.Usage{OwnerID: "alice"}, u)

	for i := 0; i < 2; i++ {
		ticket := h.draft(t, models.Options{})
		_, err := h.svc.CompleteUpload(ctx, alice, ticket.JobID, "", true)
		require.NoError(t, err)
		h.finish(t, ticket.JobID, false)
	}
	failed := h.draft(t, models.Options{})
	_, err = h.svc.CompleteUpload(ctx, alice, failed.JobID, "", false)
	require.NoError(t, err)

	u, err = h.svc.Usage(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(2), u.DocumentsProcessed, "only formatted jobs count")
	require.Equal(t, int64(2*500000), u.StorageBytes)
	require.NotNil(t, u.UpdatedAt)

	u, err = h.svc.Usage(ctx, bob)
	require.NoError(t, err)
	require.Zero(t, u.DocumentsProcessed)
}

func TestServiceLogsWithRequestLogger(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	reqLog := zerolog.New(&buf).With().Str("req_id", "req-42").Logger()
	ctx := reqLog.WithContext(context.Background())

	_, err := h.svc.CreateUpload(ctx, alice, CreateUploadRequest{Filename: "a.docx", Style: "APA", Variant: "us"})
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"req_id":"req-42"`)
	require.Contains(t, buf.String(), "upload credential issued")
}

func TestProcessInline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Process(ctx, alice, ProcessRequest{
		Filename: "notes.txt", Content: base64.StdEncoding.EncodeToString([]byte("hello world")), Style: "MLA", Variant: "uk",
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, job.Status)
	require.Regexp(t, `^legacy/alice/[0-9a-f-]{36}\.txt$`, job.SourceLocation)
	require.True(t, h.blobs.Has(job.SourceLocation))
	require.Equal(t, 1, h.disp.count())

	empty, err := h.svc.Process(ctx, alice, ProcessRequest{Filename: "empty.docx", Style: "MLA", Variant: "uk"})
	require.NoError(t, err)
	require.Equal(t, models.StatusDraft, empty.Status)
	require.Equal(t, 1, h.disp.count())

	_, err = h.svc.Process(ctx, alice, ProcessRequest{Filename: "x.docx", Content: "%%%", Style: "MLA", Variant: "uk"})
	require.True(t, apperr.Is(err, apperr.InvalidArgument))
}
