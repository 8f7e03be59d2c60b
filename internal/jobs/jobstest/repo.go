// Package jobstest provides in-memory collaborators for tests of the job
// service, pipeline and workers.
package jobstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"document-formatter/internal/apperr"
	"document-formatter/internal/models"
)

// Repo is an in-memory job store with the same conditional-update semantics
// as the Postgres store.
type Repo struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	events   []models.Event
	progress map[string][]int
	usage    map[string]models.Usage
	now      func() time.Time
}

func NewRepo() *Repo {
	return &Repo{
		jobs:     make(map[string]models.Job),
		progress: make(map[string][]int),
		usage:    make(map[string]models.Usage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func notFound() error { return apperr.New(apperr.NotFound, "Job not found") }

func (r *Repo) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return models.Job{}, apperr.New(apperr.Conflict, "Job already exists")
	}
	if job.Status == "" {
		job.Status = models.StatusDraft
	}
	now := r.now()
	job.Progress = 0
	job.CreatedAt, job.UpdatedAt = now, now
	r.jobs[job.ID] = job
	return job, nil
}

func (r *Repo) GetJob(_ context.Context, id, owner string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.OwnerID != owner {
		return models.Job{}, notFound()
	}
	return job, nil
}

func (r *Repo) GetJobByID(_ context.Context, id string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, notFound()
	}
	return job, nil
}

func (r *Repo) ListJobs(_ context.Context, owner string, limit int) ([]models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Job, 0)
	for _, j := range r.jobs {
		if j.OwnerID == owner {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repo) BeginProcessing(_ context.Context, id, owner, runID string) (models.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.OwnerID != owner {
		return models.Job{}, false, notFound()
	}
	if !models.CanTransition(job.Status, models.StatusProcessing) {
		return job, false, nil
	}
	job.Status = models.StatusProcessing
	job.Progress = 0
	job.ProgressMessage = ""
	job.RunID = runID
	job.ErrorKind, job.Error, job.ErrorDetail = "", "", ""
	job.UpdatedAt = r.now()
	r.jobs[id] = job
	r.progress[id] = []int{0}
	return job, true, nil
}

func (r *Repo) FailUpload(_ context.Context, id, owner string, f models.Failure) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.OwnerID != owner || job.Status != models.StatusDraft {
		return false, nil
	}
	job.Status = models.StatusFailed
	job.ErrorKind, job.Error, job.ErrorDetail = f.Kind, f.Message, f.Detail
	job.UpdatedAt = r.now()
	r.jobs[id] = job
	return true, nil
}

func (r *Repo) live(id, runID string) (models.Job, bool) {
	job, ok := r.jobs[id]
	if !ok || job.Status != models.StatusProcessing || job.RunID != runID {
		return models.Job{}, false
	}
	return job, true
}

func (r *Repo) UpdateProgress(_ context.Context, id, runID string, pct int, msg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.live(id, runID)
	if !ok {
		return false, nil
	}
	if pct > 99 {
		pct = 99
	}
	if pct > job.Progress {
		job.Progress = pct
	}
	job.ProgressMessage = msg
	job.UpdatedAt = r.now()
	r.jobs[id] = job
	r.progress[id] = append(r.progress[id], job.Progress)
	return true, nil
}

func (r *Repo) MarkFormatted(_ context.Context, id, runID string, o models.Outcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.live(id, runID)
	if !ok || !models.CanTransition(job.Status, models.StatusFormatted) {
		return false, nil
	}
	now := r.now()
	job.Status = models.StatusFormatted
	job.Progress = 100
	job.ProgressMessage = "Formatting successful"
	job.ResultLocation = o.ResultLocation
	job.TrackedLocation = o.TrackedLocation
	job.Backend = o.Backend
	job.ProcessingTime = o.Duration.Seconds()
	job.WordCount = o.WordCount
	job.ProcessedAt = &now
	job.UpdatedAt = now
	r.jobs[id] = job
	r.progress[id] = append(r.progress[id], 100)

	u := r.usage[job.OwnerID]
	u.OwnerID = job.OwnerID
	u.DocumentsProcessed++
	u.StorageBytes += o.StoredBytes
	if job.FileSize != nil {
		u.StorageBytes += *job.FileSize
	}
	u.UpdatedAt = &now
	r.usage[job.OwnerID] = u
	return true, nil
}

func (r *Repo) GetUsage(_ context.Context, owner string) (models.Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usage[owner]
	if !ok {
		return models.Usage{OwnerID: owner}, nil
	}
	return u, nil
}

func (r *Repo) MarkFailed(_ context.Context, id, runID string, f models.Failure) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.live(id, runID)
	if !ok || !models.CanTransition(job.Status, models.StatusFailed) {
		return false, nil
	}
	now := r.now()
	job.Status = models.StatusFailed
	job.ErrorKind, job.Error, job.ErrorDetail = f.Kind, f.Message, f.Detail
	job.ProcessedAt = &now
	job.UpdatedAt = now
	r.jobs[id] = job
	return true, nil
}

func (r *Repo) DeleteJob(_ context.Context, id, owner string, release func(models.Job) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.OwnerID != owner {
		return notFound()
	}
	if job.Status == models.StatusProcessing {
		return apperr.New(apperr.Conflict, "Job is still processing")
	}
	if release != nil {
		if err := release(job); err != nil {
			return err
		}
	}
	delete(r.jobs, id)
	return nil
}

func (r *Repo) AppendEvent(_ context.Context, jobID, event, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.Event{JobID: jobID, Event: event, Detail: detail, Recorded: r.now()})
	return nil
}

func (r *Repo) ListEvents(_ context.Context, jobID string) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, 0)
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Put stores job as-is, bypassing lifecycle checks.
func (r *Repo) Put(job models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

// Progress returns every progress value recorded for id, in write order.
func (r *Repo) Progress(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress[id]...)
}

// EventNames returns the audit event names recorded for id.
func (r *Repo) EventNames(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.JobID == id {
			out = append(out, ev.Event)
		}
	}
	return out
}

// WaitFor polls until the job leaves processing or the timeout elapses.
func (r *Repo) WaitFor(id string, timeout time.Duration) (models.Job, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := r.GetJobByID(context.Background(), id)
		if err == nil && job.Status.Terminal() {
			return job, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := r.GetJobByID(context.Background(), id)
	return job, false
}
