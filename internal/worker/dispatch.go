package worker

import (
	"context"
	"fmt"
	"time"

	"document-formatter/internal/config"
	"document-formatter/internal/models"
	"document-formatter/internal/queue"
	"document-formatter/internal/telemetry"
)

// InlineDispatcher runs pipeline runs on a Pool inside the API process.
type InlineDispatcher struct {
	pool *Pool
}

func NewInlineDispatcher(pool *Pool) *InlineDispatcher {
	return &InlineDispatcher{pool: pool}
}

// Dispatch starts the run in the background and returns immediately.
func (d *InlineDispatcher) Dispatch(_ context.Context, job models.Job) error {
	if !d.pool.Start(job, nil) {
		return fmt.Errorf("run for job %s not started: already active or shutting down", job.ID)
	}
	telemetry.JobsDispatched.WithLabelValues(config.DispatchInline).Inc()
	return nil
}

// cancelSettle bounds how long Cancel waits for a stopped run to record its
// outcome.
const cancelSettle = 5 * time.Second

// Cancel stops the local run and waits briefly for it to finalize the job.
// It reports whether one was active.
func (d *InlineDispatcher) Cancel(ctx context.Context, job models.Job) (bool, error) {
	if !d.pool.Cancel(job.ID) {
		return false, nil
	}
	wctx, cancel := context.WithTimeout(ctx, cancelSettle)
	defer cancel()
	if err := d.pool.Wait(wctx, job.ID); err != nil {
		d.pool.logger.Warn().Str("job_id", job.ID).Msg("cancelled run still finalizing")
	}
	return true, nil
}

// QueueDispatcher hands runs to worker processes through Redis.
type QueueDispatcher struct {
	queue *queue.RedisQueue
}

func NewQueueDispatcher(q *queue.RedisQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job models.Job) error {
	if err := d.queue.Enqueue(ctx, queue.Task{JobID: job.ID, RunID: job.RunID}); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	telemetry.JobsDispatched.WithLabelValues(config.DispatchQueue).Inc()
	return nil
}

// Cancel withdraws a queued run and tells every worker to stop an active
// one. It never reports a live run: which worker holds it is unknown here,
// so the caller finalizes the job and the run is fenced out.
func (d *QueueDispatcher) Cancel(ctx context.Context, job models.Job) (bool, error) {
	if err := d.queue.Remove(ctx, job.ID); err != nil {
		return false, fmt.Errorf("remove queued run: %w", err)
	}
	if err := d.queue.PublishCancel(ctx, job.ID); err != nil {
		return false, fmt.Errorf("publish cancel: %w", err)
	}
	return false, nil
}
