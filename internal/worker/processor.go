package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"document-formatter/internal/apperr"
	"document-formatter/internal/models"
	"document-formatter/internal/queue"
	"document-formatter/internal/telemetry"
)

// InterruptedMessage is recorded on jobs whose queue lease expired.
const InterruptedMessage = "Processing was interrupted. Please try again."

// JobSource is the part of the job store the consumer needs.
type JobSource interface {
	GetJobByID(ctx context.Context, id string) (models.Job, error)
	MarkFailed(ctx context.Context, id, runID string, f models.Failure) (bool, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Processor consumes dispatched runs from the Redis queue and executes them
// on a Pool, keeping each lease alive while its run is active.
type Processor struct {
	queue        *queue.RedisQueue
	jobs         JobSource
	pool         *Pool
	logger       zerolog.Logger
	pollInterval time.Duration
	reapInterval time.Duration
	maxBackoff   time.Duration
}

func NewProcessor(q *queue.RedisQueue, jobs JobSource, pool *Pool, pollInterval time.Duration, logger zerolog.Logger) *Processor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	reap := q.VisibilityTimeout() / 2
	if reap <= 0 {
		reap = time.Second
	}
	return &Processor{
		queue:        q,
		jobs:         jobs,
		pool:         pool,
		logger:       logger,
		pollInterval: pollInterval,
		reapInterval: reap,
		maxBackoff:   30 * time.Second,
	}
}

// Run consumes the queue, reaps expired leases and listens for cancel
// notifications until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.consume(ctx) })
	g.Go(func() error { return p.reapLoop(ctx) })
	g.Go(func() error {
		return p.queue.SubscribeCancel(ctx, func(jobID string) {
			p.pool.Cancel(jobID)
		})
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if p.pool.Idle() == 0 {
			if !wait(ctx, p.pollInterval) {
				return nil
			}
			continue
		}

		task, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			failures++
			delay := backoffWithJitter(p.pollInterval, p.maxBackoff, failures)
			p.logger.Warn().Err(err).Dur("retry_in", delay).Msg("dequeue failed")
			if !wait(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0
		if !ok {
			if !wait(ctx, p.pollInterval) {
				return nil
			}
			continue
		}
		p.dispatch(ctx, task)
	}
}

func (p *Processor) dispatch(ctx context.Context, task queue.Task) {
	log := p.logger.With().Str("job_id", task.JobID).Str("run_id", task.RunID).Logger()

	job, err := p.jobs.GetJobByID(ctx, task.JobID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			log.Warn().Msg("dequeued job no longer exists")
			_ = p.queue.Ack(ctx, task.JobID)
			return
		}
		// Leave the lease in place; the reaper fails the job if it stays unreadable.
		log.Error().Err(err).Msg("load dequeued job")
		return
	}
	if job.Status != models.StatusProcessing || job.RunID != task.RunID {
		log.Info().Str("status", string(job.Status)).Msg("stale run dropped")
		_ = p.queue.Ack(ctx, task.JobID)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	go p.heartbeat(hbCtx, task.JobID)

	started := p.pool.Start(job, func(error) {
		stopHeartbeat()
		if err := p.queue.Ack(context.Background(), task.JobID); err != nil {
			log.Warn().Err(err).Msg("ack failed")
		}
	})
	if !started {
		// Shutting down: the lease expires and the reaper fails the job.
		stopHeartbeat()
		log.Warn().Msg("pool refused run")
	}
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	interval := p.queue.VisibilityTimeout() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.queue.VisibilityTimeout()); err != nil {
				p.logger.Warn().Err(err).Str("job_id", jobID).Msg("extend lease failed")
			}
		}
	}
}

func (p *Processor) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		p.ReapExpired(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReapExpired fails the jobs whose leases ran out. Runs are not retried.
func (p *Processor) ReapExpired(ctx context.Context) int {
	tasks, err := p.queue.ReapExpired(ctx, time.Now(), 100)
	if err != nil {
		p.logger.Warn().Err(err).Msg("reap expired leases")
	}
	n := 0
	for _, t := range tasks {
		ok, err := p.jobs.MarkFailed(ctx, t.JobID, t.RunID, models.Failure{
			Kind:    string(apperr.Internal),
			Message: InterruptedMessage,
			Detail:  "queue lease expired",
		})
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", t.JobID).Msg("fail reaped job")
			continue
		}
		p.pool.Cancel(t.JobID)
		if !ok {
			continue
		}
		n++
		telemetry.LeasesReaped.Inc()
		telemetry.JobsFailed.WithLabelValues(string(apperr.Internal)).Inc()
		_ = p.jobs.AppendEvent(ctx, t.JobID, "failed", "lease expired")
		p.logger.Warn().Str("job_id", t.JobID).Str("run_id", t.RunID).Msg("lease expired, job failed")
	}
	return n
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	d := time.Duration(exp)
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d/2) + 1))
	return d/2 + jitter
}
