package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"document-formatter/internal/models"
)

// RunFunc executes one pipeline run.
type RunFunc func(ctx context.Context, job models.Job) error

// Pool runs pipeline runs in the background, at most one per job id, with a
// bounded number executing at once. Every run keeps a cancellable handle.
type Pool struct {
	run    RunFunc
	slots  chan struct{}
	logger zerolog.Logger

	base context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	handles map[string]*handle
	closing bool
	wg      sync.WaitGroup
}

type handle struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPool(run RunFunc, concurrency int, logger zerolog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Pool{
		run:     run,
		slots:   make(chan struct{}, concurrency),
		logger:  logger,
		base:    base,
		stop:    stop,
		handles: make(map[string]*handle),
	}
}

// Start launches a run for job unless one is already active for its id.
// onDone, when set, is called with the run's result after the handle is
// released.
func (p *Pool) Start(job models.Job, onDone func(error)) bool {
	p.mu.Lock()
	if _, busy := p.handles[job.ID]; busy {
		p.mu.Unlock()
		p.logger.Warn().Str("job_id", job.ID).Str("run_id", job.RunID).Msg("run already active, duplicate start ignored")
		return false
	}
	if p.closing {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(p.base)
	h := &handle{runID: job.RunID, cancel: cancel, done: make(chan struct{})}
	p.handles[job.ID] = h
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer cancel()

		acquired := false
		select {
		case p.slots <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		err := p.run(ctx, job)
		if acquired {
			<-p.slots
		}

		p.mu.Lock()
		if p.handles[job.ID] == h {
			delete(p.handles, job.ID)
		}
		p.mu.Unlock()
		close(h.done)

		if onDone != nil {
			onDone(err)
		}
	}()
	return true
}

// Cancel stops the active run for jobID. It reports whether one existed.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	h, ok := p.handles[jobID]
	p.mu.Unlock()
	if ok {
		p.logger.Info().Str("job_id", jobID).Str("run_id", h.runID).Msg("cancelling run")
		h.cancel()
	}
	return ok
}

// Wait blocks until the run for jobID finishes or ctx ends.
func (p *Pool) Wait(ctx context.Context, jobID string) error {
	p.mu.Lock()
	h, ok := p.handles[jobID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of registered runs, including ones waiting for a slot.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Idle returns how many more runs could start executing immediately.
func (p *Pool) Idle() int {
	n := cap(p.slots) - p.Active()
	if n < 0 {
		return 0
	}
	return n
}

// Shutdown stops accepting runs and waits for active ones. When ctx ends
// first, the remaining runs are cancelled and awaited.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.stop()
	case <-ctx.Done():
		p.logger.Warn().Int("active", p.Active()).Msg("shutdown deadline reached, cancelling runs")
		p.stop()
		<-done
	}
}
