// Package pipeline runs one formatting job end to end: fetch the source,
// transform it, store the result and finalize the job record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"document-formatter/internal/apperr"
	"document-formatter/internal/blob"
	"document-formatter/internal/classifier"
	"document-formatter/internal/docx"
	"document-formatter/internal/engine"
	"document-formatter/internal/logging"
	"document-formatter/internal/models"
	"document-formatter/internal/telemetry"
)

// Repository is the subset of the job store a run writes to. Every write is
// conditional on the job still being processing under the given run id.
type Repository interface {
	UpdateProgress(ctx context.Context, id, runID string, pct int, msg string) (bool, error)
	MarkFormatted(ctx context.Context, id, runID string, o models.Outcome) (bool, error)
	MarkFailed(ctx context.Context, id, runID string, f models.Failure) (bool, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Strategy performs the fetch and transform steps of a run.
type Strategy interface {
	Name() string
	// Backend names the engine reported in progress messages and metadata.
	Backend() string
	// Fetch writes the job's source document into dir and returns its path.
	Fetch(ctx context.Context, job models.Job, dir string) (string, error)
	Transform(ctx context.Context, job models.Job, inputPath, outputPath string) (engine.Stats, error)
}

// Progress milestones.
const (
	ProgressFetched     = 10
	ProgressTransformed = 30
	ProgressStoring     = 90
)

// ErrSuperseded means the run lost its claim on the job: it was cancelled,
// reaped or finalized elsewhere. The run stops without writing.
var ErrSuperseded = errors.New("pipeline: run no longer owns the job")

// ResultKey is the storage handle of a job's formatted document.
func ResultKey(jobID string) string { return "formatted/" + jobID + ".docx" }

// TrackedKey is the storage handle of the tracked-changes variant.
func TrackedKey(jobID string) string { return "formatted/" + jobID + ".tracked.docx" }

// Runner executes pipeline runs.
type Runner struct {
	repo         Repository
	blobs        blob.Store
	strategy     Strategy
	classifier   *classifier.Classifier
	logger       zerolog.Logger
	workspaceDir string
	now          func() time.Time
}

func NewRunner(repo Repository, blobs blob.Store, strategy Strategy, cls *classifier.Classifier, logger zerolog.Logger, workspaceDir string) *Runner {
	if cls == nil {
		cls = classifier.Default()
	}
	return &Runner{
		repo:         repo,
		blobs:        blobs,
		strategy:     strategy,
		classifier:   cls,
		logger:       logger,
		workspaceDir: workspaceDir,
		now:          time.Now,
	}
}

// Strategy returns the configured strategy name.
func (r *Runner) Strategy() string { return r.strategy.Name() }

// Run drives job through every milestone. The returned error is for the
// caller's logs only; the outcome is recorded on the job.
func (r *Runner) Run(ctx context.Context, job models.Job) error {
	log := logging.ForJob(r.logger, job.ID, job.RunID).With().
		Str("strategy", r.strategy.Name()).
		Str("backend", r.strategy.Backend()).
		Logger()
	started := r.now()

	telemetry.PipelineInFlight.Inc()
	defer telemetry.PipelineInFlight.Dec()
	defer func() {
		telemetry.PipelineDuration.WithLabelValues(r.strategy.Name()).Observe(r.now().Sub(started).Seconds())
	}()

	log.Info().Str("filename", job.Filename).Msg("pipeline run started")

	outcome, err := r.execute(ctx, job, log)
	if err == nil {
		outcome.Duration = r.now().Sub(started)
		ok, werr := r.repo.MarkFormatted(context.WithoutCancel(ctx), job.ID, job.RunID, outcome)
		if werr != nil {
			err = fmt.Errorf("finalize: %w", werr)
		} else if !ok {
			err = ErrSuperseded
		} else {
			r.event(ctx, job.ID, "formatted", fmt.Sprintf("backend=%s duration=%.2fs", outcome.Backend, outcome.Duration.Seconds()))
			telemetry.JobsCompleted.WithLabelValues(outcome.Backend).Inc()
			log.Info().Dur("duration", outcome.Duration).Int("words", outcome.WordCount).Msg("pipeline run formatted")
			return nil
		}
	}

	if errors.Is(err, ErrSuperseded) {
		log.Warn().Msg("pipeline run superseded, stopping without update")
		return err
	}
	r.fail(ctx, job, err, log)
	return err
}

func (r *Runner) execute(ctx context.Context, job models.Job, log zerolog.Logger) (models.Outcome, error) {
	dir, err := os.MkdirTemp(r.workspaceDir, "job-"+safeName(job.ID)+"-")
	if err != nil {
		return models.Outcome{}, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("workspace", dir).Msg("workspace cleanup failed")
		}
	}()

	input, err := r.strategy.Fetch(ctx, job, dir)
	if err != nil {
		return models.Outcome{}, asSourceError(err)
	}
	if err := r.progress(ctx, job, ProgressFetched, "File downloaded, initializing..."); err != nil {
		return models.Outcome{}, err
	}

	if err := r.progress(ctx, job, ProgressTransformed, fmt.Sprintf("Analyzing document structure with %s...", r.strategy.Backend())); err != nil {
		return models.Outcome{}, err
	}
	output := filepath.Join(dir, "formatted.docx")
	callStart := r.now()
	stats, err := r.strategy.Transform(ctx, job, input, output)
	telemetry.EngineCallLatency.WithLabelValues(r.strategy.Backend()).Observe(r.now().Sub(callStart).Seconds())
	if err != nil {
		return models.Outcome{}, fmt.Errorf("transform: %w", err)
	}

	if err := r.progress(ctx, job, ProgressStoring, "Formatting complete. Uploading result..."); err != nil {
		return models.Outcome{}, err
	}

	outcome := models.Outcome{Backend: stats.Backend, WordCount: stats.WordCount}
	if outcome.Backend == "" {
		outcome.Backend = r.strategy.Backend()
	}
	if err := r.storeFile(ctx, output, ResultKey(job.ID), &outcome.ResultLocation, &outcome.StoredBytes); err != nil {
		return models.Outcome{}, err
	}
	if job.Options.TrackedChanges {
		tracked := filepath.Join(dir, "tracked.docx")
		if err := writeTracked(input, output, tracked, outcome.Backend, r.now()); err != nil {
			return models.Outcome{}, fmt.Errorf("build tracked changes: %w", err)
		}
		if err := r.storeFile(ctx, tracked, TrackedKey(job.ID), &outcome.TrackedLocation, &outcome.StoredBytes); err != nil {
			return models.Outcome{}, err
		}
	}
	return outcome, nil
}

func (r *Runner) progress(ctx context.Context, job models.Job, pct int, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := r.repo.UpdateProgress(ctx, job.ID, job.RunID, pct, msg)
	if err != nil {
		return fmt.Errorf("record progress %d: %w", pct, err)
	}
	if !ok {
		return ErrSuperseded
	}
	return nil
}

// storeFile uploads path under key, records key in loc and adds the
// uploaded size to total.
func (r *Runner) storeFile(ctx context.Context, path, key string, loc *string, total *int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if err := r.blobs.Put(ctx, key, data, docx.ContentType); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Wrap(err, apperr.UpstreamUnavailable, "Formatting failed: the result could not be saved. Please try again.")
	}
	*loc = key
	*total += int64(len(data))
	return nil
}

func (r *Runner) fail(ctx context.Context, job models.Job, err error, log zerolog.Logger) {
	res := r.classifier.Classify(err)
	f := models.Failure{Kind: string(res.Kind), Message: res.Message, Detail: res.Detail}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	ok, werr := r.repo.MarkFailed(wctx, job.ID, job.RunID, f)
	switch {
	case werr != nil:
		log.Error().Err(werr).Msg("could not record pipeline failure")
		return
	case !ok:
		log.Warn().Msg("pipeline failure not recorded, run superseded")
		return
	}
	telemetry.JobsFailed.WithLabelValues(f.Kind).Inc()
	r.event(wctx, job.ID, "failed", f.Kind)
	log.Error().Err(err).Str("error_kind", f.Kind).Msg("pipeline run failed")
}

func (r *Runner) event(ctx context.Context, jobID, name, detail string) {
	if err := r.repo.AppendEvent(context.WithoutCancel(ctx), jobID, name, detail); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Str("event", name).Msg("append event failed")
	}
}

func asSourceError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(err, apperr.SourceUnavailable, "Formatting failed: the uploaded document could not be downloaded.")
}

func writeTracked(input, output, dest, author string, at time.Time) error {
	before, err := docx.ReadFile(input)
	if err != nil {
		return err
	}
	after, err := docx.ReadFile(output)
	if err != nil {
		return err
	}
	return docx.WriteTrackedFile(dest, before, after, docx.Revision{Author: "Formatter (" + author + ")", At: at})
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}
