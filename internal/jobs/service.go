// Package jobs implements the request-side job lifecycle: issuing upload
// credentials, accepting upload completion, and the read, list, delete and
// cancel operations on job records.
package jobs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"document-formatter/internal/apperr"
	"document-formatter/internal/blob"
	"document-formatter/internal/config"
	"document-formatter/internal/docx"
	"document-formatter/internal/identity"
	"document-formatter/internal/logging"
	"document-formatter/internal/models"
	"document-formatter/internal/telemetry"
)

// Repository is the job store used by the service.
type Repository interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id, owner string) (models.Job, error)
	ListJobs(ctx context.Context, owner string, limit int) ([]models.Job, error)
	BeginProcessing(ctx context.Context, id, owner, runID string) (models.Job, bool, error)
	FailUpload(ctx context.Context, id, owner string, f models.Failure) (bool, error)
	MarkFailed(ctx context.Context, id, runID string, f models.Failure) (bool, error)
	DeleteJob(ctx context.Context, id, owner string, release func(models.Job) error) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
	ListEvents(ctx context.Context, jobID string) ([]models.Event, error)
	GetUsage(ctx context.Context, owner string) (models.Usage, error)
}

// Dispatcher hands a processing job to the pipeline without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job) error
	// Cancel stops the job's run. live reports whether a run was found and
	// will finalize the job itself.
	Cancel(ctx context.Context, job models.Job) (live bool, err error)
}

// Limiter throttles an owner's use of an action.
type Limiter interface {
	Take(ctx context.Context, action, owner string) error
}

// Rate-limited actions.
const (
	ActionCreateUpload = "create_upload"
	ActionProcess      = "process"
)

const (
	defaultExt       = "docx"
	uploadFailedMsg  = "Upload failed"
	cancelledMsg     = "Processing cancelled."
	dispatchErrorMsg = "Could not start processing. Please try again."
)

// Settings are the service limits taken from configuration.
type Settings struct {
	MaxUploadBytes int64
	UploadURLTTL   time.Duration
	ListLimit      int
}

// SettingsFrom extracts service settings from cfg.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{MaxUploadBytes: cfg.MaxUploadBytes, UploadURLTTL: cfg.UploadURLTTL, ListLimit: cfg.JobListLimit}
}

type Service struct {
	repo       Repository
	blobs      blob.Store
	dispatcher Dispatcher
	limiter    Limiter
	settings   Settings
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string
}

func NewService(repo Repository, blobs blob.Store, dispatcher Dispatcher, limiter Limiter, settings Settings, logger zerolog.Logger) *Service {
	if settings.MaxUploadBytes <= 0 {
		settings.MaxUploadBytes = 100 * 1024 * 1024
	}
	if settings.UploadURLTTL <= 0 {
		settings.UploadURLTTL = 15 * time.Minute
	}
	if settings.ListLimit <= 0 {
		settings.ListLimit = 50
	}
	return &Service{
		repo:       repo,
		blobs:      blobs,
		dispatcher: dispatcher,
		limiter:    limiter,
		settings:   settings,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
}

// CreateUploadRequest describes a document the client is about to upload.
type CreateUploadRequest struct {
	Filename string
	Style    string
	Variant  string
	Options  models.Options
	FileSize *int64
}

// UploadTicket is returned once the draft job exists.
type UploadTicket struct {
	JobID         string
	StorageHandle string
	Grant         blob.UploadGrant
}

// CreateUpload validates the request, obtains a single-use upload credential
// and records the draft job before returning the credential.
func (s *Service) CreateUpload(ctx context.Context, p identity.Principal, req CreateUploadRequest) (UploadTicket, error) {
	if err := s.take(ctx, ActionCreateUpload, p.OwnerID); err != nil {
		return UploadTicket{}, err
	}
	if err := validateParams(req.Filename, req.Style, req.Variant); err != nil {
		return UploadTicket{}, err
	}
	if err := s.checkSize(req.FileSize); err != nil {
		return UploadTicket{}, err
	}

	id := s.newID()
	handle := StorageHandle(p.OwnerID, s.now(), req.Filename, s.newID())
	grant, err := s.blobs.PresignUpload(ctx, handle, s.settings.UploadURLTTL)
	if err != nil {
		return UploadTicket{}, apperr.Wrap(err, apperr.UpstreamUnavailable, "Could not issue an upload credential. Please try again.")
	}

	job, err := s.repo.CreateJob(ctx, models.Job{
		ID:             id,
		OwnerID:        p.OwnerID,
		OwnerEmail:     p.Email,
		Filename:       req.Filename,
		SourceLocation: handle,
		FileSize:       req.FileSize,
		Style:          req.Style,
		Variant:        req.Variant,
		Options:        req.Options,
		Status:         models.StatusDraft,
	})
	if err != nil {
		return UploadTicket{}, err
	}
	telemetry.UploadsCreated.Inc()
	s.event(ctx, job.ID, "created", handle)
	s.log(ctx).Info().Str("job_id", job.ID).Str("owner_id", p.OwnerID).Str("handle", handle).Msg("upload credential issued")
	return UploadTicket{JobID: job.ID, StorageHandle: handle, Grant: grant}, nil
}

// CompleteUpload records the client's upload result. A successful upload moves
// a draft job to processing and dispatches exactly one run; any other state
// makes the call a no-op reported as accepted=false.
func (s *Service) CompleteUpload(ctx context.Context, p identity.Principal, jobID, storageHandle string, success bool) (bool, error) {
	job, err := s.repo.GetJob(ctx, jobID, p.OwnerID)
	if err != nil {
		return false, err
	}
	if storageHandle != "" && storageHandle != job.SourceLocation {
		return false, apperr.New(apperr.InvalidArgument, "Storage handle does not match the job")
	}

	if !success {
		if job.Status != models.StatusDraft {
			return false, nil
		}
		if _, err := s.repo.FailUpload(ctx, job.ID, p.OwnerID, models.Failure{
			Kind:    string(apperr.UpstreamUnavailable),
			Message: uploadFailedMsg,
			Detail:  "client reported upload failure",
		}); err != nil {
			return false, err
		}
		s.event(ctx, job.ID, "failed", "upload failed")
		return false, nil
	}

	return s.begin(ctx, job.ID, p.OwnerID)
}

func (s *Service) begin(ctx context.Context, jobID, owner string) (bool, error) {
	runID := s.newID()
	job, started, err := s.repo.BeginProcessing(ctx, jobID, owner, runID)
	if err != nil {
		return false, err
	}
	if !started {
		s.log(ctx).Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("completion ignored, job already past draft")
		return false, nil
	}
	s.event(ctx, job.ID, "processing", "run "+runID)

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.log(ctx).Error().Err(err).Str("job_id", job.ID).Str("run_id", runID).Msg("dispatch failed")
		wctx := context.WithoutCancel(ctx)
		if _, ferr := s.repo.MarkFailed(wctx, job.ID, runID, models.Failure{
			Kind:    string(apperr.UpstreamUnavailable),
			Message: dispatchErrorMsg,
			Detail:  err.Error(),
		}); ferr != nil {
			s.log(ctx).Error().Err(ferr).Str("job_id", job.ID).Msg("could not fail undispatched job")
		}
		return false, apperr.Wrap(err, apperr.UpstreamUnavailable, dispatchErrorMsg)
	}
	return true, nil
}

// GetStatus returns the owner's job as currently recorded.
func (s *Service) GetStatus(ctx context.Context, p identity.Principal, jobID string) (models.Job, error) {
	return s.repo.GetJob(ctx, jobID, p.OwnerID)
}

// ListJobs returns the owner's most recent jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, p identity.Principal) ([]models.Job, error) {
	return s.repo.ListJobs(ctx, p.OwnerID, s.settings.ListLimit)
}

// Usage returns the documents formatted and storage charged to the caller.
func (s *Service) Usage(ctx context.Context, p identity.Principal) (models.Usage, error) {
	u, err := s.repo.GetUsage(ctx, p.OwnerID)
	if err != nil {
		return models.Usage{}, apperr.Wrap(err, apperr.Internal, "Could not load usage")
	}
	return u, nil
}

// Events returns the audit trail of the owner's job.
func (s *Service) Events(ctx context.Context, p identity.Principal, jobID string) ([]models.Event, error) {
	if _, err := s.repo.GetJob(ctx, jobID, p.OwnerID); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, jobID)
}

// Metadata describes a formatted artifact.
type Metadata struct {
	Style          string     `json:"style"`
	Variant        string     `json:"variant"`
	Backend        string     `json:"backend,omitempty"`
	ProcessingTime float64    `json:"processing_time"`
	WordCount      int        `json:"word_count,omitempty"`
	TrackedChanges bool       `json:"tracked_changes"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// Artifact is a finished document ready for download.
type Artifact struct {
	Filename    string
	ContentType string
	Content     []byte
	Tracked     []byte
	Metadata    Metadata
}

// GetArtifact fetches the formatted document and, when requested at upload
// time, its tracked-changes variant.
func (s *Service) GetArtifact(ctx context.Context, p identity.Principal, jobID string) (Artifact, error) {
	job, err := s.repo.GetJob(ctx, jobID, p.OwnerID)
	if err != nil {
		return Artifact{}, err
	}
	if job.Status != models.StatusFormatted {
		return Artifact{}, apperr.Newf(apperr.NotReady, "Document is not ready for download (status: %s)", job.Status)
	}
	if job.ResultLocation == "" {
		s.log(ctx).Error().Str("job_id", job.ID).Msg("formatted job has no result location")
		return Artifact{}, apperr.New(apperr.NotFound, "Formatted document not found")
	}

	content, err := s.fetch(ctx, job.ResultLocation, "Formatted document not found")
	if err != nil {
		return Artifact{}, err
	}
	art := Artifact{
		Filename:    "formatted_" + job.Filename,
		ContentType: docx.ContentType,
		Content:     content,
		Metadata: Metadata{
			Style:          job.Style,
			Variant:        job.Variant,
			Backend:        job.Backend,
			ProcessingTime: job.ProcessingTime,
			WordCount:      job.WordCount,
			TrackedChanges: job.Options.TrackedChanges,
			ProcessedAt:    job.ProcessedAt,
		},
	}
	if !job.Options.TrackedChanges {
		return art, nil
	}

	if job.TrackedLocation != "" {
		tracked, err := s.blobs.Get(ctx, job.TrackedLocation)
		if err == nil {
			art.Tracked = tracked
			return art, nil
		}
		if !errors.Is(err, blob.ErrNotFound) {
			return Artifact{}, apperr.Wrap(err, apperr.UpstreamUnavailable, "Could not download the tracked-changes document")
		}
	}
	art.Tracked, err = s.buildTracked(ctx, job, content)
	if err != nil {
		return Artifact{}, err
	}
	return art, nil
}

func (s *Service) fetch(ctx context.Context, key, notFoundMsg string) ([]byte, error) {
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.NotFound, notFoundMsg)
		}
		return nil, apperr.Wrap(err, apperr.UpstreamUnavailable, "Could not download the document. Please try again.")
	}
	return data, nil
}

// buildTracked derives the tracked-changes variant from the source and the
// formatted result when no stored variant exists.
func (s *Service) buildTracked(ctx context.Context, job models.Job, formatted []byte) ([]byte, error) {
	source, err := s.fetch(ctx, job.SourceLocation, "Original document not found")
	if err != nil {
		return nil, err
	}
	before, err := docx.Parse(source)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "Could not read the original document")
	}
	after, err := docx.Parse(formatted)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "Could not read the formatted document")
	}
	dir, err := os.MkdirTemp("", "tracked-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "tracked.docx")
	at := s.now()
	if job.ProcessedAt != nil {
		at = *job.ProcessedAt
	}
	if err := docx.WriteTrackedFile(out, before, after, docx.Revision{Author: "Formatter", At: at}); err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "Could not build the tracked-changes document")
	}
	return os.ReadFile(out)
}

// DeleteJob removes the owner's job and its stored objects. Jobs that are
// processing are rejected with Conflict.
func (s *Service) DeleteJob(ctx context.Context, p identity.Principal, jobID string) error {
	err := s.repo.DeleteJob(ctx, jobID, p.OwnerID, func(job models.Job) error {
		keys := []string{job.SourceLocation, job.ResultLocation, job.TrackedLocation}
		if err := s.blobs.Remove(ctx, keys...); err != nil {
			return apperr.Wrap(err, apperr.UpstreamUnavailable, "Could not remove stored documents. Please try again.")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log(ctx).Info().Str("job_id", jobID).Str("owner_id", p.OwnerID).Msg("job deleted")
	return nil
}

// CancelJob stops the owner's processing job. When no live run picks up the
// cancellation, the job is failed here.
func (s *Service) CancelJob(ctx context.Context, p identity.Principal, jobID string) (models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID, p.OwnerID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusProcessing {
		return models.Job{}, apperr.Newf(apperr.Conflict, "Only processing jobs can be cancelled (status: %s)", job.Status)
	}
	s.event(ctx, job.ID, "cancel_requested", p.OwnerID)

	live, err := s.dispatcher.Cancel(ctx, job)
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("cancel signal failed")
	}
	if !live {
		ok, err := s.repo.MarkFailed(ctx, job.ID, job.RunID, models.Failure{
			Kind:    string(apperr.Cancelled),
			Message: cancelledMsg,
			Detail:  "cancelled by owner",
		})
		if err != nil {
			return models.Job{}, err
		}
		if ok {
			telemetry.JobsFailed.WithLabelValues(string(apperr.Cancelled)).Inc()
			s.event(ctx, job.ID, "failed", string(apperr.Cancelled))
		}
	}
	return s.repo.GetJob(ctx, job.ID, p.OwnerID)
}

// ProcessRequest is the legacy single-call upload: content travels inline.
type ProcessRequest struct {
	Filename string
	Content  string
	Style    string
	Variant  string
	Options  models.Options
}

// Process stores inline content and starts processing it. Empty content
// leaves a draft job.
func (s *Service) Process(ctx context.Context, p identity.Principal, req ProcessRequest) (models.Job, error) {
	if err := s.take(ctx, ActionProcess, p.OwnerID); err != nil {
		return models.Job{}, err
	}
	if err := validateParams(req.Filename, req.Style, req.Variant); err != nil {
		return models.Job{}, err
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return models.Job{}, apperr.Wrap(err, apperr.InvalidArgument, "Content must be base64 encoded")
	}
	size := int64(len(content))
	if err := s.checkSize(&size); err != nil {
		return models.Job{}, err
	}

	id := s.newID()
	job := models.Job{
		ID:         id,
		OwnerID:    p.OwnerID,
		OwnerEmail: p.Email,
		Filename:   req.Filename,
		Style:      req.Style,
		Variant:    req.Variant,
		Options:    req.Options,
		Status:     models.StatusDraft,
	}
	if size > 0 {
		job.FileSize = &size
		job.SourceLocation = fmt.Sprintf("legacy/%s/%s.%s", safeSegment(p.OwnerID), id, extension(req.Filename))
		if err := s.blobs.Put(ctx, job.SourceLocation, content, docx.ContentType); err != nil {
			return models.Job{}, apperr.Wrap(err, apperr.UpstreamUnavailable, "Could not store the document. Please try again.")
		}
	}
	if _, err := s.repo.CreateJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	s.event(ctx, id, "created", "inline upload")
	if size > 0 {
		if _, err := s.begin(ctx, id, p.OwnerID); err != nil {
			return models.Job{}, err
		}
	}
	return s.repo.GetJob(ctx, id, p.OwnerID)
}

func (s *Service) take(ctx context.Context, action, owner string) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Take(ctx, action, owner)
}

func (s *Service) checkSize(size *int64) error {
	if size == nil {
		return nil
	}
	if *size < 0 {
		return apperr.New(apperr.InvalidArgument, "File size cannot be negative")
	}
	if *size > s.settings.MaxUploadBytes {
		return apperr.Newf(apperr.PayloadTooLarge, "File exceeds the maximum size of %d MB", s.settings.MaxUploadBytes/(1024*1024))
	}
	return nil
}

// log prefers the request-scoped logger, which carries the request id.
func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := logging.FromContext(ctx, s.logger)
	return &l
}

func (s *Service) event(ctx context.Context, jobID, name, detail string) {
	if err := s.repo.AppendEvent(context.WithoutCancel(ctx), jobID, name, detail); err != nil {
		s.log(ctx).Warn().Err(err).Str("job_id", jobID).Str("event", name).Msg("append event failed")
	}
}

func validateParams(filename, style, variant string) error {
	switch {
	case strings.TrimSpace(filename) == "":
		return apperr.New(apperr.InvalidArgument, "Filename is required")
	case strings.TrimSpace(style) == "":
		return apperr.New(apperr.InvalidArgument, "Formatting style is required")
	case strings.TrimSpace(variant) == "":
		return apperr.New(apperr.InvalidArgument, "Language variant is required")
	}
	return nil
}

// StorageHandle derives the upload handle documents/<owner>/<unix>_<suffix>.<ext>.
func StorageHandle(owner string, at time.Time, filename, suffix string) string {
	return fmt.Sprintf("documents/%s/%d_%s.%s", safeSegment(owner), at.Unix(), suffix, extension(filename))
}

func extension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" || strings.ContainsAny(ext, `/\ `) {
		return defaultExt
	}
	return ext
}

func safeSegment(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
