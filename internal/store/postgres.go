package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"document-formatter/internal/apperr"
	"document-formatter/internal/models"
)

// Store wraps pgxpool for Postgres persistence of job records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, owner_id, owner_email, filename, source_location, file_size, style, variant, options,
	status, progress, progress_message, run_id, result_location, tracked_location, error_kind, error, error_detail,
	backend, processing_time, word_count, created_at, updated_at, processed_at`

// CreateJob inserts a draft job. The caller chooses the id.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal options: %w", err)
	}
	if job.Status == "" {
		job.Status = models.StatusDraft
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, owner_id, owner_email, filename, source_location, file_size, style, variant, options, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NOW(), NOW())
		RETURNING `+jobColumns,
		job.ID, job.OwnerID, job.OwnerEmail, job.Filename, job.SourceLocation, job.FileSize,
		job.Style, job.Variant, optionsJSON, job.Status)
	created, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return models.Job{}, apperr.Wrap(err, apperr.Conflict, "Job already exists")
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// GetJob fetches a job owned by owner. Foreign and missing jobs are both NotFound.
func (s *Store) GetJob(ctx context.Context, id, owner string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2`, id, owner)
	return scanJobOrNotFound(row)
}

// GetJobByID fetches a job without an ownership check. Used by workers.
func (s *Store) GetJobByID(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJobOrNotFound(row)
}

// ListJobs returns the owner's most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, owner string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// BeginProcessing moves a draft job to processing under a fresh run id. It
// reports started=false, with the current record, when the job is not a draft.
func (s *Store) BeginProcessing(ctx context.Context, id, owner, runID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $4, progress = 0, progress_message = '', run_id = $3,
		    error_kind = '', error = '', error_detail = '', updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = $5
		RETURNING `+jobColumns,
		id, owner, runID, models.StatusProcessing, models.StatusDraft)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("begin processing: %w", err)
	}
	current, err := s.GetJob(ctx, id, owner)
	if err != nil {
		return models.Job{}, false, err
	}
	return current, false, nil
}

// FailUpload marks a draft job failed after the client reported a failed upload.
func (s *Store) FailUpload(ctx context.Context, id, owner string, f models.Failure) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, error_kind = $4, error = $5, error_detail = $6, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = $7
	`, id, owner, models.StatusFailed, f.Kind, f.Message, f.Detail, models.StatusDraft)
	if err != nil {
		return false, fmt.Errorf("fail upload: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress advances progress for the live run. Progress never decreases
// and stays below 100 until MarkFormatted.
func (s *Store) UpdateProgress(ctx context.Context, id, runID string, pct int, msg string) (bool, error) {
	if pct > 99 {
		pct = 99
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $3), progress_message = $4, updated_at = NOW()
		WHERE id = $1 AND run_id = $2 AND status = $5
	`, id, runID, pct, msg, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFormatted finalizes a successful run and charges the owner's usage in
// the same transaction.
func (s *Store) MarkFormatted(ctx context.Context, id, runID string, o models.Outcome) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var owner string
	var sourceSize int64
	err = tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, progress = 100, progress_message = $4, result_location = $5, tracked_location = $6,
		    backend = $7, processing_time = $8, word_count = $9, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND run_id = $2 AND status = $10
		RETURNING owner_id, COALESCE(file_size, 0)
	`, id, runID, models.StatusFormatted, "Formatting successful", o.ResultLocation, o.TrackedLocation,
		o.Backend, o.Duration.Seconds(), o.WordCount, models.StatusProcessing).Scan(&owner, &sourceSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark formatted: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO usage (owner_id, documents_processed, storage_bytes, updated_at)
		VALUES ($1, 1, $2, NOW())
		ON CONFLICT (owner_id) DO UPDATE
		SET documents_processed = usage.documents_processed + 1,
		    storage_bytes = usage.storage_bytes + EXCLUDED.storage_bytes,
		    updated_at = NOW()
	`, owner, sourceSize+o.StoredBytes); err != nil {
		return false, fmt.Errorf("track usage: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetUsage returns the owner's usage. Owners with no formatted job get a zero
// record.
func (s *Store) GetUsage(ctx context.Context, owner string) (models.Usage, error) {
	u := models.Usage{OwnerID: owner}
	var updated pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT documents_processed, storage_bytes, updated_at FROM usage WHERE owner_id = $1
	`, owner).Scan(&u.DocumentsProcessed, &u.StorageBytes, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return models.Usage{}, fmt.Errorf("get usage: %w", err)
	}
	if updated.Valid {
		t := updated.Time.UTC()
		u.UpdatedAt = &t
	}
	return u, nil
}

// MarkFailed finalizes a failed run. Progress is left where the run stopped.
func (s *Store) MarkFailed(ctx context.Context, id, runID string, f models.Failure) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, error_kind = $4, error = $5, error_detail = $6, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND run_id = $2 AND status = $7
	`, id, runID, models.StatusFailed, f.Kind, f.Message, f.Detail, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteJob removes a job that is not being processed. release is called with
// the locked row before the delete commits; an error from it aborts the delete.
// A commit failure after release leaves the row with its objects gone; a
// repeated delete then completes.
func (s *Store) DeleteJob(ctx context.Context, id, owner string, release func(models.Job) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2 FOR UPDATE`, id, owner)
	job, err := scanJobOrNotFound(row)
	if err != nil {
		return err
	}
	if job.Status == models.StatusProcessing {
		return apperr.New(apperr.Conflict, "Job is still processing")
	}
	if release != nil {
		if err := release(job); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListEvents returns the audit trail of a job, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Event, error) {
		var ev models.Event
		err := row.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.Recorded)
		return ev, err
	})
}

// FailOrphaned fails every processing job. Inline mode calls it at startup,
// when no run from a previous process can still be alive.
func (s *Store) FailOrphaned(ctx context.Context, f models.Failure) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, error_kind = $2, error = $3, error_detail = $4, processed_at = NOW(), updated_at = NOW()
		WHERE status = $5
	`, models.StatusFailed, f.Kind, f.Message, f.Detail, models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJobOrNotFound(row pgx.Row) (models.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.New(apperr.NotFound, "Job not found")
	}
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var optionsJSON []byte
	var fileSize pgtype.Int8
	var runID pgtype.Text
	var processedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.OwnerID, &job.OwnerEmail, &job.Filename, &job.SourceLocation, &fileSize,
		&job.Style, &job.Variant, &optionsJSON, &job.Status, &job.Progress, &job.ProgressMessage, &runID,
		&job.ResultLocation, &job.TrackedLocation, &job.ErrorKind, &job.Error, &job.ErrorDetail,
		&job.Backend, &job.ProcessingTime, &job.WordCount, &job.CreatedAt, &job.UpdatedAt, &processedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if fileSize.Valid {
		v := fileSize.Int64
		job.FileSize = &v
	}
	if runID.Valid {
		job.RunID = runID.String
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		job.ProcessedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}
