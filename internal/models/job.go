package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusProcessing Status = "processing"
	StatusFormatted  Status = "formatted"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusFormatted || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the job lifecycle:
// draft -> processing -> {formatted | failed}, plus draft -> failed when the
// client reports a failed upload.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusFormatted || to == StatusFailed
	}
	return false
}

// Options holds the formatting flags chosen at upload time.
type Options struct {
	TrackedChanges bool           `json:"tracked_changes"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Job is one document formatting request and its tracked state.
type Job struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	OwnerEmail      string     `json:"owner_email,omitempty"`
	Filename        string     `json:"filename"`
	SourceLocation  string     `json:"source_location"`
	FileSize        *int64     `json:"file_size,omitempty"`
	Style           string     `json:"style"`
	Variant         string     `json:"variant"`
	Options         Options    `json:"options"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	RunID           string     `json:"-"`
	ResultLocation  string     `json:"result_location,omitempty"`
	TrackedLocation string     `json:"tracked_location,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	Error           string     `json:"error,omitempty"`
	ErrorDetail     string     `json:"-"`
	Backend         string     `json:"backend,omitempty"`
	ProcessingTime  float64    `json:"processing_time,omitempty"`
	WordCount       int        `json:"word_count,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// Event is an append-only audit row for a job.
type Event struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Outcome is what a successful pipeline run records on the job.
type Outcome struct {
	ResultLocation  string
	TrackedLocation string
	Backend         string
	Duration        time.Duration
	WordCount       int
	// StoredBytes is the size of every artifact the run uploaded.
	StoredBytes     int64
}

// Failure is what a failed pipeline run records on the job.
type Failure struct {
	Kind    string
	Message string
	Detail  string
}

// Usage is the cumulative work recorded for one owner. Storage counts the
// source and every stored artifact of each formatted job; deleting a job
// does not reduce it.
type Usage struct {
	OwnerID            string     `json:"owner_id"`
	DocumentsProcessed int64      `json:"documents_processed"`
	StorageBytes       int64      `json:"storage_bytes"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
}
