package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"document-formatter/internal/apperr"
	"document-formatter/internal/blob"
	"document-formatter/internal/identity"
	"document-formatter/internal/jobs"
	"document-formatter/internal/models"
)

// Field names follow the web client: camelCase style parameters and
// snake_case identifiers.
type createUploadRequest struct {
	Filename       string         `json:"filename"`
	Style          string         `json:"style"`
	EnglishVariant string         `json:"englishVariant"`
	Variant        string         `json:"variant"`
	TrackedChanges bool           `json:"trackedChanges"`
	FileSize       *int64         `json:"file_size"`
	Options        map[string]any `json:"options"`
}

func (c createUploadRequest) variant() string {
	if c.EnglishVariant != "" {
		return c.EnglishVariant
	}
	return c.Variant
}

type createUploadResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	blob.UploadGrant
	Message string `json:"message"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	req, err := decodeCreateUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ticket, err := s.jobs.CreateUpload(r.Context(), p, jobs.CreateUploadRequest{
		Filename: req.Filename,
		Style:    req.Style,
		Variant:  req.variant(),
		Options:  toOptions(req.TrackedChanges, req.Options),
		FileSize: req.FileSize,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createUploadResponse{
		Success:     true,
		JobID:       ticket.JobID,
		UploadGrant: ticket.Grant,
		Message:     "Upload URL created. Upload the file, then call upload-complete.",
	})
}

// decodeCreateUpload accepts a JSON body or form fields.
func decodeCreateUpload(r *http.Request) (createUploadRequest, error) {
	var req createUploadRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/x-www-form-urlencoded" && ct != "multipart/form-data" {
		return req, decodeJSON(r, &req)
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return req, apperr.Wrap(err, apperr.InvalidArgument, "Invalid form body")
	}
	req.Filename = r.FormValue("filename")
	req.Style = r.FormValue("style")
	req.EnglishVariant = r.FormValue("englishVariant")
	req.Variant = r.FormValue("variant")
	if v := r.FormValue("trackedChanges"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, apperr.New(apperr.InvalidArgument, "trackedChanges must be a boolean")
		}
		req.TrackedChanges = b
	}
	if v := r.FormValue("file_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, apperr.New(apperr.InvalidArgument, "file_size must be an integer")
		}
		req.FileSize = &n
	}
	return req, nil
}

type uploadCompleteRequest struct {
	JobID    string `json:"job_id"`
	FilePath string `json:"file_path"`
	Success  bool   `json:"success"`
}

type uploadCompleteResponse struct {
	Success  bool          `json:"success"`
	JobID    string        `json:"job_id"`
	Accepted bool          `json:"accepted"`
	Status   models.Status `json:"status"`
	Message  string        `json:"message"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req uploadCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.JobID == "" {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "job_id is required"))
		return
	}
	accepted, err := s.jobs.CompleteUpload(r.Context(), p, req.JobID, req.FilePath, req.Success)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.GetStatus(r.Context(), p, req.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "Processing started"
	if !accepted {
		msg = "No action taken (status: " + string(job.Status) + ")"
	}
	writeJSON(w, http.StatusOK, uploadCompleteResponse{
		Success:  true,
		JobID:    job.ID,
		Accepted: accepted,
		Status:   job.Status,
		Message:  msg,
	})
}

type statusResponse struct {
	Success   bool          `json:"success"`
	JobID     string        `json:"job_id"`
	Filename  string        `json:"filename"`
	Status    models.Status `json:"status"`
	Progress  int           `json:"progress"`
	Message   string        `json:"message,omitempty"`
	ResultURL string        `json:"result_url,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetStatus(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := statusResponse{
		Success:   true,
		JobID:     job.ID,
		Filename:  job.Filename,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.ProgressMessage,
		Error:     job.Error,
		ErrorKind: job.ErrorKind,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status == models.StatusFormatted {
		resp.ResultURL = "/api/documents/download/" + job.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type downloadResponse struct {
	Success               bool          `json:"success"`
	Filename              string        `json:"filename"`
	Content               string        `json:"content"`
	TrackedChangesContent string        `json:"tracked_changes_content,omitempty"`
	Metadata              jobs.Metadata `json:"metadata"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	art, err := s.jobs.GetArtifact(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := downloadResponse{
		Success:  true,
		Filename: art.Filename,
		Content:  base64.StdEncoding.EncodeToString(art.Content),
		Metadata: art.Metadata,
	}
	if art.Tracked != nil {
		resp.TrackedChangesContent = base64.StdEncoding.EncodeToString(art.Tracked)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownloadFile streams the artifact; ?variant=tracked selects the
// tracked-changes document.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	art, err := s.jobs.GetArtifact(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, name := art.Content, art.Filename
	if r.URL.Query().Get("variant") == "tracked" {
		if art.Tracked == nil {
			writeError(w, r, apperr.New(apperr.NotFound, "No tracked-changes document for this job"))
			return
		}
		body, name = art.Tracked, "tracked_"+strings.TrimPrefix(art.Filename, "formatted_")
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.DeleteJob(r.Context(), principal(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": id, "message": "Job deleted"})
}

type listResponse struct {
	Success bool         `json:"success"`
	Jobs    []models.Job `json:"jobs"`
	Count   int          `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.ListJobs(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Success: true, Jobs: list, Count: len(list)})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.jobs.Usage(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "usage": u})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.jobs.Events(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

type processRequest struct {
	Filename       string         `json:"filename"`
	Content        string         `json:"content"`
	Style          string         `json:"style"`
	EnglishVariant string         `json:"englishVariant"`
	TrackedChanges bool           `json:"trackedChanges"`
	Options        map[string]any `json:"options"`
}

type processResponse struct {
	Success bool          `json:"success"`
	JobID   string        `json:"job_id"`
	Status  models.Status `json:"status"`
	Message string        `json:"message"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	// base64 inflates content by a third.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes/3*4+64<<10)
	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.Process(r.Context(), principal(r), jobs.ProcessRequest{
		Filename: req.Filename,
		Content:  req.Content,
		Style:    req.Style,
		Variant:  req.EnglishVariant,
		Options:  toOptions(req.TrackedChanges, req.Options),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "Document processing started"
	if job.Status == models.StatusDraft {
		msg = "Job created; no content to process"
	}
	writeJSON(w, http.StatusOK, processResponse{Success: true, JobID: job.ID, Status: job.Status, Message: msg})
}

func (s *Server) handleStyles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "styles": s.catalog.Styles})
}

func (s *Server) handleVariants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "variants": s.catalog.Variants})
}

func (s *Server) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	key, err := s.uploads.Accept(r.Context(), r.URL.Query().Get("token"), r.Body, s.cfg.MaxUploadBytes)
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrInvalidToken):
			err = apperr.Wrap(err, apperr.Unauthorized, "Upload link is invalid or expired")
		case errors.Is(err, blob.ErrExists):
			err = apperr.Wrap(err, apperr.Conflict, "Upload link has already been used")
		case errors.Is(err, blob.ErrTooLarge):
			err = apperr.Wrap(err, apperr.PayloadTooLarge, fmt.Sprintf("File exceeds the maximum size of %d MB", s.cfg.MaxUploadBytes/(1024*1024)))
		default:
			err = apperr.Wrap(err, apperr.UpstreamUnavailable, "Could not store the upload")
		}
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("key", key).Msg("direct upload stored")
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "file_path": key})
}

func principal(r *http.Request) identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}

func toOptions(tracked bool, extra map[string]any) models.Options {
	opts := models.Options{TrackedChanges: tracked, Extra: extra}
	if v, ok := extra["tracked_changes"].(bool); ok && v {
		opts.TrackedChanges = true
	}
	return opts
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apperr.Wrap(err, apperr.PayloadTooLarge, "Request body is too large")
		}
		return apperr.Wrap(err, apperr.InvalidArgument, "Invalid JSON body")
	}
	return nil
}
