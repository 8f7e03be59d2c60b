package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"document-formatter/internal/apperr"
	"document-formatter/internal/blob"
	"document-formatter/internal/catalog"
	"document-formatter/internal/config"
	"document-formatter/internal/identity"
	"document-formatter/internal/jobs"
	"document-formatter/internal/telemetry"
)

// Server wires HTTP handlers for the client-facing API.
type Server struct {
	cfg      config.Config
	jobs     *jobs.Service
	verifier *identity.Verifier
	catalog  *catalog.Catalog
	uploads  *blob.LocalStore
	ready    func(context.Context) error
	logger   zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLocalUploads accepts direct uploads for the local blob backend.
func WithLocalUploads(st *blob.LocalStore) Option {
	return func(s *Server) { s.uploads = st }
}

// WithReadiness sets the check behind /readyz.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// New constructs the API server.
func New(cfg config.Config, svc *jobs.Service, verifier *identity.Verifier, cat *catalog.Catalog, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		jobs:     svc,
		verifier: verifier,
		catalog:  cat,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/api/formatting/styles", s.handleStyles)
	r.Get("/api/formatting/variants", s.handleVariants)
	if s.uploads != nil {
		// Authorised by the signed token in the URL, not a bearer token.
		r.Put("/api/uploads", s.handleDirectUpload)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware(writeError))

		r.Post("/api/documents/create-upload", s.handleCreateUpload)
		r.Post("/api/documents/upload", s.handleCreateUpload)
		r.Post("/api/documents/upload-complete", s.handleUploadComplete)
		r.Post("/api/documents/process", s.handleProcess)
		r.Get("/api/documents/status/{id}", s.handleStatus)
		r.Get("/api/documents/download/{id}", s.handleDownload)
		r.Get("/api/documents/download/{id}/file", s.handleDownloadFile)
		r.Delete("/api/documents/{id}", s.handleDelete)

		r.Get("/api/jobs", s.handleList)
		r.Get("/api/files", s.handleList)
		r.Get("/api/usage", s.handleUsage)
		r.Delete("/api/jobs/{id}", s.handleDelete)
		r.Post("/api/jobs/{id}/cancel", s.handleCancel)
		r.Get("/api/jobs/{id}/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps an error kind to its HTTP status code.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidArgument, apperr.NotReady:
		return http.StatusBadRequest
	case apperr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.UpstreamUnavailable:
		return http.StatusBadGateway
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	ev := hlog.FromRequest(r).Warn()
	if code >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Str("kind", string(kind)).Msg("request failed")
	writeJSON(w, code, errorResponse{Error: string(kind), Message: apperr.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
