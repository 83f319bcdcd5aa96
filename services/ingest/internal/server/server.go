package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"repochat/internal/servicetoken"
	"repochat/internal/util"
	"repochat/pkg/domain"
	"repochat/pkg/ingest"
)

// Jobs is the job API the server exposes.
type Jobs interface {
	Enqueue(ctx context.Context, userID, owner, repo string) (domain.IngestJob, error)
	GetJob(ctx context.Context, id string) (domain.IngestJob, bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Jobs Jobs
	// Verifier authenticates gateway calls. Nil disables the job API.
	Verifier *servicetoken.Verifier
}

// Server exposes HTTP endpoints for the ingest worker.
type Server struct {
	jobs     Jobs
	verifier *servicetoken.Verifier
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("jobs required")
	}
	s := &Server{jobs: cfg.Jobs, verifier: cfg.Verifier, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	if s.verifier == nil {
		return
	}
	s.mux.Handle("POST /ingest/jobs", s.verifier.Require(http.HandlerFunc(s.handleEnqueue)))
	s.mux.Handle("GET /ingest/jobs/{id}", s.verifier.Require(http.HandlerFunc(s.handleJob)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	UserID string `json:"userId"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), req.UserID, req.Owner, req.Repo)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "invalid job request")
			return
		}
		util.LoggerFromContext(r.Context()).Error("ingest_enqueue_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("ingest_job_lookup_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
