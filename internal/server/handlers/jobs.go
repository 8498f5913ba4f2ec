package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/coursepipe/internal/errors"
	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/manifest"
	"github.com/3leaps/coursepipe/pkg/runner"
)

const (
	maxRequestBytes  = 1 << 20
	DefaultHeartbeat = 15 * time.Second
)

// JobRunner starts and cancels jobs.
type JobRunner interface {
	Start(ctx context.Context, p runner.Params) (*jobregistry.JobRecord, error)
	Cancel(id string) error
}

// Jobs serves the /api/jobs routes.
type Jobs struct {
	reg       *jobregistry.Registry
	hub       *eventhub.Hub
	runner    JobRunner
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewJobs wires the job API. A non-positive heartbeat uses DefaultHeartbeat.
func NewJobs(reg *jobregistry.Registry, hub *eventhub.Hub, run JobRunner, heartbeat time.Duration, logger *zap.Logger) *Jobs {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{reg: reg, hub: hub, runner: run, heartbeat: heartbeat, logger: logger}
}

// Routes mounts the job API on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/latest", h.Latest)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/cancel", h.Cancel)
			r.Get("/events", h.Events)
		})
	})
}

// JobList is the body of GET /api/jobs.
type JobList struct {
	Jobs []jobregistry.Snapshot `json:"jobs"`
}

// Create starts a job from a JSON job manifest.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("invalid request body", err))
		return
	}
	m, err := manifest.LoadFromBytes(body, "request.json")
	if err != nil {
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			respondWithError(w, r, apperrors.NewValidationError("invalid job manifest", nil).WithDetails("errors", []manifest.ValidationError(verrs)))
			return
		}
		respondWithError(w, r, apperrors.NewValidationError("invalid request body", err))
		return
	}

	job, err := h.runner.Start(r.Context(), m.RunParams())
	switch {
	case errors.Is(err, runner.ErrInvalidParams):
		respondWithError(w, r, apperrors.NewValidationError("invalid job parameters", err))
		return
	case errors.Is(err, runner.ErrRateLimited):
		respondWithError(w, r, apperrors.NewRateLimitError("too many job starts, retry shortly"))
		return
	case err != nil:
		respondWithError(w, r, apperrors.NewInternalError(err))
		return
	}

	h.logger.Info("Job created",
		zap.String("job_id", job.ID()),
		zap.String("job_type", string(job.Type())))
	w.Header().Set("Location", "/api/jobs/"+job.ID())
	apperrors.WriteJSON(w, http.StatusAccepted, h.reg.Snapshot(job))
}

func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	typ := jobregistry.JobType(r.URL.Query().Get("type"))
	status := jobregistry.JobStatus(r.URL.Query().Get("status"))

	out := make([]jobregistry.Snapshot, 0)
	for _, s := range h.reg.List() {
		if typ != "" && s.Type != typ {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	apperrors.WriteJSON(w, http.StatusOK, JobList{Jobs: out})
}

func (h *Jobs) Latest(w http.ResponseWriter, r *http.Request) {
	typ := jobregistry.JobType(r.URL.Query().Get("type"))
	if !typ.Valid() {
		respondWithError(w, r, apperrors.NewValidationError(fmt.Sprintf("unknown job type %q", typ), nil))
		return
	}
	snap, ok := h.reg.Latest(typ)
	if !ok {
		respondWithError(w, r, apperrors.NewNotFoundError("job", "latest "+string(typ)))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, snap)
}

func (h *Jobs) lookup(w http.ResponseWriter, r *http.Request) (*jobregistry.JobRecord, bool) {
	id := chi.URLParam(r, "id")
	job, ok := h.reg.Get(id)
	if !ok {
		respondWithError(w, r, apperrors.NewNotFoundError("job", id))
		return nil, false
	}
	return job, true
}

func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, h.reg.Snapshot(job))
}

func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.runner.Cancel(job.ID()); err != nil {
		if errors.Is(err, runner.ErrJobNotFound) {
			respondWithError(w, r, apperrors.NewNotFoundError("job", job.ID()))
			return
		}
		respondWithError(w, r, apperrors.NewInternalError(err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, h.reg.Snapshot(job))
}

// Delete forgets a finished job. Running jobs must be cancelled first.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !job.Status().Terminal() {
		respondWithError(w, r, apperrors.NewConflictError("job is still running").WithDetails("id", job.ID()))
		return
	}
	h.reg.Remove(job.ID())
	h.hub.CloseJob(job.ID())
	w.WriteHeader(http.StatusNoContent)
}
