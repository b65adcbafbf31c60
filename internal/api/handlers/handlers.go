package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/payu-reconciler/internal/api/middleware"
	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/jobs"
)

const defaultListLimit = 50

// RunsHandler handles reconciliation run endpoints.
type RunsHandler struct {
	recorder     audit.Recorder
	publisher    jobs.Publisher
	maxRangeDays int
	log          zerolog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(recorder audit.Recorder, publisher jobs.Publisher, maxRangeDays int, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		recorder:     recorder,
		publisher:    publisher,
		maxRangeDays: maxRangeDays,
		log:          log,
	}
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := queryInt(r, "limit", defaultListLimit)
	runs, err := h.recorder.ListRuns(ctx, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

type enqueueRunRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// EnqueueRun handles POST /api/runs. An empty body runs the default window.
func (h *RunsHandler) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	var req enqueueRunRequest
	if err := decodeOptional(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var rng domain.DateRange
	if req.Start != "" || req.End != "" {
		var err error
		rng, err = parseRange(req.Start, req.End)
		if err == nil {
			err = rng.Validate(h.maxRangeDays)
		}
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	h.enqueue(w, r, &jobs.RunJob{Type: jobs.JobTypeReconcile, Trigger: "api", Range: rng})
}

// EnqueueReplay handles POST /api/runs/replay
func (h *RunsHandler) EnqueueReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URI == "" {
		middleware.WriteError(w, http.StatusBadRequest, "uri is required")
		return
	}

	h.enqueue(w, r, &jobs.RunJob{Type: jobs.JobTypeReplay, Trigger: "api", ReplayURI: req.URI})
}

func (h *RunsHandler) enqueue(w http.ResponseWriter, r *http.Request, job *jobs.RunJob) {
	// The job outlives the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()

	if err := h.publisher.PublishRun(ctx, job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue run")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue run")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Str("type", string(job.GetType())).Msg("Run enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(job.Status),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query()
	filter := jobs.JobFilter{
		Type:   jobs.JobType(query.Get("type")),
		Status: jobs.JobStatus(query.Get("status")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness and store reachability.
type HealthHandler struct {
	store Pinger
	log   zerolog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{store: store, log: log}
}

// Health handles GET /healthz
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Store health check failed")
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func parseRange(start, end string) (domain.DateRange, error) {
	s, err := civil.ParseDate(start)
	if err != nil {
		return domain.DateRange{}, &domain.ValidationError{Field: "start", Msg: "expected YYYY-MM-DD"}
	}
	e, err := civil.ParseDate(end)
	if err != nil {
		return domain.DateRange{}, &domain.ValidationError{Field: "end", Msg: "expected YYYY-MM-DD"}
	}
	return domain.DateRange{Start: s, End: e}, nil
}

// decodeOptional decodes a JSON body, treating an empty body as no fields.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
