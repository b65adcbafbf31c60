// Package api wires the HTTP surface of the reconciler: run triggering, job
// and audit inspection, health and metrics.
package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/payu-reconciler/internal/api/handlers"
	"github.com/dvloznov/payu-reconciler/internal/api/middleware"
	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/jobs"
)

// RouterConfig holds the dependencies of the HTTP surface. Metrics and Store
// are optional.
type RouterConfig struct {
	Recorder     audit.Recorder
	Publisher    jobs.Publisher
	JobStore     jobs.JobStore
	Store        handlers.Pinger
	Metrics      http.Handler
	MaxRangeDays int
	Token        string
	Log          zerolog.Logger
}

// NewRouter builds the handler tree with middleware applied.
func NewRouter(cfg RouterConfig) http.Handler {
	runsHandler := handlers.NewRunsHandler(cfg.Recorder, cfg.Publisher, cfg.MaxRangeDays, cfg.Log)
	jobsHandler := handlers.NewJobsHandler(cfg.JobStore, cfg.Log)
	healthHandler := handlers.NewHealthHandler(cfg.Store, cfg.Log)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runsHandler.ListRuns(w, r)
		case http.MethodPost:
			runsHandler.EnqueueRun(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/runs/replay", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			runsHandler.EnqueueReplay(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		jobsHandler.GetJob(w, r, jobID)
	})

	mux.HandleFunc("/healthz", healthHandler.Health)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	return middleware.RequestID(
		middleware.Logger(cfg.Log)(
			middleware.Recovery(cfg.Log)(
				middleware.BearerAuth(cfg.Token, "/healthz", "/metrics")(mux),
			),
		),
	)
}
