// Package app builds the reconciler's object graph from configuration. The
// cmd binaries share it so a CLI run, an API-triggered run and a scheduled
// run execute exactly the same pipeline.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/archive"
	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/config"
	infraBQ "github.com/dvloznov/payu-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/payu-reconciler/internal/jobs"
	"github.com/dvloznov/payu-reconciler/internal/logger"
	"github.com/dvloznov/payu-reconciler/internal/metrics"
	"github.com/dvloznov/payu-reconciler/internal/payu"
	"github.com/dvloznov/payu-reconciler/internal/pipeline"
	"github.com/dvloznov/payu-reconciler/internal/report"
	"github.com/dvloznov/payu-reconciler/internal/store"
)

// Options select which parts of the graph are built.
type Options struct {
	// Provider wires the PayU client. Commands that only replay or migrate
	// run without credentials.
	Provider bool
}

// App holds the long-lived components of one process.
type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	Store      *store.Store
	Recorder   audit.Recorder
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Reconciler *pipeline.Reconciler

	closers []func() error
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return logger.NewWithOptions(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
}

// Build wires every component from cfg. The caller must Close the App.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: NewLogger(cfg)}
	ctx = logger.WithContext(ctx, a.Log)

	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	delim := []rune(cfg.Report.Delimiter)
	if len(delim) != 1 {
		return fmt.Errorf("Build: report delimiter %q must be a single character", cfg.Report.Delimiter)
	}
	schema, err := report.PayUOrdersSchema(cfg.Provider.TimeZone, delim[0], cfg.Report.Encoding)
	if err != nil {
		return fmt.Errorf("Build: %w", err)
	}
	parser, err := report.NewParser(schema)
	if err != nil {
		return fmt.Errorf("Build: %w", err)
	}

	db, dialect, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("Build: open store: %w", err)
	}
	st, err := store.New(db, dialect, cfg.Database.Table, schema)
	if err != nil {
		db.Close()
		return fmt.Errorf("Build: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	if err := a.buildRecorder(ctx); err != nil {
		return err
	}

	deps := pipeline.Deps{
		Parser:   parser,
		Store:    st,
		Recorder: a.Recorder,
		Observer: a.Metrics,
		Backoff: acquisition.Backoff{
			Base:       cfg.Polling.BaseDelay,
			Max:        cfg.Polling.MaxDelay,
			Multiplier: cfg.Polling.Multiplier,
			Jitter:     cfg.Polling.Jitter,
		},
		Limits: acquisition.Limits{
			MaxAttempts: cfg.Polling.MaxAttempts,
			MaxElapsed:  cfg.Polling.MaxElapsed,
		},
		DaysToFetch:  cfg.Report.DaysToFetch,
		MaxRangeDays: cfg.Provider.MaxRangeDays,
		Location:     schema.Location,
	}
	if err := a.buildArchive(ctx, &deps); err != nil {
		return err
	}

	if opts.Provider {
		auth := payu.NewAuthenticator(payu.AuthConfig{
			LoginURL:       cfg.Provider.LoginURL,
			APIBaseURL:     cfg.Provider.APIBaseURL,
			UserAgent:      cfg.Provider.UserAgent,
			Origin:         cfg.Provider.Origin,
			RequestTimeout: cfg.Provider.RequestTimeout,
			SessionTTL:     cfg.Provider.SessionTTL,
		}, payu.Credentials{
			Username:   cfg.Provider.Username,
			Password:   cfg.Provider.Password,
			MerchantID: cfg.Provider.MerchantID,
			AccountID:  cfg.Provider.AccountID,
		}, &http.Client{})
		deps.Sessions = auth
		deps.Source = payu.NewReportClient(payu.ReportConfig{
			APIBaseURL:   cfg.Provider.APIBaseURL,
			AccountID:    cfg.Provider.AccountID,
			Language:     cfg.Provider.Language,
			TimeZone:     cfg.Provider.TimeZone,
			MaxRangeDays: cfg.Provider.MaxRangeDays,
		})
	}

	a.Reconciler, err = pipeline.NewReconciler(deps)
	if err != nil {
		return fmt.Errorf("Build: %w", err)
	}
	return nil
}

// buildRecorder uses the BigQuery audit table when a project is configured
// and an in-memory recorder otherwise.
func (a *App) buildRecorder(ctx context.Context) error {
	cfg := a.Config.Audit
	if cfg.BigQueryProject == "" {
		a.Log.Warn().Msg("No BigQuery project configured, run audit is kept in memory")
		a.Recorder = audit.NewMemoryRecorder()
		return nil
	}

	repo, err := infraBQ.NewRunRepository(ctx, cfg.BigQueryProject, cfg.Dataset, cfg.Table)
	if err != nil {
		return fmt.Errorf("Build: audit: %w", err)
	}
	a.closers = append(a.closers, repo.Close)
	if err := repo.EnsureTable(ctx); err != nil {
		return fmt.Errorf("Build: audit: %w", err)
	}
	a.Recorder = repo
	return nil
}

// buildArchive stores artifacts in GCS when a bucket is configured and on
// local disk otherwise. Replay can read from either.
func (a *App) buildArchive(ctx context.Context, deps *pipeline.Deps) error {
	cfg := a.Config.Archive

	local, err := archive.NewLocalArchiver(cfg.LocalDir)
	if err != nil {
		return fmt.Errorf("Build: archive: %w", err)
	}
	router := archive.Router{Local: local}

	if cfg.GCSBucket != "" {
		gcs, err := archive.NewGCSArchiver(ctx, cfg.GCSBucket, cfg.Prefix)
		if err != nil {
			return fmt.Errorf("Build: archive: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		router.GCS = gcs
		deps.Archiver = gcs
	} else {
		deps.Archiver = local
		if !cfg.KeepLocal {
			deps.Cleanup = func(uri string) error {
				if strings.HasPrefix(uri, "gs://") {
					return nil
				}
				return local.Remove(uri)
			}
		}
	}
	deps.Artifacts = router
	return nil
}

// JobHandler runs queued jobs through the reconciler. Each attempt gets its
// own run ID, recorded on the job before the run starts.
func (a *App) JobHandler() jobs.JobHandler {
	return func(ctx context.Context, job *jobs.RunJob) error {
		runID := uuid.NewString()
		job.RunIDs = append(job.RunIDs, runID)

		trigger := job.Trigger
		if trigger == "" {
			trigger = pipeline.TriggerWorker
		}

		var err error
		switch job.GetType() {
		case jobs.JobTypeReplay:
			_, err = a.Reconciler.Replay(ctx, pipeline.ReplayRequest{RunID: runID, Trigger: trigger, URI: job.ReplayURI, Range: job.Range})
		case jobs.JobTypeReconcile:
			_, err = a.Reconciler.Run(ctx, pipeline.RunRequest{RunID: runID, Trigger: trigger, Range: job.Range})
		default:
			return fmt.Errorf("JobHandler: unexpected job type: %s", job.GetType())
		}
		return err
	}
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
