package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/api/handlers"
	"github.com/dvloznov/payu-reconciler/internal/app"
	"github.com/dvloznov/payu-reconciler/internal/config"
	"github.com/dvloznov/payu-reconciler/internal/jobs"
	"github.com/dvloznov/payu-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/payu-reconciler/internal/logger"
	"github.com/dvloznov/payu-reconciler/internal/metrics"
	"github.com/dvloznov/payu-reconciler/internal/pipeline"
)

func main() {
	configPath := flag.String("config", os.Getenv("RECONCILE_CONFIG"), "path to YAML config file")
	runNow := flag.Bool("run-now", false, "start the first run immediately")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if cfg.Schedule.Interval <= 0 {
		log.Fatal().Msg("schedule.interval must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{Provider: true})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()
	log = a.Log
	ctx = logger.WithContext(ctx, log)

	if err := a.Store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure report table")
	}

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.QueueConfig{MaxRetries: cfg.Schedule.MaxRetries}, jobStore)
	if err := jobQueue.Start(ctx, a.JobHandler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	scheduler := &jobs.Scheduler{
		Interval:   cfg.Schedule.Interval,
		Publisher:  jobQueue,
		Store:      jobStore,
		Trigger:    pipeline.TriggerWorker,
		RunOnStart: *runNow,
	}
	go scheduler.Run(ctx)

	// Health and metrics only; runs are triggered by the schedule.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.Registry))
	mux.HandleFunc("/healthz", handlers.NewHealthHandler(a.Store, log).Health)
	server := &http.Server{
		Addr:              ":" + cfg.API.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.API.Port).Msg("Serving health and metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	log.Info().Msg("Worker service started, waiting for the schedule...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server forced to shutdown")
	}
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	log.Info().Msg("Worker service exited")
}
