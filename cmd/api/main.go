package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/api"
	"github.com/dvloznov/payu-reconciler/internal/app"
	"github.com/dvloznov/payu-reconciler/internal/config"
	"github.com/dvloznov/payu-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/payu-reconciler/internal/logger"
	"github.com/dvloznov/payu-reconciler/internal/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("RECONCILE_CONFIG"), "path to YAML config file")
	port := flag.String("port", "", "HTTP server port (overrides api.port)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if *port != "" {
		cfg.API.Port = *port
	}

	ctx := context.Background()
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
	if cfg.API.Token == "" {
		log.Warn().Msg("No API token configured, /api routes are unauthenticated")
	}

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.QueueConfig{MaxRetries: cfg.Schedule.MaxRetries}, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := jobQueue.Start(workerCtx, a.JobHandler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	handler := api.NewRouter(api.RouterConfig{
		Recorder:     a.Recorder,
		Publisher:    jobQueue,
		JobStore:     jobStore,
		Store:        a.Store,
		Metrics:      metrics.Handler(a.Registry),
		MaxRangeDays: cfg.Provider.MaxRangeDays,
		Token:        cfg.API.Token,
		Log:          log,
	})

	// Runs are asynchronous, so request timeouts stay short.
	server := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.API.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight runs see a cancelled context, roll back and are recorded as expired.
	cancelWorker()
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
}
