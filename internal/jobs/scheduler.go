package jobs

import (
	"context"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// Scheduler publishes a reconcile job on a fixed interval.
type Scheduler struct {
	Interval  time.Duration
	Publisher Publisher
	// Store, when set, is used to skip a tick while the previous scheduled
	// job has not finished.
	Store   JobStore
	Trigger string
	// RunOnStart publishes the first job immediately instead of after one
	// interval.
	RunOnStart bool

	last string
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", s.Interval).Msg("Scheduler started")

	if s.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return nil
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	log := logger.FromContext(ctx)

	if s.busy(ctx) {
		log.Warn().Str("job_id", s.last).Msg("Previous scheduled run still in progress, skipping")
		return
	}

	job := &RunJob{Type: JobTypeReconcile, Trigger: s.Trigger}
	if err := s.Publisher.PublishRun(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to publish scheduled run")
		return
	}
	s.last = job.JobID
	log.Info().Str("job_id", job.JobID).Msg("Scheduled run enqueued")
}

func (s *Scheduler) busy(ctx context.Context) bool {
	if s.Store == nil || s.last == "" {
		return false
	}
	job, err := s.Store.GetJob(ctx, s.last)
	if err != nil {
		return false
	}
	switch job.Status {
	case JobStatusPending, JobStatusRunning, JobStatusRetrying:
		return true
	}
	return false
}
