package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/jobs"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// QueueConfig sizes the queue.
type QueueConfig struct {
	// BufferSize is how many jobs can wait before PublishRun blocks.
	BufferSize int
	// Workers is the number of concurrent runs. Runs write the same table,
	// so the default is one.
	Workers int
	// MaxRetries applies to jobs published without their own limit.
	MaxRetries int
	// RetryDelay is multiplied by the retry number before re-enqueueing.
	RetryDelay time.Duration
}

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
// This implementation is suitable for single-instance deployments and testing.
type Queue struct {
	cfg       QueueConfig
	jobChan   chan *jobs.RunJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool
}

// NewQueue creates a new in-memory job queue.
func NewQueue(cfg QueueConfig, store jobs.JobStore) *Queue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &Queue{
		cfg:       cfg,
		jobChan:   make(chan *jobs.RunJob, cfg.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
	}
}

// PublishRun implements the Publisher interface.
func (q *Queue) PublishRun(ctx context.Context, job *jobs.RunJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Type == "" {
		job.Type = jobs.JobTypeReconcile
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.cfg.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start implements the Consumer interface.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job. Only transient failures are retried:
// a FAILED report or a parse error will fail the same way again.
func (q *Queue) processJob(ctx context.Context, job *jobs.RunJob, handler jobs.JobHandler) {
	ctx = logger.WithRun(ctx, "", job.JobID)
	log := logger.FromContext(ctx)

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	q.save(ctx, job)

	err := handler(ctx, job)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		job.ErrorKind = ""
	case jobs.Retryable(err) && job.RetryCount < job.MaxRetries:
		job.Error = err.Error()
		job.ErrorKind = domain.KindOf(err)
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying

		delay := time.Duration(job.RetryCount) * q.cfg.RetryDelay
		log.Warn().Err(err).Int("retry", job.RetryCount).Dur("delay", delay).Msg("Job failed transiently, retrying")

		retry := *job
		retry.Status = jobs.JobStatusPending
		retry.StartedAt = nil
		retry.CompletedAt = nil
		time.AfterFunc(delay, func() {
			if err := q.PublishRun(ctx, &retry); err != nil {
				log.Error().Err(err).Msg("Failed to re-enqueue job")
				q.markFailed(context.WithoutCancel(ctx), retry.JobID, fmt.Errorf("re-enqueue: %w", err))
			}
		})
	default:
		job.Error = err.Error()
		job.ErrorKind = domain.KindOf(err)
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Str("kind", string(job.ErrorKind)).Msg("Job failed")
	}

	q.save(ctx, job)
}

// markFailed fails a job that is no longer held by any worker.
func (q *Queue) markFailed(ctx context.Context, jobID string, cause error) {
	if q.store == nil {
		return
	}
	if err := q.store.UpdateJobStatus(ctx, jobID, jobs.JobStatusFailed, cause.Error()); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}
}

func (q *Queue) save(ctx context.Context, job *jobs.RunJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop implements the Consumer interface.
// It stops the queue and waits for all in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
