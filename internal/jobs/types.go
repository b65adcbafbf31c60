package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// ErrJobNotFound is returned by a JobStore for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeReconcile acquires a fresh report and reconciles it.
	JobTypeReconcile JobType = "reconcile"
	// JobTypeReplay reconciles an archived artifact.
	JobTypeReplay JobType = "replay"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed transiently and will run again.
	JobStatusRetrying JobStatus = "retrying"
)

// RunJob asks for one reconciliation run. Each attempt is its own run with
// its own audit row; RunIDs lists them in order.
type RunJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	Type    JobType `json:"type"`
	Trigger string  `json:"trigger"`

	// Range is the report window. Zero means the configured default.
	Range domain.DateRange `json:"range"`

	// ReplayURI is the archived artifact of a replay job.
	ReplayURI string `json:"replay_uri,omitempty"`

	RunIDs []string `json:"run_ids,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error and ErrorKind describe the last failed attempt.
	Error     string      `json:"error,omitempty"`
	ErrorKind domain.Kind `json:"error_kind,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// GetType returns the job type, reconcile when unset.
func (j *RunJob) GetType() JobType {
	if j.Type == "" {
		return JobTypeReconcile
	}
	return j.Type
}

// LastRunID returns the run ID of the latest attempt.
func (j *RunJob) LastRunID() string {
	if len(j.RunIDs) == 0 {
		return ""
	}
	return j.RunIDs[len(j.RunIDs)-1]
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishRun publishes a reconciliation job.
	PublishRun(ctx context.Context, job *RunJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error is retried only when
// Retryable reports it may succeed on its own.
type JobHandler func(ctx context.Context, job *RunJob) error

// retryDecider is implemented by errors that know whether running the same
// job again is safe.
type retryDecider interface {
	Retryable() bool
}

// Retryable reports whether a job that failed with err should run again.
// An error in the chain that decides for itself wins over the error kind.
func Retryable(err error) bool {
	var d retryDecider
	if errors.As(err, &d) {
		return d.Retryable()
	}
	return domain.IsTransient(err)
}

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RunJob) error

	// GetJob retrieves a job by ID. Unknown IDs return ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*RunJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RunJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Type   JobType
	Status JobStatus
	Limit  int
	Offset int
}
