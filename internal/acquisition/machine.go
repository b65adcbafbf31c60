// Package acquisition drives a submitted report job to a terminal state by
// polling the provider with bounded, jittered exponential backoff.
//
// The state logic is the pure Transition function; Machine.Await is the loop
// around it that owns waiting, budgets and cancellation.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// Outcome is what one poll says about the job.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeReady
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// PollResponse is the provider's answer to one status check.
type PollResponse struct {
	Outcome     Outcome
	ArtifactRef string
	Reason      string
}

// Poller performs one status check for a job.
type Poller interface {
	Poll(ctx context.Context, jobID string) (PollResponse, error)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(ctx context.Context, jobID string) (PollResponse, error)

func (f PollerFunc) Poll(ctx context.Context, jobID string) (PollResponse, error) {
	return f(ctx, jobID)
}

// Limits bound the poll loop. A zero field disables that bound, but at least
// one must be set.
type Limits struct {
	MaxAttempts int
	MaxElapsed  time.Duration
}

// AcquisitionError is the terminal failure of a job: FAILED (provider said
// so) or EXPIRED (local give-up, including cancellation).
type AcquisitionError struct {
	JobID     string
	Status    domain.JobStatus
	Attempts  int
	Reason    string
	Cancelled bool
	Err       error // last poll error or context error, may be nil
}

func (e *AcquisitionError) Error() string {
	msg := fmt.Sprintf("report %s %s after %d poll(s)", e.JobID, e.Status, e.Attempts)
	if e.Cancelled {
		msg += " (cancelled)"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

func (e *AcquisitionError) Is(target error) bool {
	switch target {
	case domain.ErrAcquisitionFailed:
		return e.Status == domain.JobFailed
	case domain.ErrAcquisitionExpired:
		return e.Status == domain.JobExpired
	}
	return false
}

// Transition applies one poll response to a job. Terminal jobs never change.
func Transition(job domain.ReportJob, resp PollResponse) domain.ReportJob {
	if job.Status.IsTerminal() {
		return job
	}
	switch resp.Outcome {
	case OutcomeReady:
		job.Status = domain.JobReady
		job.ArtifactRef = resp.ArtifactRef
		if job.ArtifactRef == "" {
			job.ArtifactRef = job.ID
		}
	case OutcomeFailed:
		job.Status = domain.JobFailed
		job.Reason = resp.Reason
	}
	return job
}

// Expire marks a still-pending job as given up locally.
func Expire(job domain.ReportJob, reason string) domain.ReportJob {
	if job.Status.IsTerminal() {
		return job
	}
	job.Status = domain.JobExpired
	job.Reason = reason
	return job
}

// Observer is notified after every poll. Used for metrics.
type Observer interface {
	ObservePoll(outcome string)
}

// Machine runs the poll loop for one job at a time.
type Machine struct {
	poller   Poller
	backoff  Backoff
	limits   Limits
	clock    Clock
	observer Observer
}

// NewMachine creates a Machine. A nil clock means RealClock.
func NewMachine(poller Poller, backoff Backoff, limits Limits, clock Clock) *Machine {
	if clock == nil {
		clock = RealClock{}
	}
	return &Machine{poller: poller, backoff: backoff, limits: limits, clock: clock}
}

// WithObserver sets the poll observer.
func (m *Machine) WithObserver(o Observer) *Machine {
	m.observer = o
	return m
}

func (m *Machine) observe(outcome string) {
	if m.observer != nil {
		m.observer.ObservePoll(outcome)
	}
}

// Await polls until the job is READY, FAILED or EXPIRED and returns the final
// job. For FAILED and EXPIRED it also returns an *AcquisitionError. Transient
// transport errors are absorbed and count against the attempt budget; any
// other poll error is returned as is with the job still PENDING.
func (m *Machine) Await(ctx context.Context, job domain.ReportJob) (domain.ReportJob, error) {
	log := logger.FromContext(ctx).With().Str("report_job", job.ID).Logger()

	if job.Status.IsTerminal() {
		return job, nil
	}
	if m.limits.MaxAttempts <= 0 && m.limits.MaxElapsed <= 0 {
		return job, &domain.ValidationError{Field: "polling limits", Msg: "max attempts or max elapsed must be set"}
	}

	start := m.clock.Now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		if m.limits.MaxAttempts > 0 && attempt > m.limits.MaxAttempts {
			return m.expire(job, fmt.Sprintf("no result after %d attempts", m.limits.MaxAttempts), false, lastErr)
		}

		delay := m.backoff.Delay(attempt)
		if m.limits.MaxElapsed > 0 {
			if m.clock.Now().Add(delay).Sub(start) >= m.limits.MaxElapsed {
				return m.expire(job, fmt.Sprintf("deadline of %s reached", m.limits.MaxElapsed), false, lastErr)
			}
		}

		if err := m.clock.Sleep(ctx, delay); err != nil {
			return m.expire(job, "cancelled while waiting", true, err)
		}

		resp, err := m.poller.Poll(ctx, job.ID)
		job.Attempts = attempt
		if err != nil {
			if ctx.Err() != nil {
				return m.expire(job, "cancelled during poll", true, ctx.Err())
			}
			var te *domain.TransportError
			if !errors.As(err, &te) || !te.Transient() {
				m.observe("error")
				return job, fmt.Errorf("Machine.Await: poll %d: %w", attempt, err)
			}
			m.observe("transient_error")
			log.Warn().Err(err).Int("attempt", attempt).Msg("Transient poll error, retrying")
			lastErr = err
			continue
		}

		m.observe(resp.Outcome.String())
		job = Transition(job, resp)

		switch job.Status {
		case domain.JobReady:
			job.FinishedAt = m.clock.Now()
			log.Info().Int("attempt", attempt).Str("artifact_ref", job.ArtifactRef).Msg("Report ready")
			return job, nil
		case domain.JobFailed:
			job.FinishedAt = m.clock.Now()
			log.Error().Int("attempt", attempt).Str("reason", job.Reason).Msg("Provider failed the report")
			return job, &AcquisitionError{JobID: job.ID, Status: job.Status, Attempts: attempt, Reason: job.Reason}
		default:
			lastErr = nil
			log.Info().Int("attempt", attempt).Dur("waited", delay).Msg("Report still processing")
		}
	}
}

func (m *Machine) expire(job domain.ReportJob, reason string, cancelled bool, cause error) (domain.ReportJob, error) {
	job = Expire(job, reason)
	job.FinishedAt = m.clock.Now()
	return job, &AcquisitionError{
		JobID:     job.ID,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Reason:    reason,
		Cancelled: cancelled,
		Err:       cause,
	}
}
