package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/payu"
)

// Phase names the part of a run that failed.
type Phase string

const (
	PhaseAcquisition Phase = "acquisition"
	PhaseParse       Phase = "parse"
	PhaseReconcile   Phase = "reconcile"
	PhaseApply       Phase = "apply"
)

// Trigger values recorded with each run.
const (
	TriggerCLI    = "cli"
	TriggerAPI    = "api"
	TriggerWorker = "worker"
	TriggerReplay = "replay"
)

// RunState holds the shared state across all pipeline steps of one run.
type RunState struct {
	RunID   string
	Trigger string
	Range   domain.DateRange
	Phase   Phase
	// Replayed runs read an archived artifact, which is never cleaned up.
	Replayed bool

	Session payu.Session
	// Submitted is set once a report request has been sent, whether or not
	// it succeeded.
	Submitted   bool
	Job         domain.ReportJob
	Artifact    *domain.RawArtifact
	ArtifactURI string // archive location, or the replayed URI

	Records   []domain.TransactionRecord
	Keys      []domain.IdentityKey
	ChangeSet *domain.ChangeSet
	Result    domain.ApplyResult
}

// RunSummary is what a finished run reports to its caller.
type RunSummary struct {
	RunID       string             `json:"run_id"`
	Trigger     string             `json:"trigger"`
	Range       string             `json:"range"`
	ReportJobID string             `json:"report_job_id,omitempty"`
	ArtifactURI string             `json:"artifact_uri,omitempty"`
	Polls       int                `json:"polls"`
	Parsed      int                `json:"parsed"`
	Unchanged   int                `json:"unchanged"`
	Result      domain.ApplyResult `json:"result"`
	Elapsed     time.Duration      `json:"elapsed"`
}

// RunError reports which phase of a run failed and why.
type RunError struct {
	RunID string
	Phase Phase
	Kind  domain.Kind
	// Submitted reports whether the run had already requested a report.
	Submitted bool
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed in %s phase (%s): %v", e.RunID, e.Phase, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may be run again automatically.
// Once a report was requested, a new run would request another one, so only
// failures before submission or in the store qualify.
func (e *RunError) Retryable() bool {
	if e.Phase == PhaseAcquisition && e.Submitted {
		return false
	}
	return domain.IsTransient(e.Err)
}

// ProviderFailed reports whether the provider rejected the report.
func (e *RunError) ProviderFailed() bool {
	return errors.Is(e.Err, domain.ErrAcquisitionFailed)
}

// GaveUp reports whether the run stopped waiting for a report that may still
// complete on the provider side, including operator cancellation.
func (e *RunError) GaveUp() bool {
	return errors.Is(e.Err, domain.ErrAcquisitionExpired)
}

// Cancelled reports whether the run was cancelled while waiting.
func (e *RunError) Cancelled() bool {
	var acqErr *acquisition.AcquisitionError
	return errors.As(e.Err, &acqErr) && acqErr.Cancelled
}

// Action is the operator hint printed with a failed run.
func (e *RunError) Action() string {
	switch {
	case e.ProviderFailed():
		return "the provider failed the report: contact PayU support"
	case e.Cancelled():
		return "the run was cancelled before the report was ready: re-run when convenient"
	case e.GaveUp():
		return "the report was not ready in time: re-run later"
	case e.Kind == domain.KindAuth:
		return "check the PayU credentials"
	case e.Kind == domain.KindParse:
		return "the report layout changed: update the parser schema"
	case e.Kind == domain.KindValidation:
		return "fix the request or the report data"
	case e.Kind == domain.KindConflict, e.Kind == domain.KindStorageUnavailable, e.Kind == domain.KindTransport:
		return "transient failure: retry the run"
	default:
		return "inspect the logs"
	}
}
