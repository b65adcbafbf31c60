// Package audit records one row per reconciliation run so operators can see
// which runs failed, in which phase, and what each successful run wrote.
package audit

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// Status is the lifecycle state of a run row.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Run is one reconciliation run as recorded in the audit table.
type Run struct {
	RunID        string      `json:"run_id"`
	Trigger      string      `json:"trigger"`
	RangeStart   civil.Date  `json:"range_start"`
	RangeEnd     civil.Date  `json:"range_end"`
	Status       Status      `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	Phase        string      `json:"phase,omitempty"`
	ErrorKind    domain.Kind `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Summary
}

// Summary holds the counters of a successful run.
type Summary struct {
	ReportJobID string `json:"report_job_id,omitempty"`
	ArtifactURI string `json:"artifact_uri,omitempty"`
	PollCount   int    `json:"poll_count"`
	Parsed      int    `json:"parsed"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	Unchanged   int    `json:"unchanged"`
}

// Recorder persists run rows.
type Recorder interface {
	// StartRun inserts run with status RUNNING.
	StartRun(ctx context.Context, run *Run) error

	// MarkRunFailed sets status FAILED with the failing phase and error kind.
	// Failures to record are logged, never returned: they must not mask runErr.
	MarkRunFailed(ctx context.Context, runID, phase string, runErr error)

	// MarkRunSucceeded sets status SUCCESS and stores the summary.
	MarkRunSucceeded(ctx context.Context, runID string, summary Summary) error

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
}

// maxErrorLen truncates stored error messages.
const maxErrorLen = 2000

// TruncateError returns err's message cut to the stored length.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
