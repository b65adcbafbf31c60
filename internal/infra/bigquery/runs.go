package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/domain"
)

type RunRow struct {
	RunID   string `bigquery:"run_id"`  // REQUIRED
	Trigger string `bigquery:"trigger"` // REQUIRED

	RangeStart civil.Date `bigquery:"range_start"` // REQUIRED
	RangeEnd   civil.Date `bigquery:"range_end"`   // REQUIRED

	Status     string                 `bigquery:"status"`      // REQUIRED
	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Phase        bigquery.NullString `bigquery:"phase"`         // NULLABLE
	ErrorKind    bigquery.NullString `bigquery:"error_kind"`    // NULLABLE
	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE

	ReportJobID bigquery.NullString `bigquery:"report_job_id"` // NULLABLE
	ArtifactURI bigquery.NullString `bigquery:"artifact_uri"`  // NULLABLE

	PollCount bigquery.NullInt64 `bigquery:"poll_count"` // NULLABLE
	Parsed    bigquery.NullInt64 `bigquery:"parsed"`     // NULLABLE
	Inserted  bigquery.NullInt64 `bigquery:"inserted"`   // NULLABLE
	Updated   bigquery.NullInt64 `bigquery:"updated"`    // NULLABLE
	Unchanged bigquery.NullInt64 `bigquery:"unchanged"`  // NULLABLE
}

// toRun converts a stored row to the audit model.
func (r *RunRow) toRun() *audit.Run {
	run := &audit.Run{
		RunID:        r.RunID,
		Trigger:      r.Trigger,
		RangeStart:   r.RangeStart,
		RangeEnd:     r.RangeEnd,
		Status:       audit.Status(r.Status),
		StartedAt:    r.StartedTS,
		Phase:        r.Phase.StringVal,
		ErrorKind:    domain.Kind(r.ErrorKind.StringVal),
		ErrorMessage: r.ErrorMessage.StringVal,
		Summary: audit.Summary{
			ReportJobID: r.ReportJobID.StringVal,
			ArtifactURI: r.ArtifactURI.StringVal,
			PollCount:   int(r.PollCount.Int64),
			Parsed:      int(r.Parsed.Int64),
			Inserted:    int(r.Inserted.Int64),
			Updated:     int(r.Updated.Int64),
			Unchanged:   int(r.Unchanged.Int64),
		},
	}
	if r.FinishedTS.Valid {
		finished := r.FinishedTS.Timestamp
		run.FinishedAt = &finished
	}
	return run
}
