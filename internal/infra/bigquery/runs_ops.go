package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// EnsureRunsTableWithClient creates the runs table from RunRow's schema.
// An existing table is left untouched.
func EnsureRunsTableWithClient(ctx context.Context, client *bigquery.Client, datasetID, table string) error {
	schema, err := bigquery.InferSchema(RunRow{})
	if err != nil {
		return fmt.Errorf("EnsureRunsTable: inferring schema: %w", err)
	}

	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "started_ts",
		},
	}
	err = client.Dataset(datasetID).Table(table).Create(ctx, meta)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("EnsureRunsTable: creating table: %w", err)
	}
	return nil
}

// StartRunWithClient inserts a new row with status=RUNNING.
func StartRunWithClient(ctx context.Context, client *bigquery.Client, datasetID, table string, run *audit.Run) error {
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	q := client.Query(fmt.Sprintf(`
		INSERT %s.%s (
			run_id,
			trigger,
			range_start,
			range_end,
			status,
			started_ts
		)
		VALUES (
			@run_id,
			@trigger,
			@range_start,
			@range_end,
			@status,
			@started_ts
		)
	`, datasetID, table))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: run.RunID},
		{Name: "trigger", Value: run.Trigger},
		{Name: "range_start", Value: run.RangeStart},
		{Name: "range_end", Value: run.RangeEnd},
		{Name: "status", Value: string(audit.StatusRunning)},
		{Name: "started_ts", Value: started},
	}

	if err := runDML(ctx, q); err != nil {
		return fmt.Errorf("StartRun: %w", err)
	}
	return nil
}

// MarkRunFailedWithClient sets status=FAILED, finished_ts, phase and the error.
// Errors are logged, not returned.
func MarkRunFailedWithClient(ctx context.Context, client *bigquery.Client, datasetID, table, runID, phase string, runErr error) {
	log := logger.FromContext(ctx)

	q := client.Query(fmt.Sprintf(`
		UPDATE %s.%s
		SET status = @status,
		    finished_ts = @finished_ts,
		    phase = @phase,
		    error_kind = @error_kind,
		    error_message = @error_message
		WHERE run_id = @run_id
	`, datasetID, table))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: string(audit.StatusFailed)},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "phase", Value: phase},
		{Name: "error_kind", Value: string(domain.KindOf(runErr))},
		{Name: "error_message", Value: audit.TruncateError(runErr)},
		{Name: "run_id", Value: runID},
	}

	if err := runDML(ctx, q); err != nil {
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkRunFailed: updating run")
	}
}

// MarkRunSucceededWithClient sets status=SUCCESS, finished_ts and the counters.
func MarkRunSucceededWithClient(ctx context.Context, client *bigquery.Client, datasetID, table, runID string, s audit.Summary) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s.%s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = "",
		    report_job_id = @report_job_id,
		    artifact_uri = @artifact_uri,
		    poll_count = @poll_count,
		    parsed = @parsed,
		    inserted = @inserted,
		    updated = @updated,
		    unchanged = @unchanged
		WHERE run_id = @run_id
	`, datasetID, table))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: string(audit.StatusSuccess)},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "report_job_id", Value: s.ReportJobID},
		{Name: "artifact_uri", Value: s.ArtifactURI},
		{Name: "poll_count", Value: s.PollCount},
		{Name: "parsed", Value: s.Parsed},
		{Name: "inserted", Value: s.Inserted},
		{Name: "updated", Value: s.Updated},
		{Name: "unchanged", Value: s.Unchanged},
		{Name: "run_id", Value: runID},
	}

	if err := runDML(ctx, q); err != nil {
		return fmt.Errorf("MarkRunSucceeded: %w", err)
	}
	return nil
}

// ListRunsWithClient returns the most recent runs first.
func ListRunsWithClient(ctx context.Context, client *bigquery.Client, projectID, datasetID, table string, limit int) ([]*audit.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.%s`"+`
		ORDER BY started_ts DESC
		LIMIT @limit
	`, projectID, datasetID, table)

	q := client.Query(query)
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: limit}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: reading query: %w", err)
	}

	var runs []*audit.Run
	for {
		var row RunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRuns: iterating: %w", err)
		}
		runs = append(runs, row.toRun())
	}
	return runs, nil
}

// runDML runs a DML statement and waits for it to finish.
func runDML(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
