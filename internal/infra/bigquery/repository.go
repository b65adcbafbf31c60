package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/payu-reconciler/internal/audit"
)

// RunRepository records reconciliation runs in a BigQuery table.
// It holds a shared client instead of creating one per operation.
type RunRepository struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	table     string
}

// NewRunRepository creates a repository with its own BigQuery client.
func NewRunRepository(ctx context.Context, projectID, datasetID, table string) (*RunRepository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRunRepository: creating client: %w", err)
	}
	return &RunRepository{
		client:    client,
		projectID: projectID,
		datasetID: datasetID,
		table:     table,
	}, nil
}

// Close closes the BigQuery client connection.
func (r *RunRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// EnsureTable creates the runs table if needed.
func (r *RunRepository) EnsureTable(ctx context.Context) error {
	return EnsureRunsTableWithClient(ctx, r.client, r.datasetID, r.table)
}

func (r *RunRepository) StartRun(ctx context.Context, run *audit.Run) error {
	return StartRunWithClient(ctx, r.client, r.datasetID, r.table, run)
}

func (r *RunRepository) MarkRunFailed(ctx context.Context, runID, phase string, runErr error) {
	MarkRunFailedWithClient(ctx, r.client, r.datasetID, r.table, runID, phase, runErr)
}

func (r *RunRepository) MarkRunSucceeded(ctx context.Context, runID string, summary audit.Summary) error {
	return MarkRunSucceededWithClient(ctx, r.client, r.datasetID, r.table, runID, summary)
}

func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*audit.Run, error) {
	return ListRunsWithClient(ctx, r.client, r.projectID, r.datasetID, r.table, limit)
}

var _ audit.Recorder = (*RunRepository)(nil)
