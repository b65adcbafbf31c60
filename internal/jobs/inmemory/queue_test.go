package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/jobs"
	"github.com/dvloznov/payu-reconciler/internal/pipeline"
)

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.RunJob {
	t.Helper()
	var job *jobs.RunJob
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func startQueue(t *testing.T, handler jobs.JobHandler) (*Queue, *Store) {
	t.Helper()
	store := NewStore()
	q := NewQueue(QueueConfig{MaxRetries: 2, RetryDelay: time.Millisecond}, store)
	require.NoError(t, q.Start(context.Background(), handler))
	t.Cleanup(func() { _ = q.Close() })
	return q, store
}

func TestQueue_CompletesJob(t *testing.T) {
	q, store := startQueue(t, func(ctx context.Context, job *jobs.RunJob) error {
		job.RunIDs = append(job.RunIDs, "run-1")
		return nil
	})

	job := &jobs.RunJob{Trigger: "api"}
	require.NoError(t, q.PublishRun(context.Background(), job))
	assert.NotEmpty(t, job.JobID)

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, jobs.JobTypeReconcile, got.Type)
	assert.Equal(t, "run-1", got.LastRunID())
	assert.NotNil(t, got.CompletedAt)
}

func TestQueue_RetriesOnlyTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
		wantKind  domain.Kind
	}{
		{
			name:      "conflict is retried until the limit",
			err:       &domain.StorageError{Op: "apply", Kind: domain.ErrConflict, Err: errors.New("stale")},
			wantCalls: 3,
			wantKind:  domain.KindConflict,
		},
		{
			name:      "parse error fails at once",
			err:       &domain.ParseError{Row: 2, Msg: "bad"},
			wantCalls: 1,
			wantKind:  domain.KindParse,
		},
		{
			name:      "provider failure fails at once",
			err:       fmt.Errorf("run: %w", domain.ErrAcquisitionFailed),
			wantCalls: 1,
			wantKind:  domain.KindFailed,
		},
		{
			name: "expiry after failing polls fails at once",
			err: &acquisition.AcquisitionError{
				JobID: "orders.csv", Status: domain.JobExpired, Attempts: 3,
				Err: &domain.TransportError{Op: "check-csv", StatusCode: 503},
			},
			wantCalls: 1,
			wantKind:  domain.KindExpired,
		},
		{
			name: "submit timeout fails at once",
			err: &pipeline.RunError{
				Phase: pipeline.PhaseAcquisition, Kind: domain.KindTransport, Submitted: true,
				Err: &domain.TransportError{Op: "load-csv", Err: errors.New("timeout")},
			},
			wantCalls: 1,
			wantKind:  domain.KindTransport,
		},
		{
			name: "login outage before submit is retried",
			err: &pipeline.RunError{
				Phase: pipeline.PhaseAcquisition, Kind: domain.KindTransport,
				Err: &domain.TransportError{Op: "login", StatusCode: 502},
			},
			wantCalls: 3,
			wantKind:  domain.KindTransport,
		},
		{
			name: "conflict after submit is retried",
			err: &pipeline.RunError{
				Phase: pipeline.PhaseApply, Kind: domain.KindConflict, Submitted: true,
				Err: &domain.StorageError{Op: "apply", Kind: domain.ErrConflict, Err: errors.New("stale")},
			},
			wantCalls: 3,
			wantKind:  domain.KindConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			q, store := startQueue(t, func(ctx context.Context, job *jobs.RunJob) error {
				calls.Add(1)
				return tt.err
			})

			job := &jobs.RunJob{}
			require.NoError(t, q.PublishRun(context.Background(), job))

			got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, tt.wantKind, got.ErrorKind)
			assert.Equal(t, int(tt.wantCalls)-1, got.RetryCount)
		})
	}
}

func TestQueue_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	q, store := startQueue(t, func(ctx context.Context, job *jobs.RunJob) error {
		if calls.Add(1) == 1 {
			return &domain.TransportError{Op: "check", StatusCode: 503}
		}
		return nil
	})

	job := &jobs.RunJob{}
	require.NoError(t, q.PublishRun(context.Background(), job))
	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Error)
}

func TestQueue_RetryAfterCloseMarksJobFailed(t *testing.T) {
	store := NewStore()
	q := NewQueue(QueueConfig{MaxRetries: 2, RetryDelay: 50 * time.Millisecond}, store)
	require.NoError(t, q.Start(context.Background(), func(context.Context, *jobs.RunJob) error {
		return &domain.StorageError{Op: "begin", Kind: domain.ErrStorageUnavailable, Err: errors.New("down")}
	}))

	job := &jobs.RunJob{}
	require.NoError(t, q.PublishRun(context.Background(), job))
	waitForStatus(t, store, job.JobID, jobs.JobStatusRetrying)
	require.NoError(t, q.Close())

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Contains(t, got.Error, "re-enqueue")
	assert.Equal(t, 1, got.RetryCount)
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(QueueConfig{}, NewStore())
	require.NoError(t, q.Close())
	assert.Error(t, q.PublishRun(context.Background(), &jobs.RunJob{}))
	assert.Error(t, q.Start(context.Background(), func(context.Context, *jobs.RunJob) error { return nil }))
}

func TestStore_ListAndNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveJob(ctx, &jobs.RunJob{JobID: id, Status: jobs.JobStatusCompleted, CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}
	require.NoError(t, s.UpdateJobStatus(ctx, "b", jobs.JobStatusFailed, "boom"))

	all, err := s.ListJobs(ctx, jobs.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].JobID, "newest first")

	failed, err := s.ListJobs(ctx, jobs.JobFilter{Status: jobs.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)

	page, err := s.ListJobs(ctx, jobs.JobFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].JobID)

	_, err = s.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, jobs.ErrJobNotFound))
	assert.Error(t, s.SaveJob(ctx, &jobs.RunJob{}))
}
