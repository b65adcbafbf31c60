package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// MemoryRecorder keeps run rows in memory and logs every transition.
// It is used when no BigQuery project is configured.
type MemoryRecorder struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{runs: make(map[string]*Run), now: time.Now}
}

func (r *MemoryRecorder) StartRun(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		return fmt.Errorf("MemoryRecorder.StartRun: run ID is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row := *run
	row.Status = StatusRunning
	if row.StartedAt.IsZero() {
		row.StartedAt = r.now()
	}
	r.runs[run.RunID] = &row

	log := logger.FromContext(ctx)
	log.Info().
		Str("run_id", run.RunID).
		Str("trigger", run.Trigger).
		Str("range", fmt.Sprintf("%s..%s", run.RangeStart, run.RangeEnd)).
		Msg("Run started")
	return nil
}

func (r *MemoryRecorder) MarkRunFailed(ctx context.Context, runID, phase string, runErr error) {
	log := logger.FromContext(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.runs[runID]
	if !ok {
		log.Error().Str("run_id", runID).Msg("MarkRunFailed: unknown run")
		return
	}
	finished := r.now()
	row.Status = StatusFailed
	row.FinishedAt = &finished
	row.Phase = phase
	row.ErrorKind = domain.KindOf(runErr)
	row.ErrorMessage = TruncateError(runErr)

	log.Error().
		Err(runErr).
		Str("run_id", runID).
		Str("phase", phase).
		Str("kind", string(row.ErrorKind)).
		Msg("Run failed")
}

func (r *MemoryRecorder) MarkRunSucceeded(ctx context.Context, runID string, summary Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("MemoryRecorder.MarkRunSucceeded: run not found: %s", runID)
	}
	finished := r.now()
	row.Status = StatusSuccess
	row.FinishedAt = &finished
	row.ErrorMessage = ""
	row.Summary = summary

	log := logger.FromContext(ctx)
	log.Info().
		Str("run_id", runID).
		Int("inserted", summary.Inserted).
		Int("updated", summary.Updated).
		Int("unchanged", summary.Unchanged).
		Msg("Run succeeded")
	return nil
}

func (r *MemoryRecorder) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Run, 0, len(r.runs))
	for _, row := range r.runs {
		// Return a copy to avoid external modifications
		c := *row
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

var _ Recorder = (*MemoryRecorder)(nil)
