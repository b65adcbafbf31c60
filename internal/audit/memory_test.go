package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

func TestMemoryRecorder_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRecorder()
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	rng := civil.Date{Year: 2024, Month: 4, Day: 17}
	require.NoError(t, r.StartRun(ctx, &Run{RunID: "ok", Trigger: "cli", RangeStart: rng, RangeEnd: rng.AddDays(14)}))
	require.NoError(t, r.StartRun(ctx, &Run{RunID: "bad", Trigger: "worker"}))

	require.NoError(t, r.MarkRunSucceeded(ctx, "ok", Summary{Parsed: 3, Inserted: 2, Unchanged: 1}))
	r.MarkRunFailed(ctx, "bad", "acquisition", &domain.AuthError{Op: "login", StatusCode: 401})

	runs, err := r.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "bad", runs[0].RunID, "most recent first")

	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Equal(t, "acquisition", runs[0].Phase)
	assert.Equal(t, domain.KindAuth, runs[0].ErrorKind)
	assert.NotNil(t, runs[0].FinishedAt)

	assert.Equal(t, StatusSuccess, runs[1].Status)
	assert.Equal(t, 2, runs[1].Inserted)
	assert.Equal(t, rng.AddDays(14), runs[1].RangeEnd)

	limited, err := r.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryRecorder_UnknownRun(t *testing.T) {
	r := NewMemoryRecorder()
	assert.Error(t, r.MarkRunSucceeded(context.Background(), "nope", Summary{}))
	assert.Error(t, r.StartRun(context.Background(), &Run{}))
	r.MarkRunFailed(context.Background(), "nope", "parse", errors.New("x"))
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "", TruncateError(nil))
	long := errors.New(strings.Repeat("x", 3000))
	assert.Len(t, TruncateError(long), maxErrorLen)
}
