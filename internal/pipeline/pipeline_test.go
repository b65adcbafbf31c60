package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/payu"
	"github.com/dvloznov/payu-reconciler/internal/report"
	"github.com/dvloznov/payu-reconciler/internal/store"
)

// Mock implementations for testing

type mockSession struct{}

func (mockSession) Do(ctx context.Context, req payu.Request) (*payu.Response, error) {
	return &payu.Response{}, nil
}

// mockSessions caches one session until Invalidate, like the Authenticator.
type mockSessions struct {
	ValidSessionFunc func(ctx context.Context) (payu.Session, error)

	cached        payu.Session
	logins        int
	invalidations int
}

func (m *mockSessions) ValidSession(ctx context.Context) (payu.Session, error) {
	if m.ValidSessionFunc != nil {
		return m.ValidSessionFunc(ctx)
	}
	if m.cached == nil {
		m.logins++
		m.cached = mockSession{}
	}
	return m.cached, nil
}

func (m *mockSessions) Invalidate() {
	m.invalidations++
	m.cached = nil
}

type mockSource struct {
	SubmitFunc   func(ctx context.Context, rng domain.DateRange) (*domain.ReportJob, error)
	PollFunc     func(ctx context.Context, jobID string) (acquisition.PollResponse, error)
	DownloadFunc func(ctx context.Context, ref string) (*domain.RawArtifact, error)

	downloads int
}

func (m *mockSource) Submit(ctx context.Context, sess payu.Session, rng domain.DateRange) (*domain.ReportJob, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, rng)
	}
	return &domain.ReportJob{ID: "job-1", Range: rng, Status: domain.JobPending}, nil
}

func (m *mockSource) Poller(sess payu.Session) acquisition.Poller {
	return acquisition.PollerFunc(func(ctx context.Context, jobID string) (acquisition.PollResponse, error) {
		if m.PollFunc != nil {
			return m.PollFunc(ctx, jobID)
		}
		return acquisition.PollResponse{Outcome: acquisition.OutcomeReady, ArtifactRef: jobID + ".csv"}, nil
	})
}

func (m *mockSource) Download(ctx context.Context, sess payu.Session, ref string) (*domain.RawArtifact, error) {
	m.downloads++
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, ref)
	}
	return &domain.RawArtifact{Ref: ref, Format: domain.FormatCSV, Data: []byte("csv")}, nil
}

type mockParser struct {
	ParseFunc func(artifact *domain.RawArtifact) ([]domain.TransactionRecord, error)
}

func (m *mockParser) Parse(artifact *domain.RawArtifact) ([]domain.TransactionRecord, error) {
	if m.ParseFunc != nil {
		return m.ParseFunc(artifact)
	}
	return nil, nil
}

type mockTx struct {
	LoadSnapshotFunc func(ctx context.Context, keys []domain.IdentityKey) (map[domain.IdentityKey]domain.PersistedRow, error)
	ApplyFunc        func(ctx context.Context, cs *domain.ChangeSet, runID string) (domain.ApplyResult, error)
}

func (m *mockTx) LoadSnapshot(ctx context.Context, keys []domain.IdentityKey) (map[domain.IdentityKey]domain.PersistedRow, error) {
	if m.LoadSnapshotFunc != nil {
		return m.LoadSnapshotFunc(ctx, keys)
	}
	return map[domain.IdentityKey]domain.PersistedRow{}, nil
}

func (m *mockTx) Apply(ctx context.Context, cs *domain.ChangeSet, runID string) (domain.ApplyResult, error) {
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, cs, runID)
	}
	return domain.ApplyResult{Inserted: len(cs.ToInsert), Updated: len(cs.ToUpdate)}, nil
}

// mockTransactor hands every scope the same mockTx and counts scopes.
type mockTransactor struct {
	tx     *mockTx
	scopes int
}

func (m *mockTransactor) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	m.scopes++
	return fn(ctx, m.tx)
}

type mockArchiver struct {
	StoreFunc func(ctx context.Context, runID string, artifact *domain.RawArtifact) (string, error)
	FetchFunc func(ctx context.Context, uri string) (*domain.RawArtifact, error)
}

func (m *mockArchiver) Store(ctx context.Context, runID string, artifact *domain.RawArtifact) (string, error) {
	if m.StoreFunc != nil {
		return m.StoreFunc(ctx, runID, artifact)
	}
	return "/archive/" + runID + "/" + artifact.Ref, nil
}

func (m *mockArchiver) Fetch(ctx context.Context, uri string) (*domain.RawArtifact, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, uri)
	}
	return &domain.RawArtifact{Ref: uri, Format: domain.FormatCSV}, nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

type recordingObserver struct {
	polls   []string
	applied int
	runs    []string
}

func (o *recordingObserver) ObservePoll(outcome string) { o.polls = append(o.polls, outcome) }

func (o *recordingObserver) ObserveApply(cs *domain.ChangeSet, res domain.ApplyResult) {
	o.applied += res.Inserted + res.Updated
}

func (o *recordingObserver) ObserveRun(phase string, err error, elapsed time.Duration, finishedAt time.Time) {
	if err == nil {
		o.runs = append(o.runs, "success")
		return
	}
	o.runs = append(o.runs, "failed:"+phase)
}

func record(key, status string) domain.TransactionRecord {
	fields := map[string]domain.Value{
		"transaction_id": domain.StringValue(key),
		"status":         domain.StringValue(status),
		"amount":         domain.DecimalValue(decimal.NewFromInt(10)),
	}
	return domain.TransactionRecord{Key: domain.IdentityKey(key), Fields: fields, Checksum: report.Checksum(fields)}
}

type fixture struct {
	source   *mockSource
	parser   *mockParser
	tx       *mockTx
	store    *mockTransactor
	archiver *mockArchiver
	recorder *audit.MemoryRecorder
	observer *recordingObserver
	cleaned  []string
	deps     Deps
}

func newFixture() *fixture {
	f := &fixture{
		source:   &mockSource{},
		parser:   &mockParser{},
		tx:       &mockTx{},
		archiver: &mockArchiver{},
		recorder: audit.NewMemoryRecorder(),
		observer: &recordingObserver{},
	}
	f.store = &mockTransactor{tx: f.tx}
	now := time.Date(2024, 5, 16, 12, 0, 0, 0, time.UTC)
	f.deps = Deps{
		Sessions:     &mockSessions{},
		Source:       f.source,
		Parser:       f.parser,
		Store:        f.store,
		Archiver:     f.archiver,
		Artifacts:    f.archiver,
		Recorder:     f.recorder,
		Observer:     f.observer,
		Backoff:      acquisition.Backoff{Base: time.Second, Max: 5 * time.Second, Multiplier: 2},
		Limits:       acquisition.Limits{MaxAttempts: 5},
		Clock:        &fakeClock{now: now},
		Cleanup:      func(uri string) error { f.cleaned = append(f.cleaned, uri); return nil },
		DaysToFetch:  15,
		MaxRangeDays: 31,
		Now:          func() time.Time { return now },
	}
	return f
}

func (f *fixture) reconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := NewReconciler(f.deps)
	require.NoError(t, err)
	return r
}

func (f *fixture) onlyRun(t *testing.T) *audit.Run {
	t.Helper()
	runs, err := f.recorder.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture()
	polls := 0
	f.source.PollFunc = func(ctx context.Context, jobID string) (acquisition.PollResponse, error) {
		polls++
		if polls < 3 {
			return acquisition.PollResponse{Outcome: acquisition.OutcomePending}, nil
		}
		return acquisition.PollResponse{Outcome: acquisition.OutcomeReady, ArtifactRef: "orders.csv"}, nil
	}
	f.parser.ParseFunc = func(a *domain.RawArtifact) ([]domain.TransactionRecord, error) {
		assert.Equal(t, "orders.csv", a.Ref)
		return []domain.TransactionRecord{record("a", "APPROVED"), record("b", "PENDING"), record("c", "DECLINED")}, nil
	}
	stored := record("b", "PENDING")
	f.tx.LoadSnapshotFunc = func(ctx context.Context, keys []domain.IdentityKey) (map[domain.IdentityKey]domain.PersistedRow, error) {
		assert.Equal(t, []domain.IdentityKey{"a", "b", "c"}, keys)
		return map[domain.IdentityKey]domain.PersistedRow{
			"b": {Key: "b", Checksum: stored.Checksum},
			"c": {Key: "c", Checksum: "stale"},
		}, nil
	}

	summary, err := f.reconciler(t).Run(context.Background(), RunRequest{RunID: "run-1", Trigger: TriggerCLI})
	require.NoError(t, err)

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, "2024-05-01..2024-05-16", summary.Range)
	assert.Equal(t, "job-1", summary.ReportJobID)
	assert.Equal(t, 3, summary.Polls)
	assert.Equal(t, 3, summary.Parsed)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, domain.ApplyResult{Inserted: 1, Updated: 1}, summary.Result)
	assert.Equal(t, "/archive/run-1/orders.csv", summary.ArtifactURI)

	assert.Equal(t, 1, f.store.scopes)
	assert.Equal(t, []string{"pending", "pending", "ready"}, f.observer.polls)
	assert.Equal(t, 2, f.observer.applied)
	assert.Equal(t, []string{"success"}, f.observer.runs)
	assert.Equal(t, []string{"/archive/run-1/orders.csv"}, f.cleaned)

	run := f.onlyRun(t)
	assert.Equal(t, audit.StatusSuccess, run.Status)
	assert.Equal(t, 1, run.Inserted)
	assert.Equal(t, 1, run.Updated)
	assert.Equal(t, 1, run.Unchanged)
	assert.Equal(t, 3, run.PollCount)
}

func TestRun_AcquisitionOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		poll         func(ctx context.Context, jobID string) (acquisition.PollResponse, error)
		wantErr      error
		wantFailed   bool
		wantGaveUp   bool
		wantInAction string
	}{
		{
			name: "provider failed",
			poll: func(ctx context.Context, jobID string) (acquisition.PollResponse, error) {
				return acquisition.PollResponse{Outcome: acquisition.OutcomeFailed, Reason: "internal error"}, nil
			},
			wantErr:      domain.ErrAcquisitionFailed,
			wantFailed:   true,
			wantInAction: "contact PayU",
		},
		{
			name: "never ready",
			poll: func(ctx context.Context, jobID string) (acquisition.PollResponse, error) {
				return acquisition.PollResponse{Outcome: acquisition.OutcomePending}, nil
			},
			wantErr:      domain.ErrAcquisitionExpired,
			wantGaveUp:   true,
			wantInAction: "re-run later",
		},
		{
			name: "provider keeps erroring",
			poll: func(ctx context.Context, jobID string) (acquisition.PollResponse, error) {
				return acquisition.PollResponse{}, &domain.TransportError{Op: "check", StatusCode: 503}
			},
			wantErr:      domain.ErrAcquisitionExpired,
			wantGaveUp:   true,
			wantInAction: "re-run later",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.source.PollFunc = tt.poll

			_, err := f.reconciler(t).Run(context.Background(), RunRequest{RunID: "run-1"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))

			var runErr *RunError
			require.True(t, errors.As(err, &runErr))
			assert.Equal(t, PhaseAcquisition, runErr.Phase)
			assert.Equal(t, tt.wantFailed, runErr.ProviderFailed())
			assert.Equal(t, tt.wantGaveUp, runErr.GaveUp())
			assert.Contains(t, runErr.Action(), tt.wantInAction)
			assert.True(t, runErr.Submitted)
			assert.False(t, runErr.Retryable(), "a retry would request a second report")
			assert.False(t, domain.IsTransient(err))

			assert.Zero(t, f.source.downloads, "no download without a ready report")
			assert.Zero(t, f.store.scopes, "store must not be touched")

			run := f.onlyRun(t)
			assert.Equal(t, audit.StatusFailed, run.Status)
			assert.Equal(t, string(PhaseAcquisition), run.Phase)
		})
	}
}

func TestRun_TransientFailuresAroundSubmit(t *testing.T) {
	unavailable := &domain.TransportError{Op: "load-csv", StatusCode: 503}

	t.Run("submit failure is not retryable", func(t *testing.T) {
		f := newFixture()
		submits := 0
		f.source.SubmitFunc = func(context.Context, domain.DateRange) (*domain.ReportJob, error) {
			submits++
			return nil, unavailable
		}

		_, err := f.reconciler(t).Run(context.Background(), RunRequest{RunID: "run-1"})
		var runErr *RunError
		require.True(t, errors.As(err, &runErr))
		assert.Equal(t, PhaseAcquisition, runErr.Phase)
		assert.Equal(t, domain.KindTransport, runErr.Kind)
		assert.True(t, runErr.Submitted)
		assert.False(t, runErr.Retryable())
		assert.Equal(t, 1, submits)
	})

	t.Run("session failure before submit is retryable", func(t *testing.T) {
		f := newFixture()
		f.deps.Sessions = &mockSessions{ValidSessionFunc: func(context.Context) (payu.Session, error) {
			return nil, &domain.TransportError{Op: "login", StatusCode: 502}
		}}
		f.source.SubmitFunc = func(context.Context, domain.DateRange) (*domain.ReportJob, error) {
			t.Fatal("submit must not run without a session")
			return nil, nil
		}

		_, err := f.reconciler(t).Run(context.Background(), RunRequest{RunID: "run-1"})
		var runErr *RunError
		require.True(t, errors.As(err, &runErr))
		assert.False(t, runErr.Submitted)
		assert.True(t, runErr.Retryable())
	})
}

func TestRun_AuthFailureRenewsSession(t *testing.T) {
	f := newFixture()
	sessions := &mockSessions{}
	f.deps.Sessions = sessions
	rejected := true
	f.source.PollFunc = func(context.Context, string) (acquisition.PollResponse, error) {
		if rejected {
			return acquisition.PollResponse{}, &domain.AuthError{Op: "check-csv", StatusCode: 401}
		}
		return acquisition.PollResponse{Outcome: acquisition.OutcomeReady, ArtifactRef: "orders.csv"}, nil
	}
	r := f.reconciler(t)

	_, err := r.Run(context.Background(), RunRequest{RunID: "run-1"})
	assert.Equal(t, domain.KindAuth, domain.KindOf(err))
	assert.Equal(t, 1, sessions.invalidations)

	rejected = false
	_, err = r.Run(context.Background(), RunRequest{RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, sessions.logins, "second run logs in again")
	assert.Equal(t, 1, sessions.invalidations)
}

func TestRun_CancelledWhileWaitingIsExpired(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.source.PollFunc = func(context.Context, string) (acquisition.PollResponse, error) {
		cancel()
		return acquisition.PollResponse{Outcome: acquisition.OutcomePending}, nil
	}

	_, err := f.reconciler(t).Run(ctx, RunRequest{RunID: "run-1"})
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.True(t, runErr.GaveUp())
	assert.True(t, runErr.Cancelled())
	assert.Zero(t, f.store.scopes)
}

func TestRun_LaterPhaseFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fixture)
		wantPhase Phase
		wantKind  domain.Kind
		wantTx    int
		wantRetry bool
	}{
		{
			name: "parse error",
			setup: func(f *fixture) {
				f.parser.ParseFunc = func(*domain.RawArtifact) ([]domain.TransactionRecord, error) {
					return nil, &domain.ParseError{Row: 7, Column: "Valor", Msg: "bad number"}
				}
			},
			wantPhase: PhaseParse,
			wantKind:  domain.KindParse,
		},
		{
			name: "duplicate keys",
			setup: func(f *fixture) {
				f.parser.ParseFunc = func(*domain.RawArtifact) ([]domain.TransactionRecord, error) {
					return []domain.TransactionRecord{record("a", "X"), record("a", "Y")}, nil
				}
			},
			wantPhase: PhaseReconcile,
			wantKind:  domain.KindValidation,
		},
		{
			name: "storage unavailable on snapshot",
			setup: func(f *fixture) {
				f.parser.ParseFunc = func(*domain.RawArtifact) ([]domain.TransactionRecord, error) {
					return []domain.TransactionRecord{record("a", "X")}, nil
				}
				f.tx.LoadSnapshotFunc = func(context.Context, []domain.IdentityKey) (map[domain.IdentityKey]domain.PersistedRow, error) {
					return nil, &domain.StorageError{Op: "load", Kind: domain.ErrStorageUnavailable, Err: errors.New("connection refused")}
				}
			},
			wantPhase: PhaseReconcile,
			wantKind:  domain.KindStorageUnavailable,
			wantTx:    1,
			wantRetry: true,
		},
		{
			name: "conflict on apply",
			setup: func(f *fixture) {
				f.parser.ParseFunc = func(*domain.RawArtifact) ([]domain.TransactionRecord, error) {
					return []domain.TransactionRecord{record("a", "X")}, nil
				}
				f.tx.ApplyFunc = func(context.Context, *domain.ChangeSet, string) (domain.ApplyResult, error) {
					return domain.ApplyResult{}, &domain.StorageError{Op: "update", Kind: domain.ErrConflict, Err: errors.New("0 rows")}
				}
			},
			wantPhase: PhaseApply,
			wantKind:  domain.KindConflict,
			wantTx:    1,
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			_, err := f.reconciler(t).Run(context.Background(), RunRequest{RunID: "run-1"})
			var runErr *RunError
			require.True(t, errors.As(err, &runErr))
			assert.Equal(t, tt.wantPhase, runErr.Phase)
			assert.Equal(t, tt.wantKind, runErr.Kind)
			assert.Equal(t, tt.wantTx, f.store.scopes)
			assert.Equal(t, tt.wantRetry, runErr.Retryable())
			assert.Empty(t, f.cleaned, "artifact is kept for a failed run")

			run := f.onlyRun(t)
			assert.Equal(t, audit.StatusFailed, run.Status)
			assert.Equal(t, string(tt.wantPhase), run.Phase)
			assert.Equal(t, []string{"failed:" + string(tt.wantPhase)}, f.observer.runs)
		})
	}
}

func TestRun_ArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.archiver.StoreFunc = func(context.Context, string, *domain.RawArtifact) (string, error) {
		return "", errors.New("bucket gone")
	}
	f.parser.ParseFunc = func(*domain.RawArtifact) ([]domain.TransactionRecord, error) {
		return []domain.TransactionRecord{record("a", "X")}, nil
	}

	summary, err := f.reconciler(t).Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Empty(t, summary.ArtifactURI)
	assert.Equal(t, 1, summary.Result.Inserted)
	assert.Empty(t, f.cleaned)
	assert.NotEmpty(t, summary.RunID, "run ID is generated")
}

func TestRun_RejectsInvalidRange(t *testing.T) {
	f := newFixture()
	rng := domain.DateRange{
		Start: civil.Date{Year: 2024, Month: 1, Day: 1},
		End:   civil.Date{Year: 2024, Month: 3, Day: 1},
	}

	_, err := f.reconciler(t).Run(context.Background(), RunRequest{Range: rng})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	runs, err := f.recorder.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestReplay_SkipsProvider(t *testing.T) {
	f := newFixture()
	f.deps.Sessions = &mockSessions{ValidSessionFunc: func(context.Context) (payu.Session, error) {
		t.Fatal("replay must not open a provider session")
		return nil, nil
	}}
	f.archiver.FetchFunc = func(ctx context.Context, uri string) (*domain.RawArtifact, error) {
		assert.Equal(t, "gs://bucket/payu/orders.csv", uri)
		return &domain.RawArtifact{Ref: "orders.csv", Format: domain.FormatCSV}, nil
	}
	f.parser.ParseFunc = func(*domain.RawArtifact) ([]domain.TransactionRecord, error) {
		return []domain.TransactionRecord{record("a", "X")}, nil
	}

	summary, err := f.reconciler(t).Replay(context.Background(), ReplayRequest{URI: "gs://bucket/payu/orders.csv"})
	require.NoError(t, err)
	assert.Equal(t, TriggerReplay, summary.Trigger)
	assert.Equal(t, "2024-05-16..2024-05-16", summary.Range)
	assert.Equal(t, 1, summary.Result.Inserted)
	assert.Empty(t, f.cleaned, "replayed artifacts are never removed")

	_, err = f.reconciler(t).Replay(context.Background(), ReplayRequest{})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestNewReconciler_RequiresStoreAndParser(t *testing.T) {
	_, err := NewReconciler(Deps{Parser: &mockParser{}})
	assert.Error(t, err)
	_, err = NewReconciler(Deps{Store: &mockTransactor{}})
	assert.Error(t, err)

	r, err := NewReconciler(Deps{Parser: &mockParser{}, Store: &mockTransactor{}})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), RunRequest{})
	assert.Error(t, err, "no provider configured")
}

func TestRunError_Action(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		want string
	}{
		{domain.KindAuth, "credentials"},
		{domain.KindParse, "parser schema"},
		{domain.KindConflict, "retry"},
		{domain.KindUnknown, "logs"},
	}
	for _, tt := range tests {
		e := &RunError{Kind: tt.kind, Err: errors.New("x")}
		assert.Contains(t, e.Action(), tt.want, string(tt.kind))
	}
}
