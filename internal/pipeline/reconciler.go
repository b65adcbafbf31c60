package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/archive"
	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
	"github.com/dvloznov/payu-reconciler/internal/payu"
)

// Deps are the collaborators of a Reconciler. Archiver, Artifacts, Recorder,
// Observer and Cleanup are optional.
type Deps struct {
	Sessions  payu.SessionProvider
	Source    ReportSource
	Parser    RecordParser
	Store     Transactor
	Archiver  archive.Archiver
	Artifacts ArtifactFetcher
	Recorder  audit.Recorder
	Observer  Observer

	Backoff acquisition.Backoff
	Limits  acquisition.Limits
	Clock   acquisition.Clock

	// Cleanup removes the archived copy of a successful run's artifact.
	Cleanup func(uri string) error

	DaysToFetch  int
	MaxRangeDays int
	Location     *time.Location
	Now          func() time.Time
}

func (d *Deps) observer() Observer {
	if d.Observer == nil {
		return noopObserver{}
	}
	return d.Observer
}

// RunRequest starts a reconciliation. A zero Range means the last
// DaysToFetch days up to today.
type RunRequest struct {
	RunID   string
	Trigger string
	Range   domain.DateRange
}

// ReplayRequest re-applies an archived artifact. Range is only recorded.
type ReplayRequest struct {
	RunID   string
	Trigger string
	URI     string
	Range   domain.DateRange
}

// Reconciler runs reconciliations end to end and records each run.
type Reconciler struct {
	deps   Deps
	full   *Pipeline
	replay *Pipeline
}

// NewReconciler validates deps and builds the run pipelines.
func NewReconciler(deps Deps) (*Reconciler, error) {
	if deps.Parser == nil {
		return nil, fmt.Errorf("NewReconciler: parser is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("NewReconciler: store is required")
	}
	if deps.Recorder == nil {
		deps.Recorder = audit.NewMemoryRecorder()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}

	r := &Reconciler{deps: deps}
	if deps.Sessions != nil && deps.Source != nil {
		r.full = NewReconciliationPipeline(&r.deps)
	}
	if deps.Artifacts != nil {
		r.replay = NewReplayPipeline(&r.deps)
	}
	return r, nil
}

// DefaultRange returns the window used when a request names none.
func (r *Reconciler) DefaultRange() domain.DateRange {
	today := civil.DateOf(r.deps.Now().In(r.deps.Location))
	return domain.LastDays(today, r.deps.DaysToFetch)
}

// Run acquires a fresh report from the provider and reconciles it.
func (r *Reconciler) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	if r.full == nil {
		return nil, fmt.Errorf("Reconciler.Run: provider client is not configured")
	}
	rng := req.Range
	if rng == (domain.DateRange{}) {
		rng = r.DefaultRange()
	}
	state := r.newState(req.RunID, req.Trigger, rng)
	if err := rng.Validate(r.deps.MaxRangeDays); err != nil {
		return nil, &RunError{RunID: state.RunID, Phase: PhaseAcquisition, Kind: domain.KindValidation, Err: err}
	}
	return r.execute(ctx, r.full, state)
}

// Replay reconciles a previously archived artifact without calling the
// provider.
func (r *Reconciler) Replay(ctx context.Context, req ReplayRequest) (*RunSummary, error) {
	if r.replay == nil {
		return nil, fmt.Errorf("Reconciler.Replay: artifact archive is not configured")
	}
	if req.URI == "" {
		return nil, &domain.ValidationError{Field: "uri", Msg: "artifact URI is required"}
	}
	rng := req.Range
	if rng == (domain.DateRange{}) {
		today := civil.DateOf(r.deps.Now().In(r.deps.Location))
		rng = domain.DateRange{Start: today, End: today}
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerReplay
	}
	state := r.newState(req.RunID, trigger, rng)
	state.ArtifactURI = req.URI
	state.Replayed = true
	return r.execute(ctx, r.replay, state)
}

func (r *Reconciler) newState(runID, trigger string, rng domain.DateRange) *RunState {
	if runID == "" {
		runID = uuid.NewString()
	}
	if trigger == "" {
		trigger = TriggerCLI
	}
	return &RunState{RunID: runID, Trigger: trigger, Range: rng}
}

func (r *Reconciler) execute(ctx context.Context, p *Pipeline, state *RunState) (*RunSummary, error) {
	ctx = logger.WithRun(ctx, state.RunID, "")
	log := logger.FromContext(ctx)
	obs := r.deps.observer()
	start := r.deps.Now()

	err := r.deps.Recorder.StartRun(ctx, &audit.Run{
		RunID:      state.RunID,
		Trigger:    state.Trigger,
		RangeStart: state.Range.Start,
		RangeEnd:   state.Range.End,
		Status:     audit.StatusRunning,
		StartedAt:  start,
	})
	if err != nil {
		return nil, fmt.Errorf("Reconciler: start run: %w", err)
	}
	log.Info().Str("trigger", state.Trigger).Str("range", state.Range.String()).Msg("Reconciliation run started")

	err = p.Execute(ctx, state)
	finished := r.deps.Now()
	elapsed := finished.Sub(start)

	if err != nil {
		phase := string(state.Phase)
		var runErr *RunError
		if errors.As(err, &runErr) {
			phase = string(runErr.Phase)
		}
		if domain.KindOf(err) == domain.KindAuth && r.deps.Sessions != nil {
			// The next run must log in again instead of reusing a rejected token.
			r.deps.Sessions.Invalidate()
			log.Warn().Msg("Provider rejected the session, it will be renewed on the next run")
		}
		r.deps.Recorder.MarkRunFailed(ctx, state.RunID, phase, err)
		obs.ObserveRun(phase, err, elapsed, finished)

		ev := log.Error().Err(err).Str("phase", phase).Str("kind", string(domain.KindOf(err)))
		if runErr != nil {
			ev = ev.Str("action", runErr.Action())
		}
		ev.Dur("elapsed", elapsed).Msg("Reconciliation run failed")
		return nil, err
	}

	summary := state.summary(elapsed)
	err = r.deps.Recorder.MarkRunSucceeded(ctx, state.RunID, audit.Summary{
		ReportJobID: summary.ReportJobID,
		ArtifactURI: summary.ArtifactURI,
		PollCount:   summary.Polls,
		Parsed:      summary.Parsed,
		Inserted:    summary.Result.Inserted,
		Updated:     summary.Result.Updated,
		Unchanged:   summary.Unchanged,
	})
	if err != nil {
		// The change set is committed; a missing audit row must not fail the run.
		log.Error().Err(err).Msg("Failed to mark run succeeded")
	}
	obs.ObserveRun("", nil, elapsed, finished)

	if r.deps.Cleanup != nil && state.ArtifactURI != "" && !state.Replayed {
		if err := r.deps.Cleanup(state.ArtifactURI); err != nil {
			log.Warn().Err(err).Str("uri", state.ArtifactURI).Msg("Failed to remove local artifact")
		}
	}

	log.Info().
		Int("parsed", summary.Parsed).
		Int("inserted", summary.Result.Inserted).
		Int("updated", summary.Result.Updated).
		Int("unchanged", summary.Unchanged).
		Msgf("Reconciliation completed in %s", elapsed.Round(time.Millisecond))
	return summary, nil
}

func (s *RunState) summary(elapsed time.Duration) *RunSummary {
	out := &RunSummary{
		RunID:       s.RunID,
		Trigger:     s.Trigger,
		Range:       s.Range.String(),
		ReportJobID: s.Job.ID,
		ArtifactURI: s.ArtifactURI,
		Polls:       s.Job.Attempts,
		Parsed:      len(s.Records),
		Result:      s.Result,
		Elapsed:     elapsed,
	}
	if s.ChangeSet != nil {
		out.Unchanged = len(s.ChangeSet.Unchanged)
	}
	return out
}
