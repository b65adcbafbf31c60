package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/archive"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
	"github.com/dvloznov/payu-reconciler/internal/payu"
	"github.com/dvloznov/payu-reconciler/internal/reconcile"
	"github.com/dvloznov/payu-reconciler/internal/store"
)

// PipelineStep represents a single step of a reconciliation run.
type PipelineStep interface {
	Execute(ctx context.Context, state *RunState) error
}

// SessionStep obtains a valid provider session.
type SessionStep struct {
	Sessions payu.SessionProvider
}

func (s *SessionStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseAcquisition
	sess, err := s.Sessions.ValidSession(ctx)
	if err != nil {
		return fmt.Errorf("SessionStep: %w", err)
	}
	state.Session = sess
	return nil
}

// SubmitStep requests the report. It is never retried: a second submission
// would queue a second report.
type SubmitStep struct {
	Source ReportSource
}

func (s *SubmitStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseAcquisition
	state.Submitted = true
	job, err := s.Source.Submit(ctx, state.Session, state.Range)
	if err != nil {
		return fmt.Errorf("SubmitStep: %w", err)
	}
	state.Job = *job
	return nil
}

// AwaitStep polls the submitted job until it is terminal.
type AwaitStep struct {
	Source   ReportSource
	Backoff  acquisition.Backoff
	Limits   acquisition.Limits
	Clock    acquisition.Clock
	Observer acquisition.Observer
}

func (s *AwaitStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseAcquisition
	m := acquisition.NewMachine(s.Source.Poller(state.Session), s.Backoff, s.Limits, s.Clock)
	if s.Observer != nil {
		m.WithObserver(s.Observer)
	}

	job, err := m.Await(logger.WithRun(ctx, "", state.Job.ID), state.Job)
	state.Job = job
	if err != nil {
		return fmt.Errorf("AwaitStep: %w", err)
	}
	return nil
}

// DownloadStep fetches the ready artifact.
type DownloadStep struct {
	Source ReportSource
}

func (s *DownloadStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseAcquisition
	artifact, err := s.Source.Download(ctx, state.Session, state.Job.ArtifactRef)
	if err != nil {
		return fmt.Errorf("DownloadStep: %w", err)
	}
	state.Artifact = artifact
	return nil
}

// ArchiveStep keeps a copy of the artifact for replay. Archiving is best
// effort: a failure is logged and the run continues.
type ArchiveStep struct {
	Archiver archive.Archiver
}

func (s *ArchiveStep) Execute(ctx context.Context, state *RunState) error {
	if s.Archiver == nil || state.Artifact == nil {
		return nil
	}
	uri, err := s.Archiver.Store(ctx, state.RunID, state.Artifact)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("ref", state.Artifact.Ref).Msg("Failed to archive artifact, continuing")
		return nil
	}
	state.ArtifactURI = uri
	return nil
}

// FetchArtifactStep loads an archived artifact for replay.
type FetchArtifactStep struct {
	Artifacts ArtifactFetcher
}

func (s *FetchArtifactStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseAcquisition
	artifact, err := s.Artifacts.Fetch(ctx, state.ArtifactURI)
	if err != nil {
		return fmt.Errorf("FetchArtifactStep: %w", err)
	}
	state.Artifact = artifact
	return nil
}

// ParseStep converts the artifact into records.
type ParseStep struct {
	Parser RecordParser
}

func (s *ParseStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseParse
	records, err := s.Parser.Parse(state.Artifact)
	if err != nil {
		return fmt.Errorf("ParseStep: %w", err)
	}
	state.Records = records

	log := logger.FromContext(ctx)
	log.Info().Int("records", len(records)).Str("ref", state.Artifact.Ref).Msg("Report parsed")
	return nil
}

// ValidateKeysStep rejects ambiguous batches before storage is touched.
type ValidateKeysStep struct{}

func (s *ValidateKeysStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseReconcile
	keys, err := reconcile.Keys(state.Records)
	if err != nil {
		return fmt.Errorf("ValidateKeysStep: %w", err)
	}
	state.Keys = keys
	return nil
}

// ReconcileStep loads the snapshot, classifies the batch and applies the
// change set inside one transaction. Any failure rolls the whole set back.
type ReconcileStep struct {
	Store    Transactor
	Observer Observer
}

func (s *ReconcileStep) Execute(ctx context.Context, state *RunState) error {
	state.Phase = PhaseReconcile
	log := logger.FromContext(ctx)

	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		state.Phase = PhaseReconcile
		snapshot, err := tx.LoadSnapshot(ctx, state.Keys)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}

		cs, err := reconcile.Reconcile(state.Records, snapshot)
		if err != nil {
			return err
		}
		state.ChangeSet = cs
		log.Info().
			Int("insert", len(cs.ToInsert)).
			Int("update", len(cs.ToUpdate)).
			Int("unchanged", len(cs.Unchanged)).
			Msg("Change set computed")

		state.Phase = PhaseApply
		res, err := tx.Apply(ctx, cs, state.RunID)
		if err != nil {
			return fmt.Errorf("apply: %w", err)
		}
		state.Result = res
		return nil
	})
	if err != nil {
		state.Result = domain.ApplyResult{}
		return fmt.Errorf("ReconcileStep: %w", err)
	}

	if s.Observer != nil {
		s.Observer.ObserveApply(state.ChangeSet, state.Result)
	}
	return nil
}
