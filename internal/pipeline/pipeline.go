package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially and stops at the first failure, which
// is returned as a *RunError naming the phase the state was in.
func (p *Pipeline) Execute(ctx context.Context, state *RunState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			kind := domain.KindOf(err)
			if kind == domain.KindUnknown && errors.Is(err, context.Canceled) {
				kind = domain.KindCancelled
			}
			return &RunError{
				RunID:     state.RunID,
				Phase:     state.Phase,
				Kind:      kind,
				Submitted: state.Submitted,
				Err:       fmt.Errorf("pipeline step %d failed: %w", i+1, err),
			}
		}
	}
	return nil
}

// AcquisitionSteps submits a report, waits for it and downloads it.
func AcquisitionSteps(d *Deps) []PipelineStep {
	return []PipelineStep{
		&SessionStep{Sessions: d.Sessions},
		&SubmitStep{Source: d.Source},
		&AwaitStep{Source: d.Source, Backoff: d.Backoff, Limits: d.Limits, Clock: d.Clock, Observer: d.observer()},
		&DownloadStep{Source: d.Source},
		&ArchiveStep{Archiver: d.Archiver},
	}
}

// ReconcileSteps parses the artifact in state and applies it to the store.
func ReconcileSteps(d *Deps) []PipelineStep {
	return []PipelineStep{
		&ParseStep{Parser: d.Parser},
		&ValidateKeysStep{},
		&ReconcileStep{Store: d.Store, Observer: d.observer()},
	}
}

// NewReconciliationPipeline creates the full acquire, parse and apply pipeline.
func NewReconciliationPipeline(d *Deps) *Pipeline {
	return NewPipeline(append(AcquisitionSteps(d), ReconcileSteps(d)...)...)
}

// NewReplayPipeline re-runs parse and apply from an archived artifact.
func NewReplayPipeline(d *Deps) *Pipeline {
	return NewPipeline(append([]PipelineStep{&FetchArtifactStep{Artifacts: d.Artifacts}}, ReconcileSteps(d)...)...)
}
