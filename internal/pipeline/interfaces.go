package pipeline

import (
	"context"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/payu"
	"github.com/dvloznov/payu-reconciler/internal/store"
)

// ReportSource is the provider side of a run: submit, poll and download.
type ReportSource interface {
	Submit(ctx context.Context, sess payu.Session, rng domain.DateRange) (*domain.ReportJob, error)
	Poller(sess payu.Session) acquisition.Poller
	Download(ctx context.Context, sess payu.Session, ref string) (*domain.RawArtifact, error)
}

// RecordParser turns a raw artifact into records.
type RecordParser interface {
	Parse(artifact *domain.RawArtifact) ([]domain.TransactionRecord, error)
}

// ArtifactFetcher loads archived artifacts for replay.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, uri string) (*domain.RawArtifact, error)
}

// Transactor opens the transaction scope a reconciliation runs in.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

// Observer receives run metrics. All methods must be safe to call often.
type Observer interface {
	acquisition.Observer
	ObserveApply(cs *domain.ChangeSet, res domain.ApplyResult)
	ObserveRun(phase string, err error, elapsed time.Duration, finishedAt time.Time)
}

type noopObserver struct{}

func (noopObserver) ObservePoll(string)                                 {}
func (noopObserver) ObserveApply(*domain.ChangeSet, domain.ApplyResult) {}
func (noopObserver) ObserveRun(string, error, time.Duration, time.Time) {}
