package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// JobStatus is the acquisition state of a report job.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobReady   JobStatus = "READY"
	JobFailed  JobStatus = "FAILED"
	JobExpired JobStatus = "EXPIRED"
)

// IsTerminal reports whether no further polling may happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobReady || s == JobFailed || s == JobExpired
}

// DateRange is an inclusive range of report dates.
type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// LastDays returns the range [today-days, today].
func LastDays(today civil.Date, days int) DateRange {
	return DateRange{Start: today.AddDays(-days), End: today}
}

// Days returns the number of calendar days spanned by the range.
func (r DateRange) Days() int {
	return r.End.DaysSince(r.Start)
}

// Validate checks that the range is well formed and no wider than maxSpanDays.
// A maxSpanDays of zero disables the span check.
func (r DateRange) Validate(maxSpanDays int) error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return &ValidationError{Field: "date_range", Msg: fmt.Sprintf("invalid dates %s..%s", r.Start, r.End)}
	}
	if r.Start.After(r.End) {
		return &ValidationError{Field: "date_range", Msg: fmt.Sprintf("start %s is after end %s", r.Start, r.End)}
	}
	if maxSpanDays > 0 && r.Days() > maxSpanDays {
		return &ValidationError{Field: "date_range", Msg: fmt.Sprintf("range spans %d days, provider allows %d", r.Days(), maxSpanDays)}
	}
	return nil
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}

// ReportJob tracks one asynchronously generated provider report.
// Only the acquisition state machine changes Status after submission.
type ReportJob struct {
	ID          string    `json:"id"`
	Range       DateRange `json:"range"`
	Status      JobStatus `json:"status"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// ArtifactFormat is the declared content format of a raw artifact.
type ArtifactFormat string

const FormatCSV ArtifactFormat = "text/csv"

// RawArtifact is a downloaded report payload.
type RawArtifact struct {
	Ref    string
	Format ArtifactFormat
	Data   []byte
}
