package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/audit"
	"github.com/dvloznov/payu-reconciler/internal/pipeline"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The run itself failed
	ExitCommandError = 2 // Bad flags, config or unreachable dependencies
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer renders command results as text or JSON.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) summary(s *pipeline.RunSummary) error {
	if p.format == "json" {
		return p.json(s)
	}
	fmt.Fprintf(p.w, "Reconciliation completed in %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(p.w, "  run:       %s (%s)\n", s.RunID, s.Trigger)
	fmt.Fprintf(p.w, "  range:     %s\n", s.Range)
	if s.ReportJobID != "" {
		fmt.Fprintf(p.w, "  report:    %s after %d poll(s)\n", s.ReportJobID, s.Polls)
	}
	if s.ArtifactURI != "" {
		fmt.Fprintf(p.w, "  artifact:  %s\n", s.ArtifactURI)
	}
	fmt.Fprintf(p.w, "  parsed:    %d\n", s.Parsed)
	fmt.Fprintf(p.w, "  inserted:  %d\n", s.Result.Inserted)
	fmt.Fprintf(p.w, "  updated:   %d\n", s.Result.Updated)
	fmt.Fprintf(p.w, "  unchanged: %d\n", s.Unchanged)
	return nil
}

func (p printer) failure(err error) {
	var runErr *pipeline.RunError
	if !errors.As(err, &runErr) {
		return
	}
	if p.format == "json" {
		_ = p.json(map[string]string{
			"run_id": runErr.RunID,
			"phase":  string(runErr.Phase),
			"kind":   string(runErr.Kind),
			"error":  runErr.Err.Error(),
			"action": runErr.Action(),
		})
		return
	}
	fmt.Fprintf(p.w, "Run %s failed in %s phase (%s)\n", runErr.RunID, runErr.Phase, runErr.Kind)
	fmt.Fprintf(p.w, "  error:  %v\n", runErr.Err)
	fmt.Fprintf(p.w, "  action: %s\n", runErr.Action())
}

func (p printer) runs(runs []*audit.Run) error {
	if p.format == "json" {
		return p.json(runs)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tTRIGGER\tRANGE\tSTATUS\tPHASE\tINSERTED\tUPDATED\tUNCHANGED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s..%s\t%s\t%s\t%d\t%d\t%d\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Trigger, r.RangeStart, r.RangeEnd,
			r.Status, r.Phase, r.Inserted, r.Updated, r.Unchanged)
	}
	return tw.Flush()
}
