package cli

import (
	"os/signal"
	"syscall"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/pipeline"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	From string
	To   string
	Days int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Request a report from PayU and reconcile it",
		Long: `Request the orders report for a date range, wait for PayU to generate it,
download it and apply the changes in one transaction.

Without --from/--to the last report.days_to_fetch days up to today are used.

Exit codes:
  0 - run succeeded
  1 - run failed (see the printed phase and action)
  2 - command error (config, store unreachable)`,
		Example: `  reconcile run
  reconcile run --days 3
  reconcile run --from 2024-05-01 --to 2024-05-15 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "first report date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last report date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Days, "days", 0, "reconcile the last N days up to today")
	cmd.MarkFlagsRequiredTogether("from", "to")
	cmd.MarkFlagsMutuallyExclusive("from", "days")

	return cmd
}

func runRun(opts *RunOptions, cmd *cobra.Command) error {
	rng, err := parseRangeFlags(opts.From, opts.To)
	if err != nil {
		return err
	}

	// Ctrl-C stops polling and rolls back; the run is recorded as expired.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, ctx, err := opts.build(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Days > 0 {
		rng = domain.LastDays(a.Reconciler.DefaultRange().End, opts.Days)
	}

	out := opts.printer(cmd)
	summary, err := a.Reconciler.Run(ctx, pipeline.RunRequest{Trigger: pipeline.TriggerCLI, Range: rng})
	if err != nil {
		out.failure(err)
		return WrapExitError(ExitFailure, "reconciliation failed", err)
	}
	return out.summary(summary)
}

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	URI  string
	From string
	To   string
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reconcile an archived report without calling PayU",
		Long: `Parse an archived report (a local path or a gs:// URI) and apply it as a new
run. Replaying the same report twice writes nothing the second time.`,
		Example: `  reconcile replay --uri gs://bucket/payu-reports/2024/05/16/<run>/orders.csv
  reconcile replay --uri ./temp_reports/2024/05/16/<run>/orders.csv`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URI, "uri", "", "archived report location (required)")
	_ = cmd.MarkFlagRequired("uri")
	cmd.Flags().StringVar(&opts.From, "from", "", "report range start to record (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.To, "to", "", "report range end to record (YYYY-MM-DD)")
	cmd.MarkFlagsRequiredTogether("from", "to")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	rng, err := parseRangeFlags(opts.From, opts.To)
	if err != nil {
		return err
	}

	a, ctx, err := opts.build(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := opts.printer(cmd)
	summary, err := a.Reconciler.Replay(ctx, pipeline.ReplayRequest{Trigger: pipeline.TriggerReplay, URI: opts.URI, Range: rng})
	if err != nil {
		out.failure(err)
		return WrapExitError(ExitFailure, "replay failed", err)
	}
	return out.summary(summary)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Create the report table (and the BigQuery audit table when configured)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := rootOpts.build(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Store.EnsureSchema(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to create table", err)
			}
			cmd.Printf("Table %s is ready\n", a.Config.Database.Table)
			return nil
		},
	}
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "runs",
		Short:         "List recent reconciliation runs from the audit table",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := rootOpts.build(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Recorder.ListRuns(ctx, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list runs", err)
			}
			return rootOpts.printer(cmd).runs(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func parseRangeFlags(from, to string) (domain.DateRange, error) {
	if from == "" && to == "" {
		return domain.DateRange{}, nil
	}
	start, err := civil.ParseDate(from)
	if err != nil {
		return domain.DateRange{}, WrapExitError(ExitCommandError, "invalid --from", err)
	}
	end, err := civil.ParseDate(to)
	if err != nil {
		return domain.DateRange{}, WrapExitError(ExitCommandError, "invalid --to", err)
	}
	rng := domain.DateRange{Start: start, End: end}
	if err := rng.Validate(0); err != nil {
		return domain.DateRange{}, WrapExitError(ExitCommandError, "invalid range", err)
	}
	return rng, nil
}
