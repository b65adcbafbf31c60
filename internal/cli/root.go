// Package cli implements the reconcile command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/payu-reconciler/internal/app"
	"github.com/dvloznov/payu-reconciler/internal/config"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	LogLevel   string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile PayU order reports into the transactions table",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}

// loadConfig reads and validates configuration. withProvider requires the
// PayU credentials as well.
func (o *RootOptions) loadConfig(withProvider bool) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if withProvider {
		err = cfg.Validate()
	} else {
		err = cfg.ValidateStore()
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// build loads config and wires the application.
func (o *RootOptions) build(ctx context.Context, withProvider bool) (*app.App, context.Context, error) {
	cfg, err := o.loadConfig(withProvider)
	if err != nil {
		return nil, ctx, err
	}
	a, err := app.Build(ctx, cfg, app.Options{Provider: withProvider})
	if err != nil {
		return nil, ctx, WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	return a, logger.WithContext(ctx, a.Log), nil
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}
