// Package cli implements the stopgate command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/stopgate/internal/config"
	"github.com/roach88/stopgate/internal/propagate"
	"github.com/roach88/stopgate/internal/sandbox"
	"github.com/roach88/stopgate/internal/session"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	EnvFile string

	// Config, when set, is used instead of loading one.
	Config *config.Config

	logger *slog.Logger

	// Test seams. Nil means the real git and claude implementations.
	launcher  session.Launcher
	worktrees sandbox.Worktrees
	lister    propagate.ChangeLister
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the stopgate CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stopgate",
		Short: "stopgate - completion gate and hook test harness",
		Long: `stopgate decides whether an autonomous task loop may stop, and tests the
hook configuration that enforces that decision in isolated sandboxes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitInfrastructure,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file with STOPGATE_* settings (default .env if present)")

	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewProfilesCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code. Errors
// are written to stderr in the selected format; an ExitError without a
// message exits silently because its command already reported the result.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Message != "" || exitErr.Err != nil {
		f := &OutputFormatter{Format: opts.Format, Writer: stderr, Verbose: opts.Verbose}
		if opts.Format == "json" {
			f.Writer = stdout
		}
		f.Error(err)
	}
	return GetExitCode(err)
}

// newLogger logs to w: Debug and up when verbose, Warn and up otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Logger returns the command logger, discarding output when none was set.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}

// LoadConfig returns the injected config or resolves one from the env file
// and environment. The result is not yet validated: commands apply their
// flags first.
func (o *RootOptions) LoadConfig() (*config.Config, error) {
	if o.Config != nil {
		cfg := *o.Config
		return &cfg, nil
	}
	cfg, err := config.Load(o.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitInfrastructure, "load configuration", err)
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
