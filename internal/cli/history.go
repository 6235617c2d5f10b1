package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/stopgate/internal/config"
	"github.com/roach88/stopgate/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
	Keep  int // negative keeps everything
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded test runs",
		Long: `List recorded test runs, newest first, or show one run in full.

Examples:
  stopgate history
  stopgate history --limit 5
  stopgate history --keep 50
  stopgate history 0192f3c4-5e6f-7a8b-9c0d-1e2f3a4b5c6d --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return showRun(opts, args[0], cmd)
			}
			return listRuns(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 for all)")
	cmd.Flags().IntVar(&opts.Keep, "keep", -1, "delete all but the newest N runs before listing")

	return cmd
}

func listRuns(opts *HistoryOptions, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	history, err := openHistory(cfg)
	if err != nil {
		return WrapExitError(ExitInfrastructure, "open run history", err)
	}
	defer history.Close()

	if opts.Keep >= 0 {
		removed, err := history.PruneRuns(cmd.Context(), opts.Keep)
		if err != nil {
			return WrapExitError(ExitInfrastructure, "prune runs", err)
		}
		opts.formatter(cmd).VerboseLog("pruned %d run(s)", removed)
	}

	runs, err := history.ListRuns(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitInfrastructure, "list runs", err)
	}

	return opts.formatter(cmd).Success(runs, func(w io.Writer) error {
		if len(runs) == 0 {
			_, err := fmt.Fprintln(w, "No runs recorded.")
			return err
		}
		for _, run := range runs {
			_, err := fmt.Fprintf(w, "%s  %s  %-6s  %d passed, %d failed, %d errored\n",
				run.ID, run.StartedAt.Format("2006-01-02 15:04:05Z"), run.OverallStatus,
				run.Summary.Passed, run.Summary.Failed, run.Summary.Errored)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func showRun(opts *HistoryOptions, runID string, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	history, err := openHistory(cfg)
	if err != nil {
		return WrapExitError(ExitInfrastructure, "open run history", err)
	}
	defer history.Close()

	rep, err := history.GetRun(cmd.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return WrapExitError(ExitInfrastructure, "read run", err)
	}
	return opts.formatter(cmd).Success(rep, rep.WriteText)
}

func openHistory(cfg *config.Config) (*store.Store, error) {
	path := cfg.HistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return store.Open(path)
}
