package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	Source string
}

// PruneResult lists reclaimed sandboxes.
type PruneResult struct {
	Reclaimed []string `json:"reclaimed"`
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Reclaim sandboxes left behind by crashed runs",
		Long: `Destroy sandboxes whose owning process is gone or whose heartbeat is
older than the staleness timeout, and remove their worktree registrations.

Examples:
  stopgate prune
  stopgate prune --source ../app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", ".", "source repository the sandboxes were created from")

	return cmd
}

func runPrune(opts *PruneOptions, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitInfrastructure, "configuration", err)
	}
	prov, err := opts.newProvisioner(cfg, opts.Logger())
	if err != nil {
		return err
	}

	reclaimed, err := prov.Prune(cmd.Context(), opts.Source)
	if reclaimed == nil {
		reclaimed = []string{}
	}
	if err != nil {
		return WrapExitError(ExitInfrastructure, fmt.Sprintf("prune (%d reclaimed before failure)", len(reclaimed)), err)
	}

	return opts.formatter(cmd).Success(PruneResult{Reclaimed: reclaimed}, func(w io.Writer) error {
		if len(reclaimed) == 0 {
			_, err := fmt.Fprintln(w, "No stale sandboxes.")
			return err
		}
		for _, id := range reclaimed {
			if _, err := fmt.Fprintf(w, "reclaimed %s\n", id); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(w, "%d sandbox(es) reclaimed\n", len(reclaimed))
		return err
	})
}
