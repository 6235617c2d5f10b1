package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stopgate/internal/compiler"
)

// NewProfilesCommand creates the profiles command.
func NewProfilesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Print the effective checkpoint profiles",
		Long: `Print the checkpoint profile tables after the built-in table is unified
with $STOPGATE_PROFILES, highest precedence first.

Examples:
  stopgate profiles
  STOPGATE_PROFILES=team.cue stopgate profiles --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.LoadConfig()
			if err != nil {
				return err
			}
			profiles, err := compiler.LoadProfiles(cfg.ProfilesFile)
			if err != nil {
				return WrapExitError(ExitInfrastructure, "load profiles", err)
			}

			return rootOpts.formatter(cmd).Success(profiles, func(w io.Writer) error {
				for i, p := range profiles {
					if i > 0 {
						fmt.Fprintln(w)
					}
					fmt.Fprintf(w, "%s (precedence %d, min_done_length %d)\n", p.Name, p.Precedence, p.MinDoneLength)
					for _, name := range p.FieldNames() {
						fmt.Fprintf(w, "  %-20s %s\n", name, p.Fields[name])
					}
				}
				return nil
			})
		},
	}
	return cmd
}
