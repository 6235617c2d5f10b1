package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/stopgate/internal/checkpoint"
	"github.com/roach88/stopgate/internal/compiler"
	"github.com/roach88/stopgate/internal/config"
	"github.com/roach88/stopgate/internal/fault"
)

// EnvTaskID names the task when --task is absent. Sandboxes set it for
// every session they run.
const EnvTaskID = "STOPGATE_TASK_ID"

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	TaskID   string
	StateDir string
	Hook     bool
}

// hookInput is the part of a Stop hook payload the gate reads.
type hookInput struct {
	SessionID string `json:"session_id"`
}

// hookBlock is the Stop hook response that keeps the session running.
type hookBlock struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide whether a task may stop",
		Long: `Validate the task's checkpoint document against its active profile.

The task id comes from --task, then $STOPGATE_TASK_ID, then (with --hook)
the session_id of the hook payload on stdin. With no active profile the
gate is inactive and the stop is allowed. An allowed stop clears the
checkpoint document.

With --hook the command speaks the Stop hook protocol: it always exits 0,
prints {"decision":"block","reason":...} when blocked and nothing when
allowed. Any error blocks.

Exit codes:
  0 - Allowed (or --hook)
  1 - Blocked
  2 - Configuration or state directory error

Examples:
  stopgate check --task build-cli
  stopgate check --hook < payload.json
  stopgate check --task build-cli --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Hook {
				return runHookCheck(opts, cmd)
			}
			return runCheck(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id (default $STOPGATE_TASK_ID)")
	cmd.Flags().StringVar(&opts.StateDir, "state-dir", "", "state directory (default $STOPGATE_STATE_DIR or .claude/stopgate)")
	cmd.Flags().BoolVar(&opts.Hook, "hook", false, "speak the Stop hook protocol on stdin/stdout")

	return cmd
}

func runCheck(opts *CheckOptions, cmd *cobra.Command) error {
	taskID := opts.taskID()
	if taskID == "" {
		return NewExitError(ExitInfrastructure, "no task id: pass --task or set "+EnvTaskID)
	}
	decision, err := opts.decide(taskID)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	if err := f.Success(decision, func(w io.Writer) error {
		return writeDecisionText(w, decision)
	}); err != nil {
		return err
	}
	if !decision.Result.Allowed() {
		return &ExitError{Code: ExitFailure}
	}
	return nil
}

func runHookCheck(opts *CheckOptions, cmd *cobra.Command) error {
	decision, err := opts.hookDecision(cmd.InOrStdin())
	var reason string
	switch {
	case err != nil:
		opts.Logger().Error("checkpoint check failed", "error", err)
		reason = "stopgate: " + err.Error()
	case !decision.Result.Allowed():
		reason = decision.Result.Message()
	default:
		return nil
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(hookBlock{Decision: "block", Reason: reason})
}

func (o *CheckOptions) hookDecision(stdin io.Reader) (checkpoint.Decision, error) {
	taskID := o.taskID()
	if taskID == "" {
		var in hookInput
		if err := json.NewDecoder(stdin).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
			return checkpoint.Decision{}, fault.Wrap(fault.CodeSchema, "parse hook input", err)
		}
		taskID = in.SessionID
	}
	if taskID == "" {
		return checkpoint.Decision{}, fault.New(fault.CodeSchema, "no task id: hook input has no session_id")
	}
	return o.decide(taskID)
}

func (o *CheckOptions) taskID() string {
	if o.TaskID != "" {
		return o.TaskID
	}
	return os.Getenv(EnvTaskID)
}

func (o *CheckOptions) decide(taskID string) (checkpoint.Decision, error) {
	cfg, err := o.LoadConfig()
	if err != nil {
		return checkpoint.Decision{}, err
	}
	if o.StateDir != "" {
		cfg.StateDir = o.StateDir
	}
	gate, err := openGate(cfg, o.Logger())
	if err != nil {
		return checkpoint.Decision{}, err
	}
	decision, err := gate.Check(taskID)
	if err != nil {
		return decision, WrapExitError(ExitInfrastructure, "check task "+taskID, err)
	}
	return decision, nil
}

func openGate(cfg *config.Config, logger *slog.Logger) (*checkpoint.Gate, error) {
	profiles, err := compiler.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return nil, WrapExitError(ExitInfrastructure, "load profiles", fault.Wrap(fault.CodeSchema, "compile profile table", err))
	}
	gate, err := checkpoint.NewGate(cfg.StateDir, profiles, logger)
	if err != nil {
		return nil, WrapExitError(ExitInfrastructure, "open gate", err)
	}
	return gate, nil
}

func writeDecisionText(w io.Writer, d checkpoint.Decision) error {
	var err error
	switch {
	case !d.Active:
		_, err = fmt.Fprintf(w, "allowed: no profile active for task %s\n", d.TaskID)
	case d.Result.Allowed():
		_, err = fmt.Fprintf(w, "allowed: task %s satisfies profile %s\n", d.TaskID, d.Result.Profile)
	default:
		_, err = fmt.Fprintf(w, "blocked: %s\n", d.Result.Message())
	}
	return err
}
