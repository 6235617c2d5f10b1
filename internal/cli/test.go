package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stopgate/internal/compiler"
	"github.com/roach88/stopgate/internal/harness"
	"github.com/roach88/stopgate/internal/report"
	"github.com/roach88/stopgate/internal/sandbox"
)

// Suites set the default case timeout for cases that omit one.
var suiteTimeouts = map[string]time.Duration{
	"smoke": 60 * time.Second,
	"full":  300 * time.Second,
}

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Source     string
	Filter     string // case name glob
	Suite      string
	Timeout    time.Duration
	ReportPath string
	PoolSize   int
	PoolPolicy string
	Model      string
	NoHistory  bool
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <cases-dir>",
		Short: "Run hook test cases in isolated sandboxes",
		Long: `Run every YAML test case under <cases-dir> in its own sandbox.

Each case gets a fresh worktree of the source repository's HEAD with the
repository's uncommitted changes applied, a private home overlay and mocked
external commands. One session runs per case and the case's assertions
score the outcome. The report is written to --report and recorded in the
run history.

Exit codes:
  0 - All cases passed
  1 - One or more cases failed an assertion or timed out
  2 - A case hit an infrastructure error, or the command failed

Examples:
  stopgate test ./hook-tests
  stopgate test ./hook-tests --filter "plan_mode_*"
  stopgate test ./hook-tests --suite smoke --pool-size 2
  stopgate test ./hook-tests --format json --report out/report.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", ".", "source repository whose hooks are under test")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "run only cases whose name matches this glob")
	cmd.Flags().StringVar(&opts.Suite, "suite", "", "suite profile setting the default case timeout (smoke|full)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "default case timeout (overrides --suite)")
	cmd.Flags().StringVar(&opts.ReportPath, "report", "", "report path (default <work-dir>/report.json)")
	cmd.Flags().IntVar(&opts.PoolSize, "pool-size", 0, "maximum concurrent sandboxes")
	cmd.Flags().StringVar(&opts.PoolPolicy, "pool-policy", "", "behavior when the pool is full (block|fail_fast)")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model passed to the claude CLI")
	cmd.Flags().BoolVar(&opts.NoHistory, "no-history", false, "do not record the run in the history database")

	return cmd
}

func runTests(opts *TestOptions, casesDir string, cmd *cobra.Command) error {
	logger := opts.Logger()

	if info, err := os.Stat(casesDir); err != nil || !info.IsDir() {
		return NewExitError(ExitInfrastructure, fmt.Sprintf("cases directory not found: %s", casesDir))
	}

	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	if opts.Suite != "" {
		timeout, ok := suiteTimeouts[opts.Suite]
		if !ok {
			return NewExitError(ExitInfrastructure, fmt.Sprintf("unknown suite %q: must be smoke or full", opts.Suite))
		}
		cfg.CaseTimeout = timeout
	}
	if opts.Timeout > 0 {
		cfg.CaseTimeout = opts.Timeout
	}
	if opts.PoolSize > 0 {
		cfg.PoolSize = opts.PoolSize
	}
	if opts.PoolPolicy != "" {
		cfg.PoolPolicy = sandbox.Policy(opts.PoolPolicy)
	}
	if opts.Model != "" {
		cfg.Model = opts.Model
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitInfrastructure, "configuration", err)
	}

	cases, err := harness.LoadTestCases(casesDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitInfrastructure, "load test cases", err)
	}
	if len(cases) == 0 {
		return NewExitError(ExitInfrastructure, "no test cases matched")
	}

	profiles, err := compiler.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return WrapExitError(ExitInfrastructure, "load profiles", err)
	}
	r, err := opts.newRunner(cfg, profiles, logger)
	if err != nil {
		return err
	}

	if !opts.NoHistory {
		history, err := openHistory(cfg)
		if err != nil {
			logger.Warn("run history unavailable", "path", cfg.HistoryPath(), "error", err)
		} else {
			defer history.Close()
			r.SetRecorder(history)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts.formatter(cmd).VerboseLog("running %d case(s) from %s against %s", len(cases), casesDir, opts.Source)
	// An aborted batch still yields a full report; its errored cases carry
	// the cause and drive the exit code.
	rep, _ := r.Run(ctx, opts.Source, cases)

	reportPath := opts.ReportPath
	if reportPath == "" {
		reportPath = cfg.ReportPath()
	}
	if err := rep.Save(reportPath); err != nil {
		return WrapExitError(ExitInfrastructure, "save report", err)
	}

	f := opts.formatter(cmd)
	if err := f.Success(rep, func(w io.Writer) error {
		if err := rep.WriteText(w); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "report: %s\n", reportPath)
		return err
	}); err != nil {
		return err
	}

	if code := rep.ExitCode(); code != report.ExitPassed {
		return &ExitError{Code: code}
	}
	return nil
}
