package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ClaudeLauncher runs the claude CLI in print mode with stream-json output.
type ClaudeLauncher struct {
	// CLIPath is the claude binary. Empty means "claude" on PATH.
	CLIPath string

	// Model is passed as --model when set.
	Model string

	// ExtraArgs are appended after the built-in flags.
	ExtraArgs []string

	// WaitDelay bounds how long Launch waits for output pipes to close
	// after the process group is killed. Zero means one second.
	WaitDelay time.Duration
}

// Launch runs one session. The prompt goes in on stdin. The CLI and every
// process it spawns share a new process group, and cancellation kills the
// whole group with SIGKILL.
//
// A non-zero exit is not an error: it is reported in ExitCode. Launch
// returns an error when the CLI cannot start or ctx ended the run, in
// which case the partial output is still returned.
func (c ClaudeLauncher) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	bin := c.CLIPath
	if bin == "" {
		bin = "claude"
	}
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	args = append(args, c.ExtraArgs...)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}
	killProcessGroup(cmd)

	err := cmd.Run()
	result := &LaunchResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return result, fmt.Errorf("run %s: %w", bin, err)
	}
	return result, nil
}
