package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/stopgate/internal/fault"
	"github.com/roach88/stopgate/internal/harness"
	"github.com/roach88/stopgate/internal/sandbox"
)

// Options configures an Executor.
type Options struct {
	// DefaultTimeout applies when a case sets none.
	DefaultTimeout time.Duration

	// Grace is how long the executor waits for a cancelled launcher to
	// return before abandoning it.
	Grace time.Duration

	// HeartbeatEvery refreshes the sandbox liveness marker while a session
	// runs. Zero disables it.
	HeartbeatEvery time.Duration

	// SnapshotLimit caps the bytes captured per file.
	SnapshotLimit int64
}

// Default option values.
const (
	DefaultTimeout       = 5 * time.Minute
	DefaultGrace         = 2 * time.Second
	DefaultHeartbeat     = 30 * time.Second
	DefaultSnapshotLimit = 1 << 20
)

// Executor runs sessions.
type Executor struct {
	launcher Launcher
	seeder   Seeder
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor wires an executor. Zero options take defaults; a nil logger
// discards output.
func NewExecutor(launcher Launcher, seeder Seeder, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = DefaultSnapshotLimit
	}
	return &Executor{launcher: launcher, seeder: seeder, opts: opts, logger: logger, now: time.Now}
}

// Timeout returns the effective timeout for tc.
func (e *Executor) Timeout(tc *harness.TestCase) time.Duration {
	if d := tc.Timeout.Std(); d > 0 {
		return d
	}
	return e.opts.DefaultTimeout
}

type launchDone struct {
	result *LaunchResult
	err    error
}

// Run seeds inst, runs exactly one session for tc and captures the outcome.
//
// The returned outcome is never nil. A timed-out session is a timed_out
// outcome with a nil error: the case failed, the infrastructure did not.
// Errors are returned only for errored outcomes, with the same value in
// Outcome.Err.
func (e *Executor) Run(ctx context.Context, inst *sandbox.Instance, tc *harness.TestCase) (*harness.Outcome, error) {
	logger := e.logger.With("case", tc.Name, "sandbox_id", inst.ID)
	outcome := &harness.Outcome{Case: tc.Name, ExitCode: -1}

	// Seed while the instance is locked in ready so propagation cannot
	// interleave with it.
	if err := inst.WithReady(func() error { return e.seeder.Seed(inst, tc) }); err != nil {
		return e.errored(inst, outcome, fault.Wrap(fault.CodeProvisioning, "seed sandbox", err))
	}
	if err := inst.Transition(sandbox.StateRunning); err != nil {
		return e.errored(inst, outcome, fault.Wrap(fault.CodeProvisioning, "start session", err))
	}

	timeout := e.Timeout(tc)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := LaunchRequest{Dir: inst.Worktree, Env: inst.Env(os.Environ()), Prompt: tc.Prompt}
	started := e.now()
	done := make(chan launchDone, 1)
	go func() {
		res, err := e.launcher.Launch(runCtx, req)
		done <- launchDone{result: res, err: err}
	}()
	logger.Debug("session started", "timeout_ms", timeout.Milliseconds())

	var heartbeat <-chan time.Time
	if e.opts.HeartbeatEvery > 0 {
		ticker := time.NewTicker(e.opts.HeartbeatEvery)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	var finished launchDone
	abandoned := false
wait:
	for {
		select {
		case finished = <-done:
			break wait
		case <-heartbeat:
			if err := inst.Heartbeat(e.now()); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		case <-runCtx.Done():
			cancel()
			select {
			case finished = <-done:
			case <-time.After(e.opts.Grace):
				abandoned = true
				logger.Warn("launcher ignored cancellation, abandoning it", "grace_ms", e.opts.Grace.Milliseconds())
			}
			break wait
		}
	}
	outcome.Elapsed = e.now().Sub(started)

	if finished.result != nil {
		outcome.ExitCode = finished.result.ExitCode
		outcome.Transcript = harness.Transcript{
			Stdout: string(finished.result.Stdout),
			Stderr: string(finished.result.Stderr),
			Events: ParseStream(finished.result.Stdout),
		}
	}

	switch {
	case ctx.Err() != nil:
		outcome.Status = harness.StatusErrored
		outcome.Err = fault.Wrap(fault.CodeProvisioning, "run cancelled", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Status = harness.StatusTimedOut
		outcome.Err = fault.Newf(fault.CodeTimeout, "session exceeded %s", timeout).
			With("abandoned", fmt.Sprint(abandoned))
	case finished.err != nil:
		outcome.Status = harness.StatusErrored
		outcome.Err = fault.Wrap(fault.CodeProvisioning, "launch session", finished.err)
	default:
		outcome.Status = harness.StatusCompleted
	}

	if err := inst.Transition(sandbox.State(outcome.Status)); err != nil {
		logger.Warn("record session state", "error", err)
	}
	e.capture(inst, outcome, logger)

	logger.Info("session finished",
		"status", outcome.Status,
		"exit_code", outcome.ExitCode,
		"elapsed_ms", outcome.Elapsed.Milliseconds())

	if outcome.Status == harness.StatusErrored {
		return outcome, outcome.Err
	}
	return outcome, nil
}

func (e *Executor) errored(inst *sandbox.Instance, outcome *harness.Outcome, err error) (*harness.Outcome, error) {
	outcome.Status = harness.StatusErrored
	outcome.Err = err
	inst.Transition(sandbox.StateErrored)
	e.capture(inst, outcome, e.logger)
	return outcome, err
}

// capture snapshots the worktree and the state documents. Capture problems
// are logged, not fatal: a partial snapshot still helps diagnose a run.
func (e *Executor) capture(inst *sandbox.Instance, outcome *harness.Outcome, logger *slog.Logger) {
	files, err := Snapshot(inst.Worktree, e.opts.SnapshotLimit)
	if err != nil {
		logger.Warn("snapshot worktree", "error", err)
	}
	outcome.Files = files

	states, err := StateDocuments(inst.StateDir)
	if err != nil {
		logger.Warn("read state documents", "error", err)
	}
	outcome.States = states
}

// Snapshot reads every file under root, skipping git metadata, keyed by
// slash-separated relative path. Each file contributes at most limit bytes.
func Snapshot(root string, limit int64) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Name() == ".git" && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = readLimited(path, limit)
		return nil
	})
	return files, err
}

func readLimited(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, _ := io.ReadAll(io.LimitReader(f, limit))
	return string(data)
}

// StateDocuments parses every *.json object under dir, keyed by relative
// name. Files that are not JSON objects are skipped.
func StateDocuments(dir string) (map[string]map[string]any, error) {
	docs := make(map[string]map[string]any)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var doc map[string]any
		if json.Unmarshal(data, &doc) != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		docs[filepath.ToSlash(rel)] = doc
		return nil
	})
	return docs, err
}
