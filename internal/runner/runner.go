// Package runner drives a batch of test cases through isolated sandboxes:
// provision, propagate, run one session, assert, destroy.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/stopgate/internal/fault"
	"github.com/roach88/stopgate/internal/harness"
	"github.com/roach88/stopgate/internal/propagate"
	"github.com/roach88/stopgate/internal/report"
	"github.com/roach88/stopgate/internal/sandbox"
	"github.com/roach88/stopgate/internal/session"
)

// Recorder persists finished reports.
type Recorder interface {
	RecordRun(ctx context.Context, r *report.Report) error
}

// Runner executes test cases. It is safe to call Run from one goroutine at
// a time; cases within a run execute concurrently up to the pool size.
type Runner struct {
	prov     *sandbox.Provisioner
	prop     *propagate.Propagator
	exec     *session.Executor
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	newRunID func() string
}

// New wires a runner. A nil logger discards output.
func New(prov *sandbox.Provisioner, prop *propagate.Propagator, exec *session.Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		prov:     prov,
		prop:     prop,
		exec:     exec,
		logger:   logger,
		now:      time.Now,
		newRunID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// SetRecorder stores every finished report in rec.
func (r *Runner) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// SetClock replaces the wall clock, for tests.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// SetIDGenerator replaces UUIDv7 run ids, for tests.
func (r *Runner) SetIDGenerator(next func() string) {
	r.newRunID = next
}

// Run executes cases against sourceRepoRoot and returns the aggregated
// report, which is never nil.
//
// A failing or errored case does not affect its siblings. Pool exhaustion or
// a provisioning failure that outlived its retries aborts the batch: cases
// still in flight are cancelled, cases not yet started are recorded as
// errored, and the abort cause is returned alongside the report.
func (r *Runner) Run(ctx context.Context, sourceRepoRoot string, cases []*harness.TestCase) (*report.Report, error) {
	runID := r.newRunID()
	started := r.now()
	logger := r.logger.With("run_id", runID)
	logger.Info("run started", "cases", len(cases), "pool_size", r.prov.Pool().Size())

	results := make([]report.CaseResult, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.prov.Pool().Size())

	for i, tc := range cases {
		i, tc := i, tc
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = report.Errored(tc.Name, aborted(context.Cause(gctx)))
				return nil
			}
			cr, err := r.runCase(gctx, logger, sourceRepoRoot, tc)
			results[i] = cr
			return err
		})
	}
	abortErr := g.Wait()
	if abortErr == nil && ctx.Err() != nil {
		abortErr = ctx.Err()
	}
	if abortErr != nil {
		logger.Error("run aborted", "error", abortErr)
	}

	rep := report.Aggregate(runID, results, started, r.now())
	logger.Info("run finished",
		"status", rep.OverallStatus,
		"passed", rep.Summary.Passed,
		"failed", rep.Summary.Failed,
		"errored", rep.Summary.Errored)

	if r.recorder != nil {
		if err := r.recorder.RecordRun(context.WithoutCancel(ctx), rep); err != nil {
			logger.Warn("record run history", "error", err)
		}
	}
	return rep, abortErr
}

// runCase runs one case end to end. The returned error is non-nil only for
// failures that should abort the batch.
func (r *Runner) runCase(ctx context.Context, logger *slog.Logger, source string, tc *harness.TestCase) (report.CaseResult, error) {
	logger = logger.With("case", tc.Name)

	inst, err := r.prov.Provision(ctx, source, TaskID(tc.Name))
	if err != nil {
		logger.Warn("provision failed", "error", err)
		cr := report.Errored(tc.Name, err)
		if fault.IsSystemic(err) {
			return cr, err
		}
		return cr, nil
	}
	defer func() {
		if err := r.prov.Destroy(context.WithoutCancel(ctx), inst); err != nil {
			logger.Warn("destroy sandbox", "sandbox_id", inst.ID, "error", err)
		}
	}()

	if _, err := r.prop.Propagate(ctx, source, inst); err != nil {
		logger.Warn("propagation failed", "sandbox_id", inst.ID, "error", err)
		cr := report.Errored(tc.Name, err)
		cr.SandboxID = inst.ID
		return cr, nil
	}

	outcome, err := r.exec.Run(ctx, inst, tc)
	var results []harness.AssertionResult
	if err == nil {
		results = harness.Evaluate(outcome, tc.Assertions)
	}
	cr := report.Score(tc.Name, outcome, results, err)
	cr.SandboxID = inst.ID
	logger.Info("case finished", "status", cr.Status, "elapsed_ms", cr.ElapsedMS)
	return cr, nil
}

// aborted is the error recorded for a case that never started because the
// batch was already cancelled.
func aborted(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	code := fault.CodeOf(cause)
	if code == "" {
		code = fault.CodeProvisioning
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return fault.Wrap(code, "run cancelled before case started", cause)
	}
	return fault.Wrap(code, "batch aborted before case started", cause)
}

// TaskID derives a checkpoint task id from a case name: lower-cased, led by
// a letter or digit, with underscores kept and every run of other
// characters collapsed to '-'.
func TaskID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case r == '_' && b.Len() > 0:
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	id := strings.TrimRight(b.String(), "-")
	if id == "" {
		return "case"
	}
	return id
}
