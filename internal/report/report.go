// Package report rolls per-case results into a run report that a gating
// caller can branch on.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/stopgate/internal/fault"
	"github.com/roach88/stopgate/internal/harness"
)

// CaseStatus is the verdict for one test case.
type CaseStatus string

const (
	CasePassed  CaseStatus = "passed"
	CaseFailed  CaseStatus = "failed"
	CaseErrored CaseStatus = "errored"
)

// OverallStatus is the verdict for a run.
type OverallStatus string

const (
	OverallPassed OverallStatus = "passed"
	OverallFailed OverallStatus = "failed"
)

// Exit codes a run maps to.
const (
	ExitPassed  = 0
	ExitFailed  = 1
	ExitErrored = 2
)

// CaseResult is one test case's line in the report.
type CaseResult struct {
	Name       string                    `json:"name"`
	Status     CaseStatus                `json:"status"`
	Outcome    harness.Status            `json:"outcome,omitempty"`
	ExitCode   int                       `json:"exit_code"`
	ElapsedMS  int64                     `json:"elapsed_ms"`
	SandboxID  string                    `json:"sandbox_id,omitempty"`
	Assertions []harness.AssertionResult `json:"assertions"`
	Error      string                    `json:"error,omitempty"`
	ErrorCode  fault.Code                `json:"error_code,omitempty"`
}

// Summary counts cases by status.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
}

// Report is a persisted run result.
type Report struct {
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Cases         []CaseResult  `json:"cases"`
	Summary       Summary       `json:"summary"`
	OverallStatus OverallStatus `json:"overall_status"`
}

// Score turns a finished session into a case result.
//
// A non-nil err (or an errored outcome) is an errored case. A timed-out
// session is a failed case: the prompt did not finish, which is a verdict
// on the behavior under test, not on the infrastructure. Otherwise the case
// passes iff every assertion passed.
func Score(name string, outcome *harness.Outcome, results []harness.AssertionResult, err error) CaseResult {
	cr := CaseResult{Name: name, Assertions: results, ExitCode: -1}
	if cr.Assertions == nil {
		cr.Assertions = []harness.AssertionResult{}
	}
	if outcome != nil {
		cr.Outcome = outcome.Status
		cr.ExitCode = outcome.ExitCode
		cr.ElapsedMS = outcome.Elapsed.Milliseconds()
		if err == nil && outcome.Status == harness.StatusErrored {
			err = outcome.Err
			if err == nil {
				err = errors.New("session errored")
			}
		}
	}

	switch {
	case err != nil:
		cr.Status = CaseErrored
		cr.Error = err.Error()
		cr.ErrorCode = fault.CodeOf(err)
	case outcome != nil && outcome.Status == harness.StatusTimedOut:
		cr.Status = CaseFailed
		cr.ErrorCode = fault.CodeTimeout
		if outcome.Err != nil {
			cr.Error = outcome.Err.Error()
		} else {
			cr.Error = "session timed out"
		}
	case !harness.AllPassed(results):
		cr.Status = CaseFailed
		failure := harness.FailureError(results)
		cr.Error = failure.Error()
		cr.ErrorCode = fault.CodeAssertion
	default:
		cr.Status = CasePassed
	}
	return cr
}

// Errored is the case result for a case that never ran.
func Errored(name string, err error) CaseResult {
	return Score(name, nil, nil, err)
}

// Aggregate builds the run report. Overall status is passed iff every case
// passed; an errored case always fails the run.
func Aggregate(runID string, cases []CaseResult, startedAt, finishedAt time.Time) *Report {
	r := &Report{
		RunID:      runID,
		StartedAt:  startedAt.UTC(),
		FinishedAt: finishedAt.UTC(),
		Cases:      cases,
	}
	if r.Cases == nil {
		r.Cases = []CaseResult{}
	}
	for _, c := range r.Cases {
		r.Summary.Total++
		switch c.Status {
		case CasePassed:
			r.Summary.Passed++
		case CaseFailed:
			r.Summary.Failed++
		default:
			r.Summary.Errored++
		}
	}
	r.OverallStatus = OverallPassed
	if r.Summary.Passed != r.Summary.Total {
		r.OverallStatus = OverallFailed
	}
	return r
}

// Passed reports whether the run passed.
func (r *Report) Passed() bool { return r.OverallStatus == OverallPassed }

// ExitCode maps the report to the CLI contract: 0 passed, 1 assertion or
// timeout failures, 2 when any case hit an infrastructure error.
func (r *Report) ExitCode() int {
	switch {
	case r.Summary.Errored > 0:
		return ExitErrored
	case !r.Passed():
		return ExitFailed
	default:
		return ExitPassed
	}
}

// Save writes the report as indented JSON through a temp file and rename,
// so readers never see a partial report.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fault.Wrap(fault.CodeAggregation, "encode report", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.CodeAggregation, "create report directory", err).With("path", path)
	}
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fault.Wrap(fault.CodeAggregation, "create report", err).With("path", path)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeAggregation, "write report", cause).With("path", path)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeAggregation, "write report", err).With("path", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeAggregation, "publish report", err).With("path", path)
	}
	return nil
}

// Load reads a saved report.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "parse report", err).With("path", path)
	}
	return &r, nil
}

// WriteText renders a human-readable summary.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	for _, c := range r.Cases {
		mark := "✓"
		switch c.Status {
		case CaseFailed:
			mark = "✗"
		case CaseErrored:
			mark = "!"
		}
		fmt.Fprintf(&b, "%s %s (%s, %dms)\n", mark, c.Name, c.Status, c.ElapsedMS)
		for _, a := range c.Assertions {
			if a.Passed {
				continue
			}
			fmt.Fprintf(&b, "    %s: expected %s, got %s\n", a.Type, a.Expected, a.Actual)
			if a.Detail != "" {
				fmt.Fprintf(&b, "      %s\n", a.Detail)
			}
		}
		if c.Status == CaseErrored || (c.Status == CaseFailed && c.ErrorCode == fault.CodeTimeout) {
			fmt.Fprintf(&b, "    %s\n", c.Error)
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d errored of %d: %s\n",
		r.Summary.Passed, r.Summary.Failed, r.Summary.Errored, r.Summary.Total, r.OverallStatus)
	_, err := io.WriteString(w, b.String())
	return err
}
