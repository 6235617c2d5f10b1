package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/stopgate/internal/fault"
	"github.com/roach88/stopgate/internal/harness"
	"github.com/roach88/stopgate/internal/report"
)

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// RunSummary is one row of the run listing.
type RunSummary struct {
	ID            string               `json:"run_id"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	OverallStatus report.OverallStatus `json:"overall_status"`
	Summary       report.Summary       `json:"summary"`
	ExitCode      int                  `json:"exit_code"`
}

// RecordRun stores a report in one transaction. Recording a run id that is
// already present is a no-op.
func (s *Store) RecordRun(ctx context.Context, r *report.Report) error {
	if r == nil || r.RunID == "" {
		return fault.New(fault.CodeAggregation, "record run: report has no run id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CodeAggregation, "record run", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, started_at, finished_at, overall_status, total, passed, failed, errored, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.RunID,
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
		string(r.OverallStatus),
		r.Summary.Total,
		r.Summary.Passed,
		r.Summary.Failed,
		r.Summary.Errored,
		r.ExitCode(),
	)
	if err != nil {
		return fault.Wrap(fault.CodeAggregation, "record run", err).With("run_id", r.RunID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	for i, c := range r.Cases {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO case_results
			(run_id, ordinal, name, status, outcome, exit_code, elapsed_ms, sandbox_id, error, error_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.RunID, i, c.Name, string(c.Status), string(c.Outcome),
			c.ExitCode, c.ElapsedMS, c.SandboxID, c.Error, string(c.ErrorCode),
		)
		if err != nil {
			return fault.Wrap(fault.CodeAggregation, "record case", err).With("run_id", r.RunID).With("case", c.Name)
		}
		for j, a := range c.Assertions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO assertion_results
				(run_id, case_ordinal, ordinal, type, expected, actual, passed, detail)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				r.RunID, i, j, a.Type, a.Expected, a.Actual, a.Passed, a.Detail,
			)
			if err != nil {
				return fault.Wrap(fault.CodeAggregation, "record assertion", err).With("run_id", r.RunID).With("case", c.Name)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CodeAggregation, "commit run", err).With("run_id", r.RunID)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
//
// Returns an empty slice (not nil) when no runs are recorded.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, overall_status, total, passed, failed, errored, exit_code
		FROM runs
		ORDER BY started_at DESC, id COLLATE BINARY DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes every run except the newest keep, in ListRuns order,
// and returns how many were removed. keep must not be negative.
func (s *Store) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs
			ORDER BY started_at DESC, id COLLATE BINARY DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// GetRun rebuilds a recorded report, cases and assertions in their
// original order.
func (s *Store) GetRun(ctx context.Context, id string) (*report.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, overall_status, total, passed, failed, errored, exit_code
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}

	r := &report.Report{
		RunID:         run.ID,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		Summary:       run.Summary,
		OverallStatus: run.OverallStatus,
		Cases:         []report.CaseResult{},
	}

	cases, err := s.db.QueryContext(ctx, `
		SELECT name, status, outcome, exit_code, elapsed_ms, sandbox_id, error, error_code
		FROM case_results WHERE run_id = ?
		ORDER BY ordinal ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer cases.Close()
	for cases.Next() {
		var (
			c                        report.CaseResult
			status, outcome, errCode string
		)
		if err := cases.Scan(&c.Name, &status, &outcome, &c.ExitCode, &c.ElapsedMS, &c.SandboxID, &c.Error, &errCode); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		c.Status = report.CaseStatus(status)
		c.Outcome = harness.Status(outcome)
		c.ErrorCode = fault.Code(errCode)
		c.Assertions = []harness.AssertionResult{}
		r.Cases = append(r.Cases, c)
	}
	if err := cases.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}

	assertions, err := s.db.QueryContext(ctx, `
		SELECT case_ordinal, type, expected, actual, passed, detail
		FROM assertion_results WHERE run_id = ?
		ORDER BY case_ordinal ASC, ordinal ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query assertions: %w", err)
	}
	defer assertions.Close()
	for assertions.Next() {
		var (
			caseOrdinal int
			a           harness.AssertionResult
		)
		if err := assertions.Scan(&caseOrdinal, &a.Type, &a.Expected, &a.Actual, &a.Passed, &a.Detail); err != nil {
			return nil, fmt.Errorf("scan assertion: %w", err)
		}
		if caseOrdinal < 0 || caseOrdinal >= len(r.Cases) {
			return nil, fmt.Errorf("assertion references missing case %d", caseOrdinal)
		}
		r.Cases[caseOrdinal].Assertions = append(r.Cases[caseOrdinal].Assertions, a)
	}
	if err := assertions.Err(); err != nil {
		return nil, fmt.Errorf("iterate assertions: %w", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var (
		run               RunSummary
		started, finished string
		status            string
	)
	err := row.Scan(&run.ID, &started, &finished, &status,
		&run.Summary.Total, &run.Summary.Passed, &run.Summary.Failed, &run.Summary.Errored,
		&run.ExitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return run, err
	}
	if err != nil {
		return run, fmt.Errorf("scan run: %w", err)
	}
	run.OverallStatus = report.OverallStatus(status)
	if run.StartedAt, err = parseTime(started); err != nil {
		return run, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return run, err
	}
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
