package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stopgate/internal/fault"
	"github.com/roach88/stopgate/internal/harness"
	"github.com/roach88/stopgate/internal/report"
	"github.com/roach88/stopgate/internal/testutil"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testReport(id string, started time.Time) *report.Report {
	cases := []report.CaseResult{
		report.Score("gate_blocks",
			&harness.Outcome{Status: harness.StatusCompleted, Elapsed: 1200 * time.Millisecond},
			[]harness.AssertionResult{
				{Type: harness.AssertOutputContains, Expected: `output contains "PLAN MODE"`, Actual: "found", Passed: true},
				{Type: harness.AssertFileNotExists, Expected: "file notes.txt absent", Actual: "present", Detail: "written before the gate"},
			}, nil),
		report.Errored("no_sandbox", fault.New(fault.CodeCapacity, "sandbox pool exhausted")),
	}
	cases[0].SandboxID = "sbx-1"
	return report.Aggregate(id, cases, started, started.Add(2*time.Second))
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"runs", "case_results", "assertion_results"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.verifyPragmas())

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	assert.ErrorContains(t, err, "newer than supported")
}

func TestRecordRun_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	r := testReport("run-1", testutil.Epoch)

	require.NoError(t, s.RecordRun(ctx, r))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRecordRun_DuplicateIsNoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	r := testReport("run-1", testutil.Epoch)

	require.NoError(t, s.RecordRun(ctx, r))
	require.NoError(t, s.RecordRun(ctx, r))

	var cases int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM case_results").Scan(&cases))
	assert.Equal(t, 2, cases)
}

func TestRecordRun_RequiresRunID(t *testing.T) {
	s := createTestStore(t)

	err := s.RecordRun(context.Background(), &report.Report{})
	assert.True(t, fault.Is(err, fault.CodeAggregation))
	err = s.RecordRun(context.Background(), nil)
	assert.True(t, fault.Is(err, fault.CodeAggregation))
}

func TestRecordRun_EmptyRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	r := report.Aggregate("empty", nil, testutil.Epoch, testutil.Epoch)

	require.NoError(t, s.RecordRun(ctx, r))
	got, err := s.GetRun(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got.Cases)
	assert.NotNil(t, got.Cases)
	assert.Equal(t, report.OverallPassed, got.OverallStatus)
}

func TestListRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	empty, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	clock := testutil.NewFakeClock()
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.RecordRun(ctx, testReport(id, clock.Now())))
		clock.Advance(time.Minute)
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{"all", 0, []string{"run-c", "run-b", "run-a"}},
		{"negative means all", -5, []string{"run-c", "run-b", "run-a"}},
		{"limited", 2, []string{"run-c", "run-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.limit)
			require.NoError(t, err)
			var ids []string
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	runs, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.OverallFailed, runs[0].OverallStatus)
	assert.Equal(t, report.ExitErrored, runs[0].ExitCode)
	assert.Equal(t, report.Summary{Total: 2, Failed: 1, Errored: 1}, runs[0].Summary)
	assert.Equal(t, testutil.Epoch.Add(2*time.Minute), runs[0].StartedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStoredTimesSortLexically(t *testing.T) {
	early := formatTime(testutil.Epoch)
	late := formatTime(testutil.Epoch.Add(500 * time.Millisecond))
	assert.Less(t, early, late)
	assert.Len(t, late, len(early))

	parsed, err := parseTime(late)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(testutil.Epoch.Add(500*time.Millisecond)))
}

func TestPruneRuns(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.RecordRun(ctx, testReport(id, testutil.Epoch.Add(time.Duration(i)*time.Hour))))
	}

	removed, err := s.PruneRuns(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-c", runs[0].ID)

	var orphans int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM assertion_results WHERE run_id <> 'run-c'").Scan(&orphans))
	assert.Zero(t, orphans, "cases and assertions cascade")

	_, err = s.PruneRuns(ctx, -1)
	assert.Error(t, err)
}
