package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stopgate/internal/checkpoint"
	"github.com/roach88/stopgate/internal/fault"
	"github.com/roach88/stopgate/internal/harness"
	"github.com/roach88/stopgate/internal/propagate"
	"github.com/roach88/stopgate/internal/report"
	"github.com/roach88/stopgate/internal/sandbox"
	"github.com/roach88/stopgate/internal/session"
	"github.com/roach88/stopgate/internal/testutil"
)

type fakeLister struct {
	changes []propagate.Change
	err     error
}

func (f fakeLister) Changes(ctx context.Context, tree string) ([]propagate.Change, error) {
	return f.changes, f.err
}

type memRecorder struct {
	mu      sync.Mutex
	reports []*report.Report
	err     error
}

func (m *memRecorder) RecordRun(ctx context.Context, r *report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return m.err
}

type fixture struct {
	runner *Runner
	prov   *sandbox.Provisioner
	source string
}

type fixtureOptions struct {
	poolSize int
	policy   sandbox.Policy
	lister   propagate.ChangeLister
	launcher session.Launcher
}

var testProfiles = []checkpoint.Profile{{
	Name:          "minimal",
	Precedence:    10,
	MinDoneLength: 10,
	Fields: map[string]checkpoint.Requirement{
		"tests_pass": {Kind: checkpoint.Required},
	},
}}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.poolSize == 0 {
		opts.poolSize = 2
	}
	if opts.policy == "" {
		opts.policy = sandbox.PolicyBlock
	}
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "feature.txt"), []byte("uncommitted work\n"), 0o644))
	if opts.lister == nil {
		opts.lister = fakeLister{changes: []propagate.Change{{Path: "feature.txt"}}}
	}

	wt := testutil.NewMemWorktrees()
	wt.Seed = map[string]string{"README.md": "committed\n"}
	prov := sandbox.NewProvisioner(sandbox.Options{Root: t.TempDir(), Backoff: time.Millisecond},
		sandbox.NewPool(opts.poolSize, opts.policy), sandbox.NewRegistry(wt), sandbox.NoMocks{}, nil)
	prov.SetIDGenerator(testutil.NewSequentialIDs("sbx").Next)

	prop, err := propagate.New(opts.lister, propagate.DefaultDenyGlobs, nil)
	require.NoError(t, err)
	exec := session.NewExecutor(opts.launcher, session.FileSeeder{Profiles: testProfiles},
		session.Options{Grace: 100 * time.Millisecond}, nil)

	r := New(prov, prop, exec, nil)
	r.SetIDGenerator(testutil.NewSequentialIDs("run").Next)
	r.SetClock(testutil.NewFakeClock().Now)
	return &fixture{runner: r, prov: prov, source: source}
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

func streamResult(text string) []byte {
	return []byte(fmt.Sprintf(`{"type":"result","subtype":"success","result":%q,"is_error":false}`+"\n", text))
}

// echoLauncher answers every prompt with a result event echoing it.
var echoLauncher = session.FuncLauncher(func(ctx context.Context, req session.LaunchRequest) (*session.LaunchResult, error) {
	return &session.LaunchResult{Stdout: streamResult("ok: " + req.Prompt)}, nil
})

// stopHook behaves like a session whose Stop hook consults the gate.
var stopHook = session.FuncLauncher(func(ctx context.Context, req session.LaunchRequest) (*session.LaunchResult, error) {
	gate, err := checkpoint.NewGate(envValue(req.Env, "STOPGATE_STATE_DIR"), testProfiles, nil)
	if err != nil {
		return nil, err
	}
	decision, err := gate.Check(envValue(req.Env, "STOPGATE_TASK_ID"))
	if err != nil {
		return nil, err
	}
	var out []byte
	if !decision.Result.Allowed() {
		hook, _ := json.Marshal(map[string]string{
			"type": "system", "subtype": "hook_response", "hook_name": "Stop",
			"stdout": decision.Result.Message(),
		})
		out = append(hook, '\n')
	}
	out = append(out, streamResult("stopped")...)
	return &session.LaunchResult{Stdout: out}, nil
})

func testCase(name string, assertions ...harness.Assertion) *harness.TestCase {
	return &harness.TestCase{Name: name, Description: name, Prompt: name, Assertions: assertions}
}

func statuses(r *report.Report) []report.CaseStatus {
	var out []report.CaseStatus
	for _, c := range r.Cases {
		out = append(out, c.Status)
	}
	return out
}

func TestRun_PropagatesAndAsserts(t *testing.T) {
	f := newFixture(t, fixtureOptions{launcher: echoLauncher})
	tc := testCase("sees uncommitted work",
		harness.Assertion{Type: harness.AssertFileContains, Path: "feature.txt", Pattern: "uncommitted"},
		harness.Assertion{Type: harness.AssertFileExists, Path: "README.md"},
		harness.Assertion{Type: harness.AssertOutputContains, Pattern: "ok: sees uncommitted work"},
		harness.Assertion{Type: harness.AssertOutcomeStatus, Expected: "completed"},
	)

	rep, err := f.runner.Run(context.Background(), f.source, []*harness.TestCase{tc})
	require.NoError(t, err)

	assert.Equal(t, "run-0001", rep.RunID)
	assert.Equal(t, report.OverallPassed, rep.OverallStatus)
	require.Len(t, rep.Cases, 1)
	assert.Equal(t, report.CasePassed, rep.Cases[0].Status, "%+v", rep.Cases[0].Assertions)
	assert.Equal(t, "sbx-0001", rep.Cases[0].SandboxID)
	assert.Len(t, rep.Cases[0].Assertions, 4)

	assert.Zero(t, f.prov.Live(), "every sandbox destroyed")
	assert.Zero(t, f.prov.Pool().InUse(), "every permit released")
}

func TestRun_CheckpointGate(t *testing.T) {
	incomplete := map[string]any{
		"self_report": map[string]any{"is_job_complete": false, "tests_pass": false},
		"reflection":  map[string]any{"what_was_done": "scaffolded the command", "what_remains": "wire the flags"},
	}
	complete := map[string]any{
		"self_report": map[string]any{"is_job_complete": true, "tests_pass": true},
		"reflection":  map[string]any{"what_was_done": "implemented and tested the command", "what_remains": "none"},
	}

	blocked := testCase("gate blocks incomplete work",
		harness.Assertion{Type: harness.AssertOutputContains, Pattern: "checkpoint blocked by profile minimal"},
		harness.Assertion{Type: harness.AssertOutputContains, Pattern: "tests_pass"},
	)
	blocked.Setup = harness.Setup{Profile: "minimal", Checkpoint: incomplete}

	allowed := testCase("gate allows complete work",
		harness.Assertion{Type: harness.AssertOutputNotContains, Pattern: "checkpoint blocked"},
	)
	allowed.Setup = harness.Setup{Profile: "minimal", Checkpoint: complete}

	inactive := testCase("gate inactive without marker",
		harness.Assertion{Type: harness.AssertOutputNotContains, Pattern: "checkpoint blocked"},
	)

	f := newFixture(t, fixtureOptions{launcher: stopHook})
	rep, err := f.runner.Run(context.Background(), f.source, []*harness.TestCase{blocked, allowed, inactive})
	require.NoError(t, err)

	for _, c := range rep.Cases {
		assert.Equal(t, report.CasePassed, c.Status, "%s: %s", c.Name, c.Error)
	}
	assert.Equal(t, report.ExitPassed, rep.ExitCode())
}

func TestRun_IsolatesFailures(t *testing.T) {
	launcher := session.FuncLauncher(func(ctx context.Context, req session.LaunchRequest) (*session.LaunchResult, error) {
		switch req.Prompt {
		case "slow":
			<-ctx.Done()
			return &session.LaunchResult{}, ctx.Err()
		case "broken":
			return nil, errors.New("claude: executable file not found")
		}
		return &session.LaunchResult{Stdout: streamResult("done")}, nil
	})
	f := newFixture(t, fixtureOptions{launcher: launcher})

	slow := testCase("slow")
	slow.Timeout = harness.Duration(50 * time.Millisecond)
	cases := []*harness.TestCase{
		testCase("passes", harness.Assertion{Type: harness.AssertOutputContains, Pattern: "done"}),
		testCase("fails", harness.Assertion{Type: harness.AssertFileExists, Path: "never-written.txt"}),
		slow,
		testCase("broken", harness.Assertion{Type: harness.AssertExitCode, Expected: 0}),
	}
	slow.Assertions = []harness.Assertion{{Type: harness.AssertOutcomeStatus, Expected: "completed"}}

	rep, err := f.runner.Run(context.Background(), f.source, cases)
	require.NoError(t, err, "case failures never abort the batch")

	assert.Equal(t, []report.CaseStatus{report.CasePassed, report.CaseFailed, report.CaseFailed, report.CaseErrored}, statuses(rep))
	assert.Equal(t, fault.CodeAssertion, rep.Cases[1].ErrorCode)
	assert.Equal(t, fault.CodeTimeout, rep.Cases[2].ErrorCode)
	assert.Equal(t, fault.CodeProvisioning, rep.Cases[3].ErrorCode)
	assert.Equal(t, report.Summary{Total: 4, Passed: 1, Failed: 2, Errored: 1}, rep.Summary)
	assert.Equal(t, report.ExitErrored, rep.ExitCode())
	assert.Zero(t, f.prov.Live())
}

func TestRun_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	launcher := session.FuncLauncher(func(ctx context.Context, req session.LaunchRequest) (*session.LaunchResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return &session.LaunchResult{Stdout: streamResult("done")}, nil
	})
	f := newFixture(t, fixtureOptions{poolSize: 2, launcher: launcher})

	var cases []*harness.TestCase
	for i := 0; i < 6; i++ {
		cases = append(cases, testCase(fmt.Sprintf("case %d", i), harness.Assertion{Type: harness.AssertExitCode, Expected: 0}))
	}

	rep, err := f.runner.Run(context.Background(), f.source, cases)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Summary.Passed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for i, c := range rep.Cases {
		assert.Equal(t, fmt.Sprintf("case %d", i), c.Name, "report keeps input order")
	}
}

func TestRun_CapacityAbortsBatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{poolSize: 1, policy: sandbox.PolicyFailFast, launcher: echoLauncher})
	release, err := f.prov.Pool().Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	cases := []*harness.TestCase{testCase("a"), testCase("b"), testCase("c")}
	rep, err := f.runner.Run(context.Background(), f.source, cases)

	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeCapacity))
	require.Len(t, rep.Cases, 3, "aborted cases are recorded, not dropped")
	for _, c := range rep.Cases {
		assert.Equal(t, report.CaseErrored, c.Status)
		assert.Equal(t, fault.CodeCapacity, c.ErrorCode)
	}
	assert.Equal(t, report.ExitErrored, rep.ExitCode())
}

func TestRun_ParentCancelled(t *testing.T) {
	f := newFixture(t, fixtureOptions{launcher: echoLauncher})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := f.runner.Run(ctx, f.source, []*harness.TestCase{testCase("a"), testCase("b")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []report.CaseStatus{report.CaseErrored, report.CaseErrored}, statuses(rep))
	assert.Contains(t, rep.Cases[0].Error, "run cancelled")
	assert.Zero(t, f.prov.Live())
}

func TestRun_PropagationFailureIsolated(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		lister:   fakeLister{err: errors.New("git status: not a git repository")},
		launcher: echoLauncher,
	})

	rep, err := f.runner.Run(context.Background(), f.source, []*harness.TestCase{testCase("a"), testCase("b")})
	require.NoError(t, err)
	for _, c := range rep.Cases {
		assert.Equal(t, report.CaseErrored, c.Status)
		assert.Equal(t, fault.CodePropagation, c.ErrorCode)
		assert.NotEmpty(t, c.SandboxID)
	}
	assert.Zero(t, f.prov.Live())
}

func TestRun_EmptyBatchPassesVacuously(t *testing.T) {
	f := newFixture(t, fixtureOptions{launcher: echoLauncher})

	rep, err := f.runner.Run(context.Background(), f.source, nil)
	require.NoError(t, err)
	assert.Equal(t, report.OverallPassed, rep.OverallStatus)
	assert.Empty(t, rep.Cases)
}

func TestRun_RecordsHistory(t *testing.T) {
	f := newFixture(t, fixtureOptions{launcher: echoLauncher})
	rec := &memRecorder{err: errors.New("disk full")}
	f.runner.SetRecorder(rec)

	rep, err := f.runner.Run(context.Background(), f.source, []*harness.TestCase{testCase("a")})
	require.NoError(t, err, "history failures do not fail the run")
	require.Len(t, rec.reports, 1)
	assert.Same(t, rep, rec.reports[0])
}

func TestTaskID(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"gate_blocks", "gate_blocks"},
		{"Gate Blocks Incomplete", "gate-blocks-incomplete"},
		{"plan mode: write refused!", "plan-mode-write-refused"},
		{"__leading", "leading"},
		{"a//b", "a-b"},
		{"!!!", "case"},
		{"", "case"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaskID(tt.name))
		})
	}
}
