package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stopgate/internal/fault"
)

func sampleOutcome() *Outcome {
	return &Outcome{
		Case:     "sample",
		Status:   StatusCompleted,
		ExitCode: 0,
		Transcript: Transcript{
			Stdout: "PLAN MODE active\n",
			Events: []Event{{Type: "assistant", Text: "I cannot write files yet."}},
		},
		Files: map[string]string{
			"notes.txt":   "hello world\n",
			"src/main.go": "package main\n",
		},
		States: map[string]map[string]any{
			"workflow.json": {
				"planning_complete": false,
				"attempts":          float64(3),
				"phase":             map[string]any{"name": "planning"},
				"version":           "007",
				"ratio":             "NaN",
				"ceiling":           "Inf",
			},
		},
	}
}

func TestEvaluate_Golden(t *testing.T) {
	results := Evaluate(sampleOutcome(), []Assertion{
		{Type: AssertFileExists, Path: "notes.txt"},
		{Type: AssertFileNotExists, Path: "notes.txt"},
		{Type: AssertOutputContains, Pattern: "PLAN MODE"},
		{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "attempts", Expected: 3},
		{Type: AssertExitCode, Expected: 1},
		{Type: "file_smells", Path: "notes.txt"},
	})

	AssertGolden(t, "evaluate_mixed", results)
}

func TestEvaluate_Kinds(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		passed    bool
	}{
		{"file exists", Assertion{Type: AssertFileExists, Path: "src/main.go"}, true},
		{"file exists dot prefix", Assertion{Type: AssertFileExists, Path: "./src/main.go"}, true},
		{"file missing", Assertion{Type: AssertFileExists, Path: "nope.txt"}, false},
		{"file absent", Assertion{Type: AssertFileNotExists, Path: "nope.txt"}, true},
		{"file contains", Assertion{Type: AssertFileContains, Path: "notes.txt", Pattern: "world"}, true},
		{"file lacks", Assertion{Type: AssertFileContains, Path: "notes.txt", Pattern: "mars"}, false},
		{"contains on missing file", Assertion{Type: AssertFileContains, Path: "gone.txt", Pattern: "x"}, false},
		{"file regex", Assertion{Type: AssertFileContains, Path: "notes.txt", Pattern: `^hello\s+w`, Regex: true}, true},
		{"output contains event text", Assertion{Type: AssertOutputContains, Pattern: "cannot write"}, true},
		{"output contains stdout", Assertion{Type: AssertOutputContains, Pattern: "PLAN MODE"}, true},
		{"output not contains", Assertion{Type: AssertOutputNotContains, Pattern: "deployed"}, true},
		{"output not contains violated", Assertion{Type: AssertOutputNotContains, Pattern: "PLAN"}, false},
		{"output regex", Assertion{Type: AssertOutputContains, Pattern: `PLAN\s+MODE`, Regex: true}, true},
		{"state bool", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "planning_complete", Expected: false}, true},
		{"state bool mismatch", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "planning_complete", Expected: true}, false},
		{"state numeric", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "attempts", Expected: "3.0"}, true},
		{"state numeric string both sides", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "version", Expected: 7}, true},
		{"state string exact", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "phase.name", Expected: "planning"}, true},
		{"state string case differs", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "phase.name", Expected: "Planning"}, false},
		{"state missing field", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "phase.owner", Expected: "x"}, false},
		{"state NaN matches as text", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "ratio", Expected: "NaN"}, true},
		{"state infinity matches as text", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "ceiling", Expected: "Inf"}, true},
		{"state infinity spelling differs", Assertion{Type: AssertStateFieldEquals, Document: "workflow.json", Field: "ceiling", Expected: "+Inf"}, false},
		{"state missing document", Assertion{Type: AssertStateFieldEquals, Document: "other.json", Field: "a", Expected: "x"}, false},
		{"exit code", Assertion{Type: AssertExitCode, Expected: 0}, true},
		{"exit code mismatch", Assertion{Type: AssertExitCode, Expected: 2}, false},
		{"outcome status", Assertion{Type: AssertOutcomeStatus, Expected: "completed"}, true},
		{"outcome status mismatch", Assertion{Type: AssertOutcomeStatus, Expected: "timed_out"}, false},
		{"unknown type fails closed", Assertion{Type: "trace_contains"}, false},
		{"invalid regex fails", Assertion{Type: AssertOutputContains, Pattern: "([", Regex: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := Evaluate(sampleOutcome(), []Assertion{tt.assertion})
			require.Len(t, results, 1)
			assert.Equal(t, tt.passed, results[0].Passed, "%+v", results[0])
			assert.Equal(t, tt.assertion.Type, results[0].Type)
		})
	}
}

func TestEvaluate_NoShortCircuit(t *testing.T) {
	results := Evaluate(sampleOutcome(), []Assertion{
		{Type: "bogus"},
		{Type: AssertFileExists, Path: "missing"},
		{Type: AssertFileExists, Path: "notes.txt"},
	})

	require.Len(t, results, 3)
	assert.False(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.True(t, results[2].Passed, "later assertions still evaluated")
	assert.False(t, AllPassed(results))
}

func TestEvaluate_NilOutcome(t *testing.T) {
	results := Evaluate(nil, []Assertion{{Type: AssertExitCode, Expected: 0}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "no outcome", results[0].Actual)
}

func TestEvaluate_TimedOutDetail(t *testing.T) {
	outcome := &Outcome{Status: StatusTimedOut, ExitCode: -1, Err: errors.New("session exceeded 1s")}
	results := Evaluate(outcome, []Assertion{{Type: AssertOutcomeStatus, Expected: "completed"}})

	assert.False(t, results[0].Passed)
	assert.Equal(t, "timed_out", results[0].Actual)
	assert.Equal(t, "session exceeded 1s", results[0].Detail)
}

func TestAllPassed_Empty(t *testing.T) {
	assert.True(t, AllPassed(nil))
}

func TestFailureError(t *testing.T) {
	assert.NoError(t, FailureError([]AssertionResult{{Type: AssertExitCode, Passed: true}}))

	err := FailureError([]AssertionResult{
		{Type: AssertExitCode, Passed: true},
		{Type: AssertFileNotExists, Expected: "file notes.txt absent", Actual: "present"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeAssertion))
	assert.Contains(t, err.Error(), "1 of 2 assertions failed")
	assert.Contains(t, err.Error(), "[1] file_not_exists: expected file notes.txt absent, got present")
}

func TestTranscript_Text(t *testing.T) {
	tr := Transcript{
		Stdout: "raw\n",
		Stderr: "warn",
		Events: []Event{{Type: "assistant", Text: "one"}, {Type: "system"}, {Type: "result", Text: "two"}},
	}
	assert.Equal(t, "one\ntwo\nraw\n\nwarn", tr.Text())
}
