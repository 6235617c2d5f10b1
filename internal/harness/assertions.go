package harness

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/stopgate/internal/fault"
)

// Assertion is one typed predicate over a session outcome.
type Assertion struct {
	// Type selects the predicate. See the Assert* constants.
	Type string `yaml:"type" json:"type"`

	// Path is a worktree-relative file (file_exists, file_not_exists,
	// file_contains).
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Pattern is searched for in a file or the transcript. It is a plain
	// substring unless Regex is set.
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Regex   bool   `yaml:"regex,omitempty" json:"regex,omitempty"`

	// Document names a state document and Field a dotted path inside it
	// (state_field_equals).
	Document string `yaml:"document,omitempty" json:"document,omitempty"`
	Field    string `yaml:"field,omitempty" json:"field,omitempty"`

	// Expected is the wanted value for state_field_equals, exit_code and
	// outcome_status.
	Expected any `yaml:"expected,omitempty" json:"expected,omitempty"`
}

// Assertion type constants.
const (
	AssertFileExists        = "file_exists"
	AssertFileNotExists     = "file_not_exists"
	AssertFileContains      = "file_contains"
	AssertOutputContains    = "output_contains"
	AssertOutputNotContains = "output_not_contains"
	AssertStateFieldEquals  = "state_field_equals"
	AssertExitCode          = "exit_code"
	AssertOutcomeStatus     = "outcome_status"
)

// patterns caches compiled regular expressions across cases.
var patterns, _ = lru.New[string, *regexp.Regexp](256)

func compilePattern(expr string) (*regexp.Regexp, error) {
	if re, ok := patterns.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	patterns.Add(expr, re)
	return re, nil
}

// Evaluate scores every assertion against outcome, in order. Each one is
// evaluated independently: a failure never skips the rest. Unknown types
// fail closed.
func Evaluate(outcome *Outcome, assertions []Assertion) []AssertionResult {
	results := make([]AssertionResult, 0, len(assertions))
	for _, a := range assertions {
		results = append(results, evaluateOne(outcome, a))
	}
	return results
}

// AllPassed reports whether every result passed. An empty list passes.
func AllPassed(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// FailureError summarizes failed results as an AssertionFailure, or
// returns nil when all passed.
func FailureError(results []AssertionResult) error {
	var failed []string
	for i, r := range results {
		if r.Passed {
			continue
		}
		msg := fmt.Sprintf("[%d] %s: expected %s, got %s", i, r.Type, r.Expected, r.Actual)
		if r.Detail != "" {
			msg += " (" + r.Detail + ")"
		}
		failed = append(failed, msg)
	}
	if len(failed) == 0 {
		return nil
	}
	return fault.Newf(fault.CodeAssertion, "%d of %d assertions failed: %s",
		len(failed), len(results), strings.Join(failed, "; "))
}

func evaluateOne(outcome *Outcome, a Assertion) AssertionResult {
	if outcome == nil {
		return AssertionResult{Type: a.Type, Expected: describe(a), Actual: "no outcome", Detail: "session produced no outcome"}
	}

	switch a.Type {
	case AssertFileExists:
		_, ok := outcome.File(a.Path)
		return AssertionResult{
			Type:     a.Type,
			Expected: fmt.Sprintf("file %s exists", a.Path),
			Actual:   presence(ok),
			Passed:   ok,
		}

	case AssertFileNotExists:
		_, ok := outcome.File(a.Path)
		return AssertionResult{
			Type:     a.Type,
			Expected: fmt.Sprintf("file %s absent", a.Path),
			Actual:   presence(ok),
			Passed:   !ok,
		}

	case AssertFileContains:
		content, ok := outcome.File(a.Path)
		r := AssertionResult{Type: a.Type, Expected: fmt.Sprintf("%s contains %q", a.Path, a.Pattern)}
		if !ok {
			r.Actual = "file missing"
			return r
		}
		found, err := contains(content, a)
		if err != nil {
			r.Actual = "invalid pattern"
			r.Detail = err.Error()
			return r
		}
		r.Passed = found
		r.Actual = foundText(found)
		return r

	case AssertOutputContains, AssertOutputNotContains:
		want := a.Type == AssertOutputContains
		r := AssertionResult{Type: a.Type}
		if want {
			r.Expected = fmt.Sprintf("transcript contains %q", a.Pattern)
		} else {
			r.Expected = fmt.Sprintf("transcript lacks %q", a.Pattern)
		}
		found, err := contains(outcome.Transcript.Text(), a)
		if err != nil {
			r.Actual = "invalid pattern"
			r.Detail = err.Error()
			return r
		}
		r.Passed = found == want
		r.Actual = foundText(found)
		return r

	case AssertStateFieldEquals:
		return stateFieldEquals(outcome, a)

	case AssertExitCode:
		expected := scalarString(a.Expected)
		actual := strconv.Itoa(outcome.ExitCode)
		return AssertionResult{
			Type:     a.Type,
			Expected: expected,
			Actual:   actual,
			Passed:   valuesEqual(expected, actual),
			Detail:   outcomeDetail(outcome),
		}

	case AssertOutcomeStatus:
		expected := scalarString(a.Expected)
		return AssertionResult{
			Type:     a.Type,
			Expected: expected,
			Actual:   string(outcome.Status),
			Passed:   expected == string(outcome.Status),
			Detail:   outcomeDetail(outcome),
		}

	default:
		return AssertionResult{
			Type:     a.Type,
			Expected: "a known assertion type",
			Actual:   "unknown type " + strconv.Quote(a.Type),
			Detail:   "unrecognized assertions fail closed",
		}
	}
}

func stateFieldEquals(outcome *Outcome, a Assertion) AssertionResult {
	r := AssertionResult{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s:%s = %s", a.Document, a.Field, scalarString(a.Expected)),
	}
	doc, ok := outcome.States[a.Document]
	if !ok {
		r.Actual = "document missing"
		return r
	}
	value, ok := lookupField(doc, a.Field)
	if !ok {
		r.Actual = "field missing"
		return r
	}
	actual := scalarString(value)
	r.Actual = actual
	r.Passed = valuesEqual(scalarString(a.Expected), actual)
	return r
}

// lookupField walks a dotted path through nested objects.
func lookupField(doc map[string]any, field string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// valuesEqual compares numerically when both sides parse as finite
// numbers and as exact strings otherwise. NaN and infinities compare as
// text so that "NaN" still equals "NaN".
func valuesEqual(expected, actual string) bool {
	e, errE := strconv.ParseFloat(expected, 64)
	a, errA := strconv.ParseFloat(actual, 64)
	if errE == nil && errA == nil && finite(e) && finite(a) {
		return e == a
	}
	return expected == actual
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// scalarString renders a decoded YAML or JSON value for comparison.
func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func contains(text string, a Assertion) (bool, error) {
	if !a.Regex {
		return strings.Contains(text, a.Pattern), nil
	}
	re, err := compilePattern(a.Pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(text), nil
}

func describe(a Assertion) string {
	switch {
	case a.Path != "":
		return a.Path
	case a.Pattern != "":
		return strconv.Quote(a.Pattern)
	default:
		return scalarString(a.Expected)
	}
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "absent"
}

func foundText(found bool) string {
	if found {
		return "found"
	}
	return "not found"
}

func outcomeDetail(o *Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return ""
}
