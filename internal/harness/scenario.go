package harness

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"
	"gopkg.in/yaml.v3"

	"github.com/roach88/stopgate/internal/fault"
)

// TestCase is one harness scenario: seed a sandbox, run a prompt, assert on
// what happened.
type TestCase struct {
	// Name uniquely identifies this case within a suite.
	Name string `yaml:"name" json:"name"`

	// Description explains what the case validates.
	Description string `yaml:"description" json:"description"`

	// Prompt is submitted to the launched session.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Setup is applied inside the sandbox before the session starts.
	Setup Setup `yaml:"setup,omitempty" json:"setup"`

	// Assertions are evaluated in order against the session outcome.
	Assertions []Assertion `yaml:"assertions" json:"assertions"`

	// Timeout bounds the session. Zero means the suite default.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Type and Target are documentation only.
	Type   string `yaml:"type,omitempty" json:"type,omitempty"`
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// File is the path the case was loaded from.
	File string `yaml:"-" json:"file,omitempty"`
}

// Setup seeds a sandbox.
type Setup struct {
	// Files maps worktree-relative paths to contents.
	Files map[string]string `yaml:"files,omitempty" json:"files,omitempty"`

	// State maps state-document names (relative to the sandbox state dir)
	// to the JSON object written there.
	State map[string]map[string]any `yaml:"state,omitempty" json:"state,omitempty"`

	// Checkpoint, when set, is written as the task's checkpoint document.
	Checkpoint map[string]any `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`

	// Profile activates a checkpoint profile for the sandbox task.
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`
}

// Duration is a YAML timeout: a bare number means seconds, a string is a Go
// duration ("90s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timeout must be a number of seconds or a duration string", node.Line)
	}
	switch node.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: timeout: %w", node.Line, err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
	default:
		parsed, err := time.ParseDuration(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: timeout: %w", node.Line, err)
		}
		*d = Duration(parsed)
	}
	if *d < 0 {
		return fmt.Errorf("line %d: timeout must not be negative", node.Line)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration as Go duration text.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// LoadTestCase reads and parses a test case YAML file. Unknown keys are
// rejected. Every problem is a SchemaError.
func LoadTestCase(path string) (*TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "read test case", err).With("file", path)
	}
	tc, err := ParseTestCase(data)
	if err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "invalid test case", err).With("file", path)
	}
	tc.File = path
	return tc, nil
}

// ParseTestCase decodes a test case document.
func ParseTestCase(data []byte) (*TestCase, error) {
	var tc TestCase
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&tc); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := validateTestCase(&tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// LoadTestCases loads every .yaml/.yml file under dir, sorted by path.
// A non-empty filter keeps only cases whose name matches the glob.
// Duplicate names are rejected.
func LoadTestCases(dir, filter string) ([]*TestCase, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.CodeSchema, "scan test case directory", err).With("dir", dir)
	}
	sort.Strings(paths)

	seen := make(map[string]string)
	cases := make([]*TestCase, 0, len(paths))
	for _, path := range paths {
		tc, err := LoadTestCase(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[tc.Name]; dup {
			return nil, fault.Newf(fault.CodeSchema, "duplicate test case name %q", tc.Name).
				With("file", path).With("first", prev)
		}
		seen[tc.Name] = path

		if filter != "" {
			ok, err := doublestar.Match(filter, tc.Name)
			if err != nil {
				return nil, fault.Wrap(fault.CodeSchema, "invalid filter", err).With("filter", filter)
			}
			if !ok {
				continue
			}
		}
		cases = append(cases, tc)
	}
	return cases, nil
}

// validateTestCase checks that required fields are present and every
// known assertion carries its parameters. Unknown assertion types are left
// for Evaluate, which fails them closed.
func validateTestCase(tc *TestCase) error {
	if tc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if tc.Description == "" {
		return fmt.Errorf("description is required")
	}
	if strings.TrimSpace(tc.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(tc.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for rel := range tc.Setup.Files {
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return fmt.Errorf("setup.files: %q must be a local relative path", rel)
		}
	}
	for name := range tc.Setup.State {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("setup.state: %q must be a local relative path", name)
		}
	}

	for i := range tc.Assertions {
		if err := validateAssertion(i, &tc.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFileExists, AssertFileNotExists:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for %s", index, a.Type)
		}
	case AssertFileContains:
		if a.Path == "" || a.Pattern == "" {
			return fmt.Errorf("assertions[%d]: path and pattern are required for %s", index, a.Type)
		}
	case AssertOutputContains, AssertOutputNotContains:
		if a.Pattern == "" {
			return fmt.Errorf("assertions[%d]: pattern is required for %s", index, a.Type)
		}
	case AssertStateFieldEquals:
		if a.Document == "" || a.Field == "" || a.Expected == nil {
			return fmt.Errorf("assertions[%d]: document, field and expected are required for %s", index, a.Type)
		}
	case AssertExitCode:
		if _, err := strconv.Atoi(scalarString(a.Expected)); err != nil {
			return fmt.Errorf("assertions[%d]: expected must be an integer for %s", index, a.Type)
		}
	case AssertOutcomeStatus:
		switch Status(scalarString(a.Expected)) {
		case StatusCompleted, StatusTimedOut, StatusErrored:
		default:
			return fmt.Errorf("assertions[%d]: expected must be completed, timed_out or errored for %s", index, a.Type)
		}
	}

	if a.Regex {
		if _, err := compilePattern(a.Pattern); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	}
	return nil
}
