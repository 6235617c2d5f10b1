package harness

import (
	"path"
	"strings"
	"time"
)

// Status is how a session ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
)

// Event is one structured transcript entry.
type Event struct {
	// Type is the stream message type: system, assistant, user, result.
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Text is the human-readable content: assistant text, tool result
	// text, hook stdout, or the final result.
	Text string `json:"text,omitempty"`

	// Tool names the tool for tool_use entries.
	Tool string `json:"tool,omitempty"`

	IsError bool `json:"is_error,omitempty"`
}

// Transcript is what a session printed.
type Transcript struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr,omitempty"`
	Events []Event `json:"events,omitempty"`
}

// Text is the searchable transcript: event texts first, then raw output.
func (t Transcript) Text() string {
	var b strings.Builder
	for _, e := range t.Events {
		if e.Text != "" {
			b.WriteString(e.Text)
			b.WriteByte('\n')
		}
	}
	b.WriteString(t.Stdout)
	if t.Stderr != "" {
		b.WriteByte('\n')
		b.WriteString(t.Stderr)
	}
	return b.String()
}

// Outcome is everything captured from one session run.
type Outcome struct {
	Case       string        `json:"case"`
	Status     Status        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Transcript Transcript    `json:"transcript"`
	Elapsed    time.Duration `json:"elapsed"`

	// Files is the post-run worktree snapshot keyed by slash-separated
	// relative path. Contents of large files are truncated.
	Files map[string]string `json:"files,omitempty"`

	// States holds every JSON state document left in the sandbox state
	// dir, keyed by relative name.
	States map[string]map[string]any `json:"states,omitempty"`

	// Err explains an errored outcome.
	Err error `json:"-"`
}

// File returns the snapshot content of rel.
func (o *Outcome) File(rel string) (string, bool) {
	if o == nil {
		return "", false
	}
	content, ok := o.Files[path.Clean(strings.TrimPrefix(rel, "./"))]
	return content, ok
}

// AssertionResult is the verdict of one assertion.
type AssertionResult struct {
	Type     string `json:"type"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}
