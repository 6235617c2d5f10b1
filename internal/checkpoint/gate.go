package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/roach88/stopgate/internal/fault"
)

// validTaskID keeps task ids usable as file name components.
var validTaskID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Gate resolves the active profile for a task from marker files in a state
// directory and validates that task's checkpoint document.
//
// Layout under StateDir:
//
//	<profile>.<task>.active    marker: the profile is active for the task
//	checkpoint.<task>.json     the checkpoint document
type Gate struct {
	stateDir string
	profiles []Profile // sorted by precedence
	logger   *slog.Logger
}

// Decision is the result of Gate.Check.
type Decision struct {
	TaskID string `json:"task_id"`

	// Active is false when no profile marker exists for the task. An
	// inactive gate always allows.
	Active bool `json:"active"`

	Result  Result `json:"result"`
	Cleared bool   `json:"cleared"`
}

// NewGate creates a gate over stateDir. Every profile must pass Check and
// names must be unique.
func NewGate(stateDir string, profiles []Profile, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	seen := make(map[string]bool, len(profiles))
	sorted := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		if err := p.Check(); err != nil {
			return nil, fault.Wrap(fault.CodeSchema, "invalid profile table", err)
		}
		if seen[p.Name] {
			return nil, fault.Newf(fault.CodeSchema, "duplicate profile %s", p.Name)
		}
		seen[p.Name] = true
		sorted = append(sorted, p)
	}
	SortByPrecedence(sorted)

	return &Gate{stateDir: stateDir, profiles: sorted, logger: logger}, nil
}

// Profiles returns the gate's profiles, highest precedence first.
func (g *Gate) Profiles() []Profile {
	out := make([]Profile, len(g.profiles))
	copy(out, g.profiles)
	return out
}

// Profile looks up a profile by name.
func (g *Gate) Profile(name string) (Profile, bool) {
	for _, p := range g.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// MarkerPath is the file whose existence activates profile for taskID.
func (g *Gate) MarkerPath(profile, taskID string) string {
	return filepath.Join(g.stateDir, fmt.Sprintf("%s.%s.active", profile, taskID))
}

// DocumentPath is where the task writes its checkpoint document.
func (g *Gate) DocumentPath(taskID string) string {
	return filepath.Join(g.stateDir, fmt.Sprintf("checkpoint.%s.json", taskID))
}

// Activate writes the marker for profile. Existing markers for other
// profiles are left in place; Resolve's precedence rule decides.
func (g *Gate) Activate(profile, taskID string) error {
	if err := checkTaskID(taskID); err != nil {
		return err
	}
	if _, ok := g.Profile(profile); !ok {
		return fault.Newf(fault.CodeSchema, "unknown profile %q", profile)
	}
	if err := os.MkdirAll(g.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(g.MarkerPath(profile, taskID), nil, 0o644)
}

// Resolve picks the active profile for taskID. When markers for several
// profiles exist, the highest precedence wins and ties break by name, so
// the answer never depends on write order.
func (g *Gate) Resolve(taskID string) (Profile, bool, error) {
	if err := checkTaskID(taskID); err != nil {
		return Profile{}, false, err
	}

	var active []string
	for _, p := range g.profiles {
		_, err := os.Stat(g.MarkerPath(p.Name, taskID))
		switch {
		case err == nil:
			active = append(active, p.Name)
		case errors.Is(err, os.ErrNotExist):
		default:
			return Profile{}, false, fmt.Errorf("stat marker for %s: %w", p.Name, err)
		}
	}

	if len(active) == 0 {
		return Profile{}, false, nil
	}
	if len(active) > 1 {
		g.logger.Warn("multiple profiles active, using highest precedence",
			"task_id", taskID, "active", active, "chosen", active[0])
	}
	// g.profiles is already in precedence order.
	chosen, _ := g.Profile(active[0])
	return chosen, true, nil
}

// Check resolves the profile, validates the task's checkpoint document and,
// on Allowed, removes the document so the next stop starts clean.
//
// A missing or unreadable document is Blocked with ReasonParseError; Check
// only returns an error when the state directory itself cannot be read.
func (g *Gate) Check(taskID string) (Decision, error) {
	decision := Decision{TaskID: taskID}

	profile, active, err := g.Resolve(taskID)
	if err != nil {
		return decision, err
	}
	if !active {
		decision.Result = Result{Status: StatusAllowed, Unmet: []string{}}
		g.logger.Debug("gate inactive", "task_id", taskID)
		return decision, nil
	}
	decision.Active = true

	path := g.DocumentPath(taskID)
	raw, err := os.ReadFile(path)
	if err != nil {
		decision.Result = Result{
			Status:     StatusBlocked,
			Profile:    profile.Name,
			Unmet:      []string{},
			Reason:     ReasonParseError,
			ParseError: fmt.Sprintf("read %s: %v", filepath.Base(path), err),
		}
		g.logger.Info("checkpoint blocked", "task_id", taskID, "profile", profile.Name, "reason", decision.Result.Reason)
		return decision, nil
	}

	decision.Result = ValidateBytes(raw, profile)
	if !decision.Result.Allowed() {
		g.logger.Info("checkpoint blocked",
			"task_id", taskID,
			"profile", profile.Name,
			"reason", decision.Result.Reason,
			"unmet", decision.Result.Unmet)
		return decision, nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("clear checkpoint document", "task_id", taskID, "error", err)
	} else {
		decision.Cleared = true
	}
	g.logger.Info("checkpoint allowed", "task_id", taskID, "profile", profile.Name)
	return decision, nil
}

func checkTaskID(taskID string) error {
	if !validTaskID.MatchString(taskID) {
		return fault.Newf(fault.CodeSchema, "invalid task id %q", taskID)
	}
	return nil
}
