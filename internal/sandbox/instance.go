package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is a sandbox lifecycle state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateErrored      State = "errored"
	StateDestroyed    State = "destroyed"
)

// transitions lists the legal forward moves. Destroyed is reachable from
// every state and is handled separately.
var transitions = map[State][]State{
	StateProvisioning: {StateReady, StateErrored},
	StateReady:        {StateRunning, StateErrored},
	StateRunning:      {StateCompleted, StateTimedOut, StateErrored},
}

// Terminal reports whether no further forward transition exists.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Subdirectory and file names inside an instance root.
const (
	worktreeDir = "worktree"
	homeDir     = "home"
	binDir      = "bin"
	stateDir    = "state"
	ownerFile   = "owner.json"
)

// Instance is one isolated sandbox. It exclusively owns the tree under Root.
type Instance struct {
	ID     string
	TaskID string

	// Source is the repository the worktree was registered against.
	Source string

	Root      string
	Worktree  string
	Home      string
	BinDir    string
	StateDir  string
	CreatedAt time.Time

	// Overlay maps logical config paths (relative to Home) to the
	// sandbox-local files they resolve to.
	Overlay map[string]string

	// Mocks lists the command names shadowed in BinDir.
	Mocks []string

	mu         sync.Mutex
	state      State
	registered bool
	release    func()
}

func newInstance(id, taskID, source, root string, now time.Time) *Instance {
	return &Instance{
		ID:        id,
		TaskID:    taskID,
		Source:    source,
		Root:      root,
		Worktree:  filepath.Join(root, worktreeDir),
		Home:      filepath.Join(root, homeDir),
		BinDir:    filepath.Join(root, binDir),
		StateDir:  filepath.Join(root, stateDir),
		CreatedAt: now,
		Overlay:   map[string]string{},
		state:     StateProvisioning,
	}
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Transition moves the instance to next. Moving to destroyed is always
// legal; anything else must follow the lifecycle.
func (i *Instance) Transition(next State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(next)
}

func (i *Instance) transitionLocked(next State) error {
	if next == StateDestroyed {
		i.state = StateDestroyed
		return nil
	}
	for _, allowed := range transitions[i.state] {
		if allowed == next {
			i.state = next
			return nil
		}
	}
	return fmt.Errorf("sandbox %s: illegal transition %s -> %s", i.ID, i.state, next)
}

// WithReady runs fn while holding the instance lock, provided the instance
// is ready. A concurrent Transition to running waits until fn returns, so
// no session observes a half-applied change.
func (i *Instance) WithReady(fn func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateReady {
		return fmt.Errorf("sandbox %s is %s, not ready", i.ID, i.state)
	}
	return fn()
}

// Env returns the environment overlay a session inside the sandbox runs
// with: HOME points at the overlay home, mocked commands shadow the real
// ones on PATH, and the checkpoint gate finds its state through
// STOPGATE_STATE_DIR and STOPGATE_TASK_ID.
func (i *Instance) Env(base []string) []string {
	path := i.BinDir
	env := make([]string, 0, len(base)+4)
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "HOME="), strings.HasPrefix(kv, "STOPGATE_STATE_DIR="), strings.HasPrefix(kv, "STOPGATE_TASK_ID="):
			continue
		case strings.HasPrefix(kv, "PATH="):
			if rest := strings.TrimPrefix(kv, "PATH="); rest != "" {
				path = i.BinDir + string(os.PathListSeparator) + rest
			}
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		"HOME="+i.Home,
		"PATH="+path,
		"STOPGATE_STATE_DIR="+i.StateDir,
		"STOPGATE_TASK_ID="+i.TaskID,
	)
}

// owner is the liveness marker written at the instance root.
type owner struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Source      string    `json:"source"`
	PID         int       `json:"pid"`
	Host        string    `json:"host"`
	CreatedAt   time.Time `json:"created_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

func (i *Instance) writeOwner(now time.Time) error {
	host, _ := os.Hostname()
	o := owner{
		ID:          i.ID,
		TaskID:      i.TaskID,
		Source:      i.Source,
		PID:         os.Getpid(),
		Host:        host,
		CreatedAt:   i.CreatedAt,
		HeartbeatAt: now,
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(i.Root, ownerFile), data, 0o644)
}

// Heartbeat refreshes the liveness marker so Prune leaves the instance
// alone while a long session runs.
func (i *Instance) Heartbeat(now time.Time) error {
	if i.State() == StateDestroyed {
		return nil
	}
	return i.writeOwner(now)
}

func readOwner(root string) (*owner, error) {
	data, err := os.ReadFile(filepath.Join(root, ownerFile))
	if err != nil {
		return nil, err
	}
	var o owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ownerFile, err)
	}
	return &o, nil
}

// writeFileAtomic writes to a temp file in the same directory then renames.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
