package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/roach88/stopgate/internal/fault"
)

// MemWorktrees is an in-memory worktree primitive. Add copies nothing; it
// creates the directory and records the registration, which is enough for
// provisioning and round-trip tests without git.
//
// FailAdds makes the next N Add calls fail with a transient lock error, to
// exercise retry paths. FailPermanent makes the next Add calls fail with an
// error that must not be retried.
type MemWorktrees struct {
	mu            sync.Mutex
	entries       map[string]map[string]bool // repo -> paths
	FailAdds      int
	FailPermanent int
	Seed          map[string]string // files written into every new checkout
	Adds          int
}

// NewMemWorktrees creates an empty registry.
func NewMemWorktrees() *MemWorktrees {
	return &MemWorktrees{entries: make(map[string]map[string]bool)}
}

// Add registers path and creates it.
func (m *MemWorktrees) Add(ctx context.Context, repoRoot, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Adds++
	if m.FailPermanent > 0 {
		m.FailPermanent--
		return errors.New("worktree add: invalid reference: HEAD")
	}
	if m.FailAdds > 0 {
		m.FailAdds--
		return fault.Transient(fault.CodeProvisioning, "worktree add", errors.New("index.lock exists"))
	}
	if m.entries[repoRoot][path] {
		return fmt.Errorf("worktree add: %s already registered", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	for rel, content := range m.Seed {
		full := filepath.Join(path, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	if m.entries[repoRoot] == nil {
		m.entries[repoRoot] = make(map[string]bool)
	}
	m.entries[repoRoot][path] = true
	return nil
}

// Remove unregisters path and deletes it.
func (m *MemWorktrees) Remove(ctx context.Context, repoRoot, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.entries[repoRoot][path] {
		return fmt.Errorf("worktree remove: %s is not a working tree", path)
	}
	delete(m.entries[repoRoot], path)
	return os.RemoveAll(path)
}

// List returns registered paths, sorted, with repoRoot first as git does.
func (m *MemWorktrees) List(ctx context.Context, repoRoot string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := []string{}
	for p := range m.entries[repoRoot] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return append([]string{repoRoot}, paths...), nil
}

// Prune drops registrations whose directory is gone.
func (m *MemWorktrees) Prune(ctx context.Context, repoRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.entries[repoRoot] {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			delete(m.entries[repoRoot], p)
		}
	}
	return nil
}
