package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/roach88/stopgate/internal/fault"
)

// Worktrees is the version-control worktree primitive. Implementations
// register lightweight checkouts of a repository's committed state.
type Worktrees interface {
	// Add registers a detached checkout of HEAD at path. Failures worth
	// retrying (lock contention on the shared bookkeeping) are returned as
	// fault.Transient; anything else is permanent.
	Add(ctx context.Context, repoRoot, path string) error

	// Remove unregisters the checkout at path and deletes it.
	Remove(ctx context.Context, repoRoot, path string) error

	// List returns the registered checkout paths, including the main one.
	List(ctx context.Context, repoRoot string) ([]string, error)

	// Prune drops registrations whose directories no longer exist.
	Prune(ctx context.Context, repoRoot string) error
}

// Registry serializes every call into the worktree bookkeeping. The
// bookkeeping is shared per repository, so concurrent provision and
// destroy calls must not interleave, even though each sandbox's files are
// independent.
type Registry struct {
	mu sync.Mutex
	wt Worktrees
}

// NewRegistry wraps a worktree primitive.
func NewRegistry(wt Worktrees) *Registry {
	return &Registry{wt: wt}
}

// Register adds a checkout at path.
func (r *Registry) Register(ctx context.Context, repoRoot, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wt.Add(ctx, repoRoot, path)
}

// Unregister removes the checkout at path. A path that is not registered
// is not an error: destroy must tolerate partially created sandboxes.
func (r *Registry) Unregister(ctx context.Context, repoRoot, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.wt.List(ctx, repoRoot)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	if containsPath(entries, path) {
		if err := r.wt.Remove(ctx, repoRoot, path); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	// Drops stale registrations for directories that were deleted out from
	// under the registry, e.g. by a crashed owner.
	if err := r.wt.Prune(ctx, repoRoot); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// Entries lists registered checkouts.
func (r *Registry) Entries(ctx context.Context, repoRoot string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wt.List(ctx, repoRoot)
}

func containsPath(entries []string, path string) bool {
	want := canonicalPath(path)
	for _, e := range entries {
		if canonicalPath(e) == want {
			return true
		}
	}
	return false
}

func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	// The leaf may already be gone; resolve the parent instead.
	if dir, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		return filepath.Join(dir, filepath.Base(p))
	}
	return filepath.Clean(p)
}

// GitWorktrees implements Worktrees with `git worktree`.
type GitWorktrees struct {
	// GitPath is the git binary. Empty means "git" on PATH.
	GitPath string
}

func (g GitWorktrees) git(ctx context.Context, repoRoot string, args ...string) ([]byte, error) {
	bin := g.GitPath
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, append([]string{"-C", repoRoot}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Add runs `git worktree add --detach <path> HEAD`.
func (g GitWorktrees) Add(ctx context.Context, repoRoot, path string) error {
	_, err := g.git(ctx, repoRoot, "worktree", "add", "--detach", path, "HEAD")
	if err != nil && lockContention(err.Error()) {
		return fault.Transient(fault.CodeProvisioning, "worktree add hit a held lock", err)
	}
	return err
}

// lockContention recognizes git failures caused by another process holding
// a repository lock file.
func lockContention(msg string) bool {
	for _, marker := range []string{".lock': File exists", "could not lock", "Unable to create", "index.lock"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Remove runs `git worktree remove --force <path>`.
func (g GitWorktrees) Remove(ctx context.Context, repoRoot, path string) error {
	_, err := g.git(ctx, repoRoot, "worktree", "remove", "--force", path)
	return err
}

// List parses `git worktree list --porcelain`.
func (g GitWorktrees) List(ctx context.Context, repoRoot string) ([]string, error) {
	out, err := g.git(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if p, ok := strings.CutPrefix(scanner.Text(), "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, scanner.Err()
}

// Prune runs `git worktree prune`.
func (g GitWorktrees) Prune(ctx context.Context, repoRoot string) error {
	_, err := g.git(ctx, repoRoot, "worktree", "prune")
	return err
}
