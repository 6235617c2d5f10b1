// Package propagate mirrors uncommitted working-tree edits into a sandbox.
//
// A sandbox worktree starts as a checkout of the last commit. Propagation
// adds every modified or untracked (non-ignored) file on top and removes
// every deleted one, so the sandbox reflects exactly what the developer has
// on disk. Credential-bearing files never cross: the sandbox receives a
// placeholder in their place. That includes gitignored files such as .env,
// which are otherwise left out of the sandbox; files under a wholly ignored
// directory are not listed and get no placeholder.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/bmatcuk/doublestar"

	"github.com/roach88/stopgate/internal/fault"
	"github.com/roach88/stopgate/internal/sandbox"
)

// DefaultDenyGlobs match credential-bearing paths.
var DefaultDenyGlobs = []string{
	"**/.env",
	"**/.env.*",
	"**/*.pem",
	"**/*.key",
	"**/id_rsa*",
	"**/id_ed25519*",
	"**/.netrc",
	"**/.npmrc",
	"**/.pypirc",
	"**/credentials",
	"**/credentials.json",
	"**/.aws/**",
	"**/.ssh/**",
}

// Placeholder is written in place of a denied file.
const Placeholder = "# withheld by stopgate: credential-bearing file is not propagated into sandboxes\n"

// Result lists what propagation did, by slash-separated relative path.
type Result struct {
	Copied  []string `json:"copied"`
	Deleted []string `json:"deleted"`
	Denied  []string `json:"denied"`
}

// Propagator mirrors changes reported by a ChangeLister.
type Propagator struct {
	lister ChangeLister
	deny   []string
	logger *slog.Logger
}

// New creates a Propagator. Empty deny means DefaultDenyGlobs.
func New(lister ChangeLister, deny []string, logger *slog.Logger) (*Propagator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(deny) == 0 {
		deny = DefaultDenyGlobs
	}
	for _, pattern := range deny {
		if _, err := doublestar.Match(pattern, "x"); err != nil {
			return nil, fmt.Errorf("invalid deny glob %q: %w", pattern, err)
		}
	}
	return &Propagator{lister: lister, deny: deny, logger: logger}, nil
}

// Denied reports whether rel (slash-separated) is credential-bearing. The
// pattern is tried against the full path and against the base name, so
// "**/.env" also catches a top-level ".env".
func (p *Propagator) Denied(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range p.deny {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, "x/"+rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Propagate mirrors source's uncommitted changes into inst's worktree.
// The instance stays locked in the ready state for the whole operation, so
// a session cannot start against a partially applied tree.
func (p *Propagator) Propagate(ctx context.Context, source string, inst *sandbox.Instance) (*Result, error) {
	var result *Result
	err := inst.WithReady(func() error {
		var err error
		result, err = p.Mirror(ctx, source, inst.Worktree, filepath.Join(inst.Root, ".stage"))
		return err
	})
	if err != nil {
		if fault.CodeOf(err) == fault.CodePropagation {
			return nil, err
		}
		return nil, fault.Wrap(fault.CodePropagation, "propagate into sandbox "+inst.ID, err)
	}
	p.logger.Info("propagated changes",
		"sandbox_id", inst.ID,
		"copied", len(result.Copied),
		"deleted", len(result.Deleted),
		"denied", len(result.Denied))
	return result, nil
}

// Mirror copies source's changes into dest. Every file is first written to
// stageDir (which must be on the same filesystem as dest) and only renamed
// into place once all of them staged successfully. A failure before the
// rename phase leaves dest untouched.
func (p *Propagator) Mirror(ctx context.Context, source, dest, stageDir string) (*Result, error) {
	changes, err := p.lister.Changes(ctx, source)
	if err != nil {
		return nil, fault.Wrap(fault.CodePropagation, "list working-tree changes", err)
	}

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fault.Wrap(fault.CodePropagation, "create staging dir", err)
	}
	defer os.RemoveAll(stageDir)

	result := &Result{Copied: []string{}, Deleted: []string{}, Denied: []string{}}
	var staged []string

	// Phase 1: stage
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.CodePropagation, "propagation cancelled", err)
		}
		rel := filepath.FromSlash(change.Path)
		if !filepath.IsLocal(rel) {
			return nil, fault.Newf(fault.CodePropagation, "refusing non-local path %q", change.Path)
		}

		if change.Ignored && !p.Denied(change.Path) {
			continue
		}

		if p.Denied(change.Path) {
			if change.Deleted {
				result.Deleted = append(result.Deleted, change.Path)
				continue
			}
			if err := writeStaged(stageDir, rel, []byte(Placeholder), 0o600); err != nil {
				return nil, fault.Wrap(fault.CodePropagation, "stage placeholder", err).With("path", change.Path)
			}
			staged = append(staged, rel)
			result.Denied = append(result.Denied, change.Path)
			continue
		}

		if change.Deleted {
			result.Deleted = append(result.Deleted, change.Path)
			continue
		}

		copied, err := stageCopy(filepath.Join(source, rel), stageDir, rel)
		if err != nil {
			return nil, fault.Wrap(fault.CodePropagation, "stage file", err).With("path", change.Path)
		}
		if copied {
			staged = append(staged, rel)
			result.Copied = append(result.Copied, change.Path)
		}
	}

	// Phase 2: commit
	for _, rel := range staged {
		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fault.Wrap(fault.CodePropagation, "create parent", err).With("path", filepath.ToSlash(rel))
		}
		// A directory in the commit replaced by a file on disk.
		if info, err := os.Lstat(target); err == nil && info.IsDir() {
			if err := os.RemoveAll(target); err != nil {
				return nil, fault.Wrap(fault.CodePropagation, "replace directory", err)
			}
		}
		if err := os.Rename(filepath.Join(stageDir, rel), target); err != nil {
			return nil, fault.Wrap(fault.CodePropagation, "commit staged file", err).With("path", filepath.ToSlash(rel))
		}
	}
	for _, del := range result.Deleted {
		if err := os.Remove(filepath.Join(dest, filepath.FromSlash(del))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Wrap(fault.CodePropagation, "mirror deletion", err).With("path", del)
		}
	}

	return result, nil
}

// stageCopy copies a regular file or symlink into the staging area.
// Directories (untracked nested repositories) are skipped.
func stageCopy(src, stageDir, rel string) (bool, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return false, err
	}

	dst := filepath.Join(stageDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return false, err
		}
		return true, os.Symlink(target, dst)
	case info.Mode().IsRegular():
		in, err := os.Open(src)
		if err != nil {
			return false, err
		}
		defer in.Close()
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return false, err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return false, err
		}
		return true, out.Close()
	default:
		return false, nil
	}
}

func writeStaged(stageDir, rel string, data []byte, perm os.FileMode) error {
	dst := filepath.Join(stageDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, perm)
}
