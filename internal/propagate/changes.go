package propagate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Change is one path that differs from the last commit.
type Change struct {
	// Path is slash-separated and relative to the tree root.
	Path string

	// Deleted is true when the path exists in the commit but not on disk.
	Deleted bool

	// Ignored is true for an untracked path matched by a gitignore rule.
	// Ignored paths are only propagated as placeholders when denied.
	Ignored bool
}

// ChangeLister reports the uncommitted changes of a working tree. Ignored
// files are reported with Ignored set; ignored directories are omitted.
type ChangeLister interface {
	Changes(ctx context.Context, tree string) ([]Change, error)
}

// GitChangeLister implements ChangeLister with `git status`.
type GitChangeLister struct {
	// GitPath is the git binary. Empty means "git" on PATH.
	GitPath string
}

// Changes runs `git status --porcelain=v1 -z --untracked-files=all
// --ignored=matching` and parses it. Renames yield a deletion of the old
// path and an addition of the new one.
func (g GitChangeLister) Changes(ctx context.Context, tree string) ([]Change, error) {
	bin := g.GitPath
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, "-C", tree, "status", "--porcelain=v1", "-z", "--untracked-files=all", "--ignored=matching")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParsePorcelain(out)
}

// ParsePorcelain parses NUL-separated porcelain v1 status output.
func ParsePorcelain(out []byte) ([]Change, error) {
	fields := bytes.Split(out, []byte{0})
	byPath := make(map[string]Change)

	for i := 0; i < len(fields); i++ {
		entry := string(fields[i])
		if entry == "" {
			continue
		}
		if len(entry) < 4 || entry[2] != ' ' {
			return nil, fmt.Errorf("malformed status entry %q", entry)
		}
		x, y, path := entry[0], entry[1], entry[3:]

		switch {
		case x == '!':
			// Whole ignored directories cannot hold a placeholder.
			if strings.HasSuffix(path, "/") {
				continue
			}
			byPath[path] = Change{Path: path, Ignored: true}
		case x == 'R' || x == 'C':
			// The source path follows as its own field.
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("rename entry %q missing source path", entry)
			}
			i++
			if x == 'R' {
				old := string(fields[i])
				byPath[old] = Change{Path: old, Deleted: true}
			}
			byPath[path] = Change{Path: path}
		case x == 'D' || y == 'D':
			byPath[path] = Change{Path: path, Deleted: true}
		default:
			byPath[path] = Change{Path: path}
		}
	}

	changes := make([]Change, 0, len(byPath))
	for _, c := range byPath {
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}
