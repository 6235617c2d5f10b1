package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit. Skips when git is
// not installed.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "hooks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hooks", "stop.sh"), []byte("#!/bin/sh\n"), 0o755))
	run("add", ".")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestGitWorktrees_RoundTrip(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	registry := NewRegistry(GitWorktrees{})

	prov := NewProvisioner(Options{
		Root:    t.TempDir(),
		Overlay: []OverlayEntry{{Logical: ".claude/hooks", Source: "hooks"}},
		Retries: 1,
		Backoff: time.Millisecond,
	}, NewPool(2, PolicyBlock), registry, NoMocks{}, nil)

	before, err := registry.Entries(ctx, repo)
	require.NoError(t, err)

	inst, err := prov.Provision(ctx, repo, "task-1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(inst.Worktree, "hooks", "stop.sh"))
	assert.FileExists(t, filepath.Join(inst.Home, ".claude", "hooks", "stop.sh"))

	during, err := registry.Entries(ctx, repo)
	require.NoError(t, err)
	assert.Len(t, during, len(before)+1)

	require.NoError(t, prov.Destroy(ctx, inst))
	require.NoError(t, prov.Destroy(ctx, inst))

	after, err := registry.Entries(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGitWorktrees_UnregisterMissingIsNoop(t *testing.T) {
	repo := initRepo(t)
	registry := NewRegistry(GitWorktrees{})

	err := registry.Unregister(context.Background(), repo, filepath.Join(t.TempDir(), "never-added"))
	assert.NoError(t, err)
}

func TestLockContention(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"fatal: Unable to create '/repo/.git/worktrees/x/index.lock': File exists.", true},
		{"error: could not lock config file .git/config: File exists", true},
		{"fatal: invalid reference: HEAD", false},
		{"fatal: not a git repository (or any of the parent directories): .git", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, lockContention(tt.msg))
		})
	}
}
