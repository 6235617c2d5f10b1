package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orphan simulates a sandbox whose owner vanished: it is provisioned, then
// forgotten by the provisioner without Destroy.
func orphan(t *testing.T, f *fixture, taskID string) *Instance {
	t.Helper()
	inst, err := f.prov.Provision(context.Background(), f.repo, taskID)
	require.NoError(t, err)
	f.prov.untrack(inst.ID)
	inst.release()
	return inst
}

func rewriteOwner(t *testing.T, inst *Instance, mutate func(*owner)) {
	t.Helper()
	o, err := readOwner(inst.Root)
	require.NoError(t, err)
	mutate(o)
	data, err := json.Marshal(o)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(inst.Root, ownerFile), data, 0o644))
}

func TestPrune_StaleHeartbeat(t *testing.T) {
	f := newFixture(t, 4, PolicyBlock)
	inst := orphan(t, f, "task-1")

	// Fresh heartbeat from a live pid (this process): kept
	reclaimed, err := f.prov.Prune(context.Background(), f.repo)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
	assert.DirExists(t, inst.Root)

	f.clock.Advance(11 * time.Minute)

	reclaimed, err = f.prov.Prune(context.Background(), f.repo)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, reclaimed)
	assert.NoDirExists(t, inst.Root)

	entries, err := f.prov.registry.Entries(context.Background(), f.repo)
	require.NoError(t, err)
	assert.Equal(t, []string{f.repo}, entries, "registry entry reclaimed too")
}

func TestPrune_DeadOwner(t *testing.T) {
	f := newFixture(t, 4, PolicyBlock)
	inst := orphan(t, f, "task-1")
	rewriteOwner(t, inst, func(o *owner) { o.PID = 0 })

	reclaimed, err := f.prov.Prune(context.Background(), f.repo)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, reclaimed)
}

func TestPrune_ForeignHostUsesHeartbeatOnly(t *testing.T) {
	f := newFixture(t, 4, PolicyBlock)
	inst := orphan(t, f, "task-1")
	rewriteOwner(t, inst, func(o *owner) {
		o.Host = "some-other-host"
		o.PID = 0
	})

	reclaimed, err := f.prov.Prune(context.Background(), f.repo)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "cannot check pids on another host")
}

func TestPrune_SkipsTrackedAndOtherRepos(t *testing.T) {
	f := newFixture(t, 4, PolicyBlock)
	ctx := context.Background()

	live, err := f.prov.Provision(ctx, f.repo, "live")
	require.NoError(t, err)
	defer f.prov.Destroy(ctx, live)

	other := orphan(t, f, "other")
	rewriteOwner(t, other, func(o *owner) { o.Source = t.TempDir() })

	f.clock.Advance(time.Hour)

	reclaimed, err := f.prov.Prune(ctx, f.repo)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
	assert.DirExists(t, live.Root)
	assert.DirExists(t, other.Root)
}

func TestPrune_Heartbeat(t *testing.T) {
	f := newFixture(t, 4, PolicyBlock)
	inst := orphan(t, f, "task-1")

	f.clock.Advance(9 * time.Minute)
	require.NoError(t, inst.Heartbeat(f.clock.Now()))
	f.clock.Advance(9 * time.Minute)

	reclaimed, err := f.prov.Prune(context.Background(), f.repo)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "heartbeat kept the sandbox alive")
}

func TestPrune_MissingRoot(t *testing.T) {
	f := newFixture(t, 1, PolicyBlock)
	f.prov.opts.Root = filepath.Join(f.root, "never-created")

	reclaimed, err := f.prov.Prune(context.Background(), f.repo)
	assert.NoError(t, err)
	assert.Empty(t, reclaimed)
}
