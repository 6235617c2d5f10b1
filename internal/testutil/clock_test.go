package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stopgate/internal/fault"
)

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock()
	assert.Equal(t, Epoch, clock.Now())

	clock.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), clock.Now())

	clock.Set(Epoch)
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	clock := NewFakeClock()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(50*time.Second), clock.Now())
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("sbx")
	assert.Equal(t, "sbx-0001", ids.Next())
	assert.Equal(t, "sbx-0002", ids.Next())

	assert.Equal(t, "id-0001", NewSequentialIDs("").Next())
}

func TestMemWorktrees_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	wt := NewMemWorktrees()
	wt.Seed = map[string]string{"hooks/stop.sh": "#!/bin/sh\n"}

	before, err := wt.List(ctx, repo)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "checkout")
	require.NoError(t, wt.Add(ctx, repo, path))
	assert.FileExists(t, filepath.Join(path, "hooks", "stop.sh"))

	assert.Error(t, wt.Add(ctx, repo, path), "double add rejected")

	require.NoError(t, wt.Remove(ctx, repo, path))
	after, err := wt.List(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMemWorktrees_FailAdds(t *testing.T) {
	wt := NewMemWorktrees()
	wt.FailAdds = 1
	path := filepath.Join(t.TempDir(), "checkout")

	err := wt.Add(context.Background(), "/repo", path)
	assert.True(t, fault.IsTransient(err))
	assert.NoError(t, wt.Add(context.Background(), "/repo", path))
	assert.Equal(t, 2, wt.Adds)
}

func TestMemWorktrees_FailPermanent(t *testing.T) {
	wt := NewMemWorktrees()
	wt.FailPermanent = 1
	path := filepath.Join(t.TempDir(), "checkout")

	err := wt.Add(context.Background(), "/repo", path)
	require.Error(t, err)
	assert.False(t, fault.IsTransient(err))
	assert.NoError(t, wt.Add(context.Background(), "/repo", path))
}
