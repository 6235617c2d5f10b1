package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// Prune reclaims sandboxes under the provisioner root whose owner died
// without calling Destroy. A sandbox is stale when its owner process is
// gone, or its heartbeat is older than StaleAfter, or it has no readable
// liveness marker and its directory is older than StaleAfter.
//
// Only sandboxes registered against repoRoot (or with an unreadable
// marker) are considered. Sandboxes this provisioner still tracks are
// never touched. Returns the ids reclaimed.
func (p *Provisioner) Prune(ctx context.Context, repoRoot string) ([]string, error) {
	entries, err := os.ReadDir(p.opts.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	source := repoRoot
	if abs, err := filepath.Abs(repoRoot); err == nil {
		source = abs
	}

	now := p.now()
	var reclaimed []string
	var errs []error

	for _, entry := range entries {
		if !entry.IsDir() || p.isLive(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}

		root := filepath.Join(p.opts.Root, entry.Name())
		o, readErr := readOwner(root)

		var stale bool
		owner := source
		switch {
		case readErr != nil:
			info, err := entry.Info()
			stale = err == nil && now.Sub(info.ModTime()) > p.opts.StaleAfter
		case canonicalPath(o.Source) != canonicalPath(source):
			continue
		default:
			owner = o.Source
			stale = !ownerAlive(o) || now.Sub(o.HeartbeatAt) > p.opts.StaleAfter
		}
		if !stale {
			continue
		}

		inst := newInstance(entry.Name(), "", owner, root, now)
		inst.state = StateErrored
		inst.registered = readErr == nil

		p.logger.Info("reclaiming stale sandbox", "sandbox_id", inst.ID, "marker_error", readErr)
		if err := p.Destroy(ctx, inst); err != nil {
			errs = append(errs, err)
			continue
		}
		reclaimed = append(reclaimed, inst.ID)
	}

	return reclaimed, errors.Join(errs...)
}

// ownerAlive checks the owner pid when it ran on this host. Owners on
// other hosts are judged by heartbeat alone.
func ownerAlive(o *owner) bool {
	host, _ := os.Hostname()
	if o.Host != host {
		return true
	}
	return processAlive(o.PID)
}
