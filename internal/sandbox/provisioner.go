package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/stopgate/internal/fault"
)

// OverlayEntry redirects one configuration path under the sandbox home to
// the sandbox's own copy inside the worktree.
type OverlayEntry struct {
	// Logical is relative to the home directory, e.g. ".claude/hooks".
	Logical string

	// Source is relative to the repository root, e.g. "hooks".
	Source string
}

// Options configures a Provisioner.
type Options struct {
	// Root holds one directory per sandbox.
	Root string

	Overlay        []OverlayEntry
	MockedCommands []string

	// StaleAfter is how old a heartbeat may get before Prune reclaims the
	// sandbox even if its owner process looks alive.
	StaleAfter time.Duration

	// Retries is how many extra attempts worktree registration gets, with
	// exponential backoff starting at Backoff.
	Retries int
	Backoff time.Duration
}

// Provisioner creates and destroys sandboxes.
type Provisioner struct {
	opts     Options
	pool     *Pool
	registry *Registry
	mocks    CommandMocks
	logger   *slog.Logger

	now   func() time.Time
	newID func() string

	mu   sync.Mutex
	live map[string]*Instance
}

// NewProvisioner wires a provisioner. A nil logger discards output; nil
// mocks means ShellMocks.
func NewProvisioner(opts Options, pool *Pool, registry *Registry, mocks CommandMocks, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if mocks == nil {
		mocks = ShellMocks{}
	}
	return &Provisioner{
		opts:     opts,
		pool:     pool,
		registry: registry,
		mocks:    mocks,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		live:     make(map[string]*Instance),
	}
}

// SetClock replaces the wall clock, for tests.
func (p *Provisioner) SetClock(now func() time.Time) {
	p.now = now
}

// SetIDGenerator replaces UUIDv7 sandbox ids, for tests.
func (p *Provisioner) SetIDGenerator(next func() string) {
	p.newID = next
}

// Pool returns the provisioner's pool.
func (p *Provisioner) Pool() *Pool { return p.pool }

// Live returns the number of sandboxes this provisioner has not destroyed.
func (p *Provisioner) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Provision creates a ready sandbox for taskID over sourceRepoRoot.
//
// It holds one pool permit from here until Destroy. Any failure after the
// permit is taken tears down whatever was created and returns a
// ProvisioningError; a full pool returns a CapacityError.
func (p *Provisioner) Provision(ctx context.Context, sourceRepoRoot, taskID string) (*Instance, error) {
	source, err := filepath.Abs(sourceRepoRoot)
	if err != nil {
		return nil, fault.Wrap(fault.CodeProvisioning, "resolve source repository", err)
	}
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil, fault.Newf(fault.CodeProvisioning, "source repository %s is not a directory", source)
	}

	release, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	id := p.newID()
	inst := newInstance(id, taskID, source, filepath.Join(p.opts.Root, id), p.now())
	inst.release = release
	p.track(inst)

	logger := p.logger.With("sandbox_id", id, "task_id", taskID)
	logger.Debug("provisioning sandbox", "root", inst.Root)

	if err := p.build(ctx, inst, logger); err != nil {
		if derr := p.Destroy(context.WithoutCancel(ctx), inst); derr != nil {
			logger.Warn("cleanup after failed provision", "error", derr)
		}
		if fault.CodeOf(err) == fault.CodeProvisioning {
			return nil, err
		}
		return nil, fault.Wrap(fault.CodeProvisioning, "provision sandbox", err)
	}

	if err := inst.Transition(StateReady); err != nil {
		p.Destroy(context.WithoutCancel(ctx), inst)
		return nil, fault.Wrap(fault.CodeProvisioning, "provision sandbox", err)
	}

	logger.Info("sandbox ready", "overlay", len(inst.Overlay), "mocks", len(inst.Mocks))
	return inst, nil
}

// build runs every provisioning step in order.
func (p *Provisioner) build(ctx context.Context, inst *Instance, logger *slog.Logger) error {
	// Step 1: directories and liveness marker
	for _, dir := range []string{inst.Root, inst.Home, inst.BinDir, inst.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := inst.writeOwner(p.now()); err != nil {
		return fmt.Errorf("write liveness marker: %w", err)
	}

	// Step 2: worktree of the committed state
	if err := p.register(ctx, inst, logger); err != nil {
		return err
	}

	// Step 3: home overlay
	for _, entry := range p.opts.Overlay {
		if !filepath.IsLocal(entry.Logical) || !filepath.IsLocal(entry.Source) {
			return fmt.Errorf("overlay entry %s -> %s must use local relative paths", entry.Logical, entry.Source)
		}
		target := filepath.Join(inst.Worktree, entry.Source)
		link := filepath.Join(inst.Home, entry.Logical)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return fmt.Errorf("create overlay parent for %s: %w", entry.Logical, err)
		}
		// The target may not exist yet; propagation can still create it.
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("link overlay %s: %w", entry.Logical, err)
		}
		inst.Overlay[entry.Logical] = target
	}

	// Step 4: command mocks
	installed, err := p.mocks.Install(inst.BinDir, p.opts.MockedCommands)
	if err != nil {
		return fmt.Errorf("install command mocks: %w", err)
	}
	inst.Mocks = installed

	return nil
}

// register adds the worktree, retrying transient failures with exponential
// backoff. A permanent failure returns at once. Each failed attempt is
// cleaned up before the next so a retry never trips over a half-created
// checkout. The returned error is never transient: retries are spent here.
func (p *Provisioner) register(ctx context.Context, inst *Instance, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := p.opts.Backoff << (attempt - 1)
			logger.Debug("retrying worktree registration", "attempt", attempt+1, "delay_ms", delay.Milliseconds(), "error", lastErr)
			select {
			case <-ctx.Done():
				return fault.Wrap(fault.CodeProvisioning, "worktree registration cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := p.registry.Register(ctx, inst.Source, inst.Worktree)
		if err == nil {
			inst.mu.Lock()
			inst.registered = true
			inst.mu.Unlock()
			return nil
		}
		lastErr = err

		if uerr := p.registry.Unregister(ctx, inst.Source, inst.Worktree); uerr != nil {
			logger.Debug("cleanup partial worktree", "error", uerr)
		}
		os.RemoveAll(inst.Worktree)

		if !fault.IsTransient(err) {
			return fault.Wrap(fault.CodeProvisioning, "register worktree", err).
				With("worktree", inst.Worktree)
		}
	}

	return fault.Wrap(fault.CodeProvisioning,
		fmt.Sprintf("register worktree failed after %d attempts", p.opts.Retries+1), lastErr).
		With("worktree", inst.Worktree)
}

// Destroy tears a sandbox down. It is idempotent, tolerates missing pieces
// (a crash mid-provision), touches nothing outside inst.Root except the
// sandbox's own registry entry, and releases the pool permit exactly once.
func (p *Provisioner) Destroy(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return nil
	}

	inst.mu.Lock()
	if inst.state == StateDestroyed {
		inst.mu.Unlock()
		return nil
	}
	inst.transitionLocked(StateDestroyed)
	release := inst.release
	inst.release = nil
	registered := inst.registered
	inst.mu.Unlock()

	defer func() {
		p.untrack(inst.ID)
		if release != nil {
			release()
		}
	}()

	var errs []error
	if registered || exists(inst.Worktree) {
		if err := p.registry.Unregister(ctx, inst.Source, inst.Worktree); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(inst.Root); err != nil {
		errs = append(errs, fmt.Errorf("remove sandbox root: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("sandbox destroyed with errors", "sandbox_id", inst.ID, "error", err)
		return fault.Wrap(fault.CodeProvisioning, "destroy sandbox "+inst.ID, err)
	}
	p.logger.Debug("sandbox destroyed", "sandbox_id", inst.ID)
	return nil
}

func (p *Provisioner) track(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[inst.ID] = inst
}

func (p *Provisioner) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, id)
}

func (p *Provisioner) isLive(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[id]
	return ok
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
