package cli

import (
	"log/slog"

	"github.com/roach88/stopgate/internal/checkpoint"
	"github.com/roach88/stopgate/internal/config"
	"github.com/roach88/stopgate/internal/propagate"
	"github.com/roach88/stopgate/internal/runner"
	"github.com/roach88/stopgate/internal/sandbox"
	"github.com/roach88/stopgate/internal/session"
)

// newProvisioner builds the sandbox provisioner described by cfg.
func (o *RootOptions) newProvisioner(cfg *config.Config, logger *slog.Logger) (*sandbox.Provisioner, error) {
	mocks, err := sandbox.MocksFor(cfg.MockMode)
	if err != nil {
		return nil, WrapExitError(ExitInfrastructure, "configure command mocks", err)
	}
	var worktrees sandbox.Worktrees = sandbox.GitWorktrees{GitPath: cfg.GitPath}
	if o.worktrees != nil {
		worktrees = o.worktrees
	}
	opts := sandbox.Options{
		Root:           cfg.SandboxDir(),
		Overlay:        cfg.Overlay,
		MockedCommands: cfg.MockedCommands,
		StaleAfter:     cfg.StaleAfter,
		Retries:        cfg.ProvisionRetries,
		Backoff:        cfg.ProvisionBackoff,
	}
	pool := sandbox.NewPool(cfg.PoolSize, cfg.PoolPolicy)
	return sandbox.NewProvisioner(opts, pool, sandbox.NewRegistry(worktrees), mocks, logger), nil
}

// newRunner wires the full provision, propagate, execute pipeline.
func (o *RootOptions) newRunner(cfg *config.Config, profiles []checkpoint.Profile, logger *slog.Logger) (*runner.Runner, error) {
	prov, err := o.newProvisioner(cfg, logger)
	if err != nil {
		return nil, err
	}

	var lister propagate.ChangeLister = propagate.GitChangeLister{GitPath: cfg.GitPath}
	if o.lister != nil {
		lister = o.lister
	}
	prop, err := propagate.New(lister, append(append([]string(nil), propagate.DefaultDenyGlobs...), cfg.DenyGlobs...), logger)
	if err != nil {
		return nil, WrapExitError(ExitInfrastructure, "configure propagation", err)
	}

	var launcher session.Launcher = session.ClaudeLauncher{CLIPath: cfg.ClaudePath, Model: cfg.Model}
	if o.launcher != nil {
		launcher = o.launcher
	}
	exec := session.NewExecutor(launcher, session.FileSeeder{Profiles: profiles}, session.Options{
		DefaultTimeout: cfg.CaseTimeout,
		Grace:          cfg.Grace,
		HeartbeatEvery: cfg.Heartbeat,
	}, logger)

	return runner.New(prov, prop, exec, logger), nil
}
