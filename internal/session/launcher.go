// Package session runs one bounded agent session inside a sandbox and
// captures what it did.
package session

import (
	"context"
)

// LaunchRequest is what a launcher needs to start one session.
type LaunchRequest struct {
	// Dir is the working directory, the sandbox worktree.
	Dir string

	// Env is the complete environment, already overlaid by the sandbox.
	Env []string

	Prompt string
}

// LaunchResult is what a finished session left behind.
type LaunchResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Launcher starts an autonomous session and blocks until it ends.
//
// Implementations must stop when ctx is done. The executor does not rely on
// it: a launcher that ignores cancellation is abandoned after the teardown
// grace period.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error)
}

// FuncLauncher adapts a function to Launcher.
type FuncLauncher func(ctx context.Context, req LaunchRequest) (*LaunchResult, error)

// Launch calls f.
func (f FuncLauncher) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	return f(ctx, req)
}
