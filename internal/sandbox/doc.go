// Package sandbox provisions isolated environments for harness sessions.
//
// Each sandbox lives in its own directory under the provisioner root:
//
//	<root>/<id>/
//	    owner.json   liveness marker (pid, host, heartbeat)
//	    worktree/    detached checkout of the source repository's HEAD
//	    home/        HOME for the session; configuration paths link into worktree/
//	    bin/         mocked side-effecting commands, first on PATH
//	    state/       checkpoint documents and other state the session writes
//
// Lifecycle:
//
//	provisioning -> ready -> running -> {completed, timed_out, errored} -> destroyed
//
// Destroyed is terminal and reachable from every state. A Pool caps the
// number of live sandboxes; a Registry serializes access to the shared
// worktree bookkeeping. Prune reclaims sandboxes whose owner died.
package sandbox
