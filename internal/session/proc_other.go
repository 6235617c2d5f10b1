//go:build !unix

package session

import "os/exec"

// killProcessGroup falls back to killing the direct child.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
