package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// CommandMocks installs stand-ins for externally side-effecting commands
// (deploy triggers, cloud CLIs) so a sandboxed session cannot reach real
// systems.
type CommandMocks interface {
	// Install places a no-op stand-in for each name in binDir and returns
	// the names actually installed.
	Install(binDir string, names []string) ([]string, error)
}

var validCommandName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// ShellMocks writes POSIX shell shims that append their invocation to
// $STOPGATE_STATE_DIR/mock-calls.log and exit 0.
type ShellMocks struct{}

const shimTemplate = `#!/bin/sh
# stopgate mock for %[1]s
printf '%%s %%s\n' %[1]q "$*" >> "$STOPGATE_STATE_DIR/mock-calls.log" 2>/dev/null
echo "stopgate: %[1]s is mocked inside the sandbox" >&2
exit 0
`

// Install implements CommandMocks.
func (ShellMocks) Install(binDir string, names []string) ([]string, error) {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bin dir: %w", err)
	}
	installed := make([]string, 0, len(names))
	for _, name := range names {
		if !validCommandName.MatchString(name) {
			return installed, fmt.Errorf("invalid command name %q", name)
		}
		shim := fmt.Sprintf(shimTemplate, name)
		if err := os.WriteFile(filepath.Join(binDir, name), []byte(shim), 0o755); err != nil {
			return installed, fmt.Errorf("write mock %s: %w", name, err)
		}
		installed = append(installed, name)
	}
	return installed, nil
}

// NoMocks installs nothing. Only useful when the launcher itself is a test
// double that never executes commands.
type NoMocks struct{}

// Install implements CommandMocks.
func (NoMocks) Install(binDir string, names []string) ([]string, error) {
	return nil, os.MkdirAll(binDir, 0o755)
}

// MocksFor selects a CommandMocks implementation by config name.
func MocksFor(mode string) (CommandMocks, error) {
	switch mode {
	case "", "shell":
		return ShellMocks{}, nil
	case "none":
		return NoMocks{}, nil
	}
	return nil, fmt.Errorf("unknown mock mode %q", mode)
}
