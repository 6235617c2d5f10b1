package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/stopgate/internal/checkpoint"
	"github.com/roach88/stopgate/internal/harness"
	"github.com/roach88/stopgate/internal/sandbox"
)

// Seeder applies a test case's setup to a ready sandbox.
type Seeder interface {
	Seed(inst *sandbox.Instance, tc *harness.TestCase) error
}

// FileSeeder writes setup files into the worktree and state documents,
// the checkpoint document and the profile marker into the state dir, in the
// layout checkpoint.Gate reads.
type FileSeeder struct {
	Profiles []checkpoint.Profile
}

// Seed implements Seeder.
func (s FileSeeder) Seed(inst *sandbox.Instance, tc *harness.TestCase) error {
	for rel, content := range tc.Setup.Files {
		if err := writeUnder(inst.Worktree, rel, []byte(content)); err != nil {
			return fmt.Errorf("seed file %s: %w", rel, err)
		}
	}

	for name, doc := range tc.Setup.State {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encode state document %s: %w", name, err)
		}
		if err := writeUnder(inst.StateDir, name, data); err != nil {
			return fmt.Errorf("seed state document %s: %w", name, err)
		}
	}

	if tc.Setup.Profile == "" && tc.Setup.Checkpoint == nil {
		return nil
	}
	gate, err := checkpoint.NewGate(inst.StateDir, s.Profiles, nil)
	if err != nil {
		return err
	}
	if tc.Setup.Profile != "" {
		if err := gate.Activate(tc.Setup.Profile, inst.TaskID); err != nil {
			return fmt.Errorf("activate profile %s: %w", tc.Setup.Profile, err)
		}
	}
	if tc.Setup.Checkpoint != nil {
		data, err := json.MarshalIndent(tc.Setup.Checkpoint, "", "  ")
		if err != nil {
			return fmt.Errorf("encode checkpoint document: %w", err)
		}
		if err := os.WriteFile(gate.DocumentPath(inst.TaskID), data, 0o644); err != nil {
			return fmt.Errorf("seed checkpoint document: %w", err)
		}
	}
	return nil
}

func writeUnder(root, rel string, data []byte) error {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return fmt.Errorf("%q escapes the sandbox", rel)
	}
	full := filepath.Join(root, local)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}
