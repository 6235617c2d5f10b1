package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stopgate/internal/checkpoint"
)

func findProfile(t *testing.T, profiles []checkpoint.Profile, name string) checkpoint.Profile {
	t.Helper()
	for _, p := range profiles {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("profile %s not found", name)
	return checkpoint.Profile{}
}

func TestDefaultProfiles(t *testing.T) {
	profiles, err := DefaultProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	// Highest precedence first
	assert.Equal(t, "strict", profiles[0].Name)
	assert.Equal(t, "minimal", profiles[1].Name)

	minimal := findProfile(t, profiles, "minimal")
	assert.Equal(t, 10, minimal.Precedence)
	assert.Equal(t, 10, minimal.MinDoneLength)
	assert.Equal(t, map[string]checkpoint.Requirement{
		"is_job_complete":   {Kind: checkpoint.Required},
		"code_changes_made": {Kind: checkpoint.Declared},
	}, minimal.Fields)

	strict := findProfile(t, profiles, "strict")
	assert.Equal(t, 20, strict.Precedence)
	assert.Equal(t, 20, strict.MinDoneLength)
	assert.Equal(t, []string{
		"code_changes_made",
		"is_job_complete",
		"linters_pass",
		"requirements_met",
		"tests_pass",
		"work_verified",
	}, strict.FieldNames())
	assert.Equal(t, checkpoint.Requirement{
		Kind:   checkpoint.RequiredIf,
		Field:  "code_changes_made",
		Equals: true,
	}, strict.Fields["linters_pass"])
}

func TestCompileProfiles_OverrideDefaults(t *testing.T) {
	override := []byte(`
profiles: minimal: min_done_length: 0
profiles: strict: fields: docs_updated: {
	kind:  "required_if"
	field: "code_changes_made"
}
`)

	profiles, err := CompileProfiles(override, "override.cue")
	require.NoError(t, err)

	minimal := findProfile(t, profiles, "minimal")
	assert.Equal(t, 0, minimal.MinDoneLength)

	strict := findProfile(t, profiles, "strict")
	assert.Equal(t, checkpoint.Requirement{
		Kind:   checkpoint.RequiredIf,
		Field:  "code_changes_made",
		Equals: true,
	}, strict.Fields["docs_updated"], "equals defaults to true")
}

func TestCompileProfiles_AddProfile(t *testing.T) {
	override := []byte(`
profiles: review: {
	precedence:      30
	min_done_length: 40
	fields: {
		is_job_complete: kind: "required"
		reviewer_approved: kind: "required"
	}
}
`)

	profiles, err := CompileProfiles(override, "review.cue")
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	assert.Equal(t, "review", profiles[0].Name)
	assert.Equal(t, []string{"minimal", "review", "strict"}, ProfileNames(profiles))
}

func TestCompileProfiles_Errors(t *testing.T) {
	tests := []struct {
		name     string
		override string
		contains string
	}{
		{
			name:     "syntax error",
			override: `profiles: {`,
			contains: "override.cue",
		},
		{
			name:     "unknown kind",
			override: `profiles: minimal: fields: x: kind: "sometimes"`,
			contains: "kind",
		},
		{
			name:     "negative length",
			override: `profiles: minimal: min_done_length: -1`,
			contains: "min_done_length",
		},
		{
			name:     "gating field outside profile",
			override: `profiles: minimal: fields: linters_pass: {kind: "required_if", field: "tests_ran"}`,
			contains: "tests_ran",
		},
		{
			name:     "new profile without precedence",
			override: `profiles: quick: {min_done_length: 0, fields: {}}`,
			contains: "precedence",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileProfiles([]byte(tt.override), "override.cue")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoadProfiles_File(t *testing.T) {
	dir := t.TempDir()

	// Missing file falls back to built-ins
	profiles, err := LoadProfiles(filepath.Join(dir, "missing.cue"))
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	path := filepath.Join(dir, "profiles.cue")
	require.NoError(t, os.WriteFile(path, []byte(`profiles: strict: precedence: 5`), 0o644))

	profiles, err = LoadProfiles(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", profiles[0].Name, "strict demoted below minimal")
}

func TestCompileError_Format(t *testing.T) {
	err := &CompileError{Field: "profiles", Message: "profiles table is required"}
	assert.Equal(t, "profiles: profiles table is required", err.Error())
}
