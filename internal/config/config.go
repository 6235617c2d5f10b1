// Package config resolves stopgate settings from defaults, an optional
// dotenv file and STOPGATE_* environment variables. Command-line flags are
// applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/roach88/stopgate/internal/sandbox"
)

// Environment variable names.
const (
	EnvStateDir         = "STOPGATE_STATE_DIR"
	EnvProfiles         = "STOPGATE_PROFILES"
	EnvWorkDir          = "STOPGATE_WORK_DIR"
	EnvSandboxRoot      = "STOPGATE_SANDBOX_ROOT"
	EnvHistoryDB        = "STOPGATE_HISTORY_DB"
	EnvPoolSize         = "STOPGATE_POOL_SIZE"
	EnvPoolPolicy       = "STOPGATE_POOL_POLICY"
	EnvCaseTimeout      = "STOPGATE_CASE_TIMEOUT"
	EnvGrace            = "STOPGATE_GRACE"
	EnvHeartbeat        = "STOPGATE_HEARTBEAT"
	EnvStaleAfter       = "STOPGATE_STALE_AFTER"
	EnvProvisionRetries = "STOPGATE_PROVISION_RETRIES"
	EnvProvisionBackoff = "STOPGATE_PROVISION_BACKOFF"
	EnvClaudePath       = "STOPGATE_CLAUDE_PATH"
	EnvModel            = "STOPGATE_MODEL"
	EnvMockMode         = "STOPGATE_MOCK_MODE"
	EnvMockedCommands   = "STOPGATE_MOCKED_COMMANDS"
	EnvOverlay          = "STOPGATE_OVERLAY"
	EnvDenyGlobs        = "STOPGATE_DENY_GLOBS"
	EnvGitPath          = "STOPGATE_GIT_PATH"
)

// DefaultEnvFile is read when no env file is named. It may be absent.
const DefaultEnvFile = ".env"

// Config is the resolved configuration.
type Config struct {
	// StateDir holds checkpoint documents and profile markers.
	StateDir string
	// ProfilesFile is an optional CUE file unified with the built-in
	// profile table.
	ProfilesFile string

	// WorkDir holds sandboxes, reports and run history unless those are
	// set individually.
	WorkDir     string
	SandboxRoot string
	HistoryDB   string

	PoolSize   int
	PoolPolicy sandbox.Policy

	CaseTimeout time.Duration
	Grace       time.Duration
	Heartbeat   time.Duration
	StaleAfter  time.Duration

	ProvisionRetries int
	ProvisionBackoff time.Duration

	ClaudePath string
	Model      string
	GitPath    string

	MockMode       string
	MockedCommands []string
	Overlay        []sandbox.OverlayEntry

	// DenyGlobs are added to the built-in credential globs; they never
	// replace them.
	DenyGlobs []string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:         filepath.Join(".claude", "stopgate"),
		WorkDir:          ".stopgate",
		PoolSize:         4,
		PoolPolicy:       sandbox.PolicyBlock,
		CaseTimeout:      5 * time.Minute,
		Grace:            2 * time.Second,
		Heartbeat:        30 * time.Second,
		StaleAfter:       10 * time.Minute,
		ProvisionRetries: 3,
		ProvisionBackoff: 200 * time.Millisecond,
		ClaudePath:       "claude",
		MockMode:         "shell",
		MockedCommands:   []string{"aws", "gcloud", "gh", "kubectl", "terraform", "vercel"},
		Overlay:          []sandbox.OverlayEntry{{Logical: ".claude", Source: ".claude"}},
	}
}

// Load resolves configuration from defaults, the dotenv file and the
// process environment, in increasing priority. An empty envFile reads
// DefaultEnvFile when it exists; a named file must exist.
func Load(envFile string) (*Config, error) {
	fileVars := map[string]string{}
	path := envFile
	if path == "" {
		path = DefaultEnvFile
	}
	vars, err := godotenv.Read(path)
	switch {
	case err == nil:
		fileVars = vars
	case envFile == "" && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}

	cfg := Default()
	err = cfg.ApplyEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from lookup. Every malformed value is reported,
// not just the first.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := get(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := get(key); ok {
			*dst = SplitList(v)
		}
	}

	str(EnvStateDir, &c.StateDir)
	str(EnvProfiles, &c.ProfilesFile)
	str(EnvWorkDir, &c.WorkDir)
	str(EnvSandboxRoot, &c.SandboxRoot)
	str(EnvHistoryDB, &c.HistoryDB)
	integer(EnvPoolSize, &c.PoolSize)
	if v, ok := get(EnvPoolPolicy); ok && v != "" {
		c.PoolPolicy = sandbox.Policy(v)
	}
	duration(EnvCaseTimeout, &c.CaseTimeout)
	duration(EnvGrace, &c.Grace)
	duration(EnvHeartbeat, &c.Heartbeat)
	duration(EnvStaleAfter, &c.StaleAfter)
	integer(EnvProvisionRetries, &c.ProvisionRetries)
	duration(EnvProvisionBackoff, &c.ProvisionBackoff)
	str(EnvClaudePath, &c.ClaudePath)
	str(EnvModel, &c.Model)
	str(EnvGitPath, &c.GitPath)
	str(EnvMockMode, &c.MockMode)
	list(EnvMockedCommands, &c.MockedCommands)
	list(EnvDenyGlobs, &c.DenyGlobs)
	if v, ok := get(EnvOverlay); ok {
		overlay, err := ParseOverlay(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", EnvOverlay, err))
		} else {
			c.Overlay = overlay
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks the resolved configuration and reports every problem at
// once.
func (c *Config) Validate() error {
	var errs []string

	if c.StateDir == "" {
		errs = append(errs, "state dir must not be empty")
	}
	if c.WorkDir == "" && (c.SandboxRoot == "" || c.HistoryDB == "") {
		errs = append(errs, "work dir must not be empty")
	}
	if c.PoolSize < 1 {
		errs = append(errs, fmt.Sprintf("pool size must be at least 1, got %d", c.PoolSize))
	}
	if _, err := sandbox.ParsePolicy(string(c.PoolPolicy)); err != nil {
		errs = append(errs, err.Error())
	}
	if c.CaseTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("case timeout must be positive, got %s", c.CaseTimeout))
	}
	if c.Grace < 0 {
		errs = append(errs, fmt.Sprintf("grace must not be negative, got %s", c.Grace))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, fmt.Sprintf("heartbeat must not be negative, got %s", c.Heartbeat))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Sprintf("stale-after must be positive, got %s", c.StaleAfter))
	} else if c.Heartbeat > 0 && c.Heartbeat >= c.StaleAfter {
		errs = append(errs, fmt.Sprintf("heartbeat (%s) must be shorter than stale-after (%s)", c.Heartbeat, c.StaleAfter))
	}
	if c.ProvisionRetries < 0 {
		errs = append(errs, fmt.Sprintf("provision retries must not be negative, got %d", c.ProvisionRetries))
	}
	if c.ProvisionBackoff < 0 {
		errs = append(errs, fmt.Sprintf("provision backoff must not be negative, got %s", c.ProvisionBackoff))
	}
	if c.ClaudePath == "" {
		errs = append(errs, "claude path must not be empty")
	}
	if _, err := sandbox.MocksFor(c.MockMode); err != nil {
		errs = append(errs, err.Error())
	}
	for _, name := range c.MockedCommands {
		if strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator) {
			errs = append(errs, fmt.Sprintf("mocked command %q must be a bare command name", name))
		}
	}
	for _, entry := range c.Overlay {
		if !filepath.IsLocal(entry.Logical) || !filepath.IsLocal(entry.Source) {
			errs = append(errs, fmt.Sprintf("overlay entry %s=%s must use local relative paths", entry.Logical, entry.Source))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SandboxDir returns SandboxRoot, defaulting under WorkDir.
func (c *Config) SandboxDir() string {
	if c.SandboxRoot != "" {
		return c.SandboxRoot
	}
	return filepath.Join(c.WorkDir, "sandboxes")
}

// HistoryPath returns HistoryDB, defaulting under WorkDir.
func (c *Config) HistoryPath() string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.WorkDir, "history.db")
}

// ReportPath is the default report location.
func (c *Config) ReportPath() string {
	return filepath.Join(c.WorkDir, "report.json")
}

// ParseDuration accepts a Go duration or a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseOverlay parses "logical=source" pairs separated by commas. A bare
// entry maps a path to itself.
func ParseOverlay(s string) ([]sandbox.OverlayEntry, error) {
	out := []sandbox.OverlayEntry{}
	for _, part := range SplitList(s) {
		logical, source, found := strings.Cut(part, "=")
		logical, source = strings.TrimSpace(logical), strings.TrimSpace(source)
		if !found {
			source = logical
		}
		if logical == "" || source == "" {
			return nil, fmt.Errorf("malformed overlay entry %q", part)
		}
		out = append(out, sandbox.OverlayEntry{Logical: logical, Source: source})
	}
	return out, nil
}
