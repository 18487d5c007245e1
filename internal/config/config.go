package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RestartMode defines how the process is replaced after an update
type RestartMode string

const (
	RestartDetach  RestartMode = "detach"
	RestartSystemd RestartMode = "systemd"
	RestartNone    RestartMode = "none"
)

const (
	defaultAPIURL      = "https://api.github.com"
	defaultManifest    = "package.json"
	defaultScratchDir  = ".update-scratch"
	defaultArchiveFile = ".update.zip"
	defaultConcurrency = 1
	defaultDepsTimeout = 10 * time.Minute
	defaultNotifyWait  = 10 * time.Second
)

// nodeDefaults apply when the manifest is package.json: the dependency
// directory and the local-only configuration file survive updates and
// dependencies are reinstalled with npm.
var (
	nodeProtected   = []string{"node_modules", "Config.js"}
	nodeDepsCommand = "npm install"
)

// Config represents the complete relaunchd configuration
type Config struct {
	Release      ReleaseConfig      `yaml:"release"`
	Paths        PathsConfig        `yaml:"paths"`
	Sync         SyncConfig         `yaml:"sync"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
	Restart      RestartConfig      `yaml:"restart"`
	Notify       NotifyConfig       `yaml:"notify"`
	History      HistoryConfig      `yaml:"history"`
	Serve        ServeConfig        `yaml:"serve"`
}

// ReleaseConfig configures the remote release source
type ReleaseConfig struct {
	Owner           string `yaml:"owner"`
	Repo            string `yaml:"repo"`
	APIURL          string `yaml:"api_url"`
	Asset           string `yaml:"asset"`
	TokenFile       string `yaml:"token_file"`
	RequireChecksum bool   `yaml:"require_checksum"`
}

// PathsConfig configures the installed tree and scratch artifacts.
// Relative manifest and scratch paths are resolved against InstallRoot.
type PathsConfig struct {
	InstallRoot string `yaml:"install_root"`
	Manifest    string `yaml:"manifest"`
	ScratchDir  string `yaml:"scratch_dir"`
	ArchiveFile string `yaml:"archive_file"`
}

// SyncConfig configures tree synchronization
type SyncConfig struct {
	Protected   []string `yaml:"protected"`
	Concurrency int      `yaml:"concurrency"`
	// AlwaysCopy rewrites files even when the installed copy is identical.
	AlwaysCopy bool `yaml:"always_copy"`
}

// DependenciesConfig configures the dependency install step
type DependenciesConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	// Skip disables the install step, including the npm default.
	Skip bool `yaml:"skip"`
}

// RestartConfig configures process replacement
type RestartConfig struct {
	Mode    RestartMode `yaml:"mode"`
	Command []string    `yaml:"command"`
	Unit    string      `yaml:"unit"`
}

// NotifyConfig configures the outbound notification webhook
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HistoryConfig configures the update attempt log
type HistoryConfig struct {
	DBPath string `yaml:"db_path"`
}

// ServeConfig configures the long-running trigger daemon
type ServeConfig struct {
	ListenAddr              string        `yaml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedActions          []string      `yaml:"allowed_actions"`
	PollInterval            time.Duration `yaml:"poll_interval"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Release.Owner = os.ExpandEnv(c.Release.Owner)
	c.Release.Repo = os.ExpandEnv(c.Release.Repo)
	c.Release.APIURL = os.ExpandEnv(c.Release.APIURL)
	c.Release.TokenFile = os.ExpandEnv(c.Release.TokenFile)
	c.Paths.InstallRoot = os.ExpandEnv(c.Paths.InstallRoot)
	c.Paths.Manifest = os.ExpandEnv(c.Paths.Manifest)
	c.Paths.ScratchDir = os.ExpandEnv(c.Paths.ScratchDir)
	c.Paths.ArchiveFile = os.ExpandEnv(c.Paths.ArchiveFile)
	c.Notify.WebhookURL = os.ExpandEnv(c.Notify.WebhookURL)
	c.History.DBPath = os.ExpandEnv(c.History.DBPath)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	for i, arg := range c.Restart.Command {
		c.Restart.Command[i] = os.ExpandEnv(arg)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Release.APIURL == "" {
		c.Release.APIURL = defaultAPIURL
	}
	if c.Paths.Manifest == "" {
		c.Paths.Manifest = defaultManifest
	}
	if c.Paths.ScratchDir == "" {
		c.Paths.ScratchDir = defaultScratchDir
	}
	if c.Paths.ArchiveFile == "" {
		c.Paths.ArchiveFile = defaultArchiveFile
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = defaultConcurrency
	}
	if filepath.Base(c.Paths.Manifest) == "package.json" {
		if len(c.Sync.Protected) == 0 {
			c.Sync.Protected = append([]string(nil), nodeProtected...)
		}
		if c.Dependencies.Command == "" {
			c.Dependencies.Command = nodeDepsCommand
		}
	}
	if c.Dependencies.Skip {
		c.Dependencies.Command = ""
	}
	if c.Dependencies.Timeout == 0 {
		c.Dependencies.Timeout = defaultDepsTimeout
	}
	if c.Restart.Mode == "" {
		c.Restart.Mode = RestartDetach
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = defaultNotifyWait
	}
	if len(c.Serve.AllowedActions) == 0 {
		c.Serve.AllowedActions = []string{"published"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Release.Owner == "" {
		return fmt.Errorf("release.owner is required")
	}
	if c.Release.Repo == "" {
		return fmt.Errorf("release.repo is required")
	}

	if c.Paths.InstallRoot == "" {
		return fmt.Errorf("paths.install_root is required")
	}
	if !filepath.IsAbs(c.Paths.InstallRoot) {
		return fmt.Errorf("paths.install_root must be an absolute path: %s", c.Paths.InstallRoot)
	}
	if filepath.Clean(c.ScratchDirPath()) == filepath.Clean(c.Paths.InstallRoot) {
		return fmt.Errorf("paths.scratch_dir must not be the install root")
	}

	if len(c.Sync.Protected) == 0 {
		return fmt.Errorf("sync.protected must list at least the dependency directory and local configuration files")
	}
	for _, p := range c.Sync.Protected {
		if filepath.IsAbs(p) {
			return fmt.Errorf("sync.protected entries must be relative: %s", p)
		}
		if cleaned := filepath.ToSlash(filepath.Clean(p)); cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return fmt.Errorf("sync.protected entry escapes the install root: %s", p)
		}
	}
	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative: %d", c.Sync.Concurrency)
	}

	switch c.Restart.Mode {
	case RestartDetach, RestartNone:
		// valid
	case RestartSystemd:
		if c.Restart.Unit == "" {
			return fmt.Errorf("restart.unit is required when restart.mode is systemd")
		}
	default:
		return fmt.Errorf("invalid restart.mode: %s (must be detach, systemd, or none)", c.Restart.Mode)
	}

	if c.Serve.ListenAddr != "" && c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required when serve.listen_addr is set")
	}
	if c.Serve.PollInterval < 0 {
		return fmt.Errorf("serve.poll_interval must not be negative")
	}

	return nil
}

// ManifestPath returns the absolute path of the local version manifest
func (c *Config) ManifestPath() string {
	return c.resolve(c.Paths.Manifest)
}

// ScratchDirPath returns the absolute path of the extraction scratch directory
func (c *Config) ScratchDirPath() string {
	return c.resolve(c.Paths.ScratchDir)
}

// ArchivePath returns the absolute path of the downloaded archive
func (c *Config) ArchivePath() string {
	return c.resolve(c.Paths.ArchiveFile)
}

// ProtectedPaths returns the configured protected entries plus any scratch
// artifacts and the history database that live inside the install root.
func (c *Config) ProtectedPaths() []string {
	paths := append([]string(nil), c.Sync.Protected...)
	candidates := []string{c.ScratchDirPath(), c.ArchivePath()}
	if db := c.HistoryDBPath(); db != "" {
		// sqlite keeps journal files next to the database
		candidates = append(candidates, db, db+"-journal", db+"-wal", db+"-shm")
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if rel, ok := c.relativeToRoot(p); ok {
			paths = append(paths, rel)
		}
	}
	return paths
}

// HistoryDBPath returns the absolute path of the history database, or "" when disabled
func (c *Config) HistoryDBPath() string {
	return c.resolve(c.History.DBPath)
}

// ServeEnabled reports whether the daemon has at least one trigger source
func (c *Config) ServeEnabled() bool {
	return c.Serve.ListenAddr != "" || c.Serve.PollInterval > 0
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.InstallRoot, p)
}

func (c *Config) relativeToRoot(p string) (string, bool) {
	rel, err := filepath.Rel(c.Paths.InstallRoot, c.resolve(p))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}
