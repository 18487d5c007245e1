package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Release: ReleaseConfig{
			Owner: "acme",
			Repo:  "bot",
		},
		Paths: PathsConfig{
			InstallRoot: "/srv/bot",
		},
	}
}

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
release:
  owner: "acme"
  repo: "bot"
  require_checksum: true

paths:
  install_root: "/srv/bot"
  manifest: "package.json"

sync:
  protected:
    - node_modules
    - Config.js
  concurrency: 4

dependencies:
  command: "npm install --omit=dev"
  timeout: 5m

restart:
  mode: "systemd"
  unit: "bot.service"

serve:
  listen_addr: "127.0.0.1:8787"
  github_webhook_secret_file: "/etc/bot/secret"
  poll_interval: 1h
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Release.Owner != "acme" || cfg.Release.Repo != "bot" {
		t.Errorf("unexpected release source %s/%s", cfg.Release.Owner, cfg.Release.Repo)
	}
	if !cfg.Release.RequireChecksum {
		t.Error("expected require_checksum to be true")
	}
	if cfg.Restart.Mode != RestartSystemd {
		t.Errorf("expected restart mode systemd, got %s", cfg.Restart.Mode)
	}
	if cfg.Dependencies.Timeout != 5*time.Minute {
		t.Errorf("expected dependency timeout 5m, got %s", cfg.Dependencies.Timeout)
	}
	if cfg.Serve.PollInterval != time.Hour {
		t.Errorf("expected poll interval 1h, got %s", cfg.Serve.PollInterval)
	}
	if cfg.Sync.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Sync.Concurrency)
	}
	if cfg.Release.APIURL != defaultAPIURL {
		t.Errorf("expected default api url, got %s", cfg.Release.APIURL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tmpDir := t.TempDir()

	missing := filepath.Join(tmpDir, "missing.yaml")
	if _, err := Load(missing); err == nil {
		t.Error("expected error for missing file")
	}

	malformed := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(malformed, []byte("release: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(malformed); err == nil {
		t.Error("expected error for malformed yaml")
	}

	invalid := filepath.Join(tmpDir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("release:\n  owner: acme\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil {
		t.Error("expected validation error for incomplete config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing owner",
			mutate:  func(c *Config) { c.Release.Owner = "" },
			wantErr: true,
		},
		{
			name:    "missing repo",
			mutate:  func(c *Config) { c.Release.Repo = "" },
			wantErr: true,
		},
		{
			name:    "missing install root",
			mutate:  func(c *Config) { c.Paths.InstallRoot = "" },
			wantErr: true,
		},
		{
			name:    "relative install root",
			mutate:  func(c *Config) { c.Paths.InstallRoot = "srv/bot" },
			wantErr: true,
		},
		{
			name:    "scratch dir equals install root",
			mutate:  func(c *Config) { c.Paths.ScratchDir = "." },
			wantErr: true,
		},
		{
			name:    "absolute protected path",
			mutate:  func(c *Config) { c.Sync.Protected = []string{"/etc/passwd"} },
			wantErr: true,
		},
		{
			name:    "escaping protected path",
			mutate:  func(c *Config) { c.Sync.Protected = []string{"../outside"} },
			wantErr: true,
		},
		{
			name:    "empty protected set",
			mutate:  func(c *Config) { c.Sync.Protected = nil },
			wantErr: true,
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Sync.Concurrency = -1 },
			wantErr: true,
		},
		{
			name:    "invalid restart mode",
			mutate:  func(c *Config) { c.Restart.Mode = "bogus" },
			wantErr: true,
		},
		{
			name:    "systemd restart without unit",
			mutate:  func(c *Config) { c.Restart.Mode = RestartSystemd },
			wantErr: true,
		},
		{
			name: "systemd restart with unit",
			mutate: func(c *Config) {
				c.Restart.Mode = RestartSystemd
				c.Restart.Unit = "bot.service"
			},
			wantErr: false,
		},
		{
			name:    "listen addr without secret",
			mutate:  func(c *Config) { c.Serve.ListenAddr = "127.0.0.1:8080" },
			wantErr: true,
		},
		{
			name:    "negative poll interval",
			mutate:  func(c *Config) { c.Serve.PollInterval = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.applyDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.Restart.Mode != RestartDetach {
		t.Errorf("applyDefaults() restart mode = %q, want %q", cfg.Restart.Mode, RestartDetach)
	}
	if cfg.Paths.Manifest != defaultManifest {
		t.Errorf("applyDefaults() manifest = %q, want %q", cfg.Paths.Manifest, defaultManifest)
	}
	if cfg.Sync.Concurrency != 1 {
		t.Errorf("applyDefaults() concurrency = %d, want 1", cfg.Sync.Concurrency)
	}
	if !reflect.DeepEqual(cfg.Serve.AllowedActions, []string{"published"}) {
		t.Errorf("applyDefaults() allowed actions = %v", cfg.Serve.AllowedActions)
	}

	// Explicit values must not be overwritten
	cfg2 := Config{Restart: RestartConfig{Mode: RestartNone}, Paths: PathsConfig{Manifest: "VERSION"}}
	cfg2.applyDefaults()

	if cfg2.Restart.Mode != RestartNone {
		t.Errorf("applyDefaults() overwrote explicit restart mode, got %q", cfg2.Restart.Mode)
	}
	if cfg2.Paths.Manifest != "VERSION" {
		t.Errorf("applyDefaults() overwrote explicit manifest, got %q", cfg2.Paths.Manifest)
	}
}

func TestApplyDefaults_Ecosystem(t *testing.T) {
	tests := []struct {
		name          string
		cfg           Config
		wantProtected []string
		wantCommand   string
	}{
		{
			name:          "node manifest",
			cfg:           Config{},
			wantProtected: []string{"node_modules", "Config.js"},
			wantCommand:   "npm install",
		},
		{
			name: "node manifest with explicit values",
			cfg: Config{
				Sync:         SyncConfig{Protected: []string{"vendor"}},
				Dependencies: DependenciesConfig{Command: "yarn install --frozen-lockfile"},
			},
			wantProtected: []string{"vendor"},
			wantCommand:   "yarn install --frozen-lockfile",
		},
		{
			name:          "node manifest with install skipped",
			cfg:           Config{Dependencies: DependenciesConfig{Skip: true}},
			wantProtected: []string{"node_modules", "Config.js"},
			wantCommand:   "",
		},
		{
			name:          "other manifest",
			cfg:           Config{Paths: PathsConfig{Manifest: "VERSION"}},
			wantProtected: nil,
			wantCommand:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.applyDefaults()
			if !reflect.DeepEqual(cfg.Sync.Protected, tt.wantProtected) {
				t.Errorf("protected = %v, want %v", cfg.Sync.Protected, tt.wantProtected)
			}
			if cfg.Dependencies.Command != tt.wantCommand {
				t.Errorf("dependency command = %q, want %q", cfg.Dependencies.Command, tt.wantCommand)
			}
		})
	}
}

func TestLoad_MinimalConfigProtectsDependencies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "release:\n  owner: acme\n  repo: bot\npaths:\n  install_root: /srv/bot\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := cfg.ProtectedPaths()
	for _, want := range []string{"node_modules", "Config.js"} {
		found := false
		for _, p := range got {
			if p == want {
				found = true
			}
		}
		if !found {
			t.Errorf("ProtectedPaths() = %v, missing %s", got, want)
		}
	}
	if cfg.Dependencies.Command != "npm install" {
		t.Errorf("dependency command = %q", cfg.Dependencies.Command)
	}

	other := filepath.Join(t.TempDir(), "config.yaml")
	content = "release:\n  owner: acme\n  repo: bot\npaths:\n  install_root: /srv/bot\n  manifest: VERSION\n"
	if err := os.WriteFile(other, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(other); err == nil {
		t.Error("expected validation error for empty protected set")
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.applyDefaults()

	if got, want := cfg.ManifestPath(), filepath.Join("/srv/bot", "package.json"); got != want {
		t.Errorf("ManifestPath() = %s, want %s", got, want)
	}
	if got, want := cfg.ScratchDirPath(), filepath.Join("/srv/bot", defaultScratchDir); got != want {
		t.Errorf("ScratchDirPath() = %s, want %s", got, want)
	}
	if got, want := cfg.ArchivePath(), filepath.Join("/srv/bot", defaultArchiveFile); got != want {
		t.Errorf("ArchivePath() = %s, want %s", got, want)
	}
	if got := cfg.HistoryDBPath(); got != "" {
		t.Errorf("HistoryDBPath() = %s, want empty", got)
	}

	cfg.Paths.ArchiveFile = "/tmp/update.zip"
	if got := cfg.ArchivePath(); got != "/tmp/update.zip" {
		t.Errorf("ArchivePath() with absolute path = %s", got)
	}
}

func TestProtectedPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.Protected = []string{"node_modules", "Config.js"}
	cfg.Paths.ArchiveFile = "/tmp/update.zip"
	cfg.History.DBPath = "data/history.db"
	cfg.applyDefaults()

	got := cfg.ProtectedPaths()
	want := []string{
		"node_modules",
		"Config.js",
		defaultScratchDir,
		"data/history.db",
		"data/history.db-journal",
		"data/history.db-wal",
		"data/history.db-shm",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ProtectedPaths() = %v, want %v", got, want)
	}
}

func TestServeEnabled(t *testing.T) {
	cfg := validConfig()
	if cfg.ServeEnabled() {
		t.Error("expected serve to be disabled without triggers")
	}

	cfg.Serve.PollInterval = time.Minute
	if !cfg.ServeEnabled() {
		t.Error("expected serve to be enabled with poll interval")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAUNCHD_TEST_HOME", "/home/testuser")

	cfg := Config{
		Release: ReleaseConfig{
			TokenFile: "${RELAUNCHD_TEST_HOME}/token",
		},
		Paths: PathsConfig{
			InstallRoot: "${RELAUNCHD_TEST_HOME}/bot",
			ScratchDir:  "${RELAUNCHD_TEST_HOME}/scratch",
		},
		History: HistoryConfig{
			DBPath: "${RELAUNCHD_TEST_HOME}/history.db",
		},
		Restart: RestartConfig{
			Command: []string{"${RELAUNCHD_TEST_HOME}/bin/node", "index.js"},
		},
		Serve: ServeConfig{
			GitHubWebhookSecretFile: "${RELAUNCHD_TEST_HOME}/secret",
		},
	}

	cfg.expandEnv()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Release.TokenFile", cfg.Release.TokenFile, "/home/testuser/token"},
		{"Paths.InstallRoot", cfg.Paths.InstallRoot, "/home/testuser/bot"},
		{"Paths.ScratchDir", cfg.Paths.ScratchDir, "/home/testuser/scratch"},
		{"History.DBPath", cfg.History.DBPath, "/home/testuser/history.db"},
		{"Restart.Command[0]", cfg.Restart.Command[0], "/home/testuser/bin/node"},
		{"Serve.GitHubWebhookSecretFile", cfg.Serve.GitHubWebhookSecretFile, "/home/testuser/secret"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}
