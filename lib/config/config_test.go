// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capbroker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("environment = %s, want development", cfg.Environment)
	}
	if cfg.Session.MaxMessageSize != 1<<20 {
		t.Errorf("max_message_size = %d, want 1 MiB", cfg.Session.MaxMessageSize)
	}
	if cfg.Listener.SocketMode != 0o660 {
		t.Errorf("socket_mode = %o, want 660", cfg.Listener.SocketMode)
	}
	if !cfg.Network.AllowTCP {
		t.Error("allow_tcp should default to true in development")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CAPBROKER_CONFIG is not set")
	}
	if !strings.HasPrefix(err.Error(), "CAPBROKER_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadWithEnvVar(t *testing.T) {
	path := writeConfig(t, `
paths:
  state_dir: /srv/capbroker
listener:
  socket_path: /run/capbroker/broker.sock
  socket_mode: 0600
session:
  auth_timeout: 2s
  shutdown_grace: 30s
`)
	t.Setenv(EnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.StateDir != "/srv/capbroker" {
		t.Errorf("state_dir = %q", cfg.Paths.StateDir)
	}
	if cfg.Listener.SocketMode != 0o600 {
		t.Errorf("socket_mode = %o, want 600", cfg.Listener.SocketMode)
	}
	if cfg.Session.AuthTimeout != 2*time.Second {
		t.Errorf("auth_timeout = %v, want 2s", cfg.Session.AuthTimeout)
	}
	if cfg.Session.ShutdownGrace != 30*time.Second {
		t.Errorf("shutdown_grace = %v, want 30s", cfg.Session.ShutdownGrace)
	}
	// Unset fields keep their defaults.
	if cfg.Tokens.Audience != "capbroker" {
		t.Errorf("audience = %q, want default", cfg.Tokens.Audience)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFile(writeConfig(t, "session: [not, a, map]")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantAllowTCP bool
		wantLevel    string
		wantGrace    time.Duration
	}{
		{
			name: "development section applies",
			content: `
environment: development
development:
  session:
    shutdown_grace: 1s
  logging:
    level: warn
`,
			wantAllowTCP: true,
			wantLevel:    "warn",
			wantGrace:    time.Second,
		},
		{
			name:         "production without section uses strict defaults",
			content:      "environment: production\n",
			wantAllowTCP: false,
			wantLevel:    "info",
			wantGrace:    10 * time.Second,
		},
		{
			name: "production section can re-enable tcp",
			content: `
environment: production
production:
  network:
    allow_tcp: true
`,
			wantAllowTCP: true,
			wantLevel:    "debug",
			wantGrace:    10 * time.Second,
		},
		{
			name: "other environment's section is ignored",
			content: `
environment: development
production:
  logging:
    level: error
`,
			wantAllowTCP: true,
			wantLevel:    "debug",
			wantGrace:    10 * time.Second,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := LoadFile(writeConfig(t, test.content))
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if cfg.Network.AllowTCP != test.wantAllowTCP {
				t.Errorf("allow_tcp = %v, want %v", cfg.Network.AllowTCP, test.wantAllowTCP)
			}
			if cfg.Logging.Level != test.wantLevel {
				t.Errorf("level = %q, want %q", cfg.Logging.Level, test.wantLevel)
			}
			if cfg.Session.ShutdownGrace != test.wantGrace {
				t.Errorf("shutdown_grace = %v, want %v", cfg.Session.ShutdownGrace, test.wantGrace)
			}
		})
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("CAPBROKER_TEST_DIR", "/from/env")

	tests := []struct {
		input string
		vars  map[string]string
		want  string
	}{
		{"${STATE_DIR}/settings.db", map[string]string{"STATE_DIR": "/state"}, "/state/settings.db"},
		{"${CAPBROKER_TEST_DIR}/x", nil, "/from/env/x"},
		{"${CAPBROKER_TEST_UNSET:-/fallback}/x", nil, "/fallback/x"},
		{"${CAPBROKER_TEST_DIR:-/fallback}", map[string]string{"CAPBROKER_TEST_DIR": "/provided"}, "/provided"},
		{"/plain/path", nil, "/plain/path"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, test.vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestStateDirExpandsIntoDependentPaths(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
paths:
  state_dir: /var/lib/capbroker
  settings_db: ${STATE_DIR}/settings.db
  policy_file: ${STATE_DIR}/policy.jsonc
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.SettingsDB != "/var/lib/capbroker/settings.db" {
		t.Errorf("settings_db = %q", cfg.Paths.SettingsDB)
	}
	if cfg.Paths.PolicyFile != "/var/lib/capbroker/policy.jsonc" {
		t.Errorf("policy_file = %q", cfg.Paths.PolicyFile)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "staging" }, "invalid environment"},
		{"missing socket", func(c *Config) { c.Listener.SocketPath = "" }, "listener.socket_path is required"},
		{"socket too long", func(c *Config) { c.Listener.SocketPath = "/" + strings.Repeat("s", 120) }, "limit is 107"},
		{"socket mode", func(c *Config) { c.Listener.SocketMode = 0o4755 }, "socket_mode"},
		{"zero auth timeout", func(c *Config) { c.Session.AuthTimeout = 0 }, "auth_timeout"},
		{"tiny messages", func(c *Config) { c.Session.MaxMessageSize = 16 }, "max_message_size"},
		{"audience required with key", func(c *Config) {
			c.Paths.TokenPublicKey = "/k.pub"
			c.Tokens.Audience = ""
		}, "tokens.audience"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			cfg.Listener.SocketPath = "/tmp/capbroker.sock"
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "warn"}.SlogLevel()
	if err != nil {
		t.Fatalf("SlogLevel: %v", err)
	}
	if level != slog.LevelWarn {
		t.Errorf("level = %v, want WARN", level)
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Listener.SocketPath = filepath.Join(root, "run", "broker.sock")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, filepath.Join(root, "run")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	t.Setenv(EnvVar, "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	cfg, err := LoadOptional("")
	if err != nil {
		t.Fatalf("LoadOptional without a file: %v", err)
	}
	if cfg.Listener.SocketPath != "/run/user/1000/capbroker.sock" {
		t.Errorf("socket_path = %q, want expanded default", cfg.Listener.SocketPath)
	}

	path := writeConfig(t, "listener:\n  socket_path: /tmp/explicit.sock\n")
	t.Setenv(EnvVar, path)
	cfg, err = LoadOptional("")
	if err != nil {
		t.Fatalf("LoadOptional from env: %v", err)
	}
	if cfg.Listener.SocketPath != "/tmp/explicit.sock" {
		t.Errorf("socket_path = %q, want value from %s", cfg.Listener.SocketPath, EnvVar)
	}
}
