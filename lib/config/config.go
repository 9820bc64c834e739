// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads.
const EnvVar = "CAPBROKER_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the broker configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Listener ListenerConfig `yaml:"listener"`
	Network  NetworkConfig  `yaml:"network"`
	Session  SessionConfig  `yaml:"session"`
	Tokens   TokensConfig   `yaml:"tokens"`
	Logging  LoggingConfig  `yaml:"logging"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields an environment section may replace.
// Nil and empty values leave the base value untouched.
type Overrides struct {
	Paths   *PathsConfig     `yaml:"paths,omitempty"`
	Network *NetworkOverride `yaml:"network,omitempty"`
	Session *SessionConfig   `yaml:"session,omitempty"`
	Logging *LoggingConfig   `yaml:"logging,omitempty"`
}

// NetworkOverride uses a pointer for AllowTCP so that an override can
// disable it.
type NetworkOverride struct {
	BindHost     string `yaml:"bind_host,omitempty"`
	AllowTCP     *bool  `yaml:"allow_tcp,omitempty"`
	SPIFFESocket string `yaml:"spiffe_socket,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// StateDir holds the settings database and generated keys.
	StateDir string `yaml:"state_dir"`

	// SettingsDB is the SQLite settings database.
	SettingsDB string `yaml:"settings_db"`

	// PolicyFile is the trust policy, YAML or JSONC by extension.
	PolicyFile string `yaml:"policy_file"`

	// TokenPublicKey verifies signed client tokens. Empty disables
	// token authentication; peer credentials and SPIFFE IDs still
	// authenticate.
	TokenPublicKey string `yaml:"token_public_key"`

	// TokenPrivateKey is used only by the token subcommands.
	TokenPrivateKey string `yaml:"token_private_key"`
}

// ListenerConfig configures the Unix socket endpoint.
type ListenerConfig struct {
	SocketPath string `yaml:"socket_path"`

	// SocketMode is the permission mode of the socket file.
	SocketMode uint32 `yaml:"socket_mode"`
}

// NetworkConfig configures the optional TCP endpoint. The port comes
// from the settings store, not from this file.
type NetworkConfig struct {
	BindHost string `yaml:"bind_host"`

	// AllowTCP gates the TCP endpoint even when tcpip_port_enabled is
	// set in the settings store.
	AllowTCP bool `yaml:"allow_tcp"`

	// SPIFFESocket is the Workload API address. When set, the TCP
	// endpoint requires mTLS with SPIFFE identities.
	SPIFFESocket string `yaml:"spiffe_socket"`
}

// SessionConfig bounds per-session behavior.
type SessionConfig struct {
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TokensConfig configures signed token verification.
type TokensConfig struct {
	// Audience is the service role tokens must be minted for.
	Audience string `yaml:"audience"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Default returns the development defaults every loaded file is merged
// over.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "state", "capbroker")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			StateDir:        stateDir,
			SettingsDB:      filepath.Join(stateDir, "settings.db"),
			PolicyFile:      filepath.Join(stateDir, "policy.yaml"),
			TokenPublicKey:  "",
			TokenPrivateKey: filepath.Join(stateDir, "token.key"),
		},
		Listener: ListenerConfig{
			SocketPath: "${XDG_RUNTIME_DIR:-/tmp}/capbroker.sock",
			SocketMode: 0o660,
		},
		Network: NetworkConfig{
			BindHost: "127.0.0.1",
			AllowTCP: true,
		},
		Session: SessionConfig{
			AuthTimeout:     5 * time.Second,
			ShutdownGrace:   10 * time.Second,
			MaxMessageSize:  1 << 20,
			CleanupInterval: time.Minute,
		},
		Tokens: TokensConfig{
			Audience: "capbroker",
		},
		Logging: LoggingConfig{
			Level: "debug",
		},
	}
}

// Load loads configuration from the file named by CAPBROKER_CONFIG.
// It fails when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your capbroker.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadOptional loads path, or the file named by CAPBROKER_CONFIG when
// path is empty. With neither, it returns the expanded defaults.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from path, applies the environment
// section and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			disabled := false
			overrides = &Overrides{
				Network: &NetworkOverride{AllowTCP: &disabled},
				Logging: &LoggingConfig{Level: "info"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		overrideString(&c.Paths.StateDir, paths.StateDir)
		overrideString(&c.Paths.SettingsDB, paths.SettingsDB)
		overrideString(&c.Paths.PolicyFile, paths.PolicyFile)
		overrideString(&c.Paths.TokenPublicKey, paths.TokenPublicKey)
		overrideString(&c.Paths.TokenPrivateKey, paths.TokenPrivateKey)
	}

	if network := overrides.Network; network != nil {
		overrideString(&c.Network.BindHost, network.BindHost)
		overrideString(&c.Network.SPIFFESocket, network.SPIFFESocket)
		if network.AllowTCP != nil {
			c.Network.AllowTCP = *network.AllowTCP
		}
	}

	if session := overrides.Session; session != nil {
		if session.AuthTimeout != 0 {
			c.Session.AuthTimeout = session.AuthTimeout
		}
		if session.ShutdownGrace != 0 {
			c.Session.ShutdownGrace = session.ShutdownGrace
		}
		if session.MaxMessageSize != 0 {
			c.Session.MaxMessageSize = session.MaxMessageSize
		}
		if session.CleanupInterval != 0 {
			c.Session.CleanupInterval = session.CleanupInterval
		}
	}

	if overrides.Logging != nil {
		overrideString(&c.Logging.Level, overrides.Logging.Level)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.StateDir = expandVars(c.Paths.StateDir, vars)
	vars["STATE_DIR"] = c.Paths.StateDir

	c.Paths.SettingsDB = expandVars(c.Paths.SettingsDB, vars)
	c.Paths.PolicyFile = expandVars(c.Paths.PolicyFile, vars)
	c.Paths.TokenPublicKey = expandVars(c.Paths.TokenPublicKey, vars)
	c.Paths.TokenPrivateKey = expandVars(c.Paths.TokenPrivateKey, vars)
	c.Listener.SocketPath = expandVars(c.Listener.SocketPath, vars)
	c.Network.SPIFFESocket = expandVars(c.Network.SPIFFESocket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.StateDir == "" {
		errs = append(errs, errors.New("paths.state_dir is required"))
	}
	if c.Paths.SettingsDB == "" {
		errs = append(errs, errors.New("paths.settings_db is required"))
	}
	if c.Paths.PolicyFile == "" {
		errs = append(errs, errors.New("paths.policy_file is required"))
	}
	if c.Listener.SocketPath == "" {
		errs = append(errs, errors.New("listener.socket_path is required"))
	}
	// sun_path is 108 bytes including the terminating NUL.
	if len(c.Listener.SocketPath) > 107 {
		errs = append(errs, fmt.Errorf("listener.socket_path is %d bytes, limit is 107", len(c.Listener.SocketPath)))
	}
	if c.Listener.SocketMode > 0o777 {
		errs = append(errs, fmt.Errorf("listener.socket_mode %o has bits outside 0777", c.Listener.SocketMode))
	}
	if c.Session.AuthTimeout <= 0 {
		errs = append(errs, errors.New("session.auth_timeout must be positive"))
	}
	if c.Session.ShutdownGrace < 0 {
		errs = append(errs, errors.New("session.shutdown_grace must not be negative"))
	}
	if c.Session.MaxMessageSize < 1024 {
		errs = append(errs, errors.New("session.max_message_size must be at least 1024"))
	}
	if c.Session.CleanupInterval <= 0 {
		errs = append(errs, errors.New("session.cleanup_interval must be positive"))
	}
	if c.Paths.TokenPublicKey != "" && c.Tokens.Audience == "" {
		errs = append(errs, errors.New("tokens.audience is required when paths.token_public_key is set"))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the state directory and the socket's parent
// directory.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.StateDir, filepath.Dir(c.Listener.SocketPath)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
