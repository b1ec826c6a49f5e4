// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.treesync/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values,
// and TREESYNC_* environment variables (optionally from a .env file) take precedence
// over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	apperrors "github.com/treesync/host/internal/errors"
)

// DocumentSource maps a document name to a markup file on disk.
type DocumentSource struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the HTTP/WebSocket server.
	// Default: 127.0.0.1:7373
	Addr string `toml:"addr"`

	// Store is the path to the SQLite database holding published documents
	// and the connection log.
	// Default: ~/.treesync/treesync.db
	Store string `toml:"store"`

	// TLSCert is the path to the TLS certificate file.
	// Default: ~/.treesync/certs/host.crt (auto-generated if missing)
	TLSCert string `toml:"tls_cert"`

	// TLSKey is the path to the TLS key file.
	// Default: ~/.treesync/certs/host.key (auto-generated if missing)
	TLSKey string `toml:"tls_key"`

	// NoTLS serves plain ws:// and http://.
	NoTLS bool `toml:"no_tls"`

	// RequireAuth rejects websocket upgrades without a valid bearer token.
	RequireAuth bool `toml:"require_auth"`

	// AuthSecret is the HS256 signing key for bearer tokens. Required when
	// RequireAuth is set. Prefer TREESYNC_AUTH_SECRET over the file.
	AuthSecret string `toml:"auth_secret"`

	// PingIntervalMs is the keepalive ping period in milliseconds.
	// Default: 10000
	PingIntervalMs int `toml:"ping_interval_ms"`

	// PingTimeoutIntervals is how many pings may go unanswered before a
	// connection is dropped.
	// Default: 3
	PingTimeoutIntervals int `toml:"ping_timeout_intervals"`

	// TickIntervalMs is the diff flush window in milliseconds. -1 flushes
	// after every change.
	// Default: 50
	TickIntervalMs int `toml:"tick_interval_ms"`

	// MaxBatch flushes early once this many records are pending.
	// Default: 1000
	MaxBatch int `toml:"max_batch"`

	// SendQueue is the number of frames buffered per connection. A
	// connection whose queue fills up is closed.
	// Default: 256
	SendQueue int `toml:"send_queue"`

	// EventRate is the sustained number of events per second accepted from
	// one connection.
	// Default: 20
	EventRate float64 `toml:"event_rate"`

	// EventBurst is the number of events accepted in a burst.
	// Default: 40
	EventBurst int `toml:"event_burst"`

	// MdnsEnabled advertises the host as _treesync._tcp on the local network.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// RootTag is the tag of the synthetic root element of every document.
	// Default: root
	RootTag string `toml:"root_tag"`

	// Documents are loaded from disk at startup and reloaded when the file
	// changes.
	Documents []DocumentSource `toml:"documents"`

	// WatchPollMs is how often document files are checked for changes.
	// Default: 1000
	WatchPollMs int `toml:"watch_poll_ms"`
}

// Environment variables that override file values.
const (
	EnvAddr        = "TREESYNC_ADDR"
	EnvAuthSecret  = "TREESYNC_AUTH_SECRET"
	EnvStore       = "TREESYNC_STORE"
	EnvRequireAuth = "TREESYNC_REQUIRE_AUTH"
)

// DefaultDir returns ~/.treesync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".treesync"), nil
}

// DefaultConfigPath returns the default config file location: ~/.treesync/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultStorePath returns ~/.treesync/treesync.db.
func DefaultStorePath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "treesync.db"), nil
}

// WriteDefault creates a config file with LAN-ready defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# treesync configuration

# Listen on all interfaces for LAN access
addr = "0.0.0.0:7373"

# Require bearer tokens; set TREESYNC_AUTH_SECRET in the environment
require_auth = true

# Documents served from disk
# [[documents]]
# name = "home"
# path = "/path/to/home.html"
`

	// Owner read/write only: the file may end up holding auth_secret.
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.treesync/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Load does not apply environment overrides; see ApplyEnv.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.CodeConfigLoadFailed,
				fmt.Sprintf("config file not found: %s", path))
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigLoadFailed,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	return cfg, nil
}

// ApplyEnv loads envFile into the process environment (missing files are
// ignored, already-set variables win) and then copies TREESYNC_* variables
// over the config. An empty envFile means ".env" in the working directory.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return apperrors.Wrap(apperrors.CodeConfigLoadFailed,
				fmt.Sprintf("failed to load %s", envFile), err)
		}
	}

	if v := os.Getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := os.Getenv(EnvAuthSecret); v != "" {
		c.AuthSecret = v
	}
	if v := os.Getenv(EnvStore); v != "" {
		c.Store = v
	}
	if v := os.Getenv(EnvRequireAuth); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.ConfigInvalid(EnvRequireAuth, fmt.Sprintf("not a boolean: %q", v))
		}
		c.RequireAuth = b
	}
	return nil
}

// Validate checks values that cannot be corrected by defaults.
// Zero values mean "use the default" and are valid.
func (c *Config) Validate() error {
	if c.PingIntervalMs < 0 {
		return apperrors.ConfigInvalid("ping_interval_ms", fmt.Sprintf("must not be negative, got %d", c.PingIntervalMs))
	}
	if c.PingTimeoutIntervals < 0 {
		return apperrors.ConfigInvalid("ping_timeout_intervals", fmt.Sprintf("must not be negative, got %d", c.PingTimeoutIntervals))
	}
	if c.TickIntervalMs < -1 {
		return apperrors.ConfigInvalid("tick_interval_ms", fmt.Sprintf("must be -1 or more, got %d", c.TickIntervalMs))
	}
	if c.MaxBatch < 0 {
		return apperrors.ConfigInvalid("max_batch", fmt.Sprintf("must not be negative, got %d", c.MaxBatch))
	}
	if c.SendQueue < 0 {
		return apperrors.ConfigInvalid("send_queue", fmt.Sprintf("must not be negative, got %d", c.SendQueue))
	}
	if c.EventRate < 0 {
		return apperrors.ConfigInvalid("event_rate", fmt.Sprintf("must not be negative, got %g", c.EventRate))
	}
	if c.EventBurst < 0 {
		return apperrors.ConfigInvalid("event_burst", fmt.Sprintf("must not be negative, got %d", c.EventBurst))
	}
	if c.WatchPollMs < 0 {
		return apperrors.ConfigInvalid("watch_poll_ms", fmt.Sprintf("must not be negative, got %d", c.WatchPollMs))
	}
	if c.RequireAuth && c.AuthSecret == "" {
		return apperrors.ConfigInvalid("auth_secret", "required when require_auth is set")
	}

	seen := make(map[string]bool, len(c.Documents))
	for i, d := range c.Documents {
		if d.Name == "" || d.Path == "" {
			return apperrors.ConfigInvalid(fmt.Sprintf("documents[%d]", i), "name and path are required")
		}
		if seen[d.Name] {
			return apperrors.ConfigInvalid(fmt.Sprintf("documents[%d]", i), fmt.Sprintf("duplicate name %q", d.Name))
		}
		seen[d.Name] = true
	}
	return nil
}

// PingInterval returns the keepalive period, or the default.
func (c *Config) PingInterval() time.Duration {
	if c.PingIntervalMs <= 0 {
		return DefaultPingInterval
	}
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// TimeoutIntervals returns PingTimeoutIntervals, or the default.
func (c *Config) TimeoutIntervals() int {
	if c.PingTimeoutIntervals <= 0 {
		return DefaultTimeoutIntervals
	}
	return c.PingTimeoutIntervals
}

// TickInterval returns the flush window. A negative result means flush
// immediately; zero means the default.
func (c *Config) TickInterval() time.Duration {
	if c.TickIntervalMs < 0 {
		return -1
	}
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// SendQueueSize returns SendQueue, or the default.
func (c *Config) SendQueueSize() int {
	if c.SendQueue <= 0 {
		return DefaultSendQueue
	}
	return c.SendQueue
}

// EventLimit returns the per-connection event rate and burst.
func (c *Config) EventLimit() (float64, int) {
	rate, burst := c.EventRate, c.EventBurst
	if rate <= 0 {
		rate = DefaultEventRate
	}
	if burst <= 0 {
		burst = DefaultEventBurst
	}
	return rate, burst
}

// WatchPoll returns the document file poll period, or the default.
func (c *Config) WatchPoll() time.Duration {
	if c.WatchPollMs <= 0 {
		return DefaultWatchPoll
	}
	return time.Duration(c.WatchPollMs) * time.Millisecond
}
