package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.convo/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server ServerConfig `toml:"server"`
	Sync   SyncConfig   `toml:"sync"`
}

// ServerConfig selects the backend endpoints. These are the only
// environment-provided knobs the engine itself depends on.
type ServerConfig struct {
	// BaseURL is the REST base, e.g. "https://chat.example.com".
	BaseURL string `toml:"base_url"`
	// SocketPath is the websocket upgrade path on the same host.
	SocketPath string `toml:"socket_path"`
	// Token is the bearer token presented on both the REST and socket
	// connections. The CONVO_TOKEN environment variable takes precedence.
	Token string `toml:"token"`
}

// SyncConfig tunes engine timing behavior. Zero values are replaced with
// defaults on load.
type SyncConfig struct {
	// PendingTimeout is how long an optimistic send may stay unconfirmed
	// before it is marked failed.
	PendingTimeout duration `toml:"pending_timeout"`
	// TypingExpiry clears a remote typing indicator after this long with
	// no fresh typing event.
	TypingExpiry duration `toml:"typing_expiry"`
	// TypingDebounce rate-limits local typing emission.
	TypingDebounce duration `toml:"typing_debounce"`
	// UnreadReconcileInterval is how often to request the authoritative
	// total unread count as a correctness backstop.
	UnreadReconcileInterval duration `toml:"unread_reconcile_interval"`
	// ReconnectMaxRetries bounds automatic reconnection attempts.
	ReconnectMaxRetries int `toml:"reconnect_max_retries"`
	// ReconnectBackoff is the per-attempt linear backoff step.
	ReconnectBackoff duration `toml:"reconnect_backoff"`
}

// duration wraps time.Duration so TOML values can be written as "3s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with all sync knobs at their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SocketPath: "/ws",
		},
		Sync: SyncConfig{
			PendingTimeout:          duration{15 * time.Second},
			TypingExpiry:            duration{3 * time.Second},
			TypingDebounce:          duration{500 * time.Millisecond},
			UnreadReconcileInterval: duration{30 * time.Second},
			ReconnectMaxRetries:     10,
			ReconnectBackoff:        duration{2 * time.Second},
		},
	}
}

// Load reads config from the given path and fills unset sync values with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.SocketPath == "" {
		cfg.Server.SocketPath = def.Server.SocketPath
	}
	if cfg.Sync.PendingTimeout.Duration <= 0 {
		cfg.Sync.PendingTimeout = def.Sync.PendingTimeout
	}
	if cfg.Sync.TypingExpiry.Duration <= 0 {
		cfg.Sync.TypingExpiry = def.Sync.TypingExpiry
	}
	if cfg.Sync.TypingDebounce.Duration <= 0 {
		cfg.Sync.TypingDebounce = def.Sync.TypingDebounce
	}
	if cfg.Sync.UnreadReconcileInterval.Duration <= 0 {
		cfg.Sync.UnreadReconcileInterval = def.Sync.UnreadReconcileInterval
	}
	if cfg.Sync.ReconnectMaxRetries <= 0 {
		cfg.Sync.ReconnectMaxRetries = def.Sync.ReconnectMaxRetries
	}
	if cfg.Sync.ReconnectBackoff.Duration <= 0 {
		cfg.Sync.ReconnectBackoff = def.Sync.ReconnectBackoff
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// PendingTimeout returns the configured pending-send timeout.
func (c *Config) PendingTimeout() time.Duration { return c.Sync.PendingTimeout.Duration }

// TypingExpiry returns the configured remote typing expiry.
func (c *Config) TypingExpiry() time.Duration { return c.Sync.TypingExpiry.Duration }

// TypingDebounce returns the configured local typing debounce interval.
func (c *Config) TypingDebounce() time.Duration { return c.Sync.TypingDebounce.Duration }

// UnreadReconcileInterval returns the authoritative unread refresh interval.
func (c *Config) UnreadReconcileInterval() time.Duration {
	return c.Sync.UnreadReconcileInterval.Duration
}
