package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string     `toml:"default_profile"`
	API            API        `toml:"api"`
	Sync           Sync       `toml:"sync"`
	Connection     Connection `toml:"connection"`
	Outbox         Outbox     `toml:"outbox"`
	Message        Message    `toml:"message"`
	Metrics        Metrics    `toml:"metrics"`
}

// API configures the REST and realtime endpoints.
type API struct {
	BaseURL        string   `toml:"base_url"`
	WSURL          string   `toml:"ws_url"`
	TokenFile      string   `toml:"token_file"`
	UserID         string   `toml:"user_id"`
	RequestTimeout Duration `toml:"request_timeout"`
	RetryMax       int      `toml:"retry_max"`
}

// Sync configures the orchestrator and tombstone escalation.
type Sync struct {
	Debounce              Duration `toml:"debounce"`
	Interval              Duration `toml:"interval"`
	FullEvery             int      `toml:"full_every"`
	TombstoneMaxSurvivals int      `toml:"tombstone_max_survivals"`
}

// Connection configures reconnect backoff and heartbeat supervision.
type Connection struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	BackoffBase       Duration `toml:"backoff_base"`
	BackoffMax        Duration `toml:"backoff_max"`
	MaxAttempts       int      `toml:"max_attempts"`
	JitterPercent     int      `toml:"jitter_percent"`
}

// Outbox configures delivery of locally composed messages.
type Outbox struct {
	PollInterval Duration `toml:"poll_interval"`
	MaxAttempts  int      `toml:"max_attempts"`
}

// Message configures acknowledgement matching.
type Message struct {
	FallbackWindow    Duration `toml:"fallback_window"`
	OrphanStatusCache int      `toml:"orphan_status_cache"`
}

// Metrics configures the Prometheus endpoint. Empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		API: API{
			BaseURL:        "http://localhost:8080",
			WSURL:          "ws://localhost:8080/ws",
			RequestTimeout: Duration(10 * time.Second),
			RetryMax:       2,
		},
		Sync: Sync{
			Debounce:              Duration(300 * time.Millisecond),
			Interval:              Duration(5 * time.Minute),
			FullEvery:             10,
			TombstoneMaxSurvivals: 3,
		},
		Connection: Connection{
			HeartbeatInterval: Duration(30 * time.Second),
			BackoffBase:       Duration(2 * time.Second),
			BackoffMax:        Duration(60 * time.Second),
			MaxAttempts:       5,
			JitterPercent:     20,
		},
		Outbox: Outbox{
			PollInterval: Duration(500 * time.Millisecond),
			MaxAttempts:  5,
		},
		Message: Message{
			FallbackWindow:    Duration(2 * time.Second),
			OrphanStatusCache: 1024,
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
