// Package config holds the runtime configuration: safe defaults compiled in,
// an optional file override at boot, and live updates through a NATS
// JetStream KV bucket so thresholds can change without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Default intervals. The debug override shrinks both to seconds so a test
// device can exercise the engine without waiting out calendar time.
const (
	DefaultUnusedThresholdDays = 90
	DefaultCheckIntervalDays   = 15
)

// Config is the complete application configuration.
type Config struct {
	// Version gates KV synchronization: the newer of file and KV wins.
	Version string `json:"version"`

	NATS       NATSConfig       `json:"nats"`
	AutoRevoke AutoRevokeConfig `json:"autoRevoke"`
	Metrics    MetricsConfig    `json:"metrics,omitempty"`
}

// NATSConfig defines the event bus connection.
type NATSConfig struct {
	URL           string        `json:"url"`
	MaxReconnects int           `json:"maxReconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnectWait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
}

// AutoRevokeConfig tunes the decision engine.
type AutoRevokeConfig struct {
	// UnusedThresholdDays is how long a package must go unused before its
	// grants qualify for revocation.
	UnusedThresholdDays int `json:"unusedThresholdDays"`

	// CheckIntervalDays is the period of the scheduled engine run.
	CheckIntervalDays int `json:"checkIntervalDays"`

	// Workers is the engine's per-package fan-out width.
	Workers int `json:"workers,omitempty"`

	// DebugOverride interprets both day counts as seconds.
	DebugOverride bool `json:"debugOverride,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		AutoRevoke: AutoRevokeConfig{
			UnusedThresholdDays: DefaultUnusedThresholdDays,
			CheckIntervalDays:   DefaultCheckIntervalDays,
			Workers:             4,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// UnusedThreshold returns the unused threshold as a duration, honoring the
// debug override.
func (c *Config) UnusedThreshold() time.Duration {
	return c.AutoRevoke.interval(c.AutoRevoke.UnusedThresholdDays)
}

// CheckInterval returns the engine schedule period, honoring the debug
// override.
func (c *Config) CheckInterval() time.Duration {
	return c.AutoRevoke.interval(c.AutoRevoke.CheckIntervalDays)
}

func (a AutoRevokeConfig) interval(days int) time.Duration {
	if a.DebugOverride {
		return time.Duration(days) * time.Second
	}
	return time.Duration(days) * 24 * time.Hour
}

// Validate checks the config for values the process cannot run with.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.AutoRevoke.UnusedThresholdDays <= 0 {
		return fmt.Errorf("autoRevoke.unusedThresholdDays must be positive, got %d",
			c.AutoRevoke.UnusedThresholdDays)
	}
	if c.AutoRevoke.CheckIntervalDays <= 0 {
		return fmt.Errorf("autoRevoke.checkIntervalDays must be positive, got %d",
			c.AutoRevoke.CheckIntervalDays)
	}
	if c.AutoRevoke.Workers < 0 {
		return fmt.Errorf("autoRevoke.workers must not be negative, got %d",
			c.AutoRevoke.Workers)
	}
	return nil
}

// Clone creates a deep copy via JSON round-trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Load reads a config file, layering it over the defaults, and validates the
// result against the schema and the semantic checks.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := ValidateJSON(data); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// SafeConfig provides thread-safe access to the configuration. Readers get
// deep copies; writers go through validation.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps a config for concurrent access.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
