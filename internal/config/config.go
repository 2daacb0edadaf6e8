// Package config loads the engine's YAML configuration file. Every
// setting has a default, so a missing file or an empty document yields
// a runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Database      Database      `yaml:"database"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	Webhooks      Webhooks      `yaml:"webhooks"`
	Metrics       Metrics       `yaml:"metrics"`
	Automations   Automations   `yaml:"automations"`
}

// Database configures the SQLite node store.
type Database struct {
	// Path to the database file. ":memory:" gives a throwaway store.
	Path string `yaml:"path"`
}

// Subscriptions configures the query subscription service.
type Subscriptions struct {
	// DebounceMS batches mutation bursts; 0 evaluates immediately.
	DebounceMS int `yaml:"debounce_ms"`
	// SmartInvalidation prunes evaluations by static filter analysis.
	SmartInvalidation *bool `yaml:"smart_invalidation"`
}

// Webhooks configures the webhook queue retry policy.
type Webhooks struct {
	MaxAttempts       int `yaml:"max_attempts"`
	BaseDelayMS       int `yaml:"base_delay_ms"`
	MaxDelayMS        int `yaml:"max_delay_ms"`
	ProcessIntervalMS int `yaml:"process_interval_ms"`
}

// Metrics configures the Prometheus exposition endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Automations points at CUE automation definitions loaded at startup.
type Automations struct {
	// Dir is scanned for *.cue files. Empty disables loading.
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	smart := true
	return Config{
		Database:      Database{Path: "weft.db"},
		Subscriptions: Subscriptions{DebounceMS: 0, SmartInvalidation: &smart},
		Webhooks: Webhooks{
			MaxAttempts:       3,
			BaseDelayMS:       1000,
			MaxDelayMS:        30000,
			ProcessIntervalMS: 100,
		},
		Metrics: Metrics{Enabled: true, Addr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults. Settings absent
// from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Subscriptions.DebounceMS < 0 {
		return fmt.Errorf("subscriptions.debounce_ms must not be negative")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}
	if c.Webhooks.BaseDelayMS < 1 {
		return fmt.Errorf("webhooks.base_delay_ms must be at least 1")
	}
	if c.Webhooks.MaxDelayMS < c.Webhooks.BaseDelayMS {
		return fmt.Errorf("webhooks.max_delay_ms must not be below base_delay_ms")
	}
	if c.Webhooks.ProcessIntervalMS < 1 {
		return fmt.Errorf("webhooks.process_interval_ms must be at least 1")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}

// Debounce returns the subscription debounce window.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.Subscriptions.DebounceMS) * time.Millisecond
}

// SmartInvalidation reports whether evaluation pruning is on.
func (c Config) SmartInvalidation() bool {
	if c.Subscriptions.SmartInvalidation == nil {
		return true
	}
	return *c.Subscriptions.SmartInvalidation
}

// WebhookDelays returns the retry backoff bounds.
func (c Config) WebhookDelays() (base, max time.Duration) {
	return time.Duration(c.Webhooks.BaseDelayMS) * time.Millisecond,
		time.Duration(c.Webhooks.MaxDelayMS) * time.Millisecond
}

// WebhookInterval returns the background processing period.
func (c Config) WebhookInterval() time.Duration {
	return time.Duration(c.Webhooks.ProcessIntervalMS) * time.Millisecond
}
