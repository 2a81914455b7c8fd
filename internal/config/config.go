// Package config holds all configuration types and loading logic for Switchboard.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a Switchboard instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Router   RouterConfig   `yaml:"router"`
	Ingress  IngressConfig  `yaml:"ingress"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig holds the identity settings for this process.
type InstanceConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// RouterConfig sets defaults and limits that apply to message routing and to
// every per-session queue.
type RouterConfig struct {
	// MaxQueueSize is the maximum number of messages held per session queue.
	// When a queue is full the lowest-priority entry is evicted to make room.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MessageTimeoutMs bounds a single delivery attempt to one connection.
	MessageTimeoutMs int64 `yaml:"message_timeout_ms"`

	// RetryAttempts is the number of failed deliveries a message may
	// accumulate before it is surfaced as permanently failed. A message is
	// therefore tried RetryAttempts+1 times in total.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryDelayMs is the pause before a failed message becomes eligible for
	// redelivery.
	RetryDelayMs int64 `yaml:"retry_delay_ms"`

	// PriorityLevels lists the valid priority tiers, lowest urgency first.
	PriorityLevels []string `yaml:"priority_levels"`

	// DefaultPriority is assigned when a message carries no (or an unknown)
	// priority. Must be a member of PriorityLevels.
	DefaultPriority string `yaml:"default_priority"`

	// DrainPacingMs is the minimum spacing between messages drained from a
	// session queue, so a reconnecting client is not firehosed. 0 disables pacing.
	DrainPacingMs int64 `yaml:"drain_pacing_ms"`

	// PendingRetentionMs is how long completed delivery records are kept for
	// correlation before the janitor removes them.
	PendingRetentionMs int64 `yaml:"pending_retention_ms"`

	// MaxParallelDeliveries bounds the number of sessions a broadcast fans out
	// to concurrently.
	MaxParallelDeliveries int `yaml:"max_parallel_deliveries"`

	// FailedHistorySize is the number of permanently failed messages retained
	// for inspection. Oldest entries are discarded first.
	FailedHistorySize int `yaml:"failed_history_size"`
}

// IngressConfig sets rate limiting applied to message producers.
type IngressConfig struct {
	// MaxRate is messages per second accepted by the router. 0 disables limiting.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Router: RouterConfig{
			MaxQueueSize:          1_000,
			MessageTimeoutMs:      30_000,
			RetryAttempts:         3,
			RetryDelayMs:          1_000,
			PriorityLevels:        []string{"low", "normal", "high", "urgent"},
			DefaultPriority:       "normal",
			DrainPacingMs:         100,
			PendingRetentionMs:    300_000,
			MaxParallelDeliveries: 32,
			FailedHistorySize:     256,
		},
		Ingress: IngressConfig{
			MaxRate: 0,
			Burst:   0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run Switchboard with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	SWITCHBOARD_DATA_DIR        — sets instance.data_dir
//	SWITCHBOARD_METRICS_PORT    — sets metrics.port
//	SWITCHBOARD_MAX_QUEUE_SIZE  — sets router.max_queue_size
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SWITCHBOARD_DATA_DIR"); v != "" {
		cfg.Instance.DataDir = v
	}
	if v := os.Getenv("SWITCHBOARD_METRICS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
	if v := os.Getenv("SWITCHBOARD_MAX_QUEUE_SIZE"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Router.MaxQueueSize = n
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Instance.DataDir == "" {
		return errors.New("instance.data_dir must not be empty")
	}
	if c.Router.MaxQueueSize < 1 {
		return errors.New("router.max_queue_size must be at least 1")
	}
	if c.Router.MessageTimeoutMs < 1 {
		return errors.New("router.message_timeout_ms must be at least 1")
	}
	if c.Router.RetryAttempts < 1 {
		return errors.New("router.retry_attempts must be at least 1")
	}
	if c.Router.RetryDelayMs < 0 {
		return errors.New("router.retry_delay_ms must be >= 0")
	}
	if len(c.Router.PriorityLevels) == 0 {
		return errors.New("router.priority_levels must not be empty")
	}
	seen := make(map[string]bool, len(c.Router.PriorityLevels))
	for _, lv := range c.Router.PriorityLevels {
		if lv == "" {
			return errors.New("router.priority_levels must not contain empty names")
		}
		if seen[lv] {
			return fmt.Errorf("router.priority_levels contains %q twice", lv)
		}
		seen[lv] = true
	}
	if !seen[c.Router.DefaultPriority] {
		return fmt.Errorf("router.default_priority %q is not in router.priority_levels", c.Router.DefaultPriority)
	}
	if c.Router.DrainPacingMs < 0 {
		return errors.New("router.drain_pacing_ms must be >= 0")
	}
	if c.Router.PendingRetentionMs < 1 {
		return errors.New("router.pending_retention_ms must be at least 1")
	}
	if c.Router.MaxParallelDeliveries < 1 {
		return errors.New("router.max_parallel_deliveries must be at least 1")
	}
	if c.Router.FailedHistorySize < 1 {
		return errors.New("router.failed_history_size must be at least 1")
	}
	if c.Ingress.MaxRate < 0 {
		return errors.New("ingress.max_rate must be >= 0")
	}
	if c.Ingress.MaxRate > 0 && c.Ingress.Burst < 1 {
		return errors.New("ingress.burst must be at least 1 when ingress.max_rate is set")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
