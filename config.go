// Package horus wires together the shared-memory IPC fabric, tensor
// pool, hub, and scheduler into a single importable library, and carries
// the process-wide configuration and logging conventions every subsystem
// shares.
package horus

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds process-wide tunables: shared-memory location, default
// topic/pool sizing, scheduler preset selection, and logging. Per-topic
// and per-pool construction arguments remain explicit function
// parameters at the call site — this struct only governs process
// defaults.
type Config struct {
	ShmBaseDir string `env:"HORUS_SHM_BASE_DIR" envDefault:""`

	DefaultTopicCapacity int `env:"HORUS_DEFAULT_TOPIC_CAPACITY" envDefault:"1024"`
	DefaultPoolSizeBytes int `env:"HORUS_DEFAULT_POOL_SIZE_BYTES" envDefault:"1073741824"`
	DefaultPoolMaxSlots  int `env:"HORUS_DEFAULT_POOL_MAX_SLOTS" envDefault:"1024"`

	SchedulerPreset      string        `env:"HORUS_SCHEDULER_PRESET" envDefault:"standard"`
	SchedulerTickRateHz  float64       `env:"HORUS_SCHEDULER_TICK_RATE_HZ" envDefault:"0"`
	HeartbeatDir         string        `env:"HORUS_HEARTBEAT_DIR" envDefault:"/tmp/horus/heartbeats"`
	RegistryPath         string        `env:"HORUS_REGISTRY_PATH" envDefault:"/tmp/horus/registry.json"`
	RegistryWriteEvery   time.Duration `env:"HORUS_REGISTRY_WRITE_INTERVAL" envDefault:"5s"`

	MetricsAddr string `env:"HORUS_METRICS_ADDR" envDefault:":9100"`

	LogLevel  string `env:"HORUS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"HORUS_LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads an optional .env file then environment variables into
// a Config, validating the result. Priority: environment variables > .env
// file > struct defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("horus: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("horus: invalid config: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated")
	}
	return cfg, nil
}

// Validate checks Config for internally inconsistent values.
func (c *Config) Validate() error {
	if c.DefaultTopicCapacity < 1 {
		return fmt.Errorf("HORUS_DEFAULT_TOPIC_CAPACITY must be > 0, got %d", c.DefaultTopicCapacity)
	}
	if c.DefaultPoolSizeBytes < 1 {
		return fmt.Errorf("HORUS_DEFAULT_POOL_SIZE_BYTES must be > 0, got %d", c.DefaultPoolSizeBytes)
	}
	if c.DefaultPoolMaxSlots < 1 {
		return fmt.Errorf("HORUS_DEFAULT_POOL_MAX_SLOTS must be > 0, got %d", c.DefaultPoolMaxSlots)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("HORUS_LOG_LEVEL must be one of debug/info/warn/error/fatal, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("HORUS_LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// ZerologLevel parses LogLevel into a zerolog.Level.
func (c *Config) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
