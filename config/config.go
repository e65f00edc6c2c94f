package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config carries the scheduling core's recognized options plus the
// ambient fields (env, log level, ports) every service process loads
// alongside its domain config.
type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	MinRecalculationIntervalMs int64 `env:"MIN_RECALCULATION_INTERVAL_MS" envDefault:"100" validate:"min=1"`
	MaxTimeoutMs               int64 `env:"MAX_TIMEOUT_MS" envDefault:"2147483647" validate:"min=1"`
	CompletionCheckIntervalMs  int64 `env:"COMPLETION_CHECK_INTERVAL_MS" envDefault:"1000" validate:"min=1"`
	PollingIntervalSeconds     int64 `env:"POLLING_INTERVAL_SECONDS" envDefault:"1" validate:"min=1"`
	DefaultTimeoutMs           int64 `env:"DEFAULT_TIMEOUT_MS" envDefault:"300000" validate:"min=1"`
	StuckTaskTimeoutMs         int64 `env:"STUCK_TASK_TIMEOUT_MS" envDefault:"3600000" validate:"min=1"`
	MaxConsecutiveFailures     int   `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"5" validate:"min=1"`

	// CompletionRouterMode selects which Completion Router implementation
	// main wires up: a push-based subscriber or a poll-based scanner.
	CompletionRouterMode string `env:"COMPLETION_ROUTER_MODE" envDefault:"push" validate:"required,oneof=push poll"`

	QueueWorkerPollIntervalMs int64 `env:"QUEUE_WORKER_POLL_INTERVAL_MS" envDefault:"500" validate:"min=1"`
	QueueWorkerConcurrency    int   `env:"QUEUE_WORKER_CONCURRENCY" envDefault:"10" validate:"min=1"`
	QueueHeartbeatTimeoutMs   int64 `env:"QUEUE_HEARTBEAT_TIMEOUT_MS" envDefault:"30000" validate:"min=1"`
	QueueReaperIntervalMs     int64 `env:"QUEUE_REAPER_INTERVAL_MS" envDefault:"15000" validate:"min=1"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) MinRecalculationInterval() time.Duration {
	return time.Duration(c.MinRecalculationIntervalMs) * time.Millisecond
}

func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMs) * time.Millisecond
}

func (c *Config) CompletionCheckInterval() time.Duration {
	return time.Duration(c.CompletionCheckIntervalMs) * time.Millisecond
}

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func (c *Config) StuckTaskTimeout() time.Duration {
	return time.Duration(c.StuckTaskTimeoutMs) * time.Millisecond
}

func (c *Config) QueueWorkerPollInterval() time.Duration {
	return time.Duration(c.QueueWorkerPollIntervalMs) * time.Millisecond
}

func (c *Config) QueueHeartbeatTimeout() time.Duration {
	return time.Duration(c.QueueHeartbeatTimeoutMs) * time.Millisecond
}

func (c *Config) QueueReaperInterval() time.Duration {
	return time.Duration(c.QueueReaperIntervalMs) * time.Millisecond
}
