// Package common provides shared utilities for the operation queue service.
package common

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the service.
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Queue       QueueConfig   `toml:"queue"`
	Processor   ProcConfig    `toml:"processor"`
	Realtime    RTConfig      `toml:"realtime"`
	Auth        AuthConfig    `toml:"auth"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// QueueConfig holds the backing cache store's connection settings plus
// per-type timeout overrides (spec §6: QUEUE_URL, OPERATION_TIMEOUTS_JSON,
// LEASE_DURATION_MS).
type QueueConfig struct {
	URL               string           `toml:"url"`
	LeaseDurationMS   int              `toml:"lease_duration_ms"`
	OperationTimeouts map[string]int64 `toml:"-"` // type -> timeout ms, parsed from OPERATION_TIMEOUTS_JSON
}

// LeaseDuration returns the configured lease TTL, defaulting to 30s.
func (c *QueueConfig) LeaseDuration() time.Duration {
	if c.LeaseDurationMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LeaseDurationMS) * time.Millisecond
}

// ProcConfig holds the Operation Processor's preemption and retry knobs
// (spec §6: PREEMPTION_DEADLINE_MS, PREEMPTION_POLL_INTERVAL_MS).
type ProcConfig struct {
	Workers              int `toml:"workers"`
	PreemptionDeadlineMS int `toml:"preemption_deadline_ms"`
	PreemptionPollMS     int `toml:"preemption_poll_interval_ms"`
}

func (c *ProcConfig) PreemptionDeadline() time.Duration {
	if c.PreemptionDeadlineMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PreemptionDeadlineMS) * time.Millisecond
}

func (c *ProcConfig) PreemptionPoll() time.Duration {
	if c.PreemptionPollMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PreemptionPollMS) * time.Millisecond
}

// RTConfig holds Real-Time Hub knobs (spec §6: WS_HEARTBEAT_MS,
// WS_BUFFER_SIZE, WS_BUFFER_TTL_MS).
type RTConfig struct {
	HeartbeatMS int `toml:"heartbeat_ms"`
	BufferSize  int `toml:"buffer_size"`
	BufferTTLMS int `toml:"buffer_ttl_ms"`
}

func (c *RTConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

func (c *RTConfig) BufferTTL() time.Duration {
	if c.BufferTTLMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.BufferTTLMS) * time.Millisecond
}

// AuthConfig holds JWT verification configuration.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Queue: QueueConfig{
			URL:             "redis://localhost:6379/0",
			LeaseDurationMS: 30_000,
		},
		Processor: ProcConfig{
			Workers:              5,
			PreemptionDeadlineMS: 30_000,
			PreemptionPollMS:     500,
		},
		Realtime: RTConfig{
			HeartbeatMS: 30_000,
			BufferSize:  200,
			BufferTTLMS: 5 * 60_000,
		},
		Auth: AuthConfig{
			JWTSecret: "dev-jwt-secret-change-in-production",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/opqueue.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config, per
// the recognized options in spec §6.
func applyEnvOverrides(config *Config) error {
	if env := os.Getenv("OPQ_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("OPQ_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("OPQ_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if v := os.Getenv("QUEUE_URL"); v != "" {
		config.Queue.URL = v
	}
	if v := os.Getenv("LEASE_DURATION_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.LeaseDurationMS = n
		}
	}
	if v := os.Getenv("OPERATION_TIMEOUTS_JSON"); v != "" {
		timeouts := make(map[string]int64)
		if err := json.Unmarshal([]byte(v), &timeouts); err != nil {
			return fmt.Errorf("failed to parse OPERATION_TIMEOUTS_JSON: %w", err)
		}
		config.Queue.OperationTimeouts = timeouts
	}

	if v := os.Getenv("PREEMPTION_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Processor.PreemptionDeadlineMS = n
		}
	}
	if v := os.Getenv("PREEMPTION_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Processor.PreemptionPollMS = n
		}
	}

	if v := os.Getenv("WS_HEARTBEAT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Realtime.HeartbeatMS = n
		}
	}
	if v := os.Getenv("WS_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Realtime.BufferSize = n
		}
	}
	if v := os.Getenv("WS_BUFFER_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Realtime.BufferTTLMS = n
		}
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
