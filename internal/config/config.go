// Package config loads and validates the coordinator configuration from a
// YAML file and environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/farmcc/farmcc/pkg/errors"
)

// Config is the complete coordinator configuration.
type Config struct {
	// CacheRoot is the artifact store directory. Required.
	CacheRoot string `yaml:"cache_root"`
	// CacheBytes is the store budget in bytes. Zero means unlimited.
	CacheBytes uint64 `yaml:"cache_bytes"`
	// Workers is the build worker pool size. Zero means one worker per
	// logical CPU.
	Workers int `yaml:"workers"`

	// RemoteEndpoint is the optional remote builder address. Empty
	// disables remote dispatch entirely.
	RemoteEndpoint string `yaml:"remote_endpoint"`
	// RemoteDeadlineMS caps one remote dispatch in milliseconds.
	RemoteDeadlineMS uint64 `yaml:"remote_deadline_ms"`
	// RemoteErrorThreshold is the failure rate at which remote dispatch
	// is briefly avoided.
	RemoteErrorThreshold float64 `yaml:"remote_error_threshold"`

	// ListenAddr is the coordinator's client-facing address.
	ListenAddr string `yaml:"listen_addr"`
	// SharedSecret authenticates clients and remote builders.
	SharedSecret string `yaml:"shared_secret"`
	// QueueHighWatermark is the local queue depth at or above which remote
	// dispatch is preferred. Zero means the worker count.
	QueueHighWatermark int `yaml:"queue_high_watermark"`
	// LocalCompileTimeoutMS optionally caps a local compile. Zero means
	// no cap.
	LocalCompileTimeoutMS uint64 `yaml:"local_compile_timeout_ms"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`
	// MetricsPort serves prometheus metrics when non-zero.
	MetricsPort int `yaml:"metrics_port"`
}

// NewDefault returns a configuration with sensible defaults. CacheRoot has
// no default; it must be supplied.
func NewDefault() *Config {
	return &Config{
		CacheBytes:           10 << 30, // 10GB
		Workers:              runtime.NumCPU(),
		RemoteDeadlineMS:     30_000,
		RemoteErrorThreshold: 0.5,
		ListenAddr:           "127.0.0.1:3633",
		LogLevel:             "INFO",
	}
}

// LoadFromFile merges settings from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.CodeMissingConfig, "read config file", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.CodeInvalidConfig, "parse config file", err)
	}
	return nil
}

// LoadFromEnv merges settings from FARMCC_* environment variables.
func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("FARMCC_CACHE_ROOT"); val != "" {
		c.CacheRoot = val
	}
	if val := os.Getenv("FARMCC_CACHE_BYTES"); val != "" {
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return errors.Newf(errors.CodeInvalidConfig, "FARMCC_CACHE_BYTES: %v", err)
		}
		c.CacheBytes = n
	}
	if val := os.Getenv("FARMCC_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Newf(errors.CodeInvalidConfig, "FARMCC_WORKERS: %v", err)
		}
		c.Workers = n
	}
	if val := os.Getenv("FARMCC_REMOTE_ENDPOINT"); val != "" {
		c.RemoteEndpoint = val
	}
	if val := os.Getenv("FARMCC_REMOTE_DEADLINE_MS"); val != "" {
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return errors.Newf(errors.CodeInvalidConfig, "FARMCC_REMOTE_DEADLINE_MS: %v", err)
		}
		c.RemoteDeadlineMS = n
	}
	if val := os.Getenv("FARMCC_REMOTE_ERROR_THRESHOLD"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.Newf(errors.CodeInvalidConfig, "FARMCC_REMOTE_ERROR_THRESHOLD: %v", err)
		}
		c.RemoteErrorThreshold = f
	}
	if val := os.Getenv("FARMCC_LISTEN_ADDR"); val != "" {
		c.ListenAddr = val
	}
	if val := os.Getenv("FARMCC_SHARED_SECRET"); val != "" {
		c.SharedSecret = val
	}
	if val := os.Getenv("FARMCC_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	return nil
}

// Validate checks the configuration for use.
func (c *Config) Validate() error {
	if c.CacheRoot == "" {
		return errors.New(errors.CodeMissingConfig, "cache_root is required")
	}
	if c.Workers < 0 {
		return errors.New(errors.CodeInvalidConfig, "workers must not be negative")
	}
	if c.RemoteErrorThreshold < 0 || c.RemoteErrorThreshold > 1 {
		return errors.Newf(errors.CodeInvalidConfig,
			"remote_error_threshold %v must be within [0, 1]", c.RemoteErrorThreshold)
	}
	if c.QueueHighWatermark < 0 {
		return errors.New(errors.CodeInvalidConfig, "queue_high_watermark must not be negative")
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errors.Newf(errors.CodeInvalidConfig,
			"invalid log_level %q (must be one of: DEBUG, INFO, WARN, ERROR)", c.LogLevel)
	}
	return nil
}

// RemoteDeadline returns the remote dispatch deadline as a duration.
func (c *Config) RemoteDeadline() time.Duration {
	return time.Duration(c.RemoteDeadlineMS) * time.Millisecond
}

// LocalCompileTimeout returns the local compile cap as a duration.
func (c *Config) LocalCompileTimeout() time.Duration {
	return time.Duration(c.LocalCompileTimeoutMS) * time.Millisecond
}

// HighWatermark resolves the effective queue-depth threshold for
// preferring remote dispatch.
func (c *Config) HighWatermark() int {
	if c.QueueHighWatermark > 0 {
		return c.QueueHighWatermark
	}
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String renders the configuration for startup logging, secret elided.
func (c *Config) String() string {
	secret := ""
	if c.SharedSecret != "" {
		secret = "<set>"
	}
	return fmt.Sprintf("cache_root=%s cache_bytes=%d workers=%d remote=%s listen=%s secret=%s",
		c.CacheRoot, c.CacheBytes, c.Workers, c.RemoteEndpoint, c.ListenAddr, secret)
}
