// Package config loads the service configuration once at startup. Values
// are never reloaded while the process runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/manenim/logquota/pkg/limiter"
)

// Environment overrides, applied after the file.
const (
	EnvRedisAddr    = "REDIS_ADDR"
	EnvListenAddr   = "LOGQUOTA_LISTEN_ADDR"
	EnvQuotaBackend = "LOGQUOTA_QUOTA_BACKEND"
)

// Quota backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	GlobalLimit      int64            `yaml:"global_limit"`
	SystemQuotas     map[string]int64 `yaml:"system_quotas"`
	PerTraceLimit    int64            `yaml:"per_trace_limit"`
	WindowDurationMs int64            `yaml:"window_duration_ms"`

	LogRetentionMs     int64 `yaml:"log_retention_ms"`
	MaxEntriesPerTrace int64 `yaml:"max_entries_per_trace"`

	// QuotaBackend is "memory" (one process owns the counters) or "redis"
	// (processes share counters through Redis).
	QuotaBackend   string `yaml:"quota_backend"`
	QuotaTimeoutMs int64  `yaml:"quota_timeout_ms"`
	StoreTimeoutMs int64  `yaml:"store_timeout_ms"`

	// ReadRateLimitPerMinute limits read routes per client IP. Zero
	// disables it.
	ReadRateLimitPerMinute int `yaml:"read_rate_limit_per_minute"`

	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		GlobalLimit:   1000,
		SystemQuotas:  map[string]int64{"browser": 400, "backend": 300, "worker": 300},
		PerTraceLimit: 100,

		WindowDurationMs: 60_000,
		LogRetentionMs:   24 * 60 * 60 * 1000,

		QuotaBackend:   BackendMemory,
		QuotaTimeoutMs: 250,
		StoreTimeoutMs: 2000,

		ReadRateLimitPerMinute: 600,

		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "logquota:",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, xerrors.Errorf("config file %q not found", path)
			}
			return Config{}, xerrors.Errorf("read config: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	// A file that sets system_quotas replaces the default table.
	var probe struct {
		SystemQuotas map[string]int64 `yaml:"system_quotas"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return xerrors.Errorf("parse config: %w", err)
	}
	if probe.SystemQuotas != nil {
		c.SystemQuotas = nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return xerrors.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup(EnvQuotaBackend); ok && v != "" {
		c.QuotaBackend = strings.ToLower(v)
	}
}

// Quotas converts the configuration into the limiter's policy.
func (c Config) Quotas() limiter.Quotas {
	return limiter.Quotas{
		GlobalLimit:   c.GlobalLimit,
		SystemQuotas:  maps.Clone(c.SystemQuotas),
		PerTraceLimit: c.PerTraceLimit,
		Window:        ms(c.WindowDurationMs),
	}
}

func (c Config) Retention() time.Duration    { return ms(c.LogRetentionMs) }
func (c Config) QuotaTimeout() time.Duration { return ms(c.QuotaTimeoutMs) }
func (c Config) StoreTimeout() time.Duration { return ms(c.StoreTimeoutMs) }

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

func (c Config) Validate() error {
	var errs []string
	if c.ListenAddr == "" {
		errs = append(errs, "listen_addr: must not be empty")
	}
	if c.GlobalLimit < 0 {
		errs = append(errs, "global_limit: must not be negative")
	}
	if len(c.SystemQuotas) == 0 {
		errs = append(errs, "system_quotas: at least one system is required")
	}
	for system, quota := range c.SystemQuotas {
		if strings.TrimSpace(system) == "" {
			errs = append(errs, "system_quotas: system names must not be empty")
		}
		if quota < 0 {
			errs = append(errs, fmt.Sprintf("system_quotas.%s: must not be negative", system))
		}
	}
	if c.PerTraceLimit < 0 {
		errs = append(errs, "per_trace_limit: must not be negative")
	}
	if c.WindowDurationMs <= 0 {
		errs = append(errs, "window_duration_ms: must be positive")
	}
	if c.LogRetentionMs <= 0 {
		errs = append(errs, "log_retention_ms: must be positive")
	}
	if c.MaxEntriesPerTrace < 0 {
		errs = append(errs, "max_entries_per_trace: must not be negative")
	}
	if c.QuotaBackend != BackendMemory && c.QuotaBackend != BackendRedis {
		errs = append(errs, fmt.Sprintf("quota_backend: must be %q or %q", BackendMemory, BackendRedis))
	}
	if c.QuotaTimeoutMs <= 0 {
		errs = append(errs, "quota_timeout_ms: must be positive")
	}
	if c.StoreTimeoutMs <= 0 {
		errs = append(errs, "store_timeout_ms: must be positive")
	}
	if c.ReadRateLimitPerMinute < 0 {
		errs = append(errs, "read_rate_limit_per_minute: must not be negative")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr: must not be empty")
	}
	if c.Redis.DB < 0 {
		errs = append(errs, "redis.db: must not be negative")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}
