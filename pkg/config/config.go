// Package config loads relay configuration from defaults, a YAML file and
// RELAY_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/cache-relay/pkg/cache"
	"github.com/Sternrassler/cache-relay/pkg/ratelimit"
)

// Backend names for the cache and the rate limit state.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	PathPrefix      string        `yaml:"path_prefix"`
	AdminToken      string        `yaml:"admin_token"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig describes the relayed data provider.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	UserAgent      string        `yaml:"user_agent"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	Scope          string        `yaml:"scope"`
	ExcludeParams  []string      `yaml:"exclude_params"`
	ForwardHeaders []string      `yaml:"forward_headers"`
}

// RateLimitConfig holds the global rate limit settings.
type RateLimitConfig struct {
	Backend           string        `yaml:"backend"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffStep       time.Duration `yaml:"backoff_step"`
	KeyPrefix         string        `yaml:"key_prefix"`
}

// CacheConfig holds cache store settings.
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ThrottleConfig limits inbound requests per client address.
type ThrottleConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the complete relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Log       LogConfig       `yaml:"log"`
}

// DefaultConfig returns a Config with sensible defaults. Upstream.BaseURL
// has no default and must be set.
func DefaultConfig() *Config {
	limits := ratelimit.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			PathPrefix:      "/api",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			UserAgent:    "cache-relay/0.1.0",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 10 << 20,
			Scope:        "upstream",
		},
		RateLimit: RateLimitConfig{
			Backend:           BackendMemory,
			RequestsPerSecond: limits.RequestsPerSecond,
			MaxRetries:        limits.MaxRetries,
			RetryDelay:        limits.RetryDelay,
			BackoffStep:       limits.BackoffStep,
		},
		Cache: CacheConfig{
			Backend:       BackendMemory,
			TTL:           cache.DefaultTTL,
			SweepInterval: 10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Throttle: ThrottleConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			IdleTTL:           5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Override adjusts a loaded configuration before it is validated.
type Override func(*Config)

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment, then applies the overrides in order and
// validates the result. Later sources win.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
// Unknown fields are rejected.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies RELAY_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	var errs []error

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(name); v != "" {
			*dst = splitList(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("RELAY_ADDR", &cfg.Server.Addr)
	str("RELAY_PATH_PREFIX", &cfg.Server.PathPrefix)
	str("RELAY_ADMIN_TOKEN", &cfg.Server.AdminToken)

	str("RELAY_UPSTREAM_URL", &cfg.Upstream.BaseURL)
	str("RELAY_USER_AGENT", &cfg.Upstream.UserAgent)
	dur("RELAY_UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	str("RELAY_SCOPE", &cfg.Upstream.Scope)
	list("RELAY_EXCLUDE_PARAMS", &cfg.Upstream.ExcludeParams)
	list("RELAY_FORWARD_HEADERS", &cfg.Upstream.ForwardHeaders)

	str("RELAY_RATELIMIT_BACKEND", &cfg.RateLimit.Backend)
	float("RELAY_REQUESTS_PER_SECOND", &cfg.RateLimit.RequestsPerSecond)
	integer("RELAY_MAX_RETRIES", &cfg.RateLimit.MaxRetries)
	dur("RELAY_RETRY_DELAY", &cfg.RateLimit.RetryDelay)
	dur("RELAY_BACKOFF_STEP", &cfg.RateLimit.BackoffStep)

	str("RELAY_CACHE_BACKEND", &cfg.Cache.Backend)
	dur("RELAY_CACHE_TTL", &cfg.Cache.TTL)
	integer("RELAY_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	dur("RELAY_CACHE_SWEEP_INTERVAL", &cfg.Cache.SweepInterval)

	str("RELAY_REDIS_ADDR", &cfg.Redis.Addr)
	str("RELAY_REDIS_PASSWORD", &cfg.Redis.Password)
	integer("RELAY_REDIS_DB", &cfg.Redis.DB)

	boolean("RELAY_THROTTLE_ENABLED", &cfg.Throttle.Enabled)
	float("RELAY_THROTTLE_RPS", &cfg.Throttle.RequestsPerSecond)
	integer("RELAY_THROTTLE_BURST", &cfg.Throttle.Burst)

	str("RELAY_LOG_LEVEL", &cfg.Log.Level)
	boolean("RELAY_LOG_PRETTY", &cfg.Log.Pretty)

	return errors.Join(errs...)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.PathPrefix != "" && !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("server.path_prefix must start with /, got %q", c.Server.PathPrefix))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.UserAgent == "" {
		errs = append(errs, errors.New("upstream.user_agent is required"))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Upstream.Scope == "" {
		errs = append(errs, errors.New("upstream.scope is required"))
	}
	if err := c.Limiter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit: %w", err))
	}
	if !validBackend(c.RateLimit.Backend) {
		errs = append(errs, fmt.Errorf("rate_limit.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.RateLimit.Backend))
	}
	if !validBackend(c.Cache.Backend) {
		errs = append(errs, fmt.Errorf("cache.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}
	if c.Throttle.Enabled && (c.Throttle.RequestsPerSecond <= 0 || c.Throttle.Burst <= 0) {
		errs = append(errs, errors.New("throttle.requests_per_second and throttle.burst must be positive"))
	}

	return errors.Join(errs...)
}

// Limiter returns the rate limiter configuration.
func (c *Config) Limiter() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		MaxRetries:        c.RateLimit.MaxRetries,
		RetryDelay:        c.RateLimit.RetryDelay,
		BackoffStep:       c.RateLimit.BackoffStep,
	}
}

// FlightTimeout bounds one relayed miss: the longest possible rate limit
// wait plus one upstream call.
func (c *Config) FlightTimeout() time.Duration {
	return c.Limiter().MaxTotalWait() + c.Upstream.Timeout
}

// UsesRedis reports whether any backend needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.RateLimit.Backend == BackendRedis || c.Cache.Backend == BackendRedis
}

func validBackend(b string) bool {
	return b == BackendMemory || b == BackendRedis
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
