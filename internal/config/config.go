// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Snapshot      SnapshotConfig      `yaml:"snapshot"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how bearer tokens are verified. Tokens signed with
// a shared secret (SecretEnv) take precedence over a JWKS endpoint.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	SecretEnv    string            `yaml:"secret_env"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// Secret returns the shared signing secret, or nil when none is configured.
func (c IdentityConfig) Secret() []byte {
	if c.SecretEnv == "" {
		return nil
	}
	v := os.Getenv(c.SecretEnv)
	if v == "" {
		return nil
	}
	return []byte(v)
}

// BackendConfig describes the remote pipeline service.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// SessionsConfig controls the lifetime of per-user pipeline stores.
type SessionsConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSessions   int           `yaml:"max_sessions"`
}

// SnapshotConfig describes where last-known-good pipeline snapshots live.
type SnapshotConfig struct {
	Driver          string        `yaml:"driver"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TTL             time.Duration `yaml:"ttl"`
}

// EventsConfig describes the WebSocket change feed.
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	SendBuffer     int           `yaml:"send_buffer"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // json or console
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:    "FUNNEL_JWT_SECRET",
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "id",
				"email":      "email",
				"name":       "name",
				"roles":      "role",
			},
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    time.Minute,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Sessions: SessionsConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
			MaxSessions:   10000,
		},
		Snapshot: SnapshotConfig{
			Driver:          DriverMemory,
			AddrEnv:         "FUNNEL_REDIS_ADDR",
			DSNEnv:          "FUNNEL_DATABASE_URL",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			TTL:             24 * time.Hour,
		},
		Events: EventsConfig{
			Enabled:      true,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			SendBuffer:   32,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads the YAML file at path over Defaults, applies FUNNEL_*
// environment overrides and validates the result. Unknown keys are errors.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg := Defaults()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	check(c.Identity.SecretEnv != "" || c.Identity.JWKSURL != "", "identity.secret_env or identity.jwks_url is required")
	check(len(c.Identity.Algorithms) > 0, "identity.algorithms must not be empty")

	if c.Backend.BaseURL == "" {
		check(false, "backend.base_url is required")
	} else {
		u, err := url.Parse(c.Backend.BaseURL)
		check(err == nil && u.Scheme != "" && u.Host != "", "backend.base_url must be an absolute URL")
	}
	check(c.Backend.Timeout > 0, "backend.timeout must be positive")
	check(c.Backend.Retry.MaxAttempts >= 0, "backend.retry.max_attempts must not be negative")
	rate := c.Backend.CircuitBreaker.ErrorRateThreshold
	check(rate >= 0 && rate <= 1, "backend.circuit_breaker.error_rate_threshold must be within [0, 1]")
	check(c.Sessions.IdleTTL > 0, "sessions.idle_ttl must be positive")

	switch c.Snapshot.Driver {
	case "", DriverMemory:
	case DriverRedis:
		check(c.Snapshot.AddrEnv != "", "snapshot.addr_env is required for the redis driver")
	case DriverPostgres:
		check(c.Snapshot.DSNEnv != "", "snapshot.dsn_env is required for the postgres driver")
	default:
		check(false, "snapshot.driver %q is not supported", c.Snapshot.Driver)
	}

	obs := c.Observability
	check(slices.Contains([]string{"", "json", "console"}, obs.LogFormat),
		"observability.log_format %q is not supported", obs.LogFormat)
	check(slices.Contains([]string{"", "otlp", "stdout"}, obs.Tracing.Exporter),
		"observability.tracing.exporter %q is not supported", obs.Tracing.Exporter)
	check(obs.Tracing.SamplingRate >= 0 && obs.Tracing.SamplingRate <= 1,
		"observability.tracing.sampling_rate must be within [0, 1]")

	return errors.Join(errs...)
}

// envOverrides maps FUNNEL_* variables onto the fields most often changed
// per deployment.
var envOverrides = map[string]func(*Config, string) error{
	"FUNNEL_SERVER_PORT": func(c *Config, v string) (err error) {
		c.Server.Port, err = strconv.Atoi(v)
		return err
	},
	"FUNNEL_BACKEND_BASE_URL": func(c *Config, v string) error {
		c.Backend.BaseURL = v
		return nil
	},
	"FUNNEL_BACKEND_TIMEOUT": func(c *Config, v string) (err error) {
		c.Backend.Timeout, err = time.ParseDuration(v)
		return err
	},
	"FUNNEL_IDENTITY_SECRET_ENV": func(c *Config, v string) error {
		c.Identity.SecretEnv = v
		return nil
	},
	"FUNNEL_IDENTITY_JWKS_URL": func(c *Config, v string) error {
		c.Identity.JWKSURL = v
		return nil
	},
	"FUNNEL_SNAPSHOT_DRIVER": func(c *Config, v string) error {
		c.Snapshot.Driver = v
		return nil
	},
	"FUNNEL_EVENTS_ENABLED": func(c *Config, v string) (err error) {
		c.Events.Enabled, err = strconv.ParseBool(v)
		return err
	},
	"FUNNEL_OBSERVABILITY_LOG_LEVEL": func(c *Config, v string) error {
		c.Observability.LogLevel = v
		return nil
	},
	"FUNNEL_OBSERVABILITY_LOG_FORMAT": func(c *Config, v string) error {
		c.Observability.LogFormat = v
		return nil
	},
	"FUNNEL_TRACING_ENDPOINT": func(c *Config, v string) error {
		c.Observability.Tracing.Endpoint = v
		return nil
	},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for name, apply := range envOverrides {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", name, v, err))
		}
	}
	return errors.Join(errs...)
}
