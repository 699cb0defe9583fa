// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
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

// IdentityConfig describes how bearer tokens issued by the identity
// collaborator are verified. Tokens are HMAC-signed; the shared secret is
// read from the environment variable named by SecretEnv.
type IdentityConfig struct {
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	SecretEnv  string        `yaml:"secret_env"`
	Algorithms []string      `yaml:"algorithms"`
	Leeway     time.Duration `yaml:"leeway"`
}

// Secret resolves the signing secret from the environment.
func (c IdentityConfig) Secret() string {
	if c.SecretEnv == "" {
		return ""
	}
	return os.Getenv(c.SecretEnv)
}

// StoreConfig describes application persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DSN resolves the connection string from the environment.
func (c StoreConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// WorkflowConfig describes the status workflow service.
type WorkflowConfig struct {
	ConflictRetries int         `yaml:"conflict_retries"`
	Retry           RetryConfig `yaml:"retry"`
	RecordNoop      bool        `yaml:"record_noop"`
}

// RetryConfig describes backoff for transient store failures.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
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
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "CRM_JWT_SECRET",
			Algorithms: []string{"HS256"},
			Leeway:     30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CRM_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Timeout:         5 * time.Second,
		},
		Workflow: WorkflowConfig{
			ConflictRetries: 1,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    50 * time.Millisecond,
				BackoffMultiplier: 2.0,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "CRM_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.secret_env is required")
	}
	for _, alg := range c.Identity.Algorithms {
		if !strings.HasPrefix(alg, "HS") {
			errs = append(errs, fmt.Sprintf("identity.algorithms: unsupported %q (HMAC only)", alg))
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, "store.timeout must be positive")
	}

	if c.Workflow.ConflictRetries < 0 {
		errs = append(errs, "workflow.conflict_retries must not be negative")
	}
	if c.Workflow.Retry.MaxAttempts < 1 {
		errs = append(errs, "workflow.retry.max_attempts must be at least 1")
	}
	if c.Workflow.Retry.BackoffMultiplier < 1 {
		errs = append(errs, "workflow.retry.backoff_multiplier must be at least 1")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
		}
		if c.Idempotency.Store.DefaultTTL <= 0 {
			errs = append(errs, "idempotency.store.default_ttl must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CRM_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRM_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CRM_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CRM_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CRM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CRM_STORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.Timeout = d
		}
	}
	if v := os.Getenv("CRM_WORKFLOW_RECORD_NOOP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Workflow.RecordNoop = b
		}
	}
	if v := os.Getenv("CRM_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("CRM_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
