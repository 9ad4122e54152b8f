// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Notify drivers.
const (
	NotifyLog   = "log"
	NotifyRedis = "redis"
)

// Idempotency drivers.
const (
	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Notify        NotifyConfig        `yaml:"notify"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Sweeper       SweeperConfig       `yaml:"sweeper"`
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

// IdentityConfig describes bearer token verification. Tokens are HMAC signed;
// the secret itself is read from the environment variable named by SecretEnv.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	Algorithms []string          `yaml:"algorithms"`
	AdminRole  string            `yaml:"admin_role"`
	ClaimPaths map[string]string `yaml:"claim_paths"`

	// PolicyFile maps roles to capabilities. Empty uses the built-in policy.
	PolicyFile     string        `yaml:"policy_file"`
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl"`
}

// StoreConfig describes record and audit persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// NotifyConfig describes where notifications are published.
type NotifyConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig guards the broker with a circuit breaker.
type BreakerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	OpenTimeout        time.Duration `yaml:"open_timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// OutboxConfig sizes the post-commit side-effect queue.
type OutboxConfig struct {
	Buffer      int           `yaml:"buffer"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// SweeperConfig describes the overdue sweep schedule.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// IdempotencyConfig describes replay protection for mutating requests.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
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
			SecretEnv:  "RFIFLOW_JWT_SECRET",
			Algorithms: []string{"HS256"},
			AdminRole:  "admin",
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
			PolicyCacheTTL: time.Minute,
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			DSNEnv:          "RFIFLOW_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Notify: NotifyConfig{
			Driver:  NotifyLog,
			AddrEnv: "RFIFLOW_REDIS_ADDR",
			Stream:  "rfiflow:notifications",
			MaxLen:  100000,
			Breaker: BreakerConfig{
				Enabled:            true,
				FailureThreshold:   5,
				SuccessThreshold:   2,
				OpenTimeout:        30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    time.Minute,
			},
		},
		Outbox: OutboxConfig{
			Buffer:      256,
			TaskTimeout: 10 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  IdempotencyMemory,
			AddrEnv: "RFIFLOW_REDIS_ADDR",
			TTL:     24 * time.Hour,
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
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
	if c.Identity.PolicyCacheTTL < 0 {
		errs = append(errs, "identity.policy_cache_ttl must not be negative")
	}
	for _, alg := range c.Identity.Algorithms {
		if !strings.HasPrefix(alg, "HS") {
			errs = append(errs, fmt.Sprintf("identity.algorithms: unsupported algorithm %q", alg))
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be %q or %q", StoreMemory, StorePostgres))
	}

	switch c.Notify.Driver {
	case NotifyLog:
	case NotifyRedis:
		if c.Notify.AddrEnv == "" {
			errs = append(errs, "notify.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.driver must be %q or %q", NotifyLog, NotifyRedis))
	}
	if f := c.Observability.LogFormat; f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", f))
	}
	if b := c.Notify.Breaker; b.Enabled && (b.ErrorRateThreshold < 0 || b.ErrorRateThreshold > 1) {
		errs = append(errs, "notify.breaker.error_rate_threshold must be between 0 and 1")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case IdempotencyMemory:
		case IdempotencyRedis:
			if c.Idempotency.AddrEnv == "" {
				errs = append(errs, "idempotency.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver must be %q or %q", IdempotencyMemory, IdempotencyRedis))
		}
		if c.Idempotency.TTL <= 0 {
			errs = append(errs, "idempotency.ttl must be positive")
		}
	}

	if c.Outbox.Buffer < 1 {
		errs = append(errs, "outbox.buffer must be positive")
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		errs = append(errs, "sweeper.interval must be positive when the sweeper is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads RFIFLOW_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RFIFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RFIFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("RFIFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("RFIFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RFIFLOW_NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}
	if v := os.Getenv("RFIFLOW_SWEEPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweeper.Interval = d
		}
	}
	if v := os.Getenv("RFIFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("RFIFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
