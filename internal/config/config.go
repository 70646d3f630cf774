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

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Batch         BatchConfig         `yaml:"batch"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	HandlerTimeout  time.Duration   `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig limits batch requests per client IP.
type RateLimitConfig struct {
	BatchRequests int           `yaml:"batch_requests"`
	Window        time.Duration `yaml:"window"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings for batch requests.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	TTL     time.Duration `yaml:"ttl"`
}

// BatchConfig describes batch advance settings.
type BatchConfig struct {
	Policy string `yaml:"policy"`
}

// CatalogConfig points at the lab catalog YAML files.
type CatalogConfig struct {
	Directories []string `yaml:"directories"`
}

// EventsConfig describes stage event publication.
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URLEnv         string        `yaml:"url_env"`
	Exchange       string        `yaml:"exchange"`
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the broker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	LogFile  LogFileConfig `yaml:"log_file"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// LogFileConfig enables a rotated log file in addition to stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
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
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Subject-Id", "X-Facility-Id", "X-Correlation-Id"},
				MaxAge:         3600,
			},
			RateLimit: RateLimitConfig{
				BatchRequests: 30,
				Window:        time.Minute,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "LABFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			AddrEnv: "LABFLOW_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Batch: BatchConfig{
			Policy: "unconditional",
		},
		Events: EventsConfig{
			URLEnv:         "LABFLOW_AMQP_URL",
			Exchange:       "labflow.stages",
			QueueSize:      1024,
			PublishTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			LogFile: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 28,
			},
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
// and validates required fields. An empty path skips the file and uses the
// defaults.
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
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.AddrEnv == "" {
				errs = append(errs, "idempotency.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported (memory, redis)", c.Idempotency.Driver))
		}
	}
	switch c.Batch.Policy {
	case "unconditional", "adjacent":
	default:
		errs = append(errs, fmt.Sprintf("batch.policy %q is not supported (unconditional, adjacent)", c.Batch.Policy))
	}
	if c.Events.Enabled {
		if c.Events.URLEnv == "" {
			errs = append(errs, "events.url_env is required when events are enabled")
		}
		if c.Events.Exchange == "" {
			errs = append(errs, "events.exchange is required when events are enabled")
		}
		if c.Events.QueueSize <= 0 {
			errs = append(errs, "events.queue_size must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads LABFLOW_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LABFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LABFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LABFLOW_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("LABFLOW_BATCH_POLICY"); v != "" {
		cfg.Batch.Policy = v
	}
	if v := os.Getenv("LABFLOW_EVENTS_ENABLED"); v != "" {
		cfg.Events.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LABFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
