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
	Authorization AuthorizationConfig `yaml:"authorization"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Engine        EngineConfig        `yaml:"engine"`
	Impact        ImpactConfig        `yaml:"impact"`
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

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// AuthorizationConfig enables role-based authorization of API routes. An
// empty PolicyFile leaves every authenticated caller fully authorized.
type AuthorizationConfig struct {
	PolicyFile string        `yaml:"policy_file"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// DefinitionsConfig describes where to find workflow definition files seeded
// at boot.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	SeedOnBoot  bool     `yaml:"seed_on_boot"`
}

// StoreConfig describes the durable store.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// IdempotencyConfig describes de-duplication of events and task outcomes.
type IdempotencyConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

// EventsConfig describes where state-change events are published.
type EventsConfig struct {
	Driver        string `yaml:"driver"`
	ChannelPrefix string `yaml:"channel_prefix"`
	BufferSize    int    `yaml:"buffer_size"`
}

// EngineConfig describes scheduler and trigger evaluator settings.
type EngineConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	DefaultSLA         time.Duration `yaml:"default_sla"`
	EscalationInterval time.Duration `yaml:"escalation_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	TriggerTick        string        `yaml:"trigger_tick"`
	Retry              RetryConfig   `yaml:"retry"`
}

// RetryConfig describes bounded exponential backoff for transient errors.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// ImpactConfig describes the Impact Assessor client.
type ImpactConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
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
	retry := RetryConfig{
		MaxAttempts:       4,
		BackoffInitial:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        2 * time.Second,
	}
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
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Authorization: AuthorizationConfig{
			CacheTTL: 5 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			SeedOnBoot:  true,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "COMPLYFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			AddrEnv: "COMPLYFLOW_REDIS_ADDR",
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Events: EventsConfig{
			Driver:        "memory",
			ChannelPrefix: "complyflow",
			BufferSize:    256,
		},
		Engine: EngineConfig{
			Workers:            8,
			QueueSize:          1024,
			LockTimeout:        10 * time.Second,
			DefaultSLA:         30 * 24 * time.Hour,
			EscalationInterval: 24 * time.Hour,
			SweepInterval:      time.Minute,
			TriggerTick:        "@every 1m",
			Retry:              retry,
		},
		Impact: ImpactConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          30 * time.Second,
			},
			Retry: retry,
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

var (
	storeDrivers = map[string]bool{"memory": true, "postgres": true}
	redisDrivers = map[string]bool{"memory": true, "redis": true}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	if c.Authorization.PolicyFile != "" && c.Authorization.CacheTTL <= 0 {
		errs = append(errs, "authorization.cache_ttl must be positive")
	}

	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	if !redisDrivers[c.Idempotency.Driver] {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
	}
	if !redisDrivers[c.Events.Driver] {
		errs = append(errs, fmt.Sprintf("events.driver %q must be memory or redis", c.Events.Driver))
	}
	if (c.Idempotency.Driver == "redis" || c.Events.Driver == "redis") && c.Redis.AddrEnv == "" {
		errs = append(errs, "redis.addr_env is required when a redis driver is selected")
	}

	if c.Engine.Workers < 1 {
		errs = append(errs, "engine.workers must be at least 1")
	}
	if c.Engine.DefaultSLA <= 0 {
		errs = append(errs, "engine.default_sla must be positive")
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, "engine.sweep_interval must be positive")
	}
	if c.Engine.TriggerTick == "" {
		errs = append(errs, "engine.trigger_tick is required")
	}
	if c.Engine.Retry.MaxAttempts < 1 {
		errs = append(errs, "engine.retry.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads COMPLYFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COMPLYFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("COMPLYFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("COMPLYFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("COMPLYFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("COMPLYFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("COMPLYFLOW_IMPACT_BASE_URL"); v != "" {
		cfg.Impact.BaseURL = v
	}
	if v := os.Getenv("COMPLYFLOW_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("COMPLYFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
