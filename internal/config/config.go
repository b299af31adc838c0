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

// Workflow store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSqlite   = "sqlite"
	StoreRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig describes bearer-token protection of the admin API. Tokens are
// HMAC-signed JWTs; the secret is read from the environment variable named
// by SecretEnv.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	SecretEnv string   `yaml:"secret_env"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	Methods   []string `yaml:"methods"`
}

// Secret returns the HMAC secret resolved from SecretEnv.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories     []string `yaml:"directories"`
	IncludeBuiltins bool     `yaml:"include_builtins"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	RetentionTTL        time.Duration       `yaml:"retention_ttl"`
	RetentionMaxEntries int                 `yaml:"retention_max_entries"`
	Store               WorkflowStoreConfig `yaml:"store"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	KeyPrefix       string        `yaml:"key_prefix"`
	TerminalTTL     time.Duration `yaml:"terminal_ttl"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ExecutorConfig describes the in-process reference step executor.
type ExecutorConfig struct {
	Enabled        bool        `yaml:"enabled"`
	StepTypes      []string    `yaml:"step_types"`
	MaxConcurrency int         `yaml:"max_concurrency"`
	Retry          RetryConfig `yaml:"retry"`
}

// RetryConfig describes step retry settings.
type RetryConfig struct {
	MaxRetries        uint64        `yaml:"max_retries"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	MaxElapsed        time.Duration `yaml:"max_elapsed"`
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
	Insecure     bool    `yaml:"insecure"`
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
		},
		Auth: AuthConfig{
			SecretEnv: "SAGAFLOW_AUTH_SECRET",
			Methods:   []string{"HS256"},
		},
		Definitions: DefinitionsConfig{
			IncludeBuiltins: true,
		},
		Workflow: WorkflowConfig{
			RetentionTTL:        24 * time.Hour,
			RetentionMaxEntries: 10000,
			Store: WorkflowStoreConfig{
				Driver:          StoreMemory,
				DSNEnv:          "SAGAFLOW_DATABASE_URL",
				Path:            "data/sagaflow.db",
				AddrEnv:         "SAGAFLOW_REDIS_ADDR",
				KeyPrefix:       "sagaflow:",
				TerminalTTL:     7 * 24 * time.Hour,
				MaxOpenConns:    25,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Executor: ExecutorConfig{
			Enabled:        true,
			MaxConcurrency: 64,
			Retry: RetryConfig{
				MaxRetries:        3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        5 * time.Second,
				MaxElapsed:        30 * time.Second,
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
// and validates the result. An empty path skips the file.
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

	if c.Auth.Enabled && c.Auth.Secret() == "" {
		errs = append(errs, fmt.Sprintf("auth.secret_env: environment variable %q is empty", c.Auth.SecretEnv))
	}

	if len(c.Definitions.Directories) == 0 && !c.Definitions.IncludeBuiltins {
		errs = append(errs, "definitions: no directories configured and builtins disabled")
	}

	if c.Workflow.RetentionTTL <= 0 {
		errs = append(errs, "workflow.retention_ttl must be positive")
	}
	if c.Workflow.RetentionMaxEntries <= 0 {
		errs = append(errs, "workflow.retention_max_entries must be positive")
	}

	store := c.Workflow.Store
	switch store.Driver {
	case StoreMemory:
	case StorePostgres:
		if store.DSNEnv == "" {
			errs = append(errs, "workflow.store.dsn_env is required for postgres")
		}
	case StoreSqlite:
		if store.Path == "" {
			errs = append(errs, "workflow.store.path is required for sqlite")
		}
	case StoreRedis:
		if store.AddrEnv == "" {
			errs = append(errs, "workflow.store.addr_env is required for redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not one of memory, postgres, sqlite, redis", store.Driver))
	}

	if c.Executor.Enabled && c.Executor.Retry.BackoffMultiplier < 1 {
		errs = append(errs, "executor.retry.backoff_multiplier must be at least 1")
	}

	switch c.Observability.Tracing.Exporter {
	case "", "otlp", "stdout":
	default:
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q is not one of otlp, stdout", c.Observability.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SAGAFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SAGAFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SAGAFLOW_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enabled = b
		}
	}
	if v := os.Getenv("SAGAFLOW_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = splitList(v)
	}
	if v := os.Getenv("SAGAFLOW_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("SAGAFLOW_WORKFLOW_STORE_PATH"); v != "" {
		cfg.Workflow.Store.Path = v
	}
	if v := os.Getenv("SAGAFLOW_EXECUTOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Executor.Enabled = b
		}
	}
	if v := os.Getenv("SAGAFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("SAGAFLOW_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("SAGAFLOW_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
