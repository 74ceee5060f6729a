// Package config loads application configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment overrides. A double
// underscore separates nesting levels: REMINDRELAY_SERVER__PORT=8080.
const envPrefix = "REMINDRELAY_"

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Storage    StorageConfig    `koanf:"storage"`
	Database   DatabaseConfig   `koanf:"database"`
	Worker     WorkerConfig     `koanf:"worker"`
	Retry      RetryConfig      `koanf:"retry"`
	Queue      QueueConfig      `koanf:"queue"`
	Escalation EscalationConfig `koanf:"escalation"`
	Transport  TransportConfig  `koanf:"transport"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageConfig selects the kv store backend.
type StorageConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps
	// everything in process and is only suitable for development.
	Driver string `koanf:"driver"`
}

// DatabaseConfig contains PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// WorkerConfig configures the due-delivery poll driver.
type WorkerConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	NumWorkers   int           `koanf:"num_workers"`
}

// RetryConfig configures the delivery retry policy.
type RetryConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// QueueConfig configures queue bookkeeping.
type QueueConfig struct {
	ClaimTTL         time.Duration `koanf:"claim_ttl"`
	HistoryRetention time.Duration `koanf:"history_retention"`
	PruneInterval    time.Duration `koanf:"prune_interval"`
}

// EscalationConfig configures the escalation engine.
type EscalationConfig struct {
	ScanInterval time.Duration `koanf:"scan_interval"`
}

// TransportConfig configures the chat transport.
type TransportConfig struct {
	Enabled  bool          `koanf:"enabled"`
	BaseURL  string        `koanf:"base_url"`
	BotToken string        `koanf:"bot_token"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RateLimitConfig configures the outbound rate limiter.
type RateLimitConfig struct {
	GlobalRate  float64 `koanf:"global_rate"`
	GlobalBurst int     `koanf:"global_burst"`
	RouteRate   float64 `koanf:"route_rate"`
	RouteBurst  int     `koanf:"route_burst"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			AllowedOrigins:    []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver: "postgres",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrationsPath:  "migrations",
		},
		Worker: WorkerConfig{
			PollInterval: 15 * time.Second,
			NumWorkers:   2,
		},
		Retry: RetryConfig{
			BaseDelay:   60 * time.Second,
			MaxDelay:    3600 * time.Second,
			Multiplier:  2.0,
			MaxAttempts: 3,
		},
		Queue: QueueConfig{
			ClaimTTL:         2 * time.Minute,
			HistoryRetention: 30 * 24 * time.Hour,
			PruneInterval:    6 * time.Hour,
		},
		Escalation: EscalationConfig{
			ScanInterval: 5 * time.Minute,
		},
		Transport: TransportConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			GlobalRate:  50,
			GlobalBurst: 50,
			RouteRate:   1,
			RouteBurst:  5,
		},
	}
}

// Load reads configuration from the optional YAML file at path, then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required with the postgres storage driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	return nil
}
