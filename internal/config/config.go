// Package config loads and validates the pypackage configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PYP_ prefix (e.g., PYP_DATABASE_HOST
// overrides database.host in the YAML).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultIndexURL is the XML-RPC endpoint used when an index package does not
// name its own.
const DefaultIndexURL = "https://pypi.python.org/pypi/"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Index     IndexConfig     `mapstructure:"index"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit applies to the write endpoints (registration and refresh),
	// which each cost index calls.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds the per-client token bucket settings
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// IndexConfig controls how the package index is contacted.
type IndexConfig struct {
	// URL is the default XML-RPC endpoint assigned to new index packages.
	URL string `mapstructure:"url"`
	// Timeout bounds every single XML-RPC call.
	Timeout time.Duration `mapstructure:"timeout"`
	// IncludeHidden asks the index for hidden releases too.
	IncludeHidden bool `mapstructure:"include_hidden"`
	// VerifyOnRegister rejects registrations for names the index does not know.
	VerifyOnRegister bool   `mapstructure:"verify_on_register"`
	UserAgent        string `mapstructure:"user_agent"`
	// DNSRefreshInterval controls how often cached index host lookups are refreshed.
	DNSRefreshInterval time.Duration `mapstructure:"dns_refresh_interval"`
	Throttle           ThrottleConfig `mapstructure:"throttle"`
}

// ThrottleConfig caps the rate of index calls across every process sharing
// the same Redis.
type ThrottleConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

// SyncConfig holds the scheduled release sync settings
type SyncConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	// MinBackoff and MaxBackoff bound the delay before a failing package is retried.
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// BreakerThreshold is the number of consecutive failures against one index
	// host that opens its circuit breaker.
	BreakerThreshold int64 `mapstructure:"breaker_threshold"`
}

// RedisConfig holds the Redis connection used by the index throttle
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds metrics configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.rate_limit.enabled",
		"server.rate_limit.requests_per_minute",
		"server.rate_limit.burst",

		// Index
		"index.url",
		"index.timeout",
		"index.include_hidden",
		"index.verify_on_register",
		"index.user_agent",
		"index.dns_refresh_interval",
		"index.throttle.enabled",
		"index.throttle.requests_per_minute",

		// Sync
		"sync.enabled",
		"sync.interval",
		"sync.batch_size",
		"sync.min_backoff",
		"sync.max_backoff",
		"sync.breaker_threshold",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pypackage")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("PYP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests_per_minute", 10)
	v.SetDefault("server.rate_limit.burst", 5)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "packaginator")
	v.SetDefault("database.user", "packaginator")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Index defaults
	v.SetDefault("index.url", DefaultIndexURL)
	v.SetDefault("index.timeout", "30s")
	v.SetDefault("index.include_hidden", true)
	v.SetDefault("index.verify_on_register", true)
	v.SetDefault("index.user_agent", "pypackage/1.0")
	v.SetDefault("index.dns_refresh_interval", "5m")
	v.SetDefault("index.throttle.enabled", false)
	v.SetDefault("index.throttle.requests_per_minute", 120)

	// Sync defaults
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", "1h")
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.min_backoff", "5m")
	v.SetDefault("sync.max_backoff", "24h")
	v.SetDefault("sync.breaker_threshold", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "pypackage")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.RequestsPerMinute < 1 || c.Server.RateLimit.Burst < 1) {
		return fmt.Errorf("server.rate_limit requires positive requests_per_minute and burst when enabled")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Index.URL == "" {
		return fmt.Errorf("index.url is required")
	}
	if u, err := url.Parse(c.Index.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid index.url: %q", c.Index.URL)
	}
	if c.Index.Timeout <= 0 {
		return fmt.Errorf("index.timeout must be positive")
	}
	if c.Index.Throttle.Enabled {
		if c.Index.Throttle.RequestsPerMinute < 1 {
			return fmt.Errorf("index.throttle.requests_per_minute must be at least 1 when the throttle is enabled")
		}
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when the index throttle is enabled")
		}
	}

	if c.Sync.Enabled {
		if c.Sync.Interval <= 0 {
			return fmt.Errorf("sync.interval must be positive when sync is enabled")
		}
		if c.Sync.BatchSize < 1 {
			return fmt.Errorf("sync.batch_size must be at least 1")
		}
		if c.Sync.MinBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.MinBackoff {
			return fmt.Errorf("sync backoff bounds are invalid: min=%s max=%s", c.Sync.MinBackoff, c.Sync.MaxBackoff)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
