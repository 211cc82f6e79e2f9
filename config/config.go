// Package config provides configuration management for memlayer.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for memlayer.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Store selects and configures the memory backends.
	Store StoreConfig `mapstructure:"store"`

	// Cleanup is the expiry sweeper configuration.
	Cleanup CleanupConfig `mapstructure:"cleanup"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds handler execution. Streaming routes are exempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes" validate:"min=0"`

	// MaxBodyBytes limits the size of request bodies, restore uploads included.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"min=0"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"min=0"`
}

// AuthConfig holds bearer-token authentication settings for the API.
type AuthConfig struct {
	// Enabled requires a valid HS256 JWT on every /api route.
	Enabled bool `mapstructure:"enabled"`

	// Secret is the HMAC signing key.
	Secret string `mapstructure:"secret" validate:"required_if=Enabled true"`

	// Issuer and Audience, when set, must match the token claims.
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`

	// Burst is the bucket size per client.
	Burst int `mapstructure:"burst" validate:"min=0"`

	// ClientTTL evicts limiters of clients idle for this long.
	ClientTTL time.Duration `mapstructure:"client_ttl"`
}

// WebSocketConfig holds settings for the streaming retrieve endpoint.
type WebSocketConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// MaxConnections caps concurrent streams. Zero means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// AllowedOrigins restricts the Origin header. Empty allows same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// Backend names accepted by StoreConfig.
const (
	BackendInMemory = "inmemory"
	BackendRedis    = "redis"
	BackendSQL      = "sql"
	BackendBadger   = "badger"
	BackendVector   = "vector"
)

// StoreConfig selects the primary and secondary memory backends.
type StoreConfig struct {
	// Primary is the backend whose results and failures are authoritative.
	Primary string `mapstructure:"primary" validate:"backend"`

	// Secondaries receive best-effort copies of writes and deletes.
	Secondaries []string `mapstructure:"secondaries" validate:"dive,backend"`

	Composite CompositeConfig   `mapstructure:"composite"`
	Redis     RedisStoreConfig  `mapstructure:"redis"`
	SQL       SQLStoreConfig    `mapstructure:"sql"`
	Badger    BadgerStoreConfig `mapstructure:"badger"`
	Vector    VectorStoreConfig `mapstructure:"vector"`
}

// Backends returns the primary followed by the secondaries.
func (s StoreConfig) Backends() []string {
	return append([]string{s.Primary}, s.Secondaries...)
}

// CompositeConfig tunes the composite store.
type CompositeConfig struct {
	// Concurrency fans writes out to this many secondaries at once.
	Concurrency int `mapstructure:"concurrency" validate:"min=0"`

	// SweepSecondaries makes Clear and CleanupExpired reach the secondaries too.
	SweepSecondaries bool `mapstructure:"sweep_secondaries"`
}

// RedisStoreConfig holds Redis backend settings.
type RedisStoreConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"min=0"`
	Prefix      string        `mapstructure:"prefix"`
	ScanCount   int64         `mapstructure:"scan_count" validate:"min=0"`
	ExpiryGrace time.Duration `mapstructure:"expiry_grace"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size" validate:"min=0"`
}

// SQLStoreConfig holds relational backend settings.
type SQLStoreConfig struct {
	Dialect         string        `mapstructure:"dialect" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BadgerStoreConfig holds embedded Badger backend settings.
type BadgerStoreConfig struct {
	Path              string        `mapstructure:"path"`
	InMemory          bool          `mapstructure:"in_memory"`
	SyncWrites        bool          `mapstructure:"sync_writes"`
	ValueLogFileSize  int64         `mapstructure:"value_log_file_size" validate:"min=0"`
	NumVersionsToKeep int           `mapstructure:"num_versions_to_keep" validate:"min=0"`
	ExpiryGrace       time.Duration `mapstructure:"expiry_grace"`
	PageSize          int           `mapstructure:"page_size" validate:"min=0"`
}

// VectorStoreConfig holds vector backend settings.
type VectorStoreConfig struct {
	Path       string `mapstructure:"path"`
	Compress   bool   `mapstructure:"compress"`
	Collection string `mapstructure:"collection"`
	Dimensions int    `mapstructure:"dimensions" validate:"min=0"`
	CacheSize  int64  `mapstructure:"cache_size"`
}

// CleanupConfig holds expiry sweeper settings.
type CleanupConfig struct {
	// Enabled runs CleanupExpired on every store on Schedule.
	Enabled bool `mapstructure:"enabled"`

	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true,omitempty,cron"`

	// Timeout bounds one sweep.
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter. Only otlp (gRPC) is supported.
	Exporter string `mapstructure:"exporter" validate:"oneof=otlp"`

	// Endpoint is the collector endpoint, host:port or a URL.
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds each export.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is always_on, always_off or ratio.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off ratio"`

	// SampleRate is the ratio used by the ratio sampler (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Store: %v}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Store.Backends())
}
