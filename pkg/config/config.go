package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Redis         RedisConfig         `json:"redis"`
	Logging       LoggingConfig       `json:"logging"`
	Tracing       TracingConfig       `json:"tracing"`
	Metrics       MetricsConfig       `json:"metrics"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Notifications NotificationsConfig `json:"notifications"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
	// RateLimitRequests bounds pipeline-triggering requests per client and
	// window. Zero disables the limit.
	RateLimitRequests int           `json:"rate_limit_requests"`
	RateLimitWindow   time.Duration `json:"rate_limit_window"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	MigrationsPath  string        `json:"migrations_path"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// PipelineConfig contains annotation pipeline configuration
type PipelineConfig struct {
	SourcesFile string        `json:"sources_file"`
	RunTimeout  time.Duration `json:"run_timeout"`
	// PersistConcurrency bounds concurrent upserts per source during a run
	PersistConcurrency int `json:"persist_concurrency"`
	MaxConcurrentRuns  int `json:"max_concurrent_runs"`
}

// NotificationsConfig contains run-failure alerting configuration
type NotificationsConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackChannel    string `json:"slack_channel"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present. Malformed values are reported
// together with validation failures.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{lookup: os.LookupEnv}
	config := &Config{
		Server: ServerConfig{
			Host:              env.str("SERVER_HOST", "0.0.0.0"),
			Port:              env.integer("SERVER_PORT", 8080),
			ReadTimeout:       env.duration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      env.duration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       env.duration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:       env.list("SERVER_CORS_ORIGINS", []string{"*"}),
			RateLimitRequests: env.integer("SERVER_RATE_LIMIT_REQUESTS", 30),
			RateLimitWindow:   env.duration("SERVER_RATE_LIMIT_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			Host:            env.str("DB_HOST", "localhost"),
			Port:            env.integer("DB_PORT", 5432),
			Name:            env.str("DB_NAME", "annotations"),
			User:            env.str("DB_USER", "annotations"),
			Password:        env.str("DB_PASSWORD", ""),
			SSLMode:         env.str("DB_SSL_MODE", "disable"),
			MaxOpenConns:    env.integer("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    env.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: env.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsPath:  env.str("DB_MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Host:     env.str("REDIS_HOST", "localhost"),
			Port:     env.integer("REDIS_PORT", 6379),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       env.integer("REDIS_DB", 0),
			PoolSize: env.integer("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  env.str("LOG_LEVEL", "info"),
			Format: env.str("LOG_FORMAT", "json"),
			Output: env.str("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        env.boolean("TRACING_ENABLED", false),
			JaegerEndpoint: env.str("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   env.number("TRACING_SAMPLING_RATE", 1.0),
			Environment:    env.str("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   env.boolean("METRICS_ENABLED", true),
			Namespace: env.str("METRICS_NAMESPACE", "annotation"),
		},
		Pipeline: PipelineConfig{
			SourcesFile:        env.str("PIPELINE_SOURCES_FILE", "config/sources.yaml"),
			RunTimeout:         env.duration("PIPELINE_RUN_TIMEOUT", 2*time.Hour),
			PersistConcurrency: env.integer("PIPELINE_PERSIST_CONCURRENCY", 8),
			MaxConcurrentRuns:  env.integer("PIPELINE_MAX_CONCURRENT_RUNS", 1),
		},
		Notifications: NotificationsConfig{
			SlackWebhookURL: env.str("SLACK_WEBHOOK_URL", ""),
			SlackChannel:    env.str("SLACK_CHANNEL", ""),
		},
	}

	if err := errors.Join(env.err(), config.Validate()); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database.Password != "", "database password is required")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server port %d is out of range", c.Server.Port)
	check(c.Server.RateLimitRequests >= 0, "rate limit requests must not be negative")
	check(c.Pipeline.SourcesFile != "", "pipeline sources file is required")
	check(c.Pipeline.RunTimeout > 0, "pipeline run timeout must be positive")
	check(c.Pipeline.PersistConcurrency > 0, "pipeline persist concurrency must be positive")
	check(c.Pipeline.MaxConcurrentRuns > 0, "pipeline max concurrent runs must be positive")
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1, "tracing sampling rate must be within [0, 1]")
	return errors.Join(errs...)
}

// ServerAddr returns the listen address for the HTTP server
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// envReader reads typed settings and remembers values it could not parse
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) raw(key string) (string, bool) {
	value, ok := r.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (r *envReader) str(key, fallback string) string {
	if value, ok := r.raw(key); ok {
		return value
	}
	return fallback
}

func parseEnv[T any](r *envReader, key string, fallback T, parse func(string) (T, error)) T {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := parse(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: cannot parse %q", key, value))
		return fallback
	}
	return parsed
}

func (r *envReader) integer(key string, fallback int) int {
	return parseEnv(r, key, fallback, strconv.Atoi)
}

func (r *envReader) number(key string, fallback float64) float64 {
	return parseEnv(r, key, fallback, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (r *envReader) boolean(key string, fallback bool) bool {
	return parseEnv(r, key, fallback, strconv.ParseBool)
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	return parseEnv(r, key, fallback, time.ParseDuration)
}

func (r *envReader) list(key string, fallback []string) []string {
	if value, ok := r.raw(key); ok {
		return splitAndTrim(value)
	}
	return fallback
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}
