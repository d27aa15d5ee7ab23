// Package config loads server configuration from defaults, an optional
// YAML file, and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Minio     MinioConfig     `yaml:"minio"`
	Redis     RedisConfig     `yaml:"redis"`
	Search    SearchConfig    `yaml:"search"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Log       LogConfig       `yaml:"log"`
}

// AppConfig identifies the service.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Prefix      string `yaml:"prefix"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Addr renders the listen address.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// AuthConfig configures API-key authentication.
type AuthConfig struct {
	Required bool   `yaml:"required"`
	Header   string `yaml:"header"`
}

// RateLimitConfig bounds request throughput with a global token bucket.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// PostgresConfig holds relational-store connection parameters.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
}

// DSN renders the postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.Host, p.Port, p.User, p.Password, p.Database)
}

// MinioConfig holds object-store connection parameters.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// RedisConfig holds cache connection parameters.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

// Addr renders the redis address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SearchConfig holds the optional search-backend parameters. They are
// loaded but not used: discovery always runs on the in-process index
// seeded from the metadata store.
type SearchConfig struct {
	Host        string `yaml:"host"`
	IndexPrefix string `yaml:"index_prefix"`
}

// SchedulerConfig tunes the invocation scheduler.
type SchedulerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueSize     int `yaml:"queue_size"`
}

// SandboxConfig selects and tunes the sandbox runner.
type SandboxConfig struct {
	Runner         string `yaml:"runner"` // "docker" or "process"
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
	MaxMemoryBytes int64  `yaml:"max_memory_bytes"`
	NetworkEnabled bool   `yaml:"network_enabled"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "wishub-skill", Version: "0.1.0"},
		API: APIConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			Prefix:      "/api/v1",
			MetricsPort: 9090,
		},
		Auth: AuthConfig{Required: true, Header: "X-API-Key"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     100,
			Burst:   200,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "wishub",
			Password: "wishub",
			Database: "wishub_skill",
			PoolSize: 20,
		},
		Minio: MinioConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "wishub-skill-storage",
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 100,
		},
		Sandbox: SandboxConfig{
			Runner:         "docker",
			MaxOutputBytes: 10 << 20,
			MaxMemoryBytes: 512 << 20,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then the environment. Unknown environment variables are ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the recognized environment variables.
func (c *Config) applyEnv() {
	envStr("API_HOST", &c.API.Host)
	envInt("API_PORT", &c.API.Port)
	envStr("API_PREFIX", &c.API.Prefix)
	envInt("METRICS_PORT", &c.API.MetricsPort)

	envBool("AUTH_REQUIRED", &c.Auth.Required)
	envStr("AUTH_HEADER", &c.Auth.Header)

	envBool("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	envFloat("RATE_LIMIT_RPS", &c.RateLimit.RPS)
	envInt("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	envStr("POSTGRES_HOST", &c.Postgres.Host)
	envInt("POSTGRES_PORT", &c.Postgres.Port)
	envStr("POSTGRES_USER", &c.Postgres.User)
	envStr("POSTGRES_PASSWORD", &c.Postgres.Password)
	envStr("POSTGRES_DB", &c.Postgres.Database)
	envInt("POSTGRES_POOL_SIZE", &c.Postgres.PoolSize)

	envStr("MINIO_ENDPOINT", &c.Minio.Endpoint)
	envStr("MINIO_ACCESS_KEY", &c.Minio.AccessKey)
	envStr("MINIO_SECRET_KEY", &c.Minio.SecretKey)
	envStr("MINIO_BUCKET", &c.Minio.Bucket)
	envBool("MINIO_SECURE", &c.Minio.Secure)

	envStr("REDIS_HOST", &c.Redis.Host)
	envInt("REDIS_PORT", &c.Redis.Port)
	envInt("REDIS_DB", &c.Redis.DB)
	envStr("REDIS_PASSWORD", &c.Redis.Password)
	envBool("REDIS_ENABLED", &c.Redis.Enabled)

	envStr("ES_HOST", &c.Search.Host)
	envStr("ES_INDEX_PREFIX", &c.Search.IndexPrefix)

	envInt("MAX_CONCURRENT", &c.Scheduler.MaxConcurrent)
	envInt("QUEUE_SIZE", &c.Scheduler.QueueSize)

	envStr("SANDBOX_RUNNER", &c.Sandbox.Runner)

	envStr("LOG_LEVEL", &c.Log.Level)
	envStr("LOG_FORMAT", &c.Log.Format)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
