package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8000, cfg.API.Port)
	assert.Equal(t, "/api/v1", cfg.API.Prefix)
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, "X-API-Key", cfg.Auth.Header)
	assert.Equal(t, 100, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, "docker", cfg.Sandbox.Runner)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, float64(100), cfg.RateLimit.RPS)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("API_HOST", "127.0.0.1")
	t.Setenv("API_PORT", "9001")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("MINIO_BUCKET", "blobs")
	t.Setenv("MAX_CONCURRENT", "7")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_RPS", "12.5")
	t.Setenv("RATE_LIMIT_BURST", "25")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, 9001, cfg.API.Port)
	assert.False(t, cfg.Auth.Required)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "blobs", cfg.Minio.Bucket)
	assert.Equal(t, 7, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 12.5, cfg.RateLimit.RPS)
	assert.Equal(t, 25, cfg.RateLimit.Burst)
}

func TestLoad_UnknownEnvIgnored(t *testing.T) {
	t.Setenv("WISHUB_TOTALLY_UNKNOWN", "whatever")
	t.Setenv("API_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	// Unparseable numeric values keep the default.
	assert.Equal(t, 8000, cfg.API.Port)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  port: 8100
  prefix: /api/v2
postgres:
  host: yaml-db
`), 0o644))

	t.Setenv("POSTGRES_HOST", "env-db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8100, cfg.API.Port)
	assert.Equal(t, "/api/v2", cfg.API.Prefix)
	// Environment wins over the file.
	assert.Equal(t, "env-db", cfg.Postgres.Host)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	cfg := Default()
	dsn := cfg.Postgres.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=wishub_skill")
}
