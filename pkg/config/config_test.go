package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/config"
)

// clearEnv blanks every variable Load reads so tests see only what they set.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ORDERFLOW_CONFIG", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL",
		"ORDERFLOW_MASTER_SECRET", "MAX_UPLOAD_BYTES",
		"OBJECT_STORE_BACKEND", "OBJECT_STORE_DIR", "OBJECT_STORE_BASE_URL",
		"OBJECT_STORE_URL_SECRET", "OBJECT_STORE_S3_BUCKET", "OBJECT_STORE_S3_REGION",
		"OBJECT_STORE_S3_ENDPOINT", "OBJECT_STORE_GCS_BUCKET",
		"LLM_API_KEY", "LLM_BASE_URL", "LLM_TEXT_MODEL", "LLM_VISION_MODEL",
		"REDIS_URL", "LLM_RATE_RPS", "LLM_RATE_BURST",
		"WORKER_COUNT", "WORKER_LEASE", "ACK_POLL_INTERVAL", "RETENTION_SWEEP_HOUR_UTC",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "ORDERFLOW_ENV",
		"OTEL_SAMPLE_RATE", "OTEL_INSECURE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsWithRequiredEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://orderflow@localhost:5432/orderflow?sslmode=disable")
	t.Setenv("ORDERFLOW_MASTER_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "fs", cfg.ObjectStore.Backend)
	assert.Equal(t, int64(25<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, time.Minute, cfg.Worker.AckInterval)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFailsWithoutDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORDERFLOW_MASTER_SECRET", "0123456789abcdef0123456789abcdef")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseURL")
}

func TestLoadRejectsShortMasterSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/orderflow")
	t.Setenv("ORDERFLOW_MASTER_SECRET", "too-short")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MasterSecret")
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://prod-db:5432/orderflow")
	t.Setenv("ORDERFLOW_MASTER_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("OBJECT_STORE_BACKEND", "s3")
	t.Setenv("OBJECT_STORE_S3_BUCKET", "orderflow-docs")
	t.Setenv("OBJECT_STORE_S3_REGION", "eu-central-1")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("WORKER_LEASE", "5m")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "s3", cfg.ObjectStore.Backend)
	assert.Equal(t, "orderflow-docs", cfg.ObjectStore.S3Bucket)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 5*time.Minute, cfg.Worker.Lease)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadS3BackendRequiresBucket(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/orderflow")
	t.Setenv("ORDERFLOW_MASTER_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("OBJECT_STORE_BACKEND", "s3")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3Bucket")
}

func TestLoadYAMLFileUnderEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "orderflow.yaml")
	body := `
log_level: WARN
database_url: postgres://file-db:5432/orderflow
master_secret: file-secret-0123456789abcdef
worker:
  count: 2
  lease: 90s
  ack_interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("ORDERFLOW_CONFIG", path)
	// Environment wins over the file.
	t.Setenv("DATABASE_URL", "postgres://env-db:5432/orderflow")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, "postgres://env-db:5432/orderflow", cfg.DatabaseURL)
	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, 90*time.Second, cfg.Worker.Lease)
	assert.Equal(t, 30*time.Second, cfg.Worker.AckInterval)
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "orderflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("databse_url: oops\n"), 0o600))

	t.Setenv("ORDERFLOW_CONFIG", path)
	t.Setenv("DATABASE_URL", "postgres://localhost/orderflow")
	t.Setenv("ORDERFLOW_MASTER_SECRET", "0123456789abcdef0123456789abcdef")

	_, err := config.Load()
	require.Error(t, err)
}
