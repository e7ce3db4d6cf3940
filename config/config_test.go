package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ModeInline, cfg.Server.Mode)
	assert.Equal(t, 5, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.BaseDelay)
	assert.Equal(t, 8*time.Second, cfg.Pipeline.MaxDelay)
	assert.Equal(t, 0.95, cfg.Pipeline.DuplicateThreshold)
	assert.Equal(t, 3, cfg.Pipeline.DuplicateAttempts)
	assert.Equal(t, time.Hour, cfg.Pipeline.Retention)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.Equal(t, time.Minute, cfg.Pipeline.CleanupInterval)
	assert.Zero(t, cfg.Pipeline.ReportRetention)
	assert.Equal(t, 5*time.Minute, cfg.Observers.StaleAfter)
	assert.Equal(t, 30*time.Second, cfg.Observers.SweepInterval)
	assert.Equal(t, 64, cfg.Observers.Buffer)
	assert.Equal(t, 15*time.Second, cfg.Observers.Heartbeat)
	assert.Equal(t, "minio", cfg.Storage.Type)
	assert.Equal(t, []string{"stdout"}, cfg.Logger.OutputPaths)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  mode: queue
pipeline:
  chunkSize: 10
  retention: 30m
  reportRetention: 48h
observers:
  heartbeat: 5s
storage:
  type: s3
  s3:
    bucketName: from-yaml
`)
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("AWS_S3_BUCKET_NAME", "from-env")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeQueue, cfg.Server.Mode)
	assert.Equal(t, 10, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.Retention)
	assert.Equal(t, 48*time.Hour, cfg.Pipeline.ReportRetention)
	assert.Equal(t, 5*time.Second, cfg.Observers.Heartbeat)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "from-env", cfg.Storage.S3.BucketName)
	assert.True(t, cfg.Storage.Minio.UseSSL)
}

func TestLoad_ExplicitZeroKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
pipeline:
  retention: 0s
llm:
  temperature: 0
`))
	require.NoError(t, err)
	assert.Zero(t, cfg.Pipeline.Retention)
	assert.Zero(t, cfg.LLM.Temperature)
	assert.Equal(t, 5, cfg.Pipeline.ChunkSize, "other defaults still apply")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Pipeline.Retention)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	path := writeConfig(t, "{}\n")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"),
		[]byte("OLLAMA_MODEL=qwen2.5\n"), 0o600))
	// godotenv never overrides variables that are already set.
	t.Setenv("OLLAMA_MODEL", "")
	os.Unsetenv("OLLAMA_MODEL")
	t.Cleanup(func() { os.Unsetenv("OLLAMA_MODEL") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5", cfg.LLM.Model)
}

func TestLoad_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"mode":        "server:\n  mode: cluster\n",
		"storage":     "storage:\n  type: gcs\n",
		"threshold":   "pipeline:\n  duplicateThreshold: 1.5\n",
		"retention":   "pipeline:\n  retention: -1m\n",
		"temperature": "llm:\n  temperature: 3\n",
		"syntax":      "server: [\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, cfg.Pipeline.ReportRetention)
	assert.Equal(t, []string{"stdout", "logs/app.log"}, cfg.Logger.OutputPaths)
}
