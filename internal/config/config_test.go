package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ptop-analyzer", cfg.App.Name)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "json", cfg.App.LogFormat)
	assert.Equal(t, 8400, cfg.Server.Port)
	assert.Equal(t, 8401, cfg.Metrics.Port)
	assert.Equal(t, 8000, cfg.Timescale.BatchSize)
	assert.Equal(t, 800, cfg.Timescale.InsertPageSize)
	assert.Equal(t, 50000, cfg.Timescale.MaxBatchSize)
	assert.Equal(t, 4, cfg.Bundles.MaxWorkers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Export.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
app:
  log_level: debug
  log_format: text
server:
  port: 9000
timescale:
  batch_size: 123
  use_copy: true
bundles:
  max_workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "text", cfg.App.LogFormat)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 123, cfg.Timescale.BatchSize)
	assert.True(t, cfg.Timescale.UseCopy)
	assert.Equal(t, 8, cfg.Bundles.MaxWorkers)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PTOPS_BATCH_SIZE", "777")
	t.Setenv("PTOPS_USE_COPY_COMMAND", "true")
	t.Setenv("PTOPS_CLEAN_START", "1")
	t.Setenv("TIMESCALE_DSN", "postgres://x")
	t.Setenv("SUPPORT_BASE_DIR", "/srv/support")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 777, cfg.Timescale.BatchSize)
	assert.True(t, cfg.Timescale.UseCopy)
	assert.True(t, cfg.Bundles.CleanStart)
	assert.Equal(t, "postgres://x", cfg.Timescale.DSN)
	assert.Equal(t, "/srv/support", cfg.Bundles.SupportBaseDir)
}

func TestValidationFailures(t *testing.T) {
	t.Setenv("PTOPS_LOG_LEVEL", "shouting")
	_, err := Load("")
	assert.Error(t, err)
}

func TestPortConflictRejected(t *testing.T) {
	t.Setenv("PTOPS_SERVER_PORT", "8401")
	_, err := Load("")
	assert.Error(t, err)
}

func TestUnreadableFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExportValidation(t *testing.T) {
	t.Setenv("PTOPS_EXPORT_ENABLED", "true")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("PTOPS_EXPORT_BROKERS", "kafka-1:9092,kafka-2:9092")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Export.Brokers)
}
