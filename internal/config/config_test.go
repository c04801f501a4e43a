package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webrenew/memories/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	_ = os.Unsetenv("MEMORIES_STORAGE_ENGINE")
	_ = os.Unsetenv("MEMORIES_CONFIG_FILE")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, "none", cfg.Embedding.Provider)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "off", cfg.Retrieval.GraphRolloutMode)
	assert.Equal(t, 20, cfg.Retrieval.RuleLimit)
	assert.Equal(t, 100, cfg.Worker.BackfillBatchLimit)
	assert.Equal(t, 24, cfg.Observability.WindowHours)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MEMORIES_GRAPH_ROLLOUT_MODE", "shadow")
	t.Setenv("MEMORIES_EMBEDDING_DIMENSION", "8")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "shadow", cfg.Retrieval.GraphRolloutMode)
	assert.Equal(t, 8, cfg.Embedding.Dimension)
}

func TestLoadFile_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  engine: sqlite
  data_path: /var/lib/memories
retrieval:
  graph_rollout_mode: canary
  graph_depth: 2
worker:
  backfill_throttle_ms: 50
`), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/memories", cfg.Storage.DataPath)
	assert.Equal(t, "canary", cfg.Retrieval.GraphRolloutMode)
	assert.Equal(t, 2, cfg.Retrieval.GraphDepth)
	assert.Equal(t, 50, cfg.Worker.BackfillThrottleMs)
	// File values leave untouched settings at their defaults.
	assert.Equal(t, 20, cfg.Retrieval.RuleLimit)
}

func TestLoadFile_EnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  graph_rollout_mode: shadow\n"), 0o600))
	t.Setenv("MEMORIES_GRAPH_ROLLOUT_MODE", "canary")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "canary", cfg.Retrieval.GraphRolloutMode)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Run("unknown engine", func(t *testing.T) {
		t.Setenv("MEMORIES_STORAGE_ENGINE", "cassandra")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("MEMORIES_STORAGE_ENGINE", "postgres")
		_ = os.Unsetenv("MEMORIES_POSTGRES_DSN")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("unknown rollout mode", func(t *testing.T) {
		t.Setenv("MEMORIES_GRAPH_ROLLOUT_MODE", "ramp")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("graph depth out of range", func(t *testing.T) {
		t.Setenv("MEMORIES_GRAPH_DEPTH", "3")
		_, err := config.Load()
		assert.Error(t, err)
	})
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := config.LoadFile("/nonexistent/memories.yaml")
	assert.Error(t, err)
}
