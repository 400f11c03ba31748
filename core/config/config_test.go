package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 1536, cfg.Index.Dimension)
	assert.Equal(t, 50, cfg.Index.BatchSize)
	assert.Equal(t, 8000, cfg.Embeddings.MaxChars)
	assert.Equal(t, 7*24*time.Hour, cfg.Retrieval.RecapWindow)
	assert.Equal(t, 7, cfg.Store.TTLDays["diagnostic"])
	assert.Equal(t, 30, cfg.Store.TTLDays["fix"])
	assert.NotEmpty(t, cfg.Patterns.MetaPatterns)
	assert.NotEmpty(t, cfg.Patterns.Intents["recap"])
	require.NoError(t, cfg.Validate())
}

func TestManager_LoadWithoutFile(t *testing.T) {
	manager := NewManager("")

	require.NoError(t, manager.Load())
	assert.Equal(t, ":8080", manager.Get().Server.Addr)
}

func TestManager_LoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
index:
  dimension: 768
store:
  ttl_days:
    diagnostic: 3
`), 0o644))

	manager := NewManager(path)
	require.NoError(t, manager.Load())

	cfg := manager.Get()
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 768, cfg.Index.Dimension)
	assert.Equal(t, 3, cfg.Store.TTLDays["diagnostic"])
	assert.Equal(t, 50, cfg.Index.BatchSize, "unset fields keep defaults")
}

func TestManager_MissingFileUsesDefaults(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-existe.yaml"))

	require.NoError(t, manager.Load())
	assert.Equal(t, ":8080", manager.Get().Server.Addr)
}

func TestManager_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RECALL_ADDR", ":7070")
	t.Setenv("RECALL_EMBEDDING_DIMENSION", "512")
	t.Setenv("RECALL_INDEX_DISABLED", "true")
	t.Setenv("OPENAI_API_KEY", "sk-prueba")

	manager := NewManager("")
	require.NoError(t, manager.Load())

	cfg := manager.Get()
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 512, cfg.Index.Dimension)
	assert.True(t, cfg.Index.Disabled)
	assert.Equal(t, "sk-prueba", cfg.Embeddings.APIKey)
}

func TestManager_PatternsFile(t *testing.T) {
	dir := t.TempDir()
	patternsPath := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(patternsPath, []byte(`
meta_patterns:
  - "patrón externo"
intents:
  recap:
    - "qué hicimos"
`), 0o644))

	t.Setenv("RECALL_PATTERNS_FILE", patternsPath)

	manager := NewManager("")
	require.NoError(t, manager.Load())

	cfg := manager.Get()
	assert.Equal(t, []string{"patrón externo"}, cfg.Patterns.MetaPatterns)
	assert.Equal(t, []string{"qué hicimos"}, cfg.Patterns.Intents["recap"])
}

func TestManager_OnChangeNotified(t *testing.T) {
	manager := NewManager("")

	var notified *Config
	manager.OnChange(func(cfg *Config) { notified = cfg })

	require.NoError(t, manager.Load())
	require.NotNil(t, notified)
	assert.Same(t, manager.Get(), notified)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Index.Dimension = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Index.BatchSize = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Embeddings.MaxChars = 0
	assert.Error(t, cfg.Validate())
}

func TestManager_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
index:
  dimension: -5
`), 0o644))

	manager := NewManager(path)
	err := manager.Load()
	require.Error(t, err)
	assert.Equal(t, 1536, manager.Get().Index.Dimension, "failed load keeps the previous snapshot")
}
