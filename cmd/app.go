package cmd

import (
	"log/slog"

	"github.com/adalundhe/recall/core/config"
	"github.com/adalundhe/recall/core/memory"
	"github.com/adalundhe/recall/core/providers"
)

// components holds the wired memory subsystem shared by the serve and
// rebuild commands.
type components struct {
	manager  *config.Manager
	store    *memory.Store
	index    *memory.Index
	embedder memory.Embedder
	counters *memory.Counters
	logger   *slog.Logger
}

// buildComponents loads configuration and opens the stores. A dimension
// mismatch between the configured embedding dimension and the persisted
// index schema aborts startup here; it is the only fatal memory error.
func buildComponents() (*components, error) {
	manager := config.NewManager(configPath)
	if err := manager.Load(); err != nil {
		return nil, err
	}
	cfg := manager.Get()
	logger := slog.Default()

	store, err := memory.OpenStore(memory.StoreConfig{
		Path:    cfg.Store.Path,
		TTLDays: cfg.Store.TTLDays,
	})
	if err != nil {
		return nil, err
	}

	c := &components{
		manager:  manager,
		store:    store,
		counters: &memory.Counters{},
		logger:   logger,
	}

	if cfg.Index.Disabled {
		logger.Warn("vector index disabled, running in store-only mode")
		return c, nil
	}

	index, err := memory.OpenIndex(memory.IndexConfig{
		Path:      cfg.Index.Path,
		Dimension: cfg.Index.Dimension,
		BatchSize: cfg.Index.BatchSize,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	c.index = index

	embedder, err := providers.NewOpenAIEmbedder(providers.OpenAIEmbedderConfig{
		APIKey:     cfg.Embeddings.APIKey,
		BaseURL:    cfg.Embeddings.BaseURL,
		Deployment: cfg.Embeddings.Deployment,
		Dimension:  cfg.Index.Dimension,
	})
	if err != nil {
		logger.Warn("embedding client unavailable, events will persist without vectors",
			"kind", "embed_unavailable", "cause", err)
	} else {
		c.embedder = embedder
	}

	return c, nil
}

func (c *components) close() {
	if c.index != nil {
		c.index.Close()
	}
	c.store.Close()
}
