package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adalundhe/recall/core/config"
	"github.com/adalundhe/recall/core/memory"
	"github.com/adalundhe/recall/core/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory service",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		cfg := c.manager.Get()

		cache, err := memory.NewQueryCache(cfg.Retrieval.CacheSize, cfg.Retrieval.CacheTTL)
		if err != nil {
			return err
		}
		defer cache.Close()

		classifier := memory.NewClassifier(cfg.Patterns.Intents, cfg.Retrieval.RecapWindow)

		recorder := memory.NewRecorder(memory.RecorderConfig{
			Store:        c.store,
			Index:        c.index,
			Embedder:     c.embedder,
			Async:        true,
			QueueSize:    cfg.Index.QueueSize,
			Workers:      cfg.Index.Workers,
			EmbedTimeout: cfg.Embeddings.Timeout,
			WriteTimeout: cfg.Store.WriteTimeout,
			MaxChars:     cfg.Embeddings.MaxChars,
			Counters:     c.counters,
			Logger:       c.logger,
		})

		retriever := memory.NewRetriever(memory.RetrieverConfig{
			Store:        c.store,
			Index:        c.index,
			Embedder:     c.embedder,
			Classifier:   classifier,
			Cache:        cache,
			CandidateK:   cfg.Retrieval.CandidateK,
			RecentLimit:  cfg.Retrieval.RecentLimit,
			DefaultTop:   cfg.Retrieval.DefaultTop,
			MaxChars:     cfg.Embeddings.MaxChars,
			EmbedTimeout: cfg.Embeddings.Timeout,
			ReadTimeout:  cfg.Store.ReadTimeout,
			Counters:     c.counters,
			Logger:       c.logger,
		})

		// The pattern tables are the single source of truth for both the
		// write path and recall; reloads reach every consumer.
		applyPatterns := func(cfg *config.Config) {
			filter := memory.NewMetaFilter(cfg.Patterns.MetaPatterns)
			recorder.SetMetaFilter(filter)
			retriever.SetMetaFilter(filter)
			classifier.SetTriggers(cfg.Patterns.Intents)
		}
		applyPatterns(cfg)
		c.manager.OnChange(applyPatterns)
		c.manager.Watch(c.logger)
		defer c.manager.StopWatch()

		srv := server.New(server.Config{
			Server:        cfg.Server,
			Store:         c.store,
			Index:         c.index,
			Recorder:      recorder,
			Retriever:     retriever,
			Counters:      c.counters,
			Logger:        c.logger,
			SweepInterval: cfg.Store.SweepInterval,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return srv.Start(ctx, cfg.Server.ShutdownTimeout)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
