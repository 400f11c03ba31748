package memory

import (
	"context"
	"fmt"
	"log/slog"
)

// RebuildReport summarizes an index rebuild.
type RebuildReport struct {
	Scanned         int `json:"scanned"`
	Indexed         int `json:"indexed"`
	Reembedded      int `json:"reembedded"`
	SkippedNoVector int `json:"skipped_no_vector"`
	OrphansDeleted  int `json:"orphans_deleted"`
}

// RebuildIndex replays the authoritative event store into the index:
// events carrying a vector are uploaded as-is, vectorless events are
// re-embedded in batches when an embedder is available, and index
// documents with no backing store record are deleted.
func RebuildIndex(ctx context.Context, store *Store, index *Index, embedder Embedder, batchSize int, logger *slog.Logger) (*RebuildReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	report := &RebuildReport{}
	storeIDs := make(map[string]bool)

	var ready []*Event
	var pending []*Event

	flushReady := func() error {
		if len(ready) == 0 {
			return nil
		}
		if err := index.Upload(ctx, ready); err != nil {
			return fmt.Errorf("rebuild upload: %w", err)
		}
		report.Indexed += len(ready)
		ready = ready[:0]
		return nil
	}

	flushPending := func() error {
		if len(pending) == 0 {
			return nil
		}
		if embedder == nil {
			report.SkippedNoVector += len(pending)
			pending = pending[:0]
			return nil
		}

		texts := make([]string, len(pending))
		for i, event := range pending {
			texts[i] = TruncateForEmbedding(event.SemanticText, 8000)
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			logger.Warn("rebuild re-embedding failed, events stay store-only",
				"kind", "embed_unavailable", "count", len(pending), "cause", err)
			report.SkippedNoVector += len(pending)
			pending = pending[:0]
			return nil
		}

		for i, event := range pending {
			event.Vector = vectors[i]
			if err := store.Upsert(ctx, event); err != nil {
				logger.Warn("rebuild vector write-back failed",
					"kind", "store_unavailable", "session_id", event.SessionID, "cause", err)
			}
		}
		if err := index.Upload(ctx, pending); err != nil {
			return fmt.Errorf("rebuild upload: %w", err)
		}
		report.Indexed += len(pending)
		report.Reembedded += len(pending)
		pending = pending[:0]
		return nil
	}

	err := store.IterateAll(ctx, func(event *Event) error {
		report.Scanned++
		storeIDs[event.ID] = true

		if len(event.Vector) == index.Dimension() {
			ready = append(ready, event)
			if len(ready) >= batchSize {
				return flushReady()
			}
			return nil
		}

		pending = append(pending, event)
		if len(pending) >= batchSize {
			return flushPending()
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if err := flushReady(); err != nil {
		return report, err
	}
	if err := flushPending(); err != nil {
		return report, err
	}

	indexIDs, err := index.ListIDs(ctx)
	if err != nil {
		return report, err
	}
	var orphans []string
	for _, id := range indexIDs {
		if !storeIDs[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := index.DeleteIDs(ctx, orphans); err != nil {
			return report, err
		}
		report.OrphansDeleted = len(orphans)
	}

	logger.Info("index rebuild complete",
		"scanned", report.Scanned, "indexed", report.Indexed,
		"reembedded", report.Reembedded, "orphans_deleted", report.OrphansDeleted)
	return report, nil
}
