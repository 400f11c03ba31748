package memory

import "sync/atomic"

// Counters tracks memory subsystem outcomes for observability. Every
// degradation kind from the error taxonomy has a counter; none of them
// ever surfaces as a caller-visible error.
type Counters struct {
	Recorded            atomic.Int64
	DuplicateSuppressed atomic.Int64
	MetaFiltered        atomic.Int64
	StoreUnavailable    atomic.Int64
	EmbedUnavailable    atomic.Int64
	IndexUnavailable    atomic.Int64
	RecallServed        atomic.Int64
	RecallWidened       atomic.Int64
	RecallCacheHits     atomic.Int64
}

// Snapshot returns the current counter values keyed by outcome kind.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"recorded":             c.Recorded.Load(),
		"duplicate_suppressed": c.DuplicateSuppressed.Load(),
		"meta_filtered":        c.MetaFiltered.Load(),
		"store_unavailable":    c.StoreUnavailable.Load(),
		"embed_unavailable":    c.EmbedUnavailable.Load(),
		"index_unavailable":    c.IndexUnavailable.Load(),
		"recall_served":        c.RecallServed.Load(),
		"recall_widened":       c.RecallWidened.Load(),
		"recall_cache_hits":    c.RecallCacheHits.Load(),
	}
}
