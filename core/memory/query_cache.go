package memory

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// QueryCache memoizes recall results for a short TTL. The TTL is the only
// coherence mechanism: recall tolerates eventual consistency between the
// stores already, so a briefly stale result set is equivalent to racing a
// concurrent writer.
type QueryCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewQueryCache creates the cache. maxCost is a bound in bytes-ish cost
// units; ttl <= 0 disables expiry.
func NewQueryCache(maxCost int64, ttl time.Duration) (*QueryCache, error) {
	if maxCost <= 0 {
		maxCost = 32 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &QueryCache{cache: cache, ttl: ttl}, nil
}

func cacheKey(req RecallRequest, top int) string {
	scope := "agent"
	if req.SessionScope {
		scope = "session"
	}
	return fmt.Sprintf("%s|%s|%s|%d|%s", req.AgentID, req.SessionID, req.Query, top, scope)
}

// Get returns a cached result set.
func (qc *QueryCache) Get(req RecallRequest, top int) ([]*Event, bool) {
	value, ok := qc.cache.Get(cacheKey(req, top))
	if !ok {
		return nil, false
	}
	events, ok := value.([]*Event)
	return events, ok
}

// Set stores a result set with a cost proportional to its text size.
func (qc *QueryCache) Set(req RecallRequest, top int, events []*Event) {
	var cost int64 = 64
	for _, e := range events {
		cost += int64(len(e.SemanticText)) + 128
	}
	qc.cache.SetWithTTL(cacheKey(req, top), events, cost, qc.ttl)
}

// Wait blocks until buffered writes are applied.
func (qc *QueryCache) Wait() {
	qc.cache.Wait()
}

// Close releases the cache's internal goroutines.
func (qc *QueryCache) Close() {
	qc.cache.Close()
}
