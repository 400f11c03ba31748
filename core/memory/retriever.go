package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/recall/core/identity"
)

// RecallRequest is a free-form question about prior activity.
type RecallRequest struct {
	Query     string
	AgentID   string
	SessionID string
	Top       int

	// SessionScope restricts recall to the request's session. The default
	// is agent-scoped, cross-session memory.
	SessionScope bool
}

// RetrieverConfig configures hybrid recall.
type RetrieverConfig struct {
	Store      *Store
	Index      *Index   // nil degrades to store-only recall
	Embedder   Embedder // nil degrades to keyword-only search
	Classifier *Classifier
	Cache      *QueryCache // optional

	CandidateK   int
	RecentLimit  int
	DefaultTop   int
	MaxChars     int
	EmbedTimeout time.Duration
	ReadTimeout  time.Duration

	Counters *Counters
	Logger   *slog.Logger
}

// Retriever answers recall queries by fanning out to the vector index and
// the event store, merging, deduplicating, and ranking the results. It
// never returns an error: every internal failure degrades to whatever the
// healthy source can provide.
type Retriever struct {
	store      *Store
	index      *Index
	embedder   Embedder
	classifier *Classifier
	cache      *QueryCache

	filter atomic.Pointer[MetaFilter]

	candidateK   int
	recentLimit  int
	defaultTop   int
	maxChars     int
	embedTimeout time.Duration
	readTimeout  time.Duration

	counters *Counters
	logger   *slog.Logger
}

// NewRetriever creates the recall path.
func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Counters == nil {
		cfg.Counters = &Counters{}
	}
	if cfg.CandidateK <= 0 {
		cfg.CandidateK = 20
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 20
	}
	if cfg.DefaultTop <= 0 {
		cfg.DefaultTop = 5
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(nil, 0)
	}

	r := &Retriever{
		store:        cfg.Store,
		index:        cfg.Index,
		embedder:     cfg.Embedder,
		classifier:   cfg.Classifier,
		cache:        cfg.Cache,
		candidateK:   cfg.CandidateK,
		recentLimit:  cfg.RecentLimit,
		defaultTop:   cfg.DefaultTop,
		maxChars:     cfg.MaxChars,
		embedTimeout: cfg.EmbedTimeout,
		readTimeout:  cfg.ReadTimeout,
		counters:     cfg.Counters,
		logger:       cfg.Logger,
	}
	r.filter.Store(NewMetaFilter(nil))
	return r
}

// SetMetaFilter swaps the meta-operational filter; called on config
// reload.
func (r *Retriever) SetMetaFilter(filter *MetaFilter) {
	if filter != nil {
		r.filter.Store(filter)
	}
}

// Recall retrieves the most relevant prior events for the query. The
// returned events are stripped of their vectors and ordered by
// (score desc, timestamp desc); the ordering is deterministic for a fixed
// snapshot of both stores.
func (r *Retriever) Recall(ctx context.Context, req RecallRequest) []*Event {
	top := req.Top
	if top <= 0 {
		top = r.defaultTop
	}

	if r.cache != nil {
		if events, ok := r.cache.Get(req, top); ok {
			r.counters.RecallCacheHits.Add(1)
			return events
		}
	}

	intent := r.classifier.Classify(req.Query)
	vector := r.embedQuery(ctx, req.Query)
	filters := r.buildFilters(req, intent)

	var indexed []*ScoredEvent
	var recent []*Event

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		indexed = r.searchWithWidening(groupCtx, req.Query, vector, filters)
		return nil
	})
	g.Go(func() error {
		recent = r.fetchRecent(groupCtx, req)
		return nil
	})
	g.Wait()

	merged := r.merge(indexed, recent, intent, top)

	r.counters.RecallServed.Add(1)
	if r.cache != nil {
		r.cache.Set(req, top, merged)
	}
	return merged
}

// embedQuery computes the query vector, tolerating embedder failures.
func (r *Retriever) embedQuery(ctx context.Context, query string) []float32 {
	if r.embedder == nil || query == "" {
		return nil
	}
	embedCtx, cancel := context.WithTimeout(ctx, r.embedTimeout)
	defer cancel()

	vector, err := r.embedder.Embed(embedCtx, TruncateForEmbedding(query, r.maxChars))
	if err != nil {
		r.counters.EmbedUnavailable.Add(1)
		r.logger.Warn("query embedding failed, keyword-only search",
			"kind", "embed_unavailable", "cause", err)
		return nil
	}
	return vector
}

// buildFilters assembles the strictest filter set for the request. Generic
// identities never activate scoped filters.
func (r *Retriever) buildFilters(req RecallRequest, intent Intent) Filters {
	var filters Filters
	if !identity.IsGeneric(req.AgentID) {
		filters.AgentID = req.AgentID
	}
	if req.SessionScope && !identity.IsGeneric(req.SessionID) {
		filters.SessionID = req.SessionID
	}
	filters.EventType = intent.EventType
	filters.Tipo = intent.Tipo
	if intent.TimeBound > 0 {
		filters.Since = time.Now().Add(-intent.TimeBound)
	}
	return filters
}

// searchWithWidening queries the index, progressively relaxing filters on
// zero hits: drop the session, the event-type preference, tipo, the time
// bound, then agent. Each step is logged.
func (r *Retriever) searchWithWidening(ctx context.Context, query string, vector []float32, filters Filters) []*ScoredEvent {
	if r.index == nil {
		return nil
	}

	for {
		searchCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
		scored, err := r.index.Search(searchCtx, query, vector, r.candidateK, filters)
		cancel()
		if err != nil {
			r.counters.IndexUnavailable.Add(1)
			r.logger.Warn("index search failed, store-only recall",
				"kind", "store_unavailable", "cause", err)
			return nil
		}
		if len(scored) > 0 {
			return scored
		}

		widened, dropped := widen(filters)
		if dropped == "" {
			return nil
		}
		r.counters.RecallWidened.Add(1)
		r.logger.Info("recall widened", "dropped", dropped)
		filters = widened
	}
}

// widen relaxes one filter and names it; empty means nothing left to drop.
func widen(filters Filters) (Filters, string) {
	switch {
	case filters.SessionID != "":
		filters.SessionID = ""
		return filters, "session_id"
	case filters.EventType != "":
		filters.EventType = ""
		return filters, "event_type"
	case filters.Tipo != "":
		filters.Tipo = ""
		return filters, "tipo"
	case !filters.Since.IsZero() || !filters.Until.IsZero():
		filters.Since, filters.Until = time.Time{}, time.Time{}
		return filters, "time_bound"
	case filters.AgentID != "":
		filters.AgentID = ""
		return filters, "agent_id"
	}
	return filters, ""
}

// fetchRecent reads the freshest events straight from the store, which may
// hold turns the index has not caught up with yet.
func (r *Retriever) fetchRecent(ctx context.Context, req RecallRequest) []*Event {
	readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	var events []*Event
	var err error
	if !identity.IsGeneric(req.SessionID) {
		events, err = r.store.SessionHistory(readCtx, req.SessionID, r.recentLimit)
	} else {
		filters := QueryFilters{Limit: r.recentLimit}
		if !identity.IsGeneric(req.AgentID) {
			filters.AgentID = req.AgentID
		}
		events, err = r.store.Query(readCtx, filters)
	}
	if err != nil {
		r.counters.StoreUnavailable.Add(1)
		r.logger.Warn("recent history fetch failed",
			"kind", "store_unavailable", "session_id", req.SessionID,
			"agent_id", req.AgentID, "cause", err)
		return nil
	}
	return events
}

type rankedEvent struct {
	event     *Event
	score     float64
	fromIndex bool
}

// merge unions both sources by id (index record preferred, it carries the
// score), ranks by (score desc, timestamp desc, index wins), collapses
// semantically identical echoes by (endpoint, normalized 100-char prefix),
// and strips meta-operational noise and vectors.
func (r *Retriever) merge(indexed []*ScoredEvent, recent []*Event, intent Intent, top int) []*Event {
	byID := make(map[string]*rankedEvent, len(indexed)+len(recent))
	order := make([]string, 0, len(indexed)+len(recent))

	for _, s := range indexed {
		if _, ok := byID[s.Event.ID]; ok {
			continue
		}
		byID[s.Event.ID] = &rankedEvent{event: s.Event, score: s.Score, fromIndex: true}
		order = append(order, s.Event.ID)
	}
	for _, event := range recent {
		if _, ok := byID[event.ID]; ok {
			continue
		}
		byID[event.ID] = &rankedEvent{event: event}
		order = append(order, event.ID)
	}

	ranked := make([]*rankedEvent, 0, len(order))
	filter := r.filter.Load()
	cutoff := time.Time{}
	if intent.TimeBound > 0 {
		cutoff = time.Now().Add(-intent.TimeBound)
	}
	for _, id := range order {
		c := byID[id]
		if filter.Matches(c.event.SemanticText) {
			continue
		}
		// Store-side freshness must still honor the intent's time bound.
		if !c.fromIndex && !cutoff.IsZero() && c.event.Timestamp.Before(cutoff) {
			continue
		}
		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].event.Timestamp.Equal(ranked[j].event.Timestamp) {
			return ranked[i].event.Timestamp.After(ranked[j].event.Timestamp)
		}
		return ranked[i].fromIndex && !ranked[j].fromIndex
	})

	seen := make(map[[2]string]bool)
	results := make([]*Event, 0, top)
	for _, c := range ranked {
		key := [2]string{c.event.Endpoint, NormalizedPrefix(c.event.SemanticText, 100)}
		if seen[key] {
			continue
		}
		seen[key] = true

		event := c.event.Clone()
		event.Vector = nil
		results = append(results, event)
		if len(results) == top {
			break
		}
	}
	return results
}
