package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/viterin/vek/vek32"
)

// ErrIndexUnavailable wraps index transport and storage failures. Like
// store failures it degrades the request instead of failing it.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// ErrDimensionMismatch means the configured embedding dimension does not
// match the persisted index schema. This is the one fatal configuration
// error; it surfaces at startup only.
var ErrDimensionMismatch = errors.New("embedding dimension does not match index schema")

// dimensionKey is the internal bleve key recording the index's vector
// dimension.
var dimensionKey = []byte("vector_dimension")

// DefaultDocCacheSize bounds the in-memory document cache.
const DefaultDocCacheSize = 10000

// IndexConfig configures the hybrid index.
type IndexConfig struct {
	// Path is the bleve index directory. Empty means in-memory only.
	Path string

	// Dimension is the fixed embedding vector length D.
	Dimension int

	// BatchSize bounds upload chunks.
	BatchSize int

	// CacheSize bounds the document cache; <= 0 uses the default.
	CacheSize int
}

// Index is the derived, searchable view over events: bleve supplies
// keyword matching and filter evaluation, while vectors live in memory and
// are ranked by cosine similarity. The event store remains authoritative;
// this index is rebuildable from it by replay.
type Index struct {
	idx       bleve.Index
	dimension int
	batchSize int

	mu      sync.RWMutex
	vectors map[string][]float32
	docs    *lru.Cache[string, *Event]
}

// OpenIndex opens or creates the hybrid index and validates that the
// persisted schema dimension matches the configured one.
func OpenIndex(cfg IndexConfig) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: configured dimension %d", ErrDimensionMismatch, cfg.Dimension)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	var idx bleve.Index
	var err error
	created := false

	if cfg.Path == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
		created = true
	} else {
		idx, err = bleve.Open(cfg.Path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(cfg.Path, buildIndexMapping())
			created = true
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	if created {
		if err := idx.SetInternal(dimensionKey, []byte(strconv.Itoa(cfg.Dimension))); err != nil {
			idx.Close()
			return nil, fmt.Errorf("record index dimension: %w", err)
		}
	} else {
		raw, err := idx.GetInternal(dimensionKey)
		if err == nil && len(raw) > 0 {
			stored, _ := strconv.Atoi(string(raw))
			if stored != cfg.Dimension {
				idx.Close()
				return nil, fmt.Errorf("%w: index has D=%d, configured D=%d", ErrDimensionMismatch, stored, cfg.Dimension)
			}
		}
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultDocCacheSize
	}
	cache, _ := lru.New[string, *Event](cacheSize)

	return &Index{
		idx:       idx,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		vectors:   make(map[string][]float32),
		docs:      cache,
	}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	textField := bleve.NewTextFieldMapping()

	dateField := bleve.NewDateTimeFieldMapping()
	boolField := bleve.NewBooleanFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("id", keywordField)
	doc.AddFieldMappingsAt("session_id", keywordField)
	doc.AddFieldMappingsAt("agent_id", keywordField)
	doc.AddFieldMappingsAt("endpoint", keywordField)
	doc.AddFieldMappingsAt("event_type", keywordField)
	doc.AddFieldMappingsAt("tipo", keywordField)
	doc.AddFieldMappingsAt("texto_semantico", textField)
	doc.AddFieldMappingsAt("timestamp", dateField)
	doc.AddFieldMappingsAt("exito", boolField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Dimension returns the index's vector dimension D.
func (ix *Index) Dimension() int {
	return ix.dimension
}

// Close closes the underlying bleve index.
func (ix *Index) Close() error {
	return ix.idx.Close()
}

// Upload indexes a batch of events. Every event must carry a vector of
// dimension D and is stored with a normalized millisecond-precision UTC
// timestamp. Uploads are chunked.
func (ix *Index) Upload(ctx context.Context, events []*Event) error {
	for start := 0; start < len(events); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(events) {
			end = len(events)
		}
		if err := ix.uploadChunk(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) uploadChunk(ctx context.Context, events []*Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	batch := ix.idx.NewBatch()
	for _, event := range events {
		if len(event.Vector) != ix.dimension {
			return fmt.Errorf("%w: event %s has vector of length %d", ErrDimensionMismatch, event.ID, len(event.Vector))
		}
		if err := batch.Index(event.ID, indexDocument(event)); err != nil {
			return fmt.Errorf("%w: batch %s: %v", ErrIndexUnavailable, event.ID, err)
		}
	}
	if err := ix.idx.Batch(batch); err != nil {
		return fmt.Errorf("%w: batch commit: %v", ErrIndexUnavailable, err)
	}

	ix.mu.Lock()
	for _, event := range events {
		ix.vectors[event.ID] = event.Vector
		ix.docs.Add(event.ID, event.Clone())
	}
	ix.mu.Unlock()
	return nil
}

func indexDocument(event *Event) map[string]any {
	return map[string]any{
		"id":              event.ID,
		"session_id":      event.SessionID,
		"agent_id":        event.AgentID,
		"endpoint":        event.Endpoint,
		"event_type":      string(event.EventType),
		"tipo":            event.Tipo,
		"texto_semantico": event.SemanticText,
		"timestamp":       FormatTimestamp(event.Timestamp),
		"exito":           event.Success,
	}
}

// Filters narrows a search. Zero-valued fields mean universal scope.
type Filters struct {
	AgentID   string
	SessionID string
	Endpoint  string
	EventType EventType
	Tipo      string
	Since     time.Time
	Until     time.Time
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return f.AgentID == "" && f.SessionID == "" && f.Endpoint == "" &&
		f.EventType == "" && f.Tipo == "" && f.Since.IsZero() && f.Until.IsZero()
}

// ScoredEvent is an indexed event with its opaque relevance score.
type ScoredEvent struct {
	Event *Event
	Score float64
}

// Search performs hybrid retrieval: bleve evaluates filters and keyword
// relevance, and when a query vector is present candidates are re-ranked
// by cosine similarity. Without a vector it degrades to keyword-only.
func (ix *Index) Search(ctx context.Context, queryText string, vector []float32, top int, filters Filters) ([]*ScoredEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if top <= 0 {
		top = 10
	}

	candidateLimit := top
	if len(vector) > 0 {
		// Over-fetch so cosine re-ranking has candidates beyond the
		// keyword-best ones.
		candidateLimit = top * 5
		if candidateLimit < 50 {
			candidateLimit = 50
		}
	}

	req := bleve.NewSearchRequest(ix.buildQuery(queryText, filters))
	req.Size = candidateLimit
	req.Fields = []string{"*"}

	result, err := ix.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrIndexUnavailable, err)
	}

	scored := make([]*ScoredEvent, 0, len(result.Hits))
	ix.mu.RLock()
	for _, hit := range result.Hits {
		event := ix.lookupLocked(hit.ID, hit.Fields)
		if event == nil {
			continue
		}
		score := hit.Score
		if len(vector) > 0 {
			if stored, ok := ix.vectors[hit.ID]; ok && len(stored) == len(vector) {
				score = float64(vek32.CosineSimilarity(vector, stored))
			}
		}
		scored = append(scored, &ScoredEvent{Event: event, Score: score})
	}
	ix.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Event.Timestamp.After(scored[j].Event.Timestamp)
	})
	if len(scored) > top {
		scored = scored[:top]
	}
	return scored, nil
}

func (ix *Index) buildQuery(queryText string, filters Filters) query.Query {
	var musts []query.Query

	addTerm := func(field, value string) {
		if value == "" {
			return
		}
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		musts = append(musts, tq)
	}

	addTerm("agent_id", filters.AgentID)
	addTerm("session_id", filters.SessionID)
	addTerm("endpoint", filters.Endpoint)
	addTerm("event_type", string(filters.EventType))
	addTerm("tipo", filters.Tipo)

	if !filters.Since.IsZero() || !filters.Until.IsZero() {
		since, until := filters.Since, filters.Until
		if until.IsZero() {
			until = time.Now().Add(24 * time.Hour)
		}
		dq := bleve.NewDateRangeQuery(since.UTC(), until.UTC())
		dq.SetField("timestamp")
		musts = append(musts, dq)
	}

	var textQuery query.Query = bleve.NewMatchAllQuery()
	if queryText != "" {
		mq := bleve.NewMatchQuery(queryText)
		mq.SetField("texto_semantico")
		textQuery = mq
	}

	if len(musts) == 0 {
		return textQuery
	}

	boolQuery := bleve.NewBooleanQuery()
	for _, q := range musts {
		boolQuery.AddMust(q)
	}
	if queryText != "" {
		// Keyword relevance contributes to the score without excluding
		// filter-matching documents that miss every keyword.
		boolQuery.AddShould(textQuery)
	}
	return boolQuery
}

// lookupLocked resolves a hit into an event, preferring the document cache
// and reconstructing from stored fields on a miss. Callers hold ix.mu.
func (ix *Index) lookupLocked(id string, fields map[string]any) *Event {
	if event, ok := ix.docs.Get(id); ok {
		return event.Clone()
	}
	if len(fields) == 0 {
		return nil
	}

	event := &Event{ID: id}
	if v, ok := fields["session_id"].(string); ok {
		event.SessionID = v
	}
	if v, ok := fields["agent_id"].(string); ok {
		event.AgentID = v
	}
	if v, ok := fields["endpoint"].(string); ok {
		event.Endpoint = v
	}
	if v, ok := fields["event_type"].(string); ok {
		event.EventType = EventType(v)
	}
	if v, ok := fields["tipo"].(string); ok {
		event.Tipo = v
	}
	if v, ok := fields["texto_semantico"].(string); ok {
		event.SemanticText = v
	}
	if v, ok := fields["exito"].(bool); ok {
		event.Success = v
	}
	if v, ok := fields["timestamp"].(string); ok {
		if ts, err := ParseTimestamp(v); err == nil {
			event.Timestamp = ts
		}
	}
	event.TextHash = HashText(event.SemanticText)
	return event
}

// HasVector reports whether the index holds a vector for the id.
func (ix *Index) HasVector(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.vectors[id]
	return ok
}

// ListIDs returns every indexed document id. Used by rebuild flows.
func (ix *Index) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	from := 0
	const page = 1000

	for {
		req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
		req.Size = page
		req.From = from
		result, err := ix.idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: list ids: %v", ErrIndexUnavailable, err)
		}
		for _, hit := range result.Hits {
			ids = append(ids, hit.ID)
		}
		if len(result.Hits) < page {
			return ids, nil
		}
		from += page
	}
}

// DeleteIDs removes documents from the index. Used by rebuild flows.
func (ix *Index) DeleteIDs(ctx context.Context, ids []string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	batch := ix.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := ix.idx.Batch(batch); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrIndexUnavailable, err)
	}

	ix.mu.Lock()
	for _, id := range ids {
		delete(ix.vectors, id)
		ix.docs.Remove(id)
	}
	ix.mu.Unlock()
	return nil
}

// DocCount returns the number of indexed documents.
func (ix *Index) DocCount() (uint64, error) {
	return ix.idx.DocCount()
}

// VectorCount returns the number of in-memory vectors.
func (ix *Index) VectorCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}
