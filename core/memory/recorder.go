package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Record outcomes. Suppressed writes are reported outcomes, not errors.
const (
	OutcomeStored              = "stored"
	OutcomeMetaFiltered        = "meta_filtered"
	OutcomeDuplicateSuppressed = "duplicate_suppressed"
	OutcomeStoreUnavailable    = "store_unavailable"
)

// Outcome reports what the recorder did with an event.
type Outcome struct {
	Stored  bool   `json:"stored"`
	Reason  string `json:"reason"`
	EventID string `json:"event_id,omitempty"`
}

// RecordInput carries the fields of an event to be recorded. Missing id,
// timestamp, and semantic text are filled in by the recorder.
type RecordInput struct {
	SessionID    string
	AgentID      string
	Endpoint     string
	EventType    EventType
	Tipo         string
	SemanticText string
	Success      bool
	Metadata     map[string]any
}

// RecorderConfig configures the single write path.
type RecorderConfig struct {
	Store    *Store
	Index    *Index   // nil disables the index write path (store-only mode)
	Embedder Embedder // nil means events persist without vectors

	// Async hands indexing to a worker pool; the request never waits for
	// it. Synchronous mode indexes inline and exists for tests and the
	// rebuild flow.
	Async     bool
	QueueSize int
	Workers   int

	EmbedTimeout time.Duration
	WriteTimeout time.Duration
	MaxChars     int

	Counters *Counters
	Logger   *slog.Logger
}

// Recorder is the single entry point for persisting events: it validates,
// hashes, deduplicates, writes to the event store, and asynchronously
// indexes in the vector index. No failure inside it ever aborts the
// caller's request.
type Recorder struct {
	store    *Store
	index    *Index
	embedder Embedder

	filter atomic.Pointer[MetaFilter]

	async        bool
	queue        chan *Event
	queueMu      sync.RWMutex
	closed       bool
	workers      sync.WaitGroup
	closeOnce    sync.Once
	embedTimeout time.Duration
	writeTimeout time.Duration
	maxChars     int

	counters *Counters
	logger   *slog.Logger
}

// NewRecorder creates the write path and starts its worker pool when async
// indexing is enabled.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Counters == nil {
		cfg.Counters = &Counters{}
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	r := &Recorder{
		store:        cfg.Store,
		index:        cfg.Index,
		embedder:     cfg.Embedder,
		async:        cfg.Async,
		embedTimeout: cfg.EmbedTimeout,
		writeTimeout: cfg.WriteTimeout,
		maxChars:     cfg.MaxChars,
		counters:     cfg.Counters,
		logger:       cfg.Logger,
	}
	r.filter.Store(NewMetaFilter(nil))

	if r.async && r.index != nil {
		r.queue = make(chan *Event, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			r.workers.Add(1)
			go r.indexWorker()
		}
	}
	return r
}

// SetMetaFilter swaps the meta-operational filter; called on config
// reload.
func (r *Recorder) SetMetaFilter(filter *MetaFilter) {
	if filter != nil {
		r.filter.Store(filter)
	}
}

// MetaFilter returns the current filter, shared with the retriever.
func (r *Recorder) MetaFilter() *MetaFilter {
	return r.filter.Load()
}

// Counters exposes the shared outcome counters.
func (r *Recorder) Counters() *Counters {
	return r.counters
}

// Record runs the write path: build, meta-filter, dedup, persist, then
// embed and index. Index failures never become caller errors; the event
// store is authoritative and a background rebuild reconciles the index.
func (r *Recorder) Record(ctx context.Context, input RecordInput) Outcome {
	event := r.buildEvent(input)

	if !r.filter.Load().Persistable(event.SemanticText) {
		r.counters.MetaFiltered.Add(1)
		return Outcome{Reason: OutcomeMetaFiltered}
	}

	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	// The dedup check is atomic with the insert, so concurrent identical
	// writes collapse to a single record.
	inserted, err := r.store.InsertUnique(writeCtx, event)
	if err != nil {
		r.counters.StoreUnavailable.Add(1)
		r.logger.Warn("event store write failed",
			"kind", "store_unavailable", "session_id", event.SessionID,
			"agent_id", event.AgentID, "endpoint", event.Endpoint, "cause", err)
		return Outcome{Reason: OutcomeStoreUnavailable}
	}
	if !inserted {
		r.counters.DuplicateSuppressed.Add(1)
		return Outcome{Reason: OutcomeDuplicateSuppressed}
	}

	r.counters.Recorded.Add(1)
	r.enqueueIndex(event)
	return Outcome{Stored: true, Reason: OutcomeStored, EventID: event.ID}
}

func (r *Recorder) buildEvent(input RecordInput) *Event {
	now := time.Now()

	text := strings.TrimSpace(input.SemanticText)
	if text == "" {
		text = fmt.Sprintf("Evento %s en %s", input.EventType, input.Endpoint)
	}

	return &Event{
		ID:           NewEventID(input.SessionID, now),
		SessionID:    input.SessionID,
		AgentID:      input.AgentID,
		Endpoint:     input.Endpoint,
		EventType:    input.EventType,
		Tipo:         input.Tipo,
		SemanticText: text,
		TextHash:     HashText(text),
		Success:      input.Success,
		Timestamp:    now,
		Metadata:     input.Metadata,
	}
}

// enqueueIndex hands the event to the index path. Async mode never blocks
// the request: a full or already-closed queue drops the event with a log
// line, and the rebuild flow reconciles later.
func (r *Recorder) enqueueIndex(event *Event) {
	if r.index == nil {
		return
	}
	if !r.async {
		r.indexEvent(event)
		return
	}

	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.closed {
		r.counters.IndexUnavailable.Add(1)
		r.logger.Warn("recorder closed, event not indexed",
			"kind", "store_unavailable", "session_id", event.SessionID,
			"agent_id", event.AgentID, "endpoint", event.Endpoint, "cause", "recorder closed")
		return
	}
	select {
	case r.queue <- event:
	default:
		r.counters.IndexUnavailable.Add(1)
		r.logger.Warn("index queue full, event not indexed",
			"kind", "store_unavailable", "session_id", event.SessionID,
			"agent_id", event.AgentID, "endpoint", event.Endpoint, "cause", "queue full")
	}
}

func (r *Recorder) indexWorker() {
	defer r.workers.Done()
	for event := range r.queue {
		r.indexEvent(event)
	}
}

// indexEvent embeds and uploads a single event. An embedding failure
// leaves the event visible via store history only until a batch
// re-embedding run; an index failure is logged and reconciled by rebuild.
func (r *Recorder) indexEvent(event *Event) {
	if r.embedder == nil {
		r.counters.EmbedUnavailable.Add(1)
		return
	}

	embedCtx, cancel := context.WithTimeout(context.Background(), r.embedTimeout)
	vector, err := r.embedder.Embed(embedCtx, TruncateForEmbedding(event.SemanticText, r.maxChars))
	cancel()
	if err != nil || len(vector) == 0 {
		r.counters.EmbedUnavailable.Add(1)
		r.logger.Warn("embedding failed, event persisted without vector",
			"kind", "embed_unavailable", "session_id", event.SessionID,
			"agent_id", event.AgentID, "endpoint", event.Endpoint, "cause", err)
		return
	}

	event.Vector = vector

	uploadCtx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.index.Upload(uploadCtx, []*Event{event}); err != nil {
		r.counters.IndexUnavailable.Add(1)
		r.logger.Warn("index upload failed",
			"kind", "store_unavailable", "session_id", event.SessionID,
			"agent_id", event.AgentID, "endpoint", event.Endpoint, "cause", err)
		return
	}

	// Persist the vector back to the authoritative record so a rebuild
	// does not need to re-embed. Same id, unchanged texto_hash.
	if err := r.store.Upsert(uploadCtx, event); err != nil {
		r.logger.Warn("vector write-back failed",
			"kind", "store_unavailable", "session_id", event.SessionID,
			"agent_id", event.AgentID, "endpoint", event.Endpoint, "cause", err)
	}
}

// Close drains the index queue and stops the workers. Record stays safe
// to call afterwards: late events persist to the store and are skipped by
// the index path.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.queueMu.Lock()
		r.closed = true
		if r.queue != nil {
			close(r.queue)
		}
		r.queueMu.Unlock()
	})
	r.workers.Wait()
}
