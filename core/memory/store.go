package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreUnavailable wraps transport and storage failures of the event
// store. The recorder treats it as a warning, never a request error.
var ErrStoreUnavailable = errors.New("event store unavailable")

// StoreConfig configures the event store.
type StoreConfig struct {
	// Path is the SQLite database path. ":memory:" is valid for tests.
	Path string

	// TTLDays maps an event category ("tipo") to retention in days.
	// Categories absent from the map never expire.
	TTLDays map[string]int
}

// Store is the append-only, session-partitioned event log. It is the
// authoritative side of the dual-write pair; the vector index is derived
// from it and rebuildable by replay.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

// OpenStore opens (and migrates) the event store.
func OpenStore(cfg StoreConfig) (*Store, error) {
	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, config: cfg}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event store schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			tipo TEXT NOT NULL DEFAULT '',
			texto_semantico TEXT NOT NULL,
			texto_hash TEXT NOT NULL,
			vector BLOB,
			exito INTEGER NOT NULL DEFAULT 1,
			timestamp TEXT NOT NULL,
			metadata TEXT,
			expires_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_events_session_hash ON events(session_id, texto_hash);
		CREATE INDEX IF NOT EXISTS idx_events_agent_ts ON events(agent_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at) WHERE expires_at IS NOT NULL;
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rowValues encodes the serialized columns shared by the write paths.
func (s *Store) rowValues(event *Event) (metaJSON string, vectorBlob []byte, expiresAt any) {
	meta, _ := json.Marshal(event.Metadata)
	metaJSON = string(meta)

	if len(event.Vector) > 0 {
		vectorBlob = encodeVector(event.Vector)
	}
	if days, ok := s.config.TTLDays[event.Tipo]; ok && days > 0 {
		expiresAt = FormatTimestamp(event.Timestamp.Add(time.Duration(days) * 24 * time.Hour))
	}
	return metaJSON, vectorBlob, expiresAt
}

// Upsert writes an event, idempotent on id. Re-writing an id replaces the
// record in place, which the vector write-back and re-indexing flows rely
// on.
func (s *Store) Upsert(ctx context.Context, event *Event) error {
	metaJSON, vectorBlob, expiresAt := s.rowValues(event)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO events
			(id, session_id, agent_id, endpoint, event_type, tipo,
			 texto_semantico, texto_hash, vector, exito, timestamp, metadata, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.SessionID, event.AgentID, event.Endpoint, string(event.EventType),
		event.Tipo, event.SemanticText, event.TextHash, vectorBlob,
		boolToInt(event.Success), FormatTimestamp(event.Timestamp), metaJSON, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrStoreUnavailable, event.ID, err)
	}
	return nil
}

// InsertUnique writes a new event unless the session already holds its
// texto_hash. The dedup check and the insert are one statement, so
// concurrent identical writes collapse to a single record. Returns false
// when the write was suppressed as a duplicate.
func (s *Store) InsertUnique(ctx context.Context, event *Event) (bool, error) {
	metaJSON, vectorBlob, expiresAt := s.rowValues(event)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events
			(id, session_id, agent_id, endpoint, event_type, tipo,
			 texto_semantico, texto_hash, vector, exito, timestamp, metadata, expires_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM events WHERE session_id = ? AND texto_hash = ?
		)
	`, event.ID, event.SessionID, event.AgentID, event.Endpoint, string(event.EventType),
		event.Tipo, event.SemanticText, event.TextHash, vectorBlob,
		boolToInt(event.Success), FormatTimestamp(event.Timestamp), metaJSON, expiresAt,
		event.SessionID, event.TextHash)
	if err != nil {
		return false, fmt.Errorf("%w: insert %s: %v", ErrStoreUnavailable, event.ID, err)
	}
	inserted, _ := res.RowsAffected()
	return inserted > 0, nil
}

// SessionHistory returns the most recent events for a session, newest
// first.
func (s *Store) SessionHistory(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, endpoint, event_type, tipo,
		       texto_semantico, texto_hash, vector, exito, timestamp, metadata
		FROM events
		WHERE session_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: session history: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountSession returns the number of events persisted for a session.
func (s *Store) CountSession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: session count: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// QueryFilters narrows a store query. Zero-valued fields are ignored.
type QueryFilters struct {
	AgentID   string
	SessionID string
	EventType EventType
	Tipo      string
	Endpoint  string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Query returns events matching the filters, newest first. Free-text
// matching is the index's job, not the store's.
func (s *Store) Query(ctx context.Context, filters QueryFilters) ([]*Event, error) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if filters.AgentID != "" {
		add("agent_id = ?", filters.AgentID)
	}
	if filters.SessionID != "" {
		add("session_id = ?", filters.SessionID)
	}
	if filters.EventType != "" {
		add("event_type = ?", string(filters.EventType))
	}
	if filters.Tipo != "" {
		add("tipo = ?", filters.Tipo)
	}
	if filters.Endpoint != "" {
		add("endpoint = ?", filters.Endpoint)
	}
	if !filters.Since.IsZero() {
		add("timestamp >= ?", FormatTimestamp(filters.Since))
	}
	if !filters.Until.IsZero() {
		add("timestamp <= ?", FormatTimestamp(filters.Until))
	}

	query := `
		SELECT id, session_id, agent_id, endpoint, event_type, tipo,
		       texto_semantico, texto_hash, vector, exito, timestamp, metadata
		FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// IterateAll streams every stored event to fn in timestamp order. Used by
// the index rebuild flow.
func (s *Store) IterateAll(ctx context.Context, fn func(*Event) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, endpoint, event_type, tipo,
		       texto_semantico, texto_hash, vector, exito, timestamp, metadata
		FROM events
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return fmt.Errorf("%w: iterate: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SweepExpired deletes events past their per-category retention. Returns
// the number of rows removed. Expiry is computed at write time, so a
// record already read in the current request is never retroactively
// shortened.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at < ?
	`, FormatTimestamp(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TotalCount returns the number of events in the store.
func (s *Store) TotalCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*Event, error) {
	var event Event
	var eventType, timestamp string
	var vectorBlob, metaJSON []byte
	var exito int

	err := row.Scan(&event.ID, &event.SessionID, &event.AgentID, &event.Endpoint,
		&eventType, &event.Tipo, &event.SemanticText, &event.TextHash,
		&vectorBlob, &exito, &timestamp, &metaJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
	}

	event.EventType = EventType(eventType)
	event.Success = exito != 0
	if ts, err := ParseTimestamp(timestamp); err == nil {
		event.Timestamp = ts
	}
	if len(vectorBlob) > 0 {
		event.Vector = decodeVector(vectorBlob)
	}
	if len(metaJSON) > 0 {
		json.Unmarshal(metaJSON, &event.Metadata)
	}
	return &event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeVector converts a float32 slice to little-endian bytes.
func encodeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector converts bytes back to a float32 slice.
func decodeVector(buf []byte) []float32 {
	vector := make([]float32, len(buf)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector
}
