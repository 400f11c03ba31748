package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType classifies the origin of a persisted event.
type EventType string

const (
	EventTypeUserInput        EventType = "user_input"
	EventTypeAgentOutput      EventType = "agent_output"
	EventTypeSemanticResponse EventType = "respuesta_semantica"
	EventTypeDiagnostic       EventType = "diagnostic"
	EventTypeError            EventType = "error"
	EventTypeSystem           EventType = "system"
)

// MinSemanticTextLen is the minimum length of semantic text eligible for
// persistence. Shorter text carries no recall value.
const MinSemanticTextLen = 20

// Event is the single durable record of a conversational or operational
// turn. The event store owns authoritative persistence; the vector index
// holds a derived, rebuildable view of the same records.
type Event struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	AgentID      string         `json:"agent_id"`
	Endpoint     string         `json:"endpoint"`
	EventType    EventType      `json:"event_type"`
	Tipo         string         `json:"tipo,omitempty"`
	SemanticText string         `json:"texto_semantico"`
	TextHash     string         `json:"texto_hash"`
	Vector       []float32      `json:"vector,omitempty"`
	Success      bool           `json:"exito"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a shallow copy with its own metadata map, used when a
// record must be returned to callers without its vector.
func (e *Event) Clone() *Event {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// timestampLayout is RFC3339 with millisecond precision, always UTC with a
// trailing Z. Microseconds are truncated before formatting.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp normalizes a time for storage and indexing.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(timestampLayout)
}

// ParseTimestamp parses a normalized timestamp, tolerating plain RFC3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// HashText computes the deduplication key: SHA-256 over the lowercased,
// trimmed semantic text.
func HashText(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NewEventID builds a deterministic-prefix event id from the session and
// timestamp with a random suffix for uniqueness under concurrency.
func NewEventID(sessionID string, ts time.Time) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%d-%s", sessionID, ts.UTC().UnixMilli(), suffix)
}

// NormalizedPrefix returns the first n characters of the text after
// lowercasing and whitespace collapsing. Used to collapse semantically
// identical echoes from different sources. Counted in runes, never
// splitting a multi-byte character.
func NormalizedPrefix(text string, n int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	runes := []rune(normalized)
	if len(runes) > n {
		return string(runes[:n])
	}
	return normalized
}
