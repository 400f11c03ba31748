package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// DefaultAgentID is the process default when no agent identity is carried
// by the request.
const DefaultAgentID = "foundry_user"

// Identity is the resolved conversation identity for a request. SessionID
// and AgentID are never empty.
type Identity struct {
	SessionID string
	AgentID   string

	// Derived is true when the session id was auto-generated rather than
	// carried by the transport.
	Derived bool
}

// sessionHeaders and agentHeaders list the recognized identity headers in
// precedence order. Header lookup is case-insensitive via net/http.
var (
	sessionHeaders = []string{"Thread-ID", "X-Thread-ID", "Session-ID", "X-Session-ID"}
	agentHeaders   = []string{"Agent-ID", "X-Agent-ID"}

	sessionParams = []string{"thread_id", "session_id"}
)

// genericValues are identity values that are valid for persistence but
// must never activate session-scoped filters in recall.
var genericValues = map[string]bool{
	"":             true,
	"assistant":    true,
	"unknown":      true,
	"test_session": true,
	"none":         true,
}

// IsGeneric reports whether an identity value is a generic placeholder.
func IsGeneric(value string) bool {
	return genericValues[strings.ToLower(strings.TrimSpace(value))]
}

// Resolve extracts (session_id, agent_id) from a request using the
// documented precedence: headers, then query parameters, then JSON body
// fields. When everything is absent the session id is derived
// deterministically from the agent id and the first user message. The body
// is passed separately so callers can read it once; a malformed body is
// treated as empty.
func Resolve(r *http.Request, body []byte) Identity {
	var id Identity

	id.SessionID = firstHeader(r, sessionHeaders)
	id.AgentID = firstHeader(r, agentHeaders)

	query := r.URL.Query()
	if id.SessionID == "" {
		for _, p := range sessionParams {
			if v := query.Get(p); v != "" {
				id.SessionID = v
				break
			}
		}
	}
	if id.AgentID == "" {
		id.AgentID = query.Get("agent_id")
	}

	fields := parseBodyFields(body)
	if id.SessionID == "" {
		id.SessionID = fields.sessionID
	}
	if id.AgentID == "" {
		id.AgentID = fields.agentID
	}

	if id.AgentID == "" {
		id.AgentID = DefaultAgentID
	}
	if id.SessionID == "" {
		id.SessionID = DeriveSessionID(id.AgentID, fields.firstMessage)
		id.Derived = true
	}

	return id
}

// DeriveSessionID produces a stable session id from the agent id and the
// first user message of the conversation.
func DeriveSessionID(agentID, firstMessage string) string {
	sum := sha256.Sum256([]byte(agentID + "|" + firstMessage))
	return "auto-" + hex.EncodeToString(sum[:])[:16]
}

func firstHeader(r *http.Request, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

type bodyFields struct {
	sessionID    string
	agentID      string
	firstMessage string
}

// parseBodyFields pulls identity hints out of a JSON body. Unparseable
// bodies yield empty fields; parser errors never propagate.
func parseBodyFields(body []byte) bodyFields {
	var fields bodyFields
	if len(body) == 0 {
		return fields
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fields
	}

	fields.sessionID = firstString(payload, "thread_id", "session_id")
	fields.agentID = firstString(payload, "agent_id")
	fields.firstMessage = firstString(payload, "mensaje", "query", "prompt", "message", "input")

	if fields.sessionID == "" {
		if ctx, ok := payload["context"].(map[string]any); ok {
			fields.sessionID = firstString(ctx, "thread_id")
		}
	}

	return fields
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

type contextKey struct{}

// WithIdentity attaches a resolved identity to the request context so
// downstream code reuses it without re-parsing.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached to the context, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
