package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adalundhe/recall/core/identity"
	"github.com/adalundhe/recall/core/memory"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Request is what the middleware hands to an endpoint body: the parsed
// payload (empty map for absent or malformed JSON), the resolved identity,
// and the preloaded memory context.
type Request struct {
	HTTP     *http.Request
	Body     map[string]any
	Identity identity.Identity
	Memory   *MemoryContext
}

// MemoryContext is the prior-activity context attached to a request before
// the endpoint body runs.
type MemoryContext struct {
	// Events are recalled or recent events, vector-stripped.
	Events []*memory.Event

	// Summary is a bounded natural-language rendering of Events.
	Summary string

	// Available is false when the event store could not be consulted.
	Available bool

	// Previous is the number of events already persisted for the session.
	Previous int
}

// HandlerFunc is an endpoint body. The returned map becomes the JSON
// response; the middleware attaches the metadata object to it.
type HandlerFunc func(ctx context.Context, req *Request) (map[string]any, error)

// userMessageKeys are body fields recognized as the inbound user message.
var userMessageKeys = []string{"mensaje", "query", "consulta", "prompt", "message", "input"}

// responseTextKeys are response fields recognized as the agent's textual
// output.
var responseTextKeys = []string{"respuesta", "resultado", "texto", "output", "answer"}

// Wrap builds the standard middleware around an endpoint body: resolve
// identity, preload memory context, record the inbound utterance, dispatch,
// record the outbound response, attach response metadata. Every step is
// defensive; losing memory is preferred to failing the request.
func (s *Server) Wrap(endpoint string, handler HandlerFunc) http.HandlerFunc {
	recallEndpoint := recallEndpoints[endpoint]

	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("endpoint panic",
					"kind", "input_invalid", "endpoint", endpoint, "cause", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error": "internal error",
				})
			}
		}()

		body := readBody(r)
		payload := parsePayload(body)

		id := identity.Resolve(r, body)
		ctx := identity.WithIdentity(r.Context(), id)

		req := &Request{
			HTTP:     r,
			Body:     payload,
			Identity: id,
		}
		req.Memory = s.loadMemoryContext(ctx, req, recallEndpoint)

		userMessage := firstBodyString(payload, userMessageKeys)
		if userMessage != "" {
			outcome := s.recorder.Record(ctx, memory.RecordInput{
				SessionID:    id.SessionID,
				AgentID:      id.AgentID,
				Endpoint:     endpoint,
				EventType:    memory.EventTypeUserInput,
				Tipo:         "interaccion",
				SemanticText: userMessage,
				Success:      true,
			})
			if outcome.Reason == memory.OutcomeStoreUnavailable {
				req.Memory.Available = false
			}
		}

		response, err := handler(ctx, req)
		status := http.StatusOK
		if err != nil {
			s.logger.Error("endpoint failed", "endpoint", endpoint,
				"session_id", id.SessionID, "agent_id", id.AgentID, "cause", err)
			status = http.StatusInternalServerError
			response = map[string]any{"error": err.Error()}
		}
		if response == nil {
			response = map[string]any{}
		}

		if status == http.StatusOK {
			s.recordResponse(ctx, endpoint, id, response)
		}

		response["metadata"] = map[string]any{
			"session_id":            id.SessionID,
			"agent_id":              id.AgentID,
			"memoria_disponible":    req.Memory.Available,
			"wrapper_aplicado":      true,
			"timestamp":             memory.FormatTimestamp(time.Now()),
			"interacciones_previas": req.Memory.Previous,
		}

		writeJSON(w, status, response)
	}
}

// loadMemoryContext pre-populates prior activity: recall endpoints get a
// full hybrid retrieval, everything else a lightweight session summary.
func (s *Server) loadMemoryContext(ctx context.Context, req *Request, recallEndpoint bool) *MemoryContext {
	mc := &MemoryContext{Available: true}
	id := req.Identity

	count, err := s.store.CountSession(ctx, id.SessionID)
	if err != nil {
		mc.Available = false
	} else {
		mc.Previous = count
	}

	if recallEndpoint {
		query := firstBodyString(req.Body, userMessageKeys)
		mc.Events = s.retriever.Recall(ctx, memory.RecallRequest{
			Query:        query,
			AgentID:      id.AgentID,
			SessionID:    id.SessionID,
			Top:          intBodyField(req.Body, "top"),
			SessionScope: boolBodyField(req.Body, "solo_sesion"),
		})
		mc.Summary = memory.Synthesize(mc.Events, 2000)
		return mc
	}

	history, err := s.store.SessionHistory(ctx, id.SessionID, 5)
	if err != nil {
		mc.Available = false
		mc.Summary = memory.NoActivitySummary
		return mc
	}
	mc.Events = stripVectors(history)
	mc.Summary = memory.Synthesize(mc.Events, 1000)
	return mc
}

// recordResponse persists the agent's textual output when the response
// carries one. Short or meta-operational text is rejected downstream.
func (s *Server) recordResponse(ctx context.Context, endpoint string, id identity.Identity, response map[string]any) {
	text := firstBodyString(response, responseTextKeys)
	if text == "" {
		return
	}

	meta := map[string]any{}
	if model, ok := response["modelo"].(string); ok {
		meta["modelo"] = model
	}

	s.recorder.Record(ctx, memory.RecordInput{
		SessionID:    id.SessionID,
		AgentID:      id.AgentID,
		Endpoint:     endpoint,
		EventType:    memory.EventTypeSemanticResponse,
		Tipo:         "interaccion",
		SemanticText: text,
		Success:      true,
		Metadata:     meta,
	})
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil
	}
	return body
}

// parsePayload treats unparseable bodies as empty; parser errors never
// reach the caller.
func parsePayload(body []byte) map[string]any {
	payload := map[string]any{}
	if len(body) == 0 {
		return payload
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func firstBodyString(m map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intBodyField(m map[string]any, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func boolBodyField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func stripVectors(events []*memory.Event) []*memory.Event {
	out := make([]*memory.Event, 0, len(events))
	for _, event := range events {
		clone := event.Clone()
		clone.Vector = nil
		out = append(out, clone)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
