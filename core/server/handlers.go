package server

import (
	"context"
	"net/http"
)

// handleHealth answers liveness probes. The fixed text matches a
// meta-operational pattern, so health traffic never pollutes memory.
func (s *Server) handleHealth(ctx context.Context, req *Request) (map[string]any, error) {
	return map[string]any{
		"status":    "ok",
		"resultado": "health check ok",
	}, nil
}

// handleSearchMemory answers free-form recall queries with the matched
// events and a synthesized context block.
func (s *Server) handleSearchMemory(ctx context.Context, req *Request) (map[string]any, error) {
	return map[string]any{
		"eventos":  req.Memory.Events,
		"sintesis": req.Memory.Summary,
		"total":    len(req.Memory.Events),
	}, nil
}

// handleHistory returns the recalled interaction history for the session
// or agent.
func (s *Server) handleHistory(ctx context.Context, req *Request) (map[string]any, error) {
	return map[string]any{
		"interacciones": req.Memory.Events,
		"resumen":       req.Memory.Summary,
	}, nil
}

// handleCopilot is the conversational recall endpoint: it answers with the
// synthesized context so the agent platform can ground its next turn.
func (s *Server) handleCopilot(ctx context.Context, req *Request) (map[string]any, error) {
	return map[string]any{
		"respuesta": req.Memory.Summary,
		"eventos":   req.Memory.Events,
	}, nil
}

// handleStats reports counters and store/index sizes. It bypasses the
// middleware: stats calls are operational, not conversational turns.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats := map[string]any{
		"outcomes": s.counters.Snapshot(),
	}
	if total, err := s.store.TotalCount(ctx); err == nil {
		stats["store_events"] = total
	}
	if s.index != nil {
		if docs, err := s.index.DocCount(); err == nil {
			stats["index_docs"] = docs
		}
		stats["index_vectors"] = s.index.VectorCount()
	}

	writeJSON(w, http.StatusOK, stats)
}
