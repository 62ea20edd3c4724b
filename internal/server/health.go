package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// handleHealth serves GET /stream/_health and GET /ws/health with no auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.broker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"stats": map[string]any{
			"active_connections": atomic.LoadInt64(&s.connsOpen),
			"total_connections":  atomic.LoadInt64(&s.connsTotal),
			"topics":             len(snapshot.Topics),
			"published":          snapshot.Published,
			"dropped":            snapshot.Dropped,
		},
	})
}
