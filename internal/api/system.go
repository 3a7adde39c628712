package api

import (
	"net/http"
	"time"
)

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleSystemInfo returns a runtime overview: entry states, registry
// size, connected WebSocket clients, and uptime.
func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"entries": map[string]any{
			"total":  s.manager.Count(),
			"states": s.manager.StateCounts(),
		},
		"devices":    s.binder.Count(),
		"ws_clients": s.hub.ClientCount(),
	})
}
