package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint (no auth — scrapers don't hold tokens)
	if s.metCfg.Enabled && s.metricsHandler != nil {
		path := s.metCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.metricsHandler)
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// WebSocket upgrade. Browsers cannot send an Authorization header
		// on a WebSocket connect, so auth is a single-use ticket issued to
		// authenticated callers by POST /auth/ws-ticket.
		wsPath := s.wsCfg.Path
		if wsPath == "" {
			wsPath = "/ws"
		}
		r.Get(wsPath, s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - user must be logged in to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Config entry lifecycle
			r.Route("/entries", func(r chi.Router) {
				r.Get("/", s.handleListEntries)
				r.Post("/", s.handleCreateEntry)
				r.Get("/stats", s.handleEntryStats)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetEntry)
					r.Delete("/", s.handleRemoveEntry)
					r.Post("/reload", s.handleReloadEntry)
					r.Patch("/options", s.handleUpdateOptions)
					r.Post("/reauth", s.handleCompleteReauth)
					r.Post("/reconfigure", s.handleReconfigureEntry)
					r.Post("/enable", s.handleEnableEntry)
					r.Post("/disable", s.handleDisableEntry)
				})
			})

			// Registry records. Unique IDs may contain slashes (MQTT topics),
			// so the item routes are catch-alls rather than {id} segments.
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/*", s.handleGetDevice)
				r.Delete("/*", s.handleDeleteDevice)
			})

			// Audit trail
			r.Get("/audit", s.handleListAuditLogs)

			// System info
			r.Get("/system/info", s.handleSystemInfo)
		})
	})

	return r
}
