package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hearthstack/hearth-core/internal/audit"
)

// auditChanSize is the buffer size for the async audit log channel.
// Records beyond this are dropped (best-effort) to avoid back-pressure on requests.
const auditChanSize = 256

// auditLog enqueues an audit record for asynchronous write (best-effort).
// If the channel is full the record is dropped and a warning is logged.
func (s *Server) auditLog(action, entityType, entityID, userID string, details map[string]any) {
	if s.audit == nil {
		return
	}

	rec := &audit.Record{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Source:     "api",
		Details:    details,
	}

	select {
	case s.auditCh <- rec:
	default:
		s.logger.Warn("audit log channel full, dropping record",
			"action", action,
			"entity_type", entityType,
		)
	}
}

// drainAuditLog reads records from the audit channel and writes them serially.
// This avoids unbounded goroutine creation and is kinder to SQLite's serial
// write model. It runs until the context is cancelled, then drains remaining
// records.
func (s *Server) drainAuditLog(ctx context.Context) {
	for {
		select {
		case rec := <-s.auditCh:
			if err := s.audit.Append(context.Background(), rec); err != nil {
				s.logger.Error("audit log write failed",
					"action", rec.Action,
					"entity_type", rec.EntityType,
					"error", err,
				)
			}
		case <-ctx.Done():
			// Drain remaining records before exiting
			for {
				select {
				case rec := <-s.auditCh:
					if err := s.audit.Append(context.Background(), rec); err != nil {
						s.logger.Error("audit log write failed during shutdown",
							"action", rec.Action,
							"error", err,
						)
					}
				default:
					return
				}
			}
		}
	}
}

// handleListAuditLogs returns paginated audit records with optional filters.
//
// Query parameters:
//   - action: filter by action (create, reload, remove, login, ...)
//   - entity_type: filter by entity type (entry, device, session)
//   - entity_id: filter by specific entity ID
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeInternalError(w, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	page, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, page)
}
