package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthstack/hearth-core/internal/audit"
	"github.com/hearthstack/hearth-core/internal/registry"
)

// deviceView is a registry record plus its live availability, which comes
// from coordinator snapshots rather than the store.
type deviceView struct {
	registry.Record
	Available bool `json:"available"`
}

// handleListDevices returns registry records, optionally filtered by the
// owning entry via the entry_id query parameter.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	entryID := r.URL.Query().Get("entry_id")

	var (
		records []registry.Record
		err     error
	)
	if entryID != "" {
		records, err = s.binder.ListByEntry(r.Context(), entryID)
	} else {
		records, err = s.binder.List(r.Context())
	}
	if err != nil {
		s.logger.Error("failed to list registry records", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	devices := make([]deviceView, 0, len(records))
	for _, rec := range records {
		devices = append(devices, deviceView{
			Record:    rec,
			Available: s.binder.IsAvailable(rec.UniqueID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single registry record. The unique ID is the
// wildcard remainder of the path, since IDs may contain slashes.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	uniqueID := chi.URLParam(r, "*")

	rec, err := s.binder.Get(r.Context(), uniqueID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to load registry record", "unique_id", uniqueID, "error", err)
		writeInternalError(w, "failed to load device")
		return
	}

	writeJSON(w, http.StatusOK, deviceView{
		Record:    *rec,
		Available: s.binder.IsAvailable(rec.UniqueID),
	})
}

// handleDeleteDevice removes a registry record, asking the owning
// integration for confirmation first. A record the integration still
// tracks answers 409 so the UI can tell the user to remove it at the
// source instead.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	uniqueID := chi.URLParam(r, "*")

	err := s.binder.RemoveRecord(r.Context(), uniqueID)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNotFound):
		writeNotFound(w, "device not found")
		return
	case errors.Is(err, registry.ErrStillPresent):
		writeConflict(w, err.Error())
		return
	default:
		s.logger.Error("failed to remove registry record", "unique_id", uniqueID, "error", err)
		writeInternalError(w, "failed to remove device")
		return
	}

	s.auditLog(audit.ActionRemove, audit.EntityDevice, uniqueID, subjectFrom(r.Context()), nil)

	writeJSON(w, http.StatusNoContent, nil)
}
