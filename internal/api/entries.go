package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthstack/hearth-core/internal/audit"
	"github.com/hearthstack/hearth-core/internal/entry"
	"github.com/hearthstack/hearth-core/internal/integration"
)

// createEntryRequest is the request body for POST /entries.
type createEntryRequest struct {
	Domain  string         `json:"domain"`
	Title   string         `json:"title"`
	Data    map[string]any `json:"data"`
	Options map[string]any `json:"options"`
}

// updateOptionsRequest is the request body for PATCH /entries/{id}/options.
type updateOptionsRequest struct {
	Options map[string]any `json:"options"`
}

// reauthRequest is the request body for POST /entries/{id}/reauth.
type reauthRequest struct {
	Data map[string]any `json:"data"`
}

// reconfigureRequest is the request body for POST /entries/{id}/reconfigure.
type reconfigureRequest struct {
	Title string         `json:"title"`
	Data  map[string]any `json:"data"`
}

// handleListEntries returns all config entries, optionally filtered by
// domain and state query parameters.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	state := r.URL.Query().Get("state")

	all := s.manager.List()
	entries := make([]entry.Snapshot, 0, len(all))
	for _, snap := range all {
		if domain != "" && snap.Domain != domain {
			continue
		}
		if state != "" && string(snap.State) != state {
			continue
		}
		entries = append(entries, snap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleCreateEntry creates a config entry and attempts its first setup.
// The response is 201 even when setup fails; the outcome is carried in the
// snapshot's state so the UI can show retry progress.
func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Domain == "" {
		writeBadRequest(w, "domain is required")
		return
	}

	snap, err := s.manager.CreateEntry(r.Context(), req.Domain, req.Title, req.Data, req.Options)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionCreate, audit.EntityEntry, snap.EntryID, subjectFrom(r.Context()), map[string]any{
		"domain": snap.Domain,
		"title":  snap.Title,
	})

	writeJSON(w, http.StatusCreated, snap)
}

// handleGetEntry returns a single config entry snapshot.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEntryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEntryStats returns entry counts grouped by lifecycle state.
func (s *Server) handleEntryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  s.manager.Count(),
		"states": s.manager.StateCounts(),
	})
}

// handleRemoveEntry unloads and permanently deletes a config entry.
func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.manager.Get(id)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	if err := s.manager.Remove(r.Context(), id); err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionRemove, audit.EntityEntry, id, subjectFrom(r.Context()), map[string]any{
		"domain": snap.Domain,
		"title":  snap.Title,
	})

	writeJSON(w, http.StatusNoContent, nil)
}

// handleReloadEntry tears the entry down and sets it up again.
//
// A sentinel rejection (unknown entry, disabled, setup in progress) is an
// HTTP error. Anything else means the reload ran and the integration
// failed; that outcome lives in the entry state, so the handler returns
// the snapshot and lets the caller read it there.
func (s *Server) handleReloadEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Reload(r.Context(), id); err != nil && lifecycleRejected(err) {
		s.writeEntryError(w, err)
		return
	}

	snap, err := s.manager.Get(id)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionReload, audit.EntityEntry, id, subjectFrom(r.Context()), map[string]any{
		"state": string(snap.State),
	})

	writeJSON(w, http.StatusOK, snap)
}

// handleUpdateOptions replaces the entry's options map. A loaded entry is
// reloaded so the integration picks the new settings up.
func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	snap, err := s.manager.UpdateOptions(r.Context(), id, req.Options)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionUpdate, audit.EntityEntry, id, subjectFrom(r.Context()), map[string]any{
		"options": req.Options,
	})

	writeJSON(w, http.StatusOK, snap)
}

// handleCompleteReauth submits fresh credentials for an entry waiting on
// reauth. The data must resolve to the same account the entry is bound to.
func (s *Server) handleCompleteReauth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req reauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	snap, err := s.manager.CompleteReauth(r.Context(), id, req.Data)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionReauth, audit.EntityEntry, id, subjectFrom(r.Context()), nil)

	writeJSON(w, http.StatusOK, snap)
}

// handleReconfigureEntry replaces the entry's connection data (and
// optionally its title) outside of a reauth flow.
func (s *Server) handleReconfigureEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req reconfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	snap, err := s.manager.Reconfigure(r.Context(), id, req.Title, req.Data)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionReconfigure, audit.EntityEntry, id, subjectFrom(r.Context()), nil)

	writeJSON(w, http.StatusOK, snap)
}

// handleEnableEntry clears the disabled flag and attempts setup.
func (s *Server) handleEnableEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Enable(r.Context(), id); err != nil {
		s.writeEntryError(w, err)
		return
	}

	snap, err := s.manager.Get(id)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionEnable, audit.EntityEntry, id, subjectFrom(r.Context()), nil)

	writeJSON(w, http.StatusOK, snap)
}

// handleDisableEntry unloads the entry and blocks future setups until it
// is enabled again.
func (s *Server) handleDisableEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Disable(r.Context(), id, entry.DisabledByUser); err != nil {
		s.writeEntryError(w, err)
		return
	}

	snap, err := s.manager.Get(id)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}

	s.auditLog(audit.ActionDisable, audit.EntityEntry, id, subjectFrom(r.Context()), nil)

	writeJSON(w, http.StatusOK, snap)
}

// lifecycleRejected reports whether err is a sentinel meaning the manager
// refused the operation outright rather than attempting it.
func lifecycleRejected(err error) bool {
	return errors.Is(err, entry.ErrNotFound) ||
		errors.Is(err, entry.ErrUnknownDomain) ||
		errors.Is(err, entry.ErrDisabled) ||
		errors.Is(err, entry.ErrAlreadyLoaded) ||
		errors.Is(err, entry.ErrNotRecoverable) ||
		errors.Is(err, entry.ErrInvalidState)
}

// writeEntryError maps entry manager errors onto HTTP responses.
func (s *Server) writeEntryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entry.ErrNotFound):
		writeNotFound(w, "entry not found")
	case errors.Is(err, entry.ErrAlreadyConfigured):
		writeConflict(w, "an entry for this account already exists")
	case errors.Is(err, entry.ErrUniqueIDMismatch):
		writeConflict(w, "data belongs to a different account than this entry")
	case errors.Is(err, entry.ErrUnknownDomain):
		writeBadRequest(w, "no integration registered for this domain")
	case errors.Is(err, entry.ErrAlreadyLoaded),
		errors.Is(err, entry.ErrDisabled),
		errors.Is(err, entry.ErrNotRecoverable),
		errors.Is(err, entry.ErrInvalidState):
		writeConflict(w, err.Error())
	case integration.IsFatal(err):
		writeBadRequest(w, err.Error())
	default:
		s.logger.Error("entry operation failed", "error", err)
		writeInternalError(w, "entry operation failed")
	}
}
