package api

import (
	"errors"
	"net/http"

	"github.com/openarchive/openarchive/pkg/holds"
	"github.com/openarchive/openarchive/pkg/store"
)

// handleListHolds returns the organization's holds with item counts,
// newest first.
func (s *Server) handleListHolds(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	list, err := s.holds.List(r.Context(), org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if list == nil {
		list = []store.LegalHold{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createHoldRequest struct {
	Name     string             `json:"name"`
	Reason   string             `json:"reason"`
	Criteria store.HoldCriteria `json:"filter_criteria"`
}

// handleCreateHold registers a hold and backfills messages its criteria
// already match.
func (s *Server) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	var req createHoldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "Missing required field: name")
		return
	}

	h := &store.LegalHold{Name: req.Name, Reason: req.Reason, Criteria: req.Criteria}
	captured, err := s.holds.Create(r.Context(), org, p.Username, h)
	if errors.Is(err, store.ErrDuplicate) {
		WriteBadRequest(w, "Legal Hold with this name already exists in your organization")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "created",
		"id":              h.PublicID,
		"auto_held_count": captured,
	})
}

// handleGetHold returns one hold and its newest preserved items.
func (s *Server) handleGetHold(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	hold, items, err := s.holds.Get(r.Context(), org, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Hold not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []holds.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hold": hold, "items": items})
}

// handleReleaseHold deactivates a hold, lifting its preservation.
func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	publicID := r.PathValue("id")
	err := s.holds.Release(r.Context(), org, p.Username, publicID)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Hold not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "released", "id": publicID})
}

type applyHoldRequest struct {
	HoldID     string   `json:"hold_id"`
	MessageIDs []string `json:"message_ids"`
}

// handleApplyHold preserves specific messages under an existing hold.
func (s *Server) handleApplyHold(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	var req applyHoldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HoldID == "" || len(req.MessageIDs) == 0 {
		WriteBadRequest(w, "Missing required fields: hold_id, message_ids")
		return
	}

	count, err := s.holds.AddItems(r.Context(), org, req.HoldID, req.MessageIDs)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Hold not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "applied", "count": count})
}
