package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/openarchive/openarchive/pkg/export"
	"github.com/openarchive/openarchive/pkg/observability"
	"github.com/openarchive/openarchive/pkg/store"
)

// handleListCases returns the organization's review cases, newest
// first.
func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	cases, err := s.store.ListCases(r.Context(), org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if cases == nil {
		cases = []store.Case{}
	}
	writeJSON(w, http.StatusOK, cases)
}

type createCaseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleCreateCase opens a new case owned by the caller's
// organization.
func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	var req createCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "Missing required field: name")
		return
	}

	c := &store.Case{OrgID: org, Name: req.Name, Description: req.Description, CreatedBy: p.Username}
	if err := s.store.CreateCase(r.Context(), c); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleGetCase returns one case and all of its items.
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	c, err := s.store.GetCase(r.Context(), id, org)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Case not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	items, err := s.store.CaseItems(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []store.CaseItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": c, "items": items})
}

type addCaseItemsRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// handleAddCaseItems attaches messages to a case. Duplicates are
// skipped silently.
func (s *Server) handleAddCaseItems(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req addCaseItemsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.MessageIDs) == 0 {
		WriteBadRequest(w, "Missing required field: message_ids")
		return
	}

	err := s.store.AddCaseItems(r.Context(), id, org, req.MessageIDs, p.Username)
	if errors.Is(err, store.ErrNotFound) {
		WriteForbidden(w, "Target case does not belong to your organization")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "added", "count": len(req.MessageIDs)})
}

type batchAssignRequest struct {
	ItemIDs    []int64 `json:"item_ids"`
	AssigneeID int64   `json:"assignee_id"`
}

// handleBatchAssign points a set of case items at one reviewer. The
// batch is all-or-nothing: one foreign item rejects the whole request.
func (s *Server) handleBatchAssign(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	var req batchAssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.ItemIDs) == 0 || req.AssigneeID <= 0 {
		WriteBadRequest(w, "Missing required fields: item_ids, assignee_id")
		return
	}

	err := s.store.BatchAssign(r.Context(), req.ItemIDs, req.AssigneeID, org)
	if errors.Is(err, store.ErrWrongOrg) {
		WriteForbidden(w, "Some items do not belong to your organization")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "assigned", "count": len(req.ItemIDs)})
}

// handleAssignments lists the items assigned to one reviewer across
// the organization's cases.
func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	items, err := s.store.AssignmentsForUser(r.Context(), userID, org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []store.CaseItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

// handleUpdateItemTags replaces an item's tag list.
func (s *Server) handleUpdateItemTags(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}

	var req updateTagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := s.store.UpdateItemTags(r.Context(), itemID, org, req.Tags)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Item not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

type updateStatusRequest struct {
	ReviewStatus string `json:"review_status"`
}

// handleUpdateItemStatus moves an item through the review workflow.
func (s *Server) handleUpdateItemStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}

	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ReviewStatus == "" {
		WriteBadRequest(w, "Missing required field: review_status")
		return
	}

	err := s.store.UpdateItemStatus(r.Context(), itemID, org, req.ReviewStatus)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Item not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// handleRemoveCaseItem removes one item from its case.
func (s *Server) handleRemoveCaseItem(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}

	err := s.store.DeleteCaseItem(r.Context(), itemID, org)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Item not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "id": itemID})
}

// handleDeleteCase removes a case and, via cascade, its items. The
// archived messages themselves are untouched.
func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	err := s.store.DeleteCase(r.Context(), id, org)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Case not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

// handleExportCase kicks off a background export of every message in
// the case and immediately returns the download location. The export
// runs detached from the request so large cases do not tie up the
// connection; the ZIP appears under the returned URL once the job
// finishes.
func (s *Server) handleExportCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if _, err := s.store.GetCase(r.Context(), id, org); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Case not found")
			return
		}
		WriteInternal(w, err)
		return
	}

	ids, err := s.store.CaseMessageIDs(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(ids) == 0 {
		WriteBadRequest(w, "Case has no items to export")
		return
	}

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	jobID := uuid.New().String()
	job := export.Job{
		ExportID:   jobID,
		OrgID:      org,
		MessageIDs: ids,
		Format:     format,
		Redact:     r.URL.Query().Get("redact") == "true",
	}

	if s.recorder != nil {
		_, err := s.recorder.Record(r.Context(), org, p.Username, "EXPORT_CASE", map[string]any{
			"case_id":   id,
			"export_id": jobID,
			"format":    string(format),
			"messages":  len(ids),
		})
		if err != nil {
			s.logger.Warn("failed to audit case export", "case_id", id, "error", err)
		}
	}

	go s.runExport(job, id)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "processing",
		"job_id":       jobID,
		"message":      "Export started in background.",
		"download_url": "/api/v1/downloads/" + jobID + ".zip",
	})
}

// runExport executes one export job outside any request lifetime.
func (s *Server) runExport(job export.Job, caseID int64) {
	ctx := context.Background()
	done := func(error) {}
	if s.obs != nil {
		ctx, done = s.obs.TrackOperation(ctx, "case.export",
			observability.ExportOperation(job.OrgID, job.ExportID, string(job.Format))...)
	}

	res, err := s.exporter.Run(ctx, job)
	done(err)
	if err != nil {
		s.logger.Error("case export failed",
			"case_id", caseID, "export_id", job.ExportID, "error", err)
		if s.obs != nil {
			s.obs.RecordExport(ctx, string(job.Format), len(job.MessageIDs))
		}
		return
	}
	if s.obs != nil {
		s.obs.RecordExport(ctx, string(job.Format), res.Failed)
	}
	s.logger.Info("case export complete",
		"case_id", caseID, "export_id", job.ExportID,
		"exported", res.Exported, "failed", res.Failed, "path", res.Path)
}
