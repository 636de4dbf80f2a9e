package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/openarchive/openarchive/pkg/ingest"
)

// syncBodyLimit bounds agent batch payloads. Batches carry base64
// ciphertext, so the cap is well above the JSON schema's item limit.
const syncBodyLimit = 64 << 20

// handleSync accepts a batch of stripped, encrypted messages from an
// edge agent. The payload is schema-checked before any blob is written
// and old agents are turned away before the body is read.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := ingest.CheckAgentVersion(r.Header.Get("X-Agent-Version"), s.cfg.MinAgentVersion); err != nil {
		WriteError(w, http.StatusUpgradeRequired, "Upgrade Required", err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, syncBodyLimit)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ingest.ValidateBatch(raw); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var batch ingest.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	fallbackOrg := int64(0)
	if v := r.Header.Get("X-Org-ID"); v != "" {
		if id, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			fallbackOrg = id
		}
	}

	s.heartbeat(r, fallbackOrg)

	result, err := s.pipeline.Sync(r.Context(), batch, fallbackOrg)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordIngest(r.Context(), result.Processed, int64(len(raw)), fallbackOrg)
	}
	writeJSON(w, http.StatusOK, result)
}

// heartbeat upserts the calling agent's liveness row when the agent
// identifies itself.
func (s *Server) heartbeat(r *http.Request, orgID int64) {
	name := r.Header.Get("X-Agent-Name")
	if name == "" {
		return
	}
	if orgID <= 0 {
		orgID = s.cfg.DefaultOrgID
	}
	if err := s.store.RecordHeartbeat(r.Context(), name, r.Header.Get("X-Agent-Hostname"), orgID); err != nil {
		s.logger.Warn("failed to record agent heartbeat", "agent", name, "error", err)
	}
}

type casCheckRequest struct {
	Hashes []string `json:"hashes"`
}

// handleCASCheck reports which attachment payloads the core already
// holds, keyed by content hash.
func (s *Server) handleCASCheck(w http.ResponseWriter, r *http.Request) {
	var req casCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.pipeline.CASCheck(r.Context(), req.Hashes)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCASUpload stores deduplicated attachment payloads.
func (s *Server) handleCASUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, syncBodyLimit)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ingest.ValidateCASBatch(raw); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var batch ingest.CASBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	saved, err := s.pipeline.CASUpload(r.Context(), batch)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "saved": saved})
}
