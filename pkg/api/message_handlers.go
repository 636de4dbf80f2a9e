package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/message"
	"github.com/openarchive/openarchive/pkg/observability"
	"github.com/openarchive/openarchive/pkg/redact"
	"github.com/openarchive/openarchive/pkg/search"
)

// handleSearchMessages runs an organization-scoped archive query.
func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	q := r.URL.Query()
	params := search.Params{
		OrgID:             org,
		Query:             q.Get("q"),
		Limit:             20,
		FromAddr:          q.Get("from_addr"),
		ToAddr:            q.Get("to_addr"),
		AttachmentKeyword: q.Get("attachment_keyword"),
		DateStart:         q.Get("date_start"),
		DateEnd:           q.Get("date_end"),
		Direction:         q.Get("direction"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		params.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		params.Offset = n
	}
	if v := q.Get("user_domain"); v != "" {
		params.Domains = splitCSV(v)
	}
	if v := q.Get("has_attachments"); v != "" {
		b := v == "true"
		params.HasAttachments = &b
	}
	if v := q.Get("is_spam"); v != "" {
		b := v == "true"
		params.IsSpam = &b
	}

	// A token that names domains pins the search to them no matter what
	// the request asked for.
	if !p.IsSuper() && len(p.Domains) > 0 {
		params.Domains = p.Domains
	}

	results, err := s.searcher.Search(r.Context(), params)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// authorizeMessage loads a message record and membership-tests the
// caller's organization against its owning set.
func (s *Server) authorizeMessage(w http.ResponseWriter, r *http.Request) (*index.Document, int64, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, 0, false
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return nil, 0, false
	}
	doc, err := s.index.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, index.ErrNotFound) {
		WriteNotFound(w, "Message not found")
		return nil, 0, false
	}
	if err != nil {
		WriteInternal(w, err)
		return nil, 0, false
	}
	if !doc.OwnedBy(org) {
		WriteForbidden(w, "Access denied to this message")
		return nil, 0, false
	}
	return doc, org, true
}

func (s *Server) casFetcher() message.CASFetcher {
	return func(ctx context.Context, sha string) ([]byte, error) {
		return s.blobs.Get(ctx, blob.CASKey(sha))
	}
}

// openMessage decrypts the stored skeleton with the record's key and
// rebuilds the interactive view. Unfetchable attachment payloads leave
// the view degraded rather than failing the read.
func (s *Server) openMessage(w http.ResponseWriter, r *http.Request, doc *index.Document) (*message.View, bool) {
	if doc.EncryptionKey == "" {
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "Encryption key not found")
		return nil, false
	}
	key, err := crypto.DecodeMessageKey(doc.EncryptionKey)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "Encryption key not found")
		return nil, false
	}

	ciphertext, err := s.blobs.Get(r.Context(), blob.MessageKey(doc.ID))
	if errors.Is(err, blob.ErrNotFound) {
		WriteNotFound(w, "Message not found")
		return nil, false
	}
	if err != nil {
		WriteInternal(w, err)
		return nil, false
	}

	plaintext, err := crypto.Decrypt(ciphertext, key)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "Decryption failed")
		return nil, false
	}

	view, err := message.BuildView(r.Context(), plaintext, s.casFetcher())
	if err != nil {
		WriteInternal(w, err)
		return nil, false
	}
	if len(view.Missing) > 0 {
		s.logger.Warn("message served degraded", "id", doc.ID, "missing_payloads", len(view.Missing))
		if s.obs != nil {
			s.obs.RecordDegradedRead(r.Context(), len(view.Missing))
		}
	}
	return view, true
}

type messageDetail struct {
	ID          string                   `json:"id"`
	Content     string                   `json:"content"`
	ContentHTML string                   `json:"content_html"`
	Attachments []message.ViewAttachment `json:"attachments"`
	RawEML      string                   `json:"raw_eml"`
}

// handleMessageDetail serves the re-hydrated interactive rendering of
// one archived message.
func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request) {
	doc, org, ok := s.authorizeMessage(w, r)
	if !ok {
		return
	}
	if s.obs != nil {
		_, done := s.obs.TrackOperation(r.Context(), "message.retrieve", observability.RetrievalOperation(org, doc.ID)...)
		defer done(nil)
	}

	view, ok := s.openMessage(w, r, doc)
	if !ok {
		return
	}
	if view.ParseFailed {
		writeJSON(w, http.StatusOK, map[string]string{
			"id":      doc.ID,
			"content": view.RawEML,
			"raw_eml": view.RawEML,
		})
		return
	}

	attachments := view.Attachments
	if attachments == nil {
		attachments = []message.ViewAttachment{}
	}
	writeJSON(w, http.StatusOK, messageDetail{
		ID:          doc.ID,
		Content:     view.Content(),
		ContentHTML: view.BodyHTML,
		Attachments: attachments,
		RawEML:      view.RawEML,
	})
}

// handleMessageHeaders returns the decoded top-level header list.
func (s *Server) handleMessageHeaders(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := s.authorizeMessage(w, r)
	if !ok {
		return
	}
	view, ok := s.openMessage(w, r, doc)
	if !ok {
		return
	}
	headers, err := message.HeaderList([]byte(view.RawEML))
	if err != nil || headers == nil {
		headers = []message.HeaderPair{}
	}
	writeJSON(w, http.StatusOK, headers)
}

// handleMessageThread returns the conversation containing a message,
// oldest first.
func (s *Server) handleMessageThread(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	docs, err := s.searcher.Thread(r.Context(), org, r.PathValue("id"))
	if errors.Is(err, index.ErrNotFound) {
		WriteNotFound(w, "Message not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if docs == nil {
		docs = []index.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// handlePreviewRedacted shows the message body next to its masked form
// so a reviewer can check what a redacted export would disclose.
func (s *Server) handlePreviewRedacted(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := s.authorizeMessage(w, r)
	if !ok {
		return
	}
	view, ok := s.openMessage(w, r, doc)
	if !ok {
		return
	}
	content := view.Content()
	entities := redact.Scan(content)
	if entities == nil {
		entities = []redact.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       doc.ID,
		"original": content,
		"redacted": redact.Text(content),
		"entities": entities,
	})
}

// handlePIIScan reports identified PII segments without returning the
// message content itself.
func (s *Server) handlePIIScan(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := s.authorizeMessage(w, r)
	if !ok {
		return
	}
	view, ok := s.openMessage(w, r, doc)
	if !ok {
		return
	}
	entities := redact.Scan(view.Content())
	if entities == nil {
		entities = []redact.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           doc.ID,
		"pii_detected": len(entities) > 0,
		"entities":     entities,
	})
}

// handleVerifyMessage recomputes the ciphertext signature and reports
// whether the stored blob still matches what ingest signed.
func (s *Server) handleVerifyMessage(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := s.authorizeMessage(w, r)
	if !ok {
		return
	}

	ciphertext, err := s.blobs.Get(r.Context(), blob.MessageKey(doc.ID))
	if errors.Is(err, blob.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":       doc.ID,
			"status":   "UNAVAILABLE",
			"verified": false,
			"error":    "Blob not found",
		})
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if doc.Signature == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":       doc.ID,
			"status":   "UNAVAILABLE",
			"verified": false,
			"error":    "Signature not found in metadata",
		})
		return
	}

	valid := s.signer.Verify(ciphertext, doc.Signature)
	status := "VALID"
	if !valid {
		status = "TAMPERED"
		s.logger.Error("message failed integrity verification", "id", doc.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               doc.ID,
		"status":           status,
		"verified":         valid,
		"hash":             crypto.Digest(ciphertext),
		"stored_signature": doc.Signature,
	})
}
