// Package holds manages legal holds: preservation orders that shield
// archived messages from retention deletion. A hold carries optional
// criteria (sender, recipient, keyword); creating one immediately
// captures every archived message the criteria match, and ingest keeps
// evaluating the criteria against new mail for as long as the hold is
// active. Releasing a hold stops its criteria from matching but leaves
// captured items preserved.
package holds

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/store"
)

// backfillLimit caps how many already-archived messages a new hold's
// criteria capture in one pass.
const backfillLimit = 10000

// itemPageSize bounds the item list returned with a hold's detail view.
const itemPageSize = 100

// unknownHeader stands in for headers of items no longer in the index.
const unknownHeader = "Unknown"

// Store is the persistence the registry needs from the hold tables.
type Store interface {
	CreateHold(ctx context.Context, h *store.LegalHold) error
	GetHoldByPublicID(ctx context.Context, publicID string, orgID int64) (*store.LegalHold, error)
	ReleaseHold(ctx context.Context, publicID string, orgID int64) error
	ListHolds(ctx context.Context, orgID int64) ([]store.LegalHold, error)
	AddHoldItems(ctx context.Context, holdID int64, messageIDs []string) error
	HoldItems(ctx context.Context, holdID int64, limit int) ([]store.HoldItem, error)
	HeldMessageIDs(ctx context.Context, orgID int64) ([]string, error)
	AllHeldMessageIDs(ctx context.Context) ([]string, error)
	ActiveHoldCriteria(ctx context.Context, orgID *int64) ([]store.HoldCriteria, error)
}

// Auditor records hold lifecycle events on the tamper-evident chain.
type Auditor interface {
	Record(ctx context.Context, orgID int64, username, action string, details any) (*store.AuditEntry, error)
}

// Item is a preserved message enriched with headers looked up from the
// index. Messages that have left the index keep placeholder headers.
type Item struct {
	MessageID string  `json:"message_id"`
	AddedAt   string  `json:"added_at"`
	Subject   string  `json:"subject"`
	From      string  `json:"from"`
	Date      *string `json:"date"`
}

// Registry owns the hold lifecycle for every tenant.
type Registry struct {
	store  Store
	index  index.Index
	audit  Auditor
	logger *slog.Logger
}

// NewRegistry wires the registry to its persistence, the search index
// used for backfill and enrichment, and the audit chain.
func NewRegistry(st Store, idx index.Index, aud Auditor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		index:  idx,
		audit:  aud,
		logger: logger.With("component", "holds"),
	}
}

// Create registers a hold for the organization and captures existing
// messages matching its criteria. The returned count is how many were
// captured; capture failures degrade to an empty hold rather than
// failing the create.
func (r *Registry) Create(ctx context.Context, orgID int64, actor string, h *store.LegalHold) (int, error) {
	h.OrgID = orgID
	h.PublicID = uuid.NewString()
	h.CreatedBy = actor
	if err := r.store.CreateHold(ctx, h); err != nil {
		return 0, err
	}

	captured := 0
	if !h.Criteria.IsZero() {
		ids, err := r.backfill(ctx, orgID, h.Criteria)
		switch {
		case err != nil:
			r.logger.Warn("hold backfill failed", "hold", h.PublicID, "error", err)
		case len(ids) > 0:
			if err := r.store.AddHoldItems(ctx, h.ID, ids); err != nil {
				r.logger.Warn("hold backfill insert failed", "hold", h.PublicID, "error", err)
			} else {
				captured = len(ids)
			}
		}
	}

	if _, err := r.audit.Record(ctx, orgID, actor, "CREATE_LEGAL_HOLD", map[string]any{
		"hold_id":         h.PublicID,
		"name":            h.Name,
		"auto_held_count": captured,
	}); err != nil {
		r.logger.Warn("failed to audit hold creation", "hold", h.PublicID, "error", err)
	}
	r.logger.Info("legal hold created",
		"hold", h.PublicID, "org_id", orgID, "name", h.Name, "auto_held", captured)
	return captured, nil
}

// backfill finds archived messages the criteria already match. From and
// To become exact filters on the cleaned addresses, Q runs as a search
// query. Results are always scoped to the owning organization.
func (r *Registry) backfill(ctx context.Context, orgID int64, c store.HoldCriteria) ([]string, error) {
	clauses := []string{fmt.Sprintf("org_id = %d", orgID)}
	if v := strings.ToLower(strings.TrimSpace(c.From)); v != "" {
		clauses = append(clauses, fmt.Sprintf("sender_email = %s", strconv.Quote(v)))
	}
	if v := strings.ToLower(strings.TrimSpace(c.To)); v != "" {
		clauses = append(clauses, fmt.Sprintf("recipient_emails = %s", strconv.Quote(v)))
	}

	res, err := r.index.Search(ctx, index.SearchParams{
		Query:  strings.TrimSpace(c.Q),
		Filter: strings.Join(clauses, " AND "),
		Limit:  backfillLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("holds: backfill search: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Release deactivates a hold. Returns store.ErrNotFound when the
// organization has no hold under the given public ID.
func (r *Registry) Release(ctx context.Context, orgID int64, actor, publicID string) error {
	if err := r.store.ReleaseHold(ctx, publicID, orgID); err != nil {
		return err
	}
	if _, err := r.audit.Record(ctx, orgID, actor, "RELEASE_LEGAL_HOLD", map[string]any{
		"hold_id": publicID,
	}); err != nil {
		r.logger.Warn("failed to audit hold release", "hold", publicID, "error", err)
	}
	r.logger.Info("legal hold released", "hold", publicID, "org_id", orgID)
	return nil
}

// AddItems preserves specific messages under a hold. IDs already
// attached are skipped; the returned count is how many were submitted.
func (r *Registry) AddItems(ctx context.Context, orgID int64, publicID string, messageIDs []string) (int, error) {
	h, err := r.store.GetHoldByPublicID(ctx, publicID, orgID)
	if err != nil {
		return 0, err
	}
	if err := r.store.AddHoldItems(ctx, h.ID, messageIDs); err != nil {
		return 0, err
	}
	r.logger.Info("messages placed on hold", "hold", publicID, "org_id", orgID, "count", len(messageIDs))
	return len(messageIDs), nil
}

// List returns the organization's holds with item counts, newest first.
func (r *Registry) List(ctx context.Context, orgID int64) ([]store.LegalHold, error) {
	return r.store.ListHolds(ctx, orgID)
}

// Get loads one hold together with its newest preserved items. Item
// headers come from the index; purged or missing documents fall back to
// placeholders so the list stays complete.
func (r *Registry) Get(ctx context.Context, orgID int64, publicID string) (*store.LegalHold, []Item, error) {
	h, err := r.store.GetHoldByPublicID(ctx, publicID, orgID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := r.store.HoldItems(ctx, h.ID, itemPageSize)
	if err != nil {
		return nil, nil, err
	}

	items := make([]Item, 0, len(raw))
	if len(raw) == 0 {
		return h, items, nil
	}
	docs := r.lookupItems(ctx, orgID, raw)
	for _, it := range raw {
		item := Item{
			MessageID: it.MessageID,
			AddedAt:   it.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Subject:   unknownHeader,
			From:      unknownHeader,
		}
		if d, ok := docs[it.MessageID]; ok {
			if d.Subject != "" {
				item.Subject = d.Subject
			}
			if d.From != "" {
				item.From = d.From
			}
			if d.Date != "" {
				date := d.Date
				item.Date = &date
			}
		}
		items = append(items, item)
	}
	return h, items, nil
}

func (r *Registry) lookupItems(ctx context.Context, orgID int64, items []store.HoldItem) map[string]index.Document {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = strconv.Quote(it.MessageID)
	}
	res, err := r.index.Search(ctx, index.SearchParams{
		Filter: fmt.Sprintf("org_id = %d AND id IN [%s]", orgID, strings.Join(quoted, ", ")),
		Limit:  len(items),
	})
	if err != nil {
		r.logger.Warn("hold item lookup failed", "error", err)
		return nil
	}
	docs := make(map[string]index.Document, len(res.Hits))
	for _, d := range res.Hits {
		docs[d.ID] = d
	}
	return docs
}

// ProtectionFor snapshots one organization's preserved set: every item
// of its holds, released ones included, plus the criteria of its active
// holds. Search uses it to annotate hits.
func (r *Registry) ProtectionFor(ctx context.Context, orgID int64) (*Protection, error) {
	held, err := r.store.HeldMessageIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}
	criteria, err := r.store.ActiveHoldCriteria(ctx, &orgID)
	if err != nil {
		return nil, err
	}
	return NewProtection(held, criteria), nil
}

// GlobalProtection snapshots the preserved set across all tenants. The
// retention worker consults it before deleting anything.
func (r *Registry) GlobalProtection(ctx context.Context) (*Protection, error) {
	held, err := r.store.AllHeldMessageIDs(ctx)
	if err != nil {
		return nil, err
	}
	criteria, err := r.store.ActiveHoldCriteria(ctx, nil)
	if err != nil {
		return nil, err
	}
	return NewProtection(held, criteria), nil
}
