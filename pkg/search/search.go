// Package search composes archive queries for the message API. It turns
// authenticated request parameters into the index filter dialect, always
// pinning results to the caller's organization, and annotates hits with
// legal hold state before they leave the server.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openarchive/openarchive/pkg/holds"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/tenant"
)

// HoldSource supplies the per-organization preservation snapshot used to
// annotate hits.
type HoldSource interface {
	ProtectionFor(ctx context.Context, orgID int64) (*holds.Protection, error)
}

// DomainSource resolves an organization to the domains it owns.
type DomainSource interface {
	Domains(ctx context.Context, orgID int64) ([]string, error)
}

// Params is one search request after authentication. OrgID comes from
// the caller's token; everything else from query parameters.
type Params struct {
	OrgID  int64
	Query  string
	Limit  int
	Offset int

	// Domains restricts hits to messages involving these domains. When
	// any of them belongs to the caller's organization the restriction
	// widens to every domain the organization owns.
	Domains []string

	FromAddr          string
	ToAddr            string
	AttachmentKeyword string

	// DateStart and DateEnd bound the parsed Date header, inclusive.
	// Accepted forms: epoch seconds, YYYY-MM-DD, RFC 3339.
	DateStart string
	DateEnd   string

	HasAttachments *bool
	IsSpam         *bool

	// Direction filters relative to the caller's domains: "sent",
	// "received", or "internal".
	Direction string
}

// Hit is one annotated search result.
type Hit struct {
	index.Document

	SenderEmailClean     string   `json:"sender_email_clean"`
	RecipientEmailsClean []string `json:"recipient_emails_clean"`
	IsOnHold             bool     `json:"is_on_hold"`
}

// Results is one page of annotated hits.
type Results struct {
	Hits               []Hit `json:"hits"`
	EstimatedTotalHits int64 `json:"estimatedTotalHits"`
	Limit              int   `json:"limit"`
	Offset             int   `json:"offset"`
}

// Service owns query composition and hit annotation.
type Service struct {
	index   index.Index
	holds   HoldSource
	domains DomainSource
	logger  *slog.Logger
}

// New wires the service to the index, the hold registry, and the tenant
// directory.
func New(idx index.Index, holdSrc HoldSource, domainSrc DomainSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		index:   idx,
		holds:   holdSrc,
		domains: domainSrc,
		logger:  logger.With("component", "search"),
	}
}

// Search runs one archive query. Hits are newest first and carry the
// hold annotation plus cleaned participant addresses; the per-message
// key never leaves the server.
func (s *Service) Search(ctx context.Context, p Params) (*Results, error) {
	orgDomains, err := s.domains.Domains(ctx, p.OrgID)
	if err != nil {
		s.logger.Warn("org domain lookup failed", "org_id", p.OrgID, "error", err)
		orgDomains = nil
	}

	filters := []string{fmt.Sprintf("org_id = %d", p.OrgID)}

	requested := tenant.Normalize(p.Domains)
	effective := aliasDomains(requested, orgDomains)
	if len(effective) > 0 {
		filters = append(filters, orClause("domains", effective))
	}

	if p.Direction != "" {
		dirDomains := effective
		if len(dirDomains) == 0 {
			dirDomains = tenant.Normalize(orgDomains)
		}
		if clause := directionClause(p.Direction, dirDomains); clause != "" {
			filters = append(filters, clause)
		}
	}

	if p.HasAttachments != nil {
		filters = append(filters, fmt.Sprintf("has_attachments = %t", *p.HasAttachments))
	}
	if p.IsSpam != nil {
		filters = append(filters, fmt.Sprintf("is_spam = %t", *p.IsSpam))
	}

	if ts, ok := parseDateBound(p.DateStart, false); ok {
		filters = append(filters, fmt.Sprintf("date_timestamp >= %d", ts))
	}
	if ts, ok := parseDateBound(p.DateEnd, true); ok {
		filters = append(filters, fmt.Sprintf("date_timestamp <= %d", ts))
	}

	res, err := s.index.Search(ctx, index.SearchParams{
		Query:     buildQuery(p),
		Filter:    strings.Join(filters, " AND "),
		Limit:     p.Limit,
		Offset:    p.Offset,
		Sort:      []string{"date_timestamp:desc"},
		Highlight: true,
	})
	if err != nil {
		return nil, err
	}

	out := &Results{
		Hits:               make([]Hit, 0, len(res.Hits)),
		EstimatedTotalHits: res.EstimatedTotalHits,
		Limit:              res.Limit,
		Offset:             res.Offset,
	}
	if len(res.Hits) == 0 {
		return out, nil
	}

	prot, err := s.holds.ProtectionFor(ctx, p.OrgID)
	if err != nil {
		s.logger.Warn("hold snapshot failed, hits unannotated", "org_id", p.OrgID, "error", err)
		prot = holds.NewProtection(nil, nil)
	}
	for i := range res.Hits {
		doc := res.Hits[i]
		onHold := prot.Covers(&doc)
		doc.EncryptionKey = ""
		out.Hits = append(out.Hits, Hit{
			Document:             doc,
			SenderEmailClean:     doc.SenderEmail,
			RecipientEmailsClean: doc.RecipientEmails,
			IsOnHold:             onHold,
		})
	}
	return out, nil
}

// buildQuery folds the address and attachment keyword parameters into
// the relevance query; they match against the searchable attributes
// rather than as strict filters.
func buildQuery(p Params) string {
	q := strings.TrimSpace(p.Query)
	for _, extra := range []string{p.FromAddr, p.ToAddr, p.AttachmentKeyword} {
		v := strings.TrimSpace(extra)
		if v == "" {
			continue
		}
		if q == "" {
			q = v
		} else {
			q += " " + v
		}
	}
	return q
}

// aliasDomains widens the requested domains to the whole organization
// when they intersect its owned set. Requests naming only foreign
// domains stay as-is and simply match nothing of the tenant's mail.
func aliasDomains(requested, owned []string) []string {
	if len(requested) == 0 {
		return nil
	}
	ownedSet := make(map[string]struct{}, len(owned))
	for _, d := range tenant.Normalize(owned) {
		ownedSet[d] = struct{}{}
	}
	for _, d := range requested {
		if _, ok := ownedSet[d]; ok {
			merged := append([]string(nil), requested...)
			for _, od := range owned {
				merged = append(merged, od)
			}
			return tenant.Normalize(merged)
		}
	}
	return requested
}

func directionClause(direction string, domains []string) string {
	if len(domains) == 0 {
		return ""
	}
	switch direction {
	case "sent":
		return orClause("sender_domain", domains)
	case "received":
		return orClause("recipient_domains", domains)
	case "internal":
		return orClause("sender_domain", domains) + " AND " + orClause("recipient_domains", domains)
	}
	return ""
}

func orClause(field string, values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%s = %s", field, strconv.Quote(v))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// parseDateBound turns a date parameter into epoch seconds. Plain dates
// cover the whole day: a start bound maps to midnight, an end bound to
// the day's last second.
func parseDateBound(v string, endOfDay bool) (int64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ts, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		if endOfDay {
			return t.Add(24*time.Hour - time.Second).Unix(), true
		}
		return t.Unix(), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.Unix(), true
	}
	return 0, false
}
