package holds

import (
	"strings"

	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/store"
)

// Protection is a point-in-time snapshot of everything legal holds
// preserve: message IDs explicitly attached to a hold plus the address
// and keyword criteria of active holds. Snapshots are immutable once
// built and safe for concurrent readers.
type Protection struct {
	held     map[string]struct{}
	from     map[string]struct{}
	to       map[string]struct{}
	keywords []string
}

// NewProtection builds a snapshot. Addresses and keywords are lowered
// so matching is case-insensitive; empty criteria fields are dropped.
func NewProtection(heldIDs []string, criteria []store.HoldCriteria) *Protection {
	p := &Protection{
		held: make(map[string]struct{}, len(heldIDs)),
		from: make(map[string]struct{}),
		to:   make(map[string]struct{}),
	}
	for _, id := range heldIDs {
		p.held[id] = struct{}{}
	}
	for _, c := range criteria {
		if v := strings.ToLower(strings.TrimSpace(c.From)); v != "" {
			p.from[v] = struct{}{}
		}
		if v := strings.ToLower(strings.TrimSpace(c.To)); v != "" {
			p.to[v] = struct{}{}
		}
		if v := strings.ToLower(strings.TrimSpace(c.Q)); v != "" {
			p.keywords = append(p.keywords, v)
		}
	}
	return p
}

// Empty reports whether the snapshot preserves nothing.
func (p *Protection) Empty() bool {
	return len(p.held) == 0 && len(p.from) == 0 && len(p.to) == 0 && len(p.keywords) == 0
}

// Covers reports whether the document is preserved. A document is
// covered when it was explicitly attached to any hold, when its cleaned
// sender matches a hold's sender criterion, when any cleaned recipient
// matches a recipient criterion, or when a hold keyword appears in its
// subject or participant headers.
func (p *Protection) Covers(doc *index.Document) bool {
	if _, ok := p.held[doc.ID]; ok {
		return true
	}
	if doc.SenderEmail != "" {
		if _, ok := p.from[strings.ToLower(doc.SenderEmail)]; ok {
			return true
		}
	}
	for _, rcpt := range doc.RecipientEmails {
		if _, ok := p.to[strings.ToLower(rcpt)]; ok {
			return true
		}
	}
	if len(p.keywords) > 0 {
		blob := strings.ToLower(doc.Subject + " " + doc.From + " " + doc.To)
		for _, kw := range p.keywords {
			if strings.Contains(blob, kw) {
				return true
			}
		}
	}
	return false
}
