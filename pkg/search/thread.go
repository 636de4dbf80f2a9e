package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openarchive/openarchive/pkg/index"
)

// threadLimit bounds how many messages one conversation view returns.
const threadLimit = 100

// Thread returns every archived message in the same conversation as id,
// oldest first. Membership follows the threading headers: a message
// belongs when its Message-ID, In-Reply-To, or References intersect the
// starting message's Message-ID and References. IDs outside the
// caller's organization report index.ErrNotFound.
func (s *Service) Thread(ctx context.Context, orgID int64, id string) ([]index.Document, error) {
	doc, err := s.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !doc.OwnedBy(orgID) {
		return nil, index.ErrNotFound
	}

	var clauses []string
	add := func(field, value string) {
		clauses = append(clauses, fmt.Sprintf("%s = %s", field, strconv.Quote(value)))
	}
	if doc.MessageID != "" {
		add("message_id", doc.MessageID)
		add("in_reply_to", doc.MessageID)
		add("references", doc.MessageID)
	}
	for _, ref := range doc.References {
		if ref == "" {
			continue
		}
		add("message_id", ref)
		add("references", ref)
	}

	if len(clauses) == 0 {
		doc.EncryptionKey = ""
		return []index.Document{*doc}, nil
	}

	res, err := s.index.Search(ctx, index.SearchParams{
		Filter: fmt.Sprintf("(org_id = %d) AND (%s)", orgID, strings.Join(clauses, " OR ")),
		Limit:  threadLimit,
		Sort:   []string{"date_timestamp:asc"},
	})
	if err != nil {
		return nil, err
	}
	for i := range res.Hits {
		res.Hits[i].EncryptionKey = ""
	}
	return res.Hits, nil
}
