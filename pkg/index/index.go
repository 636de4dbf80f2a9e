// Package index defines the search-index adapter: the document schema for
// archived messages and the operations the archive needs from an inverted
// index with filterable and sortable attributes. The production backend is
// Meilisearch-compatible; tests use the in-process Memory implementation.
package index

import (
	"context"
	"errors"
)

// IndexName is the single document set holding all message records.
const IndexName = "emails"

// ErrNotFound is returned by Get when no document exists under the id.
var ErrNotFound = errors.New("index: document not found")

// FilterableAttributes are the fields filter expressions may reference.
var FilterableAttributes = []string{
	"id", "to", "from", "date", "date_timestamp", "org_id", "domains",
	"has_attachments", "is_spam", "sender_domain", "recipient_domains",
	"message_id", "in_reply_to", "references", "attachment_content",
	"sha256", "signature", "envelope_from", "envelope_rcpt",
	"sender_email", "recipient_emails",
}

// SearchableAttributes are the fields free-text queries match against.
var SearchableAttributes = []string{
	"subject", "from", "to", "attachment_content", "id", "sha256",
}

// SortableAttributes are the fields result ordering may use.
var SortableAttributes = []string{"date", "date_timestamp"}

// MaxTotalHits bounds pagination depth on the backend.
const MaxTotalHits = 1000000

// Document is the message record stored in the index. One document may be
// owned by several organizations; OrgIDs carries the full set so a single
// record serves every tenant the message involves.
type Document struct {
	ID            string `json:"id"`
	EncryptionKey string `json:"key,omitempty"`

	MessageID  string   `json:"message_id,omitempty"`
	InReplyTo  []string `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Date    string `json:"date,omitempty"`

	// DateTimestamp is the parsed Date header as seconds since epoch,
	// 0 when the header is absent or unparseable.
	DateTimestamp int64 `json:"date_timestamp"`

	EnvelopeFrom string   `json:"envelope_from,omitempty"`
	EnvelopeRcpt []string `json:"envelope_rcpt,omitempty"`

	SenderEmail      string   `json:"sender_email,omitempty"`
	RecipientEmails  []string `json:"recipient_emails,omitempty"`
	SenderDomain     string   `json:"sender_domain,omitempty"`
	RecipientDomains []string `json:"recipient_domains,omitempty"`
	Domains          []string `json:"domains,omitempty"`

	OrgIDs []int64 `json:"org_id"`

	SHA256    string `json:"sha256"`
	Signature string `json:"signature"`

	Size           int64 `json:"size,omitempty"`
	HasAttachments bool  `json:"has_attachments"`
	IsSpam         bool  `json:"is_spam"`

	AttachmentContent string   `json:"attachment_content,omitempty"`
	CASAttachments    []string `json:"cas_attachments,omitempty"`

	// Formatted carries backend-highlighted attribute values on search
	// hits when highlighting was requested. Never written at ingest.
	Formatted map[string]any `json:"_formatted,omitempty"`
}

// OwnedBy reports whether org is in the document's owning set.
func (d *Document) OwnedBy(org int64) bool {
	for _, id := range d.OrgIDs {
		if id == org {
			return true
		}
	}
	return false
}

// SearchParams shape a search request. Query is free text over the
// searchable attributes; Filter is a filter expression over the filterable
// attributes. A zero Limit means the backend default.
type SearchParams struct {
	Query     string
	Filter    string
	Limit     int
	Offset    int
	Sort      []string
	Highlight bool
}

// SearchResult holds the hits of one search call.
type SearchResult struct {
	Hits               []Document
	EstimatedTotalHits int64
	Limit              int
	Offset             int
}

// Stats summarizes the index.
type Stats struct {
	NumberOfDocuments int64
	IsIndexing        bool
}

// Index is the adapter contract. Upsert replaces documents by id; Search
// evaluates filters server-side with array-membership semantics on
// list-valued fields (a clause `org_id = 5` matches any document whose
// org_id set contains 5).
type Index interface {
	EnsureIndex(ctx context.Context) error
	Upsert(ctx context.Context, docs []Document) error
	Get(ctx context.Context, id string) (*Document, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)
	Stats(ctx context.Context, filter string) (*Stats, error)
}
