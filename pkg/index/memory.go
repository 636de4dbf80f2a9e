package index

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Index used in tests and single-node development.
// It evaluates the same filter dialect the archive generates against the
// real backend, including array-membership equality.
type Memory struct {
	mu    sync.RWMutex
	docs  map[string]Document
	order []string
}

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

// EnsureIndex is a no-op for the in-memory backend.
func (m *Memory) EnsureIndex(_ context.Context) error { return nil }

// Upsert adds or replaces documents by id.
func (m *Memory) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		if _, exists := m.docs[doc.ID]; !exists {
			m.order = append(m.order, doc.ID)
		}
		m.docs[doc.ID] = doc
	}
	return nil
}

// Get fetches one document by id, or ErrNotFound.
func (m *Memory) Get(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// Delete removes one document by id. Missing ids are ignored.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return nil
	}
	delete(m.docs, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Search evaluates the filter and free-text query over all documents.
func (m *Memory) Search(_ context.Context, params SearchParams) (*SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Document
	for _, id := range m.order {
		doc := m.docs[id]
		if params.Filter != "" {
			ok, err := evalFilter(&doc, params.Filter)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if !matchesQuery(&doc, params.Query) {
			continue
		}
		hits = append(hits, doc)
	}

	sortHits(hits, params.Sort)

	total := int64(len(hits))
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := params.Offset
	if offset > len(hits) {
		offset = len(hits)
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	page := make([]Document, end-offset)
	copy(page, hits[offset:end])

	return &SearchResult{
		Hits:               page,
		EstimatedTotalHits: total,
		Limit:              limit,
		Offset:             offset,
	}, nil
}

// Stats reports document counts, optionally narrowed by a filter.
func (m *Memory) Stats(ctx context.Context, filter string) (*Stats, error) {
	if filter == "" {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return &Stats{NumberOfDocuments: int64(len(m.docs))}, nil
	}
	res, err := m.Search(ctx, SearchParams{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	return &Stats{NumberOfDocuments: res.EstimatedTotalHits}, nil
}

// matchesQuery approximates backend relevance matching: every whitespace
// separated term must appear, case-insensitively, in at least one searchable
// attribute.
func matchesQuery(doc *Document, query string) bool {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(strings.Join([]string{
		doc.Subject, doc.From, doc.To, doc.AttachmentContent, doc.ID, doc.SHA256,
	}, " "))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func sortHits(hits []Document, keys []string) {
	if len(keys) == 0 {
		return
	}
	field, dir, _ := strings.Cut(keys[0], ":")
	desc := dir == "desc"

	var less func(i, j int) bool
	switch field {
	case "date_timestamp":
		less = func(i, j int) bool { return hits[i].DateTimestamp < hits[j].DateTimestamp }
	case "date":
		less = func(i, j int) bool { return hits[i].Date < hits[j].Date }
	default:
		return
	}
	if desc {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(hits, less)
}
