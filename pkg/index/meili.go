package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// MeiliConfig configures the Meilisearch-compatible backend client.
type MeiliConfig struct {
	Host   string // e.g. http://localhost:7700
	APIKey string
}

// Meili talks to a Meilisearch-compatible index over its REST API.
type Meili struct {
	host   string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewMeili builds a Meili client. No network calls are made until the first
// operation; call EnsureIndex at startup to create the index and push
// attribute settings.
func NewMeili(cfg MeiliConfig, logger *slog.Logger) (*Meili, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("index: host is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Meili{
		host:   cfg.Host,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "index.meili"),
	}, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("index: backend returned %d: %s", e.status, e.body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == code
}

func (m *Meili) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("index: marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.host+path, body)
	if err != nil {
		return fmt.Errorf("index: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("index: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, body: string(snippet)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("index: decode response: %w", err)
		}
	}
	return nil
}

type createIndexRequest struct {
	UID        string `json:"uid"`
	PrimaryKey string `json:"primaryKey"`
}

type settingsRequest struct {
	FilterableAttributes []string           `json:"filterableAttributes"`
	SearchableAttributes []string           `json:"searchableAttributes"`
	SortableAttributes   []string           `json:"sortableAttributes"`
	Pagination           paginationSettings `json:"pagination"`
}

type paginationSettings struct {
	MaxTotalHits int `json:"maxTotalHits"`
}

// EnsureIndex creates the message index if absent and pushes the attribute
// settings unconditionally so a settings drift heals on restart.
func (m *Meili) EnsureIndex(ctx context.Context) error {
	err := m.do(ctx, http.MethodGet, "/indexes/"+IndexName, nil, nil)
	if err != nil {
		if !isStatus(err, http.StatusNotFound) {
			return err
		}
		create := createIndexRequest{UID: IndexName, PrimaryKey: "id"}
		if err := m.do(ctx, http.MethodPost, "/indexes", create, nil); err != nil {
			return fmt.Errorf("index: create %s: %w", IndexName, err)
		}
		m.logger.Info("created index", "index", IndexName)
	}

	settings := settingsRequest{
		FilterableAttributes: FilterableAttributes,
		SearchableAttributes: SearchableAttributes,
		SortableAttributes:   SortableAttributes,
		Pagination:           paginationSettings{MaxTotalHits: MaxTotalHits},
	}
	if err := m.do(ctx, http.MethodPatch, "/indexes/"+IndexName+"/settings", settings, nil); err != nil {
		return fmt.Errorf("index: update settings: %w", err)
	}
	return nil
}

// Upsert adds or replaces documents by primary key.
func (m *Meili) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := m.do(ctx, http.MethodPost, "/indexes/"+IndexName+"/documents", docs, nil); err != nil {
		return fmt.Errorf("index: upsert %d documents: %w", len(docs), err)
	}
	return nil
}

// Get fetches one document by id, or ErrNotFound.
func (m *Meili) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := m.do(ctx, http.MethodGet, "/indexes/"+IndexName+"/documents/"+url.PathEscape(id), nil, &doc)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// Delete removes one document by id. Deleting a missing id is not an error;
// the backend enqueues the deletion either way.
func (m *Meili) Delete(ctx context.Context, id string) error {
	return m.do(ctx, http.MethodDelete, "/indexes/"+IndexName+"/documents/"+url.PathEscape(id), nil, nil)
}

type searchRequest struct {
	Q                     string   `json:"q"`
	Filter                string   `json:"filter,omitempty"`
	Limit                 int      `json:"limit"`
	Offset                int      `json:"offset"`
	Sort                  []string `json:"sort,omitempty"`
	AttributesToHighlight []string `json:"attributesToHighlight,omitempty"`
	HighlightPreTag       string   `json:"highlightPreTag,omitempty"`
	HighlightPostTag      string   `json:"highlightPostTag,omitempty"`
}

type searchResponse struct {
	Hits               []Document `json:"hits"`
	EstimatedTotalHits int64      `json:"estimatedTotalHits"`
	Limit              int        `json:"limit"`
	Offset             int        `json:"offset"`
}

// Search runs one search call. A zero Limit falls back to 20 hits.
func (m *Meili) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	req := searchRequest{
		Q:      params.Query,
		Filter: params.Filter,
		Limit:  params.Limit,
		Offset: params.Offset,
		Sort:   params.Sort,
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if params.Highlight {
		req.AttributesToHighlight = []string{"subject", "from", "to", "attachment_content"}
		req.HighlightPreTag = "<mark>"
		req.HighlightPostTag = "</mark>"
	}

	var resp searchResponse
	if err := m.do(ctx, http.MethodPost, "/indexes/"+IndexName+"/search", req, &resp); err != nil {
		return nil, err
	}
	return &SearchResult{
		Hits:               resp.Hits,
		EstimatedTotalHits: resp.EstimatedTotalHits,
		Limit:              resp.Limit,
		Offset:             resp.Offset,
	}, nil
}

type statsResponse struct {
	NumberOfDocuments int64 `json:"numberOfDocuments"`
	IsIndexing        bool  `json:"isIndexing"`
}

// Stats reports document counts. With a filter it runs a zero-limit search
// and reads the estimated hit count; without one it asks the index stats
// endpoint.
func (m *Meili) Stats(ctx context.Context, filter string) (*Stats, error) {
	if filter != "" {
		req := searchRequest{Q: "", Filter: filter, Limit: 0}
		var resp searchResponse
		if err := m.do(ctx, http.MethodPost, "/indexes/"+IndexName+"/search", req, &resp); err != nil {
			return nil, err
		}
		return &Stats{NumberOfDocuments: resp.EstimatedTotalHits}, nil
	}

	var resp statsResponse
	if err := m.do(ctx, http.MethodGet, "/indexes/"+IndexName+"/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &Stats{NumberOfDocuments: resp.NumberOfDocuments, IsIndexing: resp.IsIndexing}, nil
}
