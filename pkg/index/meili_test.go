package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeiliEnsureIndexCreatesWhenMissing(t *testing.T) {
	var createdIndex, patchedSettings bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer masterKey", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/indexes/emails":
			http.Error(w, `{"code":"index_not_found"}`, http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/indexes":
			var req createIndexRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "emails", req.UID)
			assert.Equal(t, "id", req.PrimaryKey)
			createdIndex = true
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch && r.URL.Path == "/indexes/emails/settings":
			var req settingsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Contains(t, req.FilterableAttributes, "org_id")
			assert.Contains(t, req.SortableAttributes, "date_timestamp")
			assert.Equal(t, MaxTotalHits, req.Pagination.MaxTotalHits)
			patchedSettings = true
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	m, err := NewMeili(MeiliConfig{Host: srv.URL, APIKey: "masterKey"}, nil)
	require.NoError(t, err)
	require.NoError(t, m.EnsureIndex(context.Background()))
	assert.True(t, createdIndex)
	assert.True(t, patchedSettings)
}

func TestMeiliEnsureIndexSkipsCreateWhenPresent(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/indexes/emails":
			w.Write([]byte(`{"uid":"emails"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/indexes":
			created = true
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch && r.URL.Path == "/indexes/emails/settings":
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	m, err := NewMeili(MeiliConfig{Host: srv.URL}, nil)
	require.NoError(t, err)
	require.NoError(t, m.EnsureIndex(context.Background()))
	assert.False(t, created)
}

func TestMeiliGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"document_not_found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	m, err := NewMeili(MeiliConfig{Host: srv.URL}, nil)
	require.NoError(t, err)

	_, err = m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMeiliSearchRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/indexes/emails/search", r.URL.Path)

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "wire fraud", req.Q)
		assert.Equal(t, "org_id = 2 AND is_spam = false", req.Filter)
		assert.Equal(t, 50, req.Limit)
		assert.Equal(t, 10, req.Offset)
		assert.Equal(t, []string{"date_timestamp:desc"}, req.Sort)
		assert.Equal(t, "<mark>", req.HighlightPreTag)

		json.NewEncoder(w).Encode(searchResponse{
			Hits:               []Document{{ID: "msg-1"}},
			EstimatedTotalHits: 311,
			Limit:              50,
			Offset:             10,
		})
	}))
	defer srv.Close()

	m, err := NewMeili(MeiliConfig{Host: srv.URL}, nil)
	require.NoError(t, err)

	res, err := m.Search(context.Background(), SearchParams{
		Query:     "wire fraud",
		Filter:    "org_id = 2 AND is_spam = false",
		Limit:     50,
		Offset:    10,
		Sort:      []string{"date_timestamp:desc"},
		Highlight: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "msg-1", res.Hits[0].ID)
	assert.Equal(t, int64(311), res.EstimatedTotalHits)
}

func TestMeiliStatsUsesZeroLimitSearchWithFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/indexes/emails/search":
			var req searchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 0, req.Limit)
			assert.Equal(t, "org_id = 4", req.Filter)
			json.NewEncoder(w).Encode(searchResponse{EstimatedTotalHits: 42})
		case "/indexes/emails/stats":
			json.NewEncoder(w).Encode(statsResponse{NumberOfDocuments: 99})
		}
	}))
	defer srv.Close()

	m, err := NewMeili(MeiliConfig{Host: srv.URL}, nil)
	require.NoError(t, err)

	stats, err := m.Stats(context.Background(), "org_id = 4")
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.NumberOfDocuments)

	stats, err = m.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(99), stats.NumberOfDocuments)
}

func TestMeiliSurfacesBackendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"invalid_search_filter"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m, err := NewMeili(MeiliConfig{Host: srv.URL}, nil)
	require.NoError(t, err)

	_, err = m.Search(context.Background(), SearchParams{Filter: "bogus ~~ clause"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
