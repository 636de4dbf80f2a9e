package holds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/store"
)

type fakeStore struct {
	createErr  error
	created    *store.LegalHold
	nextID     int64
	releaseErr error
	released   []string

	hold   *store.LegalHold
	getErr error

	addedHoldID int64
	addedIDs    []string
	addErr      error

	holds []store.LegalHold
	items []store.HoldItem

	heldIDs     []string
	allHeldIDs  []string
	criteria    []store.HoldCriteria
	criteriaOrg *int64
}

func (f *fakeStore) CreateHold(_ context.Context, h *store.LegalHold) error {
	if f.createErr != nil {
		return f.createErr
	}
	h.ID = f.nextID
	h.Active = true
	h.CreatedAt = time.Now()
	f.created = h
	return nil
}

func (f *fakeStore) GetHoldByPublicID(_ context.Context, publicID string, orgID int64) (*store.LegalHold, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.hold, nil
}

func (f *fakeStore) ReleaseHold(_ context.Context, publicID string, orgID int64) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = append(f.released, publicID)
	return nil
}

func (f *fakeStore) ListHolds(_ context.Context, orgID int64) ([]store.LegalHold, error) {
	return f.holds, nil
}

func (f *fakeStore) AddHoldItems(_ context.Context, holdID int64, messageIDs []string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.addedHoldID = holdID
	f.addedIDs = append(f.addedIDs, messageIDs...)
	return nil
}

func (f *fakeStore) HoldItems(_ context.Context, holdID int64, limit int) ([]store.HoldItem, error) {
	return f.items, nil
}

func (f *fakeStore) HeldMessageIDs(_ context.Context, orgID int64) ([]string, error) {
	return f.heldIDs, nil
}

func (f *fakeStore) AllHeldMessageIDs(_ context.Context) ([]string, error) {
	return f.allHeldIDs, nil
}

func (f *fakeStore) ActiveHoldCriteria(_ context.Context, orgID *int64) ([]store.HoldCriteria, error) {
	f.criteriaOrg = orgID
	return f.criteria, nil
}

type fakeAuditor struct {
	actions []string
	details []map[string]any
}

func (f *fakeAuditor) Record(_ context.Context, orgID int64, username, action string, details any) (*store.AuditEntry, error) {
	f.actions = append(f.actions, action)
	m, _ := details.(map[string]any)
	f.details = append(f.details, m)
	return &store.AuditEntry{Action: action, Username: username, OrgID: orgID}, nil
}

type failingIndex struct{ index.Index }

func (failingIndex) Search(_ context.Context, _ index.SearchParams) (*index.SearchResult, error) {
	return nil, errors.New("index down")
}

func seededIndex(t *testing.T, docs ...index.Document) *index.Memory {
	t.Helper()
	mem := index.NewMemory()
	require.NoError(t, mem.Upsert(context.Background(), docs))
	return mem
}

func TestCreateBackfillsMatchingMessages(t *testing.T) {
	mem := seededIndex(t,
		index.Document{ID: "msg-a", OrgIDs: []int64{1}, SenderEmail: "ceo@corp.com", Subject: "Q3 numbers"},
		index.Document{ID: "msg-b", OrgIDs: []int64{1}, SenderEmail: "intern@corp.com", Subject: "lunch"},
		index.Document{ID: "msg-c", OrgIDs: []int64{2}, SenderEmail: "ceo@corp.com", Subject: "Q3 numbers"},
	)
	st := &fakeStore{nextID: 42}
	aud := &fakeAuditor{}
	reg := NewRegistry(st, mem, aud, nil)

	h := &store.LegalHold{Name: "SEC inquiry", Criteria: store.HoldCriteria{From: "CEO@corp.com"}}
	captured, err := reg.Create(context.Background(), 1, "legal", h)
	require.NoError(t, err)

	assert.Equal(t, 1, captured)
	assert.NotEmpty(t, h.PublicID)
	assert.Equal(t, "legal", h.CreatedBy)
	assert.Equal(t, int64(42), st.addedHoldID)
	assert.Equal(t, []string{"msg-a"}, st.addedIDs, "other tenants' mail must not be captured")

	require.Equal(t, []string{"CREATE_LEGAL_HOLD"}, aud.actions)
	assert.Equal(t, 1, aud.details[0]["auto_held_count"])
	assert.Equal(t, h.PublicID, aud.details[0]["hold_id"])
}

func TestCreateBackfillsByKeyword(t *testing.T) {
	mem := seededIndex(t,
		index.Document{ID: "msg-1", OrgIDs: []int64{1}, Subject: "Project Aurora merger terms"},
		index.Document{ID: "msg-2", OrgIDs: []int64{1}, Subject: "cafeteria menu"},
	)
	st := &fakeStore{nextID: 7}
	reg := NewRegistry(st, mem, &fakeAuditor{}, nil)

	h := &store.LegalHold{Name: "aurora", Criteria: store.HoldCriteria{Q: "merger"}}
	captured, err := reg.Create(context.Background(), 1, "legal", h)
	require.NoError(t, err)
	assert.Equal(t, 1, captured)
	assert.Equal(t, []string{"msg-1"}, st.addedIDs)
}

func TestCreateWithoutCriteriaSkipsBackfill(t *testing.T) {
	mem := seededIndex(t,
		index.Document{ID: "msg-1", OrgIDs: []int64{1}, Subject: "anything"},
	)
	st := &fakeStore{nextID: 3}
	aud := &fakeAuditor{}
	reg := NewRegistry(st, mem, aud, nil)

	captured, err := reg.Create(context.Background(), 1, "legal", &store.LegalHold{Name: "manual"})
	require.NoError(t, err)
	assert.Equal(t, 0, captured)
	assert.Empty(t, st.addedIDs)
	assert.Equal(t, 0, aud.details[0]["auto_held_count"])
}

func TestCreateDuplicateName(t *testing.T) {
	st := &fakeStore{createErr: store.ErrDuplicate}
	aud := &fakeAuditor{}
	reg := NewRegistry(st, index.NewMemory(), aud, nil)

	_, err := reg.Create(context.Background(), 1, "legal", &store.LegalHold{Name: "dup"})
	require.ErrorIs(t, err, store.ErrDuplicate)
	assert.Empty(t, aud.actions)
}

func TestCreateSurvivesIndexOutage(t *testing.T) {
	st := &fakeStore{nextID: 5}
	aud := &fakeAuditor{}
	reg := NewRegistry(st, failingIndex{}, aud, nil)

	h := &store.LegalHold{Name: "outage", Criteria: store.HoldCriteria{From: "x@y.com"}}
	captured, err := reg.Create(context.Background(), 1, "legal", h)
	require.NoError(t, err)
	assert.Equal(t, 0, captured)
	assert.Equal(t, 0, aud.details[0]["auto_held_count"])
}

func TestReleaseRecordsAudit(t *testing.T) {
	st := &fakeStore{}
	aud := &fakeAuditor{}
	reg := NewRegistry(st, index.NewMemory(), aud, nil)

	require.NoError(t, reg.Release(context.Background(), 1, "legal", "hold-pub-1"))
	assert.Equal(t, []string{"hold-pub-1"}, st.released)
	require.Equal(t, []string{"RELEASE_LEGAL_HOLD"}, aud.actions)
	assert.Equal(t, "hold-pub-1", aud.details[0]["hold_id"])
}

func TestReleaseUnknownHold(t *testing.T) {
	st := &fakeStore{releaseErr: store.ErrNotFound}
	aud := &fakeAuditor{}
	reg := NewRegistry(st, index.NewMemory(), aud, nil)

	err := reg.Release(context.Background(), 1, "legal", "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, aud.actions)
}

func TestAddItemsResolvesInternalID(t *testing.T) {
	st := &fakeStore{hold: &store.LegalHold{ID: 9, PublicID: "pub-9"}}
	reg := NewRegistry(st, index.NewMemory(), &fakeAuditor{}, nil)

	count, err := reg.AddItems(context.Background(), 1, "pub-9", []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(9), st.addedHoldID)
	assert.Equal(t, []string{"m1", "m2"}, st.addedIDs)
}

func TestAddItemsUnknownHold(t *testing.T) {
	st := &fakeStore{getErr: store.ErrNotFound}
	reg := NewRegistry(st, index.NewMemory(), &fakeAuditor{}, nil)

	_, err := reg.AddItems(context.Background(), 1, "nope", []string{"m1"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetEnrichesItemsFromIndex(t *testing.T) {
	added := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	st := &fakeStore{
		hold: &store.LegalHold{ID: 4, PublicID: "pub-4", Name: "inquiry"},
		items: []store.HoldItem{
			{MessageID: "indexed", CreatedAt: added},
			{MessageID: "purged", CreatedAt: added},
		},
	}
	mem := seededIndex(t, index.Document{
		ID:      "indexed",
		OrgIDs:  []int64{1},
		Subject: "board minutes",
		From:    "Chair <chair@corp.com>",
		Date:    "Mon, 06 Jan 2025 10:00:00 +0000",
	})
	reg := NewRegistry(st, mem, &fakeAuditor{}, nil)

	h, items, err := reg.Get(context.Background(), 1, "pub-4")
	require.NoError(t, err)
	assert.Equal(t, "pub-4", h.PublicID)
	require.Len(t, items, 2)

	assert.Equal(t, "board minutes", items[0].Subject)
	assert.Equal(t, "Chair <chair@corp.com>", items[0].From)
	require.NotNil(t, items[0].Date)
	assert.Equal(t, "Mon, 06 Jan 2025 10:00:00 +0000", *items[0].Date)
	assert.Equal(t, "2025-03-10T09:30:00Z", items[0].AddedAt)

	assert.Equal(t, "Unknown", items[1].Subject)
	assert.Equal(t, "Unknown", items[1].From)
	assert.Nil(t, items[1].Date)
}

func TestGetWithIndexDownKeepsPlaceholders(t *testing.T) {
	st := &fakeStore{
		hold:  &store.LegalHold{ID: 4, PublicID: "pub-4"},
		items: []store.HoldItem{{MessageID: "m1", CreatedAt: time.Now()}},
	}
	reg := NewRegistry(st, failingIndex{}, &fakeAuditor{}, nil)

	_, items, err := reg.Get(context.Background(), 1, "pub-4")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Unknown", items[0].Subject)
}

func TestProtectionForSnapshotsOrg(t *testing.T) {
	st := &fakeStore{
		heldIDs:  []string{"m1"},
		criteria: []store.HoldCriteria{{From: "ceo@corp.com"}},
	}
	reg := NewRegistry(st, index.NewMemory(), &fakeAuditor{}, nil)

	p, err := reg.ProtectionFor(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, st.criteriaOrg)
	assert.Equal(t, int64(7), *st.criteriaOrg)
	assert.False(t, p.Empty())
}

func TestGlobalProtectionIsUnscoped(t *testing.T) {
	st := &fakeStore{allHeldIDs: []string{"m1", "m2"}}
	reg := NewRegistry(st, index.NewMemory(), &fakeAuditor{}, nil)

	p, err := reg.GlobalProtection(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.criteriaOrg)
	assert.True(t, p.Covers(&index.Document{ID: "m2"}))
}

func TestProtectionCovers(t *testing.T) {
	p := NewProtection(
		[]string{"held-1"},
		[]store.HoldCriteria{
			{From: "CEO@corp.com"},
			{To: "auditor@firm.com"},
			{Q: "Project Aurora"},
		},
	)

	tests := []struct {
		name    string
		doc     index.Document
		covered bool
	}{
		{"explicit item", index.Document{ID: "held-1"}, true},
		{"sender criterion case-insensitive", index.Document{ID: "x", SenderEmail: "ceo@corp.com"}, true},
		{"recipient criterion", index.Document{ID: "x", RecipientEmails: []string{"bob@corp.com", "auditor@firm.com"}}, true},
		{"keyword in subject", index.Document{ID: "x", Subject: "Re: project aurora kickoff"}, true},
		{"keyword in participants", index.Document{ID: "x", To: "project aurora list <aurora@corp.com>"}, true},
		{"unrelated message", index.Document{ID: "x", SenderEmail: "intern@corp.com", Subject: "lunch"}, false},
		{"sender matches only recipient criterion", index.Document{ID: "x", SenderEmail: "auditor@firm.com"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.covered, p.Covers(&tt.doc))
		})
	}
}

func TestProtectionEmpty(t *testing.T) {
	assert.True(t, NewProtection(nil, nil).Empty())
	assert.True(t, NewProtection(nil, []store.HoldCriteria{{}}).Empty())
	assert.False(t, NewProtection([]string{"m"}, nil).Empty())
}
