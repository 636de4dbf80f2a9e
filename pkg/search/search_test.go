package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/openarchive/pkg/holds"
	"github.com/openarchive/openarchive/pkg/index"
)

type fakeHoldSource struct {
	prot *holds.Protection
	err  error
}

func (f fakeHoldSource) ProtectionFor(_ context.Context, _ int64) (*holds.Protection, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.prot == nil {
		return holds.NewProtection(nil, nil), nil
	}
	return f.prot, nil
}

type fakeDomainSource struct {
	domains map[int64][]string
	err     error
}

func (f fakeDomainSource) Domains(_ context.Context, orgID int64) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.domains[orgID], nil
}

// jan6 and feb18 are 2025-01-06T10:00Z and 2025-02-18T00:00Z.
const (
	jan6  = int64(1736157600)
	feb18 = int64(1739836800)
)

func archiveDocs() []index.Document {
	return []index.Document{
		{
			ID:               "m-sent",
			OrgIDs:           []int64{1},
			Subject:          "Q3 revenue draft",
			From:             "Alice <alice@corp.com>",
			To:               "Pat <pat@partner.io>",
			SenderEmail:      "alice@corp.com",
			RecipientEmails:  []string{"pat@partner.io"},
			SenderDomain:     "corp.com",
			RecipientDomains: []string{"partner.io"},
			Domains:          []string{"corp.com", "partner.io"},
			DateTimestamp:    jan6,
			HasAttachments:   true,
			EncryptionKey:    "sealed-key",
		},
		{
			ID:               "m-recv",
			OrgIDs:           []int64{1},
			Subject:          "invoice overdue",
			From:             "Pat <pat@partner.io>",
			To:               "Bob <bob@corp.co.uk>",
			SenderEmail:      "pat@partner.io",
			RecipientEmails:  []string{"bob@corp.co.uk"},
			SenderDomain:     "partner.io",
			RecipientDomains: []string{"corp.co.uk"},
			Domains:          []string{"partner.io", "corp.co.uk"},
			DateTimestamp:    feb18,
		},
		{
			ID:            "m-other-org",
			OrgIDs:        []int64{2},
			Subject:       "Q3 revenue draft",
			SenderEmail:   "eve@else.com",
			Domains:       []string{"else.com"},
			DateTimestamp: jan6,
		},
	}
}

func newTestService(t *testing.T, hs HoldSource) *Service {
	t.Helper()
	mem := index.NewMemory()
	require.NoError(t, mem.Upsert(context.Background(), archiveDocs()))
	dirs := fakeDomainSource{domains: map[int64][]string{1: {"corp.com", "corp.co.uk"}}}
	return New(mem, hs, dirs, nil)
}

func hitIDs(res *Results) []string {
	ids := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.ID
	}
	return ids
}

func TestSearchScopedToCallerOrg(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{})

	res, err := svc.Search(context.Background(), Params{OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-recv", "m-sent"}, hitIDs(res), "newest first, other tenants excluded")
	assert.Equal(t, int64(2), res.EstimatedTotalHits)
}

func TestSearchDomainAliasing(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{})

	// Naming one owned domain unlocks all of the org's domains.
	res, err := svc.Search(context.Background(), Params{OrgID: 1, Domains: []string{"corp.com"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m-sent", "m-recv"}, hitIDs(res))

	// Foreign-only domain lists are not expanded.
	res, err = svc.Search(context.Background(), Params{OrgID: 1, Domains: []string{"nowhere.net"}})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearchDirection(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{})

	res, err := svc.Search(context.Background(), Params{OrgID: 1, Domains: []string{"corp.com"}, Direction: "sent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-sent"}, hitIDs(res))

	res, err = svc.Search(context.Background(), Params{OrgID: 1, Domains: []string{"corp.com"}, Direction: "received"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-recv"}, hitIDs(res))

	res, err = svc.Search(context.Background(), Params{OrgID: 1, Domains: []string{"corp.com"}, Direction: "internal"})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearchDirectionWithoutDomainsUsesOrg(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{})

	res, err := svc.Search(context.Background(), Params{OrgID: 1, Direction: "received"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-recv"}, hitIDs(res))
}

func TestSearchDateRange(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{})

	res, err := svc.Search(context.Background(), Params{OrgID: 1, DateStart: "2025-02-01"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-recv"}, hitIDs(res))

	res, err = svc.Search(context.Background(), Params{OrgID: 1, DateEnd: "2025-01-31"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-sent"}, hitIDs(res))

	res, err = svc.Search(context.Background(), Params{OrgID: 1, DateStart: "1736157600", DateEnd: "1736157600"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-sent"}, hitIDs(res), "epoch bounds are inclusive")
}

func TestSearchAttributeFilters(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{})
	yes, no := true, false

	res, err := svc.Search(context.Background(), Params{OrgID: 1, HasAttachments: &yes})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-sent"}, hitIDs(res))

	res, err = svc.Search(context.Background(), Params{OrgID: 1, IsSpam: &no})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)
}

func TestSearchAddressTermsJoinQuery(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{})

	res, err := svc.Search(context.Background(), Params{OrgID: 1, FromAddr: "alice@corp.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-sent"}, hitIDs(res))

	res, err = svc.Search(context.Background(), Params{OrgID: 1, Query: "invoice", ToAddr: "bob@corp.co.uk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-recv"}, hitIDs(res))
}

func TestSearchAnnotatesHoldsAndScrubsKeys(t *testing.T) {
	prot := holds.NewProtection([]string{"m-sent"}, nil)
	svc := newTestService(t, fakeHoldSource{prot: prot})

	res, err := svc.Search(context.Background(), Params{OrgID: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)

	byID := map[string]Hit{}
	for _, h := range res.Hits {
		byID[h.ID] = h
	}
	assert.True(t, byID["m-sent"].IsOnHold)
	assert.False(t, byID["m-recv"].IsOnHold)
	assert.Equal(t, "alice@corp.com", byID["m-sent"].SenderEmailClean)
	assert.Equal(t, []string{"pat@partner.io"}, byID["m-sent"].RecipientEmailsClean)
	assert.Empty(t, byID["m-sent"].EncryptionKey, "sealed key must not leave the server")
}

func TestSearchHoldOutageLeavesHitsUnannotated(t *testing.T) {
	svc := newTestService(t, fakeHoldSource{err: errors.New("db down")})

	res, err := svc.Search(context.Background(), Params{OrgID: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	for _, h := range res.Hits {
		assert.False(t, h.IsOnHold)
	}
}

func threadService(t *testing.T) *Service {
	t.Helper()
	mem := index.NewMemory()
	require.NoError(t, mem.Upsert(context.Background(), []index.Document{
		{ID: "t-root", OrgIDs: []int64{1}, MessageID: "<root@corp.com>", DateTimestamp: 100, EncryptionKey: "k1"},
		{
			ID: "t-reply", OrgIDs: []int64{1}, MessageID: "<r1@corp.com>",
			InReplyTo: []string{"<root@corp.com>"}, References: []string{"<root@corp.com>"},
			DateTimestamp: 200, EncryptionKey: "k2",
		},
		{ID: "t-lone", OrgIDs: []int64{1}, DateTimestamp: 300, EncryptionKey: "k3"},
		{ID: "t-unrelated", OrgIDs: []int64{1}, MessageID: "<other@corp.com>", DateTimestamp: 150},
	}))
	return New(mem, fakeHoldSource{}, fakeDomainSource{}, nil)
}

func TestThreadFollowsReferences(t *testing.T) {
	svc := threadService(t)

	docs, err := svc.Thread(context.Background(), 1, "t-reply")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "t-root", docs[0].ID, "oldest first")
	assert.Equal(t, "t-reply", docs[1].ID)
	for _, d := range docs {
		assert.Empty(t, d.EncryptionKey)
	}

	docs, err = svc.Thread(context.Background(), 1, "t-root")
	require.NoError(t, err)
	require.Len(t, docs, 2, "root finds its replies")
}

func TestThreadWithoutHeadersIsSingleton(t *testing.T) {
	svc := threadService(t)

	docs, err := svc.Thread(context.Background(), 1, "t-lone")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "t-lone", docs[0].ID)
	assert.Empty(t, docs[0].EncryptionKey)
}

func TestThreadForeignOrgIsNotFound(t *testing.T) {
	svc := threadService(t)

	_, err := svc.Thread(context.Background(), 2, "t-root")
	require.ErrorIs(t, err, index.ErrNotFound)

	_, err = svc.Thread(context.Background(), 1, "missing")
	require.ErrorIs(t, err, index.ErrNotFound)
}

func TestParseDateBound(t *testing.T) {
	ts, ok := parseDateBound("2025-01-06", false)
	require.True(t, ok)
	assert.Equal(t, int64(1736121600), ts)

	ts, ok = parseDateBound("2025-01-06", true)
	require.True(t, ok)
	assert.Equal(t, int64(1736207999), ts, "end bounds cover the whole day")

	ts, ok = parseDateBound("1736157600", false)
	require.True(t, ok)
	assert.Equal(t, jan6, ts)

	_, ok = parseDateBound("not-a-date", false)
	assert.False(t, ok)

	_, ok = parseDateBound("", true)
	assert.False(t, ok)
}
