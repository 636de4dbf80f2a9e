package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/holds"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/store"
)

type fakePolicies struct {
	policies []store.RetentionPolicy
	err      error
}

func (f *fakePolicies) ActivePolicies(context.Context) ([]store.RetentionPolicy, error) {
	return f.policies, f.err
}

type fakeHolds struct {
	held     []string
	criteria []store.HoldCriteria
	calls    int
	failFrom int
}

func (f *fakeHolds) GlobalProtection(context.Context) (*holds.Protection, error) {
	f.calls++
	if f.failFrom > 0 && f.calls >= f.failFrom {
		return nil, errors.New("hold store down")
	}
	return holds.NewProtection(f.held, f.criteria), nil
}

type deleteFailBlobs struct{ blob.Store }

func (deleteFailBlobs) Delete(context.Context, string) error {
	return errors.New("storage unavailable")
}

func expiredDoc(id, domain string, age time.Duration) index.Document {
	return index.Document{
		ID:            id,
		OrgIDs:        []int64{1},
		Subject:       "quarterly forecast",
		SenderEmail:   "alice@" + domain,
		Domains:       []string{domain},
		DateTimestamp: time.Now().UTC().Add(-age).Unix(),
	}
}

func policyFor(days int, domains ...string) store.RetentionPolicy {
	return store.RetentionPolicy{
		Name:          "expire",
		Domains:       domains,
		RetentionDays: days,
		Action:        "PERMANENT_DELETE",
		Active:        true,
	}
}

func newTestWorker(t *testing.T, docs []index.Document, hs *fakeHolds, policies ...store.RetentionPolicy) (*Worker, *blob.Memory, *index.Memory) {
	t.Helper()
	blobs := blob.NewMemory()
	idx := index.NewMemory()
	for _, doc := range docs {
		require.NoError(t, blobs.Put(context.Background(), blob.MessageKey(doc.ID), []byte("ciphertext")))
	}
	require.NoError(t, idx.Upsert(context.Background(), docs))
	return NewWorker(&fakePolicies{policies: policies}, hs, idx, blobs, nil), blobs, idx
}

func TestRunOncePurgesExpiredMessages(t *testing.T) {
	docs := []index.Document{
		expiredDoc("old", "acme.com", 10*24*time.Hour),
		expiredDoc("fresh", "acme.com", time.Hour),
	}
	w, blobs, idx := newTestWorker(t, docs, &fakeHolds{}, policyFor(1, "acme.com"))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Purged)
	assert.Equal(t, 1, summary.Examined)
	assert.Equal(t, 1, summary.PerDomain["acme.com"])

	_, err = idx.Get(context.Background(), "old")
	assert.ErrorIs(t, err, index.ErrNotFound)
	exists, err := blobs.Head(context.Background(), blob.MessageKey("old"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = idx.Get(context.Background(), "fresh")
	assert.NoError(t, err, "messages inside the window stay")
	assert.Equal(t, 1, blobs.Len())
}

func TestRunOnceSpansPolicyDomains(t *testing.T) {
	docs := []index.Document{
		expiredDoc("a1", "acme.com", 48*time.Hour),
		expiredDoc("b1", "beta.org", 48*time.Hour),
	}
	w, _, _ := newTestWorker(t, docs, &fakeHolds{}, policyFor(1, "acme.com", "Beta.org"))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Purged)
	assert.Equal(t, 1, summary.PerDomain["acme.com"])
	assert.Equal(t, 1, summary.PerDomain["beta.org"], "policy domains are normalized before matching")
}

func TestRunOnceSkipsExplicitlyHeldMessages(t *testing.T) {
	docs := []index.Document{expiredDoc("held-msg", "acme.com", 10*24*time.Hour)}
	w, blobs, idx := newTestWorker(t, docs, &fakeHolds{held: []string{"held-msg"}}, policyFor(1, "acme.com"))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Purged)
	assert.Equal(t, 1, summary.Protected)

	_, err = idx.Get(context.Background(), "held-msg")
	assert.NoError(t, err)
	assert.Equal(t, 1, blobs.Len())
}

func TestRunOnceSkipsCriteriaHeldMessages(t *testing.T) {
	docs := []index.Document{expiredDoc("from-alice", "acme.com", 10*24*time.Hour)}
	hs := &fakeHolds{criteria: []store.HoldCriteria{{From: "alice@acme.com"}}}
	w, _, idx := newTestWorker(t, docs, hs, policyFor(1, "acme.com"))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Purged)
	assert.Equal(t, 1, summary.Protected)

	_, err = idx.Get(context.Background(), "from-alice")
	assert.NoError(t, err, "an active account hold blocks the purge")
}

func TestRunOnceNeverPurgesUndatedMessages(t *testing.T) {
	undated := expiredDoc("undated", "acme.com", 0)
	undated.DateTimestamp = 0
	w, blobs, idx := newTestWorker(t, []index.Document{undated}, &fakeHolds{}, policyFor(1, "acme.com"))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Examined)
	assert.Equal(t, 0, summary.Purged)

	_, err = idx.Get(context.Background(), "undated")
	assert.NoError(t, err)
	assert.Equal(t, 1, blobs.Len())
}

func TestRunOnceWithoutPoliciesDoesNothing(t *testing.T) {
	hs := &fakeHolds{}
	w, _, _ := newTestWorker(t, []index.Document{expiredDoc("old", "acme.com", 10*24*time.Hour)}, hs)

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Policies)
	assert.Equal(t, 0, summary.Purged)
	assert.Equal(t, 0, hs.calls, "holds are not consulted when there is nothing to purge")
}

func TestRunOncePolicyLoadFailure(t *testing.T) {
	w := NewWorker(&fakePolicies{err: errors.New("db down")}, &fakeHolds{}, index.NewMemory(), blob.NewMemory(), nil)

	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnceAbortsWhenHoldsUnreachable(t *testing.T) {
	docs := []index.Document{expiredDoc("old", "acme.com", 10*24*time.Hour)}
	w, blobs, idx := newTestWorker(t, docs, &fakeHolds{failFrom: 1}, policyFor(1, "acme.com"))

	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)

	_, err = idx.Get(context.Background(), "old")
	assert.NoError(t, err, "nothing is deleted while hold state is unknown")
	assert.Equal(t, 1, blobs.Len())
}

func TestRunOnceRefreshesHoldsBeforeDeleting(t *testing.T) {
	docs := []index.Document{expiredDoc("old", "acme.com", 10*24*time.Hour)}
	hs := &fakeHolds{}
	w, _, _ := newTestWorker(t, docs, hs, policyFor(1, "acme.com"))

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, hs.calls, "one pass-level load plus one refresh per candidate batch")
}

func TestRunOnceRefreshFailureKeepsBatch(t *testing.T) {
	docs := []index.Document{expiredDoc("old", "acme.com", 10*24*time.Hour)}
	hs := &fakeHolds{failFrom: 2}
	w, blobs, idx := newTestWorker(t, docs, hs, policyFor(1, "acme.com"))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Purged)
	assert.Equal(t, 1, summary.Failures)

	_, err = idx.Get(context.Background(), "old")
	assert.NoError(t, err)
	assert.Equal(t, 1, blobs.Len())
}

func TestRunOnceBlobDeleteFailure(t *testing.T) {
	docs := []index.Document{expiredDoc("old", "acme.com", 10*24*time.Hour)}
	blobs := blob.NewMemory()
	idx := index.NewMemory()
	require.NoError(t, idx.Upsert(context.Background(), docs))
	w := NewWorker(&fakePolicies{policies: []store.RetentionPolicy{policyFor(1, "acme.com")}},
		&fakeHolds{}, idx, deleteFailBlobs{blobs}, nil)

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Purged)
	assert.Equal(t, 1, summary.Failures)

	_, err = idx.Get(context.Background(), "old")
	assert.ErrorIs(t, err, index.ErrNotFound, "the index entry goes first either way")
}

func TestRunOnceHonorsCancellation(t *testing.T) {
	docs := []index.Document{expiredDoc("old", "acme.com", 10*24*time.Hour)}
	w, blobs, _ := newTestWorker(t, docs, &fakeHolds{}, policyFor(1, "acme.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, blobs.Len())
}

func TestTriggerNeverBlocks(t *testing.T) {
	w := NewWorker(&fakePolicies{}, &fakeHolds{}, index.NewMemory(), blob.NewMemory(), nil)
	w.Trigger()
	w.Trigger()
	assert.Len(t, w.kick, 1, "pending triggers coalesce")
}

func TestPassInvokesObserver(t *testing.T) {
	w, _, _ := newTestWorker(t, nil, &fakeHolds{}, policyFor(1, "acme.com"))
	var got *Summary
	w.OnPass = func(s *Summary) { got = s }

	w.pass(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Policies)
}
