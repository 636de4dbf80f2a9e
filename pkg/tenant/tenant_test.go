package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	orgIDs      map[string][]int64
	orgDomains  map[int64][]string
	resolveHits int
	domainHits  int
}

func (s *stubDirectory) OrgIDsByDomains(_ context.Context, domains []string) ([]int64, error) {
	s.resolveHits++
	seen := map[int64]struct{}{}
	var out []int64
	for _, d := range domains {
		for _, id := range s.orgIDs[d] {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (s *stubDirectory) OrgDomains(_ context.Context, orgID int64) ([]string, error) {
	s.domainHits++
	return s.orgDomains[orgID], nil
}

func TestResolveMatchesClaimedDomains(t *testing.T) {
	dir := &stubDirectory{orgIDs: map[string][]int64{
		"acme.com":  {7},
		"partner.io": {7, 9},
	}}
	r := NewResolver(dir, time.Minute)

	ids, err := r.Resolve(context.Background(), []string{"ACME.com ", "partner.io"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{7, 9}, ids)
}

func TestResolveUnknownDomainsIsEmptyNotError(t *testing.T) {
	dir := &stubDirectory{orgIDs: map[string][]int64{}}
	r := NewResolver(dir, time.Minute)

	ids, err := r.Resolve(context.Background(), []string{"nobody.example"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResolveCachesByNormalizedKey(t *testing.T) {
	dir := &stubDirectory{orgIDs: map[string][]int64{"acme.com": {7}}}
	r := NewResolver(dir, time.Minute)

	_, err := r.Resolve(context.Background(), []string{"acme.com", "beta.org"})
	require.NoError(t, err)
	// Same set, different order and casing, must be a cache hit.
	_, err = r.Resolve(context.Background(), []string{"BETA.ORG", "acme.com"})
	require.NoError(t, err)

	assert.Equal(t, 1, dir.resolveHits)
}

func TestResolveExpiredEntryRefetches(t *testing.T) {
	dir := &stubDirectory{orgIDs: map[string][]int64{"acme.com": {7}}}
	r := NewResolver(dir, 10*time.Millisecond)

	_, err := r.Resolve(context.Background(), []string{"acme.com"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = r.Resolve(context.Background(), []string{"acme.com"})
	require.NoError(t, err)

	assert.Equal(t, 2, dir.resolveHits)
}

func TestDomainsCachedPerOrg(t *testing.T) {
	dir := &stubDirectory{orgDomains: map[int64][]string{5: {"acme.com", "acme.co.uk"}}}
	r := NewResolver(dir, time.Minute)

	first, err := r.Domains(context.Background(), 5)
	require.NoError(t, err)
	second, err := r.Domains(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, []string{"acme.com", "acme.co.uk"}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, dir.domainHits)
}

func TestInvalidateDropsCache(t *testing.T) {
	dir := &stubDirectory{orgIDs: map[string][]int64{"acme.com": {7}}}
	r := NewResolver(dir, time.Minute)

	_, err := r.Resolve(context.Background(), []string{"acme.com"})
	require.NoError(t, err)
	r.Invalidate()
	_, err = r.Resolve(context.Background(), []string{"acme.com"})
	require.NoError(t, err)

	assert.Equal(t, 2, dir.resolveHits)
}

func TestNormalize(t *testing.T) {
	got := Normalize([]string{" B.com", "a.com", "b.COM", "", "a.com"})
	assert.Equal(t, []string{"a.com", "b.com"}, got)
}
