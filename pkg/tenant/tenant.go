// Package tenant resolves which organizations own a message and which
// domains an organization claims. Both lookups sit on the ingest hot path,
// so results are cached in-process with a short TTL under a single lock.
package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultOrgID is the seeded catch-all organization. Messages whose domains
// match no tenant are archived under it rather than dropped.
const DefaultOrgID int64 = 1

// DefaultTTL bounds how long cached resolutions are served before the
// directory is consulted again.
const DefaultTTL = 30 * time.Second

// Directory is the persistent view the resolver caches over.
type Directory interface {
	OrgIDsByDomains(ctx context.Context, domains []string) ([]int64, error)
	OrgDomains(ctx context.Context, orgID int64) ([]string, error)
}

type cachedOrgs struct {
	ids      []int64
	cachedAt time.Time
}

type cachedDomains struct {
	domains  []string
	cachedAt time.Time
}

// Resolver maps message domains to owning organizations and org ids to
// their claimed domains.
type Resolver struct {
	dir Directory
	ttl time.Duration

	mu      sync.RWMutex
	byKey   map[string]cachedOrgs
	domains map[int64]cachedDomains
}

// NewResolver creates a resolver over dir. A non-positive ttl selects
// DefaultTTL.
func NewResolver(dir Directory, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		dir:     dir,
		ttl:     ttl,
		byKey:   make(map[string]cachedOrgs),
		domains: make(map[int64]cachedDomains),
	}
}

// Resolve returns the ids of every organization claiming any of the given
// domains. The result may be empty; callers decide whether that means
// falling back to DefaultOrgID or dropping the message. Input domains are
// normalized to lower case, and the cache key is order-insensitive.
func (r *Resolver) Resolve(ctx context.Context, domains []string) ([]int64, error) {
	normalized := Normalize(domains)
	if len(normalized) == 0 {
		return nil, nil
	}
	key := strings.Join(normalized, ",")

	r.mu.RLock()
	cached, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok && time.Since(cached.cachedAt) < r.ttl {
		return append([]int64(nil), cached.ids...), nil
	}

	ids, err := r.dir.OrgIDsByDomains(ctx, normalized)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byKey[key] = cachedOrgs{ids: ids, cachedAt: time.Now()}
	r.mu.Unlock()
	return append([]int64(nil), ids...), nil
}

// Domains returns the domains claimed by orgID, cached like Resolve.
func (r *Resolver) Domains(ctx context.Context, orgID int64) ([]string, error) {
	r.mu.RLock()
	cached, ok := r.domains[orgID]
	r.mu.RUnlock()
	if ok && time.Since(cached.cachedAt) < r.ttl {
		return append([]string(nil), cached.domains...), nil
	}

	domains, err := r.dir.OrgDomains(ctx, orgID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.domains[orgID] = cachedDomains{domains: domains, cachedAt: time.Now()}
	r.mu.Unlock()
	return append([]string(nil), domains...), nil
}

// Invalidate drops every cached entry. Admin handlers call it after
// organization or domain changes so resolutions pick up the new mapping
// without waiting out the TTL.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.byKey = make(map[string]cachedOrgs)
	r.domains = make(map[int64]cachedDomains)
	r.mu.Unlock()
}

// Normalize lower-cases, trims, de-duplicates, and sorts domains. Empty
// strings are dropped.
func Normalize(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
