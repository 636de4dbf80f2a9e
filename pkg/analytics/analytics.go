// Package analytics aggregates archive figures for the admin surfaces.
// Every number is a point-in-time read assembled from the index and the
// relational store; responses are cached briefly so dashboard polling
// does not hammer either backend.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openarchive/openarchive/pkg/index"
)

const (
	// avgMessageSize is the per-message storage estimate. The index
	// cannot sum the size field, so volume is approximated.
	avgMessageSize = 50000

	auditorRole = "auditor"

	// agentWindow is how recent a heartbeat must be for an agent to
	// count as online.
	agentWindow = 5 * time.Minute

	defaultTTL = 30 * time.Second
)

// Store supplies the relational counters behind the figures.
type Store interface {
	CountActiveHolds(ctx context.Context, orgID int64) (int64, error)
	CountHeldItems(ctx context.Context, orgID int64) (int64, error)
	CountUsersByRole(ctx context.Context, orgID int64, role string) (int64, error)
	CountOpenCases(ctx context.Context, orgID int64) (int64, error)
	CountOrganizations(ctx context.Context) (int64, error)
	CountUsers(ctx context.Context) (int64, error)
	CountOnlineAgents(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// DomainSource resolves an organization's owned domains.
type DomainSource interface {
	Domains(ctx context.Context, orgID int64) ([]string, error)
}

// OrgAnalytics is the per-tenant compliance overview.
type OrgAnalytics struct {
	TotalMessages      int64   `json:"total_messages"`
	ActiveHolds        int64   `json:"active_holds"`
	HeldItems          int64   `json:"held_items"`
	StorageVolumeBytes int64   `json:"storage_volume_bytes"`
	HoldRatio          float64 `json:"hold_ratio"`
}

// ClientStats is the dashboard shape served to client admins.
type ClientStats struct {
	TotalEmails    int64 `json:"total_emails"`
	ActiveAuditors int64 `json:"active_auditors"`
	ActiveHolds    int64 `json:"active_holds"`
	OpenCases      int64 `json:"open_cases"`
	StorageUsed    int64 `json:"storage_used"`
}

// SuperStats is the dashboard shape served to super admins.
type SuperStats struct {
	TotalEmails        int64 `json:"total_emails"`
	TotalOrganizations int64 `json:"total_organizations"`
	OnlineAgents       int64 `json:"online_agents"`
	TotalUsers         int64 `json:"total_users"`
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// Service computes and caches the figures.
type Service struct {
	store   Store
	idx     index.Index
	domains DomainSource
	logger  *slog.Logger
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds the service. A non-positive ttl selects the default.
func New(st Store, idx index.Index, domains DomainSource, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		idx:     idx,
		domains: domains,
		logger:  logger.With("component", "analytics"),
		ttl:     ttl,
		cache:   map[string]cacheEntry{},
	}
}

// OrgAnalytics reports one organization's archive volume and hold load.
func (s *Service) OrgAnalytics(ctx context.Context, orgID int64) (*OrgAnalytics, error) {
	v, err := s.cached(fmt.Sprintf("analytics:%d", orgID), func() (any, error) {
		stats, err := s.idx.Stats(ctx, fmt.Sprintf("org_id = %d", orgID))
		if err != nil {
			return nil, fmt.Errorf("analytics: failed to count messages: %w", err)
		}
		holds, err := s.store.CountActiveHolds(ctx, orgID)
		if err != nil {
			return nil, err
		}
		held, err := s.store.CountHeldItems(ctx, orgID)
		if err != nil {
			return nil, err
		}
		total := stats.NumberOfDocuments
		out := &OrgAnalytics{
			TotalMessages:      total,
			ActiveHolds:        holds,
			HeldItems:          held,
			StorageVolumeBytes: total * avgMessageSize,
		}
		if total > 0 {
			out.HoldRatio = float64(held) / float64(total)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*OrgAnalytics), nil
}

// ClientStats reports the client-admin dashboard figures. Message volume
// counts by the organization's owned domains, matching what its users
// can search; an organization with no domains yet falls back to strict
// membership so it never sees platform-wide numbers.
func (s *Service) ClientStats(ctx context.Context, orgID int64) (*ClientStats, error) {
	v, err := s.cached(fmt.Sprintf("client:%d", orgID), func() (any, error) {
		filter := fmt.Sprintf("org_id = %d", orgID)
		domains, err := s.domains.Domains(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("analytics: failed to resolve domains: %w", err)
		}
		if len(domains) > 0 {
			parts := make([]string, len(domains))
			for i, d := range domains {
				parts[i] = fmt.Sprintf("domains = %q", d)
			}
			filter = "(" + strings.Join(parts, " OR ") + ")"
		}
		stats, err := s.idx.Stats(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("analytics: failed to count messages: %w", err)
		}
		auditors, err := s.store.CountUsersByRole(ctx, orgID, auditorRole)
		if err != nil {
			return nil, err
		}
		holds, err := s.store.CountActiveHolds(ctx, orgID)
		if err != nil {
			return nil, err
		}
		cases, err := s.store.CountOpenCases(ctx, orgID)
		if err != nil {
			return nil, err
		}
		return &ClientStats{
			TotalEmails:    stats.NumberOfDocuments,
			ActiveAuditors: auditors,
			ActiveHolds:    holds,
			OpenCases:      cases,
			StorageUsed:    stats.NumberOfDocuments * avgMessageSize,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClientStats), nil
}

// SuperStats reports the platform-wide dashboard figures.
func (s *Service) SuperStats(ctx context.Context) (*SuperStats, error) {
	v, err := s.cached("super", func() (any, error) {
		stats, err := s.idx.Stats(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("analytics: failed to count messages: %w", err)
		}
		orgs, err := s.store.CountOrganizations(ctx)
		if err != nil {
			return nil, err
		}
		agents, err := s.store.CountOnlineAgents(ctx, agentWindow)
		if err != nil {
			return nil, err
		}
		users, err := s.store.CountUsers(ctx)
		if err != nil {
			return nil, err
		}
		return &SuperStats{
			TotalEmails:        stats.NumberOfDocuments,
			TotalOrganizations: orgs,
			OnlineAgents:       agents,
			TotalUsers:         users,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SuperStats), nil
}

func (s *Service) cached(key string, fill func() (any, error)) (any, error) {
	s.mu.Lock()
	if e, ok := s.cache[key]; ok && time.Now().Before(e.expires) {
		s.mu.Unlock()
		return e.value, nil
	}
	s.mu.Unlock()

	value, err := fill()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[key] = cacheEntry{value: value, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return value, nil
}
