package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Organization is a tenant. Domains drive both mail attribution and
// search scoping, so they are stored as a native array and matched
// with the overlap operator.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Domains   []string  `json:"domains"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOrganizations returns all tenants in creation order.
func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, slug, domains, created_at FROM organizations ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, pq.Array(&o.Domains), &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan organization: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// GetOrganization looks up a tenant by ID.
func (s *Store) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	var o Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, domains, created_at FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.Slug, pq.Array(&o.Domains), &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get organization: %w", err)
	}
	return &o, nil
}

// CreateOrganization inserts a tenant. The slug must be unique.
func (s *Store) CreateOrganization(ctx context.Context, o *Organization) error {
	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM organizations WHERE slug = $1`, o.Slug).Scan(&existing)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: failed to check organization slug: %w", err)
	}

	if o.Domains == nil {
		o.Domains = []string{}
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO organizations (name, slug, domains) VALUES ($1, $2, $3) RETURNING id, created_at`,
		o.Name, o.Slug, pq.Array(o.Domains)).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to create organization: %w", err)
	}
	return nil
}

// DeleteOrganization removes a tenant and everything that references
// it. Indexed messages and blobs are untouched; they are keyed by
// org_id inside the search index, not here.
func (s *Store) DeleteOrganization(ctx context.Context, id int64) error {
	var existing int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM organizations WHERE id = $1`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: failed to check organization: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// Children first. legal_hold_items and case_items cascade from
	// their parents but are deleted explicitly so the order is not a
	// schema detail.
	statements := []string{
		`DELETE FROM legal_hold_items WHERE hold_id IN (SELECT id FROM legal_holds WHERE org_id = $1)`,
		`DELETE FROM legal_holds WHERE org_id = $1`,
		`DELETE FROM case_items WHERE case_id IN (SELECT id FROM cases WHERE org_id = $1)`,
		`DELETE FROM cases WHERE org_id = $1`,
		`DELETE FROM audit_logs WHERE org_id = $1`,
		`DELETE FROM retention_policies WHERE org_id = $1`,
		`DELETE FROM sidecar_agents WHERE org_id = $1`,
		`DELETE FROM users WHERE org_id = $1`,
		`DELETE FROM organizations WHERE id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("store: failed to delete organization data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit organization delete: %w", err)
	}
	return nil
}

// OrgIDsByDomains returns the IDs of every organization whose domain
// list overlaps the given domains. Ingestion uses this to attribute a
// message to all tenants that claim one of its addresses.
func (s *Store) OrgIDsByDomains(ctx context.Context, domains []string) ([]int64, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM organizations WHERE domains && $1`, pq.Array(domains))
	if err != nil {
		return nil, fmt.Errorf("store: failed to resolve domains: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OrgDomains returns the domain list of a single tenant.
func (s *Store) OrgDomains(ctx context.Context, orgID int64) ([]string, error) {
	var domains []string
	err := s.db.QueryRowContext(ctx,
		`SELECT domains FROM organizations WHERE id = $1`, orgID).Scan(pq.Array(&domains))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get organization domains: %w", err)
	}
	return domains, nil
}

// CountOrganizations returns the number of tenants.
func (s *Store) CountOrganizations(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count organizations: %w", err)
	}
	return n, nil
}
