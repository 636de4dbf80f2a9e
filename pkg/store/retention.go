package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RetentionPolicy schedules expiry for messages on a set of domains. A
// nil OrgID marks a platform-wide policy managed by super admins.
type RetentionPolicy struct {
	ID            int64     `json:"id"`
	OrgID         *int64    `json:"org_id,omitempty"`
	Name          string    `json:"name"`
	Domains       []string  `json:"domains"`
	RetentionDays int       `json:"retention_days"`
	Action        string    `json:"action"`
	CreatedAt     time.Time `json:"created_at"`
	Active        bool      `json:"active"`
}

const retentionColumns = `id, org_id, name, domains, retention_days, action, created_at, active`

func scanPolicy(scan func(...any) error) (*RetentionPolicy, error) {
	var (
		p       RetentionPolicy
		orgID   sql.NullInt64
		domains []byte
	)
	if err := scan(&p.ID, &orgID, &p.Name, &domains, &p.RetentionDays, &p.Action, &p.CreatedAt, &p.Active); err != nil {
		return nil, fmt.Errorf("store: failed to scan retention policy: %w", err)
	}
	if orgID.Valid {
		p.OrgID = &orgID.Int64
	}
	p.Domains = []string{}
	if len(domains) > 0 {
		if err := json.Unmarshal(domains, &p.Domains); err != nil {
			return nil, fmt.Errorf("store: failed to decode policy domains: %w", err)
		}
	}
	return &p, nil
}

// CreatePolicy inserts a retention policy.
func (s *Store) CreatePolicy(ctx context.Context, p *RetentionPolicy) error {
	if p.Domains == nil {
		p.Domains = []string{}
	}
	domains, err := json.Marshal(p.Domains)
	if err != nil {
		return fmt.Errorf("store: failed to encode policy domains: %w", err)
	}
	var orgID sql.NullInt64
	if p.OrgID != nil {
		orgID = sql.NullInt64{Int64: *p.OrgID, Valid: true}
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO retention_policies (org_id, name, domains, retention_days, action)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, active`,
		orgID, p.Name, domains, p.RetentionDays, p.Action).
		Scan(&p.ID, &p.CreatedAt, &p.Active)
	if err != nil {
		return fmt.Errorf("store: failed to create retention policy: %w", err)
	}
	return nil
}

// ListPolicies returns one organization's policies, or the global ones
// when orgID is nil.
func (s *Store) ListPolicies(ctx context.Context, orgID *int64) ([]RetentionPolicy, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if orgID != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+retentionColumns+` FROM retention_policies WHERE org_id = $1 ORDER BY created_at DESC`, *orgID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+retentionColumns+` FROM retention_policies WHERE org_id IS NULL ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to list retention policies: %w", err)
	}
	defer rows.Close()
	return collectPolicies(rows)
}

// ActivePolicies returns every active policy, tenant and global alike.
// The retention worker walks this on each pass; inactive policies
// never delete anything.
func (s *Store) ActivePolicies(ctx context.Context) ([]RetentionPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retentionColumns+` FROM retention_policies WHERE active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list active policies: %w", err)
	}
	defer rows.Close()
	return collectPolicies(rows)
}

func collectPolicies(rows *sql.Rows) ([]RetentionPolicy, error) {
	var policies []RetentionPolicy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// DeletePolicy removes a policy. A non-nil orgID restricts the delete
// to that tenant's policies; nil targets global ones only.
func (s *Store) DeletePolicy(ctx context.Context, id int64, orgID *int64) error {
	var (
		res sql.Result
		err error
	)
	if orgID != nil {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM retention_policies WHERE id = $1 AND org_id = $2`, id, *orgID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM retention_policies WHERE id = $1 AND org_id IS NULL`, id)
	}
	if err != nil {
		return fmt.Errorf("store: failed to delete retention policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to delete retention policy: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
