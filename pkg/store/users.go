package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openarchive/openarchive/pkg/auth"
)

// User is an authenticated principal. Domains narrows what an auditor
// may search to a subset of the organization's domains; empty means
// the whole organization.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	OrgID        int64     `json:"org_id"`
	Domains      []string  `json:"domains"`
	CreatedAt    time.Time `json:"created_at"`
	PasswordHash string    `json:"-"`
}

// CheckPassword compares a candidate password against the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func scanUserDomains(raw []byte, u *User) error {
	u.Domains = []string{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &u.Domains); err != nil {
		return fmt.Errorf("store: failed to decode user domains: %w", err)
	}
	return nil
}

// GetUserByUsername loads a user with their password hash for login.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var (
		u       User
		orgID   sql.NullInt64
		domains []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, org_id, domains, created_at
		 FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &orgID, &domains, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get user: %w", err)
	}
	u.OrgID = orgID.Int64
	if err := scanUserDomains(domains, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns the users of one organization, or every
// client_admin across tenants when orgID is nil (the platform view).
func (s *Store) ListUsers(ctx context.Context, orgID *int64) ([]User, error) {
	query := `SELECT id, username, role, org_id, domains, created_at FROM users WHERE role = $1 ORDER BY id ASC`
	arg := any(auth.RoleClientAdmin)
	if orgID != nil {
		query = `SELECT id, username, role, org_id, domains, created_at FROM users WHERE org_id = $1 ORDER BY id ASC`
		arg = *orgID
	}
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u       User
			org     sql.NullInt64
			domains []byte
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &org, &domains, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan user: %w", err)
		}
		u.OrgID = org.Int64
		if err := scanUserDomains(domains, &u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateUser hashes the password and inserts the user. The username
// must be unique across all organizations.
func (s *Store) CreateUser(ctx context.Context, u *User, password string) error {
	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = $1`, u.Username).Scan(&existing)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: failed to check username: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("store: failed to hash password: %w", err)
	}
	if u.Domains == nil {
		u.Domains = []string{}
	}
	domains, err := json.Marshal(u.Domains)
	if err != nil {
		return fmt.Errorf("store: failed to encode user domains: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, role, org_id, domains)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		u.Username, string(hash), u.Role, u.OrgID, domains).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to create user: %w", err)
	}
	u.PasswordHash = string(hash)
	return nil
}

// DeleteUser removes a user. A non-nil orgID restricts the delete to
// that organization's own users.
func (s *Store) DeleteUser(ctx context.Context, id int64, orgID *int64) error {
	var (
		res sql.Result
		err error
	)
	if orgID != nil {
		res, err = s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1 AND org_id = $2`, id, *orgID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("store: failed to delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to delete user: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the total number of users across all tenants.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count users: %w", err)
	}
	return n, nil
}

// CountUsersByRole counts users with one role inside an organization.
func (s *Store) CountUsersByRole(ctx context.Context, orgID int64, role string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE org_id = $1 AND role = $2`, orgID, role).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count users: %w", err)
	}
	return n, nil
}
