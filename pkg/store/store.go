// Package store is the relational persistence layer for the archive
// control plane: organizations, users, the hash-chained audit trail,
// legal holds, retention policies, review cases and sidecar agent
// registrations. Message content never lives here; it stays in the
// blob store and the search index.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/openarchive/openarchive/pkg/auth"
)

var (
	// ErrNotFound is returned when a row does not exist or is not
	// visible to the requesting organization.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a uniqueness constraint such as an
	// organization slug or username would be violated.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrWrongOrg is returned when a write references rows owned by a
	// different organization.
	ErrWrongOrg = errors.New("store: row belongs to another organization")
)

// DefaultOrgSlug identifies the organization that unmatched mail is
// attributed to.
const DefaultOrgSlug = "default"

// Store provides typed access to the control-plane database.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect to database: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE,
	domains TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('super_admin', 'client_admin', 'auditor')),
	org_id INTEGER REFERENCES organizations(id),
	domains JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id SERIAL PRIMARY KEY,
	org_id INTEGER REFERENCES organizations(id),
	username TEXT NOT NULL,
	action TEXT NOT NULL,
	details JSONB,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	previous_hash TEXT NOT NULL,
	current_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_org_id ON audit_logs (org_id, id);

ALTER TABLE audit_logs ENABLE ROW LEVEL SECURITY;

DO $$
BEGIN
	IF NOT EXISTS (SELECT FROM pg_policies WHERE tablename = 'audit_logs' AND policyname = 'org_isolation_policy') THEN
		CREATE POLICY org_isolation_policy ON audit_logs
		USING (org_id::text = current_setting('app.current_org_id', true) OR current_setting('app.current_role', true) = 'super_admin');
	END IF;
END $$;

CREATE TABLE IF NOT EXISTS legal_holds (
	id SERIAL PRIMARY KEY,
	org_id INTEGER REFERENCES organizations(id),
	public_id TEXT UNIQUE,
	name TEXT NOT NULL,
	reason TEXT,
	filter_criteria JSONB,
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS legal_hold_items (
	id SERIAL PRIMARY KEY,
	hold_id INTEGER REFERENCES legal_holds(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (hold_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_legal_hold_items_hold_id ON legal_hold_items (hold_id);

CREATE TABLE IF NOT EXISTS retention_policies (
	id SERIAL PRIMARY KEY,
	org_id INTEGER REFERENCES organizations(id),
	name TEXT NOT NULL,
	domains JSONB NOT NULL DEFAULT '[]',
	retention_days INTEGER NOT NULL,
	action TEXT NOT NULL DEFAULT 'PERMANENT_DELETE',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS cases (
	id SERIAL PRIMARY KEY,
	org_id INTEGER REFERENCES organizations(id),
	name TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'OPEN',
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS case_items (
	id SERIAL PRIMARY KEY,
	case_id INTEGER REFERENCES cases(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL,
	tags JSONB NOT NULL DEFAULT '[]',
	added_by TEXT,
	added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	assignee_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
	review_status TEXT NOT NULL DEFAULT 'PENDING',
	UNIQUE (case_id, message_id)
);

CREATE TABLE IF NOT EXISTS sidecar_agents (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	hostname TEXT NOT NULL,
	org_id INTEGER REFERENCES organizations(id),
	status TEXT NOT NULL DEFAULT 'OFFLINE',
	last_seen TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (name, hostname)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	body BYTEA,
	cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Init creates the schema if it does not exist. It is idempotent and
// safe to run on every startup.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return nil
}

// Seed inserts the default organization and, on a fresh database, the
// initial super_admin account. An existing admin user is never touched,
// so rotated credentials survive restarts.
func (s *Store) Seed(ctx context.Context, adminPassword string) (created bool, err error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (name, slug)
		VALUES ('Default Organization', $1)
		ON CONFLICT (slug) DO NOTHING`, DefaultOrgSlug); err != nil {
		return false, fmt.Errorf("store: failed to seed default organization: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = 'admin')`).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: failed to check for admin user: %w", err)
	}
	if exists {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("store: failed to hash admin password: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, org_id)
		SELECT 'admin', $1, $2, id FROM organizations WHERE slug = $3`,
		string(hash), auth.RoleSuperAdmin, DefaultOrgSlug); err != nil {
		return false, fmt.Errorf("store: failed to seed admin user: %w", err)
	}
	return true, nil
}
