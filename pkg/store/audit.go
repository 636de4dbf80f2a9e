package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AuditEntry is one link in an organization's tamper-evident audit
// chain. CurrentHash commits to the previous hash, the actor, the
// action and the canonicalized details, so rewriting history breaks
// every later link.
type AuditEntry struct {
	ID           int64           `json:"id"`
	OrgID        int64           `json:"org_id"`
	Username     string          `json:"username"`
	Action       string          `json:"action"`
	Details      json.RawMessage `json:"details"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	CurrentHash  string          `json:"current_hash"`
}

// LastAuditHash returns the newest entry's hash for one organization.
// ErrNotFound means the chain is empty and the caller should anchor on
// the root sentinel.
func (s *Store) LastAuditHash(ctx context.Context, orgID int64) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT current_hash FROM audit_logs WHERE org_id = $1 ORDER BY id DESC LIMIT 1`, orgID).
		Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to get last audit hash: %w", err)
	}
	return hash, nil
}

// InsertAuditEntry appends an entry whose hashes were already
// computed. The database assigns ID and timestamp.
func (s *Store) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO audit_logs (org_id, username, action, details, previous_hash, current_hash)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, timestamp`,
		e.OrgID, e.Username, e.Action, []byte(e.Details), e.PreviousHash, e.CurrentHash).
		Scan(&e.ID, &e.Timestamp)
	if err != nil {
		return fmt.Errorf("store: failed to insert audit entry: %w", err)
	}
	return nil
}

// ForEachAuditEntryAsc streams an organization's chain oldest first.
// Returning an error from fn stops the walk and propagates the error.
func (s *Store) ForEachAuditEntryAsc(ctx context.Context, orgID int64, fn func(e *AuditEntry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, action, details, previous_hash, current_hash
		 FROM audit_logs WHERE org_id = $1 ORDER BY id ASC`, orgID)
	if err != nil {
		return fmt.Errorf("store: failed to read audit chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := AuditEntry{OrgID: orgID}
		var details []byte
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &details, &e.PreviousHash, &e.CurrentHash); err != nil {
			return fmt.Errorf("store: failed to scan audit entry: %w", err)
		}
		e.Details = details
		if err := fn(&e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecentAuditEntries lists an organization's newest entries.
func (s *Store) RecentAuditEntries(ctx context.Context, orgID int64, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, action, details, timestamp, previous_hash, current_hash
		 FROM audit_logs WHERE org_id = $1 ORDER BY timestamp DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e := AuditEntry{OrgID: orgID}
		var details []byte
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &details, &e.Timestamp, &e.PreviousHash, &e.CurrentHash); err != nil {
			return nil, fmt.Errorf("store: failed to scan audit entry: %w", err)
		}
		e.Details = details
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
