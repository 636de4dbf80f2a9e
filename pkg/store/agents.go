package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sidecar agent statuses as reported by ListAgents. ONLINE and STALE
// are derived from last_seen at read time; OFFLINE is the stored
// default for agents that never checked in.
const (
	AgentOnline  = "ONLINE"
	AgentStale   = "STALE"
	AgentOffline = "OFFLINE"
)

// Agent is a registered sidecar capture node.
type Agent struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Hostname  string     `json:"hostname"`
	OrgID     int64      `json:"org_id"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
}

// RecordHeartbeat registers an agent on first contact and refreshes
// its last_seen on every later one.
func (s *Store) RecordHeartbeat(ctx context.Context, name, hostname string, orgID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sidecar_agents (name, hostname, org_id, status, last_seen)
		VALUES ($1, $2, $3, 'ONLINE', NOW())
		ON CONFLICT (name, hostname) DO UPDATE
		SET last_seen = NOW(), status = 'ONLINE', org_id = EXCLUDED.org_id`,
		name, hostname, orgID)
	if err != nil {
		return fmt.Errorf("store: failed to record heartbeat: %w", err)
	}
	return nil
}

// ListAgents returns all agents, most recently seen first. Agents seen
// longer than staleAfter ago are reported STALE regardless of their
// stored status.
func (s *Store) ListAgents(ctx context.Context, staleAfter time.Duration) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hostname, org_id, status, last_seen, created_at
		FROM sidecar_agents
		ORDER BY last_seen DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list agents: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var agents []Agent
	for rows.Next() {
		var (
			a        Agent
			orgID    sql.NullInt64
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Hostname, &orgID, &a.Status, &lastSeen, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan agent: %w", err)
		}
		a.OrgID = orgID.Int64
		if lastSeen.Valid {
			t := lastSeen.Time
			a.LastSeen = &t
			if now.Sub(t) <= staleAfter {
				a.Status = AgentOnline
			} else {
				a.Status = AgentStale
			}
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountOnlineAgents counts agents with a heartbeat inside the
// staleness window.
func (s *Store) CountOnlineAgents(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sidecar_agents WHERE last_seen > $1`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count online agents: %w", err)
	}
	return n, nil
}
