package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// HoldCriteria is the preservation predicate of a legal hold. From and
// To match addresses exactly, Q is a case-insensitive keyword matched
// against subject and participants.
type HoldCriteria struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Q    string `json:"q,omitempty"`
}

// IsZero reports whether no criterion is set.
func (c HoldCriteria) IsZero() bool {
	return c.From == "" && c.To == "" && c.Q == ""
}

// LegalHold preserves messages from deletion. PublicID is the opaque
// identifier exposed over the API; the serial ID never leaves the
// database layer.
type LegalHold struct {
	ID        int64        `json:"-"`
	PublicID  string       `json:"id"`
	OrgID     int64        `json:"-"`
	Name      string       `json:"name"`
	Reason    string       `json:"reason"`
	Criteria  HoldCriteria `json:"criteria"`
	CreatedBy string       `json:"created_by"`
	CreatedAt time.Time    `json:"created_at"`
	Active    bool         `json:"active"`
	ItemCount int64        `json:"item_count"`
}

// HoldItem is one preserved message inside a hold.
type HoldItem struct {
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"added_at"`
}

func decodeCriteria(raw []byte, c *HoldCriteria) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("store: failed to decode hold criteria: %w", err)
	}
	return nil
}

// ListHolds returns an organization's holds with their item counts,
// newest first.
func (s *Store) ListHolds(ctx context.Context, orgID int64) ([]LegalHold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.public_id, h.name, h.reason, h.filter_criteria, h.created_by, h.created_at, h.active, COUNT(i.id) AS item_count
		FROM legal_holds h
		LEFT JOIN legal_hold_items i ON h.id = i.hold_id
		WHERE h.org_id = $1
		GROUP BY h.id
		ORDER BY h.created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list holds: %w", err)
	}
	defer rows.Close()

	var holds []LegalHold
	for rows.Next() {
		h := LegalHold{OrgID: orgID}
		var (
			reason    sql.NullString
			createdBy sql.NullString
			criteria  []byte
		)
		if err := rows.Scan(&h.ID, &h.PublicID, &h.Name, &reason, &criteria, &createdBy, &h.CreatedAt, &h.Active, &h.ItemCount); err != nil {
			return nil, fmt.Errorf("store: failed to scan hold: %w", err)
		}
		h.Reason = reason.String
		h.CreatedBy = createdBy.String
		if err := decodeCriteria(criteria, &h.Criteria); err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// CreateHold inserts a hold. Names are unique per organization.
func (s *Store) CreateHold(ctx context.Context, h *LegalHold) error {
	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM legal_holds WHERE name = $1 AND org_id = $2`, h.Name, h.OrgID).Scan(&existing)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: failed to check hold name: %w", err)
	}

	criteria, err := json.Marshal(h.Criteria)
	if err != nil {
		return fmt.Errorf("store: failed to encode hold criteria: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO legal_holds (org_id, public_id, name, reason, filter_criteria, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, active`,
		h.OrgID, h.PublicID, h.Name, h.Reason, criteria, h.CreatedBy).
		Scan(&h.ID, &h.CreatedAt, &h.Active)
	if err != nil {
		return fmt.Errorf("store: failed to create hold: %w", err)
	}
	return nil
}

// GetHoldByPublicID loads one hold scoped to an organization.
func (s *Store) GetHoldByPublicID(ctx context.Context, publicID string, orgID int64) (*LegalHold, error) {
	h := LegalHold{OrgID: orgID}
	var (
		reason    sql.NullString
		createdBy sql.NullString
		criteria  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_id, name, reason, filter_criteria, created_by, created_at, active
		FROM legal_holds WHERE public_id = $1 AND org_id = $2`, publicID, orgID).
		Scan(&h.ID, &h.PublicID, &h.Name, &reason, &criteria, &createdBy, &h.CreatedAt, &h.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get hold: %w", err)
	}
	h.Reason = reason.String
	h.CreatedBy = createdBy.String
	if err := decodeCriteria(criteria, &h.Criteria); err != nil {
		return nil, err
	}
	return &h, nil
}

// ReleaseHold deactivates a hold. Its items remain preserved; release
// only stops the criteria from matching new messages.
func (s *Store) ReleaseHold(ctx context.Context, publicID string, orgID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE legal_holds SET active = FALSE WHERE public_id = $1 AND org_id = $2`, publicID, orgID)
	if err != nil {
		return fmt.Errorf("store: failed to release hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to release hold: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddHoldItems attaches message IDs to a hold, skipping ones already
// attached.
func (s *Store) AddHoldItems(ctx context.Context, holdID int64, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO legal_hold_items (hold_id, message_id) VALUES ($1, $2)
		 ON CONFLICT (hold_id, message_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare hold item insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, holdID, id); err != nil {
			return fmt.Errorf("store: failed to insert hold item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit hold items: %w", err)
	}
	return nil
}

// HoldItems lists the newest preserved messages of a hold.
func (s *Store) HoldItems(ctx context.Context, holdID int64, limit int) ([]HoldItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, created_at FROM legal_hold_items
		 WHERE hold_id = $1 ORDER BY created_at DESC LIMIT $2`, holdID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list hold items: %w", err)
	}
	defer rows.Close()

	var items []HoldItem
	for rows.Next() {
		var it HoldItem
		if err := rows.Scan(&it.MessageID, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan hold item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// HeldMessageIDs returns every message preserved by any of the
// organization's holds, released ones included.
func (s *Store) HeldMessageIDs(ctx context.Context, orgID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT i.message_id
		FROM legal_hold_items i
		JOIN legal_holds h ON i.hold_id = h.id
		WHERE h.org_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list held messages: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// AllHeldMessageIDs returns every preserved message across all
// tenants. The retention worker snapshots this before a deletion pass.
func (s *Store) AllHeldMessageIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT message_id FROM legal_hold_items`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list held messages: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ActiveHoldCriteria returns the criteria of active holds, either for
// one organization or globally when orgID is nil.
func (s *Store) ActiveHoldCriteria(ctx context.Context, orgID *int64) ([]HoldCriteria, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if orgID != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT filter_criteria FROM legal_holds WHERE org_id = $1 AND active = TRUE`, *orgID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT filter_criteria FROM legal_holds WHERE active = TRUE`)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to list hold criteria: %w", err)
	}
	defer rows.Close()

	var criteria []HoldCriteria
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: failed to scan hold criteria: %w", err)
		}
		var c HoldCriteria
		if err := decodeCriteria(raw, &c); err != nil {
			return nil, err
		}
		if !c.IsZero() {
			criteria = append(criteria, c)
		}
	}
	return criteria, rows.Err()
}

// CountActiveHolds counts an organization's active holds.
func (s *Store) CountActiveHolds(ctx context.Context, orgID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM legal_holds WHERE org_id = $1 AND active = TRUE`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count holds: %w", err)
	}
	return n, nil
}

// CountHeldItems counts preserved messages across all of an
// organization's holds.
func (s *Store) CountHeldItems(ctx context.Context, orgID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(i.id)
		FROM legal_hold_items i
		JOIN legal_holds h ON i.hold_id = h.id
		WHERE h.org_id = $1`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count held items: %w", err)
	}
	return n, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("store: failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
