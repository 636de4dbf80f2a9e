package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Case groups messages for eDiscovery review.
type Case struct {
	ID          int64     `json:"id"`
	OrgID       int64     `json:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	ItemCount   int64     `json:"item_count"`
}

// CaseItem is one message under review inside a case.
type CaseItem struct {
	ID           int64     `json:"id"`
	CaseID       int64     `json:"case_id,omitempty"`
	CaseName     string    `json:"case_name,omitempty"`
	MessageID    string    `json:"message_id"`
	Tags         []string  `json:"tags"`
	AddedBy      string    `json:"added_by,omitempty"`
	AddedAt      time.Time `json:"added_at"`
	AssigneeID   int64     `json:"assignee_id,omitempty"`
	AssigneeName string    `json:"assignee_name,omitempty"`
	ReviewStatus string    `json:"review_status"`
}

func decodeTags(raw []byte, item *CaseItem) error {
	item.Tags = []string{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &item.Tags); err != nil {
		return fmt.Errorf("store: failed to decode item tags: %w", err)
	}
	return nil
}

// ListCases returns an organization's cases with item counts, newest
// first.
func (s *Store) ListCases(ctx context.Context, orgID int64) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.description, c.status, c.created_by, c.created_at, COUNT(i.id) AS item_count
		FROM cases c
		LEFT JOIN case_items i ON c.id = i.case_id
		WHERE c.org_id = $1
		GROUP BY c.id
		ORDER BY c.created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list cases: %w", err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c := Case{OrgID: orgID}
		var desc, createdBy sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.Status, &createdBy, &c.CreatedAt, &c.ItemCount); err != nil {
			return nil, fmt.Errorf("store: failed to scan case: %w", err)
		}
		c.Description = desc.String
		c.CreatedBy = createdBy.String
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CreateCase inserts a case in OPEN status.
func (s *Store) CreateCase(ctx context.Context, c *Case) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cases (org_id, name, description, created_by)
		 VALUES ($1, $2, $3, $4) RETURNING id, status, created_at`,
		c.OrgID, c.Name, c.Description, c.CreatedBy).Scan(&c.ID, &c.Status, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to create case: %w", err)
	}
	return nil
}

// GetCase loads one case scoped to an organization.
func (s *Store) GetCase(ctx context.Context, id, orgID int64) (*Case, error) {
	c := Case{OrgID: orgID}
	var desc, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, created_by, created_at
		 FROM cases WHERE id = $1 AND org_id = $2`, id, orgID).
		Scan(&c.ID, &c.Name, &desc, &c.Status, &createdBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get case: %w", err)
	}
	c.Description = desc.String
	c.CreatedBy = createdBy.String
	return &c, nil
}

// CaseItems lists a case's items with the assignee's username joined
// in, newest first.
func (s *Store) CaseItems(ctx context.Context, caseID int64) ([]CaseItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.message_id, i.tags, i.added_by, i.added_at, i.review_status, i.assignee_id, u.username AS assignee_name
		FROM case_items i
		LEFT JOIN users u ON i.assignee_id = u.id
		WHERE i.case_id = $1
		ORDER BY i.added_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list case items: %w", err)
	}
	defer rows.Close()

	var items []CaseItem
	for rows.Next() {
		it := CaseItem{CaseID: caseID}
		var (
			tags     []byte
			addedBy  sql.NullString
			assignee sql.NullInt64
			name     sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.MessageID, &tags, &addedBy, &it.AddedAt, &it.ReviewStatus, &assignee, &name); err != nil {
			return nil, fmt.Errorf("store: failed to scan case item: %w", err)
		}
		it.AddedBy = addedBy.String
		it.AssigneeID = assignee.Int64
		it.AssigneeName = name.String
		if err := decodeTags(tags, &it); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// AddCaseItems attaches messages to a case, skipping duplicates. The
// case must belong to the organization.
func (s *Store) AddCaseItems(ctx context.Context, caseID, orgID int64, messageIDs []string, addedBy string) error {
	if _, err := s.GetCase(ctx, caseID, orgID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO case_items (case_id, message_id, added_by) VALUES ($1, $2, $3)
		 ON CONFLICT (case_id, message_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare case item insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, caseID, id, addedBy); err != nil {
			return fmt.Errorf("store: failed to insert case item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit case items: %w", err)
	}
	return nil
}

// CaseMessageIDs returns every message ID attached to a case.
func (s *Store) CaseMessageIDs(ctx context.Context, caseID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM case_items WHERE case_id = $1`, caseID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list case messages: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// BatchAssign points a set of items at one reviewer. If any item
// belongs to another organization's case the whole batch is rejected.
func (s *Store) BatchAssign(ctx context.Context, itemIDs []int64, assigneeID, orgID int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	var foreign int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM case_items ci
		JOIN cases c ON ci.case_id = c.id
		WHERE ci.id = ANY($1) AND c.org_id != $2`, pq.Array(itemIDs), orgID).Scan(&foreign)
	if err != nil {
		return fmt.Errorf("store: failed to check item ownership: %w", err)
	}
	if foreign > 0 {
		return ErrWrongOrg
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE case_items SET assignee_id = $1 WHERE id = ANY($2)`,
		assigneeID, pq.Array(itemIDs)); err != nil {
		return fmt.Errorf("store: failed to assign items: %w", err)
	}
	return nil
}

// AssignmentsForUser lists every item assigned to a reviewer across
// the organization's cases, with the case name joined in.
func (s *Store) AssignmentsForUser(ctx context.Context, userID, orgID int64) ([]CaseItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.case_id, c.name AS case_name, i.message_id, i.tags, i.review_status, i.added_at
		FROM case_items i
		JOIN cases c ON i.case_id = c.id
		WHERE i.assignee_id = $1 AND c.org_id = $2
		ORDER BY i.added_at DESC`, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list assignments: %w", err)
	}
	defer rows.Close()

	var items []CaseItem
	for rows.Next() {
		it := CaseItem{AssigneeID: userID}
		var tags []byte
		if err := rows.Scan(&it.ID, &it.CaseID, &it.CaseName, &it.MessageID, &tags, &it.ReviewStatus, &it.AddedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan assignment: %w", err)
		}
		if err := decodeTags(tags, &it); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) caseItemInOrg(ctx context.Context, itemID, orgID int64) error {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT i.id FROM case_items i
		JOIN cases c ON i.case_id = c.id
		WHERE i.id = $1 AND c.org_id = $2`, itemID, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: failed to check case item: %w", err)
	}
	return nil
}

// UpdateItemTags replaces an item's tag list.
func (s *Store) UpdateItemTags(ctx context.Context, itemID, orgID int64, tags []string) error {
	if err := s.caseItemInOrg(ctx, itemID, orgID); err != nil {
		return err
	}
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("store: failed to encode tags: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE case_items SET tags = $1 WHERE id = $2`, raw, itemID); err != nil {
		return fmt.Errorf("store: failed to update tags: %w", err)
	}
	return nil
}

// UpdateItemStatus sets an item's review status.
func (s *Store) UpdateItemStatus(ctx context.Context, itemID, orgID int64, status string) error {
	if err := s.caseItemInOrg(ctx, itemID, orgID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE case_items SET review_status = $1 WHERE id = $2`, status, itemID); err != nil {
		return fmt.Errorf("store: failed to update review status: %w", err)
	}
	return nil
}

// DeleteCaseItem removes one item from its case.
func (s *Store) DeleteCaseItem(ctx context.Context, itemID, orgID int64) error {
	if err := s.caseItemInOrg(ctx, itemID, orgID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM case_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("store: failed to delete case item: %w", err)
	}
	return nil
}

// DeleteCase removes a case and, via cascade, its items.
func (s *Store) DeleteCase(ctx context.Context, id, orgID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cases WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("store: failed to delete case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to delete case: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenCases counts an organization's cases still in OPEN status.
func (s *Store) CountOpenCases(ctx context.Context, orgID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cases WHERE org_id = $1 AND status = 'OPEN'`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count open cases: %w", err)
	}
	return n, nil
}
