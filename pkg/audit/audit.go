// Package audit maintains one tamper-evident hash chain of
// administrative and system actions per organization. Every entry
// commits to its predecessor, so edits or deletions anywhere in the
// history break all later links and are caught by Verify.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/openarchive/openarchive/pkg/canonicalize"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/store"
)

// RootHash anchors the first entry of every chain.
const RootHash = "ROOT_HASH"

// Recorder appends to and verifies audit chains.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	chains map[int64]*sync.Mutex
}

// NewRecorder wraps the store with chain hashing.
func NewRecorder(st *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  st,
		logger: logger.With("component", "audit"),
		chains: make(map[int64]*sync.Mutex),
	}
}

func (r *Recorder) chainLock(orgID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.chains[orgID]
	if !ok {
		l = &sync.Mutex{}
		r.chains[orgID] = l
	}
	return l
}

// Record appends one entry to an organization's chain. Appends for the
// same organization are serialized so concurrent writers cannot anchor
// on the same predecessor.
func (r *Recorder) Record(ctx context.Context, orgID int64, username, action string, details any) (*store.AuditEntry, error) {
	if details == nil {
		details = map[string]any{}
	}
	canonical, err := canonicalize.JSON(details)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to canonicalize details: %w", err)
	}

	lock := r.chainLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	last, err := r.store.LastAuditHash(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		last = RootHash
	} else if err != nil {
		return nil, err
	}

	entry := &store.AuditEntry{
		OrgID:        orgID,
		Username:     username,
		Action:       action,
		Details:      canonical,
		PreviousHash: last,
		CurrentHash:  entryHash(last, username, action, string(canonical), orgID),
	}
	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		return nil, err
	}
	r.logger.Debug("audit entry recorded", "org_id", orgID, "action", action, "id", entry.ID)
	return entry, nil
}

// entryHash commits to the predecessor, actor, action, canonical
// details and tenant. The database timestamp stays outside the hash so
// storage cannot introduce drift.
func entryHash(previous, username, action, details string, orgID int64) string {
	payload := previous + username + action + details + strconv.FormatInt(orgID, 10)
	return crypto.Digest([]byte(payload))
}

// ChainStatus is the outcome of a full chain verification.
type ChainStatus struct {
	Valid    bool   `json:"valid"`
	LogCount int64  `json:"log_count"`
	HeadHash string `json:"head_hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

var errHalt = errors.New("audit: chain walk halted")

// Verify recomputes an organization's chain from the root. It stops at
// the first broken link or altered entry and reports which entry
// failed. An empty chain is valid with the root hash as its head.
func (r *Recorder) Verify(ctx context.Context, orgID int64) (*ChainStatus, error) {
	status := &ChainStatus{Valid: true}
	last := RootHash
	err := r.store.ForEachAuditEntryAsc(ctx, orgID, func(e *store.AuditEntry) error {
		if e.PreviousHash != last {
			status.Valid = false
			status.Error = fmt.Sprintf("Chain broken at ID %d: Link mismatch.", e.ID)
			return errHalt
		}
		canonical := "{}"
		if len(e.Details) > 0 {
			c, err := canonicalize.Document(e.Details)
			if err != nil {
				return fmt.Errorf("audit: failed to canonicalize entry %d: %w", e.ID, err)
			}
			canonical = string(c)
		}
		if e.CurrentHash != entryHash(e.PreviousHash, e.Username, e.Action, canonical, orgID) {
			status.Valid = false
			status.Error = fmt.Sprintf("Integrity failure at ID %d: Content mismatch.", e.ID)
			return errHalt
		}
		last = e.CurrentHash
		status.LogCount++
		return nil
	})
	if err != nil && !errors.Is(err, errHalt) {
		return nil, err
	}
	if status.Valid {
		status.HeadHash = last
	} else {
		status.LogCount = 0
	}
	return status, nil
}

// Recent returns the newest entries of an organization's chain.
func (r *Recorder) Recent(ctx context.Context, orgID int64, limit int) ([]store.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.RecentAuditEntries(ctx, orgID, limit)
}
