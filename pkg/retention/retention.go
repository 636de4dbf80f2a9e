// Package retention purges messages that have outlived their policy.
//
// A pass walks every active policy, queries the index for messages on
// the policy's domains older than the cutoff, and permanently deletes
// whatever no legal hold protects. Deletion removes the index document
// first and the message blob second; a blob without a document is
// unreachable, a document without a blob would be a dangling search
// hit. Shared CAS attachment blobs are never collected here.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/holds"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/store"
	"github.com/openarchive/openarchive/pkg/tenant"
)

const (
	// candidateLimit caps how many expired messages one pass considers
	// per policy domain. Anything beyond the cap waits for the next pass.
	candidateLimit = 1000

	defaultInterval = 24 * time.Hour
)

// PolicySource yields the retention policies a pass enforces.
type PolicySource interface {
	ActivePolicies(ctx context.Context) ([]store.RetentionPolicy, error)
}

// HoldSource snapshots legal-hold protection across all tenants.
type HoldSource interface {
	GlobalProtection(ctx context.Context) (*holds.Protection, error)
}

// Summary reports what one pass did.
type Summary struct {
	Policies  int            `json:"policies"`
	Examined  int            `json:"examined"`
	Purged    int            `json:"purged"`
	Protected int            `json:"protected"`
	Failures  int            `json:"failures"`
	PerDomain map[string]int `json:"per_domain"`
}

// Worker runs the purge loop.
type Worker struct {
	policies PolicySource
	holdSrc  HoldSource
	idx      index.Index
	blobs    blob.Store
	logger   *slog.Logger
	interval time.Duration
	kick     chan struct{}

	// OnPass, when set, receives the summary of every completed pass.
	OnPass func(*Summary)
}

// NewWorker builds a retention worker with the standard 24 hour cadence.
func NewWorker(policies PolicySource, holdSrc HoldSource, idx index.Index, blobs blob.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		policies: policies,
		holdSrc:  holdSrc,
		idx:      idx,
		blobs:    blobs,
		logger:   logger.With("component", "retention"),
		interval: defaultInterval,
		kick:     make(chan struct{}, 1),
	}
}

// Run executes a pass immediately, then on every tick and trigger until
// the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("retention worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopping")
			return
		case <-ticker.C:
			w.pass(ctx)
		case <-w.kick:
			w.pass(ctx)
		}
	}
}

// Trigger requests an extra pass. It never blocks; a pass already
// pending absorbs the request.
func (w *Worker) Trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Worker) pass(ctx context.Context) {
	summary, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.Error("retention pass failed", "error", err)
		return
	}
	if w.OnPass != nil {
		w.OnPass(summary)
	}
}

// RunOnce performs a single purge pass and reports what it did.
func (w *Worker) RunOnce(ctx context.Context) (*Summary, error) {
	policies, err := w.policies.ActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: failed to load policies: %w", err)
	}
	summary := &Summary{Policies: len(policies), PerDomain: map[string]int{}}
	if len(policies) == 0 {
		w.logger.Info("no retention policies defined, skipping purge")
		return summary, nil
	}

	// Holds must be reachable before anything is deleted.
	if _, err := w.holdSrc.GlobalProtection(ctx); err != nil {
		return nil, fmt.Errorf("retention: failed to load hold state: %w", err)
	}

	now := time.Now().UTC()
	for _, policy := range policies {
		cutoff := now.Add(-time.Duration(policy.RetentionDays) * 24 * time.Hour).Unix()
		for _, domain := range tenant.Normalize(policy.Domains) {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			w.purgeDomain(ctx, domain, cutoff, summary)
		}
	}

	w.logger.Info("retention pass complete",
		"policies", summary.Policies,
		"examined", summary.Examined,
		"purged", summary.Purged,
		"protected", summary.Protected,
		"failures", summary.Failures)
	return summary, nil
}

func (w *Worker) purgeDomain(ctx context.Context, domain string, cutoff int64, summary *Summary) {
	filter := fmt.Sprintf("domains = %s AND date_timestamp > 0 AND date_timestamp < %d",
		strconv.Quote(domain), cutoff)
	res, err := w.idx.Search(ctx, index.SearchParams{Filter: filter, Limit: candidateLimit})
	if err != nil {
		w.logger.Error("failed to enumerate expired messages", "domain", domain, "error", err)
		summary.Failures++
		return
	}
	if len(res.Hits) == 0 {
		return
	}

	// Refresh protection right before deleting so holds created since
	// the pass started still shield this batch.
	protection, err := w.holdSrc.GlobalProtection(ctx)
	if err != nil {
		w.logger.Error("failed to refresh hold state, keeping batch", "domain", domain, "error", err)
		summary.Failures++
		return
	}

	purged := 0
	for i := range res.Hits {
		doc := &res.Hits[i]
		summary.Examined++
		if doc.DateTimestamp <= 0 {
			continue
		}
		if protection.Covers(doc) {
			summary.Protected++
			w.logger.Debug("skipping held message", "id", doc.ID)
			continue
		}
		if err := w.idx.Delete(ctx, doc.ID); err != nil {
			w.logger.Error("failed to delete index document", "id", doc.ID, "error", err)
			summary.Failures++
			continue
		}
		if err := w.blobs.Delete(ctx, blob.MessageKey(doc.ID)); err != nil {
			w.logger.Error("failed to delete message blob", "id", doc.ID, "error", err)
			summary.Failures++
			continue
		}
		purged++
	}
	if purged > 0 {
		summary.Purged += purged
		summary.PerDomain[domain] += purged
		w.logger.Info("purged expired messages", "domain", domain, "count", purged)
	}
}
