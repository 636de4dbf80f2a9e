package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/openarchive/openarchive/pkg/store"
)

// DefaultVerifyInterval is how often the background verifier sweeps
// every organization's chain.
const DefaultVerifyInterval = 10 * time.Minute

// Verifier periodically re-verifies all audit chains and raises an
// error log when a chain no longer checks out.
type Verifier struct {
	recorder *Recorder
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	// OnFailure, when set, is invoked for every organization whose
	// chain fails verification during a sweep.
	OnFailure func(orgID int64)
}

// NewVerifier builds a background verifier. A non-positive interval
// falls back to DefaultVerifyInterval.
func NewVerifier(rec *Recorder, st *store.Store, logger *slog.Logger, interval time.Duration) *Verifier {
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		recorder: rec,
		store:    st,
		logger:   logger.With("component", "audit_verifier"),
		interval: interval,
	}
}

// Run sweeps immediately, then on every tick until ctx is canceled.
func (v *Verifier) Run(ctx context.Context) {
	v.logger.Info("audit chain verifier started", "interval", v.interval.String())
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			v.logger.Info("audit chain verifier stopped")
			return
		case <-ticker.C:
			v.Sweep(ctx)
		}
	}
}

// Sweep verifies every organization's chain once. Failures are logged
// and do not stop the sweep; a tampered tenant must not hide another.
func (v *Verifier) Sweep(ctx context.Context) {
	orgs, err := v.store.ListOrganizations(ctx)
	if err != nil {
		v.logger.Error("failed to list organizations", "error", err)
		return
	}
	for _, org := range orgs {
		status, err := v.recorder.Verify(ctx, org.ID)
		if err != nil {
			v.logger.Error("audit chain verification failed", "org_id", org.ID, "error", err)
			continue
		}
		if !status.Valid {
			v.logger.Error("tampering detected in audit chain",
				"org_id", org.ID, "org_name", org.Name, "reason", status.Error)
			if v.OnFailure != nil {
				v.OnFailure(org.ID)
			}
			continue
		}
		v.logger.Debug("audit chain verified", "org_id", org.ID, "entries", status.LogCount)
	}
}
