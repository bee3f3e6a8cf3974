package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

const reconcileLockKey = "reconcile"

// IndexRebuilder repairs wager index memberships.
type IndexRebuilder interface {
	RebuildIndexes(ctx context.Context) (domain.IndexRepair, error)
}

// Reconciler repairs index drift left behind by interrupted writes. Only one
// instance runs at a time across processes.
type Reconciler struct {
	store   IndexRebuilder
	locks   domain.LockManager
	lockTTL time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. metrics may be nil.
func NewReconciler(store IndexRebuilder, locks domain.LockManager, lockTTL time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Reconciler {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Reconciler{
		store:   store,
		locks:   locks,
		lockTTL: lockTTL,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

// Run rebuilds the indexes under the reconcile lease. It returns
// domain.ErrLockHeld when another process is already reconciling.
func (r *Reconciler) Run(ctx context.Context) (domain.IndexRepair, error) {
	unlock, err := r.locks.Acquire(ctx, reconcileLockKey, r.lockTTL)
	if err != nil {
		return domain.IndexRepair{}, fmt.Errorf("settlement: reconcile: %w", err)
	}
	defer unlock()

	start := time.Now()
	rep, err := r.store.RebuildIndexes(ctx)
	if err != nil {
		return rep, fmt.Errorf("settlement: reconcile: %w", err)
	}
	if r.metrics != nil {
		r.metrics.IndexRepairs.Add(float64(rep.Added + rep.Removed))
	}

	r.logger.InfoContext(ctx, "index reconciliation complete",
		slog.Int("scanned", rep.Scanned),
		slog.Int("added", rep.Added),
		slog.Int("removed", rep.Removed),
		slog.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}
