package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

type runner interface {
	Run(ctx context.Context) (Summary, error)
}

type reconciler interface {
	Run(ctx context.Context) (domain.IndexRepair, error)
}

// Scheduler runs the orchestrator on a fixed interval and the reconciler on a
// cron expression. Runs may overlap; every transition is a compare-and-set.
type Scheduler struct {
	orch          runner
	recon         reconciler
	interval      time.Duration
	reconcileCron string
	logger        *slog.Logger
}

// NewScheduler creates a Scheduler. recon may be nil to skip reconciliation.
func NewScheduler(orch runner, recon reconciler, interval time.Duration, reconcileCron string, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		orch:          orch,
		recon:         recon,
		interval:      interval,
		reconcileCron: reconcileCron,
		logger:        logger.With(slog.String("component", "scheduler")),
	}
}

// Run schedules the jobs and blocks until ctx is cancelled. The settlement
// job fires once immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	sched := gocron.NewScheduler(time.UTC)

	if _, err := sched.Every(s.interval).Do(s.settle, ctx); err != nil {
		return fmt.Errorf("scheduler: schedule settlement: %w", err)
	}
	if s.recon != nil && s.reconcileCron != "" {
		if _, err := sched.Cron(s.reconcileCron).Do(s.reconcile, ctx); err != nil {
			return fmt.Errorf("scheduler: schedule reconcile %q: %w", s.reconcileCron, err)
		}
	}

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("interval", s.interval),
		slog.String("reconcile_cron", s.reconcileCron),
	)
	sched.StartAsync()
	<-ctx.Done()
	sched.Stop()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) settle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.ErrorContext(ctx, "scheduled settlement failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.recon.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLockHeld):
		s.logger.InfoContext(ctx, "reconcile skipped, another instance holds the lock")
	default:
		s.logger.ErrorContext(ctx, "scheduled reconcile failed", slog.String("error", err.Error()))
	}
}
