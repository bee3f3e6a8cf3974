package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/wxwager/internal/server"
	"github.com/alanyoungcy/wxwager/internal/server/handler"
	"github.com/alanyoungcy/wxwager/internal/server/ws"
	"github.com/alanyoungcy/wxwager/internal/settlement"
)

// SettleMode performs one settlement pass and prints its summary as JSON.
// Per-wager failures are reported in the summary, not as an error.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	sum, err := deps.Orchestrator.Run(ctx)
	if err != nil {
		return fmt.Errorf("settle mode: %w", err)
	}
	return a.printJSON(sum)
}

// ReconcileMode repairs wager index drift once and prints the repair report.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	repair, err := deps.Reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile mode: %w", err)
	}
	return a.printJSON(repair)
}

// SchedulerMode runs settlement on the configured interval and index
// reconciliation on its cron schedule until ctx is cancelled.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	return g.Wait()
}

// ServeMode starts the admin API and the live event WebSocket.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the scheduler and, when enabled, the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	} else {
		a.logger.InfoContext(ctx, "HTTP server disabled")
	}
	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sched := settlement.NewScheduler(
		deps.Orchestrator,
		deps.Reconciler,
		a.cfg.Settlement.Interval.Duration,
		a.cfg.Settlement.ReconcileCron,
		a.logger,
	)
	g.Go(func() error {
		return sched.Run(ctx)
	})
}

// startHTTPServer adds the admin server and its WebSocket hub to the given
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Pingers, a.logger),
		Wagers:     handler.NewWagerHandler(deps.Wagers, a.logger),
		Settlement: handler.NewSettlementHandler(deps.Orchestrator, deps.Reconciler, deps.BlobReader, a.logger),
		Events:     handler.NewEventsHandler(deps.SignalBus, deps.AuditStore, a.logger),
		Metrics:    promhttp.Handler(),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		APIKeyHash:  a.cfg.Server.APIKeyHash,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	if a.cfg.Server.APIKey == "" && a.cfg.Server.APIKeyHash == "" {
		a.logger.WarnContext(ctx, "HTTP server: no API key configured, admin endpoints are unauthenticated")
	}

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("app: write result: %w", err)
	}
	return nil
}
