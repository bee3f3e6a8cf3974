package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	s3blob "github.com/alanyoungcy/wxwager/internal/blob/s3"
	"github.com/alanyoungcy/wxwager/internal/cache/redis"
	"github.com/alanyoungcy/wxwager/internal/config"
	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/notify"
	"github.com/alanyoungcy/wxwager/internal/observability"
	"github.com/alanyoungcy/wxwager/internal/observation"
	"github.com/alanyoungcy/wxwager/internal/platform/nws"
	"github.com/alanyoungcy/wxwager/internal/server/handler"
	"github.com/alanyoungcy/wxwager/internal/service"
	"github.com/alanyoungcy/wxwager/internal/settlement"
	"github.com/alanyoungcy/wxwager/internal/store/postgres"
)

// processMetrics registers the Prometheus collectors with the default registry
// exactly once per process.
var processMetrics = sync.OnceValue(observability.NewMetrics)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	Clock   clockwork.Clock
	Metrics *observability.Metrics

	// Redis-backed store and caches.
	WagerStore  *redis.WagerStore
	ObsCache    domain.ObservationCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Optional: nil when postgres or s3 is disabled.
	AuditStore domain.AuditStore
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Health checks keyed by dependency name.
	Pingers map[string]handler.Pinger

	// weather.gov and the observation pipeline.
	NWS     *nws.Client
	Fetcher *observation.Fetcher

	// Services
	Wagers       *service.WagerService
	Orchestrator *settlement.Orchestrator
	Reconciler   *settlement.Reconciler

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that archive or browse settlement runs.
func needsS3(mode string) bool {
	switch mode {
	case "settle", "scheduler", "serve", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Clock:   clockwork.NewRealClock(),
		Metrics: processMetrics(),
		Pingers: make(map[string]handler.Pinger),
	}

	// --- PostgreSQL audit log (optional) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		deps.Pingers["postgres"] = pgClient
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Pingers["redis"] = redisClient

	deps.WagerStore = redis.NewWagerStore(redisClient, deps.Clock)
	deps.ObsCache = redis.NewObservationCache(redisClient, cfg.Observation.CacheTTL.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient, deps.Clock)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 run archive (optional) ---
	if cfg.S3.Enabled && needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		objects := s3blob.NewObjects(s3Client)
		deps.BlobWriter = objects
		deps.BlobReader = objects
		deps.Pingers["s3"] = s3Client
	}

	// --- weather.gov ---
	deps.NWS = nws.New(nws.Config{
		BaseURL:         cfg.NWS.BaseURL,
		UserAgent:       cfg.NWS.UserAgent,
		RequestTimeout:  cfg.NWS.RequestTimeout.Duration,
		MaxRetries:      cfg.NWS.MaxRetries,
		BreakerFailures: uint32(cfg.NWS.BreakerFailures),
		BreakerTimeout:  cfg.NWS.BreakerTimeout.Duration,
	}, deps.Metrics)
	deps.Fetcher = observation.NewFetcher(deps.NWS, deps.ObsCache, deps.Clock,
		cfg.Observation.MinReadings, deps.Metrics, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Wagers = service.NewWagerService(
		deps.WagerStore, deps.NWS, deps.SignalBus, deps.AuditStore,
		deps.Clock, deps.Metrics, logger,
	).WithResolveTimeout(fetchTimeout(cfg.NWS))

	deps.Orchestrator = settlement.NewOrchestrator(deps.Wagers, deps.Fetcher, deps.Clock, settlement.Config{
		GradingWindowDays: cfg.Settlement.GradingWindowDays,
		VoidAfter:         cfg.Settlement.VoidAfter.Duration,
		Workers:           cfg.Settlement.Workers,
		FetchTimeout:      fetchTimeout(cfg.NWS),
	}, deps.Metrics, logger)
	if deps.AuditStore != nil {
		deps.Orchestrator.WithAudit(deps.AuditStore)
	}
	if deps.BlobWriter != nil && cfg.Settlement.ArchiveRuns {
		deps.Orchestrator.WithArchive(settlement.NewRunArchive(deps.BlobWriter))
	}
	if deps.Notifier.Enabled() {
		deps.Orchestrator.WithNotifier(deps.Notifier)
	}

	deps.Reconciler = settlement.NewReconciler(deps.WagerStore, deps.LockManager,
		cfg.Settlement.ReconcileLockTTL.Duration, deps.Metrics, logger)

	return deps, cleanup, nil
}

// fetchTimeout bounds one weather.gov operation including its retries.
func fetchTimeout(c config.NWSConfig) time.Duration {
	return c.RequestTimeout.Duration*time.Duration(c.MaxRetries+1) + 10*time.Second
}
