package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/jobcore/internal/cron"
	"github.com/angelmondragon/jobcore/internal/platform"
	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/instance"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/metrics"
	"github.com/angelmondragon/jobcore/pkg/migrate"
	"github.com/angelmondragon/jobcore/pkg/outbox"
	"github.com/angelmondragon/jobcore/pkg/rabbitmq"
	"github.com/angelmondragon/jobcore/pkg/redis"
)

const idempotencyPurgeBatch = 500

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "cron-worker"
	cfg.AMQP.ConnectionName = instance.ConnectionName(cfg.AMQP.ConnectionName)

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.EnsureSchema(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "schema check failed", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	amqpClient, err := rabbitmq.New(context.Background(), cfg.AMQP, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to connect to broker", err)
		os.Exit(1)
	}
	defer func() {
		if err := amqpClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing broker connection", err)
		}
	}()
	publisher, err := amqpClient.NewPublisher()
	if err != nil {
		logg.Error(context.Background(), "failed to open publisher channel", err)
		os.Exit(1)
	}
	defer func() { _ = publisher.Close() }()

	core, err := platform.NewCore(cfg, dbClient, logg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(context.Background(), "failed to assemble core services", err)
		os.Exit(1)
	}
	coordinator, err := core.NewCoordinator(publisher)
	if err != nil {
		logg.Error(context.Background(), "failed to create coordinator", err)
		os.Exit(1)
	}
	guard, err := core.NewIdempotencyGuard()
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, dbClient, core, coordinator, guard)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker:"+envName(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

type redispatcher interface {
	Redispatch(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type expiredPurger interface {
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, core *platform.Core, jobs redispatcher, guard expiredPurger) (*cron.Registry, error) {
	idem, err := cron.NewIdempotencyPurgeJob(cron.IdempotencyPurgeJobParams{
		Logger:    logg,
		Guard:     guard,
		BatchSize: idempotencyPurgeBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency purge job: %w", err)
	}
	deadLetters, err := cron.NewDeadLetterRetentionJob(cron.DeadLetterRetentionJobParams{
		Logger:      logg,
		DeadLetters: core.DeadLetters,
		Retention:   cfg.Cron.DeadLetterRetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("dead letter retention job: %w", err)
	}
	outboxRetention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:            logg,
		Outbox:            outbox.NewRepository(dbClient.DB()),
		Retention:         days(cfg.Outbox.RetentionDays),
		TerminalRetention: days(cfg.Outbox.TerminalRetentionDays),
	})
	if err != nil {
		return nil, fmt.Errorf("outbox retention job: %w", err)
	}
	verify, err := cron.NewAuditVerifyJob(cron.AuditVerifyJobParams{
		Logger:   logg,
		Verifier: core.Audit,
		Gauge:    core.AuditMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("audit verify job: %w", err)
	}
	redispatch, err := cron.NewRedispatchJob(cron.RedispatchJobParams{
		Logger:     logg,
		Jobs:       jobs,
		StaleAfter: cfg.Cron.StaleQueuedAfter,
		RetryCap:   cfg.Retry.Cap,
		BatchSize:  cfg.Cron.RedispatchBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("redispatch job: %w", err)
	}
	webhookStore, err := core.NewWebhookStore()
	if err != nil {
		return nil, fmt.Errorf("webhook store: %w", err)
	}
	overdue, err := cron.NewWebhookOverdueJob(cron.WebhookOverdueJobParams{
		Logger:   logg,
		Webhooks: webhookStore,
		Gauge:    core.WebhookMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook overdue job: %w", err)
	}

	registry := cron.NewRegistry()
	schedule := []struct {
		job   cron.Job
		every time.Duration
	}{
		{redispatch, 0},
		{overdue, 0},
		{idem, cfg.Cron.PurgeEvery},
		{verify, cfg.Cron.AuditVerifyEvery},
		{deadLetters, cfg.Cron.RetentionEvery},
		{outboxRetention, cfg.Cron.RetentionEvery},
	}
	for _, entry := range schedule {
		if err := registry.Add(entry.job, entry.every); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func envName(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
