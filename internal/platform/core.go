// Package platform assembles the services every jobcore binary shares from
// configuration and the store.
package platform

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/internal/deadletter"
	"github.com/angelmondragon/jobcore/internal/idempotency"
	"github.com/angelmondragon/jobcore/internal/jobs"
	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/internal/sequence"
	"github.com/angelmondragon/jobcore/internal/topology"
	"github.com/angelmondragon/jobcore/internal/webhooks"
	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/metrics"
	"github.com/angelmondragon/jobcore/pkg/outbox"
)

// Core holds the store-backed services. Metrics are registered once against
// the registerer given to NewCore.
type Core struct {
	Config      *config.Config
	DB          *db.Client
	Logger      *logger.Logger
	Registry    *topology.Registry
	Audit       *audit.Service
	DeadLetters *deadletter.Service
	Outbox      *outbox.Service
	Jobs        *jobs.Repository

	JobMetrics         *metrics.JobMetrics
	IdempotencyMetrics *metrics.IdempotencyMetrics
	AuditMetrics       *metrics.AuditMetrics
	WebhookMetrics     *metrics.WebhookMetrics
}

func NewCore(cfg *config.Config, dbClient *db.Client, logg *logger.Logger, reg prometheus.Registerer) (*Core, error) {
	if cfg == nil || dbClient == nil || logg == nil {
		return nil, fmt.Errorf("config, db and logger are required")
	}

	bindings, err := topology.Load(cfg.Topology.File, cfg.Retry.DefaultMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	registry, err := topology.NewRegistry(bindings)
	if err != nil {
		return nil, fmt.Errorf("validate topology: %w", err)
	}

	auditSvc, err := audit.NewService(audit.ServiceParams{
		DB:              dbClient,
		Repository:      audit.NewRepository(dbClient.DB()),
		Logger:          logg,
		AppendAttempts:  cfg.Audit.AppendMaxAttempts,
		VerifyBatchSize: cfg.Audit.VerifyBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("audit service: %w", err)
	}
	deadLetters, err := deadletter.NewService(deadletter.NewRepository(dbClient.DB()), auditSvc, logg)
	if err != nil {
		return nil, fmt.Errorf("dead letter service: %w", err)
	}

	return &Core{
		Config:             cfg,
		DB:                 dbClient,
		Logger:             logg,
		Registry:           registry,
		Audit:              auditSvc,
		DeadLetters:        deadLetters,
		Outbox:             outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		Jobs:               jobs.NewRepository(dbClient.DB()),
		JobMetrics:         metrics.NewJobMetrics(reg),
		IdempotencyMetrics: metrics.NewIdempotencyMetrics(reg),
		AuditMetrics:       metrics.NewAuditMetrics(reg),
		WebhookMetrics:     metrics.NewWebhookMetrics(reg),
	}, nil
}

// RetryPolicy is the backoff shared by job retries and webhook redelivery.
func (c *Core) RetryPolicy() retry.Policy {
	return retry.Policy{Base: c.Config.Retry.Base, Cap: c.Config.Retry.Cap}
}

// NewCoordinator builds the lifecycle coordinator publishing through pub.
func (c *Core) NewCoordinator(pub jobs.Publisher) (*jobs.Coordinator, error) {
	return jobs.NewCoordinator(jobs.CoordinatorParams{
		DB:          c.DB.DB(),
		Auditor:     c.Audit,
		Outbox:      c.Outbox,
		DeadLetters: c.DeadLetters,
		Registry:    c.Registry,
		Publisher:   pub,
		Policy:      c.RetryPolicy(),
		Metrics:     c.JobMetrics,
		Logger:      c.Logger,
	})
}

func (c *Core) NewIdempotencyGuard() (*idempotency.Guard, error) {
	return idempotency.NewGuard(idempotency.GuardParams{
		DB:            c.DB.DB(),
		TTL:           c.Config.Idempotency.TTL,
		InProgressTTL: c.Config.Idempotency.InProgressTTL,
		PollInterval:  c.Config.Idempotency.PollInterval,
		AwaitTimeout:  c.Config.Idempotency.AwaitTimeout,
		Auditor:       c.Audit,
		Metrics:       c.IdempotencyMetrics,
		Logger:        c.Logger,
	})
}

// NewWebhookStore builds the inbound webhook deduplicator. Redelivery backoff
// follows the job retry policy.
func (c *Core) NewWebhookStore() (*webhooks.Store, error) {
	return webhooks.NewStore(webhooks.StoreParams{
		DB:          c.DB.DB(),
		Auditor:     c.Audit,
		Outbox:      c.Outbox,
		Policy:      c.RetryPolicy(),
		LockTTL:     c.Config.Webhook.LockTTL,
		MaxAttempts: c.Config.Webhook.MaxAttempts,
		Logger:      c.Logger,
	})
}

func (c *Core) NewSequenceGenerator() (*sequence.Generator, error) {
	return sequence.NewGenerator(sequence.GeneratorParams{
		DB:          c.DB,
		Logger:      c.Logger,
		MaxAttempts: c.Config.Sequence.MaxAttempts,
		RetryBase:   c.Config.Sequence.RetryBase,
		RetryCap:    c.Config.Sequence.RetryCap,
	})
}
