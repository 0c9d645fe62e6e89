package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/instance"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/metrics"
	"github.com/angelmondragon/jobcore/pkg/migrate"
	"github.com/angelmondragon/jobcore/pkg/outbox"
	"github.com/angelmondragon/jobcore/pkg/outbox/registry"
	"github.com/angelmondragon/jobcore/pkg/pubsub"
)

const serviceKind = "outbox-publisher"

func main() {
	boot := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceKind})
	if err := godotenv.Load(); err != nil {
		logg.Warn(boot, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(boot, "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceKind
	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(boot, "outbox relay stopped unexpectedly", err)
		os.Exit(1)
	}
}

// run owns every client so deferred closes fire before main exits.
func run(cfg *config.Config, logg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"instance":    instance.ID(),
		"topic":       cfg.PubSub.LifecycleTopic,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()
	if err := migrate.EnsureSchema(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "schema check failed", err)
		return err
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "error closing pubsub client", err)
		}
	}()

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		return err
	}

	registerer := prometheus.NewRegistry()
	registerer.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	relay, err := NewRelay(RelayParams{
		Outbox:         cfg.Outbox,
		Port:           cfg.App.Port,
		Logger:         logg,
		DB:             dbClient,
		Broker:         pubsubClient,
		Store:          outbox.NewRepository(dbClient.DB()),
		Resolver:       eventRegistry,
		OpenTopic:      gcpTopicOpener(pubsubClient),
		Metrics:        metrics.NewRelayMetrics(registerer),
		MetricsHandler: promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}),
	})
	if err != nil {
		return err
	}

	logg.Info(ctx, "starting outbox relay")
	err = relay.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		logg.Info(ctx, "outbox relay shutting down gracefully")
	}
	return err
}
