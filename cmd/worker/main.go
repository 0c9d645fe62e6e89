package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/jobcore/internal/jobs"
	"github.com/angelmondragon/jobcore/internal/platform"
	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/instance"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/migrate"
	"github.com/angelmondragon/jobcore/pkg/rabbitmq"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"
	cfg.AMQP.ConnectionName = instance.ConnectionName(cfg.AMQP.ConnectionName)

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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

	core, err := platform.NewCore(cfg, dbClient, logg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(context.Background(), "failed to assemble core services", err)
		os.Exit(1)
	}

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

	coordinator, err := core.NewCoordinator(publisher)
	if err != nil {
		logg.Error(context.Background(), "failed to create coordinator", err)
		os.Exit(1)
	}

	handlers := make(map[string]jobs.Handler)
	for _, binding := range core.Registry.Bindings() {
		handlers[binding.QueueName] = jobs.NoopHandler
	}
	worker, err := jobs.NewWorker(jobs.WorkerParams{
		Lifecycle:   coordinator,
		Registry:    core.Registry,
		Handlers:    handlers,
		Concurrency: cfg.Worker.Concurrency,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Broker:   amqpClient,
		Registry: core.Registry,
		Worker:   worker,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"concurrency": cfg.Worker.Concurrency,
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}
