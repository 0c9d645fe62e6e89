package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/jobcore/api/controllers"
	"github.com/angelmondragon/jobcore/api/routes"
	"github.com/angelmondragon/jobcore/internal/platform"
	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "admin"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "admin"

	logg = logger.New(logger.Options{
		ServiceName: "admin",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	core, err := platform.NewCore(cfg, dbClient, logg, registry)
	if err != nil {
		logg.Error(context.Background(), "failed to assemble core services", err)
		os.Exit(1)
	}
	guard, err := core.NewIdempotencyGuard()
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	handler := routes.NewRouter(cfg, logg, routes.Services{
		Audit:       core.Audit,
		DeadLetters: core.DeadLetters,
		Queues:      core.Registry,
		Jobs:        core.Jobs,
		Idempotency: guard,
		Readiness: []controllers.ReadinessCheck{
			{Name: "database", Ping: dbClient.Ping},
		},
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Admin.Port
	}
	addr := ":" + port
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"allow_purge": cfg.Admin.AllowPurge,
	})
	logg.Info(ctx, "starting admin server")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logg.Error(ctx, "admin server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "admin server shutdown failed", err)
		}
	}
	logg.Info(ctx, "admin server shut down")
}
