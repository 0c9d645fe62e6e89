package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/jobcore/internal/jobs"
	"github.com/angelmondragon/jobcore/internal/topology"
	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const metricsShutdownTimeout = 5 * time.Second

type pinger interface {
	Ping(context.Context) error
}

type brokerClient interface {
	Ping(context.Context) error
	Channel() (*amqp.Channel, error)
	NotifyClose() <-chan *amqp.Error
}

type runner interface {
	Run(ctx context.Context, open func() (jobs.Consumer, error)) error
}

type declareChannel interface {
	topology.Channel
	Close() error
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       pinger
	Broker   brokerClient
	Registry *topology.Registry
	Worker   runner

	// Overridable for tests; default to channels on Broker.
	OpenDeclareChannel func() (declareChannel, error)
	OpenConsumer       func() (jobs.Consumer, error)
	MetricsHandler     http.Handler
}

// Service declares the topology, then consumes every configured queue until
// shutdown or broker connection loss.
type Service struct {
	cfg            *config.Config
	logg           *logger.Logger
	db             pinger
	broker         brokerClient
	registry       *topology.Registry
	worker         runner
	openDeclare    func() (declareChannel, error)
	openConsumer   func() (jobs.Consumer, error)
	metricsHandler http.Handler
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if params.Registry == nil {
		return nil, errors.New("topology registry is required")
	}
	if params.Worker == nil {
		return nil, errors.New("worker is required")
	}

	openDeclare := params.OpenDeclareChannel
	if openDeclare == nil {
		openDeclare = func() (declareChannel, error) {
			ch, err := params.Broker.Channel()
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
	}
	openConsumer := params.OpenConsumer
	if openConsumer == nil {
		openConsumer = func() (jobs.Consumer, error) {
			ch, err := params.Broker.Channel()
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
	}
	handler := params.MetricsHandler
	if handler == nil {
		handler = promhttp.Handler()
	}

	return &Service{
		cfg:            params.Config,
		logg:           params.Logger,
		db:             params.DB,
		broker:         params.Broker,
		registry:       params.Registry,
		worker:         params.Worker,
		openDeclare:    openDeclare,
		openConsumer:   openConsumer,
		metricsHandler: handler,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	return pingDependency(ctx, s.logg, "broker", s.broker.Ping)
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// declareTopology fails the process when the broker holds a conflicting
// declaration; consuming against a mismatched topology would misroute retries.
func (s *Service) declareTopology(ctx context.Context) error {
	ch, err := s.openDeclare()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := topology.NewDeclarer(ch, s.logg).Declare(ctx, s.registry.Bindings()); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	if err := s.declareTopology(ctx); err != nil {
		return err
	}

	closed := s.broker.NotifyClose()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.worker.Run(ctx, s.openConsumer)
	})
	group.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("broker connection closed")
			}
			return fmt.Errorf("broker connection lost: %w", amqpErr)
		}
	})
	if s.cfg.App.Port != "" {
		group.Go(func() error {
			return s.serveMetrics(ctx)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Service) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsHandler)
	server := &http.Server{
		Addr:              ":" + s.cfg.App.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
