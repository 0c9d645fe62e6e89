package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxIdleBackoff        = 10 * time.Second
	metricsShutdownWait   = 5 * time.Second
)

const (
	outcomePublished = "published"
	outcomeFailed    = "failed"
	outcomeTerminal  = "terminal"
	outcomeHeld      = "held"
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pinger interface {
	Ping(context.Context) error
}

type relayStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type eventResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// topicPublisher is the slice of *pubsub.Publisher the relay drives. A failed
// publish pauses its ordering key until ResumePublish is called.
type topicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type relayMetrics interface {
	ObserveRelay(eventType, outcome string)
	ObservePublishLag(time.Duration)
}

type RelayParams struct {
	Outbox    config.OutboxConfig
	Port      string
	Logger    *logger.Logger
	DB        dbClient
	Broker    pinger
	Store     relayStore
	Resolver  eventResolver
	OpenTopic func(topic string) (topicPublisher, error)
	Metrics   relayMetrics
	// MetricsHandler is served on /metrics when Port is set.
	MetricsHandler http.Handler
	Now            func() time.Time
}

// Relay moves committed rows from outbox_events to Pub/Sub. Every message of
// one aggregate carries the same ordering key, and once an aggregate's event
// fails its later events in the batch are held for the next pass so a
// subscriber never sees a job's transitions out of commit order.
type Relay struct {
	logg           *logger.Logger
	db             dbClient
	broker         pinger
	store          relayStore
	resolver       eventResolver
	openTopic      func(string) (topicPublisher, error)
	metrics        relayMetrics
	metricsHandler http.Handler
	port           string
	now            func() time.Time

	batchSize      int
	maxAttempts    int
	pollInterval   time.Duration
	publishTimeout time.Duration
	backoff        retry.Policy

	topics map[string]topicPublisher
}

func NewRelay(params RelayParams) (*Relay, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Broker == nil:
		return nil, errors.New("pubsub client is required")
	case params.Store == nil:
		return nil, errors.New("outbox repository is required")
	case params.Resolver == nil:
		return nil, errors.New("event registry is required")
	case params.OpenTopic == nil:
		return nil, errors.New("topic opener is required")
	case params.Port != "" && params.MetricsHandler == nil:
		return nil, errors.New("metrics handler is required when a port is set")
	}

	cfg := params.Outbox
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	metrics := params.Metrics
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	return &Relay{
		logg:           params.Logger,
		db:             params.DB,
		broker:         params.Broker,
		store:          params.Store,
		resolver:       params.Resolver,
		openTopic:      params.OpenTopic,
		metrics:        metrics,
		metricsHandler: params.MetricsHandler,
		port:           params.Port,
		now:            now,
		batchSize:      batch,
		maxAttempts:    maxAttempts,
		pollInterval:   interval,
		publishTimeout: defaultPublishTimeout,
		backoff:        retry.Policy{Base: interval, Cap: maxIdleBackoff},
		topics:         make(map[string]topicPublisher),
	}, nil
}

// Run relays until ctx is cancelled, then flushes and stops every publisher
// it opened.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.ready(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer r.stopTopics()
		return r.loop(ctx)
	})
	if r.port != "" {
		group.Go(func() error {
			return r.serveMetrics(ctx)
		})
	}
	return group.Wait()
}

func (r *Relay) ready(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		r.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := r.broker.Ping(ctx); err != nil {
		r.logg.Error(ctx, "pubsub ping failed", err)
		return fmt.Errorf("pubsub ping failed: %w", err)
	}
	return nil
}

func (r *Relay) loop(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			r.logg.Info(ctx, "outbox relay stopping")
			return err
		}

		pass, err := r.relayBatch(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox relay batch failed", err)
			wait = r.backoff.Backoff(failures)
			failures++
		case pass.published == 0:
			// Nothing moved: either the table is drained or every row failed.
			failures = 0
			wait = r.pollInterval
		default:
			failures = 0
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

type relayed struct {
	eventType string
	outcome   string
	lag       time.Duration
}

type batchPass struct {
	fetched   int
	published int
	results   []relayed
}

// relayBatch handles one locked batch inside a single transaction. Metrics are
// only recorded once the marks commit.
func (r *Relay) relayBatch(ctx context.Context) (batchPass, error) {
	var pass batchPass
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		pass = batchPass{}
		events, err := r.store.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox batch: %w", err)
		}
		pass.fetched = len(events)

		held := make(map[string]struct{})
		for _, event := range events {
			outcome, err := r.relayEvent(ctx, tx, event, held)
			if err != nil {
				return err
			}
			result := relayed{eventType: string(event.EventType), outcome: outcome}
			if outcome == outcomePublished {
				pass.published++
				result.lag = r.now().Sub(event.CreatedAt)
			}
			pass.results = append(pass.results, result)
		}
		return nil
	})
	if err != nil {
		return batchPass{}, err
	}
	for _, result := range pass.results {
		r.metrics.ObserveRelay(result.eventType, result.outcome)
		if result.outcome == outcomePublished {
			r.metrics.ObservePublishLag(result.lag)
		}
	}
	return pass, nil
}

func (r *Relay) relayEvent(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, held map[string]struct{}) (string, error) {
	key := orderingKey(event)
	if _, blocked := held[key]; blocked {
		return outcomeHeld, nil
	}
	ctx = r.logg.WithFields(ctx, map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"ordering_key":  key,
		"attempt_count": event.AttemptCount,
	})

	resolved, err := r.resolver.Resolve(event)
	if err != nil {
		return outcomeTerminal, r.giveUp(ctx, tx, event, "non_retryable", err)
	}

	err = r.publish(ctx, event, resolved, key)
	if err == nil {
		if markErr := r.store.MarkPublishedTx(tx, event.ID); markErr != nil {
			return "", fmt.Errorf("mark published %s: %w", event.ID, markErr)
		}
		return outcomePublished, nil
	}
	var nonRetryable registry.NonRetryableError
	if errors.As(err, &nonRetryable) {
		return outcomeTerminal, r.giveUp(ctx, tx, event, "non_retryable", err)
	}

	held[key] = struct{}{}
	attempt := event.AttemptCount + 1
	if attempt >= r.maxAttempts {
		return outcomeTerminal, r.giveUp(ctx, tx, event, "max_attempts", fmt.Errorf("max publish attempts reached: %w", err))
	}
	r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
		"next_attempt": attempt,
		"error":        err.Error(),
	}), "outbox.publish_failed")
	if markErr := r.store.MarkFailedTx(tx, event.ID, err); markErr != nil {
		return "", fmt.Errorf("mark failed %s: %w", event.ID, markErr)
	}
	return outcomeFailed, nil
}

func (r *Relay) giveUp(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason string, cause error) error {
	r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
		"terminal_reason": reason,
		"error":           cause.Error(),
	}), "outbox.event_abandoned")
	if err := r.store.MarkTerminalTx(tx, event.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent, key string) error {
	pub, err := r.topic(resolved.Descriptor.Topic)
	if err != nil {
		return registry.NewNonRetryableError(err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: key,
		Attributes:  messageAttributes(event, resolved),
	})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned no result for topic %s", resolved.Descriptor.Topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		pub.ResumePublish(key)
		return err
	}
	return nil
}

func (r *Relay) topic(name string) (topicPublisher, error) {
	if pub, ok := r.topics[name]; ok {
		return pub, nil
	}
	pub, err := r.openTopic(name)
	if err != nil {
		return nil, fmt.Errorf("open topic %s: %w", name, err)
	}
	r.topics[name] = pub
	return pub, nil
}

func (r *Relay) stopTopics() {
	for name, pub := range r.topics {
		pub.Stop()
		delete(r.topics, name)
	}
}

func (r *Relay) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metricsHandler)
	server := &http.Server{
		Addr:              ":" + r.port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownWait)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// orderingKey groups every event of one aggregate onto one Pub/Sub key.
func orderingKey(event models.OutboxEvent) string {
	return string(event.AggregateType) + ":" + event.AggregateID
}

func messageAttributes(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]string {
	return map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID,
		"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ObserveRelay(string, string)     {}
func (noopRelayMetrics) ObservePublishLag(time.Duration) {}

// gcpTopic adapts *pubsub.Publisher; ResumePublish and Stop are promoted.
type gcpTopic struct {
	*gcppubsub.Publisher
}

func (t gcpTopic) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return t.Publisher.Publish(ctx, msg)
}

type publisherSource interface {
	Publisher(name string) *gcppubsub.Publisher
}

func gcpTopicOpener(src publisherSource) func(string) (topicPublisher, error) {
	return func(name string) (topicPublisher, error) {
		pub := src.Publisher(name)
		if pub == nil {
			return nil, fmt.Errorf("no publisher for topic %q", name)
		}
		return gcpTopic{Publisher: pub}, nil
	}
}
