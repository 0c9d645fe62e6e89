// Package jobs drives a job through its lifecycle. Every status change is a
// status-conditional update, one audit entry and one outbox event committed
// together, and the broker is only touched after the commit.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/internal/topology"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/outbox"
	"github.com/angelmondragon/jobcore/pkg/rabbitmq"
)

const (
	maxAttemptsLimit   = 100
	maxErrorLength     = 2048
	defaultRedispatch  = 100
	redeliveredReason  = "redelivered"
	headerQueueName    = "x-queue-name"
	headerAttemptCount = "x-attempt-count"
)

// ErrRetryNotScheduled is returned by Reject when the retry was committed but
// the delayed copy could not be published. The caller should requeue the
// delivery it holds.
var ErrRetryNotScheduled = pkgerrors.New(pkgerrors.CodeDependency, "retry committed but not scheduled")

// Auditor runs audited transactions. *audit.Service satisfies it.
type Auditor interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	AppendTx(tx *gorm.DB, entry audit.Entry) (*models.AuditLogEntry, error)
}

// Emitter queues lifecycle events in the caller's transaction. *outbox.Service satisfies it.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// DeadLetterStore records jobs that leave the retry loop. *deadletter.Service satisfies it.
type DeadLetterStore interface {
	InsertTx(tx *gorm.DB, record *models.DeadLetterRecord) error
}

// Publisher sends a message and waits for the broker confirm. *rabbitmq.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg rabbitmq.Message) error
}

// Metrics observes committed transitions. *metrics.JobMetrics satisfies it.
type Metrics interface {
	ObserveTransition(queue, from, to string)
	ObserveRetryDelay(queue string, delay time.Duration)
	ObserveDeadLetter(queue, reason string)
}

type CoordinatorParams struct {
	DB          *gorm.DB
	Auditor     Auditor
	Outbox      Emitter
	DeadLetters DeadLetterStore
	Registry    *topology.Registry
	Publisher   Publisher
	Policy      retry.Policy
	Classifier  retry.Classifier
	Metrics     Metrics
	Logger      *logger.Logger
	Now         func() time.Time
}

type Coordinator struct {
	repo        *Repository
	auditor     Auditor
	outbox      Emitter
	deadLetters DeadLetterStore
	registry    *topology.Registry
	publisher   Publisher
	policy      retry.Policy
	classify    retry.Classifier
	metrics     Metrics
	logg        *logger.Logger
	now         func() time.Time
}

func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db required")
	case params.Auditor == nil:
		return nil, fmt.Errorf("auditor required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox required")
	case params.DeadLetters == nil:
		return nil, fmt.Errorf("dead letter store required")
	case params.Registry == nil:
		return nil, fmt.Errorf("topology registry required")
	case params.Publisher == nil:
		return nil, fmt.Errorf("publisher required")
	}
	if params.Policy.Base <= 0 || params.Policy.Cap <= 0 {
		params.Policy = retry.DefaultPolicy()
	}
	if params.Classifier == nil {
		params.Classifier = retry.DefaultClassifier
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Coordinator{
		repo:        NewRepository(params.DB),
		auditor:     params.Auditor,
		outbox:      params.Outbox,
		deadLetters: params.DeadLetters,
		registry:    params.Registry,
		publisher:   params.Publisher,
		policy:      params.Policy,
		classify:    params.Classifier,
		metrics:     params.Metrics,
		logg:        params.Logger,
		now:         params.Now,
	}, nil
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

// SubmitInput describes a new job. MaxAttempts defaults to the queue's value.
type SubmitInput struct {
	QueueName      string
	Payload        json.RawMessage
	IdempotencyKey string
	MaxAttempts    int
	ActorID        *string
	CorrelationID  *string
}

// Submit persists a queued job and publishes it. A repeated submit with the
// same idempotency key on the same queue returns the first job's id without
// publishing again. A failed publish leaves the job queued for Redispatch.
func (c *Coordinator) Submit(ctx context.Context, input SubmitInput) (uuid.UUID, error) {
	binding, err := c.registry.Lookup(input.QueueName)
	if err != nil {
		return uuid.Nil, err
	}
	payload := input.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "payload must be valid json")
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = binding.MaxAttempts
	}
	if maxAttempts < 1 || maxAttempts > maxAttemptsLimit {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "max_attempts must be between 1 and 100").
			WithDetails(map[string]any{"max_attempts": maxAttempts})
	}

	var (
		job       *models.Job
		duplicate bool
		observed  []observation
	)
	err = c.auditor.InTx(ctx, func(tx *gorm.DB) error {
		duplicate, observed = false, nil
		now := c.clock()
		job = &models.Job{
			ID:          uuid.New(),
			QueueName:   binding.QueueName,
			Payload:     []byte(payload),
			MaxAttempts: maxAttempts,
			Status:      enums.JobStatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if input.IdempotencyKey != "" {
			key := input.IdempotencyKey
			job.IdempotencyKey = &key
		}
		inserted, err := c.repo.insertTx(tx, job)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert job")
		}
		if !inserted {
			existing, err := c.repo.findByIdempotencyKeyTx(tx, binding.QueueName, input.IdempotencyKey)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load deduplicated job")
			}
			job, duplicate = existing, true
			return nil
		}
		obs, err := c.record(ctx, tx, job, "", change{actor: input.ActorID, correlation: input.CorrelationID})
		observed = append(observed, obs)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	logCtx := c.jobContext(ctx, job)
	if duplicate {
		c.info(logCtx, "job.submit_deduplicated")
		return job.ID, nil
	}
	c.observe(observed)

	if err := c.publish(ctx, binding, job, input.CorrelationID); err != nil {
		c.warn(logCtx, "job.publish_failed", err)
		return job.ID, nil
	}
	c.info(logCtx, "job.submitted")
	return job.ID, nil
}

// Get returns the job with id.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return c.repo.Get(ctx, id)
}

// Redispatch republishes queued and retrying jobs not updated within
// olderThan. A republished copy that arrives after the original is skipped by
// Begin, so duplicates are harmless.
func (c *Coordinator) Redispatch(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRedispatch
	}
	now := c.clock()
	stale, err := c.repo.stale(ctx, now.Add(-olderThan), limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "select stale jobs")
	}

	var (
		published int
		errs      error
	)
	for i := range stale {
		job := stale[i]
		binding, err := c.registry.Lookup(job.QueueName)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if err := c.publish(ctx, binding, &job, nil); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if _, err := c.repo.touch(ctx, job, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		published++
	}
	if published > 0 {
		c.info(c.logFields(ctx, map[string]any{"republished": published}), "job.redispatched")
	}
	if errs != nil {
		return published, pkgerrors.Wrap(pkgerrors.CodeDependency, errs, "redispatch jobs")
	}
	return published, nil
}

func (c *Coordinator) publish(ctx context.Context, binding topology.QueueBinding, job *models.Job, correlationID *string) error {
	return c.publisher.Publish(ctx, c.message(binding.Exchange, binding.RoutingKey, job, correlationID))
}

func (c *Coordinator) message(exchange, routingKey string, job *models.Job, correlationID *string) rabbitmq.Message {
	msg := rabbitmq.Message{
		Exchange:   exchange,
		RoutingKey: routingKey,
		MessageID:  job.ID.String(),
		Body:       job.Payload,
		Headers: map[string]any{
			headerQueueName:    job.QueueName,
			headerAttemptCount: int64(job.AttemptCount),
		},
	}
	if correlationID != nil {
		msg.CorrelationID = *correlationID
	}
	return msg
}

func (c *Coordinator) jobContext(ctx context.Context, job *models.Job) context.Context {
	if c.logg == nil || job == nil {
		return ctx
	}
	return c.logg.WithQueue(c.logg.WithJobID(ctx, job.ID.String()), job.QueueName)
}

func (c *Coordinator) logFields(ctx context.Context, fields map[string]any) context.Context {
	if c.logg == nil {
		return ctx
	}
	return c.logg.WithFields(ctx, fields)
}

func (c *Coordinator) info(ctx context.Context, msg string) {
	if c.logg != nil {
		c.logg.Info(ctx, msg)
	}
}

func (c *Coordinator) warn(ctx context.Context, msg string, err error) {
	if c.logg != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), msg)
	}
}
