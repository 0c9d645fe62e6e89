package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/internal/topology"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

// Handler executes one attempt of a job. The returned result is stored with
// the completion; errors are classified by the coordinator's classifier.
type Handler func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// NoopHandler completes every job immediately.
func NoopHandler(context.Context, *models.Job) (json.RawMessage, error) {
	return nil, nil
}

// Lifecycle is the coordinator surface the worker drives.
type Lifecycle interface {
	Begin(ctx context.Context, jobID uuid.UUID, redelivered bool) (*models.Job, BeginOutcome, error)
	Ack(ctx context.Context, jobID uuid.UUID, attempt int, result json.RawMessage) error
	Reject(ctx context.Context, jobID uuid.UUID, attempt int, procErr error) (retry.Decision, error)
}

// Consumer opens deliveries on a queue. *amqp.Channel satisfies it.
type Consumer interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type WorkerParams struct {
	Lifecycle   Lifecycle
	Registry    *topology.Registry
	Handlers    map[string]Handler
	Concurrency int
	Logger      *logger.Logger
}

// Worker consumes job deliveries and settles each one with the broker only
// after the coordinator committed the transition.
type Worker struct {
	lifecycle   Lifecycle
	registry    *topology.Registry
	handlers    map[string]Handler
	concurrency int
	logg        *logger.Logger
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("topology registry required")
	}
	if params.Concurrency <= 0 {
		params.Concurrency = 1
	}
	handlers := make(map[string]Handler, len(params.Handlers))
	for queue, h := range params.Handlers {
		handlers[queue] = h
	}
	return &Worker{
		lifecycle:   params.Lifecycle,
		registry:    params.Registry,
		handlers:    handlers,
		concurrency: params.Concurrency,
		logg:        params.Logger,
	}, nil
}

// Run consumes every configured queue until ctx is cancelled or a delivery
// channel closes. Each queue gets Concurrency goroutines and the same prefetch.
func (w *Worker) Run(ctx context.Context, open func() (Consumer, error)) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, binding := range w.registry.Bindings() {
		queue := binding.QueueName
		ch, err := open()
		if err != nil {
			return fmt.Errorf("open consumer for %s: %w", queue, err)
		}
		if err := ch.Qos(w.concurrency, 0, false); err != nil {
			return fmt.Errorf("set prefetch for %s: %w", queue, err)
		}
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		for i := 0; i < w.concurrency; i++ {
			group.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case d, ok := <-deliveries:
						if !ok {
							if ctx.Err() != nil {
								return nil
							}
							return fmt.Errorf("delivery channel for %s closed", queue)
						}
						w.HandleDelivery(ctx, queue, d)
					}
				}
			})
		}
		w.info(w.queueContext(ctx, queue), "worker.consuming")
	}
	return group.Wait()
}

// HandleDelivery runs one delivery through Begin, the queue's handler, and
// Ack or Reject, then settles it with the broker:
//
//	completed or skipped        ack
//	retry scheduled             ack (the delayed copy carries the job)
//	retry not scheduled         ack (Redispatch republishes the stale job)
//	attempt superseded          ack (the redelivered copy owns the job)
//	dead-lettered               nack, no requeue (routes to the DLQ)
//	shutdown or store failure   nack, requeue
func (w *Worker) HandleDelivery(ctx context.Context, queue string, d amqp.Delivery) {
	logCtx := w.queueContext(ctx, queue)
	jobID, err := uuid.Parse(d.MessageId)
	if err != nil {
		w.warn(logCtx, "worker.invalid_message_id", err)
		w.settle(logCtx, d, nack(false))
		return
	}
	if w.logg != nil {
		logCtx = w.logg.WithJobID(logCtx, jobID.String())
	}

	job, outcome, err := w.lifecycle.Begin(ctx, jobID, d.Redelivered)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			w.warn(logCtx, "worker.unknown_job", err)
			w.settle(logCtx, d, nack(false))
			return
		}
		w.warn(logCtx, "worker.begin_failed", err)
		w.settle(logCtx, d, nack(true))
		return
	}
	switch outcome {
	case BeginSkip:
		w.info(logCtx, "worker.delivery_skipped")
		w.settle(logCtx, d, ack)
		return
	case BeginDeadLettered:
		w.settle(logCtx, d, nack(false))
		return
	}

	handler, ok := w.handlers[queue]
	var result json.RawMessage
	if !ok {
		err = retry.Permanent("no_handler", fmt.Errorf("no handler registered for queue %s", queue))
	} else {
		result, err = handler(ctx, job)
	}

	if ctx.Err() != nil {
		// Worker shutdown: leave the job running, redelivery recovers it.
		w.settle(logCtx, d, nack(true))
		return
	}

	if err == nil {
		if err := w.lifecycle.Ack(ctx, jobID, job.AttemptCount, result); err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				// A redelivery took the job over; the newer attempt settles it.
				w.warn(logCtx, "worker.attempt_superseded", err)
				w.settle(logCtx, d, ack)
				return
			}
			w.warn(logCtx, "worker.ack_failed", err)
			w.settle(logCtx, d, nack(true))
			return
		}
		w.info(logCtx, "worker.job_completed")
		w.settle(logCtx, d, ack)
		return
	}

	decision, rejectErr := w.lifecycle.Reject(ctx, jobID, job.AttemptCount, err)
	if errors.Is(rejectErr, ErrRetryNotScheduled) {
		// retrying is committed. Redispatch picks it up once stale, and its
		// threshold is at least the retry cap.
		w.settle(logCtx, d, ack)
		return
	}
	if pkgerrors.IsCode(rejectErr, pkgerrors.CodeStateConflict) {
		w.warn(logCtx, "worker.attempt_superseded", rejectErr)
		w.settle(logCtx, d, ack)
		return
	}
	if rejectErr != nil {
		w.warn(logCtx, "worker.reject_failed", rejectErr)
		w.settle(logCtx, d, nack(true))
		return
	}
	if decision.Action == retry.ActionDeadLetter {
		w.settle(logCtx, d, nack(false))
		return
	}
	w.settle(logCtx, d, ack)
}

type settlement func(d amqp.Delivery) error

func ack(d amqp.Delivery) error {
	return d.Ack(false)
}

func nack(requeue bool) settlement {
	return func(d amqp.Delivery) error {
		return d.Nack(false, requeue)
	}
}

func (w *Worker) settle(ctx context.Context, d amqp.Delivery, fn settlement) {
	if err := fn(d); err != nil && w.logg != nil {
		w.logg.Error(ctx, "worker.settle_failed", err)
	}
}

func (w *Worker) queueContext(ctx context.Context, queue string) context.Context {
	if w.logg == nil {
		return ctx
	}
	return w.logg.WithQueue(ctx, queue)
}

func (w *Worker) info(ctx context.Context, msg string) {
	if w.logg != nil {
		w.logg.Info(ctx, msg)
	}
}

func (w *Worker) warn(ctx context.Context, msg string, err error) {
	if w.logg != nil {
		w.logg.Warn(w.logg.WithField(ctx, "error", err.Error()), msg)
	}
}
