package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/outbox"
	"github.com/angelmondragon/jobcore/pkg/outbox/payloads"
)

// BeginOutcome tells the worker what to do with the delivery it holds.
type BeginOutcome string

const (
	// BeginRun means the job is now running and the handler should execute.
	BeginRun BeginOutcome = "run"
	// BeginSkip means the delivery is a stale or duplicate copy.
	BeginSkip BeginOutcome = "skip"
	// BeginDeadLettered means the job had no attempts left.
	BeginDeadLettered BeginOutcome = "dead_lettered"
)

// change is the data carried by one transition into its audit entry and
// outbox event.
type change struct {
	to          enums.JobStatus
	delay       time.Duration
	reason      string
	kind        retry.Kind
	errText     string
	result      json.RawMessage
	actor       *string
	correlation *string
}

type observation struct {
	queue  string
	from   enums.JobStatus
	to     enums.JobStatus
	delay  time.Duration
	reason string
}

func stateConflict(job *models.Job, to enums.JobStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, "job is not in a state that allows this transition").
		WithDetails(map[string]any{"job_id": job.ID.String(), "status": job.Status, "target": to})
}

// ownsAttempt reports whether the caller's attempt is the one currently
// running. A worker whose attempt was superseded by a redelivery must not
// settle the newer one.
func ownsAttempt(job *models.Job, attempt int) bool {
	return job.Status == enums.JobStatusRunning && job.AttemptCount == attempt
}

// transitionTx moves job to ch.to with a status-conditional update and records
// the audit entry and outbox event in tx.
func (c *Coordinator) transitionTx(ctx context.Context, tx *gorm.DB, job *models.Job, ch change) (observation, error) {
	from := job.Status
	if !from.CanTransitionTo(ch.to) {
		return observation{}, stateConflict(job, ch.to)
	}

	now := c.clock()
	attempts := job.AttemptCount
	if ch.to == enums.JobStatusRunning {
		attempts++
	}
	updates := map[string]any{
		"status":        ch.to,
		"attempt_count": attempts,
		"updated_at":    now,
	}
	if ch.errText != "" {
		msg := truncate(ch.errText)
		updates["last_error"] = msg
		updates["last_failed_at"] = now
		if job.FirstFailedAt == nil {
			updates["first_failed_at"] = now
		}
	}

	ok, err := c.repo.updateStatusTx(tx, job.ID, from, job.AttemptCount, updates)
	if err != nil {
		return observation{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update job status")
	}
	if !ok {
		return observation{}, stateConflict(job, ch.to)
	}

	job.Status = ch.to
	job.AttemptCount = attempts
	job.UpdatedAt = now
	if ch.errText != "" {
		msg := truncate(ch.errText)
		job.LastError = &msg
		job.LastFailedAt = &now
		if job.FirstFailedAt == nil {
			first := now
			job.FirstFailedAt = &first
		}
	}
	return c.record(ctx, tx, job, from, ch)
}

// record writes the audit entry and outbox event for a job that just entered
// job.Status.
func (c *Coordinator) record(ctx context.Context, tx *gorm.DB, job *models.Job, from enums.JobStatus, ch change) (observation, error) {
	event := payloads.JobTransitionEvent{
		JobID:        job.ID.String(),
		QueueName:    job.QueueName,
		From:         from,
		To:           job.Status,
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		RetryDelayMS: ch.delay.Milliseconds(),
		Reason:       ch.reason,
		Kind:         string(ch.kind),
		Error:        truncate(ch.errText),
		Result:       ch.result,
	}

	auditType, ok := enums.AuditEventForStatus(job.Status)
	if !ok {
		return observation{}, fmt.Errorf("no audit event for status %s", job.Status)
	}
	if _, err := c.auditor.AppendTx(tx, audit.Entry{
		ScopeType:     string(enums.AuditScopeJob),
		ScopeID:       job.ID.String(),
		ActorID:       ch.actor,
		CorrelationID: ch.correlation,
		EventType:     string(auditType),
		Payload:       event,
	}); err != nil {
		return observation{}, err
	}

	outboxType, ok := enums.OutboxEventForStatus(job.Status)
	if !ok {
		return observation{}, fmt.Errorf("no outbox event for status %s", job.Status)
	}
	var actor *outbox.ActorRef
	if ch.actor != nil || ch.correlation != nil {
		actor = &outbox.ActorRef{}
		if ch.actor != nil {
			actor.ActorID = *ch.actor
		}
		if ch.correlation != nil {
			actor.CorrelationID = *ch.correlation
		}
	}
	if err := c.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     outboxType,
		AggregateType: enums.AggregateJob,
		AggregateID:   job.ID.String(),
		Actor:         actor,
		Data:          event,
		OccurredAt:    job.UpdatedAt,
	}); err != nil {
		return observation{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit job event")
	}

	return observation{queue: job.QueueName, from: from, to: job.Status, delay: ch.delay, reason: ch.reason}, nil
}

// deadLetterTx moves job to dead_lettered and stores its dead-letter record.
func (c *Coordinator) deadLetterTx(ctx context.Context, tx *gorm.DB, job *models.Job, reason enums.DeadLetterReason, kind retry.Kind, errText string) (observation, error) {
	if errText == "" {
		errText = string(reason)
	}
	obs, err := c.transitionTx(ctx, tx, job, change{
		to:      enums.JobStatusDeadLettered,
		reason:  string(reason),
		kind:    kind,
		errText: errText,
	})
	if err != nil {
		return obs, err
	}
	first := job.UpdatedAt
	if job.FirstFailedAt != nil {
		first = *job.FirstFailedAt
	}
	record := &models.DeadLetterRecord{
		OriginalJobID:         job.ID,
		QueueName:             job.QueueName,
		FailureReason:         reason,
		ErrorMessage:          truncate(errText),
		AttemptCountAtFailure: job.AttemptCount,
		FirstFailedAt:         first,
		LastFailedAt:          job.UpdatedAt,
		PayloadSnapshot:       job.Payload,
		CreatedAt:             job.UpdatedAt,
	}
	if err := c.deadLetters.InsertTx(tx, record); err != nil {
		return obs, err
	}
	return obs, nil
}

// Begin claims a delivery for execution.
//
// queued, retrying and failed jobs start running with one more attempt, or
// are dead-lettered when no attempt is left. A running job on a redelivered
// message lost its worker: the lost attempt is recorded as failed before the
// job starts again. Anything else is a copy to drop.
func (c *Coordinator) Begin(ctx context.Context, jobID uuid.UUID, redelivered bool) (*models.Job, BeginOutcome, error) {
	var (
		job      *models.Job
		outcome  BeginOutcome
		observed []observation
	)
	err := c.auditor.InTx(ctx, func(tx *gorm.DB) error {
		observed = nil
		var err error
		job, err = c.loadTx(tx, jobID)
		if err != nil {
			return err
		}

		switch job.Status {
		case enums.JobStatusCompleted, enums.JobStatusDeadLettered:
			outcome = BeginSkip
			return nil
		case enums.JobStatusRunning:
			if !redelivered {
				outcome = BeginSkip
				return nil
			}
			obs, err := c.transitionTx(ctx, tx, job, change{
				to:      enums.JobStatusFailed,
				reason:  redeliveredReason,
				kind:    retry.KindTransient,
				errText: fmt.Sprintf("attempt %d lost before acknowledgement", job.AttemptCount),
			})
			if err != nil {
				return err
			}
			observed = append(observed, obs)
		}

		if job.AttemptCount >= job.MaxAttempts {
			obs, err := c.deadLetterTx(ctx, tx, job, enums.DeadLetterReasonMaxAttempts, retry.KindTransient, lastError(job))
			if err != nil {
				return err
			}
			observed = append(observed, obs)
			outcome = BeginDeadLettered
			return nil
		}

		obs, err := c.transitionTx(ctx, tx, job, change{to: enums.JobStatusRunning})
		if err != nil {
			return err
		}
		observed = append(observed, obs)
		outcome = BeginRun
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	c.observe(observed)
	return job, outcome, nil
}

// Ack completes the running attempt returned by Begin. result, when set, must
// be JSON and is stored in the audit entry. An attempt that is no longer the
// running one is a STATE_CONFLICT.
func (c *Coordinator) Ack(ctx context.Context, jobID uuid.UUID, attempt int, result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		return pkgerrors.New(pkgerrors.CodeValidation, "result must be valid json")
	}
	var observed []observation
	err := c.auditor.InTx(ctx, func(tx *gorm.DB) error {
		observed = nil
		job, err := c.loadTx(tx, jobID)
		if err != nil {
			return err
		}
		if !ownsAttempt(job, attempt) {
			return stateConflict(job, enums.JobStatusCompleted)
		}
		obs, err := c.transitionTx(ctx, tx, job, change{to: enums.JobStatusCompleted, result: result})
		if err != nil {
			return err
		}
		observed = append(observed, obs)
		return nil
	})
	if err != nil {
		return err
	}
	c.observe(observed)
	return nil
}

// Reject records a failed attempt and returns the retry decision. On retry the
// job is published to the queue's retry queue with the decided delay as its
// expiration. A job that is not running the given attempt is a STATE_CONFLICT
// and nothing is recorded.
func (c *Coordinator) Reject(ctx context.Context, jobID uuid.UUID, attempt int, procErr error) (retry.Decision, error) {
	var (
		job      *models.Job
		decision retry.Decision
		observed []observation
	)
	err := c.auditor.InTx(ctx, func(tx *gorm.DB) error {
		observed = nil
		var err error
		job, err = c.loadTx(tx, jobID)
		if err != nil {
			return err
		}
		if !ownsAttempt(job, attempt) {
			return stateConflict(job, enums.JobStatusRetrying)
		}

		decision = c.policy.Decide(job.AttemptCount, job.MaxAttempts, procErr, c.classify)
		var obs observation
		if decision.Action == retry.ActionRetry {
			obs, err = c.transitionTx(ctx, tx, job, change{
				to:      enums.JobStatusRetrying,
				delay:   decision.Delay,
				kind:    decision.Kind,
				errText: decision.Error,
			})
		} else {
			obs, err = c.deadLetterTx(ctx, tx, job, decision.Reason, decision.Kind, decision.Error)
		}
		if err != nil {
			return err
		}
		observed = append(observed, obs)
		return nil
	})
	if err != nil {
		return retry.Decision{}, err
	}
	c.observe(observed)

	logCtx := c.logFields(c.jobContext(ctx, job), map[string]any{
		"action":  decision.Action,
		"kind":    decision.Kind,
		"attempt": job.AttemptCount,
	})
	if decision.Action == retry.ActionDeadLetter {
		c.info(logCtx, "job.dead_lettered")
		return decision, nil
	}

	binding, err := c.registry.Lookup(job.QueueName)
	if err != nil {
		c.warn(logCtx, "job.retry_publish_failed", err)
		return decision, errors.Join(ErrRetryNotScheduled, err)
	}
	msg := c.message("", binding.RetryQueue, job, nil)
	msg.Expiration = decision.Delay
	if err := c.publisher.Publish(ctx, msg); err != nil {
		c.warn(logCtx, "job.retry_publish_failed", err)
		return decision, errors.Join(ErrRetryNotScheduled, err)
	}
	c.info(c.logFields(logCtx, map[string]any{"delay_ms": decision.Delay.Milliseconds()}), "job.retry_scheduled")
	return decision, nil
}

func (c *Coordinator) loadTx(tx *gorm.DB, jobID uuid.UUID) (*models.Job, error) {
	job, err := c.repo.findByIDTx(tx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "job not found").
				WithDetails(map[string]any{"job_id": jobID.String()})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load job")
	}
	return job, nil
}

func (c *Coordinator) observe(observed []observation) {
	if c.metrics == nil {
		return
	}
	for _, o := range observed {
		c.metrics.ObserveTransition(o.queue, string(o.from), string(o.to))
		switch o.to {
		case enums.JobStatusRetrying:
			c.metrics.ObserveRetryDelay(o.queue, o.delay)
		case enums.JobStatusDeadLettered:
			c.metrics.ObserveDeadLetter(o.queue, o.reason)
		}
	}
}

func lastError(job *models.Job) string {
	if job.LastError != nil {
		return *job.LastError
	}
	return ""
}

func truncate(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength]
}
