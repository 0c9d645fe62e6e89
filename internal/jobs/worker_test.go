package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
)

type settled struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	result settled
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.result.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.result.nacked = true
	a.result.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.result.nacked = true
	a.result.requeue = requeue
	return nil
}

func delivery(id string, redelivered bool) (amqp.Delivery, *fakeAcknowledger) {
	ack := &fakeAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, MessageId: id, Redelivered: redelivered}, ack
}

func newWorker(t *testing.T, f fixture, handler Handler) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerParams{
		Lifecycle: f.coord,
		Registry:  f.registry,
		Handlers:  map[string]Handler{testQueue: handler},
	})
	require.NoError(t, err)
	return w
}

func TestHandleDeliveryAcksCompletedJob(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 3)
	var seen *models.Job
	w := newWorker(t, f, func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		seen = job
		return json.RawMessage(`{"ok":true}`), nil
	})

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(context.Background(), testQueue, d)

	assert.Equal(t, settled{acked: true}, ack.result)
	require.NotNil(t, seen)
	assert.Equal(t, 1, seen.AttemptCount)
	assert.Equal(t, enums.JobStatusCompleted, f.job(t, id).Status)
}

func TestHandleDeliveryAcksAfterSchedulingRetry(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 3)
	w := newWorker(t, f, func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, errors.New("license server busy")
	})

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(context.Background(), testQueue, d)

	assert.Equal(t, settled{acked: true}, ack.result)
	assert.Equal(t, enums.JobStatusRetrying, f.job(t, id).Status)
	assert.Len(t, f.publisher.sent(), 2)
}

func TestHandleDeliveryAcksWhenRetryPublishIsLost(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 3)
	w := newWorker(t, f, func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, errors.New("license server busy")
	})
	f.publisher.fail = errors.New("channel closed")

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(context.Background(), testQueue, d)

	assert.Equal(t, settled{acked: true}, ack.result)
	assert.Equal(t, enums.JobStatusRetrying, f.job(t, id).Status)
	assert.Len(t, f.publisher.sent(), 1)
}

func TestHandleDeliveryLeavesSupersededAttemptAlone(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 3)
	w := newWorker(t, f, func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		// The broker redelivers while this attempt is still working.
		_, outcome, err := f.coord.Begin(ctx, job.ID, true)
		require.NoError(t, err)
		require.Equal(t, BeginRun, outcome)
		return json.RawMessage(`{"stale":true}`), nil
	})

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(context.Background(), testQueue, d)

	assert.Equal(t, settled{acked: true}, ack.result)
	job := f.job(t, id)
	assert.Equal(t, enums.JobStatusRunning, job.Status)
	assert.Equal(t, 2, job.AttemptCount)
	assert.Equal(t, []string{"job_submitted", "job_started", "job_failed", "job_started"}, f.auditTrail(t, id))
}

func TestHandleDeliveryDeadLettersCancelledJob(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 3)
	w := newWorker(t, f, func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, retry.Cancelled(errors.New("user cancelled"))
	})

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(context.Background(), testQueue, d)

	assert.Equal(t, settled{nacked: true, requeue: false}, ack.result)
	record, err := f.dead.FindByJobID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, enums.DeadLetterReasonCancelled, record.FailureReason)
}

func TestHandleDeliveryRequeuesOnShutdown(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(t, f, func(context.Context, *models.Job) (json.RawMessage, error) {
		cancel()
		return nil, context.Canceled
	})

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(ctx, testQueue, d)

	assert.Equal(t, settled{nacked: true, requeue: true}, ack.result)
	assert.Equal(t, enums.JobStatusRunning, f.job(t, id).Status)
	assert.Equal(t, []string{"job_submitted", "job_started"}, f.auditTrail(t, id))
}

func TestHandleDeliverySkipsDuplicateCopy(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 3)
	_, _, err := f.coord.Begin(context.Background(), id, false)
	require.NoError(t, err)
	calls := 0
	w := newWorker(t, f, func(context.Context, *models.Job) (json.RawMessage, error) {
		calls++
		return nil, nil
	})

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(context.Background(), testQueue, d)

	assert.Equal(t, settled{acked: true}, ack.result)
	assert.Zero(t, calls)
}

func TestHandleDeliveryRejectsPoisonMessages(t *testing.T) {
	f := newFixture(t)
	w := newWorker(t, f, NoopHandler)

	d, ack := delivery("not-a-uuid", false)
	w.HandleDelivery(context.Background(), testQueue, d)
	assert.Equal(t, settled{nacked: true, requeue: false}, ack.result)

	d, ack = delivery(uuid.NewString(), false)
	w.HandleDelivery(context.Background(), testQueue, d)
	assert.Equal(t, settled{nacked: true, requeue: false}, ack.result)
}

func TestHandleDeliveryWithoutHandlerDeadLetters(t *testing.T) {
	f := newFixture(t)
	id, err := f.coord.Submit(context.Background(), SubmitInput{QueueName: "cad_generation"})
	require.NoError(t, err)
	w := newWorker(t, f, NoopHandler)

	d, ack := delivery(id.String(), false)
	w.HandleDelivery(context.Background(), "cad_generation", d)

	assert.Equal(t, settled{nacked: true, requeue: false}, ack.result)
	record, err := f.dead.FindByJobID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, enums.DeadLetterReasonPermanent, record.FailureReason)
}
