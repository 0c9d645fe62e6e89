package webhooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/jobcore/internal/audit"
	"github.com/angelmondragon/jobcore/internal/retry"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/db/dbtest"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/outbox"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *Store
	client *db.Client
	audit  *audit.Service
	clock  *manualClock
}

func newFixture(t *testing.T, maxAttempts int) fixture {
	t.Helper()
	client := dbtest.Open(t, &models.WebhookEvent{}, &models.AuditLogEntry{}, &models.OutboxEvent{})
	clock := &manualClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	auditSvc, err := audit.NewService(audit.ServiceParams{
		DB:         client,
		Repository: audit.NewRepository(client.DB()),
		Now:        clock.Now,
	})
	require.NoError(t, err)
	store, err := NewStore(StoreParams{
		DB:          client.DB(),
		Auditor:     auditSvc,
		Outbox:      outbox.NewService(outbox.NewRepository(client.DB()), nil),
		Policy:      retry.Policy{Base: time.Second, Cap: time.Minute, Jitter: func() float64 { return 0.5 }},
		LockTTL:     30 * time.Second,
		MaxAttempts: maxAttempts,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	return fixture{store: store, client: client, audit: auditSvc, clock: clock}
}

func auditEvents(t *testing.T, client *db.Client, eventID string) []string {
	t.Helper()
	var types []string
	require.NoError(t, client.DB().Model(&models.AuditLogEntry{}).
		Where("scope_type = ? AND scope_id = ?", enums.AuditScopeWebhook, eventID).
		Order("id ASC").Pluck("event_type", &types).Error)
	return types
}

func TestDoubleDeliveryProducesOneDeliveredTransition(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	payload := []byte(`{"type":"invoice.paid","id":"evt_1"}`)

	var calls int32
	handler := func(context.Context, []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	require.NoError(t, f.store.Process(ctx, "stripe", "evt_1", payload, handler))
	require.NoError(t, f.store.Process(ctx, "stripe", "evt_1", payload, handler))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	event, err := f.store.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusDelivered, event.Status)
	assert.Nil(t, event.LockToken)
	assert.Equal(t, []string{string(enums.AuditWebhookDelivered)}, auditEvents(t, f.client, "evt_1"))
}

func TestConcurrentClaimsYieldOneClaimed(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	hash := PayloadHash([]byte(`{}`))

	const callers = 20
	results := make([]ClaimResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.store.Claim(ctx, "square", "evt_race", hash)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, res := range results {
		switch res.Outcome {
		case Claimed:
			claimed++
			assert.NotEmpty(t, res.LockToken)
		case Locked:
		default:
			t.Fatalf("unexpected outcome %s", res.Outcome)
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	hash := PayloadHash([]byte(`{"n":1}`))

	first, err := f.store.Claim(ctx, "stripe", "evt_crash", hash)
	require.NoError(t, err)
	require.Equal(t, Claimed, first.Outcome)

	second, err := f.store.Claim(ctx, "stripe", "evt_crash", hash)
	require.NoError(t, err)
	assert.Equal(t, Locked, second.Outcome)

	f.clock.Advance(31 * time.Second)
	third, err := f.store.Claim(ctx, "stripe", "evt_crash", hash)
	require.NoError(t, err)
	require.Equal(t, Claimed, third.Outcome)
	assert.NotEqual(t, first.LockToken, third.LockToken)

	err = f.store.Release(ctx, "evt_crash", first.LockToken, nil)
	assert.ErrorIs(t, err, ErrLockLost)
	require.NoError(t, f.store.Release(ctx, "evt_crash", third.LockToken, nil))

	event, err := f.store.Get(ctx, "evt_crash")
	require.NoError(t, err)
	assert.Equal(t, 2, event.DeliveryAttempts)
	assert.Equal(t, enums.WebhookStatusDelivered, event.Status)
}

func TestFailuresScheduleRetryThenFail(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	payload := []byte(`{"n":2}`)
	boom := errors.New("provider timeout")
	failing := func(context.Context, []byte) error { return boom }

	err := f.store.Process(ctx, "stripe", "evt_flaky", payload, failing)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	event, err := f.store.Get(ctx, "evt_flaky")
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusPending, event.Status)
	require.NotNil(t, event.NextRetryAt)
	assert.True(t, f.clock.Now().Add(2*time.Second).Equal(*event.NextRetryAt), "got %s", event.NextRetryAt)

	due, err := f.store.ListDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	f.clock.Advance(2 * time.Second)
	due, err = f.store.ListDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.Error(t, f.store.Process(ctx, "stripe", "evt_flaky", payload, failing))
	event, err = f.store.Get(ctx, "evt_flaky")
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusFailed, event.Status)
	assert.Equal(t, []string{string(enums.AuditWebhookFailed)}, auditEvents(t, f.client, "evt_flaky"))

	var emitted []models.OutboxEvent
	require.NoError(t, f.client.DB().Where("aggregate_id = ?", "evt_flaky").Find(&emitted).Error)
	require.Len(t, emitted, 1)
	assert.Equal(t, enums.EventWebhookFailed, emitted[0].EventType)

	called := false
	require.NoError(t, f.store.Process(ctx, "stripe", "evt_flaky", payload, func(context.Context, []byte) error {
		called = true
		return nil
	}))
	assert.False(t, called)

	verify, err := f.audit.Verify(ctx, audit.Range{})
	require.NoError(t, err)
	assert.True(t, verify.Valid)
}

func TestDeliveryDuringInFlightProcessingIsNoop(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	payload := []byte(`{"n":3}`)

	entered := make(chan struct{})
	finish := make(chan struct{})
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- f.store.Process(ctx, "stripe", "evt_busy", payload, func(context.Context, []byte) error {
			close(entered)
			<-finish
			return nil
		})
	}()
	<-entered

	secondCalled := false
	err := f.store.Process(ctx, "stripe", "evt_busy", payload, func(context.Context, []byte) error {
		secondCalled = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, secondCalled)

	close(finish)
	require.NoError(t, <-firstErr)

	event, err := f.store.Get(ctx, "evt_busy")
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookStatusDelivered, event.Status)
}

func TestClaimRejectsPayloadMismatch(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.store.Claim(ctx, "stripe", "evt_x", PayloadHash([]byte("a")))
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, "stripe", "evt_x", PayloadHash([]byte("b")))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))

	_, err = f.store.Claim(ctx, "stripe", "", PayloadHash([]byte("a")))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
