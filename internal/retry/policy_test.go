package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

func fixedJitter(v float64) func() float64 {
	return func() float64 { return v }
}

func TestDelayIsExponentialAndCapped(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.attempt))
		})
	}
}

func TestDelayNeverDecreases(t *testing.T) {
	p := Policy{Base: 250 * time.Millisecond, Cap: time.Minute}
	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.Cap)
		prev = d
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Hour, Jitter: fixedJitter(0)}
	assert.Equal(t, 2*time.Second, p.Backoff(2))

	p.Jitter = fixedJitter(0.999999)
	assert.InDelta(t, float64(6*time.Second), float64(p.Backoff(2)), float64(time.Millisecond))

	capped := Policy{Base: time.Second, Cap: 10 * time.Second, Jitter: fixedJitter(0.99)}
	assert.Equal(t, 10*time.Second, capped.Backoff(10))

	random := Policy{Base: time.Second, Cap: time.Hour}
	for i := 0; i < 200; i++ {
		d := random.Backoff(3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestDecide(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute, Jitter: fixedJitter(0.5)}
	network := errors.New("connection reset")

	tests := []struct {
		name       string
		attempt    int
		max        int
		err        error
		wantAction Action
		wantReason enums.DeadLetterReason
		wantDelay  time.Duration
		wantKind   Kind
	}{
		{name: "transient with attempts left", attempt: 1, max: 3, err: Transient(network), wantAction: ActionRetry, wantDelay: 2 * time.Second, wantKind: KindTransient},
		{name: "transient exhausted", attempt: 3, max: 3, err: Transient(network), wantAction: ActionDeadLetter, wantReason: enums.DeadLetterReasonMaxAttempts, wantKind: KindTransient},
		{name: "permanent on first attempt", attempt: 1, max: 5, err: Permanent("bad_geometry", network), wantAction: ActionDeadLetter, wantReason: enums.DeadLetterReasonPermanent, wantKind: KindPermanent},
		{name: "cancelled", attempt: 1, max: 5, err: Cancelled(context.Canceled), wantAction: ActionDeadLetter, wantReason: enums.DeadLetterReasonCancelled, wantKind: KindCancelled},
		{name: "untyped defaults to transient", attempt: 2, max: 5, err: network, wantAction: ActionRetry, wantDelay: 4 * time.Second, wantKind: KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempt, tt.max, tt.err, nil)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.wantDelay, d.Delay)
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.err.Error(), d.Error)
		})
	}
}

func TestDecideUsesCallerClassifier(t *testing.T) {
	p := DefaultPolicy()
	alwaysPermanent := func(error) Kind { return KindPermanent }
	d := p.Decide(1, 10, Transient(errors.New("x")), alwaysPermanent)
	assert.Equal(t, ActionDeadLetter, d.Action)
	assert.Equal(t, enums.DeadLetterReasonPermanent, d.Reason)
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, KindPermanent, DefaultClassifier(pkgerrors.New(pkgerrors.CodeValidation, "bad payload")))
	assert.Equal(t, KindTransient, DefaultClassifier(pkgerrors.New(pkgerrors.CodeDependency, "broker down")))
	assert.Equal(t, KindCancelled, DefaultClassifier(fmt.Errorf("run: %w", context.Canceled)))
	assert.Equal(t, KindTransient, DefaultClassifier(context.DeadlineExceeded))
	assert.Equal(t, KindPermanent, DefaultClassifier(fmt.Errorf("wrapped: %w", Permanent("x", errors.New("y")))))
	assert.Equal(t, KindTransient, DefaultClassifier(errors.New("validation failed")))
}

func TestDefaultClassifierReadsDriverCodes(t *testing.T) {
	deadlock := fmt.Errorf("update job: %w", &pgconn.PgError{Code: "40P01"})
	assert.Equal(t, KindTransient, DefaultClassifier(deadlock))
	assert.Equal(t, KindTransient, DefaultClassifier(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.Equal(t, KindTransient, DefaultClassifier(driver.ErrBadConn))

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.Equal(t, KindPermanent, DefaultClassifier(unique))
	assert.Equal(t, KindPermanent, DefaultClassifier(&pq.Error{Code: "22P02"}))
	assert.Equal(t, KindPermanent, DefaultClassifier(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}))
}
