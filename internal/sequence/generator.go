// Package sequence issues gap-tolerant, strictly increasing numbers per scope
// key (invoice numbers, job run numbers) under concurrent callers.
package sequence

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/jobcore/pkg/db"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const (
	defaultMaxAttempts = 5
	defaultRetryBase   = 5 * time.Millisecond
	defaultRetryCap    = 100 * time.Millisecond
)

const upsertSQL = `INSERT INTO sequence_counters (scope_key, current_value, created_at, updated_at)
VALUES (?, 1, ?, ?)
ON CONFLICT (scope_key) DO UPDATE
SET current_value = sequence_counters.current_value + 1, updated_at = excluded.updated_at
RETURNING current_value`

// Value is one issued number.
type Value struct {
	ScopeKey string `json:"scope_key"`
	Value    int64  `json:"value"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	Dialect() string
}

type GeneratorParams struct {
	DB          txRunner
	Logger      *logger.Logger
	MaxAttempts uint64
	RetryBase   time.Duration
	RetryCap    time.Duration
	Now         func() time.Time
}

type Generator struct {
	db          txRunner
	logg        *logger.Logger
	maxAttempts uint64
	retryBase   time.Duration
	retryCap    time.Duration
	now         func() time.Time
}

func NewGenerator(params GeneratorParams) (*Generator, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.MaxAttempts == 0 {
		params.MaxAttempts = defaultMaxAttempts
	}
	if params.RetryBase <= 0 {
		params.RetryBase = defaultRetryBase
	}
	if params.RetryCap <= 0 {
		params.RetryCap = defaultRetryCap
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Generator{
		db:          params.DB,
		logg:        params.Logger,
		maxAttempts: params.MaxAttempts,
		retryBase:   params.RetryBase,
		retryCap:    params.RetryCap,
		now:         params.Now,
	}, nil
}

// Next increments and returns the counter for scopeKey in its own short
// transaction. It never joins a caller's transaction, so the per-key lock is
// held only for the duration of the increment.
func (g *Generator) Next(ctx context.Context, scopeKey string) (Value, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return Value{}, pkgerrors.New(pkgerrors.CodeValidation, "scope key is required")
	}

	var issued int64
	backoff := retry.WithMaxRetries(g.maxAttempts-1, retry.WithJitterPercent(25, retry.WithCappedDuration(g.retryCap, retry.NewExponential(g.retryBase))))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := g.db.WithTx(ctx, func(tx *gorm.DB) error {
			if g.db.Dialect() == "postgres" {
				if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", lockKey(scopeKey)).Error; err != nil {
					return err
				}
			}
			now := g.now().UTC()
			return tx.Raw(upsertSQL, scopeKey, now, now).Scan(&issued).Error
		})
		if err != nil && db.IsTransient(err) {
			if g.logg != nil {
				g.logg.Warn(g.logg.WithField(ctx, "scope_key", scopeKey), "sequence.contention_retry")
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return Value{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "allocate sequence value")
	}
	return Value{ScopeKey: scopeKey, Value: issued}, nil
}

// lockKey maps a scope key onto the signed 64-bit advisory lock space.
func lockKey(scopeKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scopeKey))
	return int64(h.Sum64())
}

// MonthlyScope builds "<prefix>:YYYY-MM" in UTC, the usual key for
// numbering that restarts each month.
func MonthlyScope(prefix string, t time.Time) string {
	return fmt.Sprintf("%s:%s", prefix, t.UTC().Format("2006-01"))
}
