package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/jobcore/pkg/logger"
)

const defaultIdempotencyPurgeBatch = 500

type idempotencyPurger interface {
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

type IdempotencyPurgeJobParams struct {
	Logger    *logger.Logger
	Guard     idempotencyPurger
	BatchSize int
}

// NewIdempotencyPurgeJob deletes idempotency records past their expiry.
func NewIdempotencyPurgeJob(params IdempotencyPurgeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Guard == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultIdempotencyPurgeBatch
	}
	return &idempotencyPurgeJob{logg: params.Logger, guard: params.Guard, batch: batch, now: time.Now}, nil
}

type idempotencyPurgeJob struct {
	logg  *logger.Logger
	guard idempotencyPurger
	batch int
	now   func() time.Time
}

func (j *idempotencyPurgeJob) Name() string { return "idempotency-purge" }

func (j *idempotencyPurgeJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var total int64
	for {
		n, err := j.guard.PurgeExpired(ctx, now, j.batch)
		if err != nil {
			return fmt.Errorf("idempotency purge: %w", err)
		}
		total += n
		if n < int64(j.batch) || ctx.Err() != nil {
			break
		}
	}
	j.logg.Info(j.logg.WithField(ctx, "rows_deleted", total), "cron.idempotency_purge_complete")
	return nil
}
