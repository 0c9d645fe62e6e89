package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/jobcore/pkg/logger"
)

const deadLetterRetentionDays = 30

type deadLetterPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type DeadLetterRetentionJobParams struct {
	Logger      *logger.Logger
	DeadLetters deadLetterPurger
	Retention   int
}

// NewDeadLetterRetentionJob purges dead-letter records older than the
// retention window. Each purge is recorded in the audit chain by the store.
func NewDeadLetterRetentionJob(params DeadLetterRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DeadLetters == nil {
		return nil, fmt.Errorf("dead letter store required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = deadLetterRetentionDays
	}
	return &deadLetterRetentionJob{logg: params.Logger, store: params.DeadLetters, retention: retention, now: time.Now}, nil
}

type deadLetterRetentionJob struct {
	logg      *logger.Logger
	store     deadLetterPurger
	retention int
	now       func() time.Time
}

func (j *deadLetterRetentionJob) Name() string { return "dead-letter-retention" }

func (j *deadLetterRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("dead letter retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "cron.dead_letter_retention_complete")
	return nil
}
