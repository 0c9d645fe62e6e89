package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/jobcore/pkg/logger"
)

const (
	defaultOutboxRetention         = 30 * 24 * time.Hour
	defaultOutboxTerminalRetention = 90 * 24 * time.Hour
	defaultOutboxDeleteBatch       = 1000
)

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger *logger.Logger
	Outbox outboxPruner
	// Published rows are dropped after Retention. Terminal rows, which were
	// never relayed, are kept for TerminalRetention.
	Retention         time.Duration
	TerminalRetention time.Duration
	BatchSize         int
}

// NewOutboxRetentionJob prunes relayed lifecycle events in bounded batches so
// one cycle never holds a long delete.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if params.Retention <= 0 {
		params.Retention = defaultOutboxRetention
	}
	if params.TerminalRetention <= 0 {
		params.TerminalRetention = defaultOutboxTerminalRetention
	}
	if params.TerminalRetention < params.Retention {
		params.TerminalRetention = params.Retention
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultOutboxDeleteBatch
	}
	return &outboxRetentionJob{
		logg:     params.Logger,
		outbox:   params.Outbox,
		keep:     params.Retention,
		keepDead: params.TerminalRetention,
		batch:    params.BatchSize,
		now:      time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg     *logger.Logger
	outbox   outboxPruner
	keep     time.Duration
	keepDead time.Duration
	batch    int
	now      func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	published, err := drain(ctx, j.batch, func(ctx context.Context, limit int) (int64, error) {
		return j.outbox.DeletePublishedBefore(ctx, now.Add(-j.keep), limit)
	})
	if err != nil {
		return fmt.Errorf("prune published outbox rows: %w", err)
	}
	terminal, err := drain(ctx, j.batch, func(ctx context.Context, limit int) (int64, error) {
		return j.outbox.DeleteTerminalBefore(ctx, now.Add(-j.keepDead), limit)
	})
	if err != nil {
		return fmt.Errorf("prune terminal outbox rows: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"published_deleted": published,
		"terminal_deleted":  terminal,
	})
	j.logg.Info(logCtx, "cron.outbox_retention_complete")
	return nil
}

// drain repeats del until a batch comes back short or ctx ends.
func drain(ctx context.Context, batch int, del func(context.Context, int) (int64, error)) (int64, error) {
	var total int64
	for {
		n, err := del(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
