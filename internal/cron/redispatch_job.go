package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/jobcore/pkg/logger"
)

const (
	defaultStaleAfter      = 10 * time.Minute
	defaultRedispatchBatch = 100
)

type redispatcher interface {
	Redispatch(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type RedispatchJobParams struct {
	Logger     *logger.Logger
	Jobs       redispatcher
	StaleAfter time.Duration
	// RetryCap raises StaleAfter so a retrying job whose delayed publish was
	// lost is never republished before its backoff could have elapsed.
	RetryCap  time.Duration
	BatchSize int
}

// NewRedispatchJob republishes jobs whose broker message was probably lost.
func NewRedispatchJob(params RedispatchJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Jobs == nil {
		return nil, fmt.Errorf("job coordinator required")
	}
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if staleAfter < params.RetryCap {
		staleAfter = params.RetryCap
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultRedispatchBatch
	}
	return &redispatchJob{logg: params.Logger, jobs: params.Jobs, staleAfter: staleAfter, batch: batch}, nil
}

type redispatchJob struct {
	logg       *logger.Logger
	jobs       redispatcher
	staleAfter time.Duration
	batch      int
}

func (j *redispatchJob) Name() string { return "stale-job-redispatch" }

func (j *redispatchJob) Run(ctx context.Context) error {
	n, err := j.jobs.Redispatch(ctx, j.staleAfter, j.batch)
	logCtx := j.logg.WithField(ctx, "republished", n)
	if err != nil {
		return fmt.Errorf("redispatch: %w", err)
	}
	j.logg.Info(logCtx, "cron.redispatch_complete")
	return nil
}
