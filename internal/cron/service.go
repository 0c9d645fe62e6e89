package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/jobcore/pkg/logger"
)

const (
	defaultInterval = time.Minute
	releaseTimeout  = 5 * time.Second
)

// RunMetrics records job outcomes and leadership. *metrics.CronJobMetrics
// satisfies it.
type RunMetrics interface {
	ObserveRun(job string, err error, duration time.Duration)
	SetLeader(leader bool)
}

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  RunMetrics
	// Interval is the tick. Job cadences shorter than it round up to it.
	Interval time.Duration
}

// Service ticks on Interval. Each tick the leader runs the jobs that are due;
// every other instance only tries to take the lease.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  RunMetrics
	interval time.Duration
	now      func() time.Time
	leader   bool
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if params.Interval <= 0 {
		params.Interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: params.Interval,
		now:      time.Now,
	}, nil
}

// Run blocks until ctx ends, then gives the lease up so another instance can
// lead without waiting for the TTL.
func (s *Service) Run(ctx context.Context) error {
	defer s.resign(ctx)

	s.cycle(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	if !s.lead(ctx) {
		return
	}
	now := s.now()
	for _, e := range s.registry.due(now) {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, e, now)
		if !s.hold(ctx) {
			return
		}
	}
}

// lead keeps or takes the lease. A new leader starts with a clean schedule.
func (s *Service) lead(ctx context.Context) bool {
	if s.leader && s.hold(ctx) {
		return true
	}
	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		s.logg.Error(ctx, "cron.lease_acquire_failed", err)
		return false
	}
	if !ok {
		return false
	}
	s.leader = true
	s.registry.forget()
	s.setLeader(true)
	s.logg.Info(ctx, "cron.leadership_acquired")
	return true
}

// hold extends the lease. Losing it, or failing to reach the lock store,
// demotes this instance.
func (s *Service) hold(ctx context.Context) bool {
	ok, err := s.lock.Extend(ctx)
	if err == nil && ok {
		return true
	}
	s.leader = false
	s.setLeader(false)
	if err != nil {
		s.logg.Error(ctx, "cron.lease_extend_failed", err)
	} else {
		s.logg.Warn(ctx, "cron.leadership_lost")
	}
	return false
}

func (s *Service) resign(ctx context.Context) {
	if !s.leader {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.lock.Release(releaseCtx); err != nil {
		s.logg.Error(releaseCtx, "cron.lease_release_failed", err)
	}
	s.leader = false
	s.setLeader(false)
}

func (s *Service) runJob(ctx context.Context, e *entry, now time.Time) {
	name := e.job.Name()
	jobCtx := s.logg.WithField(ctx, "job", name)
	e.lastRun = now

	start := time.Now()
	err := e.job.Run(jobCtx)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveRun(name, err, elapsed)
	}

	jobCtx = s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "cron.job_failed", err)
		return
	}
	s.logg.Info(jobCtx, "cron.job_completed")
}

func (s *Service) setLeader(leader bool) {
	if s.metrics != nil {
		s.metrics.SetLeader(leader)
	}
}
