package cron

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Job is one maintenance task run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds jobs with their cadence. A job with a zero cadence runs
// every cycle.
type Registry struct {
	entries []*entry
}

type entry struct {
	job     Job
	every   time.Duration
	lastRun time.Time
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers job to run at most once per every. Names must be unique
// since they label metrics and logs.
func (r *Registry) Add(job Job, every time.Duration) error {
	if job == nil {
		return errors.New("nil cron job")
	}
	if every < 0 {
		return fmt.Errorf("cron job %s: negative cadence", job.Name())
	}
	for _, e := range r.entries {
		if e.job.Name() == job.Name() {
			return fmt.Errorf("cron job %s registered twice", job.Name())
		}
	}
	r.entries = append(r.entries, &entry{job: job, every: every})
	return nil
}

// Names lists registered jobs in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.job.Name())
	}
	return names
}

// due returns the entries whose cadence has elapsed at now, in registration
// order. A job that never ran is always due.
func (r *Registry) due(now time.Time) []*entry {
	var out []*entry
	for _, e := range r.entries {
		if e.lastRun.IsZero() || now.Sub(e.lastRun) >= e.every {
			out = append(out, e)
		}
	}
	return out
}

// forget clears run history so a new leader starts every job fresh.
func (r *Registry) forget() {
	for _, e := range r.entries {
		e.lastRun = time.Time{}
	}
}
