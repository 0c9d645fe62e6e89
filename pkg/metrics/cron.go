package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CronJobMetrics tracks maintenance job runs and which instance leads.
type CronJobMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	leader   prometheus.Gauge
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_cron_job_runs_total",
		Help: "Cron job runs by outcome (ok or error).",
	}, []string{"job", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobcore_cron_job_duration_seconds",
		Help:    "Cron job run time.",
		Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600},
	}, []string{"job"})
	leader := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobcore_cron_leader",
		Help: "1 while this instance holds the cron lease.",
	})
	reg.MustRegister(runs, duration, leader)
	return &CronJobMetrics{runs: runs, duration: duration, leader: leader}
}

func (c *CronJobMetrics) ObserveRun(job string, err error, elapsed time.Duration) {
	if c == nil || c.runs == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	job = normalizeLabel(job)
	c.runs.WithLabelValues(job, outcome).Inc()
	c.duration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (c *CronJobMetrics) SetLeader(leader bool) {
	if c == nil || c.leader == nil {
		return
	}
	if leader {
		c.leader.Set(1)
		return
	}
	c.leader.Set(0)
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
