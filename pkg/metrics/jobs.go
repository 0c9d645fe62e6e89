package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics counts job lifecycle transitions, retry delays and dead letters.
type JobMetrics struct {
	transitions *prometheus.CounterVec
	retryDelay  *prometheus.HistogramVec
	deadLetters *prometheus.CounterVec
}

func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_job_transitions_total",
		Help: "Job status transitions committed by the coordinator.",
	}, []string{"queue", "from", "to"})
	retryDelay := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobcore_job_retry_delay_seconds",
		Help:    "Backoff delay scheduled for job retries.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"queue"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_dead_letters_total",
		Help: "Jobs moved to dead_lettered.",
	}, []string{"queue", "reason"})
	reg.MustRegister(transitions, retryDelay, deadLetters)
	return &JobMetrics{transitions: transitions, retryDelay: retryDelay, deadLetters: deadLetters}
}

func (m *JobMetrics) ObserveTransition(queue, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(queue), normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *JobMetrics) ObserveRetryDelay(queue string, delay time.Duration) {
	if m == nil || m.retryDelay == nil {
		return
	}
	m.retryDelay.WithLabelValues(normalizeLabel(queue)).Observe(delay.Seconds())
}

func (m *JobMetrics) ObserveDeadLetter(queue, reason string) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.WithLabelValues(normalizeLabel(queue), normalizeLabel(reason)).Inc()
}

// IdempotencyMetrics counts reservation outcomes.
type IdempotencyMetrics struct {
	outcomes *prometheus.CounterVec
}

func NewIdempotencyMetrics(reg prometheus.Registerer) *IdempotencyMetrics {
	if reg == nil {
		return &IdempotencyMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_idempotency_outcomes_total",
		Help: "Idempotency reservation outcomes.",
	}, []string{"outcome"})
	reg.MustRegister(outcomes)
	return &IdempotencyMetrics{outcomes: outcomes}
}

func (m *IdempotencyMetrics) ObserveIdempotencyOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// AuditMetrics exposes the result of the last chain verification. The gauge
// stays at 1 once tampering is seen until an operator restarts the verifier.
type AuditMetrics struct {
	tampered prometheus.Gauge
}

func NewAuditMetrics(reg prometheus.Registerer) *AuditMetrics {
	if reg == nil {
		return &AuditMetrics{}
	}
	tampered := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobcore_audit_chain_tampered",
		Help: "1 when the last audit chain verification found tampering.",
	})
	reg.MustRegister(tampered)
	return &AuditMetrics{tampered: tampered}
}

func (m *AuditMetrics) SetChainTampered(tampered bool) {
	if m == nil || m.tampered == nil {
		return
	}
	if tampered {
		m.tampered.Set(1)
		return
	}
	m.tampered.Set(0)
}

// WebhookMetrics tracks pending webhook events whose scheduled retry passed
// without the sender redelivering them.
type WebhookMetrics struct {
	overdue prometheus.Gauge
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	overdue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobcore_webhook_overdue_events",
		Help: "Pending webhook events past their next_retry_at at the last check.",
	})
	reg.MustRegister(overdue)
	return &WebhookMetrics{overdue: overdue}
}

func (m *WebhookMetrics) SetOverdue(n int) {
	if m == nil || m.overdue == nil {
		return
	}
	m.overdue.Set(float64(n))
}
