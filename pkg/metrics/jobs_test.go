package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelled(mf *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, metric := range mf.GetMetric() {
		matched := 0
		for _, pair := range metric.GetLabel() {
			if want[pair.GetName()] == pair.GetValue() {
				matched++
			}
		}
		if matched == len(want) {
			return metric
		}
	}
	return nil
}

func TestJobMetricsCountTransitionsAndDeadLetters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetrics(reg)
	m.ObserveTransition("simulation", "running", "retrying")
	m.ObserveTransition("simulation", "running", "retrying")
	m.ObserveRetryDelay("simulation", 2*time.Second)
	m.ObserveDeadLetter("simulation", "max_attempts_exceeded")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	transitions := findMetricFamily(mfs, "jobcore_job_transitions_total")
	require.NotNil(t, transitions)
	metric := labelled(transitions, map[string]string{"queue": "simulation", "from": "running", "to": "retrying"})
	require.NotNil(t, metric)
	assert.Equal(t, 2.0, metric.GetCounter().GetValue())

	got, err := fetchHistogramSum(mfs, "jobcore_job_retry_delay_seconds", "queue", "simulation")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	dead := findMetricFamily(mfs, "jobcore_dead_letters_total")
	require.NotNil(t, dead)
	metric = labelled(dead, map[string]string{"queue": "simulation", "reason": "max_attempts_exceeded"})
	require.NotNil(t, metric)
	assert.Equal(t, 1.0, metric.GetCounter().GetValue())
}

func TestIdempotencyAndAuditMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	idem := NewIdempotencyMetrics(reg)
	auditM := NewAuditMetrics(reg)
	idem.ObserveIdempotencyOutcome("replay")
	auditM.SetChainTampered(true)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got, err := fetchCounterValue(mfs, "jobcore_idempotency_outcomes_total", "outcome", "replay")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	gauge := findMetricFamily(mfs, "jobcore_audit_chain_tampered")
	require.NotNil(t, gauge)
	assert.Equal(t, 1.0, gauge.GetMetric()[0].GetGauge().GetValue())
}

func TestNilRegistererIsNoop(t *testing.T) {
	var m *JobMetrics
	m.ObserveTransition("q", "a", "b")
	NewJobMetrics(nil).ObserveDeadLetter("q", "r")
	NewAuditMetrics(nil).SetChainTampered(true)
	NewIdempotencyMetrics(nil).ObserveIdempotencyOutcome("reserved")
	NewWebhookMetrics(nil).SetOverdue(3)
}

func TestWebhookOverdueGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebhookMetrics(reg)
	m.SetOverdue(4)
	m.SetOverdue(2)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	gauge := findMetricFamily(mfs, "jobcore_webhook_overdue_events")
	require.NotNil(t, gauge)
	assert.Equal(t, 2.0, gauge.GetMetric()[0].GetGauge().GetValue())
}
