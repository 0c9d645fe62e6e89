package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayMetricsCountOutcomesAndLag(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)
	m.ObserveRelay("job_started", "published")
	m.ObserveRelay("job_started", "published")
	m.ObserveRelay("job_started", "held")
	m.ObservePublishLag(1500 * time.Millisecond)
	m.ObservePublishLag(-time.Second)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	relayed := findMetricFamily(mfs, "jobcore_outbox_relayed_total")
	require.NotNil(t, relayed)
	published := labelled(relayed, map[string]string{"event_type": "job_started", "outcome": "published"})
	require.NotNil(t, published)
	assert.Equal(t, 2.0, published.GetCounter().GetValue())
	held := labelled(relayed, map[string]string{"event_type": "job_started", "outcome": "held"})
	require.NotNil(t, held)
	assert.Equal(t, 1.0, held.GetCounter().GetValue())

	lag := findMetricFamily(mfs, "jobcore_outbox_publish_lag_seconds")
	require.NotNil(t, lag)
	require.Len(t, lag.GetMetric(), 1)
	hist := lag.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 1.5, hist.GetSampleSum(), 1e-9)
}

func TestRelayMetricsNilRegistryIsNoop(t *testing.T) {
	m := NewRelayMetrics(nil)
	assert.NotPanics(t, func() {
		m.ObserveRelay("job_started", "failed")
		m.ObservePublishLag(time.Second)
	})
}
