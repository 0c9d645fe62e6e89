package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks what the outbox relay did with each row and how long
// published rows waited after commit.
type RelayMetrics struct {
	relayed *prometheus.CounterVec
	lag     prometheus.Histogram
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	relayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_outbox_relayed_total",
		Help: "Outbox rows handled by the relay, by event type and outcome.",
	}, []string{"event_type", "outcome"})
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobcore_outbox_publish_lag_seconds",
		Help:    "Time between an outbox row being committed and its publish being confirmed.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
	})
	reg.MustRegister(relayed, lag)
	return &RelayMetrics{relayed: relayed, lag: lag}
}

func (m *RelayMetrics) ObserveRelay(eventType, outcome string) {
	if m == nil || m.relayed == nil {
		return
	}
	m.relayed.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *RelayMetrics) ObservePublishLag(d time.Duration) {
	if m == nil || m.lag == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.lag.Observe(d.Seconds())
}
