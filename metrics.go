package transcendence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "transcendence"

// Metrics holds the session's Prometheus collectors. Collectors built with a
// nil registerer are live but unregistered.
type Metrics struct {
	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	MessagesApplied   *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	Calls             *prometheus.CounterVec
	CallDuration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connection_state",
				Help:      "1 for the current channel state, 0 otherwise",
			},
			[]string{"state"},
		),
		ReconnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconnect_attempts_total",
				Help:      "Total number of scheduled reconnect attempts",
			},
		),
		MessagesApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_applied_total",
				Help:      "Inbound messages handed to the reconciler, by type",
			},
			[]string{"type"},
		),
		MessagesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_dropped_total",
				Help:      "Inbound messages dropped, by reason",
			},
			[]string{"reason"},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "action_queue_depth",
				Help:      "Actions waiting for the channel to open",
			},
		),
		Calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_total",
				Help:      "Correlated calls, by outcome",
			},
			[]string{"outcome"},
		),
		CallDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "call_duration_seconds",
				Help:      "Time from registering a call to its reply",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
	}
}

// RecordState marks s as the current connection state.
func (m *Metrics) RecordState(s ConnectionState) {
	for _, st := range []ConnectionState{StateClosed, StateConnecting, StateOpen, StateBackoff} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}
