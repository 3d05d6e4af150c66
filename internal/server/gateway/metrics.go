package gateway

import "github.com/prometheus/client_golang/prometheus"

type gatewayMetrics struct {
	sessionsActive prometheus.Gauge
	events         *prometheus.CounterVec
	eventLatency   *prometheus.HistogramVec
	fanoutDropped  *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &gatewayMetrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cipherrelay_sessions_active",
			Help: "Current number of authenticated sessions.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherrelay_events_total",
			Help: "Inbound events grouped by name and result code.",
		}, []string{"event", "code"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cipherrelay_event_duration_seconds",
			Help:    "Time spent handling inbound events.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"event"}),
		fanoutDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherrelay_fanout_dropped_total",
			Help: "Best-effort outbound events dropped on a full session queue.",
		}, []string{"event"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherrelay_auth_failures_total",
			Help: "Rejected handshakes grouped by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.sessionsActive, m.events, m.eventLatency, m.fanoutDropped, m.authFailures)
	return m
}
