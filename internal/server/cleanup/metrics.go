package cleanup

import "github.com/prometheus/client_golang/prometheus"

type cleanupMetrics struct {
	deleted       prometheus.Counter
	mediaFailures prometheus.Counter
	sweepFailures prometheus.Counter
}

func newCleanupMetrics(reg prometheus.Registerer) *cleanupMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &cleanupMetrics{
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherrelay_cleanup_deleted_total",
			Help: "Expired messages deleted by the cleanup sweep.",
		}),
		mediaFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherrelay_cleanup_media_failures_total",
			Help: "Media blobs that could not be deleted during a sweep.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherrelay_cleanup_sweep_failures_total",
			Help: "Scheduled sweeps that failed against the message store.",
		}),
	}

	reg.MustRegister(m.deleted, m.mediaFailures, m.sweepFailures)
	return m
}
