package lockdown

import "github.com/prometheus/client_golang/prometheus"

type lockdownMetrics struct {
	locks      *prometheus.CounterVec
	reconciled prometheus.Counter
}

func newLockdownMetrics(reg prometheus.Registerer) *lockdownMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &lockdownMetrics{
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherrelay_panic_locks_total",
			Help: "Panic locks grouped by scope (device, all).",
		}, []string{"scope"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherrelay_panic_reconciled_total",
			Help: "Devices whose durable blocked flag was repaired from the blacklist.",
		}),
	}

	reg.MustRegister(m.locks, m.reconciled)
	return m
}
