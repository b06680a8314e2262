package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	inProgress prometheus.Gauge
	suspended  prometheus.Gauge
	finished   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskqueue_chains_in_progress",
			Help: "Chains currently being executed.",
		}),
		suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskqueue_chains_suspended",
			Help: "Chains waiting for the messaging service.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskqueue_chains_finished_total",
			Help: "Chains that reached a terminal status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.inProgress, m.suspended, m.finished)
	}
	return m
}
