package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	recommendations prometheus.Counter
	observations    *prometheus.CounterVec
	patterns        prometheus.Gauge
	persists        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		recommendations: f.NewCounter(prometheus.CounterOpts{
			Name: "edgesync_node_recommendations_total",
			Help: "Recommend calls served.",
		}),
		observations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_node_observations_total",
			Help: "Viewing events observed by result.",
		}, []string{"result"}),
		patterns: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_node_local_patterns",
			Help: "Local viewing patterns held in memory.",
		}),
		persists: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_node_persists_total",
			Help: "State snapshots written by result.",
		}, []string{"result"}),
	}
}
