package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("edgesync.syncer")

// Metrics are the sync client's Prometheus collectors.
type Metrics struct {
	Attempts      *prometheus.CounterVec
	Duration      prometheus.Histogram
	Bytes         *prometheus.CounterVec
	Retries       prometheus.Counter
	State         prometheus.Gauge
	GlobalVersion prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_sync_attempts_total",
			Help: "Sync runs by result.",
		}, []string{"result"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgesync_sync_duration_seconds",
			Help:    "Wall time of a sync run including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_sync_bytes_total",
			Help: "Compressed payload bytes by direction.",
		}, []string{"direction"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "edgesync_sync_retries_total",
			Help: "Transport retries after transient failures.",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_sync_state",
			Help: "Current sync state (0 idle, 1 syncing, 2 retrying, 3 success, 4 failed).",
		}),
		GlobalVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_global_version",
			Help: "Version of the applied global pattern view.",
		}),
	}
}
