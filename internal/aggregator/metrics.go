package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("edgesync.aggregator")

// Metrics are the aggregator's Prometheus collectors.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Duration      prometheus.Histogram
	Devices       prometheus.Gauge
	Patterns      prometheus.Gauge
	GlobalVersion prometheus.Gauge
	Trimmed       prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_aggregator_requests_total",
			Help: "Sync requests by response status.",
		}, []string{"status"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgesync_aggregator_request_duration_seconds",
			Help:    "Time spent handling one sync request.",
			Buckets: prometheus.DefBuckets,
		}),
		Devices: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_aggregator_devices",
			Help: "Devices that have synced at least once.",
		}),
		Patterns: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_aggregator_global_patterns",
			Help: "Patterns in the published global view.",
		}),
		GlobalVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_aggregator_global_version",
			Help: "Version of the published global view.",
		}),
		Trimmed: f.NewCounter(prometheus.CounterOpts{
			Name: "edgesync_aggregator_trimmed_patterns_total",
			Help: "Global patterns held back by the pull budget.",
		}),
	}
}
