package health

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for probe results.
const (
	resultHealthy   = "healthy"
	resultUnhealthy = "unhealthy"
)

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openscans_health_probes_total",
			Help: "Total number of worker health probes by result.",
		},
		[]string{"result"},
	)

	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openscans_health_probe_duration_seconds",
			Help:    "Duration of worker health probes, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(probesTotal)
	prometheus.MustRegister(probeDuration)

	probesTotal.WithLabelValues(resultHealthy)
	probesTotal.WithLabelValues(resultUnhealthy)
}
