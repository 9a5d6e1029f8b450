package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for start results.
const (
	startStarted    = "started"
	startAttached   = "already_running"
	startSpawnError = "spawn_error"
	startTimeout    = "timeout"
	startExited     = "exited"
)

// Metric label values for stop results.
const (
	stopTerminated = "terminated"
	stopNoop       = "noop"
	stopFailed     = "failed"
)

var (
	startsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openscans_worker_starts_total",
			Help: "Total number of start requests by result.",
		},
		[]string{"result"},
	)

	stopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openscans_worker_stops_total",
			Help: "Total number of stop requests by result.",
		},
		[]string{"result"},
	)

	readyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openscans_worker_ready_seconds",
			Help:    "Duration from worker spawn to first healthy probe, in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	workerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openscans_worker_up",
			Help: "1 while a worker that passed its readiness wait is held.",
		},
	)

	workerExitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openscans_worker_unexpected_exits_total",
			Help: "Total number of worker processes that exited without being stopped.",
		},
	)
)

func init() {
	prometheus.MustRegister(startsTotal)
	prometheus.MustRegister(stopsTotal)
	prometheus.MustRegister(readyDuration)
	prometheus.MustRegister(workerUp)
	prometheus.MustRegister(workerExitsTotal)

	for _, r := range []string{startStarted, startAttached, startSpawnError, startTimeout, startExited} {
		startsTotal.WithLabelValues(r)
	}
	for _, r := range []string{stopTerminated, stopNoop, stopFailed} {
		stopsTotal.WithLabelValues(r)
	}
}
