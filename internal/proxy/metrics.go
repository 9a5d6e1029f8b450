package proxy

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/openscans/internal/model"
)

var (
	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openscans_detections_total",
			Help: "Total number of proxied detection requests by outcome.",
		},
		[]string{"outcome"},
	)

	detectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openscans_detection_duration_seconds",
			Help:    "Round-trip duration of proxied detection requests, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(detectionsTotal)
	prometheus.MustRegister(detectionDuration)

	for _, o := range []string{
		model.OutcomeOK, model.OutcomeNotRunning, model.OutcomeTransport,
		model.OutcomeWorker, model.OutcomeDecode,
	} {
		detectionsTotal.WithLabelValues(o)
	}
}
