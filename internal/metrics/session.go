package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	captureRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "session",
		Name:      "captures_total",
		Help:      "Capture requests by result",
	}, []string{"result"})

	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "campipe",
		Subsystem: "session",
		Name:      "capture_duration_seconds",
		Help:      "Time from capture request to selected frame",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
	})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "session",
		Name:      "frames_dropped_total",
		Help:      "Streaming frames that never reached the selector",
	}, []string{"reason"})
)

// ObserveCapture records one finished capture request.
func ObserveCapture(result string, d time.Duration) {
	captureRequests.WithLabelValues(result).Inc()
	if result == "ok" {
		captureDuration.Observe(d.Seconds())
	}
}

// IncFramesDropped counts a frame released without selection.
func IncFramesDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}
