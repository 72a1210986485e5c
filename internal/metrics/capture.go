package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "factory",
		Name:      "frames_created_total",
		Help:      "Frames allocated by the frame factory",
	})

	groupMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "factory",
		Name:      "migrations_total",
		Help:      "Stage group migrations applied",
	})

	holdQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "campipe",
		Subsystem: "selector",
		Name:      "hold_queue_depth",
		Help:      "Candidate frames held per capture mode",
	}, []string{"mode"})

	framesSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "selector",
		Name:      "selected_total",
		Help:      "Frames returned by selection",
	}, []string{"mode"})

	framesReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "selector",
		Name:      "released_total",
		Help:      "Candidate frames released back to the buffer pool",
	}, []string{"mode"})

	selectTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "selector",
		Name:      "timeouts_total",
		Help:      "Selections that ended with no frame",
	}, []string{"mode"})

	flashState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "campipe",
		Subsystem: "flash",
		Name:      "state",
		Help:      "Current flash sequencing state (0 = off)",
	})

	flashNeeded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "campipe",
		Subsystem: "flash",
		Name:      "needed",
		Help:      "1 when the scene needs flash",
	})

	flashTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "flash",
		Name:      "timeouts_total",
		Help:      "Flash phases forced forward by a timeout",
	}, []string{"phase"})
)

// IncFramesCreated counts a frame allocated by the factory.
func IncFramesCreated() {
	framesCreated.Inc()
}

// IncGroupMigrations counts an applied group migration.
func IncGroupMigrations() {
	groupMigrations.Inc()
}

// SetHoldQueueDepth sets the number of frames held for mode.
func SetHoldQueueDepth(mode string, depth int) {
	holdQueueDepth.WithLabelValues(mode).Set(float64(depth))
}

// IncFramesSelected counts a frame returned for mode.
func IncFramesSelected(mode string) {
	framesSelected.WithLabelValues(mode).Inc()
}

// AddFramesReleased counts n frames released from the mode queue.
func AddFramesReleased(mode string, n int) {
	if n <= 0 {
		return
	}
	framesReleased.WithLabelValues(mode).Add(float64(n))
}

// IncSelectTimeouts counts a selection that returned no frame.
func IncSelectTimeouts(mode string) {
	selectTimeouts.WithLabelValues(mode).Inc()
}

// SetFlashState records the numeric flash state.
func SetFlashState(state int) {
	flashState.Set(float64(state))
}

// SetFlashNeeded records the flash indicator.
func SetFlashNeeded(needed bool) {
	if needed {
		flashNeeded.Set(1)
		return
	}
	flashNeeded.Set(0)
}

// IncFlashTimeouts counts a phase forced forward by timeout.
func IncFlashTimeouts(phase string) {
	flashTimeouts.WithLabelValues(phase).Inc()
}
