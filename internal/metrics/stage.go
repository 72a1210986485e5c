// Package metrics provides Prometheus metrics for pipeline stages, the frame
// factory, the frame selector and the flash controller.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "stage",
		Name:      "frames_total",
		Help:      "Frames completed by a pipeline stage",
	}, []string{"stage"})

	stageSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "stage",
		Name:      "skipped_frames_total",
		Help:      "Frames a stage gave up on after a driver failure",
	}, []string{"stage"})

	stageDriverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campipe",
		Subsystem: "stage",
		Name:      "driver_errors_total",
		Help:      "Failed node operations, counted before retry",
	}, []string{"stage", "op"})

	stageQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "campipe",
		Subsystem: "stage",
		Name:      "input_queue_depth",
		Help:      "Frames waiting in a stage input queue",
	}, []string{"stage"})

	// Local cache for SSE exporter access.
	stageCache   = make(map[string]*StageMetrics)
	stageCacheMu sync.RWMutex
)

// StageMetrics holds current metric values for a stage.
type StageMetrics struct {
	Frames       float64
	Skipped      float64
	DriverErrors float64
	QueueDepth   float64
}

// IncStageFrames counts a frame completed by stage.
func IncStageFrames(stage string) {
	stageFrames.WithLabelValues(stage).Inc()
	updateStageCache(stage, func(m *StageMetrics) { m.Frames++ })
}

// IncStageSkipped counts a frame skipped by stage.
func IncStageSkipped(stage string) {
	stageSkipped.WithLabelValues(stage).Inc()
	updateStageCache(stage, func(m *StageMetrics) { m.Skipped++ })
}

// IncStageDriverError counts a failed node operation.
func IncStageDriverError(stage, op string) {
	stageDriverErrors.WithLabelValues(stage, op).Inc()
	updateStageCache(stage, func(m *StageMetrics) { m.DriverErrors++ })
}

// SetStageQueueDepth sets the input queue depth of stage.
func SetStageQueueDepth(stage string, depth int) {
	stageQueueDepth.WithLabelValues(stage).Set(float64(depth))
	updateStageCache(stage, func(m *StageMetrics) { m.QueueDepth = float64(depth) })
}

// DeleteStageMetrics removes the labelled series and cache entry of stage.
func DeleteStageMetrics(stage string) {
	stageFrames.DeleteLabelValues(stage)
	stageSkipped.DeleteLabelValues(stage)
	stageDriverErrors.DeletePartialMatch(prometheus.Labels{"stage": stage})
	stageQueueDepth.DeleteLabelValues(stage)

	stageCacheMu.Lock()
	delete(stageCache, stage)
	stageCacheMu.Unlock()
}

// GetStageMetrics returns current metric values for a stage.
func GetStageMetrics(stage string) *StageMetrics {
	stageCacheMu.RLock()
	defer stageCacheMu.RUnlock()
	if m, ok := stageCache[stage]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// GetAllStageMetrics returns metrics for all stages seen so far.
func GetAllStageMetrics() map[string]*StageMetrics {
	stageCacheMu.RLock()
	defer stageCacheMu.RUnlock()
	result := make(map[string]*StageMetrics, len(stageCache))
	for id, m := range stageCache {
		dup := *m
		result[id] = &dup
	}
	return result
}

func updateStageCache(stage string, update func(*StageMetrics)) {
	stageCacheMu.Lock()
	defer stageCacheMu.Unlock()
	m, ok := stageCache[stage]
	if !ok {
		m = &StageMetrics{}
		stageCache[stage] = m
	}
	update(m)
}
