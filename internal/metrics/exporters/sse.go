package exporters

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/metrics"
)

const (
	defaultInterval = time.Second
	// every refreshEvery ticks all stages are sent, changed or not, so a
	// client connecting to an idle pipeline still gets counters
	refreshEvery = 10
)

// EventPublisher is where the exporter sends stage counters.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter samples the per-stage counters and publishes the stages whose
// counters moved since the previous tick.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   map[string]metrics.StageMetrics
	ticks  int
}

// NewSSEExporter creates an exporter publishing on bus once a second.
func NewSSEExporter(bus EventPublisher) *SSEExporter {
	return &SSEExporter{eventBus: bus, interval: defaultInterval}
}

// Start launches the sampling loop. It is a no-op while already running.
func (s *SSEExporter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.last = make(map[string]metrics.StageMetrics)
	s.ticks = 0
	go s.run(ctx, s.done)
}

// Stop ends the loop and waits for it. Safe to call repeatedly.
func (s *SSEExporter) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *SSEExporter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SSEExporter) sample() {
	s.mu.Lock()
	full := s.ticks%refreshEvery == 0
	s.ticks++
	s.mu.Unlock()

	current := metrics.GetAllStageMetrics()
	for stage, m := range current {
		s.mu.Lock()
		prev, seen := s.last[stage]
		s.last[stage] = *m
		s.mu.Unlock()
		if seen && prev == *m && !full {
			continue
		}
		s.eventBus.Publish(stageEvent(stage, *m))
	}

	s.mu.Lock()
	for stage := range s.last {
		if _, ok := current[stage]; !ok {
			delete(s.last, stage)
		}
	}
	s.mu.Unlock()
}

func stageEvent(stage string, m metrics.StageMetrics) events.StageMetricsEvent {
	count := func(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) }
	return events.StageMetricsEvent{
		EventType:    "stage_metrics",
		Stage:        stage,
		Frames:       count(m.Frames),
		Skipped:      count(m.Skipped),
		DriverErrors: count(m.DriverErrors),
		QueueDepth:   count(m.QueueDepth),
	}
}

// endpointTypes lists the SSE event names each endpoint emits from here.
var endpointTypes = map[string]map[string]any{
	"events":  {"stage-metrics": events.StageMetricsEvent{}},
	"metrics": {"stage-metrics": events.StageMetricsEvent{}},
}

// GetEventTypes returns the event types of the metrics stream.
func GetEventTypes() map[string]any {
	return GetEventTypesForEndpoint("metrics")
}

// GetEventTypesForEndpoint returns a copy of the event types an SSE
// endpoint registers for exported metrics, empty for unknown endpoints.
func GetEventTypesForEndpoint(endpoint string) map[string]any {
	out := make(map[string]any, len(endpointTypes[endpoint]))
	for name, typ := range endpointTypes[endpoint] {
		out[name] = typ
	}
	return out
}
