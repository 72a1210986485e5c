package api

import (
	"context"
	"maps"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/metrics/exporters"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of flash transitions, selected frames, capture failures, topology and stage changes",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func() map[string]any {
		eventTypes := map[string]any{
			"flash-state-changed": events.FlashStateChangedEvent{},
			"flash-indicator":     events.FlashIndicatorEvent{},
			"frame-selected":      events.FrameSelectedEvent{},
			"capture-failed":      events.CaptureFailedEvent{},
			"topology-changed":    events.TopologyChangedEvent{},
			"stage-state-changed": events.StageStateChangedEvent{},
		}

		maps.Copy(eventTypes, exporters.GetEventTypesForEndpoint("events"))

		return eventTypes
	}(), func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.FlashStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.FlashIndicatorEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.FrameSelectedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.CaptureFailedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.TopologyChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StageStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StageMetricsEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Current topology first so clients start from a known state
		if err := send.Data(s.currentTopologyEvent()); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

func (s *Server) currentTopologyEvent() events.TopologyChangedEvent {
	ev := events.TopologyChangedEvent{
		Groups:    []string{},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if s.session == nil {
		return ev
	}
	snap := s.session.Snapshot()
	ev.SessionID = snap.SessionID
	ev.From = snap.Factory.Links.String()
	ev.To = ev.From
	for _, g := range snap.Topology.Groups() {
		ev.Groups = append(ev.Groups, g.Leader.String())
	}
	return ev
}
