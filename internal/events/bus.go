// Package events is the in-process event bus of the pipeline.
package events

import (
	"github.com/kelindar/event"
)

// Bus fans pipeline events out to subscribers. Delivery is asynchronous and
// ordered per subscriber.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// route binds one concrete event type to the dispatcher, which keys
// subscriptions on the static type.
type route struct {
	publish   func(d *event.Dispatcher, ev Event)
	subscribe func(d *event.Dispatcher, handler any) (func(), bool)
}

func routeOf[T Event]() route {
	return route{
		publish: func(d *event.Dispatcher, ev Event) {
			if e, ok := ev.(T); ok {
				event.Publish(d, e)
			}
		},
		subscribe: func(d *event.Dispatcher, handler any) (func(), bool) {
			fn, ok := handler.(func(T))
			if !ok {
				return nil, false
			}
			return event.Subscribe(d, fn), true
		},
	}
}

var routes = map[uint32]route{
	TypeFlashStateChanged: routeOf[FlashStateChangedEvent](),
	TypeFlashIndicator:    routeOf[FlashIndicatorEvent](),
	TypeFrameSelected:     routeOf[FrameSelectedEvent](),
	TypeCaptureFailed:     routeOf[CaptureFailedEvent](),
	TypeTopologyChanged:   routeOf[TopologyChangedEvent](),
	TypeStageStateChanged: routeOf[StageStateChangedEvent](),
	TypeStageMetrics:      routeOf[StageMetricsEvent](),
	TypeLogEntry:          routeOf[LogEntryEvent](),
}

// Publish sends ev to the subscribers of its type. Unknown types are dropped.
//
//	bus.Publish(FrameSelectedEvent{...})
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	if r, ok := routes[ev.Type()]; ok {
		r.publish(b.dispatcher, ev)
	}
}

// Subscribe registers a func(XxxEvent) handler; its parameter type selects
// the events it gets. It returns the unsubscribe function, a no-op when the
// handler type is not a known event.
//
//	unsub := bus.Subscribe(func(e FrameSelectedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	for _, r := range routes {
		if unsub, ok := r.subscribe(b.dispatcher, handler); ok {
			return unsub
		}
	}
	return func() {}
}

// SubscribeToChannel forwards events of type T into ch for select loops such
// as SSE handlers. Events are dropped while ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
