package session

import (
	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/factory"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/stage"
)

// flashNotifier turns flash transitions into bus events.
type flashNotifier struct {
	s *Session
}

func (n flashNotifier) FlashStateChanged(t flash.Transition) {
	s := n.s
	s.logger.Debug("Flash state changed", "from", t.From.String(), "to", t.To.String(), "reason", t.Reason)
	s.publish(events.FlashStateChangedEvent{
		SessionID:  s.sessionID(),
		From:       t.From.String(),
		To:         t.To.String(),
		Generation: t.Generation,
		FrameCount: t.FrameCount,
		Reason:     t.Reason,
		Timestamp:  timestamp(),
	})
	if t.From.InCapture() != t.To.InCapture() {
		s.publish(events.FlashIndicatorEvent{
			Need:      s.flash.IsNeedFlash(),
			Active:    t.To.InCapture(),
			Timestamp: timestamp(),
		})
	}
}

func (n flashNotifier) FlashNeedChanged(need bool) {
	n.s.publish(events.FlashIndicatorEvent{
		Need:      need,
		Active:    n.s.flash.State().InCapture(),
		Timestamp: timestamp(),
	})
}

type topologyNotifier struct {
	s *Session
}

func (n topologyNotifier) TopologyChanged(c factory.TopologyChange) {
	groups := make([]string, 0, len(c.Groups))
	for _, id := range c.Groups {
		groups = append(groups, id.String())
	}
	n.s.logger.Info("Topology changed", "from", c.From.String(), "to", c.To.String(), "reused", c.Reused)
	n.s.publish(events.TopologyChangedEvent{
		SessionID: c.SessionID,
		From:      c.From.String(),
		To:        c.To.String(),
		Reused:    c.Reused,
		Groups:    groups,
		Timestamp: timestamp(),
	})
}

func (s *Session) stageStateChanged(id camera.StageID, oldState, newState stage.State, err error) {
	ev := events.StageStateChangedEvent{
		SessionID: s.sessionID(),
		Stage:     id.String(),
		From:      string(oldState),
		To:        string(newState),
		Timestamp: timestamp(),
	}
	if err != nil {
		ev.Error = err.Error()
		s.logger.Warn("Stage failed", "stage", id.String(), "error", err)
	}
	s.publish(ev)
}

// sessionID never takes the factory lock; stage callbacks run while the
// factory holds it.
func (s *Session) sessionID() string {
	id, _ := s.id.Load().(string)
	return id
}
