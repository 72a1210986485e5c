package session

import (
	"errors"
	"reflect"

	"github.com/smazurov/campipe/internal/config"
)

// ApplyPipeline applies a reloaded pipeline file to the live session. Flash
// and selector calibration take effect at once. A change of links migrates
// the groups, restarting the pipes when they were running. It reports
// whether a migration happened. A link change the factory refuses leaves
// the pipes running on the previous links. Formats, node numbers, topology options and
// session sizing only apply to the next session and are logged.
func (s *Session) ApplyPipeline(p config.Pipeline) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	links, err := p.Links()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flash.SetConfig(p.FlashConfig()); err != nil {
		return false, err
	}
	if err := s.selector.SetConfig(p.SelectorConfig()); err != nil {
		return false, err
	}
	next := s.cfg
	next.Flash = p.Flash
	next.Selector = p.Selector
	next.Sim = p.Sim

	if restartOnly(s.cfg, p) {
		s.logger.Warn("Pipeline change needs a session restart, keeping current nodes and formats")
	}

	migrated := false
	if links != s.factory.Links() {
		// A link change the factory cannot take must not stop the preview.
		if err := s.factory.CheckMigration(links); err != nil {
			s.cfg = next
			return false, err
		}
		wasRunning := s.running
		if wasRunning {
			if err := s.stopLocked(); err != nil {
				s.logger.Warn("Stop before migration reported an error", "error", err)
			}
		}
		migrated, err = s.factory.MigrateGroups(links)
		if err != nil {
			s.cfg = next
			if wasRunning {
				if rerr := s.startLocked(); rerr != nil {
					s.logger.Error("Failed to restart on the previous links", "error", rerr)
					return false, errors.Join(err, rerr)
				}
			}
			return false, err
		}
		t := &next.Topology
		t.FliteTo3AA, t.AAToISP = p.Topology.FliteTo3AA, p.Topology.AAToISP
		t.ISPToTPU, t.TPUToMCSC, t.ISPToMCSC = p.Topology.ISPToTPU, p.Topology.TPUToMCSC, p.Topology.ISPToMCSC
		t.TPUEnabled = p.Topology.TPUEnabled
		if wasRunning {
			s.cfg = next
			if err := s.startLocked(); err != nil {
				return migrated, err
			}
		}
	}

	if p.Session.FrameInterval != s.cfg.Session.FrameInterval {
		next.Session.FrameInterval = p.Session.FrameInterval
		s.cfg = next
		if s.running {
			// restart the producer on the new interval
			s.cancel()
			<-s.producer
			s.startProducerLocked()
		}
	}
	s.cfg = next
	s.logger.Info("Pipeline applied", "migrated", migrated, "links", links.String())
	return migrated, nil
}

// restartOnly reports whether p changes anything the session can only pick
// up when it is created again.
func restartOnly(cur, p config.Pipeline) bool {
	a, b := cur.Topology, p.Topology
	b.FliteTo3AA, b.AAToISP, b.ISPToTPU, b.TPUToMCSC, b.ISPToMCSC = a.FliteTo3AA, a.AAToISP, a.ISPToTPU, a.TPUToMCSC, a.ISPToMCSC
	b.TPUEnabled = a.TPUEnabled
	if a != b {
		return true
	}
	cs, ps := cur.Session, p.Session
	ps.FrameInterval = cs.FrameInterval
	if cs != ps {
		return true
	}
	if len(cur.Nodes) == 0 && len(p.Nodes) == 0 {
		return false
	}
	return !reflect.DeepEqual(cur.Nodes, p.Nodes)
}
