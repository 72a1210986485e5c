package factory

import (
	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/metrics"
)

// CheckMigration reports whether MigrateGroups would accept links, without
// touching the session. Callers use it before stopping the pipes.
func (f *Factory) CheckMigration(links Links) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateNone || links == f.links {
		return nil
	}
	_, _, err := f.planLocked(links)
	return err
}

// planLocked returns the node table for links and whether it came from the
// scenario cache. Every queued node of the table must already be open.
// Callers hold f.mu.
func (f *Factory) planLocked(links Links) (Topology, bool, error) {
	var next Topology
	reused := false
	if sc, ok := f.cache[links]; ok && sc.initialized {
		next = sc.topo
		reused = true
	} else {
		built, err := BuildTopology(links, f.opts.Topology)
		if err != nil {
			return Topology{}, false, err
		}
		next = built
	}
	for _, num := range next.QueuedNodes() {
		if _, ok := f.handles[num]; !ok {
			return Topology{}, false, camera.NewError(camera.ErrTopology, "migration needs a node that is not open", map[string]any{
				"node":  num,
				"links": links.String(),
			})
		}
	}
	return next, reused, nil
}

// MigrateGroups switches the session to links without reopening nodes. It
// reports false and leaves everything untouched when the scenario did not
// change. The node table is taken from the scenario cache when that
// scenario was already initialized once, otherwise it is built for the new
// links. Either way the stages pick up the handles opened at Create by node
// number. Stages are rebuilt and need InitPipes again.
func (f *Factory) MigrateGroups(links Links) (bool, error) {
	f.mu.Lock()
	if f.state == StateRunning {
		f.mu.Unlock()
		return false, camera.NewError(camera.ErrInvalidState, "cannot migrate while running", map[string]any{
			"state": f.state.String(),
		})
	}
	if links == f.links {
		f.mu.Unlock()
		f.logger.Debug("Scenario unchanged, skipping migration", "links", links.String())
		return false, nil
	}

	from := f.links
	if f.state == StateNone {
		f.links = links
		f.mu.Unlock()
		f.logger.Info("Links changed before create", "from", from.String(), "to", links.String())
		return true, nil
	}

	next, reused, err := f.planLocked(links)
	if err != nil {
		f.mu.Unlock()
		return false, err
	}
	if reused {
		f.logger.Debug("Group migration already done, using preset", "links", links.String())
	}

	group, err := f.buildGroup(&next, f.handles)
	if err != nil {
		f.mu.Unlock()
		return false, err
	}

	if sc, ok := f.cache[from]; ok {
		sc.topo = f.topo
	}
	if _, ok := f.cache[links]; !ok {
		f.cache[links] = &scenario{topo: next}
	}
	f.topo = next
	f.links = links
	f.group = group
	if f.state == StateInitialized {
		f.state = StateCreated
	}
	change := TopologyChange{
		SessionID: f.sessionID,
		From:      from,
		To:        links,
		Reused:    reused,
	}
	for _, g := range next.Groups() {
		change.Groups = append(change.Groups, g.Leader)
	}
	notifier := f.opts.Notifier
	f.mu.Unlock()

	metrics.IncGroupMigrations()
	f.logger.Info("Group migration done", "from", from.String(), "to", links.String(), "reused", reused, "groups", len(change.Groups))
	if notifier != nil {
		notifier.TopologyChanged(change)
	}
	return true, nil
}
