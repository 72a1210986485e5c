package stage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/logging"
)

// Group supervises the stages of one pipeline, keyed by group leader.
type Group struct {
	mu     sync.RWMutex
	stages map[camera.StageID]*Stage
	logger logging.Logger
}

// NewGroup creates an empty group.
func NewGroup(logger logging.Logger) *Group {
	if logger == nil {
		logger = logging.GetLogger("stage")
	}
	return &Group{
		stages: make(map[camera.StageID]*Stage),
		logger: logger,
	}
}

// Add registers a stage. A second stage for the same leader is rejected.
func (g *Group) Add(s *Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.stages[s.ID()]; exists {
		return camera.NewError(camera.ErrTopology, "stage already registered", map[string]any{"stage": s.ID().String()})
	}
	g.stages[s.ID()] = s
	return nil
}

// Get returns the stage led by id.
func (g *Group) Get(id camera.StageID) (*Stage, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.stages[id]
	return s, ok
}

// Stages returns the stages in pipeline order.
func (g *Group) Stages() []*Stage {
	g.mu.RLock()
	out := make([]*Stage, 0, len(g.stages))
	for _, s := range g.stages {
		out = append(out, s)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of stages.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.stages)
}

// SetupAll configures every stage. It stops at the first failure.
func (g *Group) SetupAll(bufferCount int) error {
	for _, s := range g.Stages() {
		if err := s.Setup(bufferCount); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts stages downstream first so every consumer is streaming
// before its producer. On failure the stages already started are stopped.
func (g *Group) StartAll(ctx context.Context) error {
	stages := g.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].Start(ctx); err != nil {
			for j := i + 1; j < len(stages); j++ {
				_ = stages[j].Stop()
			}
			return err
		}
	}
	return nil
}

// StopAll stops every stage, producers first.
func (g *Group) StopAll() error {
	g.logger.Info("Stopping all stages")
	var errs []error
	for _, s := range g.Stages() {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every stage and empties the group.
func (g *Group) CloseAll() error {
	var errs []error
	for _, s := range g.Stages() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.mu.Lock()
	g.stages = make(map[camera.StageID]*Stage)
	g.mu.Unlock()
	return errors.Join(errs...)
}

// Status returns the info of every stage in pipeline order.
func (g *Group) Status() []Info {
	stages := g.Stages()
	out := make([]Info, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.Info())
	}
	return out
}
