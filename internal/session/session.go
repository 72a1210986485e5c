// Package session drives one streaming capture session: it owns the frame
// factory and its stages, feeds frames into the pipeline, routes them along
// their entity graph, and serves still-capture requests through the flash
// controller and the frame selector.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/config"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/factory"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/selector"
	"github.com/smazurov/campipe/internal/stage"
)

// EventPublisher receives session events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// Deps are the collaborators a session cannot build itself.
type Deps struct {
	Opener camera.NodeOpener
	Pool   camera.BufferPool
	// Memory is how buffers are shared with the nodes, DMABUF by default.
	Memory camera.MemoryKind
	Bus    EventPublisher
	Logger logging.Logger
}

// routing is the per-topology snapshot the frame path reads without
// taking the factory lock.
type routing struct {
	stages [camera.StageCount]*stage.Stage
	// fed marks root groups whose output node needs a source buffer.
	fed [camera.StageCount]bool
	// bayer is set when the 3AA bayer capture is materialized.
	bayer bool
}

// Session is one capture session. All methods are safe for concurrent use.
type Session struct {
	factory  *factory.Factory
	flash    *flash.Controller
	selector *selector.Selector
	pool     camera.BufferPool
	bus      EventPublisher
	logger   logging.Logger

	route atomic.Pointer[routing]
	id    atomic.Value // string

	mu       sync.Mutex
	cfg      config.Pipeline
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	producer chan struct{}

	// captureMu serializes capture requests.
	captureMu sync.Mutex
	captures  atomic.Uint64
	rawWanted atomic.Bool

	recording atomic.Bool
	zoom      atomic.Uint64 // math.Float64bits
}

// New validates cfg and wires a session. Nothing is opened until Start.
func New(cfg config.Pipeline, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Opener == nil || deps.Pool == nil {
		return nil, camera.NewError(camera.ErrConfig, "session needs a node opener and a buffer pool", nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger("session")
	}

	s := &Session{
		pool:   deps.Pool,
		bus:    deps.Bus,
		logger: logger,
		cfg:    cfg,
	}
	s.setZoom(1)

	fc, err := flash.New(flash.Options{
		Config:   cfg.FlashConfig(),
		Logger:   logging.GetLogger("flash"),
		Notifier: flashNotifier{s},
	})
	if err != nil {
		return nil, err
	}
	s.flash = fc

	sel, err := selector.New(selector.Options{
		Config: cfg.SelectorConfig(),
		Flash:  fc,
		Pool:   deps.Pool,
		Logger: logging.GetLogger("selector"),
	})
	if err != nil {
		return nil, err
	}
	s.selector = sel

	links, _ := cfg.Links()
	topo, _ := cfg.TopologyOptions()
	formats, _ := cfg.Formats()
	fac, err := factory.New(factory.Options{
		Links:          links,
		Topology:       topo,
		Formats:        formats,
		BufferCount:    cfg.Session.BufferCount,
		ArenaSize:      cfg.Session.ArenaSize,
		GroupMigration: cfg.Session.GroupMigration,
		Opener:         deps.Opener,
		Pool:           deps.Pool,
		Memory:         deps.Memory,
		ControlHooks: stage.Hooks{
			Before: s.beforeControl,
			After:  s.afterResult,
		},
		Sink:         s.sink,
		OnStageState: s.stageStateChanged,
		Notifier:     topologyNotifier{s},
		Logger:       logging.GetLogger("factory"),
	})
	if err != nil {
		return nil, err
	}
	s.factory = fac
	return s, nil
}

// Factory returns the frame factory.
func (s *Session) Factory() *factory.Factory {
	return s.factory
}

// Flash returns the flash controller.
func (s *Session) Flash() *flash.Controller {
	return s.flash
}

// Selector returns the frame selector.
func (s *Session) Selector() *selector.Selector {
	return s.selector
}

// Config returns the active pipeline configuration.
func (s *Session) Config() config.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Running reports whether frames are being produced.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start creates the pipeline if needed, configures and starts the pipes and
// launches the frame producer. ctx bounds the whole session, including
// restarts made by ApplyPipeline.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Info("Session already running, skipping")
		return nil
	}
	s.baseCtx = ctx
	if s.factory.State() == factory.StateNone {
		if err := s.factory.Create(); err != nil {
			return fmt.Errorf("create pipeline: %w", err)
		}
		s.id.Store(s.factory.SessionID())
	}
	if err := s.startLocked(); err != nil {
		return err
	}
	s.logger.Info("Session started", "session_id", s.factory.SessionID(), "links", s.factory.Links().String())
	return nil
}

func (s *Session) startLocked() error {
	if s.factory.State() == factory.StateCreated {
		if err := s.factory.InitPipes(); err != nil {
			return err
		}
	}
	s.refreshRouting()
	if err := s.factory.StartPipes(s.baseCtx); err != nil {
		return err
	}
	s.selector.ResetCancel()
	s.startProducerLocked()
	return nil
}

func (s *Session) startProducerLocked() {
	pctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.cancel = cancel
	s.producer = done
	s.running = true

	interval := s.cfg.Session.FrameInterval.Std()
	go func() {
		defer close(done)
		s.produce(pctx, interval)
	}()
}

// Stop halts the producer and the pipes and releases every held frame. The
// nodes stay open; Start resumes streaming.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	s.cancel()
	<-s.producer
	s.running = false

	s.selector.Cancel()
	s.flash.Cancel()
	err := s.factory.StopPipes()
	if cerr := s.clearHeld(); cerr != nil {
		s.logger.Warn("Held frames not released", "error", cerr)
	}
	s.logger.Info("Session stopped", "session_id", s.factory.SessionID(), "captures", s.captures.Load())
	return err
}

// clearHeld releases the hold queues, waiting briefly for an in-flight
// selection to notice the cancel.
func (s *Session) clearHeld() error {
	var err error
	for range 20 {
		if err = s.selector.ClearList(); !camera.IsCode(err, camera.ErrBusy) {
			return err
		}
		s.selector.WakeUp()
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

// Close stops the session and closes every node.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.running {
		err = s.stopLocked()
	}
	if derr := s.factory.Destroy(); derr != nil && err == nil {
		err = derr
	}
	s.route.Store(nil)
	return err
}

// refreshRouting snapshots the stages and feed requirements of the current
// topology.
func (s *Session) refreshRouting() {
	r := &routing{}
	if g := s.factory.Group(); g != nil {
		for _, st := range g.Stages() {
			r.stages[st.ID()] = st
		}
	}
	topo := s.factory.DeviceInfo()
	for _, g := range topo.Groups() {
		if g.Parent == frame.NoStage && topo[g.Leader].Nodes[camera.RoleOutput].Queued {
			r.fed[g.Leader] = true
		}
	}
	r.bayer = topo[camera.Stage3AA].Active && topo[camera.Stage3AA].Nodes[camera.RoleCaptureBayer].Queued
	s.route.Store(r)
}

// SetRecording marks video recording active. Recording frames request the
// recording scaler output and disable capture flash.
func (s *Session) SetRecording(recording bool) {
	s.recording.Store(recording)
	s.flash.SetRecording(recording)
	s.selector.SetRecordingHint(recording)
}

// Snapshot is a point-in-time view of the session for the API.
type Snapshot struct {
	SessionID string
	Running   bool
	Recording bool
	Zoom      float64
	Captures  uint64
	Factory   factory.Status
	Topology  factory.Topology
	Flash     flash.Status
	Selector  selector.Status
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID: s.factory.SessionID(),
		Running:   s.Running(),
		Recording: s.recording.Load(),
		Zoom:      s.Zoom(),
		Captures:  s.captures.Load(),
		Factory:   s.factory.Status(),
		Topology:  s.factory.DeviceInfo(),
		Flash:     s.flash.Status(),
		Selector:  s.selector.Status(),
	}
}

func timestamp() string {
	return time.Now().Format(time.RFC3339)
}

func (s *Session) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// SetFlashRequest sets the flash mode asked for by the application.
func (s *Session) SetFlashRequest(r flash.Request) {
	s.flash.SetRequest(r)
	s.logger.Info("Flash request changed", "request", r.String())
}
