// Package stage runs one pipeline group: the queued video nodes of a group
// leader and its on-the-fly members, driven by a single worker goroutine.
package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/metrics"
	"github.com/smazurov/campipe/internal/queue"
)

// Node is one queued video node of the group.
type Node struct {
	Handle  camera.NodeHandle
	Stage   camera.StageID // member stage the node belongs to
	Role    camera.NodeRole
	InputID uint32
	Format  camera.Format
}

func (n Node) kind() camera.BufferKind {
	if n.Role == camera.RoleOutput {
		return camera.BufferOutput
	}
	return camera.BufferCapture
}

// Hooks run on the worker goroutine around the hardware round trip.
type Hooks struct {
	// Before runs before any buffer is queued, e.g. to stamp controls.
	Before func(f *frame.Frame)
	// After runs once every node returned its buffer.
	After func(f *frame.Frame)
}

// Sink receives every frame the stage is done with. err is nil when the
// entity completed and carries the failure when it was skipped.
type Sink func(f *frame.Frame, id camera.StageID, err error)

// Options configures a Stage.
type Options struct {
	Leader  camera.StageID
	Members []camera.StageID
	Nodes   []Node
	Pool    camera.BufferPool
	Memory  camera.MemoryKind
	// Metadata attaches the frame's capture metadata to every queued
	// buffer. Set for the group containing the 3A stage.
	Metadata      bool
	Hooks         Hooks
	Sink          Sink
	OnStateChange StateChangeCallback
	Logger        logging.Logger
}

// Stage owns the nodes of one group and processes its entities in order.
type Stage struct {
	id       camera.StageID
	members  []camera.StageID
	nodes    []Node
	pool     camera.BufferPool
	memory   camera.MemoryKind
	metadata bool
	hooks    Hooks
	sink     Sink
	onState  StateChangeCallback
	logger   logging.Logger

	in  *queue.Queue[*frame.Frame]
	out *queue.Queue[*frame.Frame]

	mu        sync.Mutex
	state     State
	startedAt time.Time
	lastError error
	cancel    context.CancelFunc
	done      chan struct{}

	frames  atomic.Uint64
	skipped atomic.Uint64
}

// New creates a stage for the group led by opts.Leader.
func New(opts Options) (*Stage, error) {
	if !opts.Leader.Valid() {
		return nil, camera.NewError(camera.ErrConfig, "invalid stage leader", map[string]any{"stage": int(opts.Leader)})
	}
	if len(opts.Nodes) == 0 {
		return nil, camera.NewError(camera.ErrConfig, "stage has no queued nodes", map[string]any{"stage": opts.Leader.String()})
	}
	members := opts.Members
	if len(members) == 0 {
		members = []camera.StageID{opts.Leader}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("stage")
	}
	return &Stage{
		id:       opts.Leader,
		members:  append([]camera.StageID(nil), members...),
		nodes:    append([]Node(nil), opts.Nodes...),
		pool:     opts.Pool,
		memory:   opts.Memory,
		metadata: opts.Metadata,
		hooks:    opts.Hooks,
		sink:     opts.Sink,
		onState:  opts.OnStateChange,
		logger:   logger,
		in:       queue.New[*frame.Frame](),
		out:      queue.New[*frame.Frame](),
		state:    StateIdle,
	}, nil
}

// ID returns the group leader stage.
func (s *Stage) ID() camera.StageID {
	return s.id
}

// Members returns the stages processed by this group, leader first.
func (s *Stage) Members() []camera.StageID {
	return append([]camera.StageID(nil), s.members...)
}

// Nodes returns the queued nodes of the group.
func (s *Stage) Nodes() []Node {
	return append([]Node(nil), s.nodes...)
}

// State returns the current state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the stage.
func (s *Stage) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:        s.id,
		Members:   append([]camera.StageID(nil), s.members...),
		State:     s.state,
		StartedAt: s.startedAt,
		LastError: s.lastError,
	}
	s.mu.Unlock()
	for _, n := range s.nodes {
		info.Nodes = append(info.Nodes, n.Handle.Name())
	}
	info.Frames = s.frames.Load()
	info.Skipped = s.skipped.Load()
	info.QueueDepth = s.in.Len()
	return info
}

func (s *Stage) setState(newState State, err error) {
	s.mu.Lock()
	old := s.state
	s.state = newState
	if err != nil {
		s.lastError = err
	}
	s.mu.Unlock()
	if old != newState && s.onState != nil {
		s.onState(s.id, old, newState, err)
	}
}

// retry runs a node operation, repeating it once when the driver fails.
func (s *Stage) retry(ctx context.Context, op string, n *Node, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil {
		return err
	}
	metrics.IncStageDriverError(n.Stage.String(), op)
	s.logger.Warn("Node operation failed, retrying", "stage", n.Stage.String(), "node", n.Handle.Name(), "op", op, "error", err)
	if err = fn(); err != nil {
		metrics.IncStageDriverError(n.Stage.String(), op)
		if camera.IsCode(err, camera.ErrDriver) {
			return err
		}
		return camera.DriverError(op, n.Handle.Num(), err)
	}
	return nil
}

// Setup routes, formats and allocates buffers on every node.
func (s *Stage) Setup(bufferCount int) error {
	if st := s.State(); st == StateRunning || st == StateStopping {
		return camera.NewError(camera.ErrInvalidState, "setup while streaming", map[string]any{
			"stage": s.id.String(),
			"state": string(st),
		})
	}
	ctx := context.Background()
	for i := range s.nodes {
		n := &s.nodes[i]
		steps := []struct {
			op string
			fn func() error
		}{
			{"set_input", func() error { return n.Handle.SetInput(n.InputID) }},
			{"set_format", func() error { return n.Handle.SetFormat(n.Format) }},
			{"set_buffer_type", func() error { return n.Handle.SetBufferType(bufferCount, n.kind(), s.memory) }},
			{"req_buffers", func() error {
				granted, err := n.Handle.ReqBuffers()
				if err == nil && granted < bufferCount {
					s.logger.Warn("Driver granted fewer buffers", "node", n.Handle.Name(), "requested", bufferCount, "granted", granted)
				}
				return err
			}},
		}
		for _, step := range steps {
			if err := s.retry(ctx, step.op, n, step.fn); err != nil {
				s.setState(StateError, err)
				return err
			}
		}
	}
	s.setState(StateConfigured, nil)
	s.logger.Debug("Stage configured", "stage", s.id.String(), "nodes", len(s.nodes), "buffers", bufferCount)
	return nil
}

// Start begins streaming and launches the worker.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConfigured {
		st := s.state
		s.mu.Unlock()
		return camera.NewError(camera.ErrInvalidState, "stage not configured", map[string]any{
			"stage": s.id.String(),
			"state": string(st),
		})
	}
	s.mu.Unlock()

	for i := range s.nodes {
		n := &s.nodes[i]
		if err := s.retry(ctx, "stream_on", n, n.Handle.Start); err != nil {
			for j := 0; j < i; j++ {
				_ = s.nodes[j].Handle.Stop()
			}
			s.setState(StateError, err)
			return err
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setState(StateRunning, nil)

	go func() {
		defer close(done)
		s.run(wctx)
	}()
	s.logger.Info("Stage started", "stage", s.id.String(), "members", len(s.members))
	return nil
}

// Stop halts the worker and streaming. Frames still waiting in the input
// queue are handed to the sink with a CANCELED error.
func (s *Stage) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.setState(StateStopping, nil)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Timeout waiting for stage worker", "stage", s.id.String())
	}

	var firstErr error
	for i := range s.nodes {
		if err := s.nodes[i].Handle.Stop(); err != nil && firstErr == nil {
			firstErr = camera.DriverError("stream_off", s.nodes[i].Handle.Num(), err)
		}
	}

	stopped := camera.NewError(camera.ErrCanceled, "stage stopped", map[string]any{"stage": s.id.String()})
	for _, f := range s.in.Drain() {
		s.finish(f, stopped)
	}
	metrics.SetStageQueueDepth(s.id.String(), 0)

	if firstErr != nil {
		s.setState(StateError, firstErr)
		return firstErr
	}
	s.setState(StateConfigured, nil)
	s.logger.Info("Stage stopped", "stage", s.id.String())
	return nil
}

// Close stops the stage and closes its nodes.
func (s *Stage) Close() error {
	err := s.Stop()
	for i := range s.nodes {
		if cerr := s.nodes[i].Handle.Close(); cerr != nil && err == nil {
			err = camera.DriverError("close", s.nodes[i].Handle.Num(), cerr)
		}
	}
	s.setState(StateIdle, nil)
	return err
}

// Enqueue hands a frame to the worker.
func (s *Stage) Enqueue(f *frame.Frame) error {
	if st := s.State(); st != StateRunning {
		return camera.NewError(camera.ErrInvalidState, "stage not running", map[string]any{
			"stage": s.id.String(),
			"state": string(st),
		})
	}
	if err := s.in.Push(f); err != nil {
		return camera.NewErrorWithCause(camera.ErrInvalidState, "stage queue closed", err, nil)
	}
	metrics.SetStageQueueDepth(s.id.String(), s.in.Len())
	return nil
}

// Dequeue returns the next finished frame when the stage has no sink.
func (s *Stage) Dequeue(ctx context.Context) (*frame.Frame, error) {
	f, err := s.out.Pop(ctx, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return f, nil
}

func (s *Stage) run(ctx context.Context) {
	for {
		f, err := s.in.Pop(ctx, 0)
		if err != nil {
			if errors.Is(err, queue.ErrWoken) {
				continue
			}
			return
		}
		metrics.SetStageQueueDepth(s.id.String(), s.in.Len())
		s.finish(f, s.process(ctx, f))
	}
}

// reclaimTimeout bounds the wait for a buffer left queued by a failed frame.
const reclaimTimeout = 500 * time.Millisecond

var errUnexpectedBuffer = errors.New("dequeued unexpected buffer")

type queued struct {
	node *Node
	buf  camera.Buffer
}

// process runs one entity through the hardware.
func (s *Stage) process(ctx context.Context, f *frame.Frame) error {
	if !f.SetProgress(s.id, frame.ProgressProcessing) {
		return camera.NewError(camera.ErrInvalidState, "entity already finished", map[string]any{
			"stage":       s.id.String(),
			"frame_count": f.Count(),
		})
	}
	if s.hooks.Before != nil {
		s.hooks.Before(f)
	}

	var inflight []queued
	fail := func(pending []queued, err error) error {
		s.reclaim(ctx, pending)
		return err
	}
	for i := range s.nodes {
		n := &s.nodes[i]
		var b camera.Buffer
		if n.Role == camera.RoleOutput {
			b = f.Source(n.Stage)
			if !b.Valid() {
				return fail(inflight, camera.NewError(camera.ErrInvalidState, "no source buffer", map[string]any{
					"stage":       n.Stage.String(),
					"frame_count": f.Count(),
				}))
			}
		} else {
			slot := n.Role.Slot()
			if !f.Groups[n.Stage].Capture[slot].Request {
				continue
			}
			b = f.Dest(n.Stage, slot)
			if !b.Valid() {
				if s.pool == nil {
					return fail(inflight, camera.NewError(camera.ErrConfig, "stage has no buffer pool", map[string]any{"stage": s.id.String()}))
				}
				nb, err := s.pool.GetBuffer()
				if err != nil {
					return fail(inflight, err)
				}
				f.SetDest(n.Stage, slot, nb)
				b = nb
			}
		}
		if s.metadata {
			b.Meta = &f.Meta
		}
		if err := s.retry(ctx, "enqueue", n, func() error { return n.Handle.Enqueue(b) }); err != nil {
			return fail(inflight, err)
		}
		inflight = append(inflight, queued{node: n, buf: b})
	}

	for i, q := range inflight {
		var got camera.Buffer
		err := s.retry(ctx, "dequeue", q.node, func() error {
			var derr error
			got, derr = q.node.Handle.Dequeue(ctx)
			return derr
		})
		if err != nil {
			return fail(inflight[i:], err)
		}
		if got.Index != q.buf.Index {
			s.logger.Warn("Dequeued unexpected buffer", "node", q.node.Handle.Name(), "want", q.buf.Index, "got", got.Index)
			s.flush(q.node)
			return fail(inflight[i+1:], camera.DriverError("dequeue", q.node.Handle.Num(), errUnexpectedBuffer))
		}
		if q.node.Role.IsCapture() {
			got.Meta = nil
			f.SetDest(q.node.Stage, q.node.Role.Slot(), got)
		}
	}

	if s.hooks.After != nil {
		s.hooks.After(f)
	}
	return nil
}

// reclaim takes back the buffers a failed round trip left queued, so the
// frame's recycle hands them to the pool while no driver holds them. A node
// that does not return its buffer in time is flushed. Nothing is done once
// ctx ends; Stop streams every node off.
func (s *Stage) reclaim(ctx context.Context, pending []queued) {
	for _, q := range pending {
		if ctx.Err() != nil {
			return
		}
		dctx, cancel := context.WithTimeout(ctx, reclaimTimeout)
		got, err := q.node.Handle.Dequeue(dctx)
		cancel()
		if err == nil && got.Index == q.buf.Index {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.flush(q.node)
	}
}

// flush drops every buffer queued on the node with a stream off/on cycle.
func (s *Stage) flush(n *Node) {
	metrics.IncStageDriverError(n.Stage.String(), "flush")
	s.logger.Warn("Flushing node", "stage", n.Stage.String(), "node", n.Handle.Name())
	if err := n.Handle.Stop(); err != nil {
		s.logger.Warn("Stream off failed during flush", "node", n.Handle.Name(), "error", err)
	}
	if err := n.Handle.Start(); err != nil {
		err = camera.DriverError("stream_on", n.Handle.Num(), err)
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		s.logger.Error("Stream on failed during flush", "node", n.Handle.Name(), "error", err)
	}
}

func (s *Stage) finish(f *frame.Frame, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = camera.NewErrorWithCause(camera.ErrCanceled, "stage stopped", err, map[string]any{"stage": s.id.String()})
		}
		f.Skip(s.id)
		s.skipped.Add(1)
		metrics.IncStageSkipped(s.id.String())
		s.logger.Warn("Frame skipped", "stage", s.id.String(), "frame_count", f.Count(), "error", err)
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
	} else {
		f.SetProgress(s.id, frame.ProgressDone)
		s.frames.Add(1)
		metrics.IncStageFrames(s.id.String())
	}

	if s.sink != nil {
		s.sink(f, s.id, err)
		return
	}
	_ = s.out.Push(f)
}
