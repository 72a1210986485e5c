package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/simnode"
)

var testFormat = camera.Format{PixelFormat: 1, Width: 64, Height: 48, PlaneCount: 1}

type sinkRecord struct {
	count uint32
	err   error
}

type collector struct {
	mu   sync.Mutex
	recs []sinkRecord
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) sink(f *frame.Frame, _ camera.StageID, err error) {
	c.mu.Lock()
	c.recs = append(c.recs, sinkRecord{count: f.Count(), err: err})
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []sinkRecord {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d frames from sink, want %d", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sinkRecord(nil), c.recs...)
}

type fixture struct {
	bank  *simnode.Bank
	pool  *simnode.MemoryPool
	arena *frame.Arena
}

func newFixture(t *testing.T, opts simnode.BankOptions) *fixture {
	t.Helper()
	fx := &fixture{
		bank: simnode.NewBank(opts),
		pool: simnode.NewMemoryPool(16, 256),
	}
	fx.arena = frame.NewArena(8, func(_ uint32, bufs []camera.Buffer) {
		for _, b := range bufs {
			_ = fx.pool.PutBuffer(b.Index)
		}
	})
	return fx
}

func (fx *fixture) open(t *testing.T, num int, name string) camera.NodeHandle {
	t.Helper()
	h, err := fx.bank.Open(num, name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return h
}

// mcscStage builds a stage with the MCSC output node and one preview capture.
func (fx *fixture) mcscStage(t *testing.T, extra func(*Options)) *Stage {
	t.Helper()
	opts := Options{
		Leader: camera.StageMCSC,
		Nodes: []Node{
			{Handle: fx.open(t, 150, "MCSC"), Stage: camera.StageMCSC, Role: camera.RoleOutput, InputID: 40, Format: testFormat},
			{Handle: fx.open(t, 151, "MCSC0"), Stage: camera.StageMCSC, Role: camera.RoleCapturePreview, InputID: 50, Format: testFormat},
		},
		Pool: fx.pool,
	}
	if extra != nil {
		extra(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func (fx *fixture) newFrame(t *testing.T, count uint32) *frame.Frame {
	t.Helper()
	f, err := fx.arena.Alloc(count)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	f.AddEntity(camera.StageMCSC, frame.NoStage, frame.NoStage, camera.RoleOutput)
	src, err := fx.pool.GetBuffer()
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	f.SetSource(camera.StageMCSC, src)
	f.Groups[camera.StageMCSC].Capture[camera.RoleCapturePreview.Slot()].Request = true
	return f
}

func startStage(t *testing.T, s *Stage) {
	t.Helper()
	if err := s.Setup(4); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
}

func TestStageProcessesFrame(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	col := newCollector()
	s := fx.mcscStage(t, func(o *Options) { o.Sink = col.sink })
	startStage(t, s)

	f := fx.newFrame(t, 1)
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs := col.wait(t, 1)
	if recs[0].err != nil {
		t.Fatalf("sink error: %v", recs[0].err)
	}

	e, _ := f.Entity(camera.StageMCSC)
	if e.Progress != frame.ProgressDone {
		t.Errorf("progress = %v, want done", e.Progress)
	}
	dst := f.Dest(camera.StageMCSC, camera.RoleCapturePreview.Slot())
	if !dst.Valid() {
		t.Fatal("preview buffer not attached")
	}
	if dst.Planes[0].BytesUsed != dst.Planes[0].Length {
		t.Errorf("bytes used = %d, want %d", dst.Planes[0].BytesUsed, dst.Planes[0].Length)
	}
	if dst.Meta != nil {
		t.Error("capture buffer kept a metadata pointer")
	}

	out, _ := fx.bank.Node("MCSC")
	if out.Input() != 40 || out.Format() != testFormat {
		t.Errorf("output node routed to %d with %+v", out.Input(), out.Format())
	}

	info := s.Info()
	if info.Frames != 1 || info.Skipped != 0 || info.State != StateRunning {
		t.Errorf("info = %+v", info)
	}

	f.Release()
	if fx.pool.Outstanding() != 0 {
		t.Errorf("outstanding buffers = %d after release", fx.pool.Outstanding())
	}
}

func TestStageDequeueWithoutSink(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	s := fx.mcscStage(t, nil)
	startStage(t, s)

	f := fx.newFrame(t, 3)
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := s.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got != f {
		t.Errorf("dequeued frame %d, want %d", got.Count(), f.Count())
	}
}

func TestStageRetriesDriverFailureOnce(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	col := newCollector()
	s := fx.mcscStage(t, func(o *Options) { o.Sink = col.sink })
	startStage(t, s)

	capture, _ := fx.bank.Node("MCSC0")
	capture.FailNext("dequeue", 1)

	f := fx.newFrame(t, 1)
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs := col.wait(t, 1)
	if recs[0].err != nil {
		t.Fatalf("single failure skipped the frame: %v", recs[0].err)
	}
	if got := capture.Calls("dequeue"); got != 2 {
		t.Errorf("dequeue calls = %d, want 2", got)
	}
}

func TestStageSkipsAfterSecondFailure(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	col := newCollector()
	s := fx.mcscStage(t, func(o *Options) { o.Sink = col.sink })
	startStage(t, s)

	out, _ := fx.bank.Node("MCSC")
	out.FailNext("enqueue", 2)

	f := fx.newFrame(t, 1)
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs := col.wait(t, 1)
	if !camera.IsCode(recs[0].err, camera.ErrDriver) {
		t.Fatalf("sink error = %v, want DRIVER", recs[0].err)
	}
	e, _ := f.Entity(camera.StageMCSC)
	if e.Progress != frame.ProgressSkipped || !f.Failed() {
		t.Errorf("progress = %v failed = %v", e.Progress, f.Failed())
	}

	// The stage keeps running after a skipped frame.
	g := fx.newFrame(t, 2)
	if err := s.Enqueue(g); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs = col.wait(t, 1)
	if recs[1].err != nil {
		t.Errorf("next frame error = %v", recs[1].err)
	}
	if s.Info().Skipped != 1 {
		t.Errorf("skipped = %d, want 1", s.Info().Skipped)
	}
}

func TestStageReclaimsBuffersAfterPartialEnqueue(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	col := newCollector()
	s := fx.mcscStage(t, func(o *Options) { o.Sink = col.sink })
	startStage(t, s)

	out, _ := fx.bank.Node("MCSC")
	capture, _ := fx.bank.Node("MCSC0")
	capture.FailNext("enqueue", 2)

	f := fx.newFrame(t, 1)
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs := col.wait(t, 1)
	if !camera.IsCode(recs[0].err, camera.ErrDriver) {
		t.Fatalf("sink error = %v, want DRIVER", recs[0].err)
	}
	if out.Queued() != 0 {
		t.Fatalf("output node still holds %d buffers of the skipped frame", out.Queued())
	}
	f.Release()
	if fx.pool.Outstanding() != 0 {
		t.Fatalf("outstanding buffers = %d after skipped frame", fx.pool.Outstanding())
	}

	g := fx.newFrame(t, 2)
	src := g.Source(camera.StageMCSC)
	if err := s.Enqueue(g); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs = col.wait(t, 1)
	if recs[1].err != nil {
		t.Fatalf("next frame error = %v", recs[1].err)
	}
	dst := g.Dest(camera.StageMCSC, camera.RoleCapturePreview.Slot())
	if !dst.Valid() || dst.Index == src.Index {
		t.Errorf("preview buffer %d, source %d", dst.Index, src.Index)
	}
	if out.Queued() != 0 || capture.Queued() != 0 {
		t.Errorf("queued after frame: output %d capture %d", out.Queued(), capture.Queued())
	}
	if got := capture.Calls("stop"); got != 0 {
		t.Errorf("capture node flushed %d times, want 0", got)
	}
	g.Release()
	if fx.pool.Outstanding() != 0 {
		t.Errorf("outstanding buffers = %d", fx.pool.Outstanding())
	}
}

func TestStageFlushesNodeThatKeepsBuffer(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	col := newCollector()
	s := fx.mcscStage(t, func(o *Options) { o.Sink = col.sink })
	startStage(t, s)

	capture, _ := fx.bank.Node("MCSC0")
	capture.FailNext("dequeue", 3)

	f := fx.newFrame(t, 1)
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs := col.wait(t, 1)
	if !camera.IsCode(recs[0].err, camera.ErrDriver) {
		t.Fatalf("sink error = %v, want DRIVER", recs[0].err)
	}
	if capture.Calls("stop") != 1 || capture.Calls("start") != 2 {
		t.Errorf("stop/start calls = %d/%d, want one flush", capture.Calls("stop"), capture.Calls("start"))
	}
	if capture.Queued() != 0 || !capture.Streaming() {
		t.Errorf("capture queued=%d streaming=%v after flush", capture.Queued(), capture.Streaming())
	}
	f.Release()
	if fx.pool.Outstanding() != 0 {
		t.Errorf("outstanding buffers = %d", fx.pool.Outstanding())
	}
}

func TestStageStopCancelsQueuedFrames(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{FrameDelay: time.Minute})
	col := newCollector()
	s := fx.mcscStage(t, func(o *Options) { o.Sink = col.sink })
	startStage(t, s)

	for i := uint32(1); i <= 3; i++ {
		if err := s.Enqueue(fx.newFrame(t, i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	recs := col.wait(t, 3)
	for _, r := range recs {
		if !camera.IsCode(r.err, camera.ErrCanceled) {
			t.Errorf("frame %d error = %v, want CANCELED", r.count, r.err)
		}
	}
	if s.State() != StateConfigured {
		t.Errorf("state = %v, want configured", s.State())
	}
	if err := s.Enqueue(fx.newFrame(t, 4)); !camera.IsCode(err, camera.ErrInvalidState) {
		t.Errorf("Enqueue after stop = %v, want INVALID_STATE", err)
	}
}

func TestStageStartRequiresSetup(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	s := fx.mcscStage(t, nil)
	if err := s.Start(context.Background()); !camera.IsCode(err, camera.ErrInvalidState) {
		t.Errorf("Start = %v, want INVALID_STATE", err)
	}
}

func TestStageSetupFailure(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	s := fx.mcscStage(t, nil)
	n, _ := fx.bank.Node("MCSC0")
	n.FailNext("set_format", 2)

	err := s.Setup(4)
	if !camera.IsCode(err, camera.ErrDriver) {
		t.Fatalf("Setup = %v, want DRIVER", err)
	}
	if s.State() != StateError {
		t.Errorf("state = %v, want error", s.State())
	}
	if s.Info().LastError == nil {
		t.Error("last error not recorded")
	}
}

func TestNewRejectsEmptyStage(t *testing.T) {
	if _, err := New(Options{Leader: camera.StageISP}); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("New without nodes = %v, want CONFIG", err)
	}
	if _, err := New(Options{Leader: camera.StageCount}); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("New with bad leader = %v, want CONFIG", err)
	}
}

func TestStageStateCallbacks(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	var mu sync.Mutex
	var seen []State
	s := fx.mcscStage(t, func(o *Options) {
		o.OnStateChange = func(_ camera.StageID, _, newState State, _ error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, newState)
		}
	})
	if err := s.Setup(2); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []State{StateConfigured, StateRunning, StateStopping, StateConfigured, StateIdle}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestStageAttachesMetadata(t *testing.T) {
	scene := simnode.DefaultScene()
	scene.Dark = true
	sensor := simnode.NewSensor(scene)
	fx := newFixture(t, simnode.BankOptions{Sensor: sensor})
	col := newCollector()

	var before, after int
	s := fx.mcscStage(t, func(o *Options) {
		o.Sink = col.sink
		o.Metadata = true
		o.Hooks = Hooks{
			Before: func(f *frame.Frame) {
				before++
				f.Meta.Ctl.AELock = true
			},
			After: func(*frame.Frame) { after++ },
		}
	})
	startStage(t, s)

	f := fx.newFrame(t, 9)
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	col.wait(t, 1)

	if before != 1 || after != 1 {
		t.Errorf("hooks ran before=%d after=%d", before, after)
	}
	if f.Meta.AEState != camera.AELockedFlashRequired {
		t.Errorf("AE state = %v, want locked flash required", f.Meta.AEState)
	}
	if f.Meta.Sensitivity != 800 {
		t.Errorf("sensitivity = %d, want 800", f.Meta.Sensitivity)
	}
}

func TestGroupStartsDownstreamFirst(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	var mu sync.Mutex
	var running []camera.StageID
	onState := func(id camera.StageID, _, newState State, _ error) {
		if newState != StateRunning {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		running = append(running, id)
	}

	isp, err := New(Options{
		Leader:  camera.StageISP,
		Members: []camera.StageID{camera.StageISP, camera.StageTPU},
		Nodes: []Node{
			{Handle: fx.open(t, 130, "ISPS"), Stage: camera.StageISP, Role: camera.RoleOutput, Format: testFormat},
		},
		OnStateChange: onState,
	})
	if err != nil {
		t.Fatalf("New ISP: %v", err)
	}
	mcsc := fx.mcscStage(t, func(o *Options) { o.OnStateChange = onState })

	g := NewGroup(nil)
	for _, s := range []*Stage{isp, mcsc} {
		if err := g.Add(s); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := g.Add(isp); !camera.IsCode(err, camera.ErrTopology) {
		t.Errorf("duplicate Add = %v, want TOPOLOGY", err)
	}

	if err := g.SetupAll(2); err != nil {
		t.Fatalf("SetupAll: %v", err)
	}
	if err := g.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	t.Cleanup(func() { _ = g.CloseAll() })

	mu.Lock()
	got := append([]camera.StageID(nil), running...)
	mu.Unlock()
	if len(got) != 2 || got[0] != camera.StageMCSC || got[1] != camera.StageISP {
		t.Errorf("start order = %v, want [MCSC ISP]", got)
	}

	status := g.Status()
	if len(status) != 2 || status[0].ID != camera.StageISP {
		t.Fatalf("status = %+v", status)
	}
	if len(status[0].Members) != 2 {
		t.Errorf("ISP members = %v", status[0].Members)
	}
	if err := g.StopAll(); err != nil {
		t.Errorf("StopAll: %v", err)
	}
}

func TestGroupStartRollsBack(t *testing.T) {
	fx := newFixture(t, simnode.BankOptions{})
	isp, err := New(Options{
		Leader: camera.StageISP,
		Nodes: []Node{
			{Handle: fx.open(t, 130, "ISPS"), Stage: camera.StageISP, Role: camera.RoleOutput, Format: testFormat},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mcsc := fx.mcscStage(t, nil)
	g := NewGroup(nil)
	_ = g.Add(isp)
	_ = g.Add(mcsc)
	if err := g.SetupAll(2); err != nil {
		t.Fatalf("SetupAll: %v", err)
	}

	n, _ := fx.bank.Node("ISPS")
	n.FailNext("start", 2)
	if err := g.StartAll(context.Background()); !camera.IsCode(err, camera.ErrDriver) {
		t.Fatalf("StartAll = %v, want DRIVER", err)
	}
	if mcsc.State() != StateConfigured {
		t.Errorf("MCSC state = %v after rollback, want configured", mcsc.State())
	}
	out, _ := fx.bank.Node("MCSC")
	if out.Streaming() {
		t.Error("MCSC still streaming after rollback")
	}
	_ = g.CloseAll()
	if got := fx.bank.OpenNodes(); len(got) != 0 {
		t.Errorf("open nodes after CloseAll = %v", got)
	}
}
