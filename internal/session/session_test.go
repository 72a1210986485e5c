package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/config"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/factory"
	"github.com/smazurov/campipe/internal/simnode"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) all() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

func (b *recordingBus) flashStates() []string {
	var out []string
	for _, ev := range b.all() {
		if e, ok := ev.(events.FlashStateChangedEvent); ok {
			out = append(out, e.To)
		}
	}
	return out
}

func testPipeline() config.Pipeline {
	p := config.DefaultPipeline()
	p.Topology.Width = 640
	p.Topology.Height = 480
	p.Session.BufferCount = 4
	p.Session.ArenaSize = 16
	p.Session.FrameInterval = config.Duration(5 * time.Millisecond)
	return p
}

type fixture struct {
	s      *Session
	bus    *recordingBus
	bank   *simnode.Bank
	sensor *simnode.Sensor
	pool   *simnode.MemoryPool
}

func newFixture(t *testing.T, p config.Pipeline, scene simnode.Scene) *fixture {
	t.Helper()
	fx := &fixture{
		bus:    &recordingBus{},
		sensor: simnode.NewSensor(scene),
		pool:   simnode.NewMemoryPool(64, 64),
	}
	fx.bank = simnode.NewBank(simnode.BankOptions{Sensor: fx.sensor})
	s, err := New(p, Deps{
		Opener: fx.bank.Open,
		Pool:   fx.pool,
		Bus:    fx.bus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx.s = s
	t.Cleanup(func() { _ = s.Close() })
	return fx
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	if err := fx.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.waitFrames(t, 5)
}

// waitFrames waits until n more frames were created.
func (fx *fixture) waitFrames(t *testing.T, n uint32) {
	t.Helper()
	base := fx.s.Factory().Status().Counter
	eventually(t, 2*time.Second, "frames produced", func() bool {
		return fx.s.Factory().Status().Counter >= base+n
	})
}

func heldFrames(s *Session) int {
	n := 0
	for _, d := range s.Selector().Status().Depths {
		n += d
	}
	return n
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := testPipeline()
	p.Session.ArenaSize = 0
	bank := simnode.NewBank(simnode.BankOptions{})
	if _, err := New(p, Deps{Opener: bank.Open, Pool: simnode.NewMemoryPool(4, 64)}); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("New with empty arena = %v, want CONFIG", err)
	}
	if _, err := New(testPipeline(), Deps{}); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("New without opener = %v, want CONFIG", err)
	}
}

func TestSessionStartStop(t *testing.T) {
	fx := newFixture(t, testPipeline(), simnode.DefaultScene())
	fx.start(t)

	if !fx.s.Running() {
		t.Fatal("session not running after Start")
	}
	if err := fx.s.Start(context.Background()); err != nil {
		t.Errorf("second Start = %v, want skip", err)
	}
	eventually(t, 2*time.Second, "held frames", func() bool {
		return heldFrames(fx.s) > 0
	})

	if err := fx.s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fx.s.Running() {
		t.Error("session still running after Stop")
	}
	if st := fx.s.Factory().State(); st != factory.StateInitialized {
		t.Errorf("factory state = %v, want initialized", st)
	}
	if held := heldFrames(fx.s); held != 0 {
		t.Errorf("held frames after Stop = %d", held)
	}
	eventually(t, time.Second, "frames released", func() bool {
		return fx.s.Factory().Status().Live == 0
	})

	// restart on the already opened nodes
	fx.start(t)
	if err := fx.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if open := fx.bank.OpenNodes(); len(open) != 0 {
		t.Errorf("nodes left open: %v", open)
	}
	if fx.pool.Outstanding() != 0 {
		t.Errorf("buffers outstanding after Close = %d", fx.pool.Outstanding())
	}

	var running bool
	for _, ev := range fx.bus.all() {
		if e, ok := ev.(events.StageStateChangedEvent); ok && e.To == "running" {
			running = true
			if e.SessionID == "" {
				t.Error("stage event without session id")
			}
		}
	}
	if !running {
		t.Error("no stage running event published")
	}
}

func TestCapture(t *testing.T) {
	fx := newFixture(t, testPipeline(), simnode.DefaultScene())
	fx.start(t)

	res, err := fx.s.Capture(context.Background(), CaptureRequest{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.RequestID == "" || res.FrameCount == 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Flash {
		t.Error("lit scene captured with flash")
	}
	if res.Meta.FrameCount != res.FrameCount {
		t.Errorf("metadata of frame %d attached to frame %d", res.Meta.FrameCount, res.FrameCount)
	}
	if got := fx.s.Snapshot().Captures; got != 1 {
		t.Errorf("captures = %d, want 1", got)
	}

	var selected *events.FrameSelectedEvent
	for _, ev := range fx.bus.all() {
		if e, ok := ev.(events.FrameSelectedEvent); ok {
			selected = &e
		}
	}
	if selected == nil {
		t.Fatal("no frame selected event")
	}
	if selected.RequestID != res.RequestID || selected.FrameCount != res.FrameCount {
		t.Errorf("event = %+v, result = %+v", *selected, res)
	}
}

func TestCaptureNotRunning(t *testing.T) {
	fx := newFixture(t, testPipeline(), simnode.DefaultScene())

	res, err := fx.s.Capture(context.Background(), CaptureRequest{})
	if !camera.IsCode(err, camera.ErrInvalidState) {
		t.Fatalf("Capture = %v, want INVALID_STATE", err)
	}
	if res.RequestID == "" {
		t.Error("failed capture has no request id")
	}
	var failed bool
	for _, ev := range fx.bus.all() {
		if e, ok := ev.(events.CaptureFailedEvent); ok {
			failed = e.RequestID == res.RequestID && e.Code == string(camera.ErrInvalidState)
		}
	}
	if !failed {
		t.Error("no capture failed event for the request")
	}
}

func TestCaptureRawNeedsBayer(t *testing.T) {
	fx := newFixture(t, testPipeline(), simnode.DefaultScene())
	fx.start(t)

	if _, err := fx.s.Capture(context.Background(), CaptureRequest{Raw: true}); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("raw Capture without bayer = %v, want CONFIG", err)
	}
}

func TestCaptureCanceledContext(t *testing.T) {
	p := testPipeline()
	p.Session.FrameInterval = config.Duration(time.Hour)
	fx := newFixture(t, p, simnode.DefaultScene())
	if err := fx.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fx.s.Capture(ctx, CaptureRequest{Tries: 1}); err == nil {
		t.Fatal("Capture with canceled context succeeded on an empty pipeline")
	}
}

func TestFlashCapture(t *testing.T) {
	scene := simnode.DefaultScene()
	scene.Dark = true
	fx := newFixture(t, testPipeline(), scene)
	fx.start(t)

	eventually(t, 2*time.Second, "flash needed", fx.s.Flash().IsNeedFlash)

	var last uint32
	for i := 0; i < 2; i++ {
		res, err := fx.s.Capture(context.Background(), CaptureRequest{})
		if err != nil {
			t.Fatalf("Capture %d: %v", i, err)
		}
		if !res.Flash {
			t.Errorf("capture %d of frame %d not flash lit", i, res.FrameCount)
		}
		if shot := fx.s.Flash().ShotFrameCount(); res.FrameCount != shot {
			t.Errorf("capture %d selected frame %d, flash lit frame %d", i, res.FrameCount, shot)
		}
		if res.FrameCount <= last {
			t.Errorf("capture %d frame %d not after previous %d", i, res.FrameCount, last)
		}
		last = res.FrameCount

		// MAIN_DONE hands over to OFF before the next capture can start.
		eventually(t, 2*time.Second, "flash back to OFF", func() bool {
			states := fx.bus.flashStates()
			done, seen := -1, 0
			for j, st := range states {
				if st == "MAIN_DONE" {
					seen++
					if seen == i+1 {
						done = j
					}
				}
			}
			if done < 0 {
				return false
			}
			for _, st := range states[done+1:] {
				if st == "OFF" {
					return true
				}
			}
			return false
		})
	}

	states := fx.bus.flashStates()
	var preOn bool
	for _, st := range states {
		if st == "PRE_ON" {
			preOn = true
		}
	}
	if !preOn {
		t.Errorf("flash states = %v, want PRE_ON among them", states)
	}

	var active bool
	for _, ev := range fx.bus.all() {
		if e, ok := ev.(events.FlashIndicatorEvent); ok && e.Active {
			active = true
		}
	}
	if !active {
		t.Error("no active flash indicator published")
	}
}

func TestZoom(t *testing.T) {
	fx := newFixture(t, testPipeline(), simnode.DefaultScene())
	if got := fx.s.Zoom(); got != 1 {
		t.Errorf("default zoom = %v", got)
	}
	if err := fx.s.SetZoom(20); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("SetZoom(20) = %v, want CONFIG", err)
	}
	if err := fx.s.SetZoom(0.5); err != nil {
		t.Fatalf("SetZoom(0.5): %v", err)
	}
	if got := fx.s.Zoom(); got != 1 {
		t.Errorf("zoom below 1 = %v, want 1", got)
	}
	if err := fx.s.SetZoom(2.5); err != nil || fx.s.Zoom() != 2.5 {
		t.Errorf("SetZoom(2.5) = %v, zoom %v", err, fx.s.Zoom())
	}
}

func TestApplyPipelineMigrates(t *testing.T) {
	p := testPipeline()
	p.Topology.ISPToTPU = camera.LinkM2M.String()
	p.Session.GroupMigration = true
	fx := newFixture(t, p, simnode.DefaultScene())
	fx.start(t)

	next := p
	next.Selector.HoldCount = 2
	migrated, err := fx.s.ApplyPipeline(next)
	if err != nil || migrated {
		t.Fatalf("ApplyPipeline(calibration) = %v, %v, want no migration", migrated, err)
	}
	if got := fx.s.Selector().Config().HoldCount; got != 2 {
		t.Errorf("hold count = %d, want 2", got)
	}

	next.Topology.TPUEnabled = true
	migrated, err = fx.s.ApplyPipeline(next)
	if err != nil || !migrated {
		t.Fatalf("ApplyPipeline(tpu on) = %v, %v", migrated, err)
	}
	if !fx.s.Running() {
		t.Fatal("session not restarted after migration")
	}
	if !fx.s.Factory().Links().TPUEnabled {
		t.Error("links not switched")
	}
	if !fx.s.Config().Topology.TPUEnabled {
		t.Error("config not updated")
	}
	fx.waitFrames(t, 5)

	var change *events.TopologyChangedEvent
	for _, ev := range fx.bus.all() {
		if e, ok := ev.(events.TopologyChangedEvent); ok {
			change = &e
		}
	}
	if change == nil {
		t.Fatal("no topology change published")
	}
	if len(change.Groups) == 0 || change.Groups[len(change.Groups)-1] != camera.StageTPU.String() {
		t.Errorf("groups = %v, want TPU last", change.Groups)
	}

	if _, err := fx.s.Capture(context.Background(), CaptureRequest{}); err != nil {
		t.Errorf("Capture after migration: %v", err)
	}
}

func TestApplyPipelineKeepsStreamingOnRefusedLinks(t *testing.T) {
	p := testPipeline()
	p.Topology.ISPToTPU = camera.LinkM2M.String()
	p.Session.GroupMigration = false
	fx := newFixture(t, p, simnode.DefaultScene())
	fx.start(t)
	before := fx.s.Factory().Links()

	next := p
	next.Topology.TPUEnabled = true
	migrated, err := fx.s.ApplyPipeline(next)
	if !camera.IsCode(err, camera.ErrTopology) || migrated {
		t.Fatalf("ApplyPipeline(tpu on without nodes) = %v, %v, want TOPOLOGY", migrated, err)
	}
	if !fx.s.Running() {
		t.Fatal("refused link change stopped the session")
	}
	if got := fx.s.Factory().State(); got != factory.StateRunning {
		t.Errorf("factory state = %v, want running", got)
	}
	if got := fx.s.Factory().Links(); got != before {
		t.Errorf("links = %v, want %v", got, before)
	}
	fx.waitFrames(t, 5)
	if _, err := fx.s.Capture(context.Background(), CaptureRequest{}); err != nil {
		t.Errorf("Capture after refused reload: %v", err)
	}
}

func TestApplyPipelineRejectsInvalid(t *testing.T) {
	fx := newFixture(t, testPipeline(), simnode.DefaultScene())
	bad := testPipeline()
	bad.Topology.AAToISP = "carrier-pigeon"
	if _, err := fx.s.ApplyPipeline(bad); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("ApplyPipeline(bad link) = %v, want CONFIG", err)
	}
}

func TestSetRecording(t *testing.T) {
	fx := newFixture(t, testPipeline(), simnode.DefaultScene())
	fx.s.SetRecording(true)
	if !fx.s.Snapshot().Recording {
		t.Error("recording not reported")
	}
	if !fx.s.Selector().Status().Recording {
		t.Error("selector has no recording hint")
	}
}
