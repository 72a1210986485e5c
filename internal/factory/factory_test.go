package factory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/simnode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func previewOpts() TopologyOptions {
	return TopologyOptions{SensorID: 1, Catalog: DefaultCatalog()}
}

func TestOTFThenM2MTopology(t *testing.T) {
	links := Links{FliteTo3AA: camera.LinkM2M, AAToISP: camera.LinkOTF, ISPToMCSC: camera.LinkM2M}
	topo, err := BuildTopology(links, previewOpts())
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}

	aaSource := InputRoute{Index: 10, M2M: true, Sensor: 1}
	wantISP := DeviceInfo{
		Stage:      camera.StageISP,
		Active:     true,
		Leader:     camera.Stage3AA,
		LinkToNext: camera.LinkM2M,
		Next:       camera.StageMCSC,
		Prev:       camera.Stage3AA,
	}
	wantISP.Nodes[camera.RoleOutput] = NodeInfo{Num: 130, Name: "ISPS", InputID: InputRoute{Index: 10, Sensor: 1}.Pack()}
	wantISP.Nodes[camera.RoleCapturePreview] = NodeInfo{Num: 131, Name: "ISPP", InputID: aaSource.Pack(), Queued: true}
	if diff := cmp.Diff(wantISP, topo[camera.StageISP]); diff != "" {
		t.Errorf("ISP DeviceInfo mismatch (-want +got):\n%s", diff)
	}

	if topo[camera.Stage3AA].Nodes[camera.RoleCapturePreview].Queued {
		t.Error("3AP materialized on an OTF link")
	}

	mcscOut := topo[camera.StageMCSC].Nodes[camera.RoleOutput]
	want := NodeInfo{Num: 150, Name: "MCSC", InputID: InputRoute{Index: 31, M2M: true, Leader: true, Sensor: 1}.Pack(), Queued: true}
	if diff := cmp.Diff(want, mcscOut); diff != "" {
		t.Errorf("MCSC output mismatch (-want +got):\n%s", diff)
	}
	if topo[camera.StageMCSC].Leader != camera.StageMCSC {
		t.Errorf("MCSC leader = %v", topo[camera.StageMCSC].Leader)
	}

	groups := topo.Groups()
	wantGroups := []Group{
		{Leader: camera.StageFlite, Members: []camera.StageID{camera.StageFlite}, Parent: frame.NoStage, ParentStage: frame.NoStage, ParentRole: camera.RoleOutput},
		{Leader: camera.Stage3AA, Members: []camera.StageID{camera.Stage3AA, camera.StageISP}, Parent: camera.StageFlite, ParentStage: camera.StageFlite, ParentRole: camera.RoleCaptureBayer},
		{Leader: camera.StageMCSC, Members: []camera.StageID{camera.StageMCSC}, Parent: camera.Stage3AA, ParentStage: camera.StageISP, ParentRole: camera.RoleCapturePreview},
	}
	if diff := cmp.Diff(wantGroups, groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func allLinks() []Links {
	modes := []camera.LinkMode{camera.LinkOTF, camera.LinkM2M}
	var out []Links
	for _, a := range modes {
		for _, b := range modes {
			for _, c := range modes {
				for _, d := range modes {
					for _, e := range modes {
						for _, tpu := range []bool{false, true} {
							out = append(out, Links{FliteTo3AA: a, AAToISP: b, ISPToTPU: c, TPUToMCSC: d, ISPToMCSC: e, TPUEnabled: tpu})
						}
					}
				}
			}
		}
	}
	return out
}

func TestTopologyNodesUnique(t *testing.T) {
	for _, mode := range []Mode{ModePreview, ModeReprocessing} {
		for _, bayer := range []bool{false, true} {
			for _, links := range allLinks() {
				opts := previewOpts()
				opts.Mode = mode
				opts.RequestBayer = bayer
				topo, err := BuildTopology(links, opts)
				if err != nil {
					t.Fatalf("%s %s: %v", mode, links, err)
				}

				seen := map[int]bool{}
				for _, s := range topo.Chain() {
					d := topo[s]
					if !topo[d.Leader].Active || topo[d.Leader].Leader != d.Leader {
						t.Errorf("%s %s: stage %s led by %s", mode, links, s, d.Leader)
					}
					for _, n := range d.Nodes {
						if !n.Present() {
							continue
						}
						if seen[n.Num] {
							t.Errorf("%s %s: node %d claimed twice", mode, links, n.Num)
						}
						seen[n.Num] = true
					}
				}
			}
		}
	}
}

func TestReprocessingTopology(t *testing.T) {
	opts := previewOpts()
	opts.Mode = ModeReprocessing
	opts.Scenario = 3
	topo, err := BuildTopology(Links{}, opts)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	if topo[camera.StageFlite].Active {
		t.Error("FLITE active while reprocessing")
	}
	out := topo[camera.Stage3AA].Nodes[camera.RoleOutput]
	got := ParseInputID(out.InputID)
	want := InputRoute{Index: 11, M2M: true, Leader: true, Sensor: 1, Reprocessing: true, Scenario: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("3AA input mismatch (-want +got):\n%s", diff)
	}
	if !out.Queued {
		t.Error("3AA output not queued while reprocessing")
	}
}

func TestTopologyErrors(t *testing.T) {
	tests := []struct {
		name      string
		links     Links
		overrides map[string]int
		code      camera.ErrorCode
	}{
		{"duplicate node", DefaultLinks(), map[string]int{"ISPS": 151}, camera.ErrTopology},
		{"missing sensor node", DefaultLinks(), map[string]int{"SS0": 0}, camera.ErrConfig},
		{"missing chain capture", Links{FliteTo3AA: camera.LinkM2M, ISPToMCSC: camera.LinkM2M}, map[string]int{"ISPP": 0}, camera.ErrConfig},
		{"missing scaler output", DefaultLinks(), map[string]int{"MCSC0": 0}, camera.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := DefaultCatalog().WithOverrides(tt.overrides)
			if err != nil {
				t.Fatalf("WithOverrides: %v", err)
			}
			opts := previewOpts()
			opts.Catalog = cat
			_, err = BuildTopology(tt.links, opts)
			if !camera.IsCode(err, tt.code) {
				t.Errorf("err = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestCatalogOverrides(t *testing.T) {
	if _, err := DefaultCatalog().WithOverrides(map[string]int{"NOPE": 120}); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("unknown name err = %v, want CONFIG", err)
	}
	if _, err := DefaultCatalog().WithOverrides(map[string]int{"ISPS": 42}); !camera.IsCode(err, camera.ErrConfig) {
		t.Errorf("out of range err = %v, want CONFIG", err)
	}
	cat, err := DefaultCatalog().WithOverrides(map[string]int{"tpus": 145})
	if err != nil {
		t.Fatalf("WithOverrides: %v", err)
	}
	if cat[camera.StageTPU][camera.RoleOutput].Num != 145 {
		t.Errorf("TPUS = %d, want 145", cat[camera.StageTPU][camera.RoleOutput].Num)
	}
}

func TestInputRoutePacking(t *testing.T) {
	r := InputRoute{Index: 31, M2M: true, Leader: true, Sensor: 2, Reprocessing: true, Scenario: 5}
	want := uint32(31 | 1<<10 | 1<<11 | 2<<16 | 1<<24 | 5<<28)
	if got := r.Pack(); got != want {
		t.Errorf("Pack = %#x, want %#x", got, want)
	}
	if diff := cmp.Diff(r, ParseInputID(want)); diff != "" {
		t.Errorf("ParseInputID mismatch (-want +got):\n%s", diff)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []TopologyChange
}

func (n *recordingNotifier) TopologyChanged(c TopologyChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
}

func (n *recordingNotifier) last() (TopologyChange, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.changes) == 0 {
		return TopologyChange{}, 0
	}
	return n.changes[len(n.changes)-1], len(n.changes)
}

func newTestFactory(t *testing.T, links Links, edit func(*Options)) (*Factory, *simnode.Bank) {
	t.Helper()
	bank := simnode.NewBank(simnode.BankOptions{})
	opts := Options{
		Links:       links,
		Topology:    previewOpts(),
		Formats:     Formats{Width: 640, Height: 480, Bayer: camera.PixFmtSBGGR10, YUV: camera.PixFmtNV21M},
		BufferCount: 2,
		ArenaSize:   4,
		Opener:      bank.Open,
		Pool:        simnode.NewMemoryPool(16, 64),
		Logger:      discardLogger(),
	}
	if edit != nil {
		edit(&opts)
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.Destroy() })
	return f, bank
}

func TestFactoryLifecycle(t *testing.T) {
	f, bank := newTestFactory(t, DefaultLinks(), nil)
	ctx := context.Background()

	if err := f.StartPipes(ctx); !camera.IsCode(err, camera.ErrInvalidState) {
		t.Fatalf("StartPipes before Create = %v, want INVALID_STATE", err)
	}
	if _, err := f.CreateFrame(0); !camera.IsCode(err, camera.ErrInvalidState) {
		t.Errorf("CreateFrame before Create = %v, want INVALID_STATE", err)
	}
	if err := f.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := f.SessionID()
	if err := f.Create(); err != nil {
		t.Errorf("second Create = %v, want skip", err)
	}
	if f.SessionID() != id {
		t.Error("skipped Create changed the session id")
	}
	if err := f.StopPipes(); !camera.IsCode(err, camera.ErrInvalidState) {
		t.Errorf("StopPipes in CREATED = %v, want INVALID_STATE", err)
	}
	if f.State() != StateCreated {
		t.Fatalf("state = %v, want created", f.State())
	}

	if err := f.InitPipes(); err != nil {
		t.Fatalf("InitPipes: %v", err)
	}
	ss0, _ := bank.Node("SS0")
	if ss0.Format().PixelFormat != camera.PixFmtSBGGR10 {
		t.Errorf("SS0 format = %s", camera.PixFmtName(ss0.Format().PixelFormat))
	}
	if err := f.StartPipes(ctx); err != nil {
		t.Fatalf("StartPipes: %v", err)
	}
	if !ss0.Streaming() {
		t.Error("SS0 not streaming")
	}
	if _, err := f.MigrateGroups(Links{AAToISP: camera.LinkM2M}); !camera.IsCode(err, camera.ErrInvalidState) {
		t.Errorf("MigrateGroups while running = %v, want INVALID_STATE", err)
	}
	if err := f.StopPipes(); err != nil {
		t.Fatalf("StopPipes: %v", err)
	}
	if f.State() != StateInitialized {
		t.Errorf("state after stop = %v, want initialized", f.State())
	}

	if err := f.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if f.State() != StateNone {
		t.Errorf("state after destroy = %v", f.State())
	}
	if open := bank.OpenNodes(); len(open) != 0 {
		t.Errorf("nodes left open: %v", open)
	}
}

func TestCreateFailureClosesNodes(t *testing.T) {
	f, bank := newTestFactory(t, DefaultLinks(), nil)
	bank.FailOpen("MCSC2")

	if err := f.Create(); !camera.IsCode(err, camera.ErrDriver) {
		t.Fatalf("Create = %v, want DRIVER", err)
	}
	if f.State() != StateNone {
		t.Errorf("state = %v, want none", f.State())
	}
	if open := bank.OpenNodes(); len(open) != 0 {
		t.Errorf("nodes left open: %v", open)
	}
}

func TestCreateFrame(t *testing.T) {
	f, _ := newTestFactory(t, DefaultLinks(), nil)
	if err := f.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var counts []uint32
	for _, explicit := range []uint32{0, 10, 0} {
		fr, err := f.CreateFrame(explicit)
		if err != nil {
			t.Fatalf("CreateFrame(%d): %v", explicit, err)
		}
		counts = append(counts, fr.Count())
		fr.Release()
	}
	if diff := cmp.Diff([]uint32{1, 10, 11}, counts); diff != "" {
		t.Errorf("frame counts mismatch (-want +got):\n%s", diff)
	}
	for _, reused := range []uint32{4, 11} {
		if _, err := f.CreateFrame(reused); !camera.IsCode(err, camera.ErrInvalidState) {
			t.Errorf("CreateFrame(%d) = %v, want INVALID_STATE", reused, err)
		}
	}

	fr, err := f.CreateFrame(0)
	if err != nil {
		t.Fatalf("CreateFrame: %v", err)
	}
	defer fr.Release()
	if fr.Count() != 12 {
		t.Errorf("count after rejected counts = %d, want 12", fr.Count())
	}
	if diff := cmp.Diff([]camera.StageID{camera.StageFlite, camera.Stage3AA}, fr.Stages()); diff != "" {
		t.Errorf("entities mismatch (-want +got):\n%s", diff)
	}
	e, _ := fr.Entity(camera.Stage3AA)
	if e.Parent != camera.StageFlite || e.ParentRole != camera.RoleCaptureBayer || e.State != frame.StateInputOutput {
		t.Errorf("3AA entity = %+v", e)
	}
	root, _ := fr.Entity(camera.StageFlite)
	if root.State != frame.StateInputOnly {
		t.Errorf("FLITE entity state = %v", root.State)
	}
}

func TestCreateFrameArenaExhausted(t *testing.T) {
	f, _ := newTestFactory(t, DefaultLinks(), nil)
	if err := f.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := f.CreateFrame(0); err != nil {
			t.Fatalf("CreateFrame %d: %v", i, err)
		}
	}
	if _, err := f.CreateFrame(0); !camera.IsCode(err, camera.ErrExhausted) {
		t.Errorf("CreateFrame on full arena = %v, want EXHAUSTED", err)
	}
}

func TestFillNodeGroupInfo(t *testing.T) {
	links := Links{FliteTo3AA: camera.LinkM2M, AAToISP: camera.LinkOTF, ISPToMCSC: camera.LinkM2M}
	f, _ := newTestFactory(t, links, nil)
	if err := f.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fr, err := f.CreateFrame(0)
	if err != nil {
		t.Fatalf("CreateFrame: %v", err)
	}
	defer fr.Release()
	fr.Flags.Requests[camera.RoleCaptureRecording] = true
	fr.Flags.Zoom = 2

	if err := f.FillNodeGroupInfo(fr); err != nil {
		t.Fatalf("FillNodeGroupInfo: %v", err)
	}

	yuv := camera.PixFmtNV21M
	var wantMCSC frame.NodeGroupInfo
	wantMCSC.Leader = frame.NodeRequest{Request: true, VideoID: 50, PixelFormat: yuv}
	wantMCSC.Capture[camera.RoleCapturePreview.Slot()] = frame.NodeRequest{Request: true, VideoID: 51, PixelFormat: yuv}
	wantMCSC.Capture[camera.RoleCaptureRecording.Slot()] = frame.NodeRequest{Request: true, VideoID: 52, PixelFormat: yuv}
	if diff := cmp.Diff(wantMCSC, fr.Groups[camera.StageMCSC]); diff != "" {
		t.Errorf("MCSC group info mismatch (-want +got):\n%s", diff)
	}

	isp := fr.Groups[camera.StageISP]
	if isp.Leader.Request || isp.Leader.VideoID != 30 {
		t.Errorf("ISP leader = %+v, want unrequested video 30", isp.Leader)
	}
	if !isp.Capture[camera.RoleCapturePreview.Slot()].Request {
		t.Error("ISP chain capture not requested on M2M link")
	}

	aa := fr.Groups[camera.Stage3AA]
	if diff := cmp.Diff(camera.Rect{X: 160, Y: 120, W: 320, H: 240}, aa.OutputCrop); diff != "" {
		t.Errorf("zoom crop mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(camera.Rect{W: 640, H: 480}, aa.InputCrop); diff != "" {
		t.Errorf("input crop mismatch (-want +got):\n%s", diff)
	}

	fr.Flags.Requests[camera.RoleCaptureBayer] = true
	if err := f.FillNodeGroupInfo(fr); !camera.IsCode(err, camera.ErrTopology) {
		t.Errorf("bayer request without bayer node = %v, want TOPOLOGY", err)
	}
}

func TestInitPipesFormatMismatch(t *testing.T) {
	links := Links{FliteTo3AA: camera.LinkM2M, ISPToMCSC: camera.LinkM2M}
	f, bank := newTestFactory(t, links, func(o *Options) {
		o.Formats.Overrides = map[string]camera.Format{
			"MCSC": {PixelFormat: camera.PixFmtYUYV, Width: 640, Height: 480, PlaneCount: 1},
		}
	})
	if err := f.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.InitPipes(); !camera.IsCode(err, camera.ErrConfig) {
		t.Fatalf("InitPipes = %v, want CONFIG", err)
	}
	if f.State() != StateCreated {
		t.Errorf("state = %v, want created", f.State())
	}
	if n, _ := bank.Node("MCSC"); n.Calls("set_format") != 0 {
		t.Error("format check ran after touching the nodes")
	}
}

func TestMigrateGroups(t *testing.T) {
	noTPU := Links{FliteTo3AA: camera.LinkM2M, ISPToTPU: camera.LinkM2M}
	withTPU := noTPU
	withTPU.TPUEnabled = true
	notify := &recordingNotifier{}
	f, bank := newTestFactory(t, noTPU, func(o *Options) {
		o.GroupMigration = true
		o.Notifier = notify
	})
	if err := f.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := bank.Node("TPUS"); !ok {
		t.Fatal("TPU output not opened for migration")
	}
	if err := f.InitPipes(); err != nil {
		t.Fatalf("InitPipes: %v", err)
	}

	changed, err := f.MigrateGroups(noTPU)
	if err != nil || changed {
		t.Fatalf("MigrateGroups(same) = %v, %v, want false", changed, err)
	}
	if _, n := notify.last(); n != 0 {
		t.Error("unchanged scenario published a change")
	}

	changed, err = f.MigrateGroups(withTPU)
	if err != nil || !changed {
		t.Fatalf("MigrateGroups(tpu on) = %v, %v", changed, err)
	}
	topo := f.DeviceInfo()
	if !topo[camera.StageTPU].Active || topo[camera.StageTPU].Leader != camera.StageTPU {
		t.Errorf("TPU after migration = %+v", topo[camera.StageTPU])
	}
	if f.State() != StateCreated {
		t.Errorf("state after migration = %v, want created", f.State())
	}
	c, _ := notify.last()
	if c.Reused || c.To != withTPU || c.SessionID != f.SessionID() {
		t.Errorf("change = %+v", c)
	}
	if err := f.InitPipes(); err != nil {
		t.Fatalf("InitPipes after migration: %v", err)
	}

	changed, err = f.MigrateGroups(noTPU)
	if err != nil || !changed {
		t.Fatalf("MigrateGroups(tpu off) = %v, %v", changed, err)
	}
	c, n := notify.last()
	if !c.Reused || n != 2 {
		t.Errorf("second migration change = %+v (%d published), want reused", c, n)
	}

	before := f.DeviceInfo()
	if _, err := f.MigrateGroups(Links{FliteTo3AA: camera.LinkM2M, AAToISP: camera.LinkM2M}); !camera.IsCode(err, camera.ErrTopology) {
		t.Errorf("migration needing 3AP = %v, want TOPOLOGY", err)
	}
	if diff := cmp.Diff(before, f.DeviceInfo()); diff != "" {
		t.Errorf("failed migration changed the table (-want +got):\n%s", diff)
	}
}

func TestCheckMigration(t *testing.T) {
	noTPU := Links{FliteTo3AA: camera.LinkM2M, ISPToTPU: camera.LinkM2M}
	withTPU := noTPU
	withTPU.TPUEnabled = true
	f, _ := newTestFactory(t, noTPU, nil)

	// Before Create every link change is accepted.
	if err := f.CheckMigration(withTPU); err != nil {
		t.Errorf("CheckMigration before create = %v", err)
	}
	if err := f.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.InitPipes(); err != nil {
		t.Fatalf("InitPipes: %v", err)
	}
	if err := f.CheckMigration(noTPU); err != nil {
		t.Errorf("CheckMigration(same) = %v", err)
	}

	before := f.DeviceInfo()
	if err := f.CheckMigration(withTPU); !camera.IsCode(err, camera.ErrTopology) {
		t.Errorf("CheckMigration without TPU nodes = %v, want TOPOLOGY", err)
	}
	if diff := cmp.Diff(before, f.DeviceInfo()); diff != "" {
		t.Errorf("check changed the table (-want +got):\n%s", diff)
	}
	if f.State() != StateInitialized || f.Links() != noTPU {
		t.Errorf("state = %v links = %v after check", f.State(), f.Links())
	}
}
