package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/factory"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/selector"
)

func writePipeline(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultPipelineIsValid(t *testing.T) {
	p := DefaultPipeline()
	if err := p.Validate(); err != nil {
		t.Fatalf("default pipeline invalid: %v", err)
	}
	links, err := p.Links()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(factory.DefaultLinks(), links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(flash.DefaultConfig(), p.FlashConfig()); diff != "" {
		t.Errorf("flash config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(selector.DefaultConfig(), p.SelectorConfig()); diff != "" {
		t.Errorf("selector config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPipelineMissingFile(t *testing.T) {
	p, err := LoadPipeline(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.Session.Backend != BackendSim {
		t.Errorf("backend = %q, want sim", p.Session.Backend)
	}
}

func TestLoadPipeline(t *testing.T) {
	path := writePipeline(t, `
[topology]
mode = "reprocessing"
sensor_id = 1
scenario = 3
3aa_isp = "m2m"
isp_tpu = "m2m"
tpu_enabled = true
width = 1920
height = 1080
yuv_format = "NM12"

[nodes]
MCSC2 = 0
ISPP = 135

[flash]
main_wait_count = 3
wait_interval = "10ms"

[selector]
hold_count = 5
poll_timeout = "250ms"

[session]
backend = "v4l2"
buffer_count = 4
frame_interval = "16ms"

[sim]
dark = true
`)
	p, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}

	links, err := p.Links()
	if err != nil {
		t.Fatal(err)
	}
	want := factory.Links{
		FliteTo3AA: camera.LinkM2M,
		AAToISP:    camera.LinkM2M,
		ISPToTPU:   camera.LinkM2M,
		TPUEnabled: true,
	}
	if diff := cmp.Diff(want, links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}

	topo, err := p.TopologyOptions()
	if err != nil {
		t.Fatal(err)
	}
	if topo.Mode != factory.ModeReprocessing || topo.SensorID != 1 || topo.Scenario != 3 {
		t.Errorf("topology options = %+v", topo)
	}
	if n := topo.Catalog[camera.StageMCSC][camera.RoleCaptureThumbnail].Num; n != 0 {
		t.Errorf("MCSC2 = %d, want removed", n)
	}
	if n := topo.Catalog[camera.StageISP][camera.RoleCapturePreview].Num; n != 135 {
		t.Errorf("ISPP = %d, want 135", n)
	}

	fm, err := p.Formats()
	if err != nil {
		t.Fatal(err)
	}
	if fm.Width != 1920 || fm.Height != 1080 || fm.YUV != camera.PixFmtNV12M || fm.Bayer != camera.PixFmtSBGGR10 {
		t.Errorf("formats = %+v", fm)
	}

	fc := p.FlashConfig()
	if fc.MainWaitCount != 3 || fc.WaitInterval != 10*time.Millisecond || fc.AETimeout != flash.DefaultConfig().AETimeout {
		t.Errorf("flash config = %+v", fc)
	}
	sc := p.SelectorConfig()
	if sc.HoldCount != 5 || sc.PollTimeout != 250*time.Millisecond {
		t.Errorf("selector config = %+v", sc)
	}
	if p.Session.Backend != BackendV4L2 || p.Session.BufferCount != 4 || p.Session.FrameInterval.Std() != 16*time.Millisecond {
		t.Errorf("session = %+v", p.Session)
	}
	if !p.Scene().Dark || p.Scene().PreFlashFrames == 0 {
		t.Errorf("scene = %+v", p.Scene())
	}
}

func TestLoadPipelineInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad link", "[topology]\nisp_mcsc = \"dma\"\n"},
		{"bad mode", "[topology]\nmode = \"video\"\n"},
		{"unknown node", "[nodes]\nXYZ = 120\n"},
		{"node out of range", "[nodes]\nMCSC0 = 42\n"},
		{"odd width", "[topology]\nwidth = 641\nheight = 480\n"},
		{"bad fourcc", "[topology]\nbayer_format = \"BG10X\"\n"},
		{"negative flash", "[flash]\nae_timeout = -1\n"},
		{"zero poll", "[selector]\npoll_timeout = \"0s\"\n"},
		{"bad backend", "[session]\nbackend = \"usb\"\n"},
		{"zero buffers", "[session]\nbuffer_count = 0\n"},
		{"sensor range", "[topology]\nsensor_id = 300\n"},
		{"syntax", "[topology\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPipeline(writePipeline(t, tt.content))
			if !camera.IsCode(err, camera.ErrConfig) {
				t.Errorf("err = %v, want CONFIG", err)
			}
		})
	}
}

func TestPipelineSaveRoundTrip(t *testing.T) {
	p := DefaultPipeline()
	p.Topology.TPUEnabled = true
	p.Flash.WaitInterval = Duration(5 * time.Millisecond)
	path := filepath.Join(t.TempDir(), "out.toml")
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if diff := cmp.Diff(p, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
