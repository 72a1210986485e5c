package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/factory"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/selector"
	"github.com/smazurov/campipe/internal/simnode"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TopologySection is the [topology] table of pipeline.toml.
type TopologySection struct {
	Mode         string `toml:"mode" json:"mode"`
	SensorID     int    `toml:"sensor_id" json:"sensor_id"`
	Scenario     int    `toml:"scenario" json:"scenario"`
	FliteTo3AA   string `toml:"flite_3aa" json:"flite_3aa"`
	AAToISP      string `toml:"3aa_isp" json:"3aa_isp"`
	ISPToTPU     string `toml:"isp_tpu" json:"isp_tpu"`
	TPUToMCSC    string `toml:"tpu_mcsc" json:"tpu_mcsc"`
	ISPToMCSC    string `toml:"isp_mcsc" json:"isp_mcsc"`
	TPUEnabled   bool   `toml:"tpu_enabled" json:"tpu_enabled"`
	RequestBayer bool   `toml:"request_bayer" json:"request_bayer"`
	Width        int    `toml:"width" json:"width"`
	Height       int    `toml:"height" json:"height"`
	Bayer        string `toml:"bayer_format" json:"bayer_format"`
	YUV          string `toml:"yuv_format" json:"yuv_format"`
}

// FlashSection is the [flash] table of pipeline.toml.
type FlashSection struct {
	AETimeout     int      `toml:"ae_timeout" json:"ae_timeout"`
	AFTimeout     int      `toml:"af_timeout" json:"af_timeout"`
	ReadyTimeout  int      `toml:"ready_timeout" json:"ready_timeout"`
	MainTimeout   int      `toml:"main_timeout" json:"main_timeout"`
	MainWaitCount int      `toml:"main_wait_count" json:"main_wait_count"`
	CaptureSkip   int      `toml:"capture_skip" json:"capture_skip"`
	AEWaitMax     int      `toml:"ae_wait_max" json:"ae_wait_max"`
	WaitInterval  Duration `toml:"wait_interval" json:"wait_interval"`
}

// SelectorSection is the [selector] table of pipeline.toml.
type SelectorSection struct {
	HoldCount       int      `toml:"hold_count" json:"hold_count"`
	PollTimeout     Duration `toml:"poll_timeout" json:"poll_timeout"`
	OISTimeout      Duration `toml:"ois_timeout" json:"ois_timeout"`
	RawTimeout      Duration `toml:"raw_timeout" json:"raw_timeout"`
	FlashExtraTries int      `toml:"flash_extra_tries" json:"flash_extra_tries"`
}

// SessionSection is the [session] table of pipeline.toml.
type SessionSection struct {
	Backend       string   `toml:"backend" json:"backend"`
	BufferCount   int      `toml:"buffer_count" json:"buffer_count"`
	ArenaSize     int      `toml:"arena_size" json:"arena_size"`
	PoolSize      int      `toml:"pool_size" json:"pool_size"`
	FrameInterval Duration `toml:"frame_interval" json:"frame_interval"`
	// GroupMigration opens the nodes of the TPU-toggled scenario at start.
	GroupMigration bool `toml:"group_migration" json:"group_migration"`
}

// SimSection is the [sim] table: the scene of the simulated sensor.
type SimSection struct {
	Dark           bool `toml:"dark" json:"dark"`
	PreFlashFrames int  `toml:"pre_flash_frames" json:"pre_flash_frames"`
	ReadyFrames    int  `toml:"ready_frames" json:"ready_frames"`
	FireFrames     int  `toml:"fire_frames" json:"fire_frames"`
	AFScanFrames   int  `toml:"af_scan_frames" json:"af_scan_frames"`
}

// Pipeline is the calibration file of a capture session.
type Pipeline struct {
	Topology TopologySection `toml:"topology" json:"topology"`
	Nodes    map[string]int  `toml:"nodes" json:"nodes,omitempty"`
	Flash    FlashSection    `toml:"flash" json:"flash"`
	Selector SelectorSection `toml:"selector" json:"selector"`
	Session  SessionSection  `toml:"session" json:"session"`
	Sim      SimSection      `toml:"sim" json:"sim"`
}

// Session backends.
const (
	BackendSim  = "sim"
	BackendV4L2 = "v4l2"
)

// DefaultPipeline returns the stock calibration for a 12MP sensor with
// FLITE M2M and an all-OTF back end.
func DefaultPipeline() Pipeline {
	fc := flash.DefaultConfig()
	sc := selector.DefaultConfig()
	scene := simnode.DefaultScene()
	fm := factory.DefaultFormats()
	return Pipeline{
		Topology: TopologySection{
			Mode:       factory.ModePreview.String(),
			SensorID:   0,
			FliteTo3AA: camera.LinkM2M.String(),
			AAToISP:    camera.LinkOTF.String(),
			ISPToTPU:   camera.LinkOTF.String(),
			TPUToMCSC:  camera.LinkOTF.String(),
			ISPToMCSC:  camera.LinkOTF.String(),
			Width:      int(fm.Width),
			Height:     int(fm.Height),
			Bayer:      camera.PixFmtName(fm.Bayer),
			YUV:        camera.PixFmtName(fm.YUV),
		},
		Flash: FlashSection{
			AETimeout:     fc.AETimeout,
			AFTimeout:     fc.AFTimeout,
			ReadyTimeout:  fc.ReadyTimeout,
			MainTimeout:   fc.MainTimeout,
			MainWaitCount: fc.MainWaitCount,
			CaptureSkip:   fc.CaptureSkip,
			AEWaitMax:     fc.AEWaitMax,
			WaitInterval:  Duration(fc.WaitInterval),
		},
		Selector: SelectorSection{
			HoldCount:       sc.HoldCount,
			PollTimeout:     Duration(sc.PollTimeout),
			OISTimeout:      Duration(sc.OISTimeout),
			RawTimeout:      Duration(sc.RawTimeout),
			FlashExtraTries: sc.FlashExtraTries,
		},
		Session: SessionSection{
			Backend:       BackendSim,
			BufferCount:   8,
			ArenaSize:     32,
			PoolSize:      64,
			FrameInterval: Duration(33 * time.Millisecond),
		},
		Sim: SimSection{
			PreFlashFrames: scene.PreFlashFrames,
			ReadyFrames:    scene.ReadyFrames,
			FireFrames:     scene.FireFrames,
			AFScanFrames:   scene.AFScanFrames,
		},
	}
}

// LoadPipeline reads path over the defaults and validates the result. A
// missing file yields the defaults.
func LoadPipeline(path string) (Pipeline, error) {
	p := DefaultPipeline()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return p, camera.NewErrorWithCause(camera.ErrConfig, "failed to parse pipeline config", err, map[string]any{"path": path})
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Save writes the pipeline to path.
func (p Pipeline) Save(path string) error {
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pipeline config: %w", err)
	}
	return nil
}

// Validate checks every section. Failures are CONFIG errors.
func (p Pipeline) Validate() error {
	if _, err := p.Links(); err != nil {
		return err
	}
	if _, err := p.TopologyOptions(); err != nil {
		return err
	}
	if _, err := p.Formats(); err != nil {
		return err
	}
	if err := p.FlashConfig().Validate(); err != nil {
		return err
	}
	if err := p.SelectorConfig().Validate(); err != nil {
		return err
	}
	switch p.Session.Backend {
	case BackendSim, BackendV4L2:
	default:
		return camera.NewError(camera.ErrConfig, "unknown session backend", map[string]any{"backend": p.Session.Backend})
	}
	if p.Session.BufferCount <= 0 || p.Session.ArenaSize <= 0 || p.Session.PoolSize <= 0 {
		return camera.NewError(camera.ErrConfig, "session counts must be positive", map[string]any{
			"buffer_count": p.Session.BufferCount,
			"arena_size":   p.Session.ArenaSize,
			"pool_size":    p.Session.PoolSize,
		})
	}
	if p.Session.FrameInterval <= 0 {
		return camera.NewError(camera.ErrConfig, "frame_interval must be positive", map[string]any{
			"frame_interval": p.Session.FrameInterval.Std().String(),
		})
	}
	return nil
}

func parseLink(name, value string) (camera.LinkMode, error) {
	if value == "" {
		return camera.LinkOTF, nil
	}
	m, ok := camera.ParseLinkMode(value)
	if !ok {
		return m, camera.NewError(camera.ErrConfig, "link mode must be otf or m2m", map[string]any{
			"link":  name,
			"value": value,
		})
	}
	return m, nil
}

// Links converts the [topology] link modes.
func (p Pipeline) Links() (factory.Links, error) {
	t := p.Topology
	var l factory.Links
	var err error
	fields := []struct {
		name  string
		value string
		dst   *camera.LinkMode
	}{
		{"flite_3aa", t.FliteTo3AA, &l.FliteTo3AA},
		{"3aa_isp", t.AAToISP, &l.AAToISP},
		{"isp_tpu", t.ISPToTPU, &l.ISPToTPU},
		{"tpu_mcsc", t.TPUToMCSC, &l.TPUToMCSC},
		{"isp_mcsc", t.ISPToMCSC, &l.ISPToMCSC},
	}
	for _, f := range fields {
		if *f.dst, err = parseLink(f.name, f.value); err != nil {
			return factory.Links{}, err
		}
	}
	l.TPUEnabled = t.TPUEnabled
	return l, nil
}

// TopologyOptions converts mode, sensor, scenario and node overrides.
func (p Pipeline) TopologyOptions() (factory.TopologyOptions, error) {
	t := p.Topology
	mode, ok := factory.ParseMode(t.Mode)
	if !ok {
		return factory.TopologyOptions{}, camera.NewError(camera.ErrConfig, "unknown topology mode", map[string]any{"mode": t.Mode})
	}
	if t.SensorID < 0 || t.SensorID > 0xff {
		return factory.TopologyOptions{}, camera.NewError(camera.ErrConfig, "sensor_id out of range", map[string]any{"sensor_id": t.SensorID})
	}
	if t.Scenario < 0 || t.Scenario > 0xf {
		return factory.TopologyOptions{}, camera.NewError(camera.ErrConfig, "scenario out of range", map[string]any{"scenario": t.Scenario})
	}
	catalog, err := factory.DefaultCatalog().WithOverrides(p.Nodes)
	if err != nil {
		return factory.TopologyOptions{}, err
	}
	return factory.TopologyOptions{
		Mode:         mode,
		SensorID:     uint8(t.SensorID),
		Scenario:     uint8(t.Scenario),
		Catalog:      catalog,
		RequestBayer: t.RequestBayer,
	}, nil
}

func parseFourCC(field, value string, fallback uint32) (uint32, error) {
	if value == "" {
		return fallback, nil
	}
	f, ok := camera.ParsePixFmt(strings.TrimSpace(value))
	if !ok {
		return 0, camera.NewError(camera.ErrConfig, "pixel format must be a four character code", map[string]any{
			"field": field,
			"value": value,
		})
	}
	return f, nil
}

// Formats converts the sensor size and pixel formats.
func (p Pipeline) Formats() (factory.Formats, error) {
	fm := factory.DefaultFormats()
	t := p.Topology
	if t.Width < 0 || t.Height < 0 || t.Width%2 != 0 || t.Height%2 != 0 {
		return fm, camera.NewError(camera.ErrConfig, "sensor size must be even and not negative", map[string]any{
			"width":  t.Width,
			"height": t.Height,
		})
	}
	if t.Width > 0 && t.Height > 0 {
		fm.Width, fm.Height = uint32(t.Width), uint32(t.Height)
		if fm.ThumbWidth > fm.Width || fm.ThumbHeight > fm.Height {
			fm.ThumbWidth, fm.ThumbHeight = fm.Width, fm.Height
		}
	}
	var err error
	if fm.Bayer, err = parseFourCC("bayer_format", t.Bayer, fm.Bayer); err != nil {
		return fm, err
	}
	if fm.YUV, err = parseFourCC("yuv_format", t.YUV, fm.YUV); err != nil {
		return fm, err
	}
	return fm, nil
}

// FlashConfig converts the [flash] table.
func (p Pipeline) FlashConfig() flash.Config {
	f := p.Flash
	return flash.Config{
		AETimeout:     f.AETimeout,
		AFTimeout:     f.AFTimeout,
		ReadyTimeout:  f.ReadyTimeout,
		MainTimeout:   f.MainTimeout,
		MainWaitCount: f.MainWaitCount,
		CaptureSkip:   f.CaptureSkip,
		AEWaitMax:     f.AEWaitMax,
		WaitInterval:  f.WaitInterval.Std(),
	}
}

// SelectorConfig converts the [selector] table.
func (p Pipeline) SelectorConfig() selector.Config {
	s := p.Selector
	return selector.Config{
		HoldCount:       s.HoldCount,
		PollTimeout:     s.PollTimeout.Std(),
		OISTimeout:      s.OISTimeout.Std(),
		RawTimeout:      s.RawTimeout.Std(),
		FlashExtraTries: s.FlashExtraTries,
	}
}

// Scene converts the [sim] table.
func (p Pipeline) Scene() simnode.Scene {
	return simnode.Scene{
		Dark:           p.Sim.Dark,
		PreFlashFrames: p.Sim.PreFlashFrames,
		ReadyFrames:    p.Sim.ReadyFrames,
		FireFrames:     p.Sim.FireFrames,
		AFScanFrames:   p.Sim.AFScanFrames,
	}
}
