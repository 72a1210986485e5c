// Package factory builds the stage graph of a capture session from the
// hardware connectivity configuration, opens and configures its video
// nodes, and creates the per-capture frames with their routing tables.
package factory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/metrics"
	"github.com/smazurov/campipe/internal/stage"
)

// State is the factory lifecycle state.
type State int

// Factory states.
const (
	StateNone State = iota
	StateCreated
	StateInitialized
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	default:
		return "none"
	}
}

// Formats are the image formats negotiated on the nodes.
type Formats struct {
	Width       uint32
	Height      uint32
	Bayer       uint32
	YUV         uint32
	ThumbWidth  uint32
	ThumbHeight uint32
	// Overrides replace the format of a node by name.
	Overrides map[string]camera.Format
}

// DefaultFormats returns 12MP bayer and NV21M outputs.
func DefaultFormats() Formats {
	return Formats{
		Width:       4032,
		Height:      3024,
		Bayer:       camera.PixFmtSBGGR10,
		YUV:         camera.PixFmtNV21M,
		ThumbWidth:  512,
		ThumbHeight: 384,
	}
}

// TopologyChange describes a completed group migration.
type TopologyChange struct {
	SessionID string
	From      Links
	To        Links
	Reused    bool // the node table came from the scenario cache
	Groups    []camera.StageID
}

// Notifier receives topology changes.
type Notifier interface {
	TopologyChanged(c TopologyChange)
}

// Options configures a Factory.
type Options struct {
	Links       Links
	Topology    TopologyOptions
	Formats     Formats
	BufferCount int
	ArenaSize   int
	// GroupMigration also opens the nodes of the scenario with TPU toggled
	// so MigrateGroups never has to open a node.
	GroupMigration bool

	Opener camera.NodeOpener
	Pool   camera.BufferPool
	Memory camera.MemoryKind
	// ControlHooks run on the group that contains 3AA.
	ControlHooks stage.Hooks
	Sink         stage.Sink
	OnStageState stage.StateChangeCallback
	Notifier     Notifier
	Logger       logging.Logger
}

type scenario struct {
	topo        Topology
	initialized bool
}

// Factory owns the topology, the opened nodes and the stage group of one
// session. All methods are safe for concurrent use.
type Factory struct {
	opts   Options
	logger logging.Logger
	arena  *frame.Arena

	mu        sync.Mutex
	state     State
	links     Links
	topo      Topology
	cache     map[Links]*scenario
	handles   map[int]camera.NodeHandle
	group     *stage.Group
	counter   uint32
	sessionID string
}

// New validates opts and returns a factory in state NONE.
func New(opts Options) (*Factory, error) {
	if opts.Opener == nil {
		return nil, camera.NewError(camera.ErrConfig, "factory needs a node opener", nil)
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = 8
	}
	if opts.ArenaSize <= 0 {
		opts.ArenaSize = 32
	}
	if opts.Formats.Width == 0 || opts.Formats.Height == 0 {
		overrides := opts.Formats.Overrides
		opts.Formats = DefaultFormats()
		opts.Formats.Overrides = overrides
	}
	if opts.Topology.Catalog == (Catalog{}) {
		opts.Topology.Catalog = DefaultCatalog()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("factory")
	}
	f := &Factory{
		opts:    opts,
		logger:  logger,
		links:   opts.Links,
		cache:   make(map[Links]*scenario),
		handles: make(map[int]camera.NodeHandle),
	}
	f.arena = frame.NewArena(opts.ArenaSize, f.releaseBuffers)
	return f, nil
}

func (f *Factory) releaseBuffers(count uint32, bufs []camera.Buffer) {
	if f.opts.Pool == nil {
		return
	}
	for _, b := range bufs {
		if err := f.opts.Pool.PutBuffer(b.Index); err != nil {
			f.logger.Warn("Failed to return buffer", "frame_count", count, "index", b.Index, "error", err)
		}
	}
}

// Arena returns the frame arena.
func (f *Factory) Arena() *frame.Arena {
	return f.arena
}

// State returns the lifecycle state.
func (f *Factory) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SessionID identifies the current Create..Destroy cycle.
func (f *Factory) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// Links returns the active connectivity configuration.
func (f *Factory) Links() Links {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links
}

// DeviceInfo returns a copy of the node table.
func (f *Factory) DeviceInfo() Topology {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topo
}

// Group returns the stage group, nil before Create.
func (f *Factory) Group() *stage.Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.group
}

// Stage returns the stage led by id.
func (f *Factory) Stage(id camera.StageID) (*stage.Stage, bool) {
	g := f.Group()
	if g == nil {
		return nil, false
	}
	return g.Get(id)
}

// transition checks a lifecycle move. A request for the current state is a
// logged no-op; any other move from the wrong state is INVALID_STATE.
func (f *Factory) transition(op string, from, to State) (bool, error) {
	if f.state == to {
		f.logger.Info("Factory already in requested state, skipping", "op", op, "state", to.String())
		return true, nil
	}
	if f.state != from {
		return false, camera.NewError(camera.ErrInvalidState, "invalid factory transition", map[string]any{
			"op":    op,
			"state": f.state.String(),
			"want":  from.String(),
		})
	}
	return false, nil
}

// Create builds the topology, opens the queued nodes and allocates the
// stages. On failure every opened node is closed and the state stays NONE.
func (f *Factory) Create() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if skip, err := f.transition("create", StateNone, StateCreated); skip || err != nil {
		return err
	}

	topo, err := BuildTopology(f.links, f.opts.Topology)
	if err != nil {
		return err
	}

	nums := topo.QueuedNodes()
	if f.opts.GroupMigration {
		alt := f.links
		alt.TPUEnabled = !alt.TPUEnabled
		if altTopo, aerr := BuildTopology(alt, f.opts.Topology); aerr == nil {
			nums = append(nums, altTopo.QueuedNodes()...)
		} else {
			f.logger.Warn("Migration scenario unavailable", "links", alt.String(), "error", aerr)
		}
	}

	names := nodeNames(&topo, f.opts.Topology.Catalog)
	handles := make(map[int]camera.NodeHandle)
	for _, num := range nums {
		if _, ok := handles[num]; ok {
			continue
		}
		h, oerr := f.opts.Opener(num, names[num])
		if oerr != nil {
			closeHandles(handles)
			if camera.IsCode(oerr, camera.ErrDriver) {
				return oerr
			}
			return camera.DriverError("open", num, oerr)
		}
		handles[num] = h
	}

	group, err := f.buildGroup(&topo, handles)
	if err != nil {
		closeHandles(handles)
		return err
	}

	f.topo = topo
	f.handles = handles
	f.group = group
	f.cache[f.links] = &scenario{topo: topo}
	f.sessionID = uuid.New().String()
	f.state = StateCreated
	f.logger.Info("Pipeline created", "session_id", f.sessionID, "links", f.links.String(),
		"groups", group.Len(), "nodes", len(handles))
	return nil
}

func nodeNames(t *Topology, c Catalog) map[int]string {
	names := make(map[int]string)
	for s := range c {
		for r := range c[s] {
			if c[s][r].Num != 0 {
				names[c[s][r].Num] = c[s][r].Name
			}
		}
	}
	for s := range t {
		for _, n := range t[s].Nodes {
			if n.Present() {
				names[n.Num] = n.Name
			}
		}
	}
	return names
}

func closeHandles(handles map[int]camera.NodeHandle) {
	for _, h := range handles {
		_ = h.Close()
	}
}

// buildGroup allocates one stage per group leader over already opened
// nodes.
func (f *Factory) buildGroup(t *Topology, handles map[int]camera.NodeHandle) (*stage.Group, error) {
	group := stage.NewGroup(logging.GetLogger("stage"))
	for _, g := range t.Groups() {
		var nodes []stage.Node
		metadata := false
		for _, m := range g.Members {
			if m == camera.Stage3AA {
				metadata = true
			}
			for r, n := range t[m].Nodes {
				if !n.Queued {
					continue
				}
				h, ok := handles[n.Num]
				if !ok {
					return nil, camera.NewError(camera.ErrTopology, "node not opened", map[string]any{
						"stage": m.String(),
						"node":  n.Num,
					})
				}
				nodes = append(nodes, stage.Node{
					Handle:  h,
					Stage:   m,
					Role:    camera.NodeRole(r),
					InputID: n.InputID,
					Format:  f.formatFor(t, m, camera.NodeRole(r)),
				})
			}
		}
		opts := stage.Options{
			Leader:        g.Leader,
			Members:       g.Members,
			Nodes:         nodes,
			Pool:          f.opts.Pool,
			Memory:        f.opts.Memory,
			Metadata:      metadata,
			Sink:          f.opts.Sink,
			OnStateChange: f.opts.OnStageState,
			Logger:        logging.GetLogger("stage"),
		}
		if metadata {
			opts.Hooks = f.opts.ControlHooks
		}
		s, err := stage.New(opts)
		if err != nil {
			return nil, err
		}
		if err := group.Add(s); err != nil {
			return nil, err
		}
	}
	return group, nil
}

func isBayer(s camera.StageID, r camera.NodeRole) bool {
	return s == camera.StageFlite || s == camera.Stage3AA || (s == camera.StageISP && r == camera.RoleOutput)
}

func (f *Factory) formatFor(t *Topology, s camera.StageID, r camera.NodeRole) camera.Format {
	fm := f.opts.Formats
	if o, ok := fm.Overrides[t[s].Nodes[r].Name]; ok {
		return o
	}
	if isBayer(s, r) {
		return camera.Format{PixelFormat: fm.Bayer, Width: fm.Width, Height: fm.Height, PlaneCount: 1}
	}
	out := camera.Format{PixelFormat: fm.YUV, Width: fm.Width, Height: fm.Height, PlaneCount: 2, ColorRange: camera.ColorRangeFull}
	if r == camera.RoleCaptureThumbnail && fm.ThumbWidth != 0 {
		out.Width, out.Height = fm.ThumbWidth, fm.ThumbHeight
	}
	return out
}

// checkPipeInfo verifies both ends of every M2M link agree on the format.
func (f *Factory) checkPipeInfo(t *Topology) error {
	for _, s := range t.Chain() {
		d := t[s]
		if d.Next == frame.NoStage || d.LinkToNext != camera.LinkM2M {
			continue
		}
		src := f.formatFor(t, s, d.ChainRole())
		dst := f.formatFor(t, d.Next, camera.RoleOutput)
		if src.PixelFormat != dst.PixelFormat || src.Width != dst.Width || src.Height != dst.Height {
			return camera.NewError(camera.ErrConfig, "m2m neighbours disagree on format", map[string]any{
				"from":       s.String(),
				"to":         d.Next.String(),
				"src_format": camera.PixFmtName(src.PixelFormat),
				"dst_format": camera.PixFmtName(dst.PixelFormat),
				"src_size":   fmt.Sprintf("%dx%d", src.Width, src.Height),
				"dst_size":   fmt.Sprintf("%dx%d", dst.Width, dst.Height),
			})
		}
	}
	return nil
}

// InitPipes routes, formats and allocates buffers on every stage.
func (f *Factory) InitPipes() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if skip, err := f.transition("init_pipes", StateCreated, StateInitialized); skip || err != nil {
		return err
	}
	if err := f.checkPipeInfo(&f.topo); err != nil {
		return err
	}
	if err := f.group.SetupAll(f.opts.BufferCount); err != nil {
		return fmt.Errorf("init pipes: %w", err)
	}
	if sc, ok := f.cache[f.links]; ok {
		sc.initialized = true
	}
	f.state = StateInitialized
	f.logger.Info("Pipes initialized", "buffers", f.opts.BufferCount)
	return nil
}

// StartPipes starts streaming on every stage.
func (f *Factory) StartPipes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if skip, err := f.transition("start_pipes", StateInitialized, StateRunning); skip || err != nil {
		return err
	}
	if err := f.group.StartAll(ctx); err != nil {
		return fmt.Errorf("start pipes: %w", err)
	}
	f.state = StateRunning
	f.logger.Info("Pipes started")
	return nil
}

// StopPipes stops streaming. The pipes stay configured.
func (f *Factory) StopPipes() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if skip, err := f.transition("stop_pipes", StateRunning, StateInitialized); skip || err != nil {
		return err
	}
	err := f.group.StopAll()
	f.state = StateInitialized
	if err != nil {
		return fmt.Errorf("stop pipes: %w", err)
	}
	f.logger.Info("Pipes stopped")
	return nil
}

// Destroy stops everything and closes every opened node.
func (f *Factory) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateNone {
		f.logger.Info("Factory already in requested state, skipping", "op", "destroy", "state", StateNone.String())
		return nil
	}

	owned := make(map[camera.NodeHandle]bool)
	for _, s := range f.group.Stages() {
		for _, n := range s.Nodes() {
			owned[n.Handle] = true
		}
	}
	err := f.group.CloseAll()
	for _, h := range f.handles {
		if !owned[h] {
			_ = h.Close()
		}
	}

	f.handles = make(map[int]camera.NodeHandle)
	f.group = nil
	f.cache = make(map[Links]*scenario)
	f.state = StateNone
	f.logger.Info("Pipeline destroyed", "session_id", f.sessionID)
	if err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	return nil
}

// CreateFrame allocates a frame with one entity per group. A frameCount of
// 0 takes the next value of the internal counter. An explicit count must
// be above every count handed out so far and moves the counter to it.
func (f *Factory) CreateFrame(frameCount uint32) (*frame.Frame, error) {
	f.mu.Lock()
	if f.state == StateNone {
		f.mu.Unlock()
		return nil, camera.NewError(camera.ErrInvalidState, "factory not created", nil)
	}
	if frameCount == 0 {
		f.counter++
		frameCount = f.counter
	} else if frameCount > f.counter {
		f.counter = frameCount
	} else {
		last := f.counter
		f.mu.Unlock()
		return nil, camera.NewError(camera.ErrInvalidState, "frame count already used", map[string]any{
			"frame_count": frameCount,
			"last":        last,
		})
	}
	groups := f.topo.Groups()
	f.mu.Unlock()

	fr, err := f.arena.Alloc(frameCount)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		fr.AddEntity(g.Leader, g.Parent, g.ParentStage, g.ParentRole)
	}
	fr.Flags.Requests[camera.RoleCapturePreview] = true
	metrics.IncFramesCreated()
	return fr, nil
}

// FillNodeGroupInfo writes the routing table of every stage fr visits.
func (f *Factory) FillNodeGroupInfo(fr *frame.Frame) error {
	f.mu.Lock()
	t := f.topo
	mode := f.opts.Topology.Mode
	f.mu.Unlock()

	for _, s := range t.Chain() {
		d := t[s]
		if _, ok := fr.Entity(d.Leader); !ok {
			continue
		}
		g := frame.NodeGroupInfo{}
		if out := d.Nodes[camera.RoleOutput]; out.Present() {
			g.Leader = frame.NodeRequest{
				Request:     out.Queued,
				VideoID:     out.Num - VideoBase,
				PixelFormat: f.formatFor(&t, s, camera.RoleOutput).PixelFormat,
			}
		}
		for r := camera.RoleCaptureBayer; r < camera.RoleCount; r++ {
			if !wantCapture(&t, s, r, fr.Flags, mode) {
				continue
			}
			n := d.Nodes[r]
			if !n.Queued || !t.Owns(n.Num) {
				return camera.NewError(camera.ErrTopology, "requested node not in topology", map[string]any{
					"stage":       s.String(),
					"role":        r.String(),
					"frame_count": fr.Count(),
				})
			}
			g.Capture[r.Slot()] = frame.NodeRequest{
				Request:     true,
				VideoID:     n.Num - VideoBase,
				PixelFormat: f.formatFor(&t, s, r).PixelFormat,
			}
		}
		if s == camera.Stage3AA {
			g.InputCrop, g.OutputCrop = f.zoomCrop(fr.Flags.Zoom)
		}
		fr.Groups[s] = g
	}
	return nil
}

// wantCapture decides whether a capture role is requested for a frame.
func wantCapture(t *Topology, s camera.StageID, r camera.NodeRole, flags frame.Flags, mode Mode) bool {
	d := t[s]
	if d.Next != frame.NoStage && d.LinkToNext == camera.LinkM2M && r == d.ChainRole() {
		return true
	}
	switch s {
	case camera.Stage3AA:
		return r == camera.RoleCaptureBayer && flags.Requests[r]
	case camera.StageMCSC:
		if mode == ModeReprocessing {
			switch r {
			case camera.RoleCapturePreview:
				return true
			case camera.RoleCaptureThumbnail:
				return flags.Requests[r]
			}
			return false
		}
		return r != camera.RoleCaptureBayer && flags.Requests[r]
	}
	return false
}

// zoomCrop returns the sensor rectangle and the centred crop for zoom.
func (f *Factory) zoomCrop(zoom float64) (camera.Rect, camera.Rect) {
	w, h := f.opts.Formats.Width, f.opts.Formats.Height
	full := camera.Rect{W: w, H: h}
	if zoom <= 1 {
		return full, full
	}
	cw := uint32(float64(w)/zoom) &^ 1
	ch := uint32(float64(h)/zoom) &^ 1
	return full, camera.Rect{
		X: ((w - cw) / 2) &^ 1,
		Y: ((h - ch) / 2) &^ 1,
		W: cw,
		H: ch,
	}
}

// Status is a point-in-time view of the factory.
type Status struct {
	SessionID string
	State     State
	Links     Links
	Groups    []stage.Info
	Scenarios int
	Live      int
	Counter   uint32
}

// Status returns a snapshot of the factory.
func (f *Factory) Status() Status {
	f.mu.Lock()
	st := Status{
		SessionID: f.sessionID,
		State:     f.state,
		Links:     f.links,
		Scenarios: len(f.cache),
		Counter:   f.counter,
	}
	g := f.group
	f.mu.Unlock()
	if g != nil {
		st.Groups = g.Status()
	}
	st.Live = f.arena.Live()
	return st
}

// OpenNodes returns the numbers of the opened nodes.
func (f *Factory) OpenNodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.handles))
	for num := range f.handles {
		out = append(out, num)
	}
	sort.Ints(out)
	return out
}
