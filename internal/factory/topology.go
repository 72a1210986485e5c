package factory

import (
	"fmt"
	"strings"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/frame"
)

// VideoBase is the node number of video index 0.
const VideoBase = 100

// Input id layout.
const (
	inputIndexMask     = 0x3ff
	inputM2MBit        = 1 << 10
	inputLeaderBit     = 1 << 11
	inputSensorShift   = 16
	inputReprocessBit  = 1 << 24
	inputScenarioShift = 28
)

// InputRoute is the unpacked form of a node's input id.
type InputRoute struct {
	Index        int // source node number minus VideoBase
	M2M          bool
	Leader       bool
	Sensor       uint8
	Reprocessing bool
	Scenario     uint8 // 4 bits
}

// Pack encodes the route into the word passed to SetInput.
func (r InputRoute) Pack() uint32 {
	v := uint32(r.Index) & inputIndexMask
	if r.M2M {
		v |= inputM2MBit
	}
	if r.Leader {
		v |= inputLeaderBit
	}
	v |= uint32(r.Sensor) << inputSensorShift
	if r.Reprocessing {
		v |= inputReprocessBit
	}
	v |= uint32(r.Scenario&0xf) << inputScenarioShift
	return v
}

// ParseInputID decodes a packed input id.
func ParseInputID(v uint32) InputRoute {
	return InputRoute{
		Index:        int(v & inputIndexMask),
		M2M:          v&inputM2MBit != 0,
		Leader:       v&inputLeaderBit != 0,
		Sensor:       uint8(v >> inputSensorShift),
		Reprocessing: v&inputReprocessBit != 0,
		Scenario:     uint8(v>>inputScenarioShift) & 0xf,
	}
}

func (r InputRoute) String() string {
	mode := camera.LinkOTF
	if r.M2M {
		mode = camera.LinkM2M
	}
	return fmt.Sprintf("node=%d %s leader=%t sensor=%d reprocessing=%t scenario=%d",
		r.Index+VideoBase, mode, r.Leader, r.Sensor, r.Reprocessing, r.Scenario)
}

// NodeSpec names the video node that plays a role. Num 0 means the stage
// has no node for the role.
type NodeSpec struct {
	Name string `json:"name"`
	Num  int    `json:"num"`
}

// Catalog maps every stage role to its video node.
type Catalog [camera.StageCount][camera.RoleCount]NodeSpec

// DefaultCatalog returns the node numbering of the reference board.
func DefaultCatalog() Catalog {
	var c Catalog
	c[camera.StageFlite][camera.RoleCaptureBayer] = NodeSpec{"SS0", 101}

	c[camera.Stage3AA][camera.RoleOutput] = NodeSpec{"3AS", 110}
	c[camera.Stage3AA][camera.RoleCaptureBayer] = NodeSpec{"3AC", 111}
	c[camera.Stage3AA][camera.RoleCapturePreview] = NodeSpec{"3AP", 112}

	c[camera.StageISP][camera.RoleOutput] = NodeSpec{"ISPS", 130}
	c[camera.StageISP][camera.RoleCapturePreview] = NodeSpec{"ISPP", 131}

	c[camera.StageTPU][camera.RoleOutput] = NodeSpec{"TPUS", 140}
	c[camera.StageTPU][camera.RoleCapturePreview] = NodeSpec{"TPUP", 141}

	c[camera.StageMCSC][camera.RoleOutput] = NodeSpec{"MCSC", 150}
	c[camera.StageMCSC][camera.RoleCapturePreview] = NodeSpec{"MCSC0", 151}
	c[camera.StageMCSC][camera.RoleCaptureRecording] = NodeSpec{"MCSC1", 152}
	c[camera.StageMCSC][camera.RoleCaptureThumbnail] = NodeSpec{"MCSC2", 153}
	return c
}

// Lookup finds the role a node name plays.
func (c Catalog) Lookup(name string) (camera.StageID, camera.NodeRole, bool) {
	for s := range c {
		for r := range c[s] {
			if c[s][r].Num != 0 && strings.EqualFold(c[s][r].Name, name) {
				return camera.StageID(s), camera.NodeRole(r), true
			}
		}
	}
	return 0, 0, false
}

// WithOverrides returns a copy of c with node numbers replaced by name. A
// number of 0 removes the node. Unknown names are CONFIG errors.
func (c Catalog) WithOverrides(nums map[string]int) (Catalog, error) {
	out := c
	for name, num := range nums {
		s, r, ok := c.Lookup(name)
		if !ok {
			return c, camera.NewError(camera.ErrConfig, "unknown node name", map[string]any{"node": name})
		}
		if num != 0 && (num < VideoBase || num-VideoBase > inputIndexMask) {
			return c, camera.NewError(camera.ErrConfig, "node number out of range", map[string]any{
				"node": name,
				"num":  num,
			})
		}
		out[s][r].Num = num
	}
	return out, nil
}

// Links is the connectivity configuration of the pipeline. It is
// comparable and identifies a migration scenario.
type Links struct {
	FliteTo3AA camera.LinkMode `json:"flite_3aa"`
	AAToISP    camera.LinkMode `json:"3aa_isp"`
	ISPToTPU   camera.LinkMode `json:"isp_tpu"`
	TPUToMCSC  camera.LinkMode `json:"tpu_mcsc"`
	ISPToMCSC  camera.LinkMode `json:"isp_mcsc"`
	TPUEnabled bool            `json:"tpu_enabled"`
}

// DefaultLinks is FLITE M2M into an all-OTF back end without TPU.
func DefaultLinks() Links {
	return Links{FliteTo3AA: camera.LinkM2M}
}

// link returns the mode of the connection from a to b.
func (l Links) link(a, b camera.StageID) camera.LinkMode {
	switch {
	case a == camera.StageFlite:
		return l.FliteTo3AA
	case a == camera.Stage3AA:
		return l.AAToISP
	case a == camera.StageISP && b == camera.StageTPU:
		return l.ISPToTPU
	case a == camera.StageISP:
		return l.ISPToMCSC
	case a == camera.StageTPU:
		return l.TPUToMCSC
	}
	return camera.LinkOTF
}

func (l Links) String() string {
	if l.TPUEnabled {
		return fmt.Sprintf("flite-3aa=%s 3aa-isp=%s isp-tpu=%s tpu-mcsc=%s", l.FliteTo3AA, l.AAToISP, l.ISPToTPU, l.TPUToMCSC)
	}
	return fmt.Sprintf("flite-3aa=%s 3aa-isp=%s isp-mcsc=%s", l.FliteTo3AA, l.AAToISP, l.ISPToMCSC)
}

// Mode selects the topology and fill strategies.
type Mode int

// Factory modes.
const (
	ModePreview Mode = iota
	// ModeReprocessing feeds a stored bayer buffer into 3AA over M2M.
	ModeReprocessing
)

func (m Mode) String() string {
	if m == ModeReprocessing {
		return "reprocessing"
	}
	return "preview"
}

// ParseMode converts "preview"/"reprocessing" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "preview":
		return ModePreview, true
	case "reprocessing":
		return ModeReprocessing, true
	}
	return ModePreview, false
}

// TopologyOptions are the inputs of BuildTopology besides the links.
type TopologyOptions struct {
	Mode         Mode
	SensorID     uint8
	Scenario     uint8
	Catalog      Catalog
	RequestBayer bool // materialize the 3AA bayer capture
}

// NodeInfo is one role of a DeviceInfo.
type NodeInfo struct {
	Num     int    `json:"num"`
	Name    string `json:"name"`
	InputID uint32 `json:"input_id"`
	// Queued is set for nodes the group exchanges buffers with.
	Queued bool `json:"queued"`
}

// Present reports whether the stage has a node for the role.
func (n NodeInfo) Present() bool {
	return n.Num != 0
}

// DeviceInfo is the node table of one stage.
type DeviceInfo struct {
	Stage      camera.StageID             `json:"stage"`
	Active     bool                       `json:"active"`
	Nodes      [camera.RoleCount]NodeInfo `json:"nodes"`
	Leader     camera.StageID             `json:"leader"`
	LinkToNext camera.LinkMode            `json:"link_to_next"`
	Next       camera.StageID             `json:"next"`
	Prev       camera.StageID             `json:"prev"`
}

// ChainRole is the capture role that feeds the next stage on M2M.
func (d DeviceInfo) ChainRole() camera.NodeRole {
	if d.Stage == camera.StageFlite {
		return camera.RoleCaptureBayer
	}
	return camera.RoleCapturePreview
}

// Topology is the DeviceInfo of every stage.
type Topology [camera.StageCount]DeviceInfo

// Chain returns the active stages in dataflow order.
func (t *Topology) Chain() []camera.StageID {
	var out []camera.StageID
	for s := range t {
		if t[s].Active {
			out = append(out, camera.StageID(s))
		}
	}
	return out
}

// Group is one set of stages processed together, led by Leader.
type Group struct {
	Leader  camera.StageID
	Members []camera.StageID
	// Parent is the leader of the group producing this group's source, or
	// frame.NoStage for sensor-fed and externally fed groups.
	Parent      camera.StageID
	ParentStage camera.StageID
	ParentRole  camera.NodeRole
}

// Groups returns the pipeline groups in dataflow order.
func (t *Topology) Groups() []Group {
	var out []Group
	for _, s := range t.Chain() {
		d := t[s]
		if d.Leader != s {
			continue
		}
		g := Group{Leader: s, Parent: frame.NoStage, ParentStage: frame.NoStage, ParentRole: camera.RoleOutput}
		if d.Prev != frame.NoStage && d.Nodes[camera.RoleOutput].Queued {
			p := t[d.Prev]
			g.Parent = p.Leader
			g.ParentStage = p.Stage
			g.ParentRole = p.ChainRole()
		}
		for _, m := range t.Chain() {
			if t[m].Leader == s {
				g.Members = append(g.Members, m)
			}
		}
		out = append(out, g)
	}
	return out
}

// Owns reports whether num is a node of an active stage.
func (t *Topology) Owns(num int) bool {
	for _, s := range t.Chain() {
		for _, n := range t[s].Nodes {
			if n.Present() && n.Num == num {
				return true
			}
		}
	}
	return false
}

// QueuedNodes returns the node numbers the topology exchanges buffers with.
func (t *Topology) QueuedNodes() []int {
	var out []int
	for _, s := range t.Chain() {
		for _, n := range t[s].Nodes {
			if n.Queued {
				out = append(out, n.Num)
			}
		}
	}
	return out
}

func chainFor(mode Mode, links Links) []camera.StageID {
	var chain []camera.StageID
	if mode == ModePreview && links.FliteTo3AA == camera.LinkM2M {
		chain = append(chain, camera.StageFlite)
	}
	chain = append(chain, camera.Stage3AA, camera.StageISP)
	if links.TPUEnabled {
		chain = append(chain, camera.StageTPU)
	}
	return append(chain, camera.StageMCSC)
}

// BuildTopology resolves the node table for links.
//
// An OTF link folds the downstream stage into the upstream group: its
// output node is recorded but not queued and the upstream chain capture is
// not materialized. An M2M link makes the downstream stage lead its own
// group, fed from the upstream chain capture.
func BuildTopology(links Links, opts TopologyOptions) (Topology, error) {
	var t Topology
	if opts.Scenario > 0xf {
		return t, camera.NewError(camera.ErrConfig, "sensor scenario out of range", map[string]any{"scenario": opts.Scenario})
	}
	for s := range t {
		d := &t[s]
		d.Stage = camera.StageID(s)
		d.Leader = frame.NoStage
		d.Next = frame.NoStage
		d.Prev = frame.NoStage
		for r := range d.Nodes {
			spec := opts.Catalog[s][r]
			d.Nodes[r] = NodeInfo{Num: spec.Num, Name: spec.Name}
		}
	}

	chain := chainFor(opts.Mode, links)
	for i, s := range chain {
		d := &t[s]
		d.Active = true
		if i > 0 {
			d.Prev = chain[i-1]
		}
		if i+1 < len(chain) {
			d.Next = chain[i+1]
			d.LinkToNext = links.link(s, d.Next)
		}
	}

	route := func(num int, m2m, leader bool) InputRoute {
		return InputRoute{
			Index:        num - VideoBase,
			M2M:          m2m,
			Leader:       leader,
			Sensor:       opts.SensorID,
			Reprocessing: opts.Mode == ModeReprocessing,
			Scenario:     opts.Scenario,
		}
	}
	missing := func(s camera.StageID, r camera.NodeRole, why string) error {
		return camera.NewError(camera.ErrConfig, why, map[string]any{
			"stage": s.String(),
			"role":  r.String(),
		})
	}

	// source is the node a group leader reads from, used for its captures.
	var source [camera.StageCount]InputRoute
	for i, s := range chain {
		d := &t[s]
		out := &d.Nodes[camera.RoleOutput]

		if i == 0 {
			d.Leader = s
			switch {
			case s == camera.StageFlite:
				ss0 := d.Nodes[camera.RoleCaptureBayer]
				if !ss0.Present() {
					return t, missing(s, camera.RoleCaptureBayer, "missing sensor node")
				}
				source[s] = route(ss0.Num, false, true)
			case opts.Mode == ModeReprocessing:
				bayer := opts.Catalog[camera.Stage3AA][camera.RoleCaptureBayer]
				if bayer.Num == 0 {
					return t, missing(s, camera.RoleCaptureBayer, "missing bayer node for reprocessing")
				}
				if !out.Present() {
					return t, missing(s, camera.RoleOutput, "missing output node")
				}
				out.InputID = route(bayer.Num, true, true).Pack()
				out.Queued = true
				source[s] = route(out.Num, true, true)
			default:
				// Sensor-fed 3AA: the output node routes the sensor but
				// never exchanges buffers.
				if !out.Present() {
					return t, missing(s, camera.RoleOutput, "missing sensor node")
				}
				out.InputID = route(out.Num, false, true).Pack()
				source[s] = route(out.Num, false, true)
			}
			continue
		}

		p := &t[chain[i-1]]
		if !out.Present() {
			return t, missing(s, camera.RoleOutput, "missing output node")
		}
		if p.LinkToNext == camera.LinkOTF {
			upstream := p.Nodes[camera.RoleOutput]
			if !upstream.Present() {
				return t, missing(p.Stage, camera.RoleOutput, "missing upstream node")
			}
			d.Leader = p.Leader
			out.InputID = route(upstream.Num, false, false).Pack()
			continue
		}

		chainRole := p.ChainRole()
		feed := &p.Nodes[chainRole]
		if !feed.Present() {
			return t, missing(p.Stage, chainRole, "missing chain capture node")
		}
		feed.Queued = true
		d.Leader = s
		out.Queued = true
		out.InputID = route(feed.Num, true, true).Pack()
		source[s] = route(out.Num, true, true)
	}

	for _, s := range chain {
		d := &t[s]
		want := map[camera.NodeRole]bool{}
		switch s {
		case camera.StageFlite:
			want[camera.RoleCaptureBayer] = true
		case camera.Stage3AA:
			if opts.RequestBayer && opts.Mode == ModePreview {
				want[camera.RoleCaptureBayer] = true
			}
		case camera.StageMCSC:
			if !d.Nodes[camera.RoleCapturePreview].Present() {
				return t, missing(s, camera.RoleCapturePreview, "missing scaler output node")
			}
			for _, r := range []camera.NodeRole{camera.RoleCapturePreview, camera.RoleCaptureRecording, camera.RoleCaptureThumbnail} {
				want[r] = d.Nodes[r].Present()
			}
		}
		for r, on := range want {
			if !on {
				continue
			}
			if !d.Nodes[r].Present() {
				return t, missing(s, r, "missing capture node")
			}
			d.Nodes[r].Queued = true
		}

		src := source[d.Leader]
		for r := camera.RoleCaptureBayer; r < camera.RoleCount; r++ {
			n := &d.Nodes[r]
			if !n.Queued {
				continue
			}
			ri := src
			ri.Leader = false
			n.InputID = ri.Pack()
		}
	}

	if err := checkUnique(&t); err != nil {
		return t, err
	}
	return t, nil
}

// checkUnique rejects two roles of active stages claiming one node number.
func checkUnique(t *Topology) error {
	type owner struct {
		stage camera.StageID
		role  camera.NodeRole
	}
	seen := make(map[int]owner)
	for _, s := range t.Chain() {
		for r, n := range t[s].Nodes {
			if !n.Present() {
				continue
			}
			if prev, dup := seen[n.Num]; dup {
				return camera.NewError(camera.ErrTopology, "node claimed twice", map[string]any{
					"node":        n.Num,
					"first_stage": prev.stage.String(),
					"first_role":  prev.role.String(),
					"stage":       s.String(),
					"role":        camera.NodeRole(r).String(),
				})
			}
			seen[n.Num] = owner{s, camera.NodeRole(r)}
		}
	}
	return nil
}
