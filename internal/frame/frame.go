// Package frame holds the per-capture Frame objects: an entity per pipeline
// group the frame visits, the per-stage node routing table, the image
// buffers attached along the way, and an atomic reference count. Frames live
// in a fixed-size Arena and are addressed by generation-checked handles.
package frame

import (
	"sync"
	"sync/atomic"

	"github.com/smazurov/campipe/internal/camera"
)

// EntityState describes how an entity sources its image.
type EntityState int

// Entity states.
const (
	StatePending     EntityState = iota // buffers not attached yet
	StateInputOnly                      // fed by the sensor, writes only capture nodes
	StateInputOutput                    // consumes a source buffer from its parent
)

func (s EntityState) String() string {
	switch s {
	case StateInputOnly:
		return "input_only"
	case StateInputOutput:
		return "input_output"
	default:
		return "pending"
	}
}

// Progress is where an entity is in its stage.
type Progress int

// Entity progress values.
const (
	ProgressReady Progress = iota
	ProgressProcessing
	ProgressDone
	ProgressSkipped
)

func (p Progress) String() string {
	switch p {
	case ProgressProcessing:
		return "processing"
	case ProgressDone:
		return "done"
	case ProgressSkipped:
		return "skipped"
	default:
		return "ready"
	}
}

// Finished reports whether the entity will not be processed again.
func (p Progress) Finished() bool {
	return p == ProgressDone || p == ProgressSkipped
}

// NoStage marks an entity without a parent.
const NoStage camera.StageID = -1

// Entity is one pipeline group visit of a frame. It is stored inline in its
// Frame and refers back to it by arena index only.
type Entity struct {
	Stage       camera.StageID // group leader stage
	State       EntityState
	Progress    Progress
	BufferFixed bool
	// Parent is the leader stage of the entity that produces this entity's
	// source. ParentStage and ParentRole name the producing capture node,
	// which may belong to a non-leader member of the parent's group.
	Parent      camera.StageID
	ParentStage camera.StageID
	ParentRole  camera.NodeRole
	FrameIndex  uint32

	used bool
}

// HasParent reports whether the entity is fed by another entity.
func (e Entity) HasParent() bool {
	return e.Parent != NoStage
}

// NodeRequest is one node entry of a NodeGroupInfo.
type NodeRequest struct {
	Request     bool
	VideoID     int
	PixelFormat uint32
}

// NodeGroupInfo is the per-frame routing table for one stage: the leader
// (output) node and the capture slots, in role priority order.
type NodeGroupInfo struct {
	Leader     NodeRequest
	Capture    [camera.MaxCaptureSlots]NodeRequest
	InputCrop  camera.Rect
	OutputCrop camera.Rect
}

// Requested reports whether any node of the stage is requested.
func (g NodeGroupInfo) Requested() bool {
	if g.Leader.Request {
		return true
	}
	for _, c := range g.Capture {
		if c.Request {
			return true
		}
	}
	return false
}

// ShotMode is the capture intent a frame was created for.
type ShotMode int

// Shot modes.
const (
	ShotPreview ShotMode = iota
	ShotStill
	ShotBurst
	ShotHDR
)

// Flags are the frame-scoped features consulted when filling NodeGroupInfo.
type Flags struct {
	Zoom     float64 // 1.0 is no zoom; values below 1 are treated as 1
	ShotMode ShotMode
	// Requests marks capture roles the frame wants produced, indexed by role.
	Requests [camera.RoleCount]bool
}

type stageBuffers struct {
	src      camera.Buffer
	srcTaken bool
	dst      [camera.MaxCaptureSlots]camera.Buffer
	dstTaken [camera.MaxCaptureSlots]bool
}

// Frame is one capture cycle travelling through the pipeline.
type Frame struct {
	arena  *Arena
	handle Handle
	count  uint32
	refs   atomic.Int32
	held   atomic.Bool

	// Meta is written by the control hooks and read after the 3A stage.
	Meta   camera.Metadata
	Flags  Flags
	Groups [camera.StageCount]NodeGroupInfo

	mu       sync.Mutex
	entities [camera.StageCount]Entity
	order    []camera.StageID
	bufs     [camera.StageCount]stageBuffers
	failed   bool
	finished bool
}

// Count is the frame's identity.
func (f *Frame) Count() uint32 {
	return f.count
}

// Handle returns the arena handle of the frame.
func (f *Frame) Handle() Handle {
	return f.handle
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 {
	return f.refs.Load()
}

// Retain adds a reference. It fails once the frame has been released.
func (f *Frame) Retain() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The last release returns every buffer still
// attached to the pool and frees the arena slot.
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	if n == 0 {
		f.arena.recycle(f)
	}
}

// TryHold marks the frame as held by a queue. It fails if another queue
// already holds it.
func (f *Frame) TryHold() bool {
	return f.held.CompareAndSwap(false, true)
}

// Unhold clears the held mark.
func (f *Frame) Unhold() {
	f.held.Store(false)
}

// Held reports whether a queue currently holds the frame.
func (f *Frame) Held() bool {
	return f.held.Load()
}

// AddEntity adds the visit of a group led by stage. parent is NoStage for a
// root entity.
func (f *Frame) AddEntity(stage, parent, parentStage camera.StageID, parentRole camera.NodeRole) bool {
	if !stage.Valid() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entities[stage].used {
		return false
	}
	state := StateInputOnly
	if parent != NoStage {
		state = StateInputOutput
	}
	f.entities[stage] = Entity{
		Stage:       stage,
		State:       state,
		Progress:    ProgressReady,
		BufferFixed: true,
		Parent:      parent,
		ParentStage: parentStage,
		ParentRole:  parentRole,
		FrameIndex:  f.handle.Index,
		used:        true,
	}
	f.order = append(f.order, stage)
	return true
}

// Entity returns a copy of the entity led by stage.
func (f *Frame) Entity(stage camera.StageID) (Entity, bool) {
	if !stage.Valid() {
		return Entity{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entities[stage]
	return e, e.used
}

// Stages returns the entity leader stages in creation (DAG) order.
func (f *Frame) Stages() []camera.StageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]camera.StageID, len(f.order))
	copy(out, f.order)
	return out
}

// Roots returns the entities without a parent.
func (f *Frame) Roots() []camera.StageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []camera.StageID
	for _, s := range f.order {
		if f.entities[s].Parent == NoStage {
			out = append(out, s)
		}
	}
	return out
}

// Children returns the entities whose parent is stage.
func (f *Frame) Children(stage camera.StageID) []camera.StageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []camera.StageID
	for _, s := range f.order {
		if f.entities[s].Parent == stage {
			out = append(out, s)
		}
	}
	return out
}

// SetProgress moves the entity led by stage to p. Finished entities stay
// finished.
func (f *Frame) SetProgress(stage camera.StageID, p Progress) bool {
	if !stage.Valid() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &f.entities[stage]
	if !e.used || e.Progress.Finished() {
		return false
	}
	e.Progress = p
	if p == ProgressSkipped {
		f.failed = true
	}
	return true
}

// Skip marks stage and every entity downstream of it as skipped.
func (f *Frame) Skip(stage camera.StageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipLocked(stage)
}

func (f *Frame) skipLocked(stage camera.StageID) {
	e := &f.entities[stage]
	if !e.used {
		return
	}
	if !e.Progress.Finished() {
		e.Progress = ProgressSkipped
		f.failed = true
	}
	for _, s := range f.order {
		if f.entities[s].Parent == stage {
			f.skipLocked(s)
		}
	}
}

// Complete reports whether every entity has finished.
func (f *Frame) Complete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.order {
		if !f.entities[s].Progress.Finished() {
			return false
		}
	}
	return true
}

// Finish reports true exactly once per allocation: on the first call made
// after every entity finished.
func (f *Frame) Finish() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return false
	}
	for _, s := range f.order {
		if !f.entities[s].Progress.Finished() {
			return false
		}
	}
	f.finished = true
	return true
}

// Failed reports whether any entity was skipped.
func (f *Frame) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// SetSource attaches the input buffer of stage.
func (f *Frame) SetSource(stage camera.StageID, b camera.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bufs[stage].src = b
	f.bufs[stage].srcTaken = false
}

// SetDest attaches a capture buffer of stage.
func (f *Frame) SetDest(stage camera.StageID, slot int, b camera.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bufs[stage].dst[slot] = b
	f.bufs[stage].dstTaken[slot] = false
}

// Source returns the input buffer of stage without taking it.
func (f *Frame) Source(stage camera.StageID) camera.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb := &f.bufs[stage]
	if sb.srcTaken || !sb.src.Valid() {
		return camera.NoBuffer
	}
	return sb.src
}

// Dest returns the capture buffer of stage in slot without taking it.
func (f *Frame) Dest(stage camera.StageID, slot int) camera.Buffer {
	if slot < 0 || slot >= camera.MaxCaptureSlots {
		return camera.NoBuffer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb := &f.bufs[stage]
	if sb.dstTaken[slot] || !sb.dst[slot].Valid() {
		return camera.NoBuffer
	}
	return sb.dst[slot]
}

// LinkSource moves the parent's producing capture buffer to the source of
// the entity led by child. Ownership moves with it, so the buffer is only
// ever returned to the pool once.
func (f *Frame) LinkSource(child camera.StageID) (camera.Buffer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entities[child]
	if !e.used || e.Parent == NoStage {
		return camera.NoBuffer, false
	}
	slot := e.ParentRole.Slot()
	if slot < 0 {
		return camera.NoBuffer, false
	}
	psb := &f.bufs[e.ParentStage]
	if psb.dstTaken[slot] || !psb.dst[slot].Valid() {
		return camera.NoBuffer, false
	}
	b := psb.dst[slot]
	psb.dst[slot] = camera.NoBuffer
	csb := &f.bufs[child]
	csb.src = b
	csb.srcTaken = false
	return b, true
}

// TakeBuffer removes a buffer from the frame. A second take of the same
// buffer reports false.
func (f *Frame) TakeBuffer(stage camera.StageID, isSource bool, slot int) (camera.Buffer, bool) {
	if !stage.Valid() {
		return camera.NoBuffer, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb := &f.bufs[stage]
	if isSource {
		if sb.srcTaken || !sb.src.Valid() {
			return camera.NoBuffer, false
		}
		sb.srcTaken = true
		return sb.src, true
	}
	if slot < 0 || slot >= camera.MaxCaptureSlots {
		return camera.NoBuffer, false
	}
	if sb.dstTaken[slot] || !sb.dst[slot].Valid() {
		return camera.NoBuffer, false
	}
	sb.dstTaken[slot] = true
	return sb.dst[slot], true
}

// takeAll removes every buffer still attached.
func (f *Frame) takeAll() []camera.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []camera.Buffer
	for i := range f.bufs {
		sb := &f.bufs[i]
		if !sb.srcTaken && sb.src.Valid() {
			sb.srcTaken = true
			out = append(out, sb.src)
		}
		for slot := range sb.dst {
			if !sb.dstTaken[slot] && sb.dst[slot].Valid() {
				sb.dstTaken[slot] = true
				out = append(out, sb.dst[slot])
			}
		}
	}
	return out
}

func (f *Frame) reset(count uint32) {
	f.count = count
	f.held.Store(false)
	f.Meta = camera.Metadata{FrameCount: count}
	f.Flags = Flags{Zoom: 1}
	f.Groups = [camera.StageCount]NodeGroupInfo{}
	f.mu.Lock()
	f.entities = [camera.StageCount]Entity{}
	f.order = f.order[:0]
	for i := range f.bufs {
		f.bufs[i] = stageBuffers{src: camera.NoBuffer}
		for slot := range f.bufs[i].dst {
			f.bufs[i].dst[slot] = camera.NoBuffer
		}
	}
	f.failed = false
	f.finished = false
	f.mu.Unlock()
}
