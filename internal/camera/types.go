// Package camera holds the contracts shared by every part of the capture
// pipeline: stage and node identifiers, the node and buffer-pool interfaces
// consumed from the driver layer, the capture metadata block, and errors.
package camera

import "strings"

// StageID identifies one hardware processing block.
type StageID int

// Pipeline stages in dataflow order.
const (
	StageFlite StageID = iota // sensor front-end
	Stage3AA                  // bayer front-end and 3A control stage
	StageISP
	StageTPU // noise-reduction unit
	StageMCSC
	StageCount
)

var stageNames = [StageCount]string{"FLITE", "3AA", "ISP", "TPU", "MCSC"}

func (s StageID) String() string {
	if s < 0 || s >= StageCount {
		return "UNKNOWN"
	}
	return stageNames[s]
}

// Valid reports whether s names a real stage.
func (s StageID) Valid() bool {
	return s >= 0 && s < StageCount
}

// ParseStage converts a stage name (case-insensitive) to a StageID.
func ParseStage(name string) (StageID, bool) {
	for i, n := range stageNames {
		if strings.EqualFold(n, name) {
			return StageID(i), true
		}
	}
	return 0, false
}

// NodeRole is the logical role of a video node within a stage.
// Capture roles are ordered by slot priority.
type NodeRole int

// Node roles.
const (
	RoleOutput NodeRole = iota // stage input node, leader of its group
	RoleCaptureBayer
	RoleCapturePreview // also the port feeding the next stage on M2M
	RoleCaptureRecording
	RoleCaptureThumbnail
	RoleCount
)

// MaxCaptureSlots is the size of the per-stage capture array.
const MaxCaptureSlots = int(RoleCount) - 1

var roleNames = [RoleCount]string{"output", "bayer", "preview", "recording", "thumbnail"}

func (r NodeRole) String() string {
	if r < 0 || r >= RoleCount {
		return "unknown"
	}
	return roleNames[r]
}

// IsCapture reports whether r is a capture role.
func (r NodeRole) IsCapture() bool {
	return r > RoleOutput && r < RoleCount
}

// Slot returns the capture slot position of a capture role, or -1.
func (r NodeRole) Slot() int {
	if !r.IsCapture() {
		return -1
	}
	return int(r) - 1
}

// RoleForSlot is the inverse of Slot.
func RoleForSlot(slot int) NodeRole {
	if slot < 0 || slot >= MaxCaptureSlots {
		return RoleCount
	}
	return NodeRole(slot + 1)
}

// LinkMode is the hardware connection between two adjacent stages.
type LinkMode int

// Link modes.
const (
	LinkOTF LinkMode = iota // on-the-fly, no queued buffer in between
	LinkM2M                 // memory-to-memory, explicit enqueue/dequeue
)

func (m LinkMode) String() string {
	if m == LinkM2M {
		return "m2m"
	}
	return "otf"
}

// ParseLinkMode converts "otf"/"m2m" to a LinkMode.
func ParseLinkMode(s string) (LinkMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "otf":
		return LinkOTF, true
	case "m2m":
		return LinkM2M, true
	}
	return LinkOTF, false
}

// Rect is a crop region in pixels.
type Rect struct {
	X, Y, W, H uint32
}
