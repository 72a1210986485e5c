package stage

import (
	"time"

	"github.com/smazurov/campipe/internal/camera"
)

// State represents the lifecycle state of a stage.
type State string

// Stage states.
const (
	StateIdle       State = "idle"       // nodes not configured
	StateConfigured State = "configured" // formats and buffers set, not streaming
	StateRunning    State = "running"    // streaming, worker active
	StateStopping   State = "stopping"   // worker draining
	StateError      State = "error"      // a setup or stream call failed
)

// StateChangeCallback is called when a stage changes state.
// Used for domain-specific reactions (events, LED control).
type StateChangeCallback func(id camera.StageID, oldState, newState State, err error)

// Info is a point-in-time view of a stage.
type Info struct {
	ID         camera.StageID
	Members    []camera.StageID
	State      State
	Nodes      []string
	StartedAt  time.Time
	Frames     uint64
	Skipped    uint64
	QueueDepth int
	LastError  error
}
