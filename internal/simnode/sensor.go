package simnode

import (
	"sync"
	"time"

	"github.com/smazurov/campipe/internal/camera"
)

// Scene is the deterministic behaviour of the simulated sensor and 3A
// firmware. Frame counts are in frames carrying the relevant flash hint.
type Scene struct {
	Dark bool `json:"dark"`
	// PreFlashFrames of pre-flash before the exposure is measured. Zero
	// never reports the measurement, forcing the AE timeout path.
	PreFlashFrames int `json:"pre_flash_frames"`
	ReadyFrames    int `json:"ready_frames"` // auto-hint frames before the main flash is armed
	FireFrames     int `json:"fire_frames"`  // capture-hint frames before the main flash fires
	AFScanFrames   int `json:"af_scan_frames"`
}

// DefaultScene returns a well-lit scene with short flash phases.
func DefaultScene() Scene {
	return Scene{
		PreFlashFrames: 2,
		ReadyFrames:    2,
		FireFrames:     1,
		AFScanFrames:   3,
	}
}

type sensorResult struct {
	exposure    int64
	sensitivity uint32
	ae          camera.AEState
	af          camera.AFState
	dm          camera.Result
}

// Sensor fills the result block of frames leaving the 3A stage from the
// control block they entered with. Repeated calls for the same frame count
// return the same result.
type Sensor struct {
	mu       sync.Mutex
	scene    Scene
	pre      int
	ready    int
	fire     int
	afScan   int
	afLocked bool

	haveLast  bool
	lastCount uint32
	last      sensorResult
}

// NewSensor creates a sensor for scene.
func NewSensor(scene Scene) *Sensor {
	return &Sensor{scene: scene}
}

// Scene returns the current scene.
func (s *Sensor) Scene() Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene
}

// SetScene replaces the scene. Phase counters keep running.
func (s *Sensor) SetScene(scene Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene = scene
}

// SetDark switches between a scene that needs flash and one that does not.
func (s *Sensor) SetDark(dark bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene.Dark = dark
}

// Apply writes the result block of m.
func (s *Sensor) Apply(m *camera.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveLast || m.FrameCount != s.lastCount {
		s.last = s.step(m.Ctl)
		s.lastCount = m.FrameCount
		s.haveLast = true
	}
	r := s.last
	m.ExposureTime = r.exposure
	m.Sensitivity = r.sensitivity
	m.AEState = r.ae
	m.AFState = r.af
	m.Dm = r.dm
}

func (s *Sensor) step(ctl camera.Control) sensorResult {
	var r sensorResult
	lit := false
	switch ctl.FlashHint {
	case camera.FlashHintStart, camera.FlashHintOn, camera.FlashHintCapture, camera.FlashHintOnAlways:
		lit = true
	}

	if s.scene.Dark {
		r.exposure = int64(66 * time.Millisecond)
		r.sensitivity = 800
	} else {
		r.exposure = int64(33 * time.Millisecond)
		r.sensitivity = 100
	}

	needs := s.scene.Dark && !lit
	switch {
	case ctl.AELock && needs:
		r.ae = camera.AELockedFlashRequired
	case ctl.AELock:
		r.ae = camera.AELockedConverged
	case needs:
		r.ae = camera.AEFlashRequired
	default:
		r.ae = camera.AEConverged
	}

	switch ctl.FlashHint {
	case camera.FlashHintStart, camera.FlashHintOn:
		s.pre++
		if s.scene.PreFlashFrames > 0 && s.pre >= s.scene.PreFlashFrames {
			r.dm.FlashReady = camera.FlashReadyPreAE
		}
	case camera.FlashHintAuto:
		s.ready++
		if s.ready >= s.scene.ReadyFrames {
			r.dm.FlashReady = camera.FlashReadyMain
		}
	case camera.FlashHintCapture:
		s.fire++
		switch {
		case s.fire == s.scene.FireFrames:
			r.dm.FiringStable = true
			r.dm.FlashDecision = 1
		case s.fire > s.scene.FireFrames:
			r.dm.FlashOffReady = camera.FlashOffReadyMain
		}
	case camera.FlashHintOnAlways:
	default:
		s.pre, s.ready, s.fire = 0, 0, 0
		if ctl.FlashHint != camera.FlashHintNone {
			s.afLocked = false
		}
	}

	switch {
	case ctl.AFTrigger == camera.AFTriggerStart:
		s.afLocked = false
		s.afScan = s.scene.AFScanFrames
		r.af = camera.AFActiveScan
		if s.afScan == 0 {
			s.afLocked = true
			r.af = camera.AFFocusedLocked
		}
	case ctl.AFTrigger == camera.AFTriggerCancel:
		s.afScan = 0
		s.afLocked = false
		r.af = camera.AFPassiveFocused
	case s.afScan > 0:
		s.afScan--
		r.af = camera.AFActiveScan
		if s.afScan == 0 {
			s.afLocked = true
			r.af = camera.AFFocusedLocked
		}
	case s.afLocked:
		r.af = camera.AFFocusedLocked
	default:
		r.af = camera.AFPassiveFocused
	}
	return r
}
