package camera

import (
	"encoding/binary"
	"fmt"
)

// AEState is the auto-exposure state reported by the 3A stage.
type AEState uint8

// AE states.
const (
	AEInactive AEState = iota
	AESearching
	AEConverged
	AELocked
	AEFlashRequired
	AEPrecapture
	AELockedConverged
	AELockedFlashRequired
)

var aeStateNames = []string{
	"INACTIVE", "SEARCHING", "CONVERGED", "LOCKED", "FLASH_REQUIRED",
	"PRECAPTURE", "LOCKED_CONVERGED", "LOCKED_FLASH_REQUIRED",
}

func (s AEState) String() string {
	if int(s) < len(aeStateNames) {
		return aeStateNames[s]
	}
	return fmt.Sprintf("AEState(%d)", uint8(s))
}

// NeedsFlash reports whether the state asks for flash.
func (s AEState) NeedsFlash() bool {
	return s == AEFlashRequired || s == AELockedFlashRequired
}

// Converged reports whether the state is a converged (no flash) state.
func (s AEState) Converged() bool {
	return s == AEConverged || s == AELockedConverged
}

// AFState is the auto-focus state reported by the 3A stage.
type AFState uint8

// AF states.
const (
	AFInactive AFState = iota
	AFPassiveScan
	AFPassiveFocused
	AFActiveScan
	AFFocusedLocked
	AFNotFocusedLocked
	AFPassiveUnfocused
)

var afStateNames = []string{
	"INACTIVE", "PASSIVE_SCAN", "PASSIVE_FOCUSED", "ACTIVE_SCAN",
	"FOCUSED_LOCKED", "NOT_FOCUSED_LOCKED", "PASSIVE_UNFOCUSED",
}

func (s AFState) String() string {
	if int(s) < len(afStateNames) {
		return afStateNames[s]
	}
	return fmt.Sprintf("AFState(%d)", uint8(s))
}

// Locked reports whether an AF cycle finished.
func (s AFState) Locked() bool {
	return s == AFFocusedLocked || s == AFNotFocusedLocked
}

// AFTrigger is the AF trigger control.
type AFTrigger uint8

// AF triggers.
const (
	AFTriggerIdle AFTrigger = iota
	AFTriggerStart
	AFTriggerCancel
)

// FlashHint is the flash mode hint sent to the 3A firmware.
type FlashHint uint8

// Flash hints. FlashHintNone means the control block carries no flash field.
const (
	FlashHintNone FlashHint = iota
	FlashHintOff
	FlashHintStart // pre-flash, AE searching
	FlashHintOn
	FlashHintAuto
	FlashHintCapture
	FlashHintCancel
	FlashHintOnAlways
)

var flashHintNames = []string{"none", "off", "start", "on", "auto", "capture", "cancel", "on_always"}

func (h FlashHint) String() string {
	if int(h) < len(flashHintNames) {
		return flashHintNames[h]
	}
	return fmt.Sprintf("hint(%d)", h)
}

// Flash ready values reported in the result block.
const (
	FlashReadyPreAE uint8 = 1 // pre-flash exposure measured
	FlashReadyMain  uint8 = 2 // main flash armed
	FlashReadyOff   uint8 = 3 // flash turned off
)

// FlashOffReadyMain is reported once the main flash has fired and turned off.
const FlashOffReadyMain uint8 = 2

// Control is the per-frame control block written before the sensor stage.
type Control struct {
	AELock    bool
	AWBLock   bool
	AFTrigger AFTrigger
	FlashHint FlashHint
	// Stamp is the flash session generation that wrote this block; 0 if none.
	Stamp uint32
}

// Result is the per-frame dynamic block read back after the 3A stage.
type Result struct {
	FlashDecision uint8
	FlashReady    uint8
	FlashOffReady uint8
	FiringStable  bool
}

// Metadata is the capture metadata block carried by every frame.
type Metadata struct {
	FrameCount   uint32
	ExposureTime int64 // nanoseconds
	Sensitivity  uint32
	AEState      AEState
	AFState      AFState
	Ctl          Control
	Dm           Result
}

// wireMetadata is the frozen on-buffer layout. Do not reorder.
type wireMetadata struct {
	FrameCount    uint32
	ExposureTime  int64
	Sensitivity   uint32
	AEState       uint8
	AFState       uint8
	AELock        uint8
	AWBLock       uint8
	AFTrigger     uint8
	FlashHint     uint8
	_             [2]byte
	Stamp         uint32
	FlashDecision uint8
	FlashReady    uint8
	FlashOffReady uint8
	FiringStable  uint8
}

// MetadataSize is the encoded size of Metadata in bytes.
var MetadataSize = binary.Size(wireMetadata{})

// MarshalBinary encodes m into the fixed little-endian layout.
func (m *Metadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MetadataSize)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo writes m into dst, which must hold at least MetadataSize bytes.
func (m *Metadata) EncodeTo(dst []byte) error {
	w := wireMetadata{
		FrameCount:    m.FrameCount,
		ExposureTime:  m.ExposureTime,
		Sensitivity:   m.Sensitivity,
		AEState:       uint8(m.AEState),
		AFState:       uint8(m.AFState),
		AELock:        boolByte(m.Ctl.AELock),
		AWBLock:       boolByte(m.Ctl.AWBLock),
		AFTrigger:     uint8(m.Ctl.AFTrigger),
		FlashHint:     uint8(m.Ctl.FlashHint),
		Stamp:         m.Ctl.Stamp,
		FlashDecision: m.Dm.FlashDecision,
		FlashReady:    m.Dm.FlashReady,
		FlashOffReady: m.Dm.FlashOffReady,
		FiringStable:  boolByte(m.Dm.FiringStable),
	}
	if _, err := binary.Encode(dst, binary.LittleEndian, &w); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return nil
}

// UnmarshalBinary decodes the fixed layout produced by MarshalBinary.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	var w wireMetadata
	if _, err := binary.Decode(data, binary.LittleEndian, &w); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	*m = Metadata{
		FrameCount:   w.FrameCount,
		ExposureTime: w.ExposureTime,
		Sensitivity:  w.Sensitivity,
		AEState:      AEState(w.AEState),
		AFState:      AFState(w.AFState),
		Ctl: Control{
			AELock:    w.AELock != 0,
			AWBLock:   w.AWBLock != 0,
			AFTrigger: AFTrigger(w.AFTrigger),
			FlashHint: FlashHint(w.FlashHint),
			Stamp:     w.Stamp,
		},
		Dm: Result{
			FlashDecision: w.FlashDecision,
			FlashReady:    w.FlashReady,
			FlashOffReady: w.FlashOffReady,
			FiringStable:  w.FiringStable != 0,
		},
	}
	return nil
}

// ResetControl clears every control field.
func (m *Metadata) ResetControl() {
	m.Ctl = Control{}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
