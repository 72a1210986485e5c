package flash

import (
	"fmt"
	"strings"
)

// State is the flash sequencing state of the current capture.
type State int

// Flash states in sequence order. Cancel sits outside the sequence.
const (
	StateOff State = iota
	StatePreReady
	StatePreOn
	StatePreAEDone
	StatePreAF
	StatePreDone
	StateMainReady
	StateMainOn
	StateMainWait
	StateMainDone
	StateCancel
)

var stateNames = []string{
	"OFF", "PRE_READY", "PRE_ON", "PRE_AE_DONE", "PRE_AF", "PRE_DONE",
	"MAIN_READY", "MAIN_ON", "MAIN_WAIT", "MAIN_DONE", "CANCEL",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// InCapture reports whether a capture sequence is past the armed state.
func (s State) InCapture() bool {
	return s > StatePreReady && s < StateCancel
}

// Firing reports whether the main flash is in progress.
func (s State) Firing() bool {
	return s == StateMainOn || s == StateMainWait
}

// Request is the flash mode requested by the application.
type Request int

// Flash requests.
const (
	RequestOff Request = iota
	RequestAuto
	RequestOn
	RequestTorch
)

var requestNames = []string{"off", "auto", "on", "torch"}

func (r Request) String() string {
	if r >= 0 && int(r) < len(requestNames) {
		return requestNames[r]
	}
	return fmt.Sprintf("Request(%d)", int(r))
}

// ParseRequest converts a request name to a Request.
func ParseRequest(s string) (Request, bool) {
	for i, n := range requestNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return Request(i), true
		}
	}
	return RequestOff, false
}

type step int

const (
	stepNone step = iota
	stepPreStart
	stepMainStart
)

// Transition describes one state change.
type Transition struct {
	From       State
	To         State
	Generation uint32
	FrameCount uint32
	Reason     string
}

// Notifier receives state changes and flash indicator flips. Calls are made
// outside the controller lock.
type Notifier interface {
	FlashStateChanged(t Transition)
	FlashNeedChanged(need bool)
}
