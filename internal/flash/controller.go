// Package flash sequences the pre-flash and main-flash of a still capture.
// The controller rewrites the control block of every frame entering the 3A
// stage and advances its state from the result block of every frame leaving
// it.
package flash

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/metrics"
)

// Options configures a Controller.
type Options struct {
	Config   Config
	Logger   logging.Logger
	Notifier Notifier
}

// Controller is the flash state machine. All methods are safe for
// concurrent use.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	logger   logging.Logger
	notifier Notifier

	request   Request
	state     State
	step      step
	recording bool

	generation    uint32
	aeState       camera.AEState
	needFlash     bool
	needAfTrigger bool
	afLocked      bool

	timeoutCount int
	lastCount    uint32
	haveLast     bool
	mainWait     int
	mainTarget   uint32
	shotCount    uint32
	firedGen     uint32

	changed chan struct{}
	pending []Transition
	needMsg []bool
}

// New creates a controller in state OFF with request AUTO.
func New(opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("flash")
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		notifier: opts.Notifier,
		request:  RequestAuto,
		changed:  make(chan struct{}),
	}, nil
}

// SetNotifier replaces the notifier.
func (c *Controller) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// SetConfig applies new calibration. Running timeouts keep their counts.
func (c *Controller) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	return nil
}

// Config returns the active calibration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetRequest sets the flash mode requested by the application.
func (c *Controller) SetRequest(r Request) {
	c.mu.Lock()
	if c.request != r {
		c.logger.Info("Flash request changed", "from", c.request.String(), "to", r.String())
	}
	c.request = r
	c.updateNeedLocked()
	c.unlockAndDeliver()
}

// Request returns the flash mode requested by the application.
func (c *Controller) Request() Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// SetRecording marks whether video recording is active. Recording disables
// capture flash.
func (c *Controller) SetRecording(recording bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = recording
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the number of the live flash session, 0 before the
// first one.
func (c *Controller) Generation() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// IsNeedFlash reports whether the scene needs flash. It follows AE state
// while no capture is in flight and is latched during a capture.
func (c *Controller) IsNeedFlash() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needFlash
}

// IsNeedCaptureFlash reports whether a still capture taken now would fire
// the flash.
func (c *Controller) IsNeedCaptureFlash() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needFlash && c.request != RequestTorch && !c.recording
}

// ShotFrameCount is the frame count the main flash lit: the count observed
// firing when known, otherwise the requested main-capture target.
func (c *Controller) ShotFrameCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shotCount != 0 {
		return c.shotCount
	}
	return c.mainTarget
}

// Status is a point-in-time view of the controller.
type Status struct {
	State          State
	Request        Request
	Generation     uint32
	NeedFlash      bool
	ShotFrameCount uint32
	TimeoutCount   int
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	shot := c.shotCount
	if shot == 0 {
		shot = c.mainTarget
	}
	return Status{
		State:          c.state,
		Request:        c.request,
		Generation:     c.generation,
		NeedFlash:      c.needFlash,
		ShotFrameCount: shot,
		TimeoutCount:   c.timeoutCount,
	}
}

// StartPreFlash asks the armed session to begin pre-flash metering. It
// reports false when the scene does not need flash.
func (c *Controller) StartPreFlash() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.needFlash || c.request == RequestTorch || c.recording {
		return false, nil
	}
	if c.state != StateOff && c.state != StatePreReady {
		return false, camera.NewError(camera.ErrInvalidState, "flash sequence already running", map[string]any{
			"state": c.state.String(),
		})
	}
	c.step = stepPreStart
	c.afLocked = false
	return true, nil
}

// StartMainFlash asks for the main flash on the frame capture_skip frames
// after current.
func (c *Controller) StartMainFlash(current uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < StatePreOn || c.state > StateMainReady {
		return camera.NewError(camera.ErrInvalidState, "main flash needs a finished pre-flash", map[string]any{
			"state": c.state.String(),
		})
	}
	c.step = stepMainStart
	c.mainTarget = current + uint32(c.cfg.CaptureSkip)
	c.shotCount = 0
	c.logger.Debug("Main flash requested", "current", current, "target", c.mainTarget)
	return nil
}

// NotifyAfResult reports the end of the AF cycle triggered during pre-flash.
func (c *Controller) NotifyAfResult(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afLocked = locked
}

// Cancel aborts the running sequence. The next control block carries the
// cancel hint and the controller returns to OFF.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state == StateOff || c.state == StateCancel {
		c.mu.Unlock()
		return
	}
	if c.state.Firing() {
		c.logger.Warn("Canceling flash while main flash is firing", "state", c.state.String())
	}
	c.step = stepNone
	c.setStateLocked(StateCancel, c.lastCount, "canceled")
	c.unlockAndDeliver()
}

// WaitAeDone blocks until pre-flash metering finished.
func (c *Controller) WaitAeDone(ctx context.Context) error {
	return c.waitFor(ctx, StatePreAEDone)
}

// WaitMainReady blocks until the main flash is armed.
func (c *Controller) WaitMainReady(ctx context.Context) error {
	return c.waitFor(ctx, StateMainReady)
}

// WaitMainFired blocks until the main flash of the live session has fired,
// or gave up waiting for the firing result, and returns the shot frame
// count. The shot frame count survives the end of the session.
func (c *Controller) WaitMainFired(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	budget := c.cfg.WaitBudget()
	gen := c.generation
	c.mu.Unlock()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	for {
		c.mu.Lock()
		fired := c.firedGen == gen && gen != 0
		state := c.state
		shot := c.shotCount
		if shot == 0 {
			shot = c.mainTarget
		}
		live := c.generation == gen
		ch := c.changed
		c.mu.Unlock()

		switch {
		case fired:
			return shot, nil
		case !live, state == StateCancel, state == StateOff:
			return 0, camera.NewError(camera.ErrCanceled, "flash sequence aborted", map[string]any{
				"waiting_for": StateMainWait.String(),
			})
		}

		select {
		case <-ch:
		case <-timer.C:
			c.logger.Warn("Flash wait timed out", "waiting_for", StateMainWait.String(), "state", state.String(), "budget", budget)
			return 0, camera.NewError(camera.ErrTimeout, "flash wait timed out", map[string]any{
				"waiting_for": StateMainWait.String(),
				"state":       state.String(),
			})
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (c *Controller) waitFor(ctx context.Context, target State) error {
	c.mu.Lock()
	budget := c.cfg.WaitBudget()
	c.mu.Unlock()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	sawSession := false
	for {
		c.mu.Lock()
		state := c.state
		ch := c.changed
		c.mu.Unlock()

		switch {
		case state == StateCancel, state == StateOff && sawSession:
			return camera.NewError(camera.ErrCanceled, "flash sequence aborted", map[string]any{
				"waiting_for": target.String(),
			})
		case state >= target:
			return nil
		}
		if state != StateOff {
			sawSession = true
		}

		select {
		case <-ch:
		case <-timer.C:
			c.logger.Warn("Flash wait timed out", "waiting_for", target.String(), "state", state.String(), "budget", budget)
			return camera.NewError(camera.ErrTimeout, "flash wait timed out", map[string]any{
				"waiting_for": target.String(),
				"state":       state.String(),
			})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BeforeControl rewrites the control block of a frame about to enter the
// 3A stage.
func (c *Controller) BeforeControl(meta *camera.Metadata) {
	c.mu.Lock()
	c.beforeControlLocked(meta)
	c.unlockAndDeliver()
}

func (c *Controller) beforeControlLocked(meta *camera.Metadata) {
	meta.Ctl.Stamp = 0

	if c.state == StateCancel {
		meta.ResetControl()
		meta.Ctl.FlashHint = camera.FlashHintCancel
		c.endSessionLocked(meta.FrameCount, "cancel sent")
		return
	}

	switch c.request {
	case RequestTorch:
		if c.state != StateOff {
			c.endSessionLocked(meta.FrameCount, "torch requested")
		}
		meta.Ctl.FlashHint = camera.FlashHintOnAlways
		return
	case RequestOff:
		if c.state != StateOff {
			c.endSessionLocked(meta.FrameCount, "flash turned off")
		}
		return
	}

	switch c.state {
	case StateOff:
		if !c.needFlash || c.recording {
			return
		}
		c.generation++
		c.haveLast = false
		c.needAfTrigger = false
		c.setStateLocked(StatePreReady, meta.FrameCount, "flash needed")
		meta.ResetControl()
	case StatePreReady:
		if c.request == RequestAuto && !c.needFlash && c.step == stepNone {
			c.endSessionLocked(meta.FrameCount, "flash no longer needed")
			return
		}
		meta.ResetControl()
		if c.step == stepPreStart {
			c.step = stepNone
			c.setStateLocked(StatePreOn, meta.FrameCount, "pre-flash started")
			meta.Ctl.FlashHint = camera.FlashHintStart
			meta.Ctl.AFTrigger = camera.AFTriggerIdle
			meta.Ctl.AWBLock = true
		}
	case StatePreOn:
		// start goes out once, on the frame that entered PRE_ON
		meta.Ctl.FlashHint = camera.FlashHintOn
		meta.Ctl.AWBLock = true
	case StatePreAEDone:
		meta.Ctl.FlashHint = camera.FlashHintOn
		meta.Ctl.AELock = true
		meta.Ctl.AWBLock = true
	case StatePreAF:
		meta.Ctl.FlashHint = camera.FlashHintOn
		meta.Ctl.AFTrigger = camera.AFTriggerIdle
		if c.needAfTrigger {
			meta.Ctl.AFTrigger = camera.AFTriggerStart
			c.needAfTrigger = false
		}
		meta.Ctl.AELock = true
		meta.Ctl.AWBLock = true
	case StatePreDone:
		meta.Ctl.FlashHint = camera.FlashHintAuto
	case StateMainReady:
		meta.Ctl.FlashHint = camera.FlashHintCapture
		if c.step == stepMainStart {
			c.step = stepNone
			c.setStateLocked(StateMainOn, meta.FrameCount, "main flash started")
		}
	case StateMainOn, StateMainWait:
		meta.Ctl.FlashHint = camera.FlashHintCapture
	case StateMainDone:
		meta.ResetControl()
		meta.Ctl.FlashHint = camera.FlashHintOff
		c.endSessionLocked(meta.FrameCount, "capture finished")
		return
	}

	if c.state != StateOff {
		meta.Ctl.Stamp = c.generation
	}
}

// AfterResult advances the sequence from the result block of a frame that
// left the 3A stage.
func (c *Controller) AfterResult(meta *camera.Metadata) {
	c.mu.Lock()
	c.afterResultLocked(meta)
	c.unlockAndDeliver()
}

func (c *Controller) afterResultLocked(meta *camera.Metadata) {
	if !c.state.InCapture() {
		c.aeState = meta.AEState
		c.updateNeedLocked()
	}

	if !c.state.InCapture() || c.state == StateMainDone {
		return
	}

	if meta.Ctl.Stamp != c.generation {
		c.logger.Debug("Ignoring result not stamped by live flash session",
			"frame_count", meta.FrameCount, "stamp", meta.Ctl.Stamp, "generation", c.generation)
		return
	}
	if c.haveLast && meta.FrameCount <= c.lastCount {
		c.logger.Debug("Ignoring out of order result", "frame_count", meta.FrameCount, "last", c.lastCount)
		return
	}
	if c.haveLast {
		if gap := int(meta.FrameCount - c.lastCount - 1); gap > 0 {
			c.timeoutCount += gap
		}
	}
	c.lastCount = meta.FrameCount
	c.haveLast = true

	fc := meta.FrameCount
	switch c.state {
	case StatePreOn:
		switch {
		case meta.Dm.FlashReady == camera.FlashReadyPreAE:
			c.setStateLocked(StatePreAEDone, fc, "pre-flash exposure ready")
		case c.cfg.AETimeout < c.timeoutCount:
			c.timedOutLocked("auto exposure", fc)
			c.setStateLocked(StatePreAEDone, fc, "auto exposure timeout")
		default:
			c.timeoutCount++
		}
	case StatePreAEDone:
		switch meta.AFState {
		case camera.AFPassiveFocused, camera.AFPassiveUnfocused, camera.AFInactive, camera.AFPassiveScan:
			c.needAfTrigger = true
			c.afLocked = false
			c.setStateLocked(StatePreAF, fc, "af trigger needed")
		case camera.AFFocusedLocked, camera.AFNotFocusedLocked:
			c.setStateLocked(StatePreDone, fc, "af already locked")
		default:
			if c.cfg.AFTimeout < c.timeoutCount {
				c.timedOutLocked("auto focus scan", fc)
				c.setStateLocked(StatePreDone, fc, "auto focus timeout")
			} else {
				c.timeoutCount++
			}
		}
	case StatePreAF:
		switch {
		case c.afLocked || (!c.needAfTrigger && meta.AFState.Locked()):
			c.setStateLocked(StatePreDone, fc, "af locked")
		case c.cfg.AFTimeout < c.timeoutCount:
			c.timedOutLocked("auto focus", fc)
			c.setStateLocked(StatePreDone, fc, "auto focus timeout")
		default:
			c.timeoutCount++
		}
	case StatePreDone:
		switch {
		case meta.Dm.FlashReady == camera.FlashReadyMain:
			c.setStateLocked(StateMainReady, fc, "main flash armed")
		case c.cfg.ReadyTimeout < c.timeoutCount:
			c.timedOutLocked("flash ready", fc)
			c.setStateLocked(StateMainReady, fc, "flash ready timeout")
		default:
			c.timeoutCount++
		}
	case StateMainOn:
		switch {
		case meta.Dm.FiringStable:
			c.shotCount = fc
			c.enterMainWaitLocked(fc, "main flash fired")
		case meta.Dm.FlashOffReady == camera.FlashOffReadyMain:
			c.enterMainWaitLocked(fc, "main flash off")
		case c.cfg.MainTimeout < c.timeoutCount:
			c.timedOutLocked("main flash", fc)
			c.enterMainWaitLocked(fc, "main flash timeout")
		default:
			c.timeoutCount++
		}
	case StateMainWait:
		c.mainWait++
		if c.mainWait >= c.cfg.MainWaitCount {
			c.setStateLocked(StateMainDone, fc, "main wait elapsed")
		}
	}
}

func (c *Controller) enterMainWaitLocked(fc uint32, reason string) {
	c.mainWait = 0
	c.firedGen = c.generation
	c.setStateLocked(StateMainWait, fc, reason)
	if c.cfg.MainWaitCount == 0 {
		c.setStateLocked(StateMainDone, fc, "main wait elapsed")
	}
}

func (c *Controller) timedOutLocked(phase string, fc uint32) {
	c.logger.Info("Flash phase timed out, continuing",
		"phase", phase, "state", c.state.String(), "frame_count", fc, "timeout_count", c.timeoutCount)
	metrics.IncFlashTimeouts(c.state.String())
}

func (c *Controller) endSessionLocked(fc uint32, reason string) {
	c.step = stepNone
	c.needAfTrigger = false
	c.afLocked = false
	c.mainWait = 0
	c.setStateLocked(StateOff, fc, reason)
	c.updateNeedLocked()
}

func (c *Controller) setStateLocked(to State, fc uint32, reason string) {
	if c.state == to {
		return
	}
	t := Transition{From: c.state, To: to, Generation: c.generation, FrameCount: fc, Reason: reason}
	c.state = to
	c.timeoutCount = 0
	c.logger.Debug("Flash state changed", "from", t.From.String(), "to", to.String(), "frame_count", fc, "reason", reason)
	metrics.SetFlashState(int(to))

	close(c.changed)
	c.changed = make(chan struct{})
	c.pending = append(c.pending, t)
}

// updateNeedLocked recomputes isNeedFlash. AUTO flips on flash-required and
// back on converged or inactive; intermediate AE states keep the last value.
func (c *Controller) updateNeedLocked() {
	if c.state.InCapture() {
		return
	}
	need := c.needFlash
	switch c.request {
	case RequestOff:
		need = false
	case RequestOn, RequestTorch:
		need = true
	case RequestAuto:
		switch {
		case c.aeState.NeedsFlash():
			need = true
		case c.aeState.Converged() || c.aeState == camera.AEInactive:
			need = false
		}
	}
	if need != c.needFlash {
		c.needFlash = need
		metrics.SetFlashNeeded(need)
		c.needMsg = append(c.needMsg, need)
	}
}

// unlockAndDeliver releases the lock and then hands queued notifications to
// the notifier.
func (c *Controller) unlockAndDeliver() {
	transitions := c.pending
	needs := c.needMsg
	n := c.notifier
	c.pending = nil
	c.needMsg = nil
	c.mu.Unlock()

	if n == nil {
		return
	}
	for _, t := range transitions {
		n.FlashStateChanged(t)
	}
	for _, need := range needs {
		n.FlashNeedChanged(need)
	}
}
