// Package selector holds completed frames in per-mode hold queues and picks
// the frame a still capture returns, releasing the other candidates back to
// the buffer pool.
package selector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/metrics"
	"github.com/smazurov/campipe/internal/queue"
)

// Mode is a capture mode and the hold queue that serves it.
type Mode int

// Capture modes.
const (
	ModeNormal Mode = iota
	ModeFlash
	ModeHDR
	ModeBurst // burst and OIS share a queue
	ModeRaw
	modeCount
)

var modeNames = [modeCount]string{"normal", "flash", "hdr", "burst", "raw"}

func (m Mode) String() string {
	if m < 0 || m >= modeCount {
		return "unknown"
	}
	return modeNames[m]
}

// FlashState is the part of the flash controller the selector consults.
type FlashState interface {
	IsNeedCaptureFlash() bool
	ShotFrameCount() uint32
}

// Config holds the selector tuning.
type Config struct {
	HoldCount       int
	PollTimeout     time.Duration
	OISTimeout      time.Duration
	RawTimeout      time.Duration
	FlashExtraTries int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		HoldCount:       3,
		PollTimeout:     100 * time.Millisecond,
		OISTimeout:      130 * time.Millisecond,
		RawTimeout:      2 * time.Second,
		FlashExtraTries: 15,
	}
}

// Validate checks the tuning values.
func (c Config) Validate() error {
	if c.HoldCount < 0 {
		return camera.NewError(camera.ErrConfig, "hold count must not be negative", map[string]any{"hold_count": c.HoldCount})
	}
	if c.FlashExtraTries < 0 {
		return camera.NewError(camera.ErrConfig, "flash_extra_tries must not be negative", map[string]any{"flash_extra_tries": c.FlashExtraTries})
	}
	if c.PollTimeout <= 0 || c.OISTimeout <= 0 || c.RawTimeout <= 0 {
		return camera.NewError(camera.ErrConfig, "selector timeouts must be positive", map[string]any{
			"poll_timeout": c.PollTimeout.String(),
			"ois_timeout":  c.OISTimeout.String(),
			"raw_timeout":  c.RawTimeout.String(),
		})
	}
	return nil
}

// Options configures a Selector.
type Options struct {
	Config Config
	Flash  FlashState
	Pool   camera.BufferPool
	Logger logging.Logger
}

type entry struct {
	frame *frame.Frame
	stage camera.StageID
	isSrc bool
	slot  int
}

// Selector arbitrates candidate frames. Different mode queues may be used
// concurrently; ClearList refuses to run while any selection is in flight.
type Selector struct {
	flash  FlashState
	pool   camera.BufferPool
	logger logging.Logger

	queues [modeCount]*queue.Queue[entry]

	// stateMu orders ClearList against the start of selections.
	stateMu sync.Mutex
	active  int

	canceled atomic.Bool

	mu             sync.Mutex
	cfg            Config
	seriesShot     int
	remainingShots int
	hdr            bool
	hdrBracket     []uint32
	ois            bool
	bestShot       uint32
	bestShotCh     chan struct{}
	recording      bool
}

// New creates a selector.
func New(opts Options) (*Selector, error) {
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("selector")
	}
	s := &Selector{
		flash:      opts.Flash,
		pool:       opts.Pool,
		logger:     logger,
		cfg:        cfg,
		bestShotCh: make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = queue.New[entry]()
	}
	return s, nil
}

// SetConfig applies new tuning. Queues above the new hold count shrink on
// their next insert.
func (s *Selector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

// Config returns the active tuning.
func (s *Selector) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetHoldCount sets the per-queue bound.
func (s *Selector) SetHoldCount(n int) error {
	if n < 0 {
		return camera.NewError(camera.ErrConfig, "hold count must not be negative", map[string]any{"hold_count": n})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.HoldCount = n
	return nil
}

// SetSeriesShot sets the burst length. Zero leaves burst mode.
func (s *Selector) SetSeriesShot(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seriesShot = n
	s.remainingShots = n
}

// RemainingShots returns the burst shots not yet selected.
func (s *Selector) RemainingShots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingShots
}

// SetHDR enables HDR bracket selection.
func (s *Selector) SetHDR(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hdr = enabled
}

// SetHDRBracket sets the frame counts of the exposure bracket, in capture
// order.
func (s *Selector) SetHDRBracket(counts []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hdrBracket = append([]uint32(nil), counts...)
}

// SetOIS enables best-shot selection.
func (s *Selector) SetOIS(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ois = enabled
	if !enabled {
		s.bestShot = 0
	}
}

// ReportBestShot records the frame count the stabilizer picked and wakes a
// selection waiting for it.
func (s *Selector) ReportBestShot(count uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bestShot = count
	close(s.bestShotCh)
	s.bestShotCh = make(chan struct{})
}

// SetRecordingHint marks whether video recording is active.
func (s *Selector) SetRecordingHint(recording bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = recording
}

// Cancel makes every in-flight and future selection return CANCELED until
// ResetCancel.
func (s *Selector) Cancel() {
	s.canceled.Store(true)
	s.WakeUp()
}

// ResetCancel clears the cancel flag.
func (s *Selector) ResetCancel() {
	s.canceled.Store(false)
}

// WakeUp releases every selection blocked on a queue so it re-checks its
// state.
func (s *Selector) WakeUp() {
	for _, q := range s.queues {
		q.Wake()
	}
	s.mu.Lock()
	close(s.bestShotCh)
	s.bestShotCh = make(chan struct{})
	s.mu.Unlock()
}

// QueueDepths returns the number of frames held per mode.
func (s *Selector) QueueDepths() map[string]int {
	out := make(map[string]int, modeCount)
	for m, q := range s.queues {
		out[Mode(m).String()] = q.Len()
	}
	return out
}

// Status is a point-in-time view of the selector settings.
type Status struct {
	Mode           string         `json:"mode"`
	HoldCount      int            `json:"hold_count"`
	SeriesShot     int            `json:"series_shot"`
	RemainingShots int            `json:"remaining_shots"`
	HDR            bool           `json:"hdr"`
	OIS            bool           `json:"ois"`
	Recording      bool           `json:"recording"`
	Canceled       bool           `json:"canceled"`
	Selecting      int            `json:"selecting"`
	Depths         map[string]int `json:"depths"`
}

// Status returns a snapshot for the API.
func (s *Selector) Status() Status {
	mode := s.insertMode()
	s.stateMu.Lock()
	active := s.active
	s.stateMu.Unlock()

	s.mu.Lock()
	st := Status{
		Mode:           mode.String(),
		HoldCount:      s.cfg.HoldCount,
		SeriesShot:     s.seriesShot,
		RemainingShots: s.remainingShots,
		HDR:            s.hdr,
		OIS:            s.ois,
		Recording:      s.recording,
	}
	s.mu.Unlock()
	st.Canceled = s.canceled.Load()
	st.Selecting = active
	st.Depths = s.QueueDepths()
	return st
}

// insertMode decides the queue a completed frame goes to.
func (s *Selector) insertMode() Mode {
	s.mu.Lock()
	series, hdr, ois, recording := s.seriesShot, s.hdr, s.ois, s.recording
	s.mu.Unlock()

	switch {
	case s.flash != nil && series == 0 && !recording && s.flash.IsNeedCaptureFlash():
		return ModeFlash
	case hdr:
		return ModeHDR
	case series > 0 || ois:
		return ModeBurst
	default:
		return ModeNormal
	}
}

// Insert hands a completed frame to the hold queue of the current mode. The
// selector takes over one reference of the frame. When the queue overflows
// the oldest frame is released.
func (s *Selector) Insert(f *frame.Frame, stage camera.StageID, isSource bool, slot int) error {
	return s.insert(s.insertMode(), f, stage, isSource, slot)
}

// InsertRaw hands a frame to the raw dump queue.
func (s *Selector) InsertRaw(f *frame.Frame, stage camera.StageID, isSource bool, slot int) error {
	return s.insert(ModeRaw, f, stage, isSource, slot)
}

func (s *Selector) insert(mode Mode, f *frame.Frame, stage camera.StageID, isSource bool, slot int) error {
	if f == nil {
		return camera.NewError(camera.ErrInvalidState, "insert of nil frame", nil)
	}
	if !f.TryHold() {
		return camera.NewError(camera.ErrInvalidState, "frame already held by a queue", map[string]any{
			"frame_count": f.Count(),
			"mode":        mode.String(),
		})
	}

	s.mu.Lock()
	hold := s.cfg.HoldCount
	s.mu.Unlock()

	q := s.queues[mode]
	evicted, err := q.PushBounded(entry{frame: f, stage: stage, isSrc: isSource, slot: slot}, hold)
	if err != nil {
		f.Unhold()
		return camera.NewErrorWithCause(camera.ErrInvalidState, "hold queue closed", err, nil)
	}
	for _, e := range evicted {
		s.logger.Debug("Hold queue full, releasing oldest", "mode", mode.String(), "frame_count", e.frame.Count())
		s.releaseEntry(e)
	}
	metrics.AddFramesReleased(mode.String(), len(evicted))
	metrics.SetHoldQueueDepth(mode.String(), q.Len())
	return nil
}

// Release returns the buffer of frame at (stage, isSource, slot) to the pool
// and drops the caller's reference. Releasing the same buffer twice returns
// it to the pool once.
func (s *Selector) Release(f *frame.Frame, stage camera.StageID, isSource bool, slot int) {
	if f == nil {
		return
	}
	f.Unhold()
	if b, ok := f.TakeBuffer(stage, isSource, slot); ok && s.pool != nil {
		if err := s.pool.PutBuffer(b.Index); err != nil {
			s.logger.Warn("Failed to return buffer to pool", "frame_count", f.Count(), "index", b.Index, "error", err)
		}
	}
	f.Release()
}

func (s *Selector) releaseEntry(e entry) {
	s.Release(e.frame, e.stage, e.isSrc, e.slot)
}

// ClearList drains every hold queue and releases the frames. It returns
// BUSY, releasing nothing, while a selection is in flight.
func (s *Selector) ClearList() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.active > 0 {
		return camera.NewError(camera.ErrBusy, "selection in progress", map[string]any{"selecting": s.active})
	}
	total := 0
	for m, q := range s.queues {
		drained := q.Drain()
		for _, e := range drained {
			s.releaseEntry(e)
		}
		metrics.AddFramesReleased(Mode(m).String(), len(drained))
		metrics.SetHoldQueueDepth(Mode(m).String(), 0)
		total += len(drained)
	}
	if total > 0 {
		s.logger.Debug("Cleared hold queues", "released", total)
	}
	return nil
}

func (s *Selector) beginSelect() {
	s.stateMu.Lock()
	s.active++
	s.stateMu.Unlock()
}

func (s *Selector) endSelect() {
	s.stateMu.Lock()
	s.active--
	s.stateMu.Unlock()
}
