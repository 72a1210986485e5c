package selector

import (
	"context"
	"errors"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/metrics"
	"github.com/smazurov/campipe/internal/queue"
)

type algorithm int

const (
	algoNormal algorithm = iota
	algoFlash
	algoHDR
	algoOIS
	algoBurst
)

var algoNames = []string{"normal", "flash", "hdr", "ois", "burst"}

func (a algorithm) String() string {
	return algoNames[a]
}

func (a algorithm) queue() Mode {
	switch a {
	case algoFlash:
		return ModeFlash
	case algoHDR:
		return ModeHDR
	case algoOIS, algoBurst:
		return ModeBurst
	default:
		return ModeNormal
	}
}

type bufferKey struct {
	stage camera.StageID
	isSrc bool
	slot  int
}

var errPollTimeout = errors.New("selector: no candidate within poll budget")

// selectAlgorithm picks the selection algorithm, in precedence order.
func (s *Selector) selectAlgorithm() algorithm {
	s.mu.Lock()
	series, hdr, ois, recording := s.seriesShot, s.hdr, s.ois, s.recording
	s.mu.Unlock()

	switch {
	case s.flash != nil && series == 0 && !recording && s.flash.IsNeedCaptureFlash():
		return algoFlash
	case hdr:
		return algoHDR
	case ois:
		return algoOIS
	case series > 0:
		return algoBurst
	default:
		return algoNormal
	}
}

// SelectFrames returns the frame matching the active capture intent. The
// caller owns one reference of the returned frame and gives it back with
// Release. Candidates passed over are released using the (stage, isSource,
// slot) buffer. When nothing qualifies the error is TIMEOUT and the frame
// nil; a cancel makes it CANCELED.
func (s *Selector) SelectFrames(ctx context.Context, targetCount uint32, stage camera.StageID, isSource bool, tryCount, slot int) (*frame.Frame, error) {
	s.beginSelect()
	defer s.endSelect()

	if tryCount < 1 {
		tryCount = 1
	}
	key := bufferKey{stage: stage, isSrc: isSource, slot: slot}
	algo := s.selectAlgorithm()

	var f *frame.Frame
	var err error
	switch algo {
	case algoFlash:
		f, err = s.selectFlash(ctx, targetCount, key, tryCount)
	case algoHDR:
		f, err = s.selectHDR(ctx, key, tryCount)
	case algoOIS:
		f, err = s.selectOIS(ctx, key, tryCount)
	case algoBurst:
		f, err = s.selectBurst(ctx, tryCount)
	default:
		f, err = s.selectNormal(ctx, ModeNormal, tryCount)
	}
	if f != nil {
		metrics.IncFramesSelected(algo.String())
		return f, nil
	}
	if !errors.Is(err, errPollTimeout) {
		return nil, err
	}

	if algo != algoNormal {
		s.logger.Info("Selection fell back to normal", "algorithm", algo.String(), "reason", err.Error())
		for _, m := range []Mode{algo.queue(), ModeNormal} {
			if e, ok := s.queues[m].TryPop(); ok {
				e.frame.Unhold()
				metrics.SetHoldQueueDepth(m.String(), s.queues[m].Len())
				metrics.IncFramesSelected(algoNormal.String())
				return e.frame, nil
			}
		}
	}

	metrics.IncSelectTimeouts(algo.String())
	s.logger.Warn("No frame selected", "algorithm", algo.String(), "tries", tryCount)
	return nil, camera.NewErrorWithCause(camera.ErrTimeout, "no frame selected", err, map[string]any{
		"algorithm": algo.String(),
		"tries":     tryCount,
	})
}

// SelectRaw returns the oldest frame of the raw dump queue.
func (s *Selector) SelectRaw(ctx context.Context, tryCount int) (*frame.Frame, error) {
	s.beginSelect()
	defer s.endSelect()

	if tryCount < 1 {
		tryCount = 1
	}
	s.mu.Lock()
	timeout := s.cfg.RawTimeout
	s.mu.Unlock()

	e, err := s.pop(ctx, ModeRaw, tryCount, timeout)
	if err != nil {
		if errors.Is(err, errPollTimeout) {
			metrics.IncSelectTimeouts(ModeRaw.String())
			return nil, camera.NewErrorWithCause(camera.ErrTimeout, "no raw frame", err, nil)
		}
		return nil, err
	}
	metrics.IncFramesSelected(ModeRaw.String())
	return e.frame, nil
}

// pop waits for the head of the mode queue, polling up to tries times. A
// wake-up that is not a cancel does not use up a poll.
func (s *Selector) pop(ctx context.Context, mode Mode, tries int, timeout time.Duration) (entry, error) {
	q := s.queues[mode]
	for i := 0; i < tries; {
		if s.canceled.Load() {
			return entry{}, errCanceled()
		}
		e, err := q.Pop(ctx, timeout)
		switch {
		case err == nil:
			e.frame.Unhold()
			metrics.SetHoldQueueDepth(mode.String(), q.Len())
			if s.canceled.Load() {
				s.releaseEntry(e)
				metrics.AddFramesReleased(mode.String(), 1)
				return entry{}, errCanceled()
			}
			return e, nil
		case errors.Is(err, queue.ErrWoken):
		case errors.Is(err, queue.ErrTimeout):
			i++
		default:
			return entry{}, err
		}
	}
	return entry{}, errPollTimeout
}

func errCanceled() error {
	return camera.NewError(camera.ErrCanceled, "selection canceled", nil)
}

func (s *Selector) pollTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollTimeout
}

func (s *Selector) releaseKey(f *frame.Frame, key bufferKey, mode Mode) {
	s.Release(f, key.stage, key.isSrc, key.slot)
	metrics.AddFramesReleased(mode.String(), 1)
}

func (s *Selector) drainRelease(mode Mode, key bufferKey) int {
	drained := s.queues[mode].Drain()
	for _, e := range drained {
		s.releaseKey(e.frame, key, mode)
	}
	metrics.SetHoldQueueDepth(mode.String(), 0)
	return len(drained)
}

// selectFlash waits for the frame lit by the main flash. The target is
// re-read on every poll since the flash controller learns it late.
func (s *Selector) selectFlash(ctx context.Context, target uint32, key bufferKey, tries int) (*frame.Frame, error) {
	s.mu.Lock()
	polls := tries + s.cfg.FlashExtraTries
	s.mu.Unlock()
	timeout := s.pollTimeout()

	for i := 0; i < polls; i++ {
		want := target
		if want == 0 && s.flash != nil {
			want = s.flash.ShotFrameCount()
		}

		e, err := s.pop(ctx, ModeFlash, 1, timeout)
		if errors.Is(err, errPollTimeout) {
			continue
		}
		if err != nil {
			return nil, err
		}

		fc := e.frame.Count()
		if want != 0 && fc == want {
			rest := s.drainRelease(ModeFlash, key)
			s.logger.Info("Selected flash frame", "frame_count", fc, "released_after", rest)
			return e.frame, nil
		}
		s.logger.Debug("Releasing frame without flash", "frame_count", fc, "target", want)
		s.releaseKey(e.frame, key, ModeFlash)
		if want != 0 && fc > want {
			s.logger.Warn("Flash target frame already passed", "target", want, "frame_count", fc)
			return nil, errPollTimeout
		}
	}
	return nil, errPollTimeout
}

// selectHDR matches candidates against the bracket frame counts, consuming
// one bracket entry per selection. An empty bracket selects FIFO.
func (s *Selector) selectHDR(ctx context.Context, key bufferKey, tries int) (*frame.Frame, error) {
	timeout := s.pollTimeout()
	for i := 0; i < tries; {
		e, err := s.pop(ctx, ModeHDR, 1, timeout)
		if errors.Is(err, errPollTimeout) {
			i++
			continue
		}
		if err != nil {
			return nil, err
		}

		fc := e.frame.Count()
		s.mu.Lock()
		for len(s.hdrBracket) > 0 && s.hdrBracket[0] < fc {
			s.logger.Warn("HDR bracket frame missed", "wanted", s.hdrBracket[0], "frame_count", fc)
			s.hdrBracket = s.hdrBracket[1:]
		}
		matched := len(s.hdrBracket) == 0 || s.hdrBracket[0] == fc
		if matched && len(s.hdrBracket) > 0 {
			s.hdrBracket = s.hdrBracket[1:]
		}
		s.mu.Unlock()

		if matched {
			return e.frame, nil
		}
		s.releaseKey(e.frame, key, ModeHDR)
	}
	return nil, errPollTimeout
}

// selectOIS returns the frame the stabilizer reported as best. Without a
// report within ois_timeout the oldest candidate is taken.
func (s *Selector) selectOIS(ctx context.Context, key bufferKey, tries int) (*frame.Frame, error) {
	s.mu.Lock()
	oisTimeout := s.cfg.OISTimeout
	s.mu.Unlock()

	timer := time.NewTimer(oisTimeout)
	defer timer.Stop()

	var best uint32
wait:
	for {
		if s.canceled.Load() {
			return nil, errCanceled()
		}
		s.mu.Lock()
		best = s.bestShot
		ch := s.bestShotCh
		s.mu.Unlock()
		if best != 0 {
			break
		}
		select {
		case <-ch:
		case <-timer.C:
			s.logger.Info("No best shot reported, taking oldest frame", "timeout", oisTimeout)
			break wait
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timeout := s.pollTimeout()
	for i := 0; i < tries; {
		e, err := s.pop(ctx, ModeBurst, 1, timeout)
		if errors.Is(err, errPollTimeout) {
			i++
			continue
		}
		if err != nil {
			return nil, err
		}
		if best == 0 || e.frame.Count() >= best {
			s.mu.Lock()
			if s.bestShot == best {
				s.bestShot = 0
			}
			s.mu.Unlock()
			return e.frame, nil
		}
		s.releaseKey(e.frame, key, ModeBurst)
	}
	return nil, errPollTimeout
}

// selectBurst pops sequential frames and counts down the remaining shots.
// The last shot leaves burst mode.
func (s *Selector) selectBurst(ctx context.Context, tries int) (*frame.Frame, error) {
	e, err := s.pop(ctx, ModeBurst, tries, s.pollTimeout())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.remainingShots > 0 {
		s.remainingShots--
	}
	if s.remainingShots == 0 {
		s.seriesShot = 0
	}
	s.mu.Unlock()
	return e.frame, nil
}

func (s *Selector) selectNormal(ctx context.Context, mode Mode, tries int) (*frame.Frame, error) {
	e, err := s.pop(ctx, mode, tries, s.pollTimeout())
	if err != nil {
		return nil, err
	}
	return e.frame, nil
}
