package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/metrics"
)

// CaptureRequest asks for one still frame.
type CaptureRequest struct {
	// Tries bounds the selector polls. Zero uses the selector default.
	Tries int
	// Raw selects the bayer dump instead of the processed preview.
	Raw bool
}

// CaptureResult describes the frame a capture returned. The buffer itself
// is recycled before Capture returns.
type CaptureResult struct {
	RequestID  string
	FrameCount uint32
	Flash      bool
	Meta       camera.Metadata
	Duration   time.Duration
}

const defaultTries = 3

// Capture runs the flash sequence when the scene needs it and selects the
// matching frame. Requests are served one at a time.
func (s *Session) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	res := CaptureResult{RequestID: uuid.NewString()}
	if !s.Running() {
		return res, camera.NewError(camera.ErrInvalidState, "session is not running", nil)
	}
	start := time.Now()
	tries := req.Tries
	if tries <= 0 {
		tries = defaultTries
	}
	s.selector.ResetCancel()

	var (
		f   *frame.Frame
		err error
	)
	if req.Raw {
		f, err = s.captureRaw(ctx, tries)
	} else {
		f, res.Flash, err = s.capturePreview(ctx, tries)
	}
	res.Duration = time.Since(start)
	if err != nil {
		s.captureFailed(res, err)
		return res, err
	}

	res.FrameCount = f.Count()
	res.Meta = f.Meta
	if req.Raw {
		s.selector.Release(f, camera.Stage3AA, false, camera.RoleCaptureBayer.Slot())
	} else {
		s.selector.Release(f, camera.StageMCSC, false, previewSlot)
	}
	s.captures.Add(1)
	metrics.ObserveCapture("ok", res.Duration)
	s.logger.Info("Frame captured", "request_id", res.RequestID, "frame_count", res.FrameCount, "flash", res.Flash, "duration", res.Duration)
	s.publish(events.FrameSelectedEvent{
		SessionID:  s.sessionID(),
		RequestID:  res.RequestID,
		FrameCount: res.FrameCount,
		Flash:      res.Flash,
		Timestamp:  timestamp(),
	})
	return res, nil
}

func (s *Session) capturePreview(ctx context.Context, tries int) (*frame.Frame, bool, error) {
	target, fired, err := s.runFlash(ctx)
	if err != nil {
		return nil, false, err
	}
	f, err := s.selector.SelectFrames(ctx, target, camera.StageMCSC, false, tries, previewSlot)
	if err != nil {
		return nil, false, err
	}
	return f, fired && f.Count() == target, nil
}

func (s *Session) captureRaw(ctx context.Context, tries int) (*frame.Frame, error) {
	if r := s.route.Load(); r == nil || !r.bayer {
		return nil, camera.NewError(camera.ErrConfig, "bayer capture is not enabled", nil)
	}
	s.rawWanted.Store(true)
	f, err := s.selector.SelectRaw(ctx, tries)
	if err != nil {
		s.rawWanted.Store(false)
	}
	return f, err
}

// runFlash drives the pre-flash and main flash and returns the frame count
// the main flash lit. A flash that times out is canceled and the capture
// continues without it.
func (s *Session) runFlash(ctx context.Context) (uint32, bool, error) {
	started, err := s.flash.StartPreFlash()
	if err != nil || !started {
		return 0, false, err
	}
	shot, err := s.flashSequence(ctx)
	if err == nil {
		return shot, true, nil
	}
	if camera.IsCode(err, camera.ErrTimeout) {
		s.logger.Warn("Flash sequence timed out, capturing without flash", "error", err)
		s.flash.Cancel()
		return 0, false, nil
	}
	s.flash.Cancel()
	return 0, false, err
}

func (s *Session) flashSequence(ctx context.Context) (uint32, error) {
	if err := s.flash.WaitAeDone(ctx); err != nil {
		return 0, err
	}
	if err := s.flash.WaitMainReady(ctx); err != nil {
		return 0, err
	}
	if err := s.flash.StartMainFlash(s.factory.Status().Counter); err != nil {
		return 0, err
	}
	return s.flash.WaitMainFired(ctx)
}

func (s *Session) captureFailed(res CaptureResult, err error) {
	result := "error"
	code := "UNKNOWN"
	var ce *camera.Error
	switch {
	case errors.As(err, &ce):
		code = string(ce.Code)
		switch ce.Code {
		case camera.ErrTimeout:
			result = "timeout"
		case camera.ErrCanceled:
			result = "canceled"
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = string(camera.ErrCanceled)
		result = "canceled"
	}
	metrics.ObserveCapture(result, res.Duration)
	s.logger.Warn("Capture failed", "request_id", res.RequestID, "code", code, "error", err)
	s.publish(events.CaptureFailedEvent{
		SessionID: s.sessionID(),
		RequestID: res.RequestID,
		Code:      code,
		Error:     err.Error(),
		Timestamp: timestamp(),
	})
}
