package session

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/metrics"
)

// previewSlot is the scaler output handed to the selector.
var previewSlot = camera.RoleCapturePreview.Slot()

// Zoom returns the digital zoom applied to new frames.
func (s *Session) Zoom() float64 {
	return math.Float64frombits(s.zoom.Load())
}

// SetZoom sets the digital zoom of new frames. Values below 1 mean no zoom.
func (s *Session) SetZoom(zoom float64) error {
	if math.IsNaN(zoom) || math.IsInf(zoom, 0) || zoom > 8 {
		return camera.NewError(camera.ErrConfig, "zoom out of range", map[string]any{"zoom": zoom})
	}
	s.setZoom(max(zoom, 1))
	return nil
}

func (s *Session) setZoom(zoom float64) {
	s.zoom.Store(math.Float64bits(zoom))
}

// produce creates one frame per interval until ctx ends.
func (s *Session) produce(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.pushFrame(); err != nil {
			if camera.IsCode(err, camera.ErrExhausted) {
				s.logger.Debug("Frame arena full, skipping tick", "error", err)
				metrics.IncFramesDropped("exhausted")
				continue
			}
			s.logger.Warn("Failed to push frame", "error", err)
		}
	}
}

// pushFrame creates the next frame, fills its routing and queues it on the
// root groups.
func (s *Session) pushFrame() error {
	r := s.route.Load()
	if r == nil {
		return camera.NewError(camera.ErrInvalidState, "session has no pipeline", nil)
	}
	f, err := s.factory.CreateFrame(0)
	if err != nil {
		return err
	}
	f.Flags.Zoom = s.Zoom()
	f.Flags.Requests[camera.RoleCaptureRecording] = s.recording.Load()
	f.Flags.Requests[camera.RoleCaptureBayer] = r.bayer && s.rawWanted.Load()
	if err := s.factory.FillNodeGroupInfo(f); err != nil {
		f.Release()
		return err
	}

	// Keep the frame alive until Finish below; the last stage may hand
	// it to the selector first.
	f.Retain()
	defer f.Release()
	for _, root := range f.Roots() {
		if r.fed[root] {
			b, berr := s.pool.GetBuffer()
			if berr != nil {
				f.Skip(root)
				s.logger.Debug("No source buffer for root group", "stage", root.String(), "frame_count", f.Count(), "error", berr)
				continue
			}
			f.SetSource(root, b)
		}
		st := r.stages[root]
		if st == nil {
			f.Skip(root)
			continue
		}
		if qerr := st.Enqueue(f); qerr != nil {
			f.Skip(root)
			s.logger.Debug("Root enqueue failed", "stage", root.String(), "frame_count", f.Count(), "error", qerr)
		}
	}
	if f.Finish() {
		s.finishFrame(f)
	}
	return nil
}

// sink receives every entity a stage is done with. A completed entity
// hands its chain capture to each child and queues the child on its stage.
// The frame goes to the selector once nothing is left to run.
func (s *Session) sink(f *frame.Frame, id camera.StageID, err error) {
	f.Retain()
	defer f.Release()
	if err != nil {
		s.reportSkip(f, id, err)
	} else if r := s.route.Load(); r != nil {
		for _, child := range f.Children(id) {
			if _, ok := f.LinkSource(child); !ok {
				s.logger.Warn("Child has no source buffer", "stage", child.String(), "parent", id.String(), "frame_count", f.Count())
				f.Skip(child)
				continue
			}
			st := r.stages[child]
			if st == nil {
				f.Skip(child)
				continue
			}
			if qerr := st.Enqueue(f); qerr != nil {
				s.logger.Debug("Child enqueue failed", "stage", child.String(), "frame_count", f.Count(), "error", qerr)
				f.Skip(child)
			}
		}
	}
	if f.Finish() {
		s.finishFrame(f)
	}
}

func (s *Session) reportSkip(f *frame.Frame, id camera.StageID, err error) {
	if camera.IsCode(err, camera.ErrCanceled) || errors.Is(err, context.Canceled) {
		return
	}
	code := "UNKNOWN"
	var ce *camera.Error
	if errors.As(err, &ce) {
		code = string(ce.Code)
	}
	s.publish(events.CaptureFailedEvent{
		SessionID:  s.sessionID(),
		Stage:      id.String(),
		FrameCount: f.Count(),
		Code:       code,
		Error:      err.Error(),
		Timestamp:  timestamp(),
	})
}

// finishFrame hands a finished frame to the selector, or releases it when
// an entity was skipped.
func (s *Session) finishFrame(f *frame.Frame) {
	if f.Failed() {
		metrics.IncFramesDropped("skipped")
		f.Release()
		return
	}
	if f.Dest(camera.Stage3AA, camera.RoleCaptureBayer.Slot()).Valid() && s.rawWanted.CompareAndSwap(true, false) {
		if err := s.selector.InsertRaw(f, camera.Stage3AA, false, camera.RoleCaptureBayer.Slot()); err == nil {
			return
		}
	}
	if err := s.selector.Insert(f, camera.StageMCSC, false, previewSlot); err != nil {
		s.logger.Warn("Selector refused frame", "frame_count", f.Count(), "error", err)
		metrics.IncFramesDropped("refused")
		f.Release()
	}
}

// beforeControl stamps the flash control block before the 3A stage.
func (s *Session) beforeControl(f *frame.Frame) {
	s.flash.BeforeControl(&f.Meta)
}

// afterResult feeds the 3A result back into the flash sequence. The end of
// the AF cycle is reported only while the sequence waits for it.
func (s *Session) afterResult(f *frame.Frame) {
	if s.flash.State() == flash.StatePreAF && f.Meta.AFState.Locked() {
		s.flash.NotifyAfResult(true)
	}
	s.flash.AfterResult(&f.Meta)
}
