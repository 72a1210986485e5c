package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageMetricsCache(t *testing.T) {
	stage := "test-stage-1"

	DeleteStageMetrics(stage)

	if m := GetStageMetrics(stage); m != nil {
		t.Error("expected nil for unknown stage")
	}

	IncStageFrames(stage)
	IncStageFrames(stage)
	IncStageSkipped(stage)
	IncStageDriverError(stage, "dequeue")
	SetStageQueueDepth(stage, 3)

	m := GetStageMetrics(stage)
	if m == nil {
		t.Fatal("expected non-nil metrics")
	}
	if m.Frames != 2 {
		t.Errorf("Frames = %v, want 2", m.Frames)
	}
	if m.Skipped != 1 {
		t.Errorf("Skipped = %v, want 1", m.Skipped)
	}
	if m.DriverErrors != 1 {
		t.Errorf("DriverErrors = %v, want 1", m.DriverErrors)
	}
	if m.QueueDepth != 3 {
		t.Errorf("QueueDepth = %v, want 3", m.QueueDepth)
	}

	// Returned copy is independent
	m.Frames = 999
	if GetStageMetrics(stage).Frames != 2 {
		t.Error("cache was modified through returned copy")
	}

	if got := testutil.ToFloat64(stageFrames.WithLabelValues(stage)); got != 2 {
		t.Errorf("frames_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(stageDriverErrors.WithLabelValues(stage, "dequeue")); got != 1 {
		t.Errorf("driver_errors_total = %v, want 1", got)
	}

	DeleteStageMetrics(stage)
	if GetStageMetrics(stage) != nil {
		t.Error("expected nil after delete")
	}
}

func TestGetAllStageMetrics(t *testing.T) {
	DeleteStageMetrics("stage-a")
	DeleteStageMetrics("stage-b")

	IncStageFrames("stage-a")
	SetStageQueueDepth("stage-b", 4)

	all := GetAllStageMetrics()
	if all["stage-a"] == nil || all["stage-a"].Frames != 1 {
		t.Errorf("stage-a = %+v", all["stage-a"])
	}
	if all["stage-b"] == nil || all["stage-b"].QueueDepth != 4 {
		t.Errorf("stage-b = %+v", all["stage-b"])
	}

	DeleteStageMetrics("stage-a")
	DeleteStageMetrics("stage-b")
}

func TestSelectorCounters(t *testing.T) {
	before := testutil.ToFloat64(framesReleased.WithLabelValues("flash"))
	AddFramesReleased("flash", 4)
	AddFramesReleased("flash", 0)
	if got := testutil.ToFloat64(framesReleased.WithLabelValues("flash")) - before; got != 4 {
		t.Errorf("released delta = %v, want 4", got)
	}

	SetHoldQueueDepth("normal", 5)
	if got := testutil.ToFloat64(holdQueueDepth.WithLabelValues("normal")); got != 5 {
		t.Errorf("hold_queue_depth = %v, want 5", got)
	}

	before = testutil.ToFloat64(selectTimeouts.WithLabelValues("burst"))
	IncSelectTimeouts("burst")
	if got := testutil.ToFloat64(selectTimeouts.WithLabelValues("burst")) - before; got != 1 {
		t.Errorf("timeouts delta = %v, want 1", got)
	}
}

func TestFlashGauges(t *testing.T) {
	SetFlashState(3)
	if got := testutil.ToFloat64(flashState); got != 3 {
		t.Errorf("state = %v, want 3", got)
	}
	SetFlashNeeded(true)
	if got := testutil.ToFloat64(flashNeeded); got != 1 {
		t.Errorf("needed = %v, want 1", got)
	}
	SetFlashNeeded(false)
	if got := testutil.ToFloat64(flashNeeded); got != 0 {
		t.Errorf("needed = %v, want 0", got)
	}

	before := testutil.ToFloat64(flashTimeouts.WithLabelValues("pre_on"))
	IncFlashTimeouts("pre_on")
	if got := testutil.ToFloat64(flashTimeouts.WithLabelValues("pre_on")) - before; got != 1 {
		t.Errorf("flash timeouts delta = %v, want 1", got)
	}
}

func TestSessionCounters(t *testing.T) {
	before := testutil.ToFloat64(captureRequests.WithLabelValues("ok"))
	ObserveCapture("ok", 120*time.Millisecond)
	ObserveCapture("timeout", time.Second)
	if got := testutil.ToFloat64(captureRequests.WithLabelValues("ok")) - before; got != 1 {
		t.Errorf("ok captures delta = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(captureDuration); n != 1 {
		t.Errorf("capture_duration series = %d, want 1", n)
	}

	before = testutil.ToFloat64(framesDropped.WithLabelValues("skipped"))
	IncFramesDropped("skipped")
	if got := testutil.ToFloat64(framesDropped.WithLabelValues("skipped")) - before; got != 1 {
		t.Errorf("dropped delta = %v, want 1", got)
	}
}
