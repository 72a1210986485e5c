package events

// Event type constants for kelindar/event.
const (
	TypeFlashStateChanged uint32 = iota + 1
	TypeFlashIndicator
	TypeFrameSelected
	TypeCaptureFailed
	TypeTopologyChanged
	TypeStageStateChanged
	TypeStageMetrics
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FlashStateChangedEvent is published on every flash state machine transition.
type FlashStateChangedEvent struct {
	SessionID  string `json:"session_id" doc:"Streaming session identifier"`
	From       string `json:"from" example:"PRE_ON" doc:"Previous flash state"`
	To         string `json:"to" example:"PRE_AE_DONE" doc:"New flash state"`
	Generation uint32 `json:"generation" example:"3" doc:"Flash session generation"`
	FrameCount uint32 `json:"frame_count" example:"120" doc:"Frame that caused the transition"`
	Reason     string `json:"reason,omitempty" example:"pre-flash metering done" doc:"Why the state changed"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FlashStateChangedEvent.
func (e FlashStateChangedEvent) Type() uint32 { return TypeFlashStateChanged }

// FlashIndicatorEvent tells indicator outputs whether the scene needs flash
// and whether a flash capture sequence is running.
// Used for LED control.
type FlashIndicatorEvent struct {
	Need      bool   `json:"need" example:"true" doc:"Scene needs flash"`
	Active    bool   `json:"active" example:"false" doc:"Flash capture sequence running"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FlashIndicatorEvent.
func (e FlashIndicatorEvent) Type() uint32 { return TypeFlashIndicator }

// IsNeeded implements the indicator interface of the LED manager.
func (e FlashIndicatorEvent) IsNeeded() bool {
	return e.Need
}

// IsActive implements the indicator interface of the LED manager.
func (e FlashIndicatorEvent) IsActive() bool {
	return e.Active
}

// FrameSelectedEvent is published when a capture request returns a frame.
type FrameSelectedEvent struct {
	SessionID  string `json:"session_id" doc:"Streaming session identifier"`
	RequestID  string `json:"request_id" doc:"Capture request identifier"`
	FrameCount uint32 `json:"frame_count" example:"124" doc:"Selected frame count"`
	Flash      bool   `json:"flash" example:"true" doc:"Frame was taken with the main flash"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FrameSelectedEvent.
func (e FrameSelectedEvent) Type() uint32 { return TypeFrameSelected }

// CaptureFailedEvent is published when a frame is skipped by a stage or a
// capture request returns no frame.
type CaptureFailedEvent struct {
	SessionID  string `json:"session_id" doc:"Streaming session identifier"`
	RequestID  string `json:"request_id,omitempty" doc:"Capture request identifier, empty for streaming frames"`
	Stage      string `json:"stage,omitempty" example:"MCSC" doc:"Stage that skipped the frame"`
	FrameCount uint32 `json:"frame_count,omitempty" example:"124" doc:"Affected frame count"`
	Code       string `json:"code" example:"TIMEOUT" doc:"Error code"`
	Error      string `json:"error" doc:"Detailed error description"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureFailedEvent.
func (e CaptureFailedEvent) Type() uint32 { return TypeCaptureFailed }

// TopologyChangedEvent is published after a group migration.
type TopologyChangedEvent struct {
	SessionID string   `json:"session_id" doc:"Streaming session identifier"`
	From      string   `json:"from" example:"flite-3aa=m2m 3aa-isp=otf isp-mcsc=otf" doc:"Previous connectivity"`
	To        string   `json:"to" doc:"New connectivity"`
	Reused    bool     `json:"reused" doc:"Node table came from the scenario cache"`
	Groups    []string `json:"groups" example:"[\"FLITE\",\"3AA\"]" doc:"Group leaders of the new topology"`
	Timestamp string   `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for TopologyChangedEvent.
func (e TopologyChangedEvent) Type() uint32 { return TypeTopologyChanged }

// StageStateChangedEvent is published when a pipeline stage changes state.
type StageStateChangedEvent struct {
	SessionID string `json:"session_id" doc:"Streaming session identifier"`
	Stage     string `json:"stage" example:"3AA" doc:"Stage group leader"`
	From      string `json:"from" example:"configured" doc:"Previous state"`
	To        string `json:"to" example:"running" doc:"New state"`
	Error     string `json:"error,omitempty" doc:"Failure that caused the change"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StageStateChangedEvent.
func (e StageStateChangedEvent) Type() uint32 { return TypeStageStateChanged }

// StageMetricsEvent carries periodic per-stage counters.
type StageMetricsEvent struct {
	EventType    string `json:"type"`
	Stage        string `json:"stage"`
	Frames       string `json:"frames"`
	Skipped      string `json:"skipped"`
	DriverErrors string `json:"driver_errors"`
	QueueDepth   string `json:"queue_depth"`
}

// Type returns the event type identifier for StageMetricsEvent.
func (e StageMetricsEvent) Type() uint32 { return TypeStageMetrics }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"api" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
