// Package models holds the request and response bodies of the HTTP API.
package models

import "time"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.21.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Session models
type StageData struct {
	Stage      string    `json:"stage" example:"3AA" doc:"Group leader"`
	Members    []string  `json:"members" example:"[\"3AA\",\"ISP\",\"MCSC\"]" doc:"Stages processed by the group"`
	State      string    `json:"state" example:"running" doc:"Stage state"`
	Nodes      []string  `json:"nodes" doc:"Queued video nodes"`
	StartedAt  time.Time `json:"started_at,omitempty" doc:"When streaming started"`
	Frames     uint64    `json:"frames" example:"1200" doc:"Entities completed"`
	Skipped    uint64    `json:"skipped" example:"2" doc:"Entities skipped"`
	QueueDepth int       `json:"queue_depth" example:"1" doc:"Frames waiting for the stage"`
	LastError  string    `json:"last_error,omitempty" doc:"Most recent failure"`
}

type SessionData struct {
	SessionID string      `json:"session_id" doc:"Streaming session identifier"`
	State     string      `json:"state" example:"running" doc:"Pipeline state"`
	Running   bool        `json:"running" example:"true" doc:"Frames are being produced"`
	Recording bool        `json:"recording" example:"false" doc:"Video recording active"`
	Zoom      float64     `json:"zoom" example:"1.0" doc:"Digital zoom of new frames"`
	Links     string      `json:"links" example:"flite-3aa=m2m 3aa-isp=otf isp-mcsc=otf" doc:"Connectivity"`
	Counter   uint32      `json:"frame_counter" example:"4211" doc:"Last frame count issued"`
	Live      int         `json:"live_frames" example:"6" doc:"Frames currently allocated"`
	Captures  uint64      `json:"captures" example:"3" doc:"Completed capture requests"`
	Scenarios int         `json:"scenarios" example:"2" doc:"Cached scenarios"`
	Stages    []StageData `json:"stages" doc:"Running groups"`
}

type SessionResponse struct {
	Body SessionData
}

type RecordingRequest struct {
	Body struct {
		Recording bool `json:"recording" doc:"Whether video recording is active"`
	}
}

type ZoomRequest struct {
	Body struct {
		Zoom float64 `json:"zoom" minimum:"1" maximum:"8" example:"2.0" doc:"Digital zoom factor"`
	}
}

// Topology models
type NodeData struct {
	Role    string `json:"role" example:"preview" doc:"Node role"`
	Num     int    `json:"num" example:"130" doc:"Video node number"`
	Name    string `json:"name" example:"MCSC0C" doc:"Node name"`
	InputID uint32 `json:"input_id" doc:"Packed routing word"`
	Queued  bool   `json:"queued" doc:"Buffers are exchanged on this node"`
}

type DeviceData struct {
	Stage      string     `json:"stage" example:"3AA" doc:"Stage"`
	Leader     string     `json:"leader" example:"3AA" doc:"Group leader of the stage"`
	LinkToNext string     `json:"link_to_next,omitempty" example:"otf" doc:"Link to the next stage"`
	Next       string     `json:"next,omitempty" example:"ISP" doc:"Next stage"`
	Nodes      []NodeData `json:"nodes" doc:"Nodes present on the stage"`
}

type GroupData struct {
	Leader  string   `json:"leader" example:"3AA" doc:"Group leader"`
	Members []string `json:"members" doc:"Stages in the group"`
	Parent  string   `json:"parent,omitempty" example:"FLITE" doc:"Group feeding this one"`
}

type TopologyData struct {
	Links   string       `json:"links" doc:"Connectivity"`
	Devices []DeviceData `json:"devices" doc:"Active stages in dataflow order"`
	Groups  []GroupData  `json:"groups" doc:"Pipeline groups in dataflow order"`
}

type TopologyResponse struct {
	Body TopologyData
}

// Flash models
type FlashData struct {
	State          string `json:"state" example:"OFF" doc:"Flash sequencing state"`
	Request        string `json:"request" example:"auto" doc:"Requested flash mode"`
	Generation     uint32 `json:"generation" example:"3" doc:"Flash session generation"`
	NeedFlash      bool   `json:"need_flash" example:"false" doc:"Scene needs flash"`
	ShotFrameCount uint32 `json:"shot_frame_count" example:"0" doc:"Frame lit by the last main flash"`
	TimeoutCount   int    `json:"timeout_count" example:"0" doc:"Frames waited in the current phase"`
}

type FlashResponse struct {
	Body FlashData
}

type FlashRequestRequest struct {
	Body struct {
		Mode string `json:"mode" enum:"off,auto,on,torch" example:"auto" doc:"Flash mode"`
	}
}

// Selector models
type SelectorData struct {
	Mode           string         `json:"mode" example:"normal" doc:"Hold queue new frames go to"`
	HoldCount      int            `json:"hold_count" example:"3" doc:"Frames kept per queue"`
	SeriesShot     int            `json:"series_shot" doc:"Burst length"`
	RemainingShots int            `json:"remaining_shots" doc:"Burst frames left"`
	HDR            bool           `json:"hdr" doc:"HDR bracketing active"`
	OIS            bool           `json:"ois" doc:"OIS selection active"`
	Recording      bool           `json:"recording" doc:"Recording hint"`
	Canceled       bool           `json:"canceled" doc:"Selection canceled"`
	Depths         map[string]int `json:"depths" doc:"Frames held per queue"`
}

type SelectorResponse struct {
	Body SelectorData
}

// Capture models
type CaptureRequestData struct {
	Tries int  `json:"tries,omitempty" minimum:"0" maximum:"100" example:"3" doc:"Selector polls, 0 for the default"`
	Raw   bool `json:"raw,omitempty" doc:"Return the bayer dump instead of the processed preview"`
}

type CaptureRequest struct {
	Body CaptureRequestData
}

type CaptureData struct {
	RequestID    string  `json:"request_id" doc:"Capture request identifier"`
	FrameCount   uint32  `json:"frame_count" example:"124" doc:"Selected frame"`
	Flash        bool    `json:"flash" doc:"Frame was lit by the main flash"`
	ExposureTime int64   `json:"exposure_time_ns" example:"33000000" doc:"Exposure time"`
	Sensitivity  uint32  `json:"sensitivity" example:"100" doc:"ISO sensitivity"`
	AEState      string  `json:"ae_state" doc:"Auto exposure state"`
	AFState      string  `json:"af_state" doc:"Auto focus state"`
	DurationMs   float64 `json:"duration_ms" example:"120.5" doc:"Time spent serving the request"`
}

type CaptureResponse struct {
	Body CaptureData
}

// Options models
type OptionsData struct {
	LinkModes     []string `json:"link_modes" doc:"Accepted link modes"`
	FlashModes    []string `json:"flash_modes" doc:"Accepted flash requests"`
	Stages        []string `json:"stages" doc:"Pipeline stages"`
	TopologyModes []string `json:"topology_modes" doc:"Accepted topology modes"`
	Backends      []string `json:"backends" doc:"Session backends"`
}

type OptionsResponse struct {
	Body OptionsData
}

// Error response
type ErrorData struct {
	Status  string `json:"status" example:"error" doc:"Error status"`
	Message string `json:"message" example:"session is not running" doc:"Error message"`
}

type ErrorResponse struct {
	Body ErrorData
}
