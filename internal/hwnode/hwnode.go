// Package hwnode opens real V4L2 video nodes as pipeline node handles.
package hwnode

import (
	"errors"
	"time"

	"github.com/smazurov/campipe/internal/logging"
)

// ErrUnsupported is returned on platforms without V4L2 multi-planar support.
var ErrUnsupported = errors.New("hardware nodes are not supported on this platform")

// DeviceInfo describes one video node found on the system.
type DeviceInfo struct {
	Num     int    `json:"num"`
	Path    string `json:"path"`
	Card    string `json:"card"`
	Driver  string `json:"driver"`
	Capture bool   `json:"capture"`
	Output  bool   `json:"output"`
}

// Options configures the opener.
type Options struct {
	// PollInterval bounds each wait inside Dequeue so a cancelled context is
	// noticed.
	PollInterval time.Duration
	Logger       logging.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logging.GetLogger("hwnode")
	}
}
