package flash

import (
	"time"

	"github.com/smazurov/campipe/internal/camera"
)

// Config holds the sensor timing calibration of the flash sequence.
// Timeouts are in result frames.
type Config struct {
	AETimeout     int
	AFTimeout     int
	ReadyTimeout  int
	MainTimeout   int
	MainWaitCount int // frames held in MAIN_WAIT after the main flash fires
	CaptureSkip   int // frames between the main-start request and the target capture
	AEWaitMax     int
	WaitInterval  time.Duration
}

// DefaultConfig returns the stock calibration.
func DefaultConfig() Config {
	return Config{
		AETimeout:     15,
		AFTimeout:     15,
		ReadyTimeout:  30,
		MainTimeout:   15,
		MainWaitCount: 1,
		CaptureSkip:   1,
		AEWaitMax:     25,
		WaitInterval:  33 * time.Millisecond,
	}
}

// Validate checks the calibration values.
func (c Config) Validate() error {
	fields := map[string]int{
		"ae_timeout":      c.AETimeout,
		"af_timeout":      c.AFTimeout,
		"ready_timeout":   c.ReadyTimeout,
		"main_timeout":    c.MainTimeout,
		"main_wait_count": c.MainWaitCount,
		"capture_skip":    c.CaptureSkip,
		"ae_wait_max":     c.AEWaitMax,
	}
	for name, v := range fields {
		if v < 0 {
			return camera.NewError(camera.ErrConfig, "flash calibration must not be negative", map[string]any{
				"field": name,
				"value": v,
			})
		}
	}
	if c.WaitInterval <= 0 {
		return camera.NewError(camera.ErrConfig, "flash wait_interval must be positive", map[string]any{
			"value": c.WaitInterval.String(),
		})
	}
	return nil
}

// WaitBudget is the longest WaitAeDone and WaitMainReady block.
func (c Config) WaitBudget() time.Duration {
	return time.Duration(c.AEWaitMax) * c.WaitInterval
}
