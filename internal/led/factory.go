package led

import (
	"os"
	"strings"

	"github.com/smazurov/campipe/internal/logging"
)

const deviceTreeModelPath = "/proc/device-tree/model"

// Options locate the board description and the LED class. Empty fields use
// the system paths.
type Options struct {
	ModelPath string
	SysfsRoot string
}

// boards maps device tree model substrings to the LED acting as flash
// indicator.
var boards = []struct {
	match string
	led   string
}{
	{"Exynos", "flash"},
	{"Samsung", "flash"},
	{"NanoPC-T6", "usr_led"},
	{"Orange Pi", "blue_led"},
	{"Raspberry Pi", "ACT"},
}

// New picks the LED controller of the running board. Boards without a known
// indicator get a no-op controller.
func New(logger logging.Logger, opts Options) Controller {
	if logger == nil {
		logger = logging.GetLogger("led")
	}
	model := detectBoard(opts.ModelPath)
	for _, b := range boards {
		if strings.Contains(model, b.match) {
			logger.Info("Using sysfs flash indicator", "board_model", model, "led", b.led)
			return newSysfs(opts.SysfsRoot, map[string]string{IndicatorLED: b.led})
		}
	}
	logger.Info("No flash indicator on this board", "board_model", model)
	return newNoop(logger)
}

// detectBoard reads the device tree model.
func detectBoard(path string) string {
	if path == "" {
		path = deviceTreeModelPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimRight(string(data), "\x00\n")
}
