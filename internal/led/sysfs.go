package led

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
)

const sysfsLEDPath = "/sys/class/leds"

// sysfs drives LEDs through the Linux LED class.
type sysfs struct {
	root string
	leds map[string]string // logical name -> sysfs name
}

func newSysfs(root string, leds map[string]string) *sysfs {
	if root == "" {
		root = sysfsLEDPath
	}
	return &sysfs{root: root, leds: leds}
}

// Set selects the trigger for pattern and writes the brightness. Blinking
// uses the timer trigger at 2Hz.
func (s *sysfs) Set(name string, pattern Pattern) error {
	sysName, ok := s.leds[name]
	if !ok {
		return fmt.Errorf("LED %q not supported on this board", name)
	}
	dir := filepath.Join(s.root, sysName)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("LED %q not found at %s: %w", name, dir, err)
	}

	var trigger, brightness string
	switch pattern {
	case PatternOff:
		trigger, brightness = "none", "0"
	case PatternSolid:
		trigger, brightness = "none", "1"
	case PatternBlink:
		trigger, brightness = "timer", "1"
	default:
		return fmt.Errorf("unsupported LED pattern %q", pattern)
	}

	if err := write(dir, "trigger", trigger); err != nil {
		return err
	}
	if pattern == PatternBlink {
		if err := write(dir, "delay_on", "250"); err != nil {
			return err
		}
		if err := write(dir, "delay_off", "250"); err != nil {
			return err
		}
	}
	return write(dir, "brightness", brightness)
}

func write(dir, attr, value string) error {
	if err := os.WriteFile(filepath.Join(dir, attr), []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write LED %s: %w", attr, err)
	}
	return nil
}

func (s *sysfs) Available() []string {
	names := make([]string, 0, len(s.leds))
	for name := range s.leds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *sysfs) Patterns() []Pattern {
	return slices.Clone(sysfsPatterns)
}

var sysfsPatterns = []Pattern{PatternOff, PatternSolid, PatternBlink}
