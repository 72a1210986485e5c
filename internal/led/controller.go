// Package led drives the flash indicator LED of the board.
package led

// Pattern is the way an LED is lit.
type Pattern string

// Supported patterns.
const (
	PatternOff   Pattern = "off"
	PatternSolid Pattern = "solid"
	PatternBlink Pattern = "blink"
)

// IndicatorLED is the logical name every board maps its flash indicator to.
const IndicatorLED = "flash"

// Controller abstracts LED hardware across boards.
type Controller interface {
	// Set lights the named LED with pattern. PatternOff turns it off.
	Set(name string, pattern Pattern) error

	// Available returns the logical LED names of the board.
	Available() []string

	// Patterns returns the patterns the controller can show.
	Patterns() []Pattern
}
