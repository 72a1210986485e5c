package led

import "github.com/smazurov/campipe/internal/logging"

// noop is the controller of boards without a usable LED.
type noop struct {
	logger logging.Logger
}

func newNoop(logger logging.Logger) *noop {
	return &noop{logger: logger}
}

func (n *noop) Set(name string, pattern Pattern) error {
	if n.logger != nil {
		n.logger.Debug("LED control not available", "led", name, "pattern", string(pattern))
	}
	return nil
}

func (n *noop) Available() []string {
	return []string{}
}

func (n *noop) Patterns() []Pattern {
	return []Pattern{}
}
