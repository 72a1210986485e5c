package led

import (
	"sync"

	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/logging"
)

// Indicator is the flash state the LED follows.
type Indicator interface {
	IsNeeded() bool
	IsActive() bool
}

// PatternFor maps the flash indicator to an LED pattern: solid while a
// flash capture runs, blinking while the scene needs flash, off otherwise.
func PatternFor(ind Indicator) Pattern {
	switch {
	case ind.IsActive():
		return PatternSolid
	case ind.IsNeeded():
		return PatternBlink
	default:
		return PatternOff
	}
}

// Manager keeps the indicator LED in sync with flash indicator events.
type Manager struct {
	controller  Controller
	eventBus    *events.Bus
	logger      logging.Logger
	unsubscribe func()

	mu      sync.Mutex
	current Pattern
}

// NewManager creates a manager for controller.
func NewManager(controller Controller, eventBus *events.Bus, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger("led")
	}
	return &Manager{
		controller: controller,
		eventBus:   eventBus,
		logger:     logger,
	}
}

// Start turns the indicator off and subscribes to flash indicator events.
func (m *Manager) Start() {
	m.apply(PatternOff)
	m.unsubscribe = m.eventBus.Subscribe(func(e events.FlashIndicatorEvent) {
		m.apply(PatternFor(e))
	})
	m.logger.Info("LED manager started")
}

// Stop unsubscribes and turns the indicator off.
func (m *Manager) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.apply(PatternOff)
	m.logger.Info("LED manager stopped")
}

// Pattern returns the pattern last shown.
func (m *Manager) Pattern() Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) apply(p Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == m.current {
		return
	}
	if err := m.controller.Set(IndicatorLED, p); err != nil {
		m.logger.Warn("Failed to set flash indicator", "pattern", string(p), "error", err)
		return
	}
	m.logger.Debug("Flash indicator changed", "from", string(m.current), "to", string(p))
	m.current = p
}

// GetController returns the underlying controller for direct API access.
func (m *Manager) GetController() Controller {
	return m.controller
}
