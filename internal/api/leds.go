package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/campipe/internal/led"
)

// LEDRequest sets the pattern of one LED.
type LEDRequest struct {
	Body struct {
		Name    string `json:"name" example:"flash" doc:"LED name (board-specific: flash, usr_led, ACT, ...)"`
		Pattern string `json:"pattern" enum:"off,solid,blink" example:"blink" doc:"LED pattern"`
	}
}

// LEDCapabilitiesResponse lists the LEDs and patterns of the current board.
type LEDCapabilitiesResponse struct {
	Body struct {
		Indicator         string   `json:"indicator" example:"flash" doc:"LED that follows the flash state"`
		AvailableLEDs     []string `json:"available_leds" doc:"LEDs present on this board"`
		AvailablePatterns []string `json:"available_patterns" doc:"Patterns the board can show"`
	}
}

// registerLEDRoutes registers LED control endpoints
func (s *Server) registerLEDRoutes() {
	if s.options.LEDController == nil {
		s.logger.Debug("LED controller not available, skipping LED routes")
		return
	}
	controller := s.options.LEDController

	huma.Register(s.api, huma.Operation{
		OperationID: "control-led",
		Method:      http.MethodPost,
		Path:        "/api/leds",
		Summary:     "Control LED",
		Description: "Set an LED pattern. The flash indicator is overwritten on the next flash change.",
		Tags:        []string{"leds"},
		Errors:      []int{400, 401},
		Security:    withAuth(),
	}, func(_ context.Context, input *LEDRequest) (*struct{}, error) {
		if err := controller.Set(input.Body.Name, led.Pattern(input.Body.Pattern)); err != nil {
			return nil, huma.Error400BadRequest("Failed to control LED", err)
		}
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-led-capabilities",
		Method:      http.MethodGet,
		Path:        "/api/leds/capabilities",
		Summary:     "Get LED Capabilities",
		Description: "LEDs and patterns available on this board",
		Tags:        []string{"leds"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*LEDCapabilitiesResponse, error) {
		resp := &LEDCapabilitiesResponse{}
		resp.Body.Indicator = led.IndicatorLED
		resp.Body.AvailableLEDs = controller.Available()
		for _, p := range controller.Patterns() {
			resp.Body.AvailablePatterns = append(resp.Body.AvailablePatterns, string(p))
		}
		return resp, nil
	})

	s.logger.Info("LED routes registered")
}
