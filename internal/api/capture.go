package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/campipe/internal/api/models"
	"github.com/smazurov/campipe/internal/session"
)

// maxCaptureWait bounds a capture request that sets no deadline of its own.
const maxCaptureWait = 10 * time.Second

// registerCaptureRoutes registers the still capture endpoint.
func (s *Server) registerCaptureRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "capture",
		Method:      http.MethodPost,
		Path:        "/api/capture",
		Summary:     "Capture",
		Description: "Select a still frame, running the pre-flash and main flash first when the scene needs it",
		Tags:        []string{"capture"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 409, 500, 502, 503, 504},
	}, func(ctx context.Context, input *models.CaptureRequest) (*models.CaptureResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, maxCaptureWait)
		defer cancel()

		res, err := s.session.Capture(ctx, session.CaptureRequest{
			Tries: input.Body.Tries,
			Raw:   input.Body.Raw,
		})
		if err != nil {
			return nil, pipelineError("Capture failed", err)
		}
		return &models.CaptureResponse{Body: models.CaptureData{
			RequestID:    res.RequestID,
			FrameCount:   res.FrameCount,
			Flash:        res.Flash,
			ExposureTime: res.Meta.ExposureTime,
			Sensitivity:  res.Meta.Sensitivity,
			AEState:      res.Meta.AEState.String(),
			AFState:      res.Meta.AFState.String(),
			DurationMs:   float64(res.Duration.Microseconds()) / 1000,
		}}, nil
	})
}
