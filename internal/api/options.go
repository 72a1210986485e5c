package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/campipe/internal/api/models"
	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/config"
	"github.com/smazurov/campipe/internal/factory"
	"github.com/smazurov/campipe/internal/flash"
)

// registerOptionsRoutes registers the endpoint listing accepted pipeline values.
func (s *Server) registerOptionsRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-options",
		Method:      http.MethodGet,
		Path:        "/api/options",
		Summary:     "Get Pipeline Options",
		Description: "Values accepted for links, flash requests, stages, topology modes and session backends",
		Tags:        []string{"configuration"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.OptionsResponse, error) {
		return &models.OptionsResponse{Body: pipelineOptions()}, nil
	})
}

func pipelineOptions() models.OptionsData {
	data := models.OptionsData{
		LinkModes:     []string{camera.LinkOTF.String(), camera.LinkM2M.String()},
		TopologyModes: []string{factory.ModePreview.String(), factory.ModeReprocessing.String()},
		Backends:      []string{config.BackendSim, config.BackendV4L2},
	}
	for r := flash.RequestOff; r <= flash.RequestTorch; r++ {
		data.FlashModes = append(data.FlashModes, r.String())
	}
	for id := camera.StageID(0); id < camera.StageCount; id++ {
		data.Stages = append(data.Stages, id.String())
	}
	return data
}
