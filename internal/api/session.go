package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/campipe/internal/api/models"
	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/factory"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/frame"
	"github.com/smazurov/campipe/internal/session"
)

// SessionService is the part of a capture session the API drives.
type SessionService interface {
	Snapshot() session.Snapshot
	Start(ctx context.Context) error
	Stop() error
	Capture(ctx context.Context, req session.CaptureRequest) (session.CaptureResult, error)
	SetFlashRequest(r flash.Request)
	SetRecording(recording bool)
	SetZoom(zoom float64) error
}

func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/session",
		Summary:     "Get Session",
		Description: "Pipeline state, running groups and frame counters",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.SessionResponse, error) {
		return &models.SessionResponse{Body: sessionData(s.session.Snapshot())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/api/session/start",
		Summary:     "Start Session",
		Description: "Create the pipes if needed and start streaming",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 500, 502},
	}, func(ctx context.Context, _ *struct{}) (*models.SessionResponse, error) {
		// the pipes outlive the request
		if err := s.session.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, pipelineError("Failed to start session", err)
		}
		return &models.SessionResponse{Body: sessionData(s.session.Snapshot())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/api/session/stop",
		Summary:     "Stop Session",
		Description: "Stop streaming and return held frames to the pool",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 500, 502},
	}, func(_ context.Context, _ *struct{}) (*models.SessionResponse, error) {
		if err := s.session.Stop(); err != nil {
			return nil, pipelineError("Failed to stop session", err)
		}
		return &models.SessionResponse{Body: sessionData(s.session.Snapshot())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-recording",
		Method:      http.MethodPut,
		Path:        "/api/session/recording",
		Summary:     "Set Recording",
		Description: "Toggle video recording; the selector keeps fewer frames while recording",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.RecordingRequest) (*models.SessionResponse, error) {
		s.session.SetRecording(input.Body.Recording)
		return &models.SessionResponse{Body: sessionData(s.session.Snapshot())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-zoom",
		Method:      http.MethodPut,
		Path:        "/api/session/zoom",
		Summary:     "Set Zoom",
		Description: "Digital zoom applied to the crop of new frames",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.ZoomRequest) (*models.SessionResponse, error) {
		if err := s.session.SetZoom(input.Body.Zoom); err != nil {
			return nil, pipelineError("Invalid zoom", err)
		}
		return &models.SessionResponse{Body: sessionData(s.session.Snapshot())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-topology",
		Method:      http.MethodGet,
		Path:        "/api/topology",
		Summary:     "Get Topology",
		Description: "Device table and pipeline groups of the current links",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.TopologyResponse, error) {
		snap := s.session.Snapshot()
		return &models.TopologyResponse{Body: TopologyData(snap.Factory.Links, snap.Topology)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-flash",
		Method:      http.MethodGet,
		Path:        "/api/flash",
		Summary:     "Get Flash",
		Description: "Flash sequencing state",
		Tags:        []string{"flash"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.FlashResponse, error) {
		return &models.FlashResponse{Body: flashData(s.session.Snapshot().Flash)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-flash-request",
		Method:      http.MethodPut,
		Path:        "/api/flash/request",
		Summary:     "Set Flash Mode",
		Description: "Flash mode asked for by the application",
		Tags:        []string{"flash"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.FlashRequestRequest) (*models.FlashResponse, error) {
		r, ok := flash.ParseRequest(input.Body.Mode)
		if !ok {
			return nil, huma.Error400BadRequest("Unknown flash mode: " + input.Body.Mode)
		}
		s.session.SetFlashRequest(r)
		return &models.FlashResponse{Body: flashData(s.session.Snapshot().Flash)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-selector",
		Method:      http.MethodGet,
		Path:        "/api/selector",
		Summary:     "Get Selector",
		Description: "Hold queue mode and depths",
		Tags:        []string{"selector"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.SelectorResponse, error) {
		st := s.session.Snapshot().Selector
		return &models.SelectorResponse{Body: models.SelectorData{
			Mode:           st.Mode,
			HoldCount:      st.HoldCount,
			SeriesShot:     st.SeriesShot,
			RemainingShots: st.RemainingShots,
			HDR:            st.HDR,
			OIS:            st.OIS,
			Recording:      st.Recording,
			Canceled:       st.Canceled,
			Depths:         st.Depths,
		}}, nil
	})
}

func sessionData(snap session.Snapshot) models.SessionData {
	st := snap.Factory
	data := models.SessionData{
		SessionID: snap.SessionID,
		State:     st.State.String(),
		Running:   snap.Running,
		Recording: snap.Recording,
		Zoom:      snap.Zoom,
		Links:     st.Links.String(),
		Counter:   st.Counter,
		Live:      st.Live,
		Captures:  snap.Captures,
		Scenarios: st.Scenarios,
		Stages:    make([]models.StageData, 0, len(st.Groups)),
	}
	for _, g := range st.Groups {
		sd := models.StageData{
			Stage:      g.ID.String(),
			Members:    stageNames(g.Members),
			State:      string(g.State),
			Nodes:      g.Nodes,
			StartedAt:  g.StartedAt,
			Frames:     g.Frames,
			Skipped:    g.Skipped,
			QueueDepth: g.QueueDepth,
		}
		if g.LastError != nil {
			sd.LastError = g.LastError.Error()
		}
		data.Stages = append(data.Stages, sd)
	}
	return data
}

// TopologyData renders a device table the way the API and the topology
// command print it.
func TopologyData(links factory.Links, t factory.Topology) models.TopologyData {
	data := models.TopologyData{Links: links.String()}
	for _, id := range t.Chain() {
		d := t[id]
		dd := models.DeviceData{
			Stage:  id.String(),
			Leader: d.Leader.String(),
			Nodes:  []models.NodeData{},
		}
		if d.Next != frame.NoStage {
			dd.Next = d.Next.String()
			dd.LinkToNext = d.LinkToNext.String()
		}
		for r, n := range d.Nodes {
			if !n.Present() {
				continue
			}
			dd.Nodes = append(dd.Nodes, models.NodeData{
				Role:    camera.NodeRole(r).String(),
				Num:     n.Num,
				Name:    n.Name,
				InputID: n.InputID,
				Queued:  n.Queued,
			})
		}
		data.Devices = append(data.Devices, dd)
	}
	for _, g := range t.Groups() {
		gd := models.GroupData{Leader: g.Leader.String(), Members: stageNames(g.Members)}
		if g.Parent != frame.NoStage {
			gd.Parent = g.Parent.String()
		}
		data.Groups = append(data.Groups, gd)
	}
	return data
}

func flashData(st flash.Status) models.FlashData {
	return models.FlashData{
		State:          st.State.String(),
		Request:        st.Request.String(),
		Generation:     st.Generation,
		NeedFlash:      st.NeedFlash,
		ShotFrameCount: st.ShotFrameCount,
		TimeoutCount:   st.TimeoutCount,
	}
}

func stageNames(ids []camera.StageID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// pipelineError maps pipeline error codes to HTTP statuses.
func pipelineError(msg string, err error) error {
	var ce *camera.Error
	if errors.As(err, &ce) {
		switch ce.Code {
		case camera.ErrConfig, camera.ErrTopology:
			return huma.Error400BadRequest(msg, err)
		case camera.ErrInvalidState, camera.ErrBusy:
			return huma.Error409Conflict(msg, err)
		case camera.ErrTimeout:
			return huma.Error504GatewayTimeout(msg, err)
		case camera.ErrExhausted, camera.ErrCanceled:
			return huma.Error503ServiceUnavailable(msg, err)
		case camera.ErrDriver:
			return huma.Error502BadGateway(msg, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return huma.Error503ServiceUnavailable(msg, err)
	}
	return huma.Error500InternalServerError(msg, err)
}
