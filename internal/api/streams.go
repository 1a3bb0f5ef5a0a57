package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/camrelay/internal/api/models"
	"github.com/smazurov/camrelay/internal/streams"
)

// registerStreamRoutes registers all stream-related endpoints
func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams",
		Summary:     "List Streams",
		Description: "Get every configured stream with its live worker state",
		Tags:        []string{"streams"},
		Errors:      []int{500},
	}, func(ctx context.Context, _ *struct{}) (*models.StreamListResponse, error) {
		views := s.streams.List(ctx)
		data := make([]models.StreamData, len(views))
		for i, v := range views {
			data[i] = toStreamData(v)
		}
		return &models.StreamListResponse{
			Body: models.StreamListData{Streams: data, Count: len(data)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "create-stream",
		Method:        http.MethodPost,
		Path:          "/api/streams",
		Summary:       "Create or Update Stream",
		Description:   "Store a stream configuration and start its worker. An existing stream_id updates the stream; a changed source restarts the worker.",
		Tags:          []string{"streams"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 500, 503},
	}, func(ctx context.Context, input *models.StreamRequest) (*models.StreamResponse, error) {
		view, err := s.streams.CreateOrUpdate(ctx, streams.StreamInput{
			ID:        input.Body.StreamID,
			Name:      input.Body.Name,
			SourceURI: input.Body.SourceURI,
		})
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StreamResponse{Body: toStreamData(view)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}",
		Summary:     "Get Stream",
		Description: "Get one stream with its live worker state",
		Tags:        []string{"streams"},
		Errors:      []int{404, 500},
	}, func(ctx context.Context, input *models.StreamIDInput) (*models.StreamResponse, error) {
		view, err := s.streams.Get(ctx, input.StreamID)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StreamResponse{Body: toStreamData(view)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-stream",
		Method:        http.MethodDelete,
		Path:          "/api/streams/{stream_id}",
		Summary:       "Delete Stream",
		Description:   "Stop the worker, cancel any pending restart and remove the stream",
		Tags:          []string{"streams"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{404, 500},
	}, func(ctx context.Context, input *models.StreamIDInput) (*struct{}, error) {
		if err := s.streams.Delete(ctx, input.StreamID); err != nil {
			return nil, s.mapStreamError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/start",
		Summary:     "Start Stream",
		Description: "Start the stream's worker. Starting a running stream only refreshes its last access time.",
		Tags:        []string{"streams"},
		Errors:      []int{400, 404, 409, 500, 503},
	}, func(ctx context.Context, input *models.StreamIDInput) (*models.StartResponse, error) {
		result, err := s.streams.Start(ctx, input.StreamID)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StartResponse{
			Body: models.StartData{
				StreamID:      input.StreamID,
				AlreadyActive: result.AlreadyActive,
				PID:           result.PID,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/stop",
		Summary:     "Stop Stream",
		Description: "Stop the stream's worker and keep it stopped until the next start",
		Tags:        []string{"streams"},
		Errors:      []int{404, 500},
	}, func(ctx context.Context, input *models.StreamIDInput) (*models.StopResponse, error) {
		if err := s.streams.RequestStop(ctx, input.StreamID); err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StopResponse{
			Body: models.StopData{StreamID: input.StreamID, Stopped: true},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-stream-errors",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/reset-errors",
		Summary:     "Reset Stream Errors",
		Description: "Clear the error counter and last error of a stream",
		Tags:        []string{"streams"},
		Errors:      []int{404, 500},
	}, func(ctx context.Context, input *models.StreamIDInput) (*models.StreamResponse, error) {
		view, err := s.streams.ResetErrors(ctx, input.StreamID)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StreamResponse{Body: toStreamData(view)}, nil
	})
}

// toStreamData converts a stream view to API stream data
func toStreamData(v streams.StreamView) models.StreamData {
	return models.StreamData{
		StreamID:      v.ID(),
		Configuration: v.Configuration,
		Status:        v.Status,
		State:         string(v.State),
		PID:           v.PID,
		URLs:          v.URLs,
		NextRetryAt:   v.NextRetryAt,
		Stats:         v.Stats,
	}
}

// mapStreamError maps domain errors to HTTP errors
func (s *Server) mapStreamError(err error) error {
	var streamErr *streams.StreamError
	if !errors.As(err, &streamErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return huma.Error503ServiceUnavailable("request cancelled", err)
		}
		s.logger.Error("Unexpected stream error", "error", err)
		return huma.Error500InternalServerError("internal server error", err)
	}

	switch streamErr.Code {
	case streams.ErrCodeStreamNotFound:
		return huma.Error404NotFound(streamErr.Message, err)
	case streams.ErrCodeInvalidParams:
		return huma.Error400BadRequest(streamErr.Message, err)
	case streams.ErrCodeStreamActive:
		return huma.Error409Conflict(streamErr.Message, err)
	case streams.ErrCodeShuttingDown:
		return huma.Error503ServiceUnavailable(streamErr.Message, err)
	case streams.ErrCodeLaunchFailed, streams.ErrCodeStopFailed,
		streams.ErrCodePersistence, streams.ErrCodeConfigError:
		return huma.Error500InternalServerError(streamErr.Message, err)
	default:
		return huma.Error500InternalServerError("internal server error", err)
	}
}
