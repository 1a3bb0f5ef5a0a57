package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/camrelay/internal/api/models"
)

// registerHistoryRoutes registers the lifecycle history endpoint.
func (s *Server) registerHistoryRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-history",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/history",
		Summary:     "Stream History",
		Description: "Recent lifecycle events of a stream, newest first. Entries outlive the stream they describe.",
		Tags:        []string{"streams"},
		Errors:      []int{404, 500},
	}, func(ctx context.Context, input *models.HistoryInput) (*models.HistoryResponse, error) {
		if s.history == nil {
			return nil, huma.Error404NotFound("history is disabled")
		}
		entries, err := s.history.Query(ctx, input.StreamID, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read history", err)
		}
		return &models.HistoryResponse{
			Body: models.HistoryData{
				StreamID: input.StreamID,
				Entries:  entries,
				Count:    len(entries),
			},
		}, nil
	})
}
