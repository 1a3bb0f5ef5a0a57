package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/camrelay/internal/api/models"
	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/history"
	"github.com/smazurov/camrelay/internal/logging"
	"github.com/smazurov/camrelay/internal/streams"
	"github.com/smazurov/camrelay/internal/version"
)

// StreamService is the stream management surface the API drives.
type StreamService interface {
	CreateOrUpdate(ctx context.Context, in streams.StreamInput) (streams.StreamView, error)
	Get(ctx context.Context, id string) (streams.StreamView, error)
	List(ctx context.Context) []streams.StreamView
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) (streams.StartResult, error)
	RequestStop(ctx context.Context, id string) error
	ResetErrors(ctx context.Context, id string) (streams.StreamView, error)
}

// HistoryReader reads the lifecycle history of a stream.
type HistoryReader interface {
	Query(ctx context.Context, streamID string, limit int) ([]history.Entry, error)
}

// Server is the Huma v2 API server.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	streams    StreamService
	history    HistoryReader
	eventBus   *events.Bus
	logger     *slog.Logger
}

// Options configures the API server.
type Options struct {
	StreamService     StreamService
	EventBus          *events.Bus
	History           HistoryReader // Optional; history routes answer 404 without it
	PrometheusHandler http.Handler  // Optional Prometheus metrics handler
}

// NewServer creates a new API server with Huma v2 using Go 1.22+ native routing
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("camrelay API", version.String())
	config.Info.Description = "Supervises one ffmpeg relay worker per camera"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}

	api := humago.New(mux, config)
	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server := newServer(api, opts)
	server.mux = mux
	server.registerRoutes()
	return server
}

func newServer(api huma.API, opts *Options) *Server {
	return &Server{
		api:      api,
		streams:  opts.StreamService,
		history:  opts.History,
		eventBus: opts.EventBus,
		logger:   logging.GetLogger("api"),
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start starts the HTTP server on the specified address
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop closes the listener and every open connection, SSE clients included.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
	}, func(ctx context.Context, _ *struct{}) (*models.HealthResponse, error) {
		views := s.streams.List(ctx)
		running := 0
		for _, v := range views {
			if v.Status.Running {
				running++
			}
		}
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
				Streams: len(views),
				Running: running,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerStreamRoutes()
	s.registerHistoryRoutes()
	s.registerSSERoutes()
	s.registerLogRoutes()
}
