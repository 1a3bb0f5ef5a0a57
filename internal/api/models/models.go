package models

import (
	"time"

	"github.com/smazurov/camrelay/internal/ffmpeg"
	"github.com/smazurov/camrelay/internal/history"
	"github.com/smazurov/camrelay/internal/logging"
	"github.com/smazurov/camrelay/internal/metrics"
	"github.com/smazurov/camrelay/internal/streams"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Streams int    `json:"streams" example:"4" doc:"Number of configured streams"`
	Running int    `json:"running" example:"3" doc:"Number of streams with a live worker"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-01T00:00:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go runtime version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"OS/architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// Stream models
type StreamRequestData struct {
	StreamID  string `json:"stream_id,omitempty" example:"4f3c2a1e-8d6b-4c1a-9e2f-0a1b2c3d4e5f" doc:"Stream UUID; generated when omitted"`
	Name      string `json:"name" required:"false" example:"Front door" doc:"Display name"`
	SourceURI string `json:"source_uri" required:"false" example:"rtsp://10.0.0.5:554/stream1" doc:"Camera RTSP URL"`
}

type StreamRequest struct {
	Body StreamRequestData
}

type StreamData struct {
	StreamID      string               `json:"stream_id" example:"4f3c2a1e-8d6b-4c1a-9e2f-0a1b2c3d4e5f" doc:"Stream UUID"`
	Configuration streams.StreamConfig `json:"configuration" doc:"Stored configuration"`
	Status        streams.StreamStatus `json:"status" doc:"Stored status overlaid with the live worker"`
	State         string               `json:"state" example:"running" doc:"Supervisor state: idle, starting, running, stopping or crashed"`
	PID           int                  `json:"pid,omitempty" example:"4242" doc:"Worker process id"`
	URLs          *ffmpeg.URLs         `json:"urls,omitempty" doc:"Relay output URLs while running"`
	NextRetryAt   *time.Time           `json:"next_retry_at,omitempty" doc:"When the pending automatic restart fires"`
	Stats         *metrics.WorkerStats `json:"stats,omitempty" doc:"Worker counters since daemon start"`
}

type StreamResponse struct {
	Body StreamData
}

type StreamListData struct {
	Streams []StreamData `json:"streams" doc:"All configured streams"`
	Count   int          `json:"count" example:"2" doc:"Number of streams"`
}

type StreamListResponse struct {
	Body StreamListData
}

type StreamIDInput struct {
	StreamID string `path:"stream_id" example:"4f3c2a1e-8d6b-4c1a-9e2f-0a1b2c3d4e5f" doc:"Stream UUID"`
}

type StartData struct {
	StreamID      string `json:"stream_id" doc:"Stream UUID"`
	AlreadyActive bool   `json:"already_active" example:"false" doc:"True when a worker was already running"`
	PID           int    `json:"pid" example:"4242" doc:"Worker process id"`
}

type StartResponse struct {
	Body StartData
}

type StopData struct {
	StreamID string `json:"stream_id" doc:"Stream UUID"`
	Stopped  bool   `json:"stopped" example:"true" doc:"Worker is no longer running"`
}

type StopResponse struct {
	Body StopData
}

// ConnectedEvent is the first message of every event stream.
type ConnectedEvent struct {
	Message string `json:"message" example:"SSE connection established" doc:"Greeting"`
	Streams int    `json:"streams" example:"4" doc:"Number of configured streams"`
}

// History models
type HistoryInput struct {
	StreamID string `path:"stream_id" doc:"Stream UUID"`
	Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum number of entries"`
}

type HistoryData struct {
	StreamID string          `json:"stream_id" doc:"Stream UUID"`
	Entries  []history.Entry `json:"entries" doc:"Lifecycle entries, newest first"`
	Count    int             `json:"count" doc:"Number of entries"`
}

type HistoryResponse struct {
	Body HistoryData
}

// Log models
type LogsInput struct {
	Limit int `query:"limit" default:"200" minimum:"1" maximum:"1000" doc:"Number of most recent entries"`
}

type LogsData struct {
	Entries []logging.LogEntry `json:"entries" doc:"Log entries, oldest first"`
	Count   int                `json:"count" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}
