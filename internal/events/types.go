package events

// Event type constants for kelindar/event.
const (
	TypeStreamCreated uint32 = iota + 1
	TypeStreamUpdated
	TypeStreamDeleted
	TypeStreamStateChanged
	TypeStreamRetryScheduled
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// Stream lifecycle states carried by StreamStateChangedEvent.
const (
	StateStarted      = "started"
	StateStopped      = "stopped"
	StateCrashed      = "crashed"
	StateFaulted      = "faulted"
	StateLaunchFailed = "launch_failed"
)

// StreamCreatedEvent is published after a stream configuration is first stored.
type StreamCreatedEvent struct {
	StreamID  string `json:"stream_id" example:"4f3c2a1e-8d6b-4c1a-9e2f-0a1b2c3d4e5f" doc:"Stream identifier"`
	Name      string `json:"name" example:"Front door" doc:"Display name"`
	SourceURI string `json:"source_uri" example:"rtsp://10.0.0.5:554/stream1" doc:"Camera source URI"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamCreatedEvent.
func (e StreamCreatedEvent) Type() uint32 { return TypeStreamCreated }

// StreamUpdatedEvent is published when an existing configuration is replaced.
type StreamUpdatedEvent struct {
	StreamID      string `json:"stream_id" doc:"Stream identifier"`
	Name          string `json:"name" doc:"Display name"`
	SourceURI     string `json:"source_uri" doc:"Camera source URI"`
	SourceChanged bool   `json:"source_changed" doc:"Whether the source URI changed"`
	Timestamp     string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamUpdatedEvent.
func (e StreamUpdatedEvent) Type() uint32 { return TypeStreamUpdated }

// StreamDeletedEvent is published after a stream configuration is removed.
type StreamDeletedEvent struct {
	StreamID  string `json:"stream_id" doc:"Deleted stream identifier"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamDeletedEvent.
func (e StreamDeletedEvent) Type() uint32 { return TypeStreamDeleted }

// StreamStateChangedEvent reports a worker lifecycle transition.
type StreamStateChangedEvent struct {
	StreamID  string `json:"stream_id" doc:"Stream identifier"`
	State     string `json:"state" enum:"started,stopped,crashed,faulted,launch_failed" doc:"New lifecycle state"`
	PID       int    `json:"pid,omitempty" doc:"Worker process id"`
	ExitCode  int    `json:"exit_code,omitempty" doc:"Worker exit code"`
	Signal    string `json:"signal,omitempty" doc:"Signal that terminated the worker"`
	Error     string `json:"error,omitempty" doc:"Error text for crashed and faulted workers"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// Running reports whether the transition leaves a live worker behind.
func (e StreamStateChangedEvent) Running() bool {
	return e.State == StateStarted
}

// StreamRetryScheduledEvent is published when a crashed stream is queued for restart.
type StreamRetryScheduledEvent struct {
	StreamID  string `json:"stream_id" doc:"Stream identifier"`
	Attempt   int    `json:"attempt" doc:"Consecutive restart attempt number"`
	DelayMS   int64  `json:"delay_ms" doc:"Delay before the restart attempt"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamRetryScheduledEvent.
func (e StreamRetryScheduledEvent) Type() uint32 { return TypeStreamRetryScheduled }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"api" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
