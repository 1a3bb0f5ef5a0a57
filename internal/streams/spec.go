package streams

import "time"

// StreamConfig is the user-provided configuration of one camera relay.
type StreamConfig struct {
	// ID is a canonical UUID; it also names the relay output path
	ID string `toml:"id" json:"id"`

	// Name is the display name
	Name string `toml:"name" json:"name"`

	// SourceURI is the camera's RTSP URL
	SourceURI string `toml:"source_uri" json:"source_uri"`

	// CreatedAt survives every upsert
	CreatedAt time.Time `toml:"created_at" json:"created_at"`

	// UpdatedAt advances on every upsert
	UpdatedAt time.Time `toml:"updated_at" json:"updated_at"`
}

// StreamStatus is the persisted runtime status of a stream.
// Running is eventually equal to "a worker exists for the stream".
type StreamStatus struct {
	ID             string     `toml:"id" json:"id"`
	Running        bool       `toml:"running" json:"running"`
	StartedAt      *time.Time `toml:"started_at,omitempty" json:"started_at,omitempty"`
	LastAccessedAt *time.Time `toml:"last_accessed_at,omitempty" json:"last_accessed_at,omitempty"`
	UptimeSeconds  *int64     `toml:"uptime_seconds,omitempty" json:"uptime_seconds,omitempty"`
	ErrorCount     int        `toml:"error_count" json:"error_count"`
	LastError      string     `toml:"last_error,omitempty" json:"last_error,omitempty"`
	LastErrorAt    *time.Time `toml:"last_error_at,omitempty" json:"last_error_at,omitempty"`
}

// Record pairs a configuration with its status under one stream id.
type Record struct {
	Configuration StreamConfig `toml:"configuration" json:"configuration"`
	Status        StreamStatus `toml:"status" json:"status"`
}

// ID returns the stream id of the record.
func (r Record) ID() string {
	return r.Configuration.ID
}

// DefaultStatus is the status a newly created stream starts with.
func DefaultStatus(id string) StreamStatus {
	return StreamStatus{ID: id}
}

// markRunning records a fresh start at t.
func (s *StreamStatus) markRunning(t time.Time) {
	s.Running = true
	s.StartedAt = &t
	s.LastAccessedAt = &t
	zero := int64(0)
	s.UptimeSeconds = &zero
}

// markAccessed refreshes the last access time and the uptime derived from it.
func (s *StreamStatus) markAccessed(startedAt, t time.Time) {
	s.Running = true
	if s.StartedAt == nil {
		s.StartedAt = &startedAt
	}
	s.LastAccessedAt = &t
	uptime := int64(t.Sub(startedAt).Seconds())
	s.UptimeSeconds = &uptime
}

// markStopped clears every field that only makes sense for a live worker.
func (s *StreamStatus) markStopped() {
	s.Running = false
	s.StartedAt = nil
	s.LastAccessedAt = nil
	s.UptimeSeconds = nil
}

// recordError bumps the error counter and keeps the latest message.
func (s *StreamStatus) recordError(msg string, t time.Time) {
	s.ErrorCount++
	s.LastError = msg
	s.LastErrorAt = &t
}

// resetErrors is the only operation that lowers ErrorCount.
func (s *StreamStatus) resetErrors() {
	s.ErrorCount = 0
	s.LastError = ""
	s.LastErrorAt = nil
}
