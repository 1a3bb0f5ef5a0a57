package streams

import (
	"errors"
	"fmt"
)

// StreamError represents a domain-specific error
type StreamError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeStreamNotFound = "STREAM_NOT_FOUND"
	ErrCodeStreamActive   = "STREAM_ACTIVE"
	ErrCodeInvalidParams  = "INVALID_PARAMS"
	ErrCodeLaunchFailed   = "LAUNCH_FAILED"
	ErrCodeStopFailed     = "STOP_FAILED"
	ErrCodePersistence    = "PERSISTENCE_ERROR"
	ErrCodeConfigError    = "CONFIG_ERROR"
	ErrCodeShuttingDown   = "SHUTTING_DOWN"
)

// NewStreamError creates a new stream error
func NewStreamError(code, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode returns the StreamError code carried by err, or "".
func ErrorCode(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound reports whether err is a STREAM_NOT_FOUND error.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeStreamNotFound
}

func notFound(id string) *StreamError {
	return NewStreamError(ErrCodeStreamNotFound, fmt.Sprintf("stream %s not found", id), nil)
}
