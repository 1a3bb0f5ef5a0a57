package process

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned by Spawn when a worker exists for the id.
	ErrAlreadyActive = errors.New("worker already active")

	// ErrKillTimeout is returned by Terminate when the worker outlives SIGKILL.
	ErrKillTimeout = errors.New("worker did not exit after kill signal")

	// ErrClosed is returned by Spawn after CloseAll.
	ErrClosed = errors.New("supervisor closed")

	// ErrEmptyCommand is returned for a blank command line.
	ErrEmptyCommand = errors.New("empty command")
)

// LaunchError reports a worker that could not be started.
type LaunchError struct {
	ID      string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s for stream %s: %v", e.Command, e.ID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
