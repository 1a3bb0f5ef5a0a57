package process

import "time"

// State represents the supervisor's view of one stream id.
type State string

// Process states.
const (
	StateIdle     State = "idle"     // No worker
	StateStarting State = "starting" // Launch in flight, no pid yet
	StateRunning  State = "running"  // Worker in the table
	StateStopping State = "stopping" // Terminate in progress
	StateCrashed  State = "crashed"  // Exited abnormally, restart pending
)

// ActiveWorker is a snapshot of one table entry.
type ActiveWorker struct {
	ID             string
	PID            int
	StartedAt      time.Time
	LastAccessedAt time.Time
	State          State
}

// EventKind distinguishes worker lifecycle notifications.
type EventKind int

// Worker event kinds.
const (
	EventSpawned EventKind = iota + 1
	EventExited
	EventFaulted
)

func (k EventKind) String() string {
	switch k {
	case EventSpawned:
		return "spawned"
	case EventExited:
		return "exited"
	case EventFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Event is emitted on the supervisor's event channel for every worker transition.
type Event struct {
	Kind       EventKind
	ID         string
	Worker     *Worker
	Generation uint64
	PID        int
	At         time.Time

	// Exited only. ExitCode is -1 when the worker was killed by Signal.
	ExitCode int
	Signal   string

	// Faulted only.
	Err error

	// StopRequested is set when Terminate was called before the exit.
	StopRequested bool
	// LastDiagnostic is the most recent error-level output line.
	LastDiagnostic string
}

// Abnormal reports whether an Exited event is a crash: a non-zero exit
// code not caused by a signal.
func (e Event) Abnormal() bool {
	return e.Kind == EventExited && e.Signal == "" && e.ExitCode != 0
}
