package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smazurov/camrelay/internal/metrics"
)

const (
	defaultKillTimeout = 5 * time.Second
	defaultWaitDelay   = 2 * time.Second
	defaultEventBuffer = 256
)

// Options configures a Supervisor.
type Options struct {
	// Logger for supervisor operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// OutputLogger receives worker output lines. If nil, uses Logger.
	OutputLogger *slog.Logger

	// LogParser extracts levels from worker output (optional).
	LogParser LogParser

	// Output returns the handler for a new worker's output (optional).
	Output func(id string) OutputHandler

	// KillTimeout bounds the wait after SIGKILL. Defaults to 5s.
	KillTimeout time.Duration

	// WaitDelay bounds how long output pipes may stay open after the
	// worker exits. Defaults to 2s.
	WaitDelay time.Duration

	// EventBuffer sizes the event channel. Defaults to 256.
	EventBuffer int
}

// Supervisor owns the table of live workers, at most one per stream id.
// A worker enters the table once its pid exists and leaves it only when its
// exit has been observed.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	table    map[string]*Worker
	pending  map[string]struct{}
	closed   bool
	spawning sync.WaitGroup

	gen    atomic.Uint64
	events chan Event
}

// NewSupervisor creates a supervisor with an empty worker table.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutputLogger == nil {
		opts.OutputLogger = opts.Logger
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = defaultKillTimeout
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	return &Supervisor{
		opts:    opts,
		logger:  opts.Logger,
		table:   make(map[string]*Worker),
		pending: make(map[string]struct{}),
		events:  make(chan Event, opts.EventBuffer),
	}
}

// Events returns the channel every worker's Spawned, Exited and Faulted
// events are delivered on. It must be drained.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Spawn launches command for id. It fails with ErrAlreadyActive while a
// worker for id exists or is being launched, with ErrClosed once CloseAll
// has been called, and with a *LaunchError when the process cannot be
// started. On failure nothing is left in the table.
func (s *Supervisor) Spawn(id, command string, args []string) (*Worker, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: %w", id, ErrClosed)
	}
	_, active := s.table[id]
	_, starting := s.pending[id]
	if active || starting {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: %w", id, ErrAlreadyActive)
	}
	s.pending[id] = struct{}{}
	s.spawning.Add(1)
	s.mu.Unlock()
	defer s.spawning.Done()

	w, err := s.launch(id, command, args)

	s.mu.Lock()
	delete(s.pending, id)
	closed := s.closed
	if err == nil && !closed {
		s.table[id] = w
	}
	count := len(s.table)
	s.mu.Unlock()

	if err == nil && closed {
		// CloseAll ran while the process was starting
		s.discard(w)
		return nil, fmt.Errorf("spawn %s: %w", id, ErrClosed)
	}
	if err != nil {
		metrics.IncWorkerLaunchFailure(id)
		s.logger.Error("Failed to start worker", "stream_id", id, "command", command, "error", err)
		return nil, err
	}

	metrics.SetActiveWorkers(count)
	metrics.IncWorkerSpawn(id)
	w.logger.Info("Worker started", "pid", w.pid, "command", w.command)

	s.emit(Event{Kind: EventSpawned, ID: id, Worker: w, Generation: w.gen, PID: w.pid, At: w.startedAt})

	go s.observe(w)
	return w, nil
}

// launch starts the process and its output readers. Observers are attached
// before the worker is returned.
func (s *Supervisor) launch(id, command string, args []string) (*Worker, error) {
	commandLine := strings.Join(append([]string{command}, args...), " ")

	var output OutputHandler
	if s.opts.Output != nil {
		output = s.opts.Output(id)
	}

	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.opts.WaitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		if c, ok := output.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, &LaunchError{ID: id, Command: command, Err: err}
	}

	now := time.Now()
	w := &Worker{
		id:           id,
		gen:          s.gen.Add(1),
		command:      commandLine,
		cmd:          cmd,
		pid:          cmd.Process.Pid,
		startedAt:    now,
		done:         make(chan struct{}),
		stdout:       outW,
		stderr:       errW,
		logger:       s.logger.With("stream_id", id),
		outputLogger: s.opts.OutputLogger.With("stream_id", id),
		parser:       s.opts.LogParser,
		output:       output,
	}
	w.touch(now)

	w.outputDone.Add(2)
	go w.streamOutput(outR, "stdout")
	go w.streamOutput(errR, "stderr")

	return w, nil
}

// observe waits for the worker's exit, removes it from the table, releases
// Terminate callers and then emits the exit event.
func (s *Supervisor) observe(w *Worker) {
	ev := w.wait()

	s.mu.Lock()
	if cur, ok := s.table[w.id]; ok && cur == w {
		delete(s.table, w.id)
	}
	active := len(s.table)
	s.mu.Unlock()
	metrics.SetActiveWorkers(active)

	close(w.done)

	switch ev.Kind {
	case EventFaulted:
		w.logger.Error("Worker faulted", "pid", w.pid, "error", ev.Err)
	case EventExited:
		w.logger.Info("Worker exited", "pid", w.pid, "exit_code", ev.ExitCode, "signal", ev.Signal, "stop_requested", ev.StopRequested)
	}

	s.emit(ev)
}

// discard kills a worker that never entered the table and reaps it without
// emitting events.
func (s *Supervisor) discard(w *Worker) {
	w.stopRequested.Store(true)
	w.logger.Warn("Killing worker started during shutdown", "pid", w.pid)
	w.signalGroup(syscall.SIGKILL)
	w.wait()
	close(w.done)
}

func (s *Supervisor) emit(ev Event) {
	s.events <- ev
}

// Terminate stops the worker for id: SIGINT, then SIGKILL after grace.
// It returns nil immediately when no worker exists and returns only once the
// exit has been observed, or ErrKillTimeout if the process survives SIGKILL
// for the configured kill timeout.
func (s *Supervisor) Terminate(id string, grace time.Duration) error {
	w, ok := s.Lookup(id)
	if !ok {
		return nil
	}
	if err := w.terminate(grace, s.opts.KillTimeout); err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	return nil
}

// CloseAll refuses further spawns, waits for launches in progress and then
// terminates every worker concurrently. It returns once all of them exited.
func (s *Supervisor) CloseAll(grace time.Duration) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.spawning.Wait()

	s.mu.RLock()
	workers := make([]*Worker, 0, len(s.table))
	for _, w := range s.table {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	if len(workers) == 0 {
		return nil
	}
	s.logger.Info("Stopping all workers", "count", len(workers))

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.terminate(grace, s.opts.KillTimeout); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("terminate %s: %w", w.id, err))
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.logger.Info("All workers stopped")
	return errors.Join(errs...)
}

// Closed reports whether CloseAll has been called.
func (s *Supervisor) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Lookup returns the live worker for id.
func (s *Supervisor) Lookup(id string) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.table[id]
	return w, ok
}

// IsActive reports whether a worker for id is in the table.
func (s *Supervisor) IsActive(id string) bool {
	_, ok := s.Lookup(id)
	return ok
}

// Count returns the number of workers in the table.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// State returns the supervisor's view of id. StateCrashed is never
// reported here; restart bookkeeping belongs to the caller.
func (s *Supervisor) State(id string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.table[id]; ok {
		return w.snapshot().State
	}
	if _, ok := s.pending[id]; ok {
		return StateStarting
	}
	return StateIdle
}

// ListActive returns a snapshot of the table sorted by id.
func (s *Supervisor) ListActive() []ActiveWorker {
	s.mu.RLock()
	list := make([]ActiveWorker, 0, len(s.table))
	for _, w := range s.table {
		list = append(list, w.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// TouchLastAccess records an access for id's worker. It does not touch the process.
func (s *Supervisor) TouchLastAccess(id string) (time.Time, bool) {
	w, ok := s.Lookup(id)
	if !ok {
		return time.Time{}, false
	}
	now := time.Now()
	w.touch(now)
	return now, true
}
