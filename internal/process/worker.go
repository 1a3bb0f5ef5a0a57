package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smazurov/camrelay/internal/metrics"
)

// OutputHandler receives output lines from a worker.
// A handler that also implements io.Closer is closed once the worker has exited.
type OutputHandler interface {
	HandleLine(source, line string)
}

// LogParser parses a log line and returns the log level and message.
type LogParser func(line string) (level, msg string)

const maxLineSize = 1024 * 1024

// Worker is the runtime handle of one external process. It is created by
// Supervisor.Spawn once the process has a pid and is never reused.
type Worker struct {
	id        string
	gen       uint64
	command   string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	lastAccess    atomic.Int64
	stopRequested atomic.Bool
	exited        atomic.Bool
	done          chan struct{}

	stdout     *io.PipeWriter
	stderr     *io.PipeWriter
	outputDone sync.WaitGroup

	mu       sync.Mutex
	exitCode int
	signal   string
	lastDiag string

	logger       *slog.Logger
	outputLogger *slog.Logger
	parser       LogParser
	output       OutputHandler
}

// ID returns the stream id the worker serves.
func (w *Worker) ID() string { return w.id }

// Generation is unique per Spawn and tells successive workers of one id apart.
func (w *Worker) Generation() uint64 { return w.gen }

// PID returns the process id.
func (w *Worker) PID() int { return w.pid }

// Command returns the command line the worker was launched with.
func (w *Worker) Command() string { return w.command }

// StartedAt returns when the process was started.
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// LastAccessedAt returns the last time the worker was touched.
func (w *Worker) LastAccessedAt() time.Time {
	return time.Unix(0, w.lastAccess.Load())
}

// Done is closed after the process has exited and left the table.
func (w *Worker) Done() <-chan struct{} { return w.done }

// StopRequested reports whether Terminate has been called for this worker.
func (w *Worker) StopRequested() bool { return w.stopRequested.Load() }

// ExitCode returns the exit code, or -1 when killed by a signal. Only valid after Done.
func (w *Worker) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// LastDiagnostic returns the most recent error-level output line.
func (w *Worker) LastDiagnostic() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDiag
}

func (w *Worker) touch(t time.Time) {
	w.lastAccess.Store(t.UnixNano())
}

func (w *Worker) snapshot() ActiveWorker {
	state := StateRunning
	if w.StopRequested() {
		state = StateStopping
	}
	return ActiveWorker{
		ID:             w.id,
		PID:            w.pid,
		StartedAt:      w.startedAt,
		LastAccessedAt: w.LastAccessedAt(),
		State:          state,
	}
}

// terminate sends SIGINT to the process group, escalates to SIGKILL after
// grace and then waits up to killWait for the exit to be observed.
func (w *Worker) terminate(grace, killWait time.Duration) error {
	w.stopRequested.Store(true)

	select {
	case <-w.done:
		return nil
	default:
	}

	start := time.Now()
	w.logger.Info("Sending SIGINT to worker", "pid", w.pid)
	w.signalGroup(syscall.SIGINT)

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-w.done:
		metrics.ObserveStopDuration(time.Since(start).Seconds())
		return nil
	case <-graceTimer.C:
	}

	w.logger.Warn("Graceful shutdown timeout, forcing kill", "pid", w.pid, "timeout", grace)
	w.signalGroup(syscall.SIGKILL)

	killTimer := time.NewTimer(killWait)
	defer killTimer.Stop()

	select {
	case <-w.done:
		metrics.ObserveStopDuration(time.Since(start).Seconds())
		return nil
	case <-killTimer.C:
		w.logger.Error("Process did not exit after kill signal", "pid", w.pid, "timeout", killWait)
		return ErrKillTimeout
	}
}

// signalGroup signals the worker's whole process group so helpers spawned
// by the worker go down with it.
func (w *Worker) signalGroup(sig syscall.Signal) {
	if w.exited.Load() {
		return
	}
	err := syscall.Kill(-w.pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	if err := w.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.logger.Warn("Failed to signal worker", "signal", sig.String(), "error", err)
	}
}

// wait blocks until the process exits, drains its output and builds the
// exit event. The caller removes the worker from the table afterwards.
func (w *Worker) wait() Event {
	waitErr := w.cmd.Wait()
	w.exited.Store(true)

	_ = w.stdout.Close()
	_ = w.stderr.Close()
	w.outputDone.Wait()
	if c, ok := w.output.(io.Closer); ok {
		if err := c.Close(); err != nil {
			w.logger.Warn("Failed to close output handler", "error", err)
		}
	}

	ev := Event{
		ID:            w.id,
		Worker:        w,
		Generation:    w.gen,
		PID:           w.pid,
		At:            time.Now(),
		StopRequested: w.StopRequested(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	ev.LastDiagnostic = w.lastDiag

	state := w.cmd.ProcessState
	if state == nil {
		ev.Kind = EventFaulted
		ev.Err = waitErr
		w.exitCode = -1
		return ev
	}

	ev.Kind = EventExited
	ev.ExitCode, ev.Signal = exitStatus(state)
	w.exitCode, w.signal = ev.ExitCode, ev.Signal
	return ev
}

// exitStatus returns the exit code and, for signal deaths, the signal name.
func exitStatus(ps *os.ProcessState) (int, string) {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return ps.ExitCode(), ""
}

// streamOutput forwards each line to the output handler and logs it at the
// level reported by the parser. Error-level lines are kept as the last
// diagnostic so a crash can be explained.
func (w *Worker) streamOutput(reader io.Reader, source string) {
	defer w.outputDone.Done()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()

		if w.output != nil {
			w.output.HandleLine(source, line)
		}

		level, msg := "info", line
		if w.parser != nil {
			level, msg = w.parser(line)
		}
		metrics.IncWorkerDiagnostic(level)

		switch level {
		case "panic", "fatal", "error":
			w.mu.Lock()
			w.lastDiag = msg
			w.mu.Unlock()
			w.outputLogger.Error(msg, "source", source)
		case "warning":
			w.outputLogger.Warn(msg, "source", source)
		case "verbose", "debug", "trace":
			w.outputLogger.Debug(msg, "source", source)
		default:
			w.outputLogger.Info(msg, "source", source)
		}
	}

	if err := scanner.Err(); err != nil {
		w.logger.Warn("Error reading output", "source", source, "error", err)
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, reader)
	}
}
