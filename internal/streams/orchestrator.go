package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/ffmpeg"
	"github.com/smazurov/camrelay/internal/logging"
	"github.com/smazurov/camrelay/internal/metrics"
	"github.com/smazurov/camrelay/internal/process"
)

// Orchestrator defaults.
const (
	DefaultGraceTimeout = 5 * time.Second
	DefaultRetryBackoff = 5 * time.Second
	DefaultRTMPBaseURL  = "rtmp://localhost/live"
)

// CommandBuilder returns the worker command line for cfg.
type CommandBuilder func(cfg StreamConfig) (command string, args []string)

// FFmpegCommand builds the relay pipeline for cfg pushing to rtmpBase.
// prefix is the parsed relay command, e.g. ["nice", "-n", "10", "ffmpeg"];
// empty means plain ffmpeg.
func FFmpegCommand(prefix []string, rtmpBase string) CommandBuilder {
	if len(prefix) == 0 {
		prefix = []string{ffmpeg.Binary}
	}
	return func(cfg StreamConfig) (string, []string) {
		params := ffmpeg.DefaultParams(cfg.SourceURI, ffmpeg.OutputURL(rtmpBase, cfg.ID))
		args := append(slices.Clone(prefix[1:]), ffmpeg.BuildArgs(params)...)
		return prefix[0], args
	}
}

// Options configures an Orchestrator.
type Options struct {
	Store      Store
	Supervisor *process.Supervisor

	// EventBus receives lifecycle events (optional).
	EventBus *events.Bus

	// Events overrides the worker event source. Defaults to Supervisor.Events().
	Events <-chan process.Event

	// Logger defaults to the "orchestrator" module logger.
	Logger *slog.Logger

	// CommandBuilder defaults to FFmpegCommand(nil, RTMPBaseURL).
	CommandBuilder CommandBuilder

	RequiredScheme string
	GraceTimeout   time.Duration
	RetryBackoff   time.Duration
	RTMPBaseURL    string
}

// StartResult reports the outcome of a successful start request.
type StartResult struct {
	AlreadyActive bool
	PID           int
}

// Orchestrator reconciles the desired state in the Store with the workers
// owned by the Supervisor. It restarts crashed workers after a fixed backoff
// for as long as the stream stays desired-running.
type Orchestrator struct {
	opts   Options
	store  Store
	sup    *process.Supervisor
	feed   <-chan process.Event
	bus    *events.Bus
	logger *slog.Logger

	locks keyedMutex

	mu       sync.Mutex
	desired  map[string]bool
	retries  map[string]*retryTask
	attempts map[string]int
	spawned  map[string]uint64
	closed   bool
}

// NewOrchestrator creates an orchestrator. Store and Supervisor are required.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("orchestrator")
	}
	if opts.RequiredScheme == "" {
		opts.RequiredScheme = DefaultRequiredScheme
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = DefaultGraceTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.RTMPBaseURL == "" {
		opts.RTMPBaseURL = DefaultRTMPBaseURL
	}
	if opts.CommandBuilder == nil {
		opts.CommandBuilder = FFmpegCommand(nil, opts.RTMPBaseURL)
	}
	if opts.Events == nil {
		opts.Events = opts.Supervisor.Events()
	}

	return &Orchestrator{
		opts:     opts,
		store:    opts.Store,
		sup:      opts.Supervisor,
		feed:     opts.Events,
		bus:      opts.EventBus,
		logger:   opts.Logger,
		desired:  make(map[string]bool),
		retries:  make(map[string]*retryTask),
		attempts: make(map[string]int),
		spawned:  make(map[string]uint64),
	}
}

// Run consumes worker events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.feed:
			o.dispatch(ev)
		}
	}
}

// dispatch keeps the loop responsive: exit handling takes the per-id lock,
// which a concurrent stop of the same id may hold for the grace period.
func (o *Orchestrator) dispatch(ev process.Event) {
	switch ev.Kind {
	case process.EventSpawned:
		o.logger.Debug("Worker spawned", "stream_id", ev.ID, "pid", ev.PID)
		o.publishState(ev.ID, events.StreamStateChangedEvent{State: events.StateStarted, PID: ev.PID}, ev.At)
	case process.EventExited:
		go o.onWorkerExit(ev)
	case process.EventFaulted:
		go o.onWorkerError(ev)
	}
}

// RequestStart validates cfg and starts its worker. A running worker only
// has its last access refreshed. Launch failures are recorded in the status
// and returned; they are never retried automatically.
func (o *Orchestrator) RequestStart(ctx context.Context, cfg StreamConfig) (StartResult, error) {
	if err := ValidateConfig(cfg, o.opts.RequiredScheme); err != nil {
		return StartResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}

	unlock := o.locks.Lock(cfg.ID)
	defer unlock()

	if _, ok := o.store.Get(cfg.ID); !ok {
		return StartResult{}, notFound(cfg.ID)
	}
	o.cancelRetry(cfg.ID)
	o.setDesired(cfg.ID, true)
	return o.start(cfg)
}

// Start starts the stored configuration of id.
func (o *Orchestrator) Start(ctx context.Context, id string) (StartResult, error) {
	rec, ok := o.store.Get(id)
	if !ok {
		return StartResult{}, notFound(id)
	}
	return o.RequestStart(ctx, rec.Configuration)
}

// RequestStop stops the worker for id and keeps it stopped until the next
// start request.
func (o *Orchestrator) RequestStop(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	if _, ok := o.store.Get(id); !ok && !o.sup.IsActive(id) {
		return notFound(id)
	}
	o.setDesired(id, false)
	o.cancelRetry(id)

	if err := o.stopWorker(id); err != nil {
		return NewStreamError(ErrCodeStopFailed, "failed to stop worker", err)
	}
	o.logger.Info("Stream stopped", "stream_id", id)
	return nil
}

// start spawns the worker for cfg. Caller holds the id lock.
func (o *Orchestrator) start(cfg StreamConfig) (StartResult, error) {
	if o.isClosed() {
		return StartResult{}, NewStreamError(ErrCodeShuttingDown, "orchestrator is shutting down", nil)
	}

	if w, ok := o.sup.Lookup(cfg.ID); ok {
		at, touched := o.sup.TouchLastAccess(cfg.ID)
		if !touched {
			at = time.Now()
		}
		o.updateStatus(cfg.ID, func(s *StreamStatus) { s.markAccessed(w.StartedAt(), at) })
		return StartResult{AlreadyActive: true, PID: w.PID()}, nil
	}

	command, args := o.opts.CommandBuilder(cfg)
	o.logger.Debug("Spawning worker", "stream_id", cfg.ID, "command", ffmpeg.CommandLine(command, args))
	w, err := o.sup.Spawn(cfg.ID, command, args)
	if err != nil {
		if errors.Is(err, process.ErrAlreadyActive) {
			return StartResult{}, NewStreamError(ErrCodeStreamActive, "worker is already starting", err)
		}
		if errors.Is(err, process.ErrClosed) {
			return StartResult{}, NewStreamError(ErrCodeShuttingDown, "orchestrator is shutting down", err)
		}
		now := time.Now()
		o.updateStatus(cfg.ID, func(s *StreamStatus) {
			s.markStopped()
			s.recordError(err.Error(), now)
		})
		o.publishState(cfg.ID, events.StreamStateChangedEvent{State: events.StateLaunchFailed, Error: err.Error()}, now)
		return StartResult{}, NewStreamError(ErrCodeLaunchFailed, "failed to start worker", err)
	}

	o.mu.Lock()
	o.spawned[cfg.ID] = w.Generation()
	o.mu.Unlock()

	o.updateStatus(cfg.ID, func(s *StreamStatus) { s.markRunning(w.StartedAt()) })
	o.logger.Info("Stream started", "stream_id", cfg.ID, "pid", w.PID())
	return StartResult{PID: w.PID()}, nil
}

// stopWorker terminates the worker for id and clears the live fields of its
// status. Caller holds the id lock.
func (o *Orchestrator) stopWorker(id string) error {
	if err := o.sup.Terminate(id, o.opts.GraceTimeout); err != nil {
		return err
	}
	o.updateStatus(id, func(s *StreamStatus) { s.markStopped() })
	return nil
}

// onWorkerExit handles an observed exit. An abnormal exit nobody asked for
// counts as a crash and, while the stream is desired-running, schedules a
// restart.
func (o *Orchestrator) onWorkerExit(ev process.Event) {
	unlock := o.locks.Lock(ev.ID)
	defer unlock()

	if _, ok := o.store.Get(ev.ID); !ok {
		o.logger.Debug("Exit of deleted stream", "stream_id", ev.ID, "pid", ev.PID)
		return
	}

	crashed := ev.Abnormal() && !ev.StopRequested
	metrics.IncWorkerExit(ev.ID, exitReason(ev))

	if o.superseded(ev) {
		if crashed {
			msg := crashMessage(ev)
			o.updateStatus(ev.ID, func(s *StreamStatus) { s.recordError(msg, ev.At) })
		}
		o.logger.Debug("Ignoring exit of superseded worker", "stream_id", ev.ID, "pid", ev.PID)
		return
	}

	if !crashed {
		o.updateStatus(ev.ID, func(s *StreamStatus) { s.markStopped() })
		o.publishState(ev.ID, events.StreamStateChangedEvent{
			State:    events.StateStopped,
			PID:      ev.PID,
			ExitCode: ev.ExitCode,
			Signal:   ev.Signal,
		}, ev.At)
		return
	}

	msg := crashMessage(ev)
	o.logger.Warn("Worker crashed", "stream_id", ev.ID, "pid", ev.PID, "exit_code", ev.ExitCode, "error", msg)
	o.updateStatus(ev.ID, func(s *StreamStatus) {
		s.markStopped()
		s.recordError(msg, ev.At)
	})
	o.publishState(ev.ID, events.StreamStateChangedEvent{
		State:    events.StateCrashed,
		PID:      ev.PID,
		ExitCode: ev.ExitCode,
		Error:    msg,
	}, ev.At)

	if o.isDesired(ev.ID) {
		o.scheduleRetry(ev.ID)
	}
}

// onWorkerError handles a worker whose exit status could not be observed.
// It records the error but never schedules a restart.
func (o *Orchestrator) onWorkerError(ev process.Event) {
	unlock := o.locks.Lock(ev.ID)
	defer unlock()

	if _, ok := o.store.Get(ev.ID); !ok {
		return
	}

	msg := fmt.Sprintf("worker error: %v", ev.Err)
	if o.superseded(ev) {
		o.updateStatus(ev.ID, func(s *StreamStatus) { s.recordError(msg, ev.At) })
		return
	}

	o.logger.Error("Worker faulted", "stream_id", ev.ID, "pid", ev.PID, "error", ev.Err)
	o.updateStatus(ev.ID, func(s *StreamStatus) {
		s.markStopped()
		s.recordError(msg, ev.At)
	})
	o.publishState(ev.ID, events.StreamStateChangedEvent{State: events.StateFaulted, PID: ev.PID, Error: msg}, ev.At)
}

// superseded reports whether a newer worker has been spawned for the
// event's id, whether or not that worker is still alive.
func (o *Orchestrator) superseded(ev process.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	gen, ok := o.spawned[ev.ID]
	return ok && gen != ev.Generation
}

func exitReason(ev process.Event) string {
	switch {
	case ev.StopRequested:
		return metrics.ExitRequested
	case ev.Signal != "":
		return metrics.ExitSignal
	case ev.ExitCode != 0:
		return metrics.ExitCrash
	default:
		return metrics.ExitClean
	}
}

func crashMessage(ev process.Event) string {
	msg := fmt.Sprintf("worker exited with code %d", ev.ExitCode)
	if ev.LastDiagnostic != "" {
		msg += ": " + ev.LastDiagnostic
	}
	return msg
}

func (o *Orchestrator) updateStatus(id string, mutate func(*StreamStatus)) {
	_, err := o.store.UpdateStatus(id, mutate)
	switch {
	case err == nil:
	case IsNotFound(err):
		o.logger.Debug("Status update for unknown stream", "stream_id", id)
	default:
		o.logger.Warn("Failed to persist stream status", "stream_id", id, "error", err)
	}
}

func (o *Orchestrator) publishState(id string, ev events.StreamStateChangedEvent, at time.Time) {
	ev.StreamID = id
	ev.Timestamp = timestamp(at)
	o.bus.Publish(ev)
}

func (o *Orchestrator) setDesired(id string, running bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if running {
		o.desired[id] = true
	} else {
		delete(o.desired, id)
	}
}

func (o *Orchestrator) isDesired(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.desired[id]
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
