package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/ffmpeg"
	"github.com/smazurov/camrelay/internal/metrics"
	"github.com/smazurov/camrelay/internal/process"
)

// StreamInput carries the user-editable fields of a stream. An empty ID
// creates a new stream with a generated UUID.
type StreamInput struct {
	ID        string
	Name      string
	SourceURI string
}

// StreamView is a stored record overlaid with live worker information.
type StreamView struct {
	Record
	State       process.State
	PID         int
	URLs        *ffmpeg.URLs
	NextRetryAt *time.Time
	Stats       *metrics.WorkerStats
}

// CreateOrUpdate stores the stream and starts it. When the stream is running
// and its source changed, the old worker is stopped before the new one starts.
// Start failures are recorded in the status, not returned.
func (o *Orchestrator) CreateOrUpdate(ctx context.Context, in StreamInput) (StreamView, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return StreamView{}, NewStreamError(ErrCodeInvalidParams, "name is required", nil)
	}
	cfg := StreamConfig{ID: id, Name: name, SourceURI: strings.TrimSpace(in.SourceURI)}
	if err := ValidateConfig(cfg, o.opts.RequiredScheme); err != nil {
		return StreamView{}, err
	}
	if err := ctx.Err(); err != nil {
		return StreamView{}, err
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	prev, existed := o.store.Get(id)
	rec, err := o.store.Upsert(cfg)
	if err != nil {
		if ErrorCode(err) != ErrCodePersistence {
			return StreamView{}, err
		}
		o.logger.Warn("Stream kept in memory only", "stream_id", id, "error", err)
	}

	now := timestamp(time.Now())
	sourceChanged := existed && prev.Configuration.SourceURI != cfg.SourceURI
	if existed {
		o.logger.Info("Stream updated", "stream_id", id, "source_changed", sourceChanged)
		o.bus.Publish(events.StreamUpdatedEvent{
			StreamID:      id,
			Name:          cfg.Name,
			SourceURI:     cfg.SourceURI,
			SourceChanged: sourceChanged,
			Timestamp:     now,
		})
	} else {
		o.logger.Info("Stream created", "stream_id", id, "name", cfg.Name)
		o.bus.Publish(events.StreamCreatedEvent{
			StreamID:  id,
			Name:      cfg.Name,
			SourceURI: cfg.SourceURI,
			Timestamp: now,
		})
	}

	o.cancelRetry(id)
	o.setDesired(id, true)

	if sourceChanged && o.sup.IsActive(id) {
		if err := o.stopWorker(id); err != nil {
			o.logger.Error("Failed to stop worker for source change", "stream_id", id, "error", err)
			return o.view(rec), NewStreamError(ErrCodeStopFailed, "failed to stop worker", err)
		}
	}
	if _, err := o.start(rec.Configuration); err != nil {
		o.logger.Warn("Auto-start failed", "stream_id", id, "error", err)
	}

	return o.get(id)
}

// Get returns the stream with live worker information.
func (o *Orchestrator) Get(_ context.Context, id string) (StreamView, error) {
	return o.get(id)
}

func (o *Orchestrator) get(id string) (StreamView, error) {
	rec, ok := o.store.Get(id)
	if !ok {
		return StreamView{}, notFound(id)
	}
	return o.view(rec), nil
}

// List returns every stream sorted by id.
func (o *Orchestrator) List(_ context.Context) []StreamView {
	recs := o.store.List()
	views := make([]StreamView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, o.view(rec))
	}
	return views
}

func (o *Orchestrator) view(rec Record) StreamView {
	id := rec.ID()
	v := StreamView{
		Record: rec,
		State:  o.sup.State(id),
		Stats:  metrics.GetWorkerStats(id),
	}

	if w, ok := o.sup.Lookup(id); ok {
		startedAt, last := w.StartedAt(), w.LastAccessedAt()
		uptime := int64(time.Since(startedAt).Seconds())
		v.Status.Running = true
		v.Status.StartedAt = &startedAt
		v.Status.LastAccessedAt = &last
		v.Status.UptimeSeconds = &uptime
		v.PID = w.PID()
		urls := ffmpeg.StreamURLs(o.opts.RTMPBaseURL, id)
		v.URLs = &urls
	} else {
		v.Status.markStopped()
	}

	if due, ok := o.RetryPending(id); ok {
		v.State = process.StateCrashed
		v.NextRetryAt = &due
	}
	return v
}

// Delete stops the stream's worker, cancels a pending restart and removes the record.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	if _, ok := o.store.Get(id); !ok && !o.sup.IsActive(id) {
		return notFound(id)
	}
	if err := o.retire(id); err != nil {
		return err
	}
	o.logger.Info("Stream deleted", "stream_id", id)
	return nil
}

// retire stops and forgets id. Caller holds the id lock.
func (o *Orchestrator) retire(id string) error {
	o.setDesired(id, false)
	o.cancelRetry(id)

	if err := o.sup.Terminate(id, o.opts.GraceTimeout); err != nil {
		return NewStreamError(ErrCodeStopFailed, "failed to stop worker", err)
	}
	if _, err := o.store.Remove(id); err != nil {
		if ErrorCode(err) != ErrCodePersistence {
			return err
		}
		o.logger.Warn("Stream removal kept in memory only", "stream_id", id, "error", err)
	}

	o.forgetWorker(id)
	metrics.DeleteStreamMetrics(id)
	o.bus.Publish(events.StreamDeletedEvent{StreamID: id, Timestamp: timestamp(time.Now())})
	return nil
}

// ResetErrors zeroes the error counter of id.
func (o *Orchestrator) ResetErrors(ctx context.Context, id string) (StreamView, error) {
	if err := ctx.Err(); err != nil {
		return StreamView{}, err
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.store.UpdateStatus(id, func(s *StreamStatus) { s.resetErrors() })
	if err != nil {
		if ErrorCode(err) != ErrCodePersistence {
			return StreamView{}, err
		}
		o.logger.Warn("Error reset kept in memory only", "stream_id", id, "error", err)
	}
	return o.view(rec), nil
}

// Initialize marks every stored stream stopped, since no worker can exist
// yet, then starts each stream once. One stream's failure is recorded in its
// status and does not stop the others; all failures are returned joined.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	recs := o.store.List()
	for _, rec := range recs {
		if rec.Status.Running || rec.Status.StartedAt != nil {
			o.updateStatus(rec.ID(), func(s *StreamStatus) { s.markStopped() })
		}
	}

	o.logger.Info("Starting streams", "count", len(recs))

	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := o.initStream(rec.Configuration); err != nil {
			o.logger.Error("Failed to start stream", "stream_id", rec.ID(), "error", err)
			errs = append(errs, fmt.Errorf("stream %s: %w", rec.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) initStream(cfg StreamConfig) error {
	unlock := o.locks.Lock(cfg.ID)
	defer unlock()

	if err := ValidateConfig(cfg, o.opts.RequiredScheme); err != nil {
		now := time.Now()
		o.updateStatus(cfg.ID, func(s *StreamStatus) { s.recordError(err.Error(), now) })
		return err
	}
	o.setDesired(cfg.ID, true)
	_, err := o.start(cfg)
	return err
}

// Reload re-reads the store and reconciles the difference: new streams
// start, removed streams stop and a changed source restarts the worker.
func (o *Orchestrator) Reload(ctx context.Context) error {
	before := configsByID(o.store.List())
	if err := o.store.Load(); err != nil {
		return NewStreamError(ErrCodeConfigError, "failed to reload streams", err)
	}
	after := configsByID(o.store.List())

	for id := range before {
		if _, ok := after[id]; ok {
			continue
		}
		o.logger.Info("Stream removed from file", "stream_id", id)
		unlock := o.locks.Lock(id)
		if err := o.retire(id); err != nil {
			o.logger.Error("Failed to stop removed stream", "stream_id", id, "error", err)
		}
		unlock()
	}

	var errs []error
	for id, cfg := range after {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, existed := before[id]
		var err error
		switch {
		case !existed:
			o.logger.Info("Stream added to file", "stream_id", id)
			err = o.initStream(cfg)
		case prev.SourceURI != cfg.SourceURI:
			err = o.restartChanged(cfg)
		default:
			o.syncStatus(id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// restartChanged restarts a running worker whose source was edited in the file.
// A stopped stream only picks up the new source on its next start.
func (o *Orchestrator) restartChanged(cfg StreamConfig) error {
	unlock := o.locks.Lock(cfg.ID)
	defer unlock()

	if !o.sup.IsActive(cfg.ID) {
		o.syncStatusLocked(cfg.ID)
		return nil
	}
	if err := ValidateConfig(cfg, o.opts.RequiredScheme); err != nil {
		return err
	}

	o.logger.Info("Source changed, restarting worker", "stream_id", cfg.ID)
	o.cancelRetry(cfg.ID)
	o.setDesired(cfg.ID, true)
	if err := o.stopWorker(cfg.ID); err != nil {
		return NewStreamError(ErrCodeStopFailed, "failed to stop worker", err)
	}
	_, err := o.start(cfg)
	return err
}

// syncStatus makes the reloaded status agree with the worker table.
func (o *Orchestrator) syncStatus(id string) {
	unlock := o.locks.Lock(id)
	defer unlock()
	o.syncStatusLocked(id)
}

func (o *Orchestrator) syncStatusLocked(id string) {
	rec, ok := o.store.Get(id)
	if !ok {
		return
	}
	w, active := o.sup.Lookup(id)
	switch {
	case active && !rec.Status.Running:
		o.updateStatus(id, func(s *StreamStatus) { s.markAccessed(w.StartedAt(), w.LastAccessedAt()) })
	case !active && rec.Status.Running:
		o.updateStatus(id, func(s *StreamStatus) { s.markStopped() })
	}
}

// Shutdown cancels every pending restart, stops all workers concurrently and
// marks every stream stopped. No start succeeds afterwards, including one
// already past its closed check when Shutdown began.
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	if grace <= 0 {
		grace = o.opts.GraceTimeout
	}

	o.mu.Lock()
	o.closed = true
	for id, task := range o.retries {
		task.timer.Stop()
		delete(o.retries, id)
	}
	clear(o.desired)
	o.mu.Unlock()

	err := o.sup.CloseAll(grace)

	// a start still holding its id lock finishes before the status is cleared
	for _, rec := range o.store.List() {
		id := rec.ID()
		unlock := o.locks.Lock(id)
		if !o.sup.IsActive(id) {
			o.updateStatus(id, func(s *StreamStatus) { s.markStopped() })
		}
		unlock()
	}
	return err
}

func (o *Orchestrator) forgetWorker(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.spawned, id)
}

func configsByID(recs []Record) map[string]StreamConfig {
	m := make(map[string]StreamConfig, len(recs))
	for _, rec := range recs {
		m[rec.ID()] = rec.Configuration
	}
	return m
}
