package streams

import (
	"time"

	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/metrics"
)

// retryTask is a pending restart of one crashed stream.
type retryTask struct {
	timer   *time.Timer
	attempt int
	due     time.Time
}

// scheduleRetry queues a restart of id after the backoff, replacing any
// pending one. There is no attempt limit.
func (o *Orchestrator) scheduleRetry(id string) {
	backoff := o.opts.RetryBackoff

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if prev, ok := o.retries[id]; ok {
		prev.timer.Stop()
	}
	o.attempts[id]++
	task := &retryTask{attempt: o.attempts[id], due: time.Now().Add(backoff)}
	task.timer = time.AfterFunc(backoff, func() { o.retry(id, task) })
	o.retries[id] = task
	o.mu.Unlock()

	o.logger.Info("Restart scheduled", "stream_id", id, "attempt", task.attempt, "delay", backoff)
	o.bus.Publish(events.StreamRetryScheduledEvent{
		StreamID:  id,
		Attempt:   task.attempt,
		DelayMS:   backoff.Milliseconds(),
		Timestamp: timestamp(time.Now()),
	})
}

// retry runs a scheduled restart unless it was cancelled or replaced.
// A failed launch reschedules itself.
func (o *Orchestrator) retry(id string, task *retryTask) {
	unlock := o.locks.Lock(id)
	defer unlock()

	o.mu.Lock()
	current := o.retries[id] == task
	if current {
		delete(o.retries, id)
	}
	run := current && !o.closed && o.desired[id]
	o.mu.Unlock()
	if !run {
		return
	}

	rec, ok := o.store.Get(id)
	if !ok {
		return
	}

	metrics.IncWorkerRestart(id)
	o.logger.Info("Restarting worker", "stream_id", id, "attempt", task.attempt)

	if _, err := o.start(rec.Configuration); err != nil {
		o.logger.Warn("Restart failed", "stream_id", id, "attempt", task.attempt, "error", err)
		if ErrorCode(err) == ErrCodeLaunchFailed {
			o.scheduleRetry(id)
		}
	}
}

// cancelRetry drops a pending restart of id and resets its attempt count.
func (o *Orchestrator) cancelRetry(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task, ok := o.retries[id]; ok {
		task.timer.Stop()
		delete(o.retries, id)
	}
	delete(o.attempts, id)
}

// RetryPending reports when the next restart of id is due.
func (o *Orchestrator) RetryPending(id string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task, ok := o.retries[id]; ok {
		return task.due, true
	}
	return time.Time{}, false
}
