// Package metrics provides Prometheus metrics for relay workers and the stream store.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camrelay"

var (
	workerSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "spawns_total",
		Help:      "Workers that reached the running state",
	}, []string{"stream_id"})

	workerLaunchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "launch_failures_total",
		Help:      "Worker launches that failed before a pid was available",
	}, []string{"stream_id"})

	workerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "exits_total",
		Help:      "Observed worker exits by reason",
	}, []string{"stream_id", "reason"})

	workerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "restarts_total",
		Help:      "Automatic restart attempts after a crash",
	}, []string{"stream_id"})

	workerDiagnostics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "diagnostics_total",
		Help:      "Worker output lines by parsed level",
	}, []string{"level"})

	workerStopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "stop_duration_seconds",
		Help:      "Time from stop request to observed exit",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	})

	workersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "active",
		Help:      "Workers currently in the supervisor table",
	})

	storeWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_errors_total",
		Help:      "Durable writes of the stream document that failed",
	})

	statsCache   = make(map[string]*WorkerStats)
	statsCacheMu sync.RWMutex
)

// Exit reasons for IncWorkerExit.
const (
	ExitClean     = "clean"
	ExitCrash     = "crash"
	ExitSignal    = "signal"
	ExitRequested = "requested"
)

// WorkerStats holds per-stream counters for API responses.
type WorkerStats struct {
	Spawns         int `json:"spawns" doc:"Successful worker launches"`
	LaunchFailures int `json:"launch_failures" doc:"Failed worker launches"`
	Crashes        int `json:"crashes" doc:"Abnormal worker exits"`
	Restarts       int `json:"restarts" doc:"Automatic restart attempts"`
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncWorkerSpawn records a worker that reached the running state.
func IncWorkerSpawn(streamID string) {
	workerSpawns.WithLabelValues(streamID).Inc()
	updateStats(streamID, func(s *WorkerStats) { s.Spawns++ })
}

// IncWorkerLaunchFailure records a failed launch.
func IncWorkerLaunchFailure(streamID string) {
	workerLaunchFailures.WithLabelValues(streamID).Inc()
	updateStats(streamID, func(s *WorkerStats) { s.LaunchFailures++ })
}

// IncWorkerExit records an observed exit.
func IncWorkerExit(streamID, reason string) {
	workerExits.WithLabelValues(streamID, reason).Inc()
	if reason == ExitCrash {
		updateStats(streamID, func(s *WorkerStats) { s.Crashes++ })
	}
}

// IncWorkerRestart records an automatic restart attempt.
func IncWorkerRestart(streamID string) {
	workerRestarts.WithLabelValues(streamID).Inc()
	updateStats(streamID, func(s *WorkerStats) { s.Restarts++ })
}

// IncWorkerDiagnostic counts one worker output line at level.
func IncWorkerDiagnostic(level string) {
	workerDiagnostics.WithLabelValues(level).Inc()
}

// ObserveStopDuration records how long a stop took.
func ObserveStopDuration(seconds float64) {
	workerStopDuration.Observe(seconds)
}

// SetActiveWorkers sets the active worker gauge.
func SetActiveWorkers(n int) {
	workersActive.Set(float64(n))
}

// IncStoreWriteError records a failed durable write.
func IncStoreWriteError() {
	storeWriteErrors.Inc()
}

// DeleteStreamMetrics drops every per-stream series for streamID.
func DeleteStreamMetrics(streamID string) {
	workerSpawns.DeleteLabelValues(streamID)
	workerLaunchFailures.DeleteLabelValues(streamID)
	workerRestarts.DeleteLabelValues(streamID)
	workerExits.DeletePartialMatch(prometheus.Labels{"stream_id": streamID})

	statsCacheMu.Lock()
	delete(statsCache, streamID)
	statsCacheMu.Unlock()
}

// GetWorkerStats returns a copy of the counters for streamID, or nil.
func GetWorkerStats(streamID string) *WorkerStats {
	statsCacheMu.RLock()
	defer statsCacheMu.RUnlock()
	if s, ok := statsCache[streamID]; ok {
		dup := *s
		return &dup
	}
	return nil
}

func updateStats(streamID string, update func(*WorkerStats)) {
	statsCacheMu.Lock()
	defer statsCacheMu.Unlock()
	s, ok := statsCache[streamID]
	if !ok {
		s = &WorkerStats{}
		statsCache[streamID] = s
	}
	update(s)
}
