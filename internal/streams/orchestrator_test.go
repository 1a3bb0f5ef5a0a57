package streams_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/ffmpeg"
	"github.com/smazurov/camrelay/internal/process"
	"github.com/smazurov/camrelay/internal/streams"
	"github.com/smazurov/camrelay/internal/streams/store"
)

const (
	trapScript = `trap 'exit 0' INT TERM; while :; do sleep 0.1; done`

	idA = "4f3c2a1e-8d6b-4c1a-9e2f-0a1b2c3d4e5f"
	idB = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d"

	loopURI    = "rtsp://cam.local/loop"
	loop2URI   = "rtsp://cam.local/loop2"
	crashURI   = "rtsp://cam.local/crash"
	cleanURI   = "rtsp://cam.local/clean"
	killedURI  = "rtsp://cam.local/killed"
	missingURI = "rtsp://cam.local/missing"

	testBackoff = 100 * time.Millisecond
)

// scriptBuilder picks a shell fixture from the last path segment of the source.
func scriptBuilder(cfg streams.StreamConfig) (string, []string) {
	script := trapScript
	switch {
	case strings.HasSuffix(cfg.SourceURI, "/crash"):
		script = "echo '[error] connection refused' >&2; sleep 0.05; exit 3"
	case strings.HasSuffix(cfg.SourceURI, "/clean"):
		script = "sleep 0.05; exit 0"
	case strings.HasSuffix(cfg.SourceURI, "/killed"):
		script = "sleep 0.05; kill -KILL $$"
	case strings.HasSuffix(cfg.SourceURI, "/missing"):
		return "/nonexistent/relay-binary", nil
	}
	return "sh", []string{"-c", script}
}

type fixture struct {
	orch  *streams.Orchestrator
	store streams.Store
	sup   *process.Supervisor
	bus   *events.Bus
}

func newFixture(t *testing.T, st streams.Store, tweaks ...func(*streams.Options)) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if st == nil {
		st = store.NewMemory()
	}
	sup := process.NewSupervisor(process.Options{
		Logger:      logger,
		LogParser:   ffmpeg.ParseLogLevel,
		KillTimeout: time.Second,
		WaitDelay:   100 * time.Millisecond,
	})
	bus := events.New()
	opts := streams.Options{
		Store:          st,
		Supervisor:     sup,
		EventBus:       bus,
		Logger:         logger,
		CommandBuilder: scriptBuilder,
		GraceTimeout:   500 * time.Millisecond,
		RetryBackoff:   testBackoff,
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	orch := streams.NewOrchestrator(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = orch.Shutdown(500 * time.Millisecond) })

	return &fixture{orch: orch, store: st, sup: sup, bus: bus}
}

func (f *fixture) add(t *testing.T, id, uri string) streams.StreamConfig {
	t.Helper()
	rec, err := f.store.Upsert(streams.StreamConfig{ID: id, Name: "cam " + id[:4], SourceURI: uri})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return rec.Configuration
}

func (f *fixture) status(t *testing.T, id string) streams.StreamStatus {
	t.Helper()
	rec, ok := f.store.Get(id)
	if !ok {
		t.Fatalf("stream %s not in store", id)
	}
	return rec.Status
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestRequestStartRunsWorker(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, loopURI)

	res, err := f.orch.RequestStart(t.Context(), cfg)
	if err != nil {
		t.Fatalf("RequestStart failed: %v", err)
	}
	if res.AlreadyActive || res.PID <= 0 {
		t.Errorf("first start result = %+v", res)
	}
	if !f.sup.IsActive(idA) {
		t.Fatal("no worker after RequestStart")
	}
	st := f.status(t, idA)
	if !st.Running || st.StartedAt == nil || st.LastAccessedAt == nil {
		t.Errorf("status after start = %+v", st)
	}

	time.Sleep(20 * time.Millisecond)
	again, err := f.orch.RequestStart(t.Context(), cfg)
	if err != nil {
		t.Fatalf("second RequestStart failed: %v", err)
	}
	if !again.AlreadyActive || again.PID != res.PID {
		t.Errorf("second start result = %+v, want already active pid %d", again, res.PID)
	}
	touched := f.status(t, idA)
	if touched.LastAccessedAt == nil || !touched.LastAccessedAt.After(*st.LastAccessedAt) {
		t.Errorf("last_accessed_at not refreshed: %v -> %v", st.LastAccessedAt, touched.LastAccessedAt)
	}
	if touched.UptimeSeconds == nil {
		t.Error("uptime_seconds not set on refresh")
	}
	if f.sup.Count() != 1 {
		t.Errorf("Count() = %d, want 1", f.sup.Count())
	}
}

func TestRequestStartValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		cfg  streams.StreamConfig
	}{
		{"wrong scheme", streams.StreamConfig{ID: idA, SourceURI: "http://cam.local/loop"}},
		{"no host", streams.StreamConfig{ID: idA, SourceURI: "rtsp:///loop"}},
		{"unparsable", streams.StreamConfig{ID: idA, SourceURI: "rtsp://cam local/%zz"}},
		{"empty uri", streams.StreamConfig{ID: idA}},
		{"id not uuid", streams.StreamConfig{ID: "front-door", SourceURI: loopURI}},
		{"uuid without dashes", streams.StreamConfig{ID: strings.ReplaceAll(idA, "-", ""), SourceURI: loopURI}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.RequestStart(t.Context(), tt.cfg)
			if got := streams.ErrorCode(err); got != streams.ErrCodeInvalidParams {
				t.Errorf("RequestStart error = %v, want INVALID_PARAMS", err)
			}
			if f.sup.Count() != 0 {
				t.Error("a worker was spawned for an invalid configuration")
			}
		})
	}
}

func TestRequestStartUnknownStream(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.RequestStart(t.Context(), streams.StreamConfig{ID: idA, SourceURI: loopURI})
	if !streams.IsNotFound(err) {
		t.Errorf("RequestStart error = %v, want STREAM_NOT_FOUND", err)
	}
}

func TestRequestStopClearsStatus(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, loopURI)

	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatalf("RequestStart failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := f.orch.RequestStop(t.Context(), idA); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	if f.sup.IsActive(idA) {
		t.Error("worker still active after RequestStop")
	}
	st := f.status(t, idA)
	if st.Running || st.StartedAt != nil || st.LastAccessedAt != nil || st.UptimeSeconds != nil {
		t.Errorf("status after stop = %+v", st)
	}

	// the exit of a requested stop is not a crash
	time.Sleep(3 * testBackoff)
	if st := f.status(t, idA); st.ErrorCount != 0 || st.Running {
		t.Errorf("status after stop settled = %+v", st)
	}
	if _, pending := f.orch.RetryPending(idA); pending {
		t.Error("retry scheduled after requested stop")
	}
}

func TestRequestStopUnknownStream(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.orch.RequestStop(t.Context(), idA); !streams.IsNotFound(err) {
		t.Errorf("RequestStop error = %v, want STREAM_NOT_FOUND", err)
	}
}

func TestCrashRetriesUntilStopped(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, crashURI)

	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatalf("RequestStart failed: %v", err)
	}

	eventually(t, 3*time.Second, func() bool {
		return f.status(t, idA).ErrorCount >= 3
	}, "crashing worker was not restarted repeatedly")

	st := f.status(t, idA)
	if !strings.Contains(st.LastError, "code 3") || !strings.Contains(st.LastError, "connection refused") {
		t.Errorf("last_error = %q", st.LastError)
	}
	if st.LastErrorAt == nil {
		t.Error("last_error_at not set")
	}

	if err := f.orch.RequestStop(t.Context(), idA); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	time.Sleep(testBackoff)
	settled := f.status(t, idA).ErrorCount

	time.Sleep(4 * testBackoff)
	if got := f.status(t, idA).ErrorCount; got != settled {
		t.Errorf("error_count moved from %d to %d after stop", settled, got)
	}
	if _, pending := f.orch.RetryPending(idA); pending {
		t.Error("retry still pending after stop")
	}
	if f.sup.IsActive(idA) {
		t.Error("worker restarted after stop")
	}
}

func TestCleanExitIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, cleanURI)

	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatalf("RequestStart failed: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return !f.status(t, idA).Running
	}, "clean exit did not mark the stream stopped")

	time.Sleep(3 * testBackoff)
	st := f.status(t, idA)
	if st.ErrorCount != 0 || st.Running {
		t.Errorf("status after clean exit = %+v", st)
	}
	if f.sup.IsActive(idA) {
		t.Error("clean exit was restarted")
	}
}

func TestSignalDeathIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, killedURI)

	stopped := make(chan events.StreamStateChangedEvent, 1)
	unsub := f.bus.Subscribe(func(e events.StreamStateChangedEvent) {
		if e.State == events.StateStopped {
			select {
			case stopped <- e:
			default:
			}
		}
	})
	defer unsub()

	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatalf("RequestStart failed: %v", err)
	}

	select {
	case e := <-stopped:
		if e.Signal == "" {
			t.Errorf("stopped event has no signal: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stopped event for a killed worker")
	}

	time.Sleep(3 * testBackoff)
	if _, pending := f.orch.RetryPending(idA); pending || f.sup.IsActive(idA) {
		t.Error("signal death was retried")
	}
	if st := f.status(t, idA); st.ErrorCount != 0 {
		t.Errorf("signal death recorded as crash: %+v", st)
	}
}

func TestLaunchFailureRecordedWithoutRetry(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, missingURI)

	_, err := f.orch.RequestStart(t.Context(), cfg)
	if got := streams.ErrorCode(err); got != streams.ErrCodeLaunchFailed {
		t.Fatalf("RequestStart error = %v, want LAUNCH_FAILED", err)
	}

	st := f.status(t, idA)
	if st.Running || st.ErrorCount != 1 || st.LastError == "" {
		t.Errorf("status after launch failure = %+v", st)
	}
	if _, pending := f.orch.RetryPending(idA); pending {
		t.Error("launch failure from a start request scheduled a retry")
	}
}

func TestCreateOrUpdateGeneratesIDAndStarts(t *testing.T) {
	f := newFixture(t, nil)

	view, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{Name: "Front door", SourceURI: loopURI})
	if err != nil {
		t.Fatalf("CreateOrUpdate failed: %v", err)
	}
	id := view.ID()
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		t.Errorf("generated id %q is not a UUID", id)
	}
	if !view.Status.Running || view.PID <= 0 || view.State != process.StateRunning {
		t.Errorf("view after create = %+v", view)
	}
	if view.URLs == nil || !strings.HasSuffix(view.URLs.RTMP, "/camera_"+id) {
		t.Errorf("URLs = %+v", view.URLs)
	}
	if view.URLs.HLS != "/hls/camera_"+id+"/index.m3u8" {
		t.Errorf("HLS = %q", view.URLs.HLS)
	}
}

func TestCreateOrUpdateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	for _, in := range []streams.StreamInput{
		{Name: "", SourceURI: loopURI},
		{Name: "cam", SourceURI: "http://cam.local/x"},
		{ID: "not-a-uuid", Name: "cam", SourceURI: loopURI},
	} {
		if _, err := f.orch.CreateOrUpdate(t.Context(), in); streams.ErrorCode(err) != streams.ErrCodeInvalidParams {
			t.Errorf("CreateOrUpdate(%+v) error = %v, want INVALID_PARAMS", in, err)
		}
	}
	if len(f.store.List()) != 0 {
		t.Error("invalid input was stored")
	}
}

func TestCreateOrUpdateSourceChangeRestarts(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "cam", SourceURI: loopURI})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	second, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "cam", SourceURI: loop2URI})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if second.PID == first.PID || second.PID <= 0 {
		t.Errorf("worker not replaced: pid %d -> %d", first.PID, second.PID)
	}
	if !second.Configuration.CreatedAt.Equal(first.Configuration.CreatedAt) {
		t.Error("created_at changed on update")
	}

	// the old worker's exit must not flip the new worker's status
	time.Sleep(3 * testBackoff)
	st := f.status(t, idA)
	if !st.Running || st.ErrorCount != 0 {
		t.Errorf("status after restart = %+v", st)
	}
	if f.sup.Count() != 1 {
		t.Errorf("Count() = %d, want 1", f.sup.Count())
	}
}

func TestCreateOrUpdateSameSourceKeepsWorker(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "cam", SourceURI: loopURI})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "renamed", SourceURI: loopURI})
	if err != nil {
		t.Fatal(err)
	}
	if second.PID != first.PID {
		t.Errorf("rename restarted the worker: pid %d -> %d", first.PID, second.PID)
	}
	if second.Configuration.Name != "renamed" {
		t.Errorf("name = %q", second.Configuration.Name)
	}
}

func TestDeleteCancelsPendingRetry(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, crashURI)

	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		_, pending := f.orch.RetryPending(idA)
		return pending
	}, "no retry scheduled after crash")

	if err := f.orch.Delete(t.Context(), idA); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := f.store.Get(idA); ok {
		t.Error("record still stored after Delete")
	}
	if _, pending := f.orch.RetryPending(idA); pending {
		t.Error("retry still pending after Delete")
	}

	time.Sleep(3 * testBackoff)
	if f.sup.IsActive(idA) {
		t.Error("deleted stream was restarted")
	}
	if err := f.orch.Delete(t.Context(), idA); !streams.IsNotFound(err) {
		t.Errorf("second Delete error = %v, want STREAM_NOT_FOUND", err)
	}
}

func TestDeleteStopsRunningWorker(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "cam", SourceURI: loopURI}); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Delete(t.Context(), idA); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if f.sup.IsActive(idA) {
		t.Error("worker survived Delete")
	}
	if _, err := f.orch.Get(t.Context(), idA); !streams.IsNotFound(err) {
		t.Errorf("Get after Delete = %v, want STREAM_NOT_FOUND", err)
	}
}

func TestResetErrors(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.add(t, idA, missingURI)
	_, _ = f.orch.RequestStart(t.Context(), cfg)
	_, _ = f.orch.RequestStart(t.Context(), cfg)

	if got := f.status(t, idA).ErrorCount; got != 2 {
		t.Fatalf("error_count = %d, want 2", got)
	}

	view, err := f.orch.ResetErrors(t.Context(), idA)
	if err != nil {
		t.Fatalf("ResetErrors failed: %v", err)
	}
	if view.Status.ErrorCount != 0 || view.Status.LastError != "" || view.Status.LastErrorAt != nil {
		t.Errorf("status after reset = %+v", view.Status)
	}
	if _, err := f.orch.ResetErrors(t.Context(), idB); !streams.IsNotFound(err) {
		t.Errorf("ResetErrors on unknown id = %v, want STREAM_NOT_FOUND", err)
	}
}

func TestInitializeStartsEachStreamOnce(t *testing.T) {
	st := store.NewMemory()
	good, err := st.Upsert(streams.StreamConfig{ID: idA, Name: "good", SourceURI: loopURI})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Upsert(streams.StreamConfig{ID: idB, Name: "bad", SourceURI: "http://cam.local/x"}); err != nil {
		t.Fatal(err)
	}
	// a stale running flag left over from a previous run
	stale := time.Now().Add(-time.Hour)
	if _, err := st.UpdateStatus(idB, func(s *streams.StreamStatus) {
		s.Running = true
		s.StartedAt = &stale
	}); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, st)
	err = f.orch.Initialize(t.Context())
	if err == nil || !strings.Contains(err.Error(), idB) {
		t.Errorf("Initialize error = %v, want failure for %s", err, idB)
	}

	if !f.sup.IsActive(good.Configuration.ID) {
		t.Error("valid stream not started")
	}
	bad := f.status(t, idB)
	if bad.Running || bad.StartedAt != nil || bad.ErrorCount != 1 {
		t.Errorf("invalid stream status = %+v", bad)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{idA, idB} {
		if _, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: id, Name: "cam", SourceURI: loopURI}); err != nil {
			t.Fatal(err)
		}
	}
	if f.sup.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", f.sup.Count())
	}

	if err := f.orch.Shutdown(500 * time.Millisecond); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if f.sup.Count() != 0 {
		t.Errorf("Count() after Shutdown = %d", f.sup.Count())
	}
	for _, rec := range f.store.List() {
		if rec.Status.Running {
			t.Errorf("stream %s still marked running", rec.ID())
		}
	}

	_, err := f.orch.Start(t.Context(), idA)
	if got := streams.ErrorCode(err); got != streams.ErrCodeShuttingDown {
		t.Errorf("Start after Shutdown = %v, want SHUTTING_DOWN", err)
	}
}

func TestReloadReconcilesFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.toml")
	st := store.NewTOML(path)
	f := newFixture(t, st)

	if _, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "a", SourceURI: loopURI}); err != nil {
		t.Fatal(err)
	}

	// edit the file behind the orchestrator's back
	editor := store.NewTOML(path)
	if err := editor.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := editor.Remove(idA); err != nil {
		t.Fatal(err)
	}
	if _, err := editor.Upsert(streams.StreamConfig{ID: idB, Name: "b", SourceURI: loopURI}); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Reload(t.Context()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if f.sup.IsActive(idA) {
		t.Error("stream removed from the file still running")
	}
	if !f.sup.IsActive(idB) {
		t.Error("stream added to the file not started")
	}
	if !f.status(t, idB).Running {
		t.Error("new stream not marked running")
	}

	// reloading our own write changes nothing
	pid := mustPID(t, f.sup, idB)
	if err := f.orch.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}
	if got := mustPID(t, f.sup, idB); got != pid {
		t.Errorf("idle reload restarted the worker: %d -> %d", pid, got)
	}
}

func TestReloadKeepsStoppedStreamsStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.toml")
	f := newFixture(t, store.NewTOML(path))

	if _, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "a", SourceURI: loopURI}); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.RequestStop(t.Context(), idA); err != nil {
		t.Fatal(err)
	}

	// touch the file so Reload sees new content
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(data, []byte("\n# edited\n")...), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Reload(t.Context()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if f.sup.IsActive(idA) {
		t.Error("Reload started a stream that was stopped on request")
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t, nil)

	states := make(chan string, 32)
	unsub := f.bus.Subscribe(func(e events.StreamStateChangedEvent) {
		if e.StreamID == idA {
			select {
			case states <- e.State:
			default:
			}
		}
	})
	defer unsub()
	retries := make(chan events.StreamRetryScheduledEvent, 8)
	defer f.bus.Subscribe(func(e events.StreamRetryScheduledEvent) {
		select {
		case retries <- e:
		default:
		}
	})()

	cfg := f.add(t, idA, crashURI)
	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[events.StateStarted] || !seen[events.StateCrashed] {
		select {
		case s := <-states:
			seen[s] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}

	select {
	case ev := <-retries:
		if ev.StreamID != idA || ev.Attempt < 1 || ev.DelayMS != testBackoff.Milliseconds() {
			t.Errorf("retry event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no retry event")
	}
}

func TestListOverlaysLiveState(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, idB, loopURI)
	if _, err := f.orch.CreateOrUpdate(t.Context(), streams.StreamInput{ID: idA, Name: "a", SourceURI: loopURI}); err != nil {
		t.Fatal(err)
	}

	list := f.orch.List(t.Context())
	if len(list) != 2 {
		t.Fatalf("List returned %d streams", len(list))
	}
	if list[0].ID() != idA || !list[0].Status.Running || list[0].URLs == nil {
		t.Errorf("running stream view = %+v", list[0])
	}
	if list[1].ID() != idB || list[1].Status.Running || list[1].URLs != nil || list[1].State != process.StateIdle {
		t.Errorf("idle stream view = %+v", list[1])
	}
}

func mustPID(t *testing.T, sup *process.Supervisor, id string) int {
	t.Helper()
	w, ok := sup.Lookup(id)
	if !ok {
		t.Fatalf("no worker for %s", id)
	}
	return w.PID()
}

func TestShutdownDuringSpawnLeavesNoWorker(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, nil, func(o *streams.Options) {
		o.CommandBuilder = func(cfg streams.StreamConfig) (string, []string) {
			once.Do(func() {
				close(entered)
				<-release
			})
			return scriptBuilder(cfg)
		}
	})
	cfg := f.add(t, idA, loopURI)

	startErr := make(chan error, 1)
	go func() {
		_, err := f.orch.RequestStart(context.Background(), cfg)
		startErr <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("start never reached the command builder")
	}

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- f.orch.Shutdown(200 * time.Millisecond) }()
	eventually(t, 2*time.Second, f.sup.Closed, "Shutdown did not close the supervisor")
	close(release)

	select {
	case err := <-startErr:
		if got := streams.ErrorCode(err); got != streams.ErrCodeShuttingDown {
			t.Errorf("start racing Shutdown = %v, want SHUTTING_DOWN", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	select {
	case err := <-shutdownErr:
		if err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if list := f.sup.ListActive(); len(list) != 0 {
		t.Errorf("workers alive after Shutdown: %+v", list)
	}
	if f.status(t, idA).Running {
		t.Error("stream marked running after Shutdown")
	}
}

func TestConcurrentStartStopKeepsOneWorker(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "lock")
	overlap := filepath.Join(dir, "overlap")
	// a second live worker finds the lock directory taken
	script := fmt.Sprintf(`trap 'rmdir %[1]q; exit 0' INT TERM; mkdir %[1]q 2>/dev/null || echo $$ >> %[2]q; while :; do sleep 0.05; done`, lock, overlap)

	f := newFixture(t, nil, func(o *streams.Options) {
		o.CommandBuilder = func(streams.StreamConfig) (string, []string) {
			return "sh", []string{"-c", script}
		}
	})
	cfg := f.add(t, idA, loopURI)

	done := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-done:
				return
			default:
			}
			if n := len(f.sup.ListActive()); n > 1 {
				t.Errorf("%d workers in the table", n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ctx := t.Context()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 6 {
				var err error
				if (i+j)%2 == 0 {
					_, err = f.orch.RequestStart(ctx, cfg)
				} else {
					err = f.orch.RequestStop(ctx, idA)
				}
				if err != nil {
					t.Errorf("goroutine %d step %d: %v", i, j, err)
				}
			}
		}()
	}
	wg.Wait()
	close(done)
	<-sampled

	eventually(t, 2*time.Second, func() bool {
		return f.status(t, idA).Running == f.sup.IsActive(idA)
	}, "persisted running flag disagrees with the worker table")

	if err := f.orch.RequestStop(ctx, idA); err != nil {
		t.Fatalf("final RequestStop failed: %v", err)
	}
	if data, err := os.ReadFile(overlap); err == nil {
		t.Errorf("workers overlapped, late pids: %s", data)
	}
}

func TestFaultedWorkerIsNotRetried(t *testing.T) {
	injected := make(chan process.Event, 1)
	f := newFixture(t, nil, func(o *streams.Options) { o.Events = injected })

	faulted := make(chan events.StreamStateChangedEvent, 1)
	defer f.bus.Subscribe(func(e events.StreamStateChangedEvent) {
		if e.State == events.StateFaulted {
			select {
			case faulted <- e:
			default:
			}
		}
	})()

	cfg := f.add(t, idA, loopURI)
	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatalf("RequestStart failed: %v", err)
	}
	w, ok := f.sup.Lookup(idA)
	if !ok {
		t.Fatal("no worker after RequestStart")
	}

	injected <- process.Event{
		Kind:       process.EventFaulted,
		ID:         idA,
		Worker:     w,
		Generation: w.Generation(),
		PID:        w.PID(),
		At:         time.Now(),
		Err:        errors.New("wait: no child processes"),
	}

	select {
	case e := <-faulted:
		if e.StreamID != idA || !strings.Contains(e.Error, "no child processes") {
			t.Errorf("faulted event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no faulted event")
	}

	time.Sleep(3 * testBackoff)
	st := f.status(t, idA)
	if st.ErrorCount != 1 || st.Running || !strings.Contains(st.LastError, "no child processes") {
		t.Errorf("status after fault = %+v", st)
	}
	if _, pending := f.orch.RetryPending(idA); pending {
		t.Error("faulted worker scheduled for restart")
	}
}

func TestStaleExitDoesNotScheduleRetry(t *testing.T) {
	injected := make(chan process.Event, 1)
	f := newFixture(t, nil, func(o *streams.Options) { o.Events = injected })

	retries := make(chan events.StreamRetryScheduledEvent, 4)
	defer f.bus.Subscribe(func(e events.StreamRetryScheduledEvent) {
		select {
		case retries <- e:
		default:
		}
	})()

	cfg := f.add(t, idA, cleanURI)
	if _, err := f.orch.RequestStart(t.Context(), cfg); err != nil {
		t.Fatalf("RequestStart failed: %v", err)
	}
	w, ok := f.sup.Lookup(idA)
	if !ok {
		t.Fatal("no worker after RequestStart")
	}
	eventually(t, 2*time.Second, func() bool { return !f.sup.IsActive(idA) }, "worker did not exit")

	// crash of the worker before the current one, delivered after both are gone
	injected <- process.Event{
		Kind:       process.EventExited,
		ID:         idA,
		Generation: w.Generation() - 1,
		PID:        w.PID() - 1,
		At:         time.Now(),
		ExitCode:   3,
	}

	eventually(t, 2*time.Second, func() bool {
		return f.status(t, idA).ErrorCount == 1
	}, "stale crash was not recorded")

	select {
	case e := <-retries:
		t.Errorf("stale exit scheduled a restart: %+v", e)
	case <-time.After(3 * testBackoff):
	}
	if _, pending := f.orch.RetryPending(idA); pending {
		t.Error("retry pending after stale exit")
	}
}
