package api

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/camrelay/internal/api/models"
	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/logging"
)

func newTestServer(t *testing.T, bus *events.Bus) (*httptest.Server, *fakeStreams) {
	t.Helper()
	svc := newFakeStreams()
	server := NewServer(&Options{
		StreamService: svc,
		EventBus:      bus,
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "camrelay_active_workers 0\n")
		}),
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func TestHealth(t *testing.T) {
	ts, svc := newTestServer(t, nil)
	if _, err := svc.CreateOrUpdate(t.Context(), testInput()); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	got := decode[models.HealthData](t, body)
	if got.Status != "ok" || got.Streams != 1 || got.Running != 1 {
		t.Errorf("health = %+v", got)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("response has no request id")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/version", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/streams", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestMetricsMounted(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "camrelay_active_workers") {
		t.Errorf("metrics body = %s", body)
	}
}

func TestEventsStream(t *testing.T) {
	bus := events.New()
	ts, _ := newTestServer(t, bus)

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatalf("Failed to connect to SSE: %v", err)
	}
	defer resp.Body.Close()

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("Content-Type = %s", resp.Header.Get("Content-Type"))
	}

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(substr string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", substr)
				}
				if strings.Contains(line, substr) {
					return
				}
			case <-timeout:
				t.Fatalf("timeout waiting for %q", substr)
			}
		}
	}

	// the greeting is sent after subscribing, so later publishes are delivered
	waitFor("SSE connection established")

	bus.Publish(events.StreamStateChangedEvent{
		StreamID:  testStreamID,
		State:     events.StateCrashed,
		ExitCode:  1,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	waitFor("event: stream-state-changed")
	waitFor(testStreamID)
}

func TestRecentLogs(t *testing.T) {
	logging.Initialize(logging.Config{Level: "info", Format: "text"})
	logging.GetLogger("apitest").Info("recent log marker")

	api := newTestAPI(t, newFakeStreams(), nil)
	resp := api.Get("/api/logs?limit=5")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}

	got := decode[models.LogsData](t, resp.Body.Bytes())
	if got.Count == 0 || got.Count > 5 {
		t.Fatalf("count = %d", got.Count)
	}
	last := got.Entries[len(got.Entries)-1]
	if last.Message != "recent log marker" || last.Module != "apitest" {
		t.Errorf("newest entry = %+v", last)
	}
}
