package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"snooze/internal/app"
	"snooze/internal/clock"
	"snooze/internal/config"
	"snooze/test/testutil"
)

// liveService is a snooze instance running Run in the background on a free port.
type liveService struct {
	baseURL string
	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

// ingestResult mirrors one entry of the alerts endpoint response.
type ingestResult struct {
	Outcome string `json:"outcome"`
	Stage   string `json:"stage"`
	Hash    string `json:"hash"`
	Error   string `json:"error"`
}

// startService writes the config rendered for a free port, starts the service and waits for readiness.
// Params: test handle, instance name used for the config file, renderer taking the HTTP port.
// Returns: running service stopped on test cleanup unless stopped earlier.
func startService(t *testing.T, name string, render func(port int) string) *liveService {
	t.Helper()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	path := filepath.Join(t.TempDir(), name+".toml")
	if err := os.WriteFile(path, []byte(render(port)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service %s: %v", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	live := &liveService{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { live.done <- service.Run(ctx) }()
	t.Cleanup(func() { live.stop(t) })

	if !waitUntil(8*time.Second, live.ready) {
		t.Fatalf("service %s on port %d did not become ready", name, port)
	}
	return live
}

func (s *liveService) ready() bool {
	response, err := http.Get(s.baseURL + "/readyz")
	if err != nil {
		return false
	}
	defer response.Body.Close()
	return response.StatusCode == http.StatusOK
}

// postAlerts sends a JSON alert batch and decodes per-record results.
func (s *liveService) postAlerts(t *testing.T, body string) []ingestResult {
	t.Helper()

	response, err := http.Post(s.baseURL+"/api/v1/alerts", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post alerts: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(response.Body)
		t.Fatalf("ingest status %d: %s", response.StatusCode, payload)
	}
	var decoded struct {
		Results []ingestResult `json:"results"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode ingest response: %v", err)
	}
	return decoded.Results
}

// metrics returns the Prometheus exposition body.
func (s *liveService) metrics(t *testing.T) string {
	t.Helper()

	response, err := http.Get(s.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

// stop cancels Run and fails the test when it does not return cleanly.
func (s *liveService) stop(t *testing.T) {
	t.Helper()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	select {
	case runErr := <-s.done:
		if runErr != nil {
			t.Errorf("service run error: %v", runErr)
		}
	case <-time.After(15 * time.Second):
		t.Errorf("service %s did not stop after cancel", s.baseURL)
	}
}

func waitUntil(timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
