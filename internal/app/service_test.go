package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"snooze/internal/clock"
	"snooze/internal/config"
	"snooze/internal/pipeline"
	"snooze/internal/state"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

const serviceSection = `[service]
name = "snooze-test"

[service.http]
listen = "127.0.0.1:0"`

func writeServiceConfig(t *testing.T, path string, sections ...string) {
	t.Helper()
	body := strings.Join(append([]string{serviceSection, logSection}, sections...), "\n\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestService(t *testing.T, sections ...string) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snooze.toml")
	writeServiceConfig(t, path, sections...)
	service, err := NewService(config.ConfigSource{File: path}, clock.Fixed(testNow))
	require.NoError(t, err)
	return service, path
}

func postAlert(t *testing.T, handler http.Handler, body string) {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	require.Equal(t, http.StatusAccepted, response.Code, response.Body.String())
}

func storedRecords(t *testing.T, store state.Store, collection string) int {
	t.Helper()
	result, err := store.Search(context.Background(), collection, nil, state.SearchOptions{})
	require.NoError(t, err)
	return result.Count
}

func TestServiceIngestsAndReloadsConfig(t *testing.T) {
	t.Parallel()

	service, path := newTestService(t, `[kv.dict.owners]
web01 = "alice"`, ownerRuleSection, pagerSection)
	defer service.Close()
	service.readyFlag.Store(true)

	postAlert(t, service.Handler(), `{"host":"web01","severity":"critical","message":"down"}`)
	record, err := service.backend.GetOne(context.Background(), pipeline.RecordCollection, map[string]any{"host": "web01"})
	require.NoError(t, err)
	if record["owner"] != "alice" {
		t.Fatalf("expected owner from seeded dictionary, got %v", record["owner"])
	}

	writeServiceConfig(t, path, pagerSection)
	require.NoError(t, service.reloadConfig(context.Background()))
	if got := storedRecords(t, service.backend, config.CollectionRule); got != 0 {
		t.Fatalf("expected rule removed on reload, got %d", got)
	}
	if got := storedRecords(t, service.backend, config.CollectionNotification); got != 1 {
		t.Fatalf("expected notification kept on reload, got %d", got)
	}
}

func TestServiceReloadRejectsTopologyChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		section string
		want    string
	}{
		{name: "mode", section: "[service]\nmode = \"nats\"", want: "service.mode change requires restart"},
		{name: "stages", section: "[pipeline]\nstages = [\"rule\"]", want: "pipeline.stages change requires restart"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			service, path := newTestService(t, pagerSection)
			defer service.Close()

			body := strings.Join([]string{tc.section, logSection, pagerSection}, "\n\n")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			err := service.reloadConfig(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestServiceRedisDictionary(t *testing.T) {
	t.Parallel()

	redisServer := miniredis.RunT(t)
	service, _ := newTestService(t, `[kv]
backend = "redis"
cache_ttl_sec = -1

[kv.redis]
addr = "`+redisServer.Addr()+`"

[kv.dict.owners]
web01 = "carol"`, ownerRuleSection)
	defer service.Close()
	service.readyFlag.Store(true)

	postAlert(t, service.Handler(), `{"host":"web01","message":"down"}`)
	record, err := service.backend.GetOne(context.Background(), pipeline.RecordCollection, map[string]any{"host": "web01"})
	require.NoError(t, err)
	if record["owner"] != "carol" {
		t.Fatalf("expected owner from redis dictionary, got %v", record["owner"])
	}
}

func TestNewServiceFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snooze.toml")
	writeServiceConfig(t, path, `[kv]
backend = "redis"

[kv.redis]
addr = "127.0.0.1:1"`)
	if _, err := NewService(config.ConfigSource{File: path}, nil); err == nil {
		t.Fatalf("expected redis connection error")
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t, `[housekeeping]
schedule = "@every 1s"`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	require.Eventually(t, service.readyFlag.Load, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
	}
	if service.readyFlag.Load() {
		t.Fatalf("service must not be ready after shutdown")
	}
}
