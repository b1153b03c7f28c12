package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/pkg/config"
)

func testConfig(t *testing.T, origin string) config.Config {
	t.Helper()
	dir := t.TempDir()
	routes := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(routes, []byte(`
groups:
  - name: shop
    whitelist: ["192.0.2.0/24"]
endpoints:
  - host: shop.example
    origin: `+origin+`
    group: shop
`), 0o600))
	cfg, err := config.Parse(map[string]string{
		"ROUTES_FILE":     routes,
		"SERVER_ADDR":     "127.0.0.1:0",
		"METRICS_ENABLED": "false",
		"EVENT_LOG_PATH":  filepath.Join(dir, "events.ndjson"),
		"RAY_ID_LENGTH":   "32",
	})
	require.NoError(t, err)
	return cfg
}

func readEvents(t *testing.T, path string) []event.Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []event.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var e event.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	return out
}

func TestBuildServesEndpoints(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "from origin")
	}))
	defer origin.Close()
	cfg := testConfig(t, origin.URL)

	a, err := build(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, a.start(context.Background()))

	r := httptest.NewRequest(http.MethodGet, "http://shop.example/", nil)
	r.Header.Set("X-Forwarded-For", "192.0.2.1")
	r.Header.Set("User-Agent", "Mozilla/5.0")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from origin", w.Body.String())

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://elsewhere.example/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	a.close()
	events := readEvents(t, cfg.EventLogPath)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeVerdict, events[0].Type)
	assert.Equal(t, "verified", events[0].Ray.Status)
}

func TestBuildRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	cfg.DBConnectTries = 1
	_, err := build(context.Background(), cfg, logger.Discard())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger.Discard()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestSampleEvents(t *testing.T) {
	now := time.Unix(1700000000, 0)
	events := sampleEvents(now)

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
		assert.NotEmpty(t, e.EventID)
		assert.Equal(t, events[0].Ray.ID, e.Ray.ID)
	}
	assert.Equal(t, []string{
		event.TypeVerdict, event.TypeFullCallback, event.TypeSessionStart,
		event.TypeHeartbeat, event.TypeSessionEnd,
	}, types)

	assert.Equal(t, "full_js_challenge", events[0].Ray.Status)
	assert.Equal(t, "verified", events[1].Ray.Status)
	require.NotNil(t, events[1].Score)
	assert.False(t, events[1].Score.Bot)
	require.NotNil(t, events[4].Probability)
	assert.NotEmpty(t, events[4].Features)
}

func TestRunSampleWritesEvents(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	require.NoError(t, runSample(context.Background(), cfg, logger.Discard()))
	assert.Len(t, readEvents(t, cfg.EventLogPath), 5)
}
