package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4byte/b4b/internal/logger"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("main", "verified")
	m.ObserveVerdict("main", "full", "bot")
	m.ObserveGenerate("inject", 30*time.Millisecond)
	m.ObserveProxy("shop.example", 10*time.Millisecond, nil)
	m.ObserveProxy("shop.example", time.Second, errors.New("refused"))
	m.IncrementEvents("session_end")
	m.IncrementSinkErrors("kafka")
	m.IncrementMirrorErrors("insert")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("main", "verified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verdicts.WithLabelValues("main", "full", "bot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChallengesGenerated.WithLabelValues("inject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OriginErrors.WithLabelValues("shop.example")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("session_end")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrors.WithLabelValues("kafka")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorErrors.WithLabelValues("insert")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProxyDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "b4b_requests_total")
	assert.Contains(t, names, "b4b_challenge_generate_seconds")
}

func TestNewWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}

func TestRouter(t *testing.T) {
	reg := NewRegistry()
	New(reg).ObserveRequest("main", "blocked")

	var ready error
	h := Router(reg, Check{Name: "redis", Probe: func(context.Context) error { return ready }})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ready = errors.New("down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis not ready")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `b4b_requests_total{group="main",status="blocked"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerDisabled(t *testing.T) {
	s, err := NewServer(Config{}, prometheus.NewRegistry(), logger.Discard())
	require.NoError(t, err)
	assert.NoError(t, s.Run(context.Background()))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServerRunAndShutdown(t *testing.T) {
	addr := freeAddr(t)
	s, err := NewServer(Config{Enabled: true, Addr: addr}, prometheus.NewRegistry(), logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestLoadCertPool(t *testing.T) {
	_, err := loadCertPool(filepath.Join(t.TempDir(), "missing.pem"))
	assert.ErrorContains(t, err, "read client CA")

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a cert\n", 3)), 0o600))
	_, err = loadCertPool(path)
	assert.ErrorIs(t, err, ErrNoClientCA)

	_, err = NewServer(Config{TLSCert: "c", TLSKey: "k", ClientCA: path}, prometheus.NewRegistry(), logger.Discard())
	assert.ErrorIs(t, err, ErrNoClientCA)
}
