package event

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4byte/b4b/internal/event/detection"
	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/internal/ray"
	"github.com/byte4byte/b4b/internal/scoring"
	"github.com/byte4byte/b4b/internal/store"
)

func testRay() *ray.Ray {
	return &ray.Ray{
		ID:     "abcdefghijklmnopqrstuvwxyz.1700000000000000000",
		Group:  "main",
		Status: ray.JSChallenge,
		Facts: ray.Facts{
			IP:             "203.0.113.7",
			UserAgent:      "Mozilla/5.0 Chrome/120",
			JA4Fingerprint: "t13d1516h2_8daaf6152771_e5627efa2ab1",
		},
		RequestType: ray.RequestHuman,
		CreateTime:  1700000000000000000,
	}
}

func TestNew(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	e := New(TypeVerdict, testRay(), now)

	_, err := uuid.Parse(e.EventID)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T11:00:00Z", e.TS)
	assert.Equal(t, TypeVerdict, e.Type)
	assert.Equal(t, "main", e.Group)
	assert.Equal(t, "abcdefghijkl1700000000000000000", e.Ray.ShortID)
	assert.Equal(t, "js_challenge", e.Ray.Status)
	assert.Equal(t, "human", e.Ray.RequestType)
	assert.Equal(t, "203.0.113.7", e.Ray.IP)
	assert.Equal(t, e.Ray.ID, e.Key())

	other := New(TypeVerdict, testRay(), now)
	assert.NotEqual(t, e.EventID, other.EventID)
}

func TestWithScore(t *testing.T) {
	e := New(TypeFullCallback, testRay(), time.Now())
	table := scoring.FullTable()
	e.WithScore(table, scoring.Result{Score: 120, Logs: []scoring.LogEntry{{Signal: scoring.SignalWebdriver, Weight: 90}}})

	require.NotNil(t, e.Score)
	assert.Equal(t, table.Name, e.Score.Table)
	assert.Equal(t, 120, e.Score.Value)
	assert.True(t, e.Score.Bot)
}

func TestEventJSONOmitsEmpty(t *testing.T) {
	e := New(TypeHeartbeat, testRay(), time.Now())
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"telemetry", "env", "score", "features", "ml_probability", "session"} {
		assert.NotContains(t, m, k)
	}
	assert.Contains(t, m, "server")
	assert.Equal(t, "heartbeat", m["type"])
}

func TestEnrich(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://shop.example/abc", nil)
	r.Header.Set("Referer", "https://shop.example/landing?utm_source=news&gclid=xyz&q=shoes")
	r.Header.Set("User-Agent", "Mozilla/5.0 Chrome/120")

	e := New(TypeSessionStart, testRay(), time.Now())
	a := detection.NewAnalyzer(detection.NewStoreTracker(store.NewMemory(), time.Minute), nil, logger.Discard())
	Enrich(context.Background(), r, &e, a, "", []byte("payload"))

	assert.Equal(t, "shop.example", e.Server.Host)
	assert.Equal(t, http.MethodPost, e.Server.Method)
	assert.Equal(t, "/abc", e.Server.Path)
	assert.Equal(t, map[string]string{"utm_source": "news", "gclid": "xyz"}, e.Server.Attribution)
	assert.NotEmpty(t, e.Server.Detection.HeaderFingerprint)
	assert.Equal(t, 7, e.Server.Detection.Request.RequestSize)
}

func TestEnrichPagePreferredOverReferrer(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://shop.example/abc", nil)
	r.Header.Set("Referer", "https://shop.example/?utm_source=ref")

	e := New(TypeSessionEnd, testRay(), time.Now())
	Enrich(context.Background(), r, &e, nil, "https://shop.example/p?fbclid=f1", nil)
	assert.Equal(t, map[string]string{"fbclid": "f1"}, e.Server.Attribution)
	assert.Empty(t, e.Server.Detection.HeaderFingerprint)
}

func TestAttribution(t *testing.T) {
	assert.Nil(t, attribution(""))
	assert.Nil(t, attribution("https://shop.example/?q=1"))
	assert.Nil(t, attribution("%zz"))
	assert.Equal(t, map[string]string{"msclkid": "m"}, attribution("/x?msclkid=+m+"))
}
