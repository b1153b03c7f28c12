package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4byte/b4b/internal/ray"
)

const routesYAML = `
groups:
  - name: shop
    mode: enforce
    lifetime: 45m
    whitelist: ["10.0.0.0/8"]
    whitelist_files: ["crawlers.json"]
  - name: blog
    mode: observe
endpoints:
  - host: shop.example
    origin: http://127.0.0.1:3000
    group: shop
  - host: blog.example
    origin: https://blog.internal
    group: blog
scoring:
  full:
    threshold: 120
  inject:
    weights:
      no_chrome: 10
`

func writeRoutes(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crawlers.json"), []byte(`["66.249.64.0/19","192.0.2.7"]`), 0o600))
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(map[string]string{"ROUTES_FILE": ""})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, 256, cfg.RayIDLength)
	assert.Equal(t, 30*time.Minute, cfg.RayLifetime)
	assert.Equal(t, "byte4byte.auth", cfg.CookieName)
	assert.Equal(t, "gcm", cfg.Cipher)
	assert.Equal(t, 20, cfg.FullAmount)
	assert.Equal(t, time.Hour, cfg.InjectLifetime)
	assert.Equal(t, 50, cfg.InjectMissedLimit)
	assert.Equal(t, []string{"log"}, cfg.Outputs)
	assert.Equal(t, "ray_events", cfg.PGSink.Table)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 100, cfg.Routes.Scoring.Full.Threshold)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"ROUTES_FILE":          "",
		"CIPHER":               "cbc",
		"OUTPUTS":              "log,kafka",
		"KAFKA_BROKERS":        "k1:9092,k2:9092",
		"PG_SINK_USE_COPY":     "true",
		"ML_ENDPOINT":          "http://ml:8000/predict",
		"RAY_LIFETIME":         "5m",
		"METRICS_ENABLED":      "false",
		"DETECTION_TIMING_TTL": "1m",
	})
	require.NoError(t, err)
	assert.Equal(t, "cbc", cfg.Cipher)
	assert.True(t, cfg.HasOutput("kafka"))
	assert.False(t, cfg.HasOutput("postgres"))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.PGSink.UseCopy)
	assert.Equal(t, "http://ml:8000/predict", cfg.ClassifierURL)
	assert.Equal(t, 5*time.Minute, cfg.RayLifetime)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, time.Minute, cfg.TimingTTL)
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"cipher":    {"CIPHER": "rot13"},
		"output":    {"OUTPUTS": "stdout"},
		"postgres":  {"OUTPUTS": "postgres"},
		"threshold": {"ML_HUMAN_THRESHOLD": "1.5"},
		"id length": {"RAY_ID_LENGTH": "4"},
	}
	for name, environ := range tests {
		t.Run(name, func(t *testing.T) {
			environ["ROUTES_FILE"] = ""
			_, err := Parse(environ)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseRoutesFile(t *testing.T) {
	cfg, err := Parse(map[string]string{"ROUTES_FILE": writeRoutes(t, routesYAML)})
	require.NoError(t, err)

	r := cfg.Routes
	require.Len(t, r.Groups, 2)
	shop, ok := r.Group("shop")
	require.True(t, ok)
	assert.Equal(t, 45*time.Minute, shop.Lifetime)
	assert.Equal(t, []string{"10.0.0.0/8", "66.249.64.0/19", "192.0.2.7"}, shop.Whitelist)

	require.Len(t, r.Endpoints, 2)
	assert.Equal(t, "blog", r.Endpoints[1].Group)

	assert.Equal(t, 120, r.Scoring.Full.Threshold)
	assert.Equal(t, 100, r.Scoring.Full.Weights.AutomationVars)
	assert.Equal(t, 10, r.Scoring.Inject.Weights.NoChrome)
	assert.Equal(t, 100, r.Scoring.Inject.Threshold)
	assert.Equal(t, "inject", r.Scoring.Inject.Name)
}

func TestRoutesValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown group", "groups: [{name: a}]\nendpoints: [{host: x.example, origin: 'http://o', group: b}]"},
		{"bad mode", "groups: [{name: a, mode: panic}]"},
		{"bad cidr", "groups: [{name: a, whitelist: ['10.0.0.0/33']}]"},
		{"bad origin", "groups: [{name: a}]\nendpoints: [{host: x.example, origin: 'ftp://o', group: a}]"},
		{"duplicate host", "groups: [{name: a}]\nendpoints: [{host: x.example, origin: 'http://o', group: a}, {host: X.example, origin: 'http://p', group: a}]"},
		{"negative weight", "scoring: {full: {weights: {webdriver: -1}}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRoutes([]byte(tt.body), t.TempDir())
			require.NoError(t, err)
			assert.Error(t, r.Validate())
		})
	}
}

func TestParseRoutesUnknownField(t *testing.T) {
	_, err := ParseRoutes([]byte("grups: []"), t.TempDir())
	assert.Error(t, err)
}

func TestParseRoutesMissingWhitelistFile(t *testing.T) {
	_, err := ParseRoutes([]byte("groups: [{name: a, whitelist_files: [nope.json]}]"), t.TempDir())
	assert.Error(t, err)
}

func TestDetectionRules(t *testing.T) {
	assert.Equal(t, ray.DefaultRules(), Detection{}.Rules())

	r := Detection{BotSuffixes: []string{"_evil"}}.Rules()
	assert.Equal(t, []string{"_evil"}, r.BotSuffixes)
	assert.Equal(t, ray.DefaultRules().Keywords, r.Keywords)
}
