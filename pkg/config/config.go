// Package config loads the gateway configuration from the environment
// (optionally seeded from a .env file) and the routes file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/byte4byte/b4b/internal/scoring"
)

type Config struct {
	ServerAddr   string `env:"SERVER_ADDR" envDefault:":8080"`
	TrustProxy   bool   `env:"TRUST_PROXY" envDefault:"true"`
	MaxBodyBytes int64  `env:"MAX_BODY_BYTES" envDefault:"1048576"` // challenge callback payloads
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	RoutesFile   string `env:"ROUTES_FILE" envDefault:"routes.yaml"`

	RedisURL       string `env:"REDIS_URL"` // empty keeps sessions in process memory
	RedisScanBatch int64  `env:"REDIS_SCAN_BATCH" envDefault:"500"`

	DatabaseURL     string `env:"DATABASE_URL"` // empty disables the relational mirror
	DBConnectTries  int    `env:"DB_CONNECT_ATTEMPTS" envDefault:"10"`
	MirrorQueueSize int    `env:"MIRROR_QUEUE_SIZE" envDefault:"4096"`

	RayIDLength  int           `env:"RAY_ID_LENGTH" envDefault:"256"`
	RayLifetime  time.Duration `env:"RAY_LIFETIME" envDefault:"30m"`
	CookieName   string        `env:"RAY_COOKIE_NAME" envDefault:"byte4byte.auth"`
	CookieSecret string        `env:"COOKIE_SECRET"`
	CookieSecure bool          `env:"COOKIE_SECURE" envDefault:"false"`

	Cipher            string        `env:"CIPHER" envDefault:"gcm"`
	FullAmount        int           `env:"FULL_CHALLENGE_AMOUNT" envDefault:"20"`
	FullLifetime      time.Duration `env:"FULL_CHALLENGE_LIFETIME" envDefault:"1h"`
	InjectAmount      int           `env:"INJECT_CHALLENGE_AMOUNT" envDefault:"20"`
	InjectLifetime    time.Duration `env:"INJECT_CHALLENGE_LIFETIME" envDefault:"1h"`
	InjectMissedLimit int           `env:"INJECT_MISSED_LIMIT" envDefault:"50"`

	OriginTimeout  time.Duration `env:"ORIGIN_TIMEOUT" envDefault:"120s"`
	OriginInsecure bool          `env:"ORIGIN_INSECURE_SKIP_VERIFY" envDefault:"false"`

	ClassifierURL     string        `env:"ML_ENDPOINT"`
	ClassifierTimeout time.Duration `env:"ML_TIMEOUT" envDefault:"2s"`
	MLHumanThreshold  float64       `env:"ML_HUMAN_THRESHOLD" envDefault:"0.5"`

	TimingTTL time.Duration `env:"DETECTION_TIMING_TTL" envDefault:"10m"`

	Outputs      []string `env:"OUTPUTS" envDefault:"log" envSeparator:","` // log, kafka, postgres
	EventLogPath string   `env:"EVENT_LOG_PATH"`

	Kafka   Kafka   `envPrefix:"KAFKA_"`
	PGSink  PGSink  `envPrefix:"PG_SINK_"`
	Metrics Metrics `envPrefix:"METRICS_"`

	Routes Routes `env:"-"`
}

type Kafka struct {
	Brokers       []string `env:"BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic         string   `env:"TOPIC" envDefault:"b4b.events"`
	Acks          string   `env:"ACKS" envDefault:"all"`
	Compression   string   `env:"COMPRESSION"`
	SASLMechanism string   `env:"SASL_MECHANISM"`
	SASLUser      string   `env:"SASL_USER"`
	SASLPassword  string   `env:"SASL_PASSWORD"`
	TLSCAPath     string   `env:"TLS_CA"`
	TLSSkipVerify bool     `env:"TLS_SKIP_VERIFY" envDefault:"false"`
}

type PGSink struct {
	Table         string        `env:"TABLE" envDefault:"ray_events"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"100"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"2s"`
	UseCopy       bool          `env:"USE_COPY" envDefault:"false"`
}

type Metrics struct {
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
	Addr     string `env:"ADDR" envDefault:"127.0.0.1:9090"`
	TLSCert  string `env:"TLS_CERT"`
	TLSKey   string `env:"TLS_KEY"`
	ClientCA string `env:"CLIENT_CA"`
}

var ErrInvalid = errors.New("config: invalid")

// Load reads .env when present, then the process environment and the
// routes file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when
// environ is nil.
func Parse(environ map[string]string) (Config, error) {
	cfg := Config{Routes: Routes{Scoring: scoring.DefaultTables()}}
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.RoutesFile != "" {
		routes, err := LoadRoutes(cfg.RoutesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Routes = routes
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HasOutput reports whether the named sink is enabled.
func (c Config) HasOutput(name string) bool {
	for _, o := range c.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	check(c.RayIDLength >= 16, "RAY_ID_LENGTH must be at least 16")
	check(c.RayLifetime > 0, "RAY_LIFETIME must be positive")
	check(c.CookieName != "", "RAY_COOKIE_NAME is empty")
	check(c.Cipher == "gcm" || c.Cipher == "cbc", "CIPHER must be gcm or cbc, got %q", c.Cipher)
	check(c.FullAmount > 0 && c.InjectAmount > 0, "challenge amounts must be positive")
	check(c.FullLifetime > 0 && c.InjectLifetime > 0, "challenge lifetimes must be positive")
	check(c.InjectMissedLimit > 0, "INJECT_MISSED_LIMIT must be positive")
	check(c.MLHumanThreshold >= 0 && c.MLHumanThreshold <= 1, "ML_HUMAN_THRESHOLD must be within [0,1]")
	check(c.MaxBodyBytes > 0, "MAX_BODY_BYTES must be positive")
	for _, o := range c.Outputs {
		check(o == "log" || o == "kafka" || o == "postgres", "unknown output %q", o)
	}
	check(!c.HasOutput("postgres") || c.DatabaseURL != "", "postgres output requires DATABASE_URL")
	if err := c.Routes.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
