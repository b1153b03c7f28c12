package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/byte4byte/b4b/internal/challenge"
	"github.com/byte4byte/b4b/internal/classifier"
	"github.com/byte4byte/b4b/internal/crypto"
	"github.com/byte4byte/b4b/internal/event/detection"
	httpx "github.com/byte4byte/b4b/internal/http"
	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/internal/metrics"
	"github.com/byte4byte/b4b/internal/ray"
	"github.com/byte4byte/b4b/internal/sink"
	"github.com/byte4byte/b4b/internal/store"
	"github.com/byte4byte/b4b/pkg/config"
)

const connectInterval = 2 * time.Second

// skipHeaders never describe the client: the front proxy or the gateway
// set them.
func skipHeaders() []string {
	return append(append([]string{}, ray.AppHeaders...), "Cookie", httpx.HeaderClientIP)
}

// app owns every long-lived dependency of the process.
type app struct {
	log *slog.Logger

	kv     store.Expiring
	redis  *store.Redis
	db     *sql.DB
	mirror *store.Mirror
	sinks  *sink.Fanout

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	handler  http.Handler
	gateway  *httpx.Server
	ops      *metrics.Server
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log, registry: metrics.NewRegistry()}
	a.metrics = metrics.New(a.registry)
	if err := a.wire(ctx, cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg config.Config) error {
	log := a.log

	var checks []metrics.Check
	if err := a.openStores(ctx, cfg); err != nil {
		return err
	}
	if a.redis != nil {
		checks = append(checks, metrics.Check{Name: "redis", Probe: a.redis.Ping})
	}
	var rel store.Relational = store.Nop{}
	if a.db != nil {
		checks = append(checks, metrics.Check{Name: "postgres", Probe: a.db.PingContext})
		a.mirror = store.NewMirror(store.NewPostgres(a.db), cfg.MirrorQueueSize, log.With(logger.Component("mirror")),
			store.WithMirrorErrorHook(a.metrics.IncrementMirrorErrors))
		rel = a.mirror
	}

	a.sinks = newSinks(cfg, a.db, a.metrics, log)

	rt, err := a.newRouter(cfg, rel)
	if err != nil {
		return err
	}
	a.handler = httpx.NewHandler(rt, log)
	a.gateway = httpx.NewServer(cfg.ServerAddr, a.handler, log)
	ops, err := metrics.NewServer(metrics.Config{
		Enabled:  cfg.Metrics.Enabled,
		Addr:     cfg.Metrics.Addr,
		TLSCert:  cfg.Metrics.TLSCert,
		TLSKey:   cfg.Metrics.TLSKey,
		ClientCA: cfg.Metrics.ClientCA,
	}, a.registry, log, checks...)
	if err != nil {
		return err
	}
	a.ops = ops
	return nil
}

// openStores connects redis (or falls back to process memory) and, when
// configured, postgres with migrations applied.
func (a *app) openStores(ctx context.Context, cfg config.Config) error {
	if cfg.RedisURL == "" {
		a.log.Warn("REDIS_URL is empty, sessions live in process memory")
		a.kv = store.NewMemory()
	} else {
		r, err := store.ConnectRedis(ctx, store.RedisConfig{
			URL:           cfg.RedisURL,
			RetryAttempts: cfg.DBConnectTries,
			RetryInterval: connectInterval,
			ScanBatchSize: cfg.RedisScanBatch,
		})
		if err != nil {
			return err
		}
		a.redis, a.kv = r, r
	}

	if cfg.DatabaseURL == "" {
		return nil
	}
	db, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.DBConnectTries, connectInterval)
	if err != nil {
		return err
	}
	a.db = db
	return store.Migrate(ctx, db)
}

func newSinks(cfg config.Config, db *sql.DB, m *metrics.Metrics, log *slog.Logger) *sink.Fanout {
	var sinks []sink.Sink
	for _, name := range cfg.Outputs {
		l := log.With(logger.Component("sink"), slog.String("sink", name))
		switch name {
		case "log":
			sinks = append(sinks, sink.NewLogSink(cfg.EventLogPath, l))
		case "kafka":
			sinks = append(sinks, sink.NewKafkaSink(sink.KafkaConfig{
				Brokers:       cfg.Kafka.Brokers,
				Topic:         cfg.Kafka.Topic,
				Acks:          cfg.Kafka.Acks,
				Compression:   cfg.Kafka.Compression,
				SASLMechanism: cfg.Kafka.SASLMechanism,
				SASLUser:      cfg.Kafka.SASLUser,
				SASLPassword:  cfg.Kafka.SASLPassword,
				TLSCAPath:     cfg.Kafka.TLSCAPath,
				TLSSkipVerify: cfg.Kafka.TLSSkipVerify,
			}, l, m.IncrementSinkErrors))
		case "postgres":
			sinks = append(sinks, sink.NewPGSink(db, sink.PGConfig{
				Table:         cfg.PGSink.Table,
				BatchSize:     cfg.PGSink.BatchSize,
				FlushInterval: cfg.PGSink.FlushInterval,
				UseCopy:       cfg.PGSink.UseCopy,
			}, l))
		}
	}
	return sink.NewFanout(m.IncrementSinkErrors, sinks...)
}

func (a *app) newRouter(cfg config.Config, rel store.Relational) (*httpx.Router, error) {
	codec, err := crypto.NewCodec(cfg.Cipher)
	if err != nil {
		return nil, err
	}
	hook := challenge.WithGenerateHook(a.metrics.ObserveGenerate)
	gw := &httpx.Gateway{
		Full: challenge.NewPool(challenge.Full(), a.kv, nil, challenge.PoolConfig{
			Amount: cfg.FullAmount, Lifetime: cfg.FullLifetime, Cipher: cfg.Cipher,
		}, a.log, hook),
		Inject: challenge.NewPool(challenge.Inject(), a.kv, nil, challenge.PoolConfig{
			Amount: cfg.InjectAmount, Lifetime: cfg.InjectLifetime, Cipher: cfg.Cipher,
		}, a.log, hook),
		Codec:             codec,
		Classifier:        classifier.New(cfg.ClassifierURL, cfg.ClassifierTimeout),
		Tables:            cfg.Routes.Scoring,
		Store:             a.kv,
		Events:            a.sinks,
		Analyzer:          detection.NewAnalyzer(detection.NewStoreTracker(a.kv, cfg.TimingTTL), skipHeaders(), a.log),
		Metrics:           a.metrics,
		Cookies:           ray.NewCookieCodec(cfg.CookieName, cfg.CookieSecret, 2*cfg.RayLifetime, cfg.CookieSecure),
		Log:               a.log.With(logger.Component("gateway")),
		TrustProxy:        cfg.TrustProxy,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		InjectMissedLimit: cfg.InjectMissedLimit,
		HumanThreshold:    cfg.MLHumanThreshold,
	}

	rules := cfg.Routes.Detection.Rules()
	verifiers := make(map[string]*ray.Verifier, len(cfg.Routes.Groups))
	for _, gc := range cfg.Routes.Groups {
		lifetime := gc.Lifetime
		if lifetime <= 0 {
			lifetime = cfg.RayLifetime
		}
		g, err := ray.NewGroup(ray.GroupConfig{
			Name:      gc.Name,
			Mode:      ray.Mode(gc.Mode),
			Whitelist: gc.Whitelist,
			Lifetime:  lifetime,
			IDLength:  cfg.RayIDLength,
		}, a.kv, rel, a.log)
		if err != nil {
			return nil, err
		}
		verifiers[gc.Name] = ray.NewVerifier(g, rules)
	}

	rt := httpx.NewRouter()
	for _, ep := range cfg.Routes.Endpoints {
		v, ok := verifiers[ep.Group]
		if !ok {
			return nil, fmt.Errorf("%w: endpoint %s: unknown group %q", config.ErrInvalid, ep.Host, ep.Group)
		}
		origin, err := httpx.NewOrigin(ep.Origin, cfg.OriginTimeout, cfg.OriginInsecure)
		if err != nil {
			return nil, err
		}
		rt.Handle(ep.Host, gw.NewEndpoint(ep.Host, v, origin))
	}
	return rt, nil
}

func (a *app) start(ctx context.Context) error {
	if a.mirror != nil {
		if err := a.mirror.Start(ctx); err != nil {
			return fmt.Errorf("start mirror: %w", err)
		}
	}
	return a.sinks.Start(ctx)
}

// close releases everything in reverse dependency order. Safe on a
// partially built app.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.sinks != nil {
		if err := a.sinks.Close(); err != nil {
			a.log.Warn("sink close", logger.Error(err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(ctx); err != nil {
			a.log.Warn("mirror close", logger.Error(err))
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
