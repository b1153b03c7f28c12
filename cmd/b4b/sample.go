package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/internal/metrics"
	"github.com/byte4byte/b4b/internal/ray"
	"github.com/byte4byte/b4b/internal/scoring"
	"github.com/byte4byte/b4b/internal/store"
	"github.com/byte4byte/b4b/pkg/config"
)

// sampleEvents is one synthetic session walking through every event type:
// classified, challenged, then observed by the passive script.
func sampleEvents(now time.Time) []event.Event {
	r := &ray.Ray{
		ID:     ray.NewID(32, now),
		Group:  "sample",
		Status: ray.FullJSChallenge,
		Facts: ray.Facts{
			IP:             "203.0.113.42",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			JA4Fingerprint: "t13d1516h2_8daaf6152771_02713d6af862",
		},
		CreateTime: now.UnixNano(),
	}
	at := func(d time.Duration) time.Time { return now.Add(d) }

	verdict := event.New(event.TypeVerdict, r, at(0))
	verdict.Server.Host = "shop.example"
	verdict.Server.Path = "/"

	r.Status, r.RequestType = ray.Verified, ray.RequestHuman
	full := event.New(event.TypeFullCallback, r, at(3*time.Second))
	full.Telemetry = map[string]any{"CORES": 8, "WEBDRIVER": false, "PLUGINS": 5}
	full.WithScore(scoring.FullTable(), scoring.Result{})

	data := map[string]any{
		"duration_seconds": 18.5,
		"mouse_move_count": 64,
		"click_count":      2,
		"scroll_events":    11,
	}
	start := event.New(event.TypeSessionStart, r, at(4*time.Second))
	start.Session = "sample-session"
	start.Telemetry = data
	heartbeat := event.New(event.TypeHeartbeat, r, at(8*time.Second))
	heartbeat.Session = start.Session
	heartbeat.Telemetry = data

	p := 0.93
	end := event.New(event.TypeSessionEnd, r, at(22*time.Second))
	end.Session = start.Session
	end.Telemetry = data
	end.Features = scoring.Features(data)
	end.Probability = &p

	return []event.Event{verdict, full, start, heartbeat, end}
}

// runSample sends sampleEvents through the configured outputs, which is
// the quickest way to check a Kafka topic or the events table is wired.
func runSample(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	a := &app{log: log}
	a.metrics = metrics.New(nil)
	if cfg.HasOutput("postgres") {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.DBConnectTries, connectInterval)
		if err != nil {
			return err
		}
		a.db = db
	}
	a.sinks = newSinks(cfg, a.db, a.metrics, log)
	defer a.close()
	if err := a.sinks.Start(ctx); err != nil {
		return err
	}

	events := sampleEvents(time.Now())
	for i, e := range events {
		if err := a.sinks.Enqueue(e); err != nil {
			return err
		}
		log.Info("sample event sent", slog.Int("n", i+1), slog.Int("of", len(events)),
			slog.String("type", e.Type), slog.String("event_id", e.EventID))
	}
	log.Info("sample events sent", slog.Any("outputs", a.sinks.Names()), logger.Ray(events[0].Ray.ShortID))
	return nil
}
