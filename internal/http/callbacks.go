package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/byte4byte/b4b/internal/challenge"
	"github.com/byte4byte/b4b/internal/classifier"
	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/internal/ray"
	"github.com/byte4byte/b4b/internal/scoring"
)

// injectMessage is the decrypted body the passive script posts.
type injectMessage struct {
	Event   string         `json:"event"`
	Session string         `json:"session"`
	Data    map[string]any `json:"data"`
	Env     map[string]any `json:"env,omitempty"`
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"ok": true}`)
}

func outcome(bot bool) string {
	if bot {
		return ray.RequestBot
	}
	return ray.RequestHuman
}

// open reads and decrypts a callback body sealed with the script's key.
func (e *Endpoint) open(w http.ResponseWriter, r *http.Request, s *challenge.Script) (body, plain []byte, err error) {
	body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, e.gw.MaxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read callback: %w", err)
	}
	plain, err = e.gw.Codec.Decrypt(s.Key, body)
	if err != nil {
		return body, nil, err
	}
	return body, plain, nil
}

// fullCallback scores the interstitial's environment report.
func (e *Endpoint) fullCallback(w http.ResponseWriter, r *http.Request, rr *ray.Ray, s *challenge.Script) {
	ctx := r.Context()
	g := e.group()
	body, plain, err := e.open(w, r, s)
	var data map[string]any
	if err == nil {
		err = json.Unmarshal(plain, &data)
	}
	if err != nil {
		e.log.Warn("malformed full callback", logger.Ray(rr.ShortID()), logger.Error(err))
		writeOK(w)
		return
	}

	table := e.gw.Tables.Full
	tel := scoring.NewTelemetry(data, s.Fields())
	res := scoring.Score(table, tel, rr.Facts.UserAgent)
	bot := res.Bot(table)
	rr.SetScore(res)
	rr.RequestType = outcome(bot)
	rr.InjectMissed, rr.InjectCompleted = 0, false
	switch {
	case g.Mode() == ray.Observe:
		rr.Status = ray.JSChallenge
	case bot:
		rr.Status = ray.Blocked
	default:
		rr.Status = ray.Verified
	}
	rr.Logf("Full challenge score %d", res.Score)
	if err := g.Save(ctx, rr); err != nil {
		e.fail(w, r, rr, err)
		return
	}
	e.log.Info("full challenge scored", logger.Ray(rr.ShortID()), logger.Status(string(rr.Status)),
		slog.Int("score", res.Score), slog.Any("signals", res.Signals()))
	e.gw.Metrics.ObserveVerdict(g.Name(), "full", outcome(bot))

	ev := event.New(event.TypeFullCallback, rr, e.gw.now())
	ev.Telemetry = tel.Map()
	ev.WithScore(table, res)
	e.emit(ctx, r, ev, body)
	writeOK(w)
}

// injectCallback handles one telemetry message from the passive script.
func (e *Endpoint) injectCallback(w http.ResponseWriter, r *http.Request, rr *ray.Ray, s *challenge.Script) {
	ctx := r.Context()
	g := e.group()
	body, plain, err := e.open(w, r, s)
	var msg injectMessage
	if err == nil {
		err = json.Unmarshal(plain, &msg)
	}
	if err == nil {
		err = msg.validate()
	}
	if err != nil {
		e.log.Warn("malformed inject callback", logger.Ray(rr.ShortID()), logger.Error(err))
		writeOK(w)
		return
	}

	ev := event.New(msg.Event, rr, e.gw.now())
	ev.Session = msg.Session
	ev.Telemetry = msg.Data

	switch msg.Event {
	case event.TypeSessionStart:
		if msg.Env != nil {
			e.scoreEnvironment(rr, s, msg.Env, &ev)
		}
	case event.TypeSessionEnd:
		first, err := e.gw.Store.SetNX(ctx, endMarker(g.Name(), rr.ID, msg.Session), []byte("1"), g.Lifetime())
		if err != nil {
			e.log.Warn("session end marker failed", logger.Ray(rr.ShortID()), logger.Error(err))
		}
		if err == nil && !first {
			writeOK(w)
			return
		}
		e.classify(ctx, rr, msg.Data, &ev)
	}

	// Any authentic message proves the script runs in this browser.
	rr.InjectCompleted = true
	if err := g.Save(ctx, rr); err != nil {
		e.fail(w, r, rr, err)
		return
	}
	ev.Ray.Status = string(rr.Status)
	ev.Ray.RequestType = rr.RequestType
	e.emit(ctx, r, ev, body)
	writeOK(w)
}

func (m injectMessage) validate() error {
	switch m.Event {
	case event.TypeSessionStart, event.TypeHeartbeat, event.TypeSessionEnd:
	default:
		return fmt.Errorf("unknown inject event %q", m.Event)
	}
	if m.Session == "" {
		return errors.New("inject message without session")
	}
	return nil
}

func endMarker(group, rayID, session string) string {
	return "inject:end:" + group + ":" + rayID + ":" + session
}

// scoreEnvironment scores the snapshot sent with session_start using the
// inject table. Only bots are labelled; a clean snapshot proves little.
func (e *Endpoint) scoreEnvironment(rr *ray.Ray, s *challenge.Script, env map[string]any, ev *event.Event) {
	table := e.gw.Tables.Inject
	tel := scoring.NewTelemetry(env, s.Fields())
	res := scoring.Score(table, tel, rr.Facts.UserAgent)
	rr.SetScore(res)
	ev.Env = tel.Map()
	ev.WithScore(table, res)

	bot := res.Bot(table)
	e.gw.Metrics.ObserveVerdict(rr.Group, "inject", outcome(bot))
	if !bot {
		return
	}
	rr.RequestType = ray.RequestBot
	rr.Logf("Inject environment score %d", res.Score)
	if e.group().Mode() == ray.Enforce {
		rr.Status = ray.FullJSChallenge
	}
}

// classify asks the model for the probability that the session was human.
// An unavailable model leaves the session unlabelled.
func (e *Endpoint) classify(ctx context.Context, rr *ray.Ray, data map[string]any, ev *event.Event) {
	features := scoring.Features(data)
	ev.Features = features
	p, err := e.gw.Classifier.Predict(ctx, features)
	if err != nil {
		if !errors.Is(err, classifier.ErrUnavailable) {
			e.log.Warn("classifier failed", logger.Ray(rr.ShortID()), logger.Error(err))
		}
		return
	}
	rr.MLProbability = &p
	ev.Probability = &p

	bot := p < e.gw.HumanThreshold
	rr.RequestType = outcome(bot)
	if bot {
		rr.Logf("Classifier human probability %.3f", p)
		if e.group().Mode() == ray.Enforce {
			rr.Status = ray.FullJSChallenge
		}
	}
	e.gw.Metrics.ObserveVerdict(rr.Group, "ml", outcome(bot))
}
