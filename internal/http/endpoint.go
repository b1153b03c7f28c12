package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/byte4byte/b4b/internal/challenge"
	"github.com/byte4byte/b4b/internal/classifier"
	"github.com/byte4byte/b4b/internal/crypto"
	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/event/detection"
	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/internal/metrics"
	"github.com/byte4byte/b4b/internal/ray"
	"github.com/byte4byte/b4b/internal/scoring"
	"github.com/byte4byte/b4b/internal/store"
)

// Emitter accepts events for delivery.
type Emitter interface {
	Enqueue(e event.Event) error
}

// Gateway holds what every endpoint shares.
type Gateway struct {
	Full       *challenge.Pool
	Inject     *challenge.Pool
	Codec      crypto.Codec
	Classifier classifier.Classifier
	Tables     scoring.Tables
	// Store keeps the session_end markers.
	Store    store.Expiring
	Events   Emitter
	Analyzer *detection.Analyzer
	Metrics  *metrics.Metrics
	Cookies  ray.CookieCodec
	Log      *slog.Logger

	TrustProxy        bool
	MaxBodyBytes      int64
	InjectMissedLimit int
	HumanThreshold    float64

	Now func() time.Time
}

func (gw *Gateway) now() time.Time {
	if gw.Now != nil {
		return gw.Now()
	}
	return time.Now()
}

// Endpoint serves one protected host.
type Endpoint struct {
	host     string
	verifier *ray.Verifier
	origin   *Origin
	gw       *Gateway
	log      *slog.Logger
}

func (gw *Gateway) NewEndpoint(host string, v *ray.Verifier, origin *Origin) *Endpoint {
	return &Endpoint{
		host:     host,
		verifier: v,
		origin:   origin,
		gw:       gw,
		log:      gw.Log.With(logger.Host(host), logger.Group(v.Group().Name())),
	}
}

func (e *Endpoint) group() *ray.Group { return e.verifier.Group() }

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g := e.group()

	raw, id := e.gw.Cookies.Read(r)
	rr, err := g.Resolve(ctx, id, ray.FactsFromRequest(r, e.gw.TrustProxy))
	if err != nil {
		e.fail(w, r, nil, err)
		return
	}
	before := rr.Status
	status, err := e.verifier.Verify(ctx, rr)
	if err != nil {
		e.fail(w, r, rr, err)
		return
	}
	if raw != e.gw.Cookies.Encode(rr.ID) {
		c := e.gw.Cookies.Cookie(rr.ID)
		c.MaxAge = int((2 * g.Lifetime()).Seconds())
		http.SetCookie(w, c)
	}
	if status != before {
		e.gw.Metrics.ObserveVerdict(g.Name(), "classifier", string(status))
		e.emit(ctx, r, event.New(event.TypeVerdict, rr, e.gw.now()), nil)
	}
	g.Audit(ctx, rr, r.Method, r.URL.String())
	e.gw.Metrics.ObserveRequest(g.Name(), string(status))

	switch status {
	case ray.Verified, ray.JSChallenge:
		e.serveInject(w, r, rr)
	case ray.FullJSChallenge:
		e.serveFull(w, r, rr)
	case ray.Blocked:
		writePage(w, http.StatusForbidden, pageBlocked, map[string]string{"RAY_ID": rr.ShortID()})
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "Sorry! Status: "+string(status)+". Ray ID: "+rr.ShortID())
	}
}

// fail answers an internal error. A request whose client went away gets
// the same page but is not worth a warning.
func (e *Endpoint) fail(w http.ResponseWriter, r *http.Request, rr *ray.Ray, err error) {
	short := "-"
	if rr != nil {
		short = rr.ShortID()
	}
	if errors.Is(r.Context().Err(), context.Canceled) {
		e.log.Debug("client disconnected", logger.Ray(short), logger.Error(err))
	} else {
		e.log.Error("request failed", logger.Ray(short), logger.Error(err))
	}
	writePage(w, http.StatusServiceUnavailable, pageUnavailable, map[string]string{"RAY_ID": short})
}

// bind persists a newly acquired artifact key on the session.
func (e *Endpoint) bind(ctx context.Context, rr *ray.Ray, bound *string, s *challenge.Script) error {
	if *bound == s.Key {
		return nil
	}
	*bound = s.Key
	return e.group().Save(ctx, rr)
}

func (e *Endpoint) serveInject(w http.ResponseWriter, r *http.Request, rr *ray.Ray) {
	ctx := r.Context()
	var script *challenge.Script
	if rr.Status == ray.JSChallenge {
		s, err := e.gw.Inject.Acquire(ctx, rr.InjectChallengeID)
		if err != nil {
			e.fail(w, r, rr, err)
			return
		}
		if err := e.bind(ctx, rr, &rr.InjectChallengeID, s); err != nil {
			e.fail(w, r, rr, err)
			return
		}
		script = s
	} else if rr.InjectChallengeID != "" {
		// Verified sessions keep answering the script they were given so
		// in-flight telemetry still lands.
		s, err := e.gw.Inject.Lookup(ctx, rr.InjectChallengeID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("inject artifact lookup failed", logger.Ray(rr.ShortID()), logger.Error(err))
		}
		script = s
	}

	if script != nil {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/"+script.Filename():
			e.serveScript(w, script)
			return
		case r.Method == http.MethodPost && r.URL.Path == script.Endpoint():
			e.injectCallback(w, r, rr, script)
			return
		}
	}
	e.proxy(w, r, rr, script)
}

func (e *Endpoint) serveScript(w http.ResponseWriter, s *challenge.Script) {
	body := `var SESSION_ID="` + crypto.RandomString(32) + `";` + s.Code
	h := w.Header()
	h.Set("Content-Type", "text/javascript; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (e *Endpoint) serveFull(w http.ResponseWriter, r *http.Request, rr *ray.Ray) {
	ctx := r.Context()
	script, err := e.gw.Full.Acquire(ctx, rr.FullChallengeID)
	if err != nil {
		e.fail(w, r, rr, err)
		return
	}
	if err := e.bind(ctx, rr, &rr.FullChallengeID, script); err != nil {
		e.fail(w, r, rr, err)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == script.Endpoint() {
		e.fullCallback(w, r, rr, script)
		return
	}
	writePage(w, http.StatusForbidden, pageChallenge, map[string]string{
		"RAY_ID": rr.ShortID(),
		"SCRIPT": script.Code,
	})
}

// proxy forwards to the origin. While the session is in js_challenge the
// inject script rides along on HTML responses; other responses count as
// missed.
func (e *Endpoint) proxy(w http.ResponseWriter, r *http.Request, rr *ray.Ray, script *challenge.Script) {
	ctx := r.Context()
	start := e.gw.now()
	resp, err := e.origin.Do(ctx, r, rr.Facts.IP, e.gw.Cookies.Name)
	e.gw.Metrics.ObserveProxy(e.host, e.gw.now().Sub(start), err)
	if err != nil {
		if ctx.Err() != nil {
			e.fail(w, r, rr, err)
			return
		}
		e.log.Warn("origin request failed", logger.Ray(rr.ShortID()), logger.Error(err))
		writePage(w, http.StatusBadGateway, pageBadGateway, map[string]string{
			"RAY_ID":        rr.ShortID(),
			"ENDPOINT_HOST": e.host,
		})
		return
	}
	defer resp.Body.Close()

	challenged := rr.Status == ray.JSChallenge && script != nil && r.Method != http.MethodHead
	if !challenged {
		if err := streamUpstream(w, resp); err != nil {
			e.log.Debug("response copy interrupted", logger.Ray(rr.ShortID()), logger.Error(err))
		}
		return
	}

	if isHTML(resp.Header.Get("Content-Type")) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			e.log.Warn("origin body read failed", logger.Ray(rr.ShortID()), logger.Error(err))
			writePage(w, http.StatusBadGateway, pageBadGateway, map[string]string{
				"RAY_ID":        rr.ShortID(),
				"ENDPOINT_HOST": e.host,
			})
			return
		}
		writeUpstream(w, resp, injectScript(body, script.Filename()))
		return
	}

	if err := streamUpstream(w, resp); err != nil {
		e.log.Debug("response copy interrupted", logger.Ray(rr.ShortID()), logger.Error(err))
	}
	e.countMissed(context.WithoutCancel(ctx), r, rr)
}

// countMissed records a response the inject script could not ride on and,
// in an enforcing group, escalates once too many passed without any
// telemetry.
func (e *Endpoint) countMissed(ctx context.Context, r *http.Request, rr *ray.Ray) {
	rr.InjectMissed++
	escalate := e.group().Mode() == ray.Enforce &&
		rr.InjectMissed >= e.gw.InjectMissedLimit && !rr.InjectCompleted
	if escalate {
		rr.Status = ray.FullJSChallenge
		rr.Logf("No inject telemetry after %d responses", rr.InjectMissed)
	}
	if err := e.group().Save(ctx, rr); err != nil {
		e.log.Warn("session save failed", logger.Ray(rr.ShortID()), logger.Error(err))
		return
	}
	if escalate {
		e.gw.Metrics.ObserveVerdict(rr.Group, "inject", "missed")
		e.emit(ctx, r, event.New(event.TypeVerdict, rr, e.gw.now()), nil)
	}
}

// emit enriches and publishes an event. Delivery failures are logged only.
func (e *Endpoint) emit(ctx context.Context, r *http.Request, ev event.Event, body []byte) {
	if e.gw.Events == nil {
		return
	}
	event.Enrich(ctx, r, &ev, e.gw.Analyzer, "", body)
	if err := e.gw.Events.Enqueue(ev); err != nil {
		e.log.Warn("event delivery failed", slog.String("type", ev.Type), logger.Error(err))
	}
	e.gw.Metrics.IncrementEvents(ev.Type)
}
