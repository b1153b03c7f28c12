// Package metrics exposes the gateway's prometheus collectors and the ops
// server that serves them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the gateway updates.
type Metrics struct {
	// Counters
	Requests            *prometheus.CounterVec
	Verdicts            *prometheus.CounterVec
	ChallengesGenerated *prometheus.CounterVec
	OriginErrors        *prometheus.CounterVec
	EventsEmitted       *prometheus.CounterVec
	SinkErrors          *prometheus.CounterVec
	MirrorErrors        *prometheus.CounterVec

	// Histograms
	GenerateLatency *prometheus.HistogramVec
	ProxyDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b4b_requests_total",
				Help: "Requests handled by group and session status after verification",
			},
			[]string{"group", "status"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b4b_verdicts_total",
				Help: "Challenge verdicts by source (full, inject, ml) and outcome",
			},
			[]string{"group", "source", "outcome"},
		),
		ChallengesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b4b_challenges_generated_total",
				Help: "Challenge scripts generated by kind",
			},
			[]string{"kind"},
		),
		OriginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b4b_origin_errors_total",
				Help: "Failed requests to origins by host",
			},
			[]string{"host"},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b4b_events_emitted_total",
				Help: "Events handed to sinks by type",
			},
			[]string{"type"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b4b_sink_errors_total",
				Help: "Errors writing to a sink",
			},
			[]string{"sink"},
		),
		MirrorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b4b_mirror_errors_total",
				Help: "Relational mirror writes dropped or failed by operation",
			},
			[]string{"op"},
		),
		GenerateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "b4b_challenge_generate_seconds",
				Help:    "Time to render and obfuscate a challenge script",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"kind"},
		),
		ProxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "b4b_proxy_duration_seconds",
				Help:    "Origin round trip duration by host",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"host"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.Requests, m.Verdicts, m.ChallengesGenerated, m.OriginErrors,
			m.EventsEmitted, m.SinkErrors, m.MirrorErrors,
			m.GenerateLatency, m.ProxyDuration,
		)
	}
	return m
}

// NewRegistry returns a registry with the process and Go runtime
// collectors already installed.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (m *Metrics) ObserveRequest(group, status string) {
	m.Requests.WithLabelValues(group, status).Inc()
}

func (m *Metrics) ObserveVerdict(group, source, outcome string) {
	m.Verdicts.WithLabelValues(group, source, outcome).Inc()
}

// ObserveGenerate has the signature of the challenge pool's generate hook.
func (m *Metrics) ObserveGenerate(kind string, d time.Duration) {
	m.ChallengesGenerated.WithLabelValues(kind).Inc()
	m.GenerateLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveProxy(host string, d time.Duration, err error) {
	m.ProxyDuration.WithLabelValues(host).Observe(d.Seconds())
	if err != nil {
		m.OriginErrors.WithLabelValues(host).Inc()
	}
}

func (m *Metrics) IncrementEvents(typ string) {
	m.EventsEmitted.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementMirrorErrors(op string) {
	m.MirrorErrors.WithLabelValues(op).Inc()
}
