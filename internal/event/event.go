// Package event defines the envelope the gateway emits to sinks for every
// verdict and every inject telemetry message.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/byte4byte/b4b/internal/event/detection"
	"github.com/byte4byte/b4b/internal/ray"
	"github.com/byte4byte/b4b/internal/scoring"
)

// Event types.
const (
	TypeVerdict      = "verdict"
	TypeFullCallback = "full_callback"
	TypeSessionStart = "session_start"
	TypeHeartbeat    = "heartbeat"
	TypeSessionEnd   = "session_end"
)

// Envelope. Optional fields are omitted when empty.
type Event struct {
	EventID string `json:"event_id"`
	TS      string `json:"ts"` // RFC3339Nano
	Type    string `json:"type"`
	Group   string `json:"group"`

	Ray     RayInfo `json:"ray"`
	Session string  `json:"session,omitempty"` // inject session nonce

	// Telemetry is the decrypted client payload keyed by logical name.
	Telemetry map[string]any     `json:"telemetry,omitempty"`
	Env       map[string]any     `json:"env,omitempty"`
	Score     *ScoreInfo         `json:"score,omitempty"`
	Features  map[string]float64 `json:"features,omitempty"`

	Probability *float64 `json:"ml_probability,omitempty"`

	Server ServerMeta `json:"server"`
}

// RayInfo is the session snapshot at emit time.
type RayInfo struct {
	ID          string `json:"id"`
	ShortID     string `json:"short_id"`
	Status      string `json:"status"`
	RequestType string `json:"request_type,omitempty"`
	IP          string `json:"ip"`
	UserAgent   string `json:"user_agent,omitempty"`
	JA4         string `json:"ja4,omitempty"`
	JA4App      string `json:"ja4_app,omitempty"`
	CreateTime  int64  `json:"create_time"`
}

type ScoreInfo struct {
	Table string             `json:"table"`
	Value int                `json:"value"`
	Bot   bool               `json:"bot"`
	Logs  []scoring.LogEntry `json:"logs,omitempty"`
}

// --- Server enrich ---

type ServerMeta struct {
	Host        string            `json:"host,omitempty"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	Attribution map[string]string `json:"attribution,omitempty"` // utm_* and ad click ids
	Detection   detection.Signals `json:"detection"`
}

// New builds an event of typ carrying a snapshot of r.
func New(typ string, r *ray.Ray, now time.Time) Event {
	e := Event{
		EventID: uuid.NewString(),
		TS:      now.UTC().Format(time.RFC3339Nano),
		Type:    typ,
		Group:   r.Group,
		Ray: RayInfo{
			ID:          r.ID,
			ShortID:     r.ShortID(),
			Status:      r.Status.String(),
			RequestType: r.RequestType,
			IP:          r.Facts.IP,
			UserAgent:   r.Facts.UserAgent,
			JA4:         r.Facts.JA4Fingerprint,
			JA4App:      r.Facts.JA4App,
			CreateTime:  r.CreateTime,
		},
		Probability: r.MLProbability,
	}
	return e
}

// WithScore attaches a scoring result computed against t.
func (e *Event) WithScore(t scoring.Table, res scoring.Result) {
	e.Score = &ScoreInfo{Table: t.Name, Value: res.Score, Bot: res.Bot(t), Logs: res.Logs}
}

// Key is the partitioning key sinks use so one session's events stay
// ordered.
func (e Event) Key() string { return e.Ray.ID }
