// Package ray tracks visitor sessions ("rays") and decides how much each
// one is trusted.
package ray

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/byte4byte/b4b/internal/crypto"
	"github.com/byte4byte/b4b/internal/scoring"
	"github.com/byte4byte/b4b/internal/store"
)

// Status is the trust level of a session.
type Status string

const (
	Unverified      Status = "unverified"
	Verifying       Status = "verifying"
	Verified        Status = "verified"
	JSChallenge     Status = "js_challenge"
	FullJSChallenge Status = "full_js_challenge"
	Blocked         Status = "blocked"
)

// ParseStatus maps stored values back to a Status; unknown values load as
// Unverified.
func ParseStatus(s string) Status {
	switch st := Status(s); st {
	case Unverified, Verifying, Verified, JSChallenge, FullJSChallenge, Blocked:
		return st
	}
	return Unverified
}

func (s Status) String() string { return string(s) }

// Pending reports whether the classifier still has to run.
func (s Status) Pending() bool {
	return s == Unverified || s == Verifying
}

// Request types label sessions for analytics and model training.
const (
	RequestHuman = "human"
	RequestBot   = "bot"
)

// Facts are the per-request identity signals of a session.
type Facts struct {
	IP             string `json:"ip"`
	UserAgent      string `json:"user-agent"`
	JA4Fingerprint string `json:"ja4_fingerprint"`
	JA4App         string `json:"ja4_app,omitempty"`
	JA4Raw         string `json:"ja4_raw,omitempty"`
}

// Ray is one visitor session.
type Ray struct {
	ID     string
	Group  string
	Status Status

	// Facts come from the current request; Prior holds those persisted by
	// the previous pass and is nil for a fresh session.
	Facts Facts
	Prior *Facts

	// Score and ScoreLogs are set only when a callback was scored during
	// this pass.
	Score          *int
	ScoreLogs      []scoring.LogEntry
	SavedScore     *int
	SavedScoreLogs []scoring.LogEntry

	AppAccuracy *float64
	VerifyLogs  []string

	FullChallengeID   string
	InjectChallengeID string

	RequestType   string
	MLProbability *float64

	// InjectMissed counts responses the inject script could not ride on
	// since the session last entered js_challenge.
	InjectMissed int
	// InjectCompleted is set once any valid inject message (session_start,
	// heartbeat or session_end) arrived, i.e. the script runs and reports.
	InjectCompleted bool

	CreateTime int64
	UpdateTime int64

	// mirrored is set once the relational row exists.
	mirrored bool
}

// NewID returns a fresh session id: n random alphanumerics, a dot and the
// creation time in nanoseconds.
func NewID(n int, now time.Time) string {
	return crypto.RandomString(n) + "." + strconv.FormatInt(now.UnixNano(), 10)
}

// ShortID is the user-visible form of the id shown on error pages.
func (r *Ray) ShortID() string {
	return ShortID(r.ID)
}

// ShortID returns the first 12 characters of id followed by its time
// suffix.
func ShortID(id string) string {
	head, suffix, _ := strings.Cut(id, ".")
	if len(head) > 12 {
		head = head[:12]
	}
	return head + suffix
}

// Logf appends a verification reason.
func (r *Ray) Logf(format string, args ...any) {
	r.VerifyLogs = append(r.VerifyLogs, fmt.Sprintf(format, args...))
}

// SetScore records a callback score for this pass.
func (r *Ray) SetScore(res scoring.Result) {
	score := res.Score
	r.Score = &score
	r.ScoreLogs = res.Logs
}

// CurrentScore is the score that will be persisted.
func (r *Ray) CurrentScore() (*int, []scoring.LogEntry) {
	if r.Score != nil {
		return r.Score, r.ScoreLogs
	}
	return r.SavedScore, r.SavedScoreLogs
}

type record struct {
	ID                string             `json:"id"`
	Status            Status             `json:"status"`
	Score             *int               `json:"score"`
	ScoreLogs         []scoring.LogEntry `json:"scoreLogs"`
	AppAccuracy       *float64           `json:"appAccuracy"`
	FullChallengeID   string             `json:"fullChallengeId,omitempty"`
	InjectChallengeID string             `json:"injectChallengeId,omitempty"`
	VerifyLogs        []string           `json:"verifyLogs"`
	CreateTime        int64              `json:"createTime"`
	UpdateTime        int64              `json:"updateTime"`
	RequestType       string             `json:"requestType,omitempty"`
	MLProbability     *float64           `json:"mlProbability,omitempty"`
	InjectMissed      int                `json:"injectMissed,omitempty"`
	InjectCompleted   bool               `json:"injectCompleted,omitempty"`
	Mirrored          bool               `json:"mirrored,omitempty"`
	Request           Facts              `json:"request"`
}

// MarshalJSON is the stored form of a session.
func (r *Ray) MarshalJSON() ([]byte, error) {
	score, logs := r.CurrentScore()
	return json.Marshal(record{
		ID:                r.ID,
		Status:            r.Status,
		Score:             score,
		ScoreLogs:         logs,
		AppAccuracy:       r.AppAccuracy,
		FullChallengeID:   r.FullChallengeID,
		InjectChallengeID: r.InjectChallengeID,
		VerifyLogs:        r.VerifyLogs,
		CreateTime:        r.CreateTime,
		UpdateTime:        r.UpdateTime,
		RequestType:       r.RequestType,
		MLProbability:     r.MLProbability,
		InjectMissed:      r.InjectMissed,
		InjectCompleted:   r.InjectCompleted,
		Mirrored:          r.mirrored,
		Request:           r.Facts,
	})
}

// load restores a stored session. The current request's facts are kept;
// the stored ones become Prior.
func (r *Ray) load(raw []byte) error {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("ray: decode session: %w", err)
	}
	r.ID = rec.ID
	r.Status = ParseStatus(string(rec.Status))
	r.SavedScore = rec.Score
	r.SavedScoreLogs = rec.ScoreLogs
	r.AppAccuracy = rec.AppAccuracy
	r.FullChallengeID = rec.FullChallengeID
	r.InjectChallengeID = rec.InjectChallengeID
	if rec.CreateTime != 0 {
		r.CreateTime = rec.CreateTime
	}
	r.UpdateTime = rec.UpdateTime
	r.RequestType = rec.RequestType
	r.MLProbability = rec.MLProbability
	r.InjectMissed = rec.InjectMissed
	r.InjectCompleted = rec.InjectCompleted
	r.mirrored = rec.Mirrored
	prior := rec.Request
	r.Prior = &prior
	return nil
}

// SessionRecord converts the session into its relational row.
func (r *Ray) SessionRecord() store.SessionRecord {
	score, logs := r.CurrentScore()
	rec := store.SessionRecord{
		UUID:              r.ID,
		Group:             r.Group,
		CreateTime:        r.CreateTime,
		UpdateTime:        r.UpdateTime,
		Status:            string(r.Status),
		IP:                r.Facts.IP,
		UserAgent:         r.Facts.UserAgent,
		FullChallengeID:   r.FullChallengeID,
		InjectChallengeID: r.InjectChallengeID,
		RequestType:       r.RequestType,
		Score:             score,
		VerifyLogs:        r.VerifyLogs,
	}
	if len(logs) > 0 {
		rec.ScoreLogs = logs
	}
	extra := map[string]any{}
	if r.Facts.JA4Fingerprint != "" {
		extra["ja4_fingerprint"] = r.Facts.JA4Fingerprint
	}
	if r.Facts.JA4App != "" {
		extra["ja4_app"] = r.Facts.JA4App
	}
	if r.AppAccuracy != nil {
		extra["app_accuracy"] = *r.AppAccuracy
	}
	if r.MLProbability != nil {
		extra["ml_probability"] = *r.MLProbability
	}
	if r.InjectMissed > 0 {
		extra["inject_missed"] = r.InjectMissed
	}
	if len(extra) > 0 {
		rec.Extra = extra
	}
	return rec
}
