// Package detection gathers raw server-side bot signals from a request.
package detection

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/byte4byte/b4b/internal/logger"
)

// Analyzer collects Signals. Its tracker may be nil, in which case timing
// is left empty.
type Analyzer struct {
	tracker TimingTracker
	skip    map[string]bool
	log     *slog.Logger
	now     func() time.Time
}

// NewAnalyzer ignores skipHeaders (front-proxy and gateway headers) in the
// header fingerprint and ordering.
func NewAnalyzer(tracker TimingTracker, skipHeaders []string, log *slog.Logger) *Analyzer {
	skip := make(map[string]bool, len(skipHeaders))
	for _, h := range skipHeaders {
		skip[http.CanonicalHeaderKey(h)] = true
	}
	return &Analyzer{tracker: tracker, skip: skip, log: log, now: time.Now}
}

// Analyze inspects r. clientIP is the address the gateway attributed the
// request to; body is the request body when it was read.
func (a *Analyzer) Analyze(ctx context.Context, r *http.Request, clientIP string, body []byte) Signals {
	s := Signals{
		HeaderFingerprint: headerFingerprint(r.Header, a.skip),
		Headers:           analyzeHeaders(r.Header, a.skip),
		Request: RequestInfo{
			RequestSize: len(body),
			UserAgent:   analyzeUserAgent(r.UserAgent()),
		},
	}
	if len(body) > 0 {
		s.Request.PayloadEntropy = entropy(body)
	}
	if a.tracker != nil && clientIP != "" {
		now := a.now()
		prev, found, err := a.tracker.Swap(ctx, clientIP, now)
		if err != nil {
			a.log.Debug("timing tracker unavailable", logger.Error(err))
		}
		s.Timing = analyzeTiming(prev, found, now)
	}
	return s
}
