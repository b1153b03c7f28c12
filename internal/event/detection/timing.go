package detection

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/byte4byte/b4b/internal/store"
)

// TimingTracker remembers when an address was last seen.
type TimingTracker interface {
	// Swap records now and returns the previous timestamp, if any.
	Swap(ctx context.Context, ip string, now time.Time) (time.Time, bool, error)
}

// StoreTracker keeps last-seen times in the expiring store so every
// gateway instance shares them.
type StoreTracker struct {
	store store.Expiring
	ttl   time.Duration
}

// NewStoreTracker creates a tracker whose entries expire after ttl
// (10 minutes when ttl is not positive).
func NewStoreTracker(s store.Expiring, ttl time.Duration) *StoreTracker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StoreTracker{store: s, ttl: ttl}
}

func timingKey(ip string) string { return "timing:" + ip }

func (t *StoreTracker) Swap(ctx context.Context, ip string, now time.Time) (time.Time, bool, error) {
	var prev time.Time
	found := false
	raw, err := t.store.Get(ctx, timingKey(ip))
	switch {
	case err == nil:
		if ns, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			prev, found = time.Unix(0, ns), true
		}
	case !errors.Is(err, store.ErrNotFound):
		return time.Time{}, false, err
	}
	if err := t.store.Set(ctx, timingKey(ip), []byte(strconv.FormatInt(now.UnixNano(), 10)), t.ttl); err != nil {
		return prev, found, err
	}
	return prev, found, nil
}

func analyzeTiming(prev time.Time, found bool, now time.Time) TimingAnalysis {
	var a TimingAnalysis
	if !found {
		return a
	}
	interval := now.Sub(prev)
	a.HasPreviousRequest = true
	a.RequestInterval = float64(interval.Nanoseconds()) / 1e6
	if a.RequestInterval > 0 {
		a.RequestsPerSecond = 1000.0 / a.RequestInterval
	}
	// Scripted clients tend to fire on round intervals.
	ms := interval.Milliseconds()
	if ms > 0 {
		for _, p := range []int64{1000, 500, 100, 50, 10} {
			if ms%p == 0 {
				a.IntervalPrecision = int(p)
				break
			}
		}
	}
	return a
}
