package ray

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/internal/store"
)

var (
	ErrInvalidIP   = errors.New("ray: invalid client ip")
	ErrInvalidCIDR = errors.New("ray: invalid whitelist entry")
	ErrInvalidMode = errors.New("ray: invalid group mode")
)

// Mode decides whether challenge verdicts are acted on.
type Mode string

const (
	// Enforce blocks and challenges according to verdicts.
	Enforce Mode = "enforce"
	// Observe only labels sessions. Verdicts that would block or serve the
	// full challenge leave the session in js_challenge, so visitors get
	// nothing beyond the passive script.
	Observe Mode = "observe"
)

// ParseMode accepts "" as Enforce.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", Enforce:
		return Enforce, nil
	case Observe:
		return Observe, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// GroupConfig describes one tenant namespace.
type GroupConfig struct {
	Name      string
	Mode      Mode
	Whitelist []string
	Lifetime  time.Duration
	IDLength  int
}

// Group owns a namespace of sessions in the expiring store and their
// relational mirror.
type Group struct {
	name      string
	mode      Mode
	whitelist []netip.Prefix
	lifetime  time.Duration
	idLength  int

	store  store.Expiring
	mirror store.Relational
	log    *slog.Logger
	now    func() time.Time
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithGroupClock replaces time.Now.
func WithGroupClock(now func() time.Time) GroupOption {
	return func(g *Group) { g.now = now }
}

// ParsePrefix accepts CIDRs and bare addresses.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// NewGroup creates a group storing sessions in s and mirroring them to
// mirror, which may be nil.
func NewGroup(cfg GroupConfig, s store.Expiring, mirror store.Relational, log *slog.Logger, opts ...GroupOption) (*Group, error) {
	if cfg.Name == "" {
		return nil, errors.New("ray: group name is required")
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if mirror == nil {
		mirror = store.Nop{}
	}
	g := &Group{
		name:     cfg.Name,
		mode:     mode,
		lifetime: cfg.Lifetime,
		idLength: cfg.IDLength,
		store:    s,
		mirror:   mirror,
		log:      log.With(logger.Group(cfg.Name)),
		now:      time.Now,
	}
	if g.lifetime <= 0 {
		g.lifetime = 30 * time.Minute
	}
	if g.idLength <= 0 {
		g.idLength = 256
	}
	for _, entry := range cfg.Whitelist {
		p, err := ParsePrefix(entry)
		if err != nil {
			return nil, err
		}
		g.whitelist = append(g.whitelist, p)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Group) Name() string            { return g.name }
func (g *Group) Mode() Mode              { return g.mode }
func (g *Group) Lifetime() time.Duration { return g.lifetime }
func (g *Group) Logger() *slog.Logger    { return g.log }

// Key is the expiring-store key of a session.
func (g *Group) Key(id string) string {
	return "ray:" + g.name + ":" + id
}

// Whitelisted reports whether addr lies in any whitelist prefix.
func (g *Group) Whitelisted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range g.whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve loads the session named by id or creates a new one. facts are
// the current request's identity signals.
func (g *Group) Resolve(ctx context.Context, id string, facts Facts) (*Ray, error) {
	if id != "" {
		raw, err := g.store.Get(ctx, g.Key(id))
		switch {
		case err == nil:
			r := &Ray{Group: g.name, Facts: facts}
			if err := r.load(raw); err == nil && r.ID == id {
				return r, nil
			}
			g.log.Warn("discarding unreadable session", logger.Ray(ShortID(id)))
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("ray: load session: %w", err)
		}
	}
	return g.create(ctx, facts)
}

func (g *Group) create(ctx context.Context, facts Facts) (*Ray, error) {
	var id string
	for {
		now := g.now()
		id = NewID(g.idLength, now)
		exists, err := g.store.Exists(ctx, g.Key(id))
		if err != nil {
			return nil, fmt.Errorf("ray: probe id: %w", err)
		}
		if !exists {
			break
		}
	}
	now := g.now().UnixNano()
	r := &Ray{
		ID:         id,
		Group:      g.name,
		Status:     Unverified,
		Facts:      facts,
		CreateTime: now,
		UpdateTime: now,
	}
	if err := g.Save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Save persists the session with the group lifetime and mirrors it.
// Mirror failures are logged and never fail the request.
func (g *Group) Save(ctx context.Context, r *Ray) error {
	r.UpdateTime = g.now().UnixNano()
	first := !r.mirrored
	r.mirrored = true
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ray: encode session: %w", err)
	}
	if err := g.store.Set(ctx, g.Key(r.ID), raw, g.lifetime); err != nil {
		return fmt.Errorf("ray: save session: %w", err)
	}

	rec := r.SessionRecord()
	if first {
		err = g.mirror.InsertSession(ctx, rec)
	} else {
		err = g.mirror.UpdateSession(ctx, rec)
	}
	if err != nil {
		g.log.Warn("session mirror write failed", logger.Ray(r.ShortID()), logger.Error(err))
	}
	return nil
}

// Audit records one proxied request against the session.
func (g *Group) Audit(ctx context.Context, r *Ray, method, url string) {
	err := g.mirror.InsertRequestAudit(ctx, store.RequestAudit{
		RayUUID: r.ID,
		Group:   g.name,
		Time:    g.now().UnixNano(),
		Method:  method,
		URL:     url,
		Status:  string(r.Status),
	})
	if err != nil {
		g.log.Warn("request audit failed", logger.Ray(r.ShortID()), logger.Error(err))
	}
}
