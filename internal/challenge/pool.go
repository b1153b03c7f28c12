package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/byte4byte/b4b/internal/crypto"
	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/internal/store"
)

// maxKeyAttempts bounds retries when a fresh key collides with a live one.
const maxKeyAttempts = 8

var ErrKeyExhausted = errors.New("challenge: could not allocate an unused key")

// PoolConfig sizes one kind's pool.
type PoolConfig struct {
	// Amount is the number of live artifacts kept before reuse starts.
	Amount int
	// Lifetime is the artifact TTL in the store.
	Lifetime time.Duration
	// Cipher is the seal algorithm the script uses, "gcm" or "cbc".
	Cipher string
}

// Pool hands out challenge artifacts of one kind. Artifacts live in the
// expiring store; the pool holds no state of its own beyond the
// singleflight group collapsing concurrent generation.
type Pool struct {
	kind   Kind
	store  store.Expiring
	obf    *Obfuscator
	cfg    PoolConfig
	log    *slog.Logger
	sf     singleflight.Group
	newKey func() string

	onGenerate func(kind string, d time.Duration)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithGenerateHook is called after every generated artifact.
func WithGenerateHook(fn func(kind string, d time.Duration)) PoolOption {
	return func(p *Pool) { p.onGenerate = fn }
}

// WithKeySource replaces the random key generator.
func WithKeySource(fn func() string) PoolOption {
	return func(p *Pool) { p.newKey = fn }
}

// NewPool creates a pool of artifacts of kind k kept in s.
func NewPool(k Kind, s store.Expiring, obf *Obfuscator, cfg PoolConfig, log *slog.Logger, opts ...PoolOption) *Pool {
	if obf == nil {
		obf = NewObfuscator()
	}
	p := &Pool{
		kind:   k,
		store:  s,
		obf:    obf,
		cfg:    cfg,
		log:    log.With(logger.Component("challenge"), slog.String("kind", k.Name())),
		newKey: crypto.NewKey,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Kind() Kind { return p.kind }

// Acquire returns the artifact for a session. A session that already holds
// a live artifact keeps it; otherwise a random sufficiently fresh artifact
// is reused once the pool is full, and a new one is generated when it is
// not. Callers persist the binding when the returned Key differs from
// boundKey.
func (p *Pool) Acquire(ctx context.Context, boundKey string) (*Script, error) {
	if boundKey != "" {
		s, err := p.Lookup(ctx, boundKey)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	keys, err := p.store.Keys(ctx, KeyPattern(p.kind.Name()))
	if err != nil {
		return nil, fmt.Errorf("challenge: list artifacts: %w", err)
	}
	if len(keys) >= p.cfg.Amount && len(keys) > 0 {
		if s, err := p.reuse(ctx, keys); err != nil || s != nil {
			return s, err
		}
	}

	v, err, _ := p.sf.Do(p.kind.Name(), func() (any, error) {
		return p.generate(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Script), nil
}

// reuse picks a random listed artifact with more than half its lifetime
// left. It returns nil when none qualifies.
func (p *Pool) reuse(ctx context.Context, keys []string) (*Script, error) {
	mrand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	prefix := KeyPattern(p.kind.Name())
	prefix = prefix[:len(prefix)-1]
	for _, k := range keys {
		ttl, err := p.store.TTL(ctx, k)
		if err != nil || ttl <= p.cfg.Lifetime/2 {
			continue
		}
		s, err := p.Lookup(ctx, strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		return s, nil
	}
	return nil, nil
}

// Lookup loads a stored artifact by key.
func (p *Pool) Lookup(ctx context.Context, key string) (*Script, error) {
	raw, err := p.store.Get(ctx, StorageKey(p.kind.Name(), key))
	if err != nil {
		return nil, err
	}
	return loadScript(p.kind, key, raw)
}

func (p *Pool) generate(ctx context.Context) (*Script, error) {
	start := time.Now()
	var key string
	for i := 0; ; i++ {
		if i == maxKeyAttempts {
			return nil, ErrKeyExhausted
		}
		key = p.newKey()
		exists, err := p.store.Exists(ctx, StorageKey(p.kind.Name(), key))
		if err != nil {
			return nil, fmt.Errorf("challenge: probe key: %w", err)
		}
		if !exists {
			break
		}
	}

	names := crypto.DeriveFieldNames(key, p.kind.Variables())
	src, err := Render(p.kind, key, p.cfg.Cipher, names)
	if err != nil {
		return nil, err
	}
	code, err := p.obf.Obfuscate(key, src)
	if err != nil {
		return nil, err
	}

	s := newScript(p.kind, key, names, code)
	raw, err := s.marshal()
	if err != nil {
		return nil, fmt.Errorf("challenge: encode artifact: %w", err)
	}
	if err := p.store.Set(ctx, StorageKey(p.kind.Name(), key), raw, p.cfg.Lifetime); err != nil {
		return nil, fmt.Errorf("challenge: store artifact: %w", err)
	}

	d := time.Since(start)
	p.log.Debug("generated challenge", slog.String("filename", s.Filename()), logger.Duration(d))
	if p.onGenerate != nil {
		p.onGenerate(p.kind.Name(), d)
	}
	return s, nil
}
