package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/agamim/portal-server-go/internal/jwtauth"
	"github.com/agamim/portal-server-go/ttlcache"
	"github.com/agamim/portal-server-go/users"
	"github.com/benbjohnson/clock"
)

// DefaultCacheCeiling bounds how long a verified token is served from cache.
const DefaultCacheCeiling = time.Hour

var bearerPattern = regexp.MustCompile(`^Bearer ([A-Za-z0-9-_=]+\.[A-Za-z0-9-_=]+\.?[A-Za-z0-9-_.+/=]*)$`)

// Option configures an Authenticator.
type Option func(*config)

type config struct {
	clock         clock.Clock
	ceiling       time.Duration
	cacheCapacity int
	log           *slog.Logger
	leeway        time.Duration
	algs          []string
}

// WithClock sets the clock used for token validity and cache expiry.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithCacheCeiling sets the maximum time a verified token is cached.
// Defaults to DefaultCacheCeiling.
func WithCacheCeiling(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.ceiling = d
		}
	}
}

// WithCacheCapacity bounds the number of cached tokens. Zero means unbounded.
func WithCacheCapacity(n int) Option {
	return func(cfg *config) { cfg.cacheCapacity = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.log = l
		}
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(cfg *config) { cfg.leeway = d }
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(cfg *config) {
		cfg.algs = append([]string(nil), algs...)
	}
}

// Authenticator verifies bearer tokens against the identity provider's keys
// and resolves them to registered users. Verified principals are cached by
// raw token for min(ceiling, exp - now), so a cache hit never outlives the
// token it was derived from.
type Authenticator struct {
	keys     jwtauth.KeySource
	verifier *jwtauth.Verifier
	users    UserLookup
	cache    *ttlcache.Cache[string, *Principal]
	clock    clock.Clock
	ceiling  time.Duration
	log      *slog.Logger
}

var _ Checker = (*Authenticator)(nil)

// New returns an Authenticator that checks tokens issued for audience (the
// application's client id) against keys.
func New(keys jwtauth.KeySource, lookup UserLookup, audience string, opts ...Option) (*Authenticator, error) {
	if lookup == nil {
		return nil, errors.New("user lookup is required")
	}
	cfg := config{
		clock:   clock.New(),
		ceiling: DefaultCacheCeiling,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	vcfg := jwtauth.DefaultConfig()
	vcfg.Audience = audience
	vcfg.Leeway = cfg.leeway
	vcfg.Now = cfg.clock.Now
	if len(cfg.algs) > 0 {
		vcfg.AllowedAlgs = cfg.algs
	}
	v, err := jwtauth.NewVerifier(vcfg, keys)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		keys:     keys,
		verifier: v,
		users:    lookup,
		cache:    ttlcache.New[string, *Principal](ttlcache.WithClock(cfg.clock), ttlcache.WithCapacity(cfg.cacheCapacity)),
		clock:    cfg.clock,
		ceiling:  cfg.ceiling,
		log:      cfg.log,
	}, nil
}

// Authenticate checks a raw Authorization header value. Errors wrap one of
// ErrMissingOrMalformed, ErrUnauthorized, ErrUserNotProvisioned,
// ErrKeyStoreUnavailable or ErrInvariantViolation; anything else is an
// internal failure of the user lookup.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Principal, error) {
	// Without keys nothing can be verified, whatever the header holds.
	if a.keys.Snapshot() == nil {
		a.log.ErrorContext(ctx, "auth.keys.unavailable")
		return nil, ErrKeyStoreUnavailable
	}

	m := bearerPattern.FindStringSubmatch(header)
	if m == nil {
		return nil, ErrMissingOrMalformed
	}
	tok := m[1]

	if p, ok := a.cache.Get(tok); ok {
		a.cache.SetTTL(tok, a.ttlFor(p.ExpiresAt))
		return p, nil
	}

	claims, err := a.verifier.Verify(ctx, tok)
	switch {
	case errors.Is(err, jwtauth.ErrNoKeys):
		a.log.ErrorContext(ctx, "auth.keys.unavailable")
		return nil, ErrKeyStoreUnavailable
	case errors.Is(err, jwtauth.ErrMissingSubject):
		a.log.ErrorContext(ctx, "auth.invariant.missing_oid", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: verified token has no oid claim", ErrInvariantViolation)
	case err != nil:
		// The reason stays in the logs; callers only learn the token was rejected.
		a.log.DebugContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, ErrUnauthorized
	}

	u, err := a.users.FindBySubjectID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			a.log.InfoContext(ctx, "auth.user.not_provisioned", slog.String("oid", claims.Subject))
			return nil, ErrUserNotProvisioned
		}
		return nil, fmt.Errorf("auth: user lookup failed: %w", err)
	}

	p := &Principal{Subject: claims.Subject, User: u, ExpiresAt: claims.ExpiresAt}
	a.cache.Set(tok, p, a.ttlFor(p.ExpiresAt))
	return p, nil
}

// Forget evicts a token from the cache, e.g. after the user's record changed.
func (a *Authenticator) Forget(header string) {
	if m := bearerPattern.FindStringSubmatch(header); m != nil {
		a.cache.Delete(m[1])
	}
}

// Purge empties the principal cache.
func (a *Authenticator) Purge() { a.cache.Purge() }

// CacheLen reports the number of cached principals.
func (a *Authenticator) CacheLen() int { return a.cache.Len() }

// ttlFor returns min(ceiling, exp - now), or the ceiling when there is no exp.
func (a *Authenticator) ttlFor(exp time.Time) time.Duration {
	if exp.IsZero() {
		return a.ceiling
	}
	if d := exp.Sub(a.clock.Now()); d < a.ceiling {
		return d
	}
	return a.ceiling
}
