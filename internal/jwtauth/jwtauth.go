package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	// Audience is the expected "aud" claim, normally the application's client id.
	Audience    string
	AllowedAlgs []string
	Leeway      time.Duration
	// SubjectClaim names the claim carrying the stable user identifier.
	SubjectClaim string
	// Now overrides the time source for exp/nbf checks.
	Now func() time.Time
}

// DefaultConfig returns a Config accepting RS256 tokens with no clock skew
// allowance and "oid" as the subject claim.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:  []string{"RS256"},
		SubjectClaim: "oid",
	}
}

// ErrUnauthorized indicates that the access token failed validation (kid,
// signature, issuer, audience, exp/nbf). The wrapped detail is meant for
// logs only.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrMissingSubject indicates a token that passed every check but carries no
// subject claim. A correctly configured provider never issues one.
var ErrMissingSubject = errors.New("jwtauth: verified token has no subject claim")

// TokenClaims is the verified content of an access token.
type TokenClaims struct {
	Subject string
	// ExpiresAt is zero when the token carries no exp claim.
	ExpiresAt time.Time
	raw       jwt.MapClaims
}

// Decode unmarshals the raw claims into ref.
func (c *TokenClaims) Decode(ref any) error {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier checks compact JWS access tokens against a KeySource.
type Verifier struct {
	cfg  Config
	keys KeySource
}

// NewVerifier constructs a Verifier. The audience is required.
func NewVerifier(cfg *Config, keys KeySource) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.SubjectClaim == "" {
		c.SubjectClaim = "oid"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Verifier{cfg: c, keys: keys}, nil
}

// Verify validates tok and returns its claims. Errors wrap ErrNoKeys,
// ErrUnauthorized or ErrMissingSubject.
func (v *Verifier) Verify(ctx context.Context, tok string) (*TokenClaims, error) {
	// Issuer and key are read from one snapshot so a concurrent refresh
	// cannot pair a new issuer with an old key.
	set := v.keys.Snapshot()
	if set == nil {
		return nil, ErrNoKeys
	}
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", ErrUnauthorized, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrUnauthorized)
	}
	key, ok := set.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithIssuer(set.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.cfg.Now),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return key.PublicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	out := &TokenClaims{raw: claims}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	sub, _ := claims[v.cfg.SubjectClaim].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingSubject, v.cfg.SubjectClaim)
	}
	out.Subject = sub
	return out, nil
}
