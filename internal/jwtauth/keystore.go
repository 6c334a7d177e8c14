package jwtauth

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
)

const (
	wellKnownSuffix = "/.well-known/openid-configuration"
	tenantTemplate  = "{tenantid}"

	// maxJWKSBytes caps the size of a JWKS response body.
	maxJWKSBytes = 1 << 20

	// DefaultRetryInterval is the first retry delay while no key set is loaded.
	DefaultRetryInterval = 10 * time.Second
	maxRetryInterval     = 5 * time.Minute
)

// ErrNoKeys indicates that no key set has ever been loaded successfully.
var ErrNoKeys = errors.New("jwtauth: no signing keys loaded")

// SigningKey is one verification key published by the identity provider.
type SigningKey struct {
	KeyID     string
	Algorithm string
	// PEM holds the first x5c certificate as a CERTIFICATE block, or the
	// PKIX encoded public key when the provider publishes no certificate.
	PEM       string
	PublicKey crypto.PublicKey
}

// KeySet is an immutable snapshot of the provider's signing keys and its
// tenant-resolved issuer. A KeyStore swaps whole snapshots, so a reader that
// holds one never observes a mix of two refreshes.
type KeySet struct {
	Issuer    string
	FetchedAt time.Time
	keys      map[string]SigningKey
}

// Lookup returns the key with the given kid.
func (s *KeySet) Lookup(kid string) (SigningKey, bool) {
	if s == nil {
		return SigningKey{}, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len reports the number of keys in the set.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KeySource yields the current key snapshot, or nil if none is loaded.
type KeySource interface {
	Snapshot() *KeySet
}

// KeyStoreConfig controls discovery and refresh of the provider's keys.
type KeyStoreConfig struct {
	// DiscoveryURL is the provider's OpenID configuration document, e.g.
	// https://login.microsoftonline.com/common/v2.0/.well-known/openid-configuration.
	// A bare issuer URL is accepted as well.
	DiscoveryURL string
	// TenantID replaces the "{tenantid}" placeholder multi-tenant providers
	// publish in their issuer.
	TenantID        string
	RefreshInterval time.Duration
	// RetryInterval is the first retry delay while no key set has been
	// loaded. It doubles per failure up to five minutes.
	RetryInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      clock.Clock
}

// DefaultKeyStoreConfig returns a config with a daily refresh.
func DefaultKeyStoreConfig() *KeyStoreConfig {
	return &KeyStoreConfig{RefreshInterval: 24 * time.Hour}
}

// KeyStore holds the provider's current signing keys and refreshes them from
// the discovery document and JWKS endpoint.
type KeyStore struct {
	cfg     KeyStoreConfig
	client  *http.Client
	log     *slog.Logger
	clock   clock.Clock
	current atomic.Pointer[KeySet]
}

var _ KeySource = (*KeyStore)(nil)

// NewKeyStore validates cfg and returns an empty store. Call Refresh before
// serving traffic.
func NewKeyStore(cfg *KeyStoreConfig) (*KeyStore, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DiscoveryURL == "" {
		return nil, errors.New("discovery url is required")
	}
	c := *cfg
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	s := &KeyStore{cfg: c, client: c.HTTPClient, log: c.Logger, clock: c.Clock}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	return s, nil
}

// Snapshot returns the current key set, or nil if none has been loaded.
func (s *KeyStore) Snapshot() *KeySet { return s.current.Load() }

// Loaded reports whether a refresh has ever succeeded.
func (s *KeyStore) Loaded() bool { return s.current.Load() != nil }

// Lookup returns the current key for kid.
func (s *KeyStore) Lookup(kid string) (SigningKey, bool) {
	return s.current.Load().Lookup(kid)
}

// Issuer returns the current tenant-resolved issuer.
func (s *KeyStore) Issuer() (string, bool) {
	set := s.current.Load()
	if set == nil {
		return "", false
	}
	return set.Issuer, true
}

// Refresh fetches the discovery document and JWKS and installs the result.
// On failure the previous key set stays in place and the error is returned.
func (s *KeyStore) Refresh(ctx context.Context) error {
	set, err := s.load(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "keystore.refresh.fail", slog.String("err", err.Error()), slog.Bool("stale_keys", s.Loaded()))
		return err
	}
	s.current.Store(set)
	s.log.InfoContext(ctx, "keystore.refresh.ok", slog.Int("keys", set.Len()), slog.String("issuer", set.Issuer))
	return nil
}

// Run refreshes the keys every RefreshInterval until ctx is cancelled.
// While no key set has been loaded it retries sooner, starting at
// RetryInterval and doubling up to five minutes. Failures are logged by
// Refresh and otherwise ignored.
func (s *KeyStore) Run(ctx context.Context) error {
	retry := s.cfg.RetryInterval
	for {
		wait := s.cfg.RefreshInterval
		if !s.Loaded() {
			wait = min(retry, s.cfg.RefreshInterval)
			retry = min(retry*2, max(maxRetryInterval, s.cfg.RetryInterval))
		} else {
			retry = s.cfg.RetryInterval
		}

		t := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			_ = s.Refresh(ctx)
		}
	}
}

func (s *KeyStore) load(ctx context.Context) (*KeySet, error) {
	base := strings.TrimSuffix(s.cfg.DiscoveryURL, wellKnownSuffix)

	// Multi-tenant providers publish a templated issuer that never equals the
	// discovery URL, so the issuer comparison in discovery is skipped and the
	// issuer is resolved against the tenant below.
	dctx := oidc.ClientContext(ctx, s.client)
	dctx = oidc.InsecureIssuerURLContext(dctx, base)
	provider, err := oidc.NewProvider(dctx, base)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	missing := []string{}
	if meta.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if meta.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}

	jwks, err := s.fetchJWKS(ctx, meta.JwksURI)
	if err != nil {
		return nil, err
	}

	issuer := strings.ReplaceAll(meta.Issuer, tenantTemplate, s.cfg.TenantID)
	set, err := newKeySet(issuer, jwks, s.log)
	if err != nil {
		return nil, err
	}
	set.FetchedAt = s.clock.Now()
	return set, nil
}

func (s *KeyStore) fetchJWKS(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch failed: unexpected status %d", res.StatusCode)
	}

	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(res.Body, maxJWKSBytes)).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("invalid jwks: %w", err)
	}
	return &jwks, nil
}

// newKeySet indexes the usable public keys in jwks by kid. Keys without a kid
// or without an asymmetric public key are skipped.
func newKeySet(issuer string, jwks *jose.JSONWebKeySet, log *slog.Logger) (*KeySet, error) {
	keys := make(map[string]SigningKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.KeyID == "" {
			continue
		}
		if !k.IsPublic() {
			k = k.Public()
		}
		block, err := pemFor(k)
		if err != nil {
			log.Debug("keystore.key.skip", slog.String("kid", k.KeyID), slog.String("err", err.Error()))
			continue
		}
		keys[k.KeyID] = SigningKey{
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			PEM:       string(pem.EncodeToMemory(block)),
			PublicKey: k.Key,
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable keys")
	}
	return &KeySet{Issuer: issuer, keys: keys}, nil
}

func pemFor(k jose.JSONWebKey) (*pem.Block, error) {
	if len(k.Certificates) > 0 {
		return &pem.Block{Type: "CERTIFICATE", Bytes: k.Certificates[0].Raw}, nil
	}
	if k.Key == nil {
		return nil, errors.New("no public key")
	}
	der, err := x509.MarshalPKIXPublicKey(k.Key)
	if err != nil {
		return nil, err
	}
	return &pem.Block{Type: "PUBLIC KEY", Bytes: der}, nil
}
