package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/agamim/portal-server-go/internal/jwtauth"
	"github.com/agamim/portal-server-go/users"
	"github.com/benbjohnson/clock"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://login.example.com/tenant-123/v2.0"
	testAudience = "client-abc"
	testKID      = "key-1"
)

type fakeUsers struct {
	mu    sync.Mutex
	byOID map[string]*users.User
	err   error
	calls int
}

func (f *fakeUsers) FindBySubjectID(ctx context.Context, oid string) (*users.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.byOID[oid]
	if !ok {
		return nil, users.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type noKeys struct{}

func (noKeys) Snapshot() *jwtauth.KeySet { return nil }

type fixture struct {
	priv  *rsa.PrivateKey
	keys  *jwtauth.StaticKeys
	users *fakeUsers
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: testKID, Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	keys, err := jwtauth.NewStaticKeys(testIssuer, b)
	if err != nil {
		t.Fatalf("static keys: %v", err)
	}
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	return &fixture{
		priv:  pk,
		keys:  keys,
		users: &fakeUsers{byOID: map[string]*users.User{"u1": {ID: "id-1", OID: "u1", Groups: []string{"g1", "g2"}}}},
		clock: mock,
	}
}

func (f *fixture) authenticator(t *testing.T, opts ...Option) *Authenticator {
	t.Helper()
	opts = append([]Option{WithClock(f.clock)}, opts...)
	a, err := New(f.keys, f.users, testAudience, opts...)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return a
}

func (f *fixture) token(t *testing.T, oid string, ttl time.Duration) string {
	t.Helper()
	now := f.clock.Now()
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"iat": now.Unix(),
	}
	if oid != "" {
		claims["oid"] = oid
	}
	if ttl != 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return f.sign(t, f.priv, testKID, claims)
}

func (f *fixture) sign(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthenticate_HappyPath(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)

	p, err := a.Authenticate(context.Background(), "Bearer "+f.token(t, "u1", time.Hour))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Subject != "u1" || p.UserID() != "id-1" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if got := p.GroupIDs(); len(got) != 2 || got[0] != "g1" || got[1] != "g2" {
		t.Fatalf("unexpected groups %v", got)
	}
	if !p.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", p.ExpiresAt)
	}
}

func TestAuthenticate_MalformedHeader(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)
	tok := f.token(t, "u1", time.Hour)

	for _, h := range []string{"", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz", "bearer " + tok, tok, "Bearer not-a-jwt", "Bearer " + tok + " extra"} {
		if _, err := a.Authenticate(context.Background(), h); !errors.Is(err, ErrMissingOrMalformed) {
			t.Fatalf("header %q: want ErrMissingOrMalformed, got %v", h, err)
		}
	}
	if f.users.Calls() != 0 {
		t.Fatalf("malformed headers must not reach user lookup")
	}
}

func TestAuthenticate_CacheHitSkipsVerification(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)
	h := "Bearer " + f.token(t, "u1", time.Hour)

	first, err := a.Authenticate(context.Background(), h)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	second, err := a.Authenticate(context.Background(), h)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if first != second {
		t.Fatalf("cache hit should return the cached principal")
	}
	if f.users.Calls() != 1 {
		t.Fatalf("want one user lookup, got %d", f.users.Calls())
	}
}

func TestAuthenticate_EvictedAtTokenExpiryNotCeiling(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t, WithCacheCeiling(time.Hour))
	h := "Bearer " + f.token(t, "u1", 10*time.Second)

	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	f.clock.Add(9 * time.Second)
	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate before exp: %v", err)
	}
	if f.users.Calls() != 1 {
		t.Fatalf("want cache hit before exp, got %d lookups", f.users.Calls())
	}

	f.clock.Add(time.Second)
	if _, err := a.Authenticate(context.Background(), h); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized at exp, got %v", err)
	}
}

func TestAuthenticate_CeilingBoundsLongLivedTokens(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t, WithCacheCeiling(time.Hour))
	h := "Bearer " + f.token(t, "u1", 5*time.Hour)

	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	f.clock.Add(time.Hour)
	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if f.users.Calls() != 2 {
		t.Fatalf("want re-verification once the ceiling elapsed, got %d lookups", f.users.Calls())
	}
}

func TestAuthenticate_HitRefreshesTTL(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t, WithCacheCeiling(time.Hour))
	h := "Bearer " + f.token(t, "u1", 5*time.Hour)

	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	f.clock.Add(50 * time.Minute)
	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	// Past the first ceiling, within the re-armed one.
	f.clock.Add(20 * time.Minute)
	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if f.users.Calls() != 1 {
		t.Fatalf("want cached principal after re-arm, got %d lookups", f.users.Calls())
	}
}

func TestAuthenticate_NoExpiryUsesCeiling(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t, WithCacheCeiling(30*time.Minute))
	h := "Bearer " + f.token(t, "u1", 0)

	p, err := a.Authenticate(context.Background(), h)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !p.ExpiresAt.IsZero() {
		t.Fatalf("want zero expiry, got %v", p.ExpiresAt)
	}
	f.clock.Add(29 * time.Minute)
	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	f.clock.Add(31 * time.Minute)
	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if f.users.Calls() != 2 {
		t.Fatalf("want re-verification after ceiling, got %d lookups", f.users.Calls())
	}
}

func TestAuthenticate_UnknownKIDMatchesBadSignature(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	claims := func() jwt.MapClaims {
		return jwt.MapClaims{"iss": testIssuer, "aud": testAudience, "oid": "u1", "exp": f.clock.Now().Add(time.Hour).Unix()}
	}

	_, unknownKID := a.Authenticate(context.Background(), "Bearer "+f.sign(t, other, "rotated-out", claims()))
	_, badSig := a.Authenticate(context.Background(), "Bearer "+f.sign(t, other, testKID, claims()))

	if unknownKID != ErrUnauthorized || badSig != ErrUnauthorized {
		t.Fatalf("want bare ErrUnauthorized for both, got %v and %v", unknownKID, badSig)
	}
	if unknownKID.Error() != badSig.Error() {
		t.Fatalf("errors must be indistinguishable: %q vs %q", unknownKID, badSig)
	}
	if ChallengeFor(unknownKID) != ChallengeFor(badSig) {
		t.Fatalf("challenges must be indistinguishable")
	}
}

func TestAuthenticate_ClaimFailuresAreUnauthorized(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)
	now := f.clock.Now()

	cases := map[string]jwt.MapClaims{
		"issuer":   {"iss": "https://evil.example.com", "aud": testAudience, "oid": "u1", "exp": now.Add(time.Hour).Unix()},
		"audience": {"iss": testIssuer, "aud": "other", "oid": "u1", "exp": now.Add(time.Hour).Unix()},
		"expired":  {"iss": testIssuer, "aud": testAudience, "oid": "u1", "exp": now.Add(-time.Second).Unix()},
		"nbf":      {"iss": testIssuer, "aud": testAudience, "oid": "u1", "exp": now.Add(time.Hour).Unix(), "nbf": now.Add(time.Minute).Unix()},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), "Bearer "+f.sign(t, f.priv, testKID, c))
			if err != ErrUnauthorized {
				t.Fatalf("want bare ErrUnauthorized, got %v", err)
			}
		})
	}
	if a.CacheLen() != 0 {
		t.Fatalf("rejected tokens must not be cached")
	}
}

func TestAuthenticate_MissingOIDIsInvariantViolation(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)

	_, err := a.Authenticate(context.Background(), "Bearer "+f.token(t, "", time.Hour))
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("want ErrInvariantViolation, got %v", err)
	}
	if StatusFor(err) != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", StatusFor(err))
	}
}

func TestAuthenticate_UserNotProvisioned(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)

	_, err := a.Authenticate(context.Background(), "Bearer "+f.token(t, "stranger", time.Hour))
	if !errors.Is(err, ErrUserNotProvisioned) {
		t.Fatalf("want ErrUserNotProvisioned, got %v", err)
	}
	if StatusFor(err) != http.StatusForbidden {
		t.Fatalf("want 403, got %d", StatusFor(err))
	}
	if a.CacheLen() != 0 {
		t.Fatalf("unprovisioned principals must not be cached")
	}
}

func TestAuthenticate_LookupFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("db down")
	f.users.err = boom
	a := f.authenticator(t)

	_, err := a.Authenticate(context.Background(), "Bearer "+f.token(t, "u1", time.Hour))
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped lookup error, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUserNotProvisioned) {
		t.Fatalf("lookup failures must not look like auth failures")
	}
	if StatusFor(err) != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", StatusFor(err))
	}
}

func TestAuthenticate_NoKeysFailsClosed(t *testing.T) {
	f := newFixture(t)
	a, err := New(noKeys{}, f.users, testAudience, WithClock(f.clock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = a.Authenticate(context.Background(), "Bearer "+f.token(t, "u1", time.Hour))
	if !errors.Is(err, ErrKeyStoreUnavailable) {
		t.Fatalf("want ErrKeyStoreUnavailable, got %v", err)
	}
	if StatusFor(err) != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", StatusFor(err))
	}
}

func TestAuthenticate_NoKeysPrecedesHeaderChecks(t *testing.T) {
	f := newFixture(t)
	a, err := New(noKeys{}, f.users, testAudience, WithClock(f.clock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, header := range []string{"", "Basic dXNlcjpwdw==", "Bearer not-a-jws"} {
		_, err := a.Authenticate(context.Background(), header)
		if !errors.Is(err, ErrKeyStoreUnavailable) {
			t.Fatalf("header %q: want ErrKeyStoreUnavailable, got %v", header, err)
		}
	}
}

func TestAuthenticate_Forget(t *testing.T) {
	f := newFixture(t)
	a := f.authenticator(t)
	h := "Bearer " + f.token(t, "u1", time.Hour)

	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	a.Forget(h)
	if _, err := a.Authenticate(context.Background(), h); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if f.users.Calls() != 2 {
		t.Fatalf("want re-verification after Forget, got %d lookups", f.users.Calls())
	}
}

func TestChallengeFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		www    string
	}{
		{ErrMissingOrMalformed, http.StatusUnauthorized, "Bearer"},
		{ErrUnauthorized, http.StatusUnauthorized, "Bearer"},
		{ErrUserNotProvisioned, http.StatusForbidden, ""},
		{ErrKeyStoreUnavailable, http.StatusInternalServerError, ""},
		{ErrInvariantViolation, http.StatusInternalServerError, ""},
		{errors.New("other"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		c := ChallengeFor(tc.err)
		if c.Status != tc.status || c.WWWAuthenticate != tc.www || c.Message == "" {
			t.Fatalf("%v: unexpected challenge %+v", tc.err, c)
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	if _, err := New(f.keys, nil, testAudience); err == nil {
		t.Fatalf("expected error without user lookup")
	}
	if _, err := New(f.keys, f.users, ""); err == nil {
		t.Fatalf("expected error without audience")
	}
}
