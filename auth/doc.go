// Package auth authenticates bearer tokens issued by the portal's identity
// provider and resolves them to registered users. The same Authenticator
// serves the HTTP middleware and the WebSocket handshake.
//
// # Pipeline
//
// Authenticate takes the raw Authorization header value and:
//
//  1. requires "Bearer <compact JWS>" (ErrMissingOrMalformed otherwise),
//  2. returns a cached principal when the token was verified before,
//     re-arming its cache entry,
//  3. verifies kid, signature, issuer, audience, nbf and exp against the
//     current key snapshot (ErrUnauthorized on any failure, without detail),
//  4. requires the oid claim (ErrInvariantViolation when absent),
//  5. resolves oid through the UserLookup (ErrUserNotProvisioned when the
//     user is unknown),
//  6. caches the principal for min(ceiling, exp - now).
//
// When no key set was ever loaded every call fails with
// ErrKeyStoreUnavailable.
//
// Example:
//
//	keys, _ := jwtauth.NewKeyStore(&jwtauth.KeyStoreConfig{DiscoveryURL: url, TenantID: tenant})
//	_ = keys.Refresh(ctx)
//	go keys.Run(ctx)
//
//	authn, err := auth.New(keys, userStore, clientID, auth.WithCacheCeiling(time.Hour))
//	if err != nil { log.Fatal(err) }
//
//	p, err := authn.Authenticate(ctx, r.Header.Get("Authorization"))
//	if err != nil {
//	    c := auth.ChallengeFor(err) // status, WWW-Authenticate, message
//	}
//	groups := p.GroupIDs()
//
// # Errors
//
// ChallengeFor translates the sentinels to their HTTP representation:
// 401 with "WWW-Authenticate: Bearer" for ErrMissingOrMalformed and
// ErrUnauthorized, 403 for ErrUserNotProvisioned and 500 for everything else.
package auth
