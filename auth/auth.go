package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/agamim/portal-server-go/users"
)

// ErrMissingOrMalformed indicates the credential is absent or is not of the
// form "Bearer <compact JWS>".
var ErrMissingOrMalformed = errors.New("auth: missing or malformed bearer credentials")

// ErrUnauthorized indicates the token failed verification. It never carries
// detail about which check failed.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrUserNotProvisioned indicates a cryptographically valid token whose
// subject has no registered user.
var ErrUserNotProvisioned = errors.New("auth: user not provisioned")

// ErrKeyStoreUnavailable indicates no signing keys were ever loaded, so no
// token can be verified.
var ErrKeyStoreUnavailable = errors.New("auth: signing keys unavailable")

// ErrInvariantViolation indicates the identity provider issued a valid token
// without the mandatory subject claim.
var ErrInvariantViolation = errors.New("auth: identity provider invariant violated")

// Principal is the authenticated identity behind a bearer token.
type Principal struct {
	// Subject is the token's oid claim.
	Subject string
	User    *users.User
	// ExpiresAt is the token's exp, or zero when the token has none.
	ExpiresAt time.Time
}

// UserID returns the registered user's id, falling back to the subject.
func (p *Principal) UserID() string {
	if p.User != nil && p.User.ID != "" {
		return p.User.ID
	}
	return p.Subject
}

// GroupIDs returns a copy of the user's group memberships.
func (p *Principal) GroupIDs() []string {
	if p.User == nil {
		return nil
	}
	return slices.Clone(p.User.Groups)
}

// IsAdmin reports whether the user has portal admin rights.
func (p *Principal) IsAdmin() bool {
	return p.User != nil && p.User.Admin
}

// UserLookup resolves a verified subject id to a registered user. It returns
// an error wrapping users.ErrNotFound when none exists.
type UserLookup interface {
	FindBySubjectID(ctx context.Context, oid string) (*users.User, error)
}

// Checker authenticates a raw Authorization header value. *Authenticator
// implements it; the HTTP and WebSocket entry points depend on this
// interface.
type Checker interface {
	Authenticate(ctx context.Context, header string) (*Principal, error)
}
