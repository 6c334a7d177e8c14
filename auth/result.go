package auth

import (
	"errors"
	"net/http"
)

// Challenge is the wire representation of an authentication failure: the
// HTTP status, the WWW-Authenticate header (empty when none applies) and the
// message shown to the client.
type Challenge struct {
	Status          int
	WWWAuthenticate string
	Message         string
}

const (
	msgMissingOrMalformed = "Requests must have the Authorization header set with a proper Bearer auth string, and a JWT token retrieved from Azure AD"
	msgUnauthorized       = "Unauthorized"
	msgNotProvisioned     = "JWT token is valid but the user isn't registered to the portal."
	msgInternal           = "Internal server error"
)

// ChallengeFor maps an error returned by Authenticate to its challenge.
// Errors outside the package's taxonomy map to a 500 without detail.
func ChallengeFor(err error) Challenge {
	switch {
	case errors.Is(err, ErrMissingOrMalformed):
		return Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: "Bearer", Message: msgMissingOrMalformed}
	case errors.Is(err, ErrUnauthorized):
		return Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: "Bearer", Message: msgUnauthorized}
	case errors.Is(err, ErrUserNotProvisioned):
		return Challenge{Status: http.StatusForbidden, Message: msgNotProvisioned}
	default:
		return Challenge{Status: http.StatusInternalServerError, Message: msgInternal}
	}
}

// StatusFor returns the HTTP status for an error returned by Authenticate.
func StatusFor(err error) int {
	return ChallengeFor(err).Status
}
