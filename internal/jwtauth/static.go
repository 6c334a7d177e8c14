package jwtauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// StaticKeys is a KeySource over a fixed JWKS document. It serves
// deployments that pin the provider's keys instead of discovering them, and
// tests that need a verifier without an HTTP round trip.
type StaticKeys struct {
	set *KeySet
}

var _ KeySource = (*StaticKeys)(nil)

// NewStaticKeys parses jwksJSON and binds it to issuer.
func NewStaticKeys(issuer string, jwksJSON []byte) (*StaticKeys, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(jwksJSON, &jwks); err != nil {
		return nil, fmt.Errorf("invalid jwks: %w", err)
	}
	set, err := newKeySet(issuer, &jwks, slog.Default())
	if err != nil {
		return nil, err
	}
	set.FetchedAt = time.Now()
	return &StaticKeys{set: set}, nil
}

// Snapshot implements KeySource.
func (s *StaticKeys) Snapshot() *KeySet { return s.set }
