// Package authtest provides an auth.Checker double for tests and local
// development.
package authtest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agamim/portal-server-go/auth"
	"github.com/agamim/portal-server-go/users"
)

// Static authenticates a fixed set of tokens. Unknown tokens yield
// auth.ErrUnauthorized; values without the "Bearer " prefix yield
// auth.ErrMissingOrMalformed.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]result
	calls  atomic.Int64
}

type result struct {
	p   *auth.Principal
	err error
}

var _ auth.Checker = (*Static)(nil)

// NewStatic returns an empty Static authenticator.
func NewStatic() *Static {
	return &Static{tokens: make(map[string]result)}
}

// AddUser registers token for a principal built from u.
func (s *Static) AddUser(token string, u *users.User) *auth.Principal {
	p := &auth.Principal{Subject: u.OID, User: u}
	s.mu.Lock()
	s.tokens[token] = result{p: p}
	s.mu.Unlock()
	return p
}

// AddError makes token fail with err.
func (s *Static) AddError(token string, err error) {
	s.mu.Lock()
	s.tokens[token] = result{err: err}
	s.mu.Unlock()
}

// Calls reports how many times Authenticate ran.
func (s *Static) Calls() int64 { return s.calls.Load() }

// Authenticate implements auth.Checker.
func (s *Static) Authenticate(ctx context.Context, header string) (*auth.Principal, error) {
	s.calls.Add(1)
	tok, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tok == "" {
		return nil, auth.ErrMissingOrMalformed
	}
	s.mu.RLock()
	r, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return r.p, r.err
}
