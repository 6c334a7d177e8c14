// Package users defines the portal's user record and the lookup interface the
// authentication pipeline resolves verified tokens against.
package users

import (
	"context"
	"errors"
	"slices"
)

// ErrNotFound is returned when no user is registered for a subject id.
var ErrNotFound = errors.New("users: not found")

// User is a registered portal user. OID is the identity provider's stable
// object id and the key tokens are resolved by.
type User struct {
	ID          string   `json:"_id,omitempty"`
	OID         string   `json:"oid"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Admin       bool     `json:"admin"`
	Role        string   `json:"role,omitempty"`
	Groups      []string `json:"groups"`
	Favorites   []string `json:"favorites"`
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Groups = slices.Clone(u.Groups)
	c.Favorites = slices.Clone(u.Favorites)
	return &c
}

// Store resolves users by the identity provider's subject id.
type Store interface {
	// FindBySubjectID returns the user with the given oid, or an error
	// wrapping ErrNotFound.
	FindBySubjectID(ctx context.Context, oid string) (*User, error)
}

// MutableStore is a Store that can also be written to. Both bundled
// backends implement it.
type MutableStore interface {
	Store
	Put(ctx context.Context, u *User) error
	Delete(ctx context.Context, oid string) error
}
