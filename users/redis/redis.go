// Package redis provides a Redis-backed users.Store. Each user is stored as a
// JSON document under "<prefix>user:oid:<oid>".
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agamim/portal-server-go/users"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis user store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "portal:"
	KeyPrefix string
}

// Store implements users.MutableStore using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ users.MutableStore = (*Store)(nil)

// New creates a new Redis-backed user store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "portal:"
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

// FindBySubjectID implements users.Store.
func (s *Store) FindBySubjectID(ctx context.Context, oid string) (*users.User, error) {
	key := s.key(oid)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: oid %q", users.ErrNotFound, oid)
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	var u users.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %s: %w", key, err)
	}
	return &u, nil
}

// Put stores u under its oid, replacing any previous record.
func (s *Store) Put(ctx context.Context, u *users.User) error {
	if u == nil || u.OID == "" {
		return errors.New("user oid is required")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Set(ctx, s.key(u.OID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key(u.OID), err)
	}
	return nil
}

// Delete removes the user with the given oid.
func (s *Store) Delete(ctx context.Context, oid string) error {
	if err := s.client.Del(ctx, s.key(oid)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", s.key(oid), err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(oid string) string {
	return s.keyPrefix + "user:oid:" + oid
}
