// Package memory provides an in-process users.Store, optionally seeded from a
// JSON file that is reloaded whenever it changes on disk.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agamim/portal-server-go/users"
	"github.com/fsnotify/fsnotify"
)

// Store is a concurrency-safe in-memory user store keyed by oid.
type Store struct {
	mu    sync.RWMutex
	byOID map[string]*users.User
	log   *slog.Logger
}

var _ users.MutableStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{byOID: make(map[string]*users.User), log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindBySubjectID implements users.Store.
func (s *Store) FindBySubjectID(ctx context.Context, oid string) (*users.User, error) {
	s.mu.RLock()
	u, ok := s.byOID[oid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: oid %q", users.ErrNotFound, oid)
	}
	return u.Clone(), nil
}

// Put inserts or replaces the user keyed by u.OID.
func (s *Store) Put(ctx context.Context, u *users.User) error {
	if u == nil || u.OID == "" {
		return errors.New("user oid is required")
	}
	s.mu.Lock()
	s.byOID[u.OID] = u.Clone()
	s.mu.Unlock()
	return nil
}

// Delete removes the user with the given oid. Deleting an absent user is a
// no-op.
func (s *Store) Delete(ctx context.Context, oid string) error {
	s.mu.Lock()
	delete(s.byOID, oid)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOID)
}

// LoadFile replaces the store's contents with the JSON array of users in
// path. On error the current contents are kept.
func (s *Store) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var list []*users.User
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}
	next := make(map[string]*users.User, len(list))
	for i, u := range list {
		if u == nil || u.OID == "" {
			return fmt.Errorf("parse users file: entry %d has no oid", i)
		}
		next[u.OID] = u
	}
	s.mu.Lock()
	s.byOID = next
	s.mu.Unlock()
	return nil
}

// Watch reloads path whenever it changes until ctx is cancelled. The parent
// directory is watched so that editors which replace the file atomically are
// picked up too. Reload failures are logged and keep the previous contents.
func (s *Store) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.LoadFile(abs); err != nil {
				s.log.WarnContext(ctx, "users.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			s.log.InfoContext(ctx, "users.reload.ok", slog.String("path", abs), slog.Int("users", s.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.DebugContext(ctx, "users.watch.error", slog.String("err", err.Error()))
		}
	}
}
