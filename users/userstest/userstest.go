// Package userstest provides a conformance suite for users.MutableStore
// implementations.
package userstest

import (
	"context"
	"errors"
	"testing"

	"github.com/agamim/portal-server-go/users"
)

// StoreFactory creates a new, empty store for a single test.
type StoreFactory func(t *testing.T) users.MutableStore

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PutAndFind", func(t *testing.T) {
		testPutAndFind(t, factory)
	})
	t.Run("FindMissing", func(t *testing.T) {
		testFindMissing(t, factory)
	})
	t.Run("PutReplaces", func(t *testing.T) {
		testPutReplaces(t, factory)
	})
	t.Run("Delete", func(t *testing.T) {
		testDelete(t, factory)
	})
	t.Run("ReturnedUserIsACopy", func(t *testing.T) {
		testReturnedUserIsACopy(t, factory)
	})
}

func sampleUser(oid string) *users.User {
	return &users.User{
		ID:          "id-" + oid,
		OID:         oid,
		FirstName:   "Dana",
		LastName:    "Levi",
		DisplayName: "Dana Levi",
		Email:       "dana@example.com",
		Role:        "engineer",
		Groups:      []string{"g1", "g2"},
		Favorites:   []string{"app-1"},
	}
}

func testPutAndFind(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, sampleUser("u1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.FindBySubjectID(ctx, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.OID != "u1" || got.DisplayName != "Dana Levi" || len(got.Groups) != 2 || got.Groups[1] != "g2" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func testFindMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.FindBySubjectID(context.Background(), "nobody")
	if !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func testPutReplaces(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	u := sampleUser("u1")
	if err := s.Put(ctx, u); err != nil {
		t.Fatalf("put: %v", err)
	}
	u2 := sampleUser("u1")
	u2.Admin = true
	u2.Groups = []string{"g3"}
	if err := s.Put(ctx, u2); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.FindBySubjectID(ctx, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Admin || len(got.Groups) != 1 || got.Groups[0] != "g3" {
		t.Fatalf("want replaced user, got %+v", got)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, sampleUser("u1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.FindBySubjectID(ctx, "u1"); !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func testReturnedUserIsACopy(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, sampleUser("u1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.FindBySubjectID(ctx, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got.Groups[0] = "mutated"

	again, err := s.FindBySubjectID(ctx, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if again.Groups[0] != "g1" {
		t.Fatalf("store contents changed through a returned user")
	}
}
