package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func TestAllocateNameSuffixesClashingBases(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)

	first := createTestContact(t, store, user.ID, "bob")
	if first.LocalDisplayName != "bob" {
		t.Fatalf("first name = %q, want %q", first.LocalDisplayName, "bob")
	}

	ctx := context.Background()
	conn, err := store.CreateConnection(ctx, user.ID, "conn-bob-2", storage.ConnContact, 0, 0)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	second, err := store.CreateDirectContact(ctx, user.ID, conn, storage.Profile{DisplayName: "bob"})
	if err != nil {
		t.Fatalf("create second contact: %v", err)
	}
	if second.LocalDisplayName != "bob_1" {
		t.Fatalf("second name = %q, want %q", second.LocalDisplayName, "bob_1")
	}

	conn, err = store.CreateConnection(ctx, user.ID, "conn-bob-3", storage.ConnContact, 0, 0)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	third, err := store.CreateDirectContact(ctx, user.ID, conn, storage.Profile{DisplayName: "bob"})
	if err != nil {
		t.Fatalf("create third contact: %v", err)
	}
	if third.LocalDisplayName != "bob_2" {
		t.Fatalf("third name = %q, want %q", third.LocalDisplayName, "bob_2")
	}
}

func TestAllocateNameSuffixStaysMonotonic(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	ctx := context.Background()

	createTestContact(t, store, user.ID, "bob")
	conn, err := store.CreateConnection(ctx, user.ID, "conn-bob-2", storage.ConnContact, 0, 0)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if _, err := store.CreateDirectContact(ctx, user.ID, conn, storage.Profile{DisplayName: "bob"}); err != nil {
		t.Fatalf("create second contact: %v", err)
	}

	// Deleting the bare name must not make it reusable while bob_1 lives.
	if err := store.DeleteContact(ctx, user.ID, "bob"); err != nil {
		t.Fatalf("delete contact: %v", err)
	}

	conn, err = store.CreateConnection(ctx, user.ID, "conn-bob-3", storage.ConnContact, 0, 0)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	third, err := store.CreateDirectContact(ctx, user.ID, conn, storage.Profile{DisplayName: "bob"})
	if err != nil {
		t.Fatalf("create third contact: %v", err)
	}
	if third.LocalDisplayName != "bob_2" {
		t.Fatalf("name after partial free = %q, want %q", third.LocalDisplayName, "bob_2")
	}
}

func TestAllocateNameRestartsWhenBaseFullyFreed(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	ctx := context.Background()

	contact := createTestContact(t, store, user.ID, "bob")
	if err := store.DeleteContact(ctx, user.ID, contact.LocalDisplayName); err != nil {
		t.Fatalf("delete contact: %v", err)
	}

	again := createTestContact(t, store, user.ID, "bob")
	if again.LocalDisplayName != "bob" {
		t.Fatalf("name after full free = %q, want %q", again.LocalDisplayName, "bob")
	}
}

func TestCreateUserDuplicateName(t *testing.T) {
	store := openTestStore(t)
	createTestUser(t, store, "alice", true)

	_, err := store.CreateUser(context.Background(), storage.Profile{DisplayName: "alice"}, false)
	if !errors.Is(err, storage.ErrDuplicateName) {
		t.Fatalf("error = %v, want ErrDuplicateName", err)
	}
}
