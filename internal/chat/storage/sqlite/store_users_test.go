package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func TestCreateUserRoundTrip(t *testing.T) {
	store := openTestStore(t)
	created := createTestUser(t, store, "alice", true)

	got, err := store.GetUser(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.LocalDisplayName != "alice" {
		t.Fatalf("local display name = %q, want %q", got.LocalDisplayName, "alice")
	}
	if got.Profile.DisplayName != "alice" {
		t.Fatalf("profile display name = %q, want %q", got.Profile.DisplayName, "alice")
	}
	if !got.Active {
		t.Fatal("expected user to be active")
	}
	if got.ContactID == 0 {
		t.Fatal("expected self contact to be linked")
	}
}

func TestGetUserNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetUser(context.Background(), 99); !errors.Is(err, storage.ErrUserNotFound) {
		t.Fatalf("error = %v, want ErrUserNotFound", err)
	}
}

func TestSingleActiveUser(t *testing.T) {
	store := openTestStore(t)
	alice := createTestUser(t, store, "alice", true)
	bob := createTestUser(t, store, "bob", true)

	users, err := store.GetUsers(context.Background())
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	if users[0].ID != bob.ID || !users[0].Active {
		t.Fatalf("expected bob active first, got %+v", users[0])
	}
	if users[1].Active {
		t.Fatal("expected alice to be deactivated")
	}

	if err := store.SetActiveUser(context.Background(), alice.ID); err != nil {
		t.Fatalf("set active user: %v", err)
	}
	users, err = store.GetUsers(context.Background())
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	if users[0].ID != alice.ID || !users[0].Active {
		t.Fatalf("expected alice active first, got %+v", users[0])
	}
	if users[1].Active {
		t.Fatal("expected only one active user")
	}
}

func TestSetActiveUserNotFound(t *testing.T) {
	store := openTestStore(t)
	createTestUser(t, store, "alice", true)

	if err := store.SetActiveUser(context.Background(), 99); !errors.Is(err, storage.ErrUserNotFound) {
		t.Fatalf("error = %v, want ErrUserNotFound", err)
	}
}

func TestUpdateUserProfileSameName(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)

	updated, err := store.UpdateUserProfile(context.Background(), user, storage.Profile{DisplayName: "alice", FullName: "Alice Example"})
	if err != nil {
		t.Fatalf("update user profile: %v", err)
	}
	if updated.LocalDisplayName != "alice" {
		t.Fatalf("local display name = %q, want unchanged", updated.LocalDisplayName)
	}
	if updated.Profile.FullName != "Alice Example" {
		t.Fatalf("full name = %q, want %q", updated.Profile.FullName, "Alice Example")
	}
}

func TestUpdateUserProfileRenameFreesOldName(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)

	updated, err := store.UpdateUserProfile(context.Background(), user, storage.Profile{DisplayName: "carol"})
	if err != nil {
		t.Fatalf("update user profile: %v", err)
	}
	if updated.LocalDisplayName != "carol" {
		t.Fatalf("local display name = %q, want %q", updated.LocalDisplayName, "carol")
	}

	// The old name is free again: a new contact takes it bare.
	contact := createTestContact(t, store, user.ID, "alice")
	if contact.LocalDisplayName != "alice" {
		t.Fatalf("contact name = %q, want freed %q", contact.LocalDisplayName, "alice")
	}
}

func TestUpdateUserProfileRenameClash(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	createTestContact(t, store, user.ID, "carol")

	updated, err := store.UpdateUserProfile(context.Background(), user, storage.Profile{DisplayName: "carol"})
	if err != nil {
		t.Fatalf("update user profile: %v", err)
	}
	if updated.LocalDisplayName != "carol_1" {
		t.Fatalf("local display name = %q, want %q", updated.LocalDisplayName, "carol_1")
	}
}
