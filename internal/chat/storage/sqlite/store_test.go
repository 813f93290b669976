package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func createTestUser(t *testing.T, store *Store, name string, active bool) storage.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), storage.Profile{DisplayName: name}, active)
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}

func createTestContact(t *testing.T, store *Store, userID int64, name string) storage.Contact {
	t.Helper()
	ctx := context.Background()
	conn, err := store.CreateConnection(ctx, userID, "conn-"+name, storage.ConnContact, 0, 0)
	if err != nil {
		t.Fatalf("create connection for %s: %v", name, err)
	}
	contact, err := store.CreateDirectContact(ctx, userID, conn, storage.Profile{DisplayName: name})
	if err != nil {
		t.Fatalf("create contact %s: %v", name, err)
	}
	return contact
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close reopened store: %v", err)
	}
}

func TestCloseNilStore(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}
