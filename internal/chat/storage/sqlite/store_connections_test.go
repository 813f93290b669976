package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func TestGetConnectionNotFound(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)

	if _, err := store.GetConnection(context.Background(), user.ID, "missing"); !errors.Is(err, storage.ErrConnectionNotFound) {
		t.Fatalf("error = %v, want ErrConnectionNotFound", err)
	}
}

func TestUpdateConnectionStatus(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	ctx := context.Background()

	conn, err := store.CreateConnection(ctx, user.ID, "conn-1", storage.ConnContact, 0, 0)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if conn.Status != storage.ConnNew {
		t.Fatalf("status = %q, want %q", conn.Status, storage.ConnNew)
	}

	if err := store.UpdateConnectionStatus(ctx, conn.ID, storage.ConnReady); err != nil {
		t.Fatalf("update connection status: %v", err)
	}
	got, err := store.GetConnection(ctx, user.ID, "conn-1")
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Status != storage.ConnReady {
		t.Fatalf("status = %q, want %q", got.Status, storage.ConnReady)
	}

	if err := store.UpdateConnectionStatus(ctx, 99, storage.ConnReady); !errors.Is(err, storage.ErrConnectionNotFound) {
		t.Fatalf("error = %v, want ErrConnectionNotFound", err)
	}
}

func TestResolveConnEntityPendingContact(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	ctx := context.Background()

	if _, err := store.CreateConnection(ctx, user.ID, "conn-pending", storage.ConnContact, 0, 0); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	entity, err := store.ResolveConnEntity(ctx, user, "conn-pending")
	if err != nil {
		t.Fatalf("resolve entity: %v", err)
	}
	if entity.Kind != storage.EntityPendingContact {
		t.Fatalf("kind = %q, want %q", entity.Kind, storage.EntityPendingContact)
	}
}

func TestResolveConnEntityContact(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	contact := createTestContact(t, store, user.ID, "bob")

	entity, err := store.ResolveConnEntity(context.Background(), user, "conn-bob")
	if err != nil {
		t.Fatalf("resolve entity: %v", err)
	}
	if entity.Kind != storage.EntityContact {
		t.Fatalf("kind = %q, want %q", entity.Kind, storage.EntityContact)
	}
	if entity.Contact == nil || entity.Contact.ID != contact.ID {
		t.Fatalf("resolved contact = %+v, want id %d", entity.Contact, contact.ID)
	}
}

func TestResolveConnEntityGroupMember(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")
	ctx := context.Background()

	group, err := store.CreateNewGroup(ctx, user, storage.Profile{DisplayName: "team"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	member, err := store.AddGroupMember(ctx, user.ID, group, bob, storage.RoleMember, storage.CategoryInvitee, storage.MemInvited, storage.InvitedBy{Kind: storage.InvitedByUser})
	if err != nil {
		t.Fatalf("add group member: %v", err)
	}
	if _, err := store.SaveMemberInvitation(ctx, user.ID, member, "conn-member-bob"); err != nil {
		t.Fatalf("save member invitation: %v", err)
	}

	entity, err := store.ResolveConnEntity(ctx, user, "conn-member-bob")
	if err != nil {
		t.Fatalf("resolve entity: %v", err)
	}
	if entity.Kind != storage.EntityGroupMember {
		t.Fatalf("kind = %q, want %q", entity.Kind, storage.EntityGroupMember)
	}
	if entity.GroupName != group.LocalDisplayName {
		t.Fatalf("group name = %q, want %q", entity.GroupName, group.LocalDisplayName)
	}
	if entity.Member == nil || entity.Member.ID != member.ID {
		t.Fatalf("resolved member = %+v, want id %d", entity.Member, member.ID)
	}
}

func TestResolveConnEntitySndFile(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")
	ctx := context.Background()

	transfer, err := store.CreateSndFileTransfer(ctx, user.ID, bob, "notes.txt", 250, 100, "/tmp/notes.txt", "conn-snd-1")
	if err != nil {
		t.Fatalf("create snd file transfer: %v", err)
	}

	entity, err := store.ResolveConnEntity(ctx, user, "conn-snd-1")
	if err != nil {
		t.Fatalf("resolve entity: %v", err)
	}
	if entity.Kind != storage.EntitySndFile {
		t.Fatalf("kind = %q, want %q", entity.Kind, storage.EntitySndFile)
	}
	if entity.SndFile == nil || entity.SndFile.FileID != transfer.FileID {
		t.Fatalf("resolved transfer = %+v, want file %d", entity.SndFile, transfer.FileID)
	}
}

func TestResolveConnEntityRcvFile(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")
	ctx := context.Background()

	offered, err := store.CreateRcvFileTransfer(ctx, user.ID, bob, "notes.txt", 250, 100, []byte("queue"))
	if err != nil {
		t.Fatalf("create rcv file transfer: %v", err)
	}
	if _, err := store.AcceptRcvFileTransfer(ctx, user.ID, offered.FileID, "conn-rcv-1", "/tmp/notes.txt"); err != nil {
		t.Fatalf("accept rcv file transfer: %v", err)
	}

	entity, err := store.ResolveConnEntity(ctx, user, "conn-rcv-1")
	if err != nil {
		t.Fatalf("resolve entity: %v", err)
	}
	if entity.Kind != storage.EntityRcvFile {
		t.Fatalf("kind = %q, want %q", entity.Kind, storage.EntityRcvFile)
	}
	if entity.RcvFile == nil || entity.RcvFile.FileID != offered.FileID {
		t.Fatalf("resolved transfer = %+v, want file %d", entity.RcvFile, offered.FileID)
	}
}

func TestLatestConnectionWins(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	contact := createTestContact(t, store, user.ID, "bob")
	ctx := context.Background()

	// Link a second connection to the same contact; the newer row wins.
	second, err := store.CreateConnection(ctx, user.ID, "conn-bob-2", storage.ConnContact, 0, 0)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if _, err := store.sqlDB.Exec(`UPDATE connections SET contact_id = ? WHERE connection_id = ?`, contact.ID, second.ID); err != nil {
		t.Fatalf("link second connection: %v", err)
	}

	got, err := store.GetContact(ctx, user.ID, "bob")
	if err != nil {
		t.Fatalf("get contact: %v", err)
	}
	if got.ActiveConn.ID != second.ID {
		t.Fatalf("active connection = %d, want latest %d", got.ActiveConn.ID, second.ID)
	}
}
