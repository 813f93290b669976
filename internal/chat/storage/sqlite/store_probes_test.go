package sqlite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func TestMatchReceivedProbeAfterHash(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")
	bobViaGroup := createTestContact(t, store, user.ID, "bob-via-group")
	ctx := context.Background()

	probe := bytes.Repeat([]byte{0x42}, 32)
	hash := sha256.Sum256(probe)

	// The hash arrives from the existing contact first, before the full
	// probe from the group-discovered duplicate.
	matched, returnedProbe, err := store.MatchReceivedProbeHash(ctx, user.ID, bob.ID, hash[:])
	if err != nil {
		t.Fatalf("match received probe hash: %v", err)
	}
	if matched != nil || returnedProbe != nil {
		t.Fatalf("got match %+v before any probe, want none", matched)
	}

	found, err := store.MatchReceivedProbe(ctx, user.ID, bobViaGroup.ID, probe)
	if err != nil {
		t.Fatalf("match received probe: %v", err)
	}
	if found == nil || found.ID != bob.ID {
		t.Fatalf("matched = %+v, want contact %d", found, bob.ID)
	}
}

func TestMatchReceivedProbeHashAfterProbe(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")
	bobViaGroup := createTestContact(t, store, user.ID, "bob-via-group")
	ctx := context.Background()

	probe := bytes.Repeat([]byte{0x17}, 32)
	hash := sha256.Sum256(probe)

	found, err := store.MatchReceivedProbe(ctx, user.ID, bobViaGroup.ID, probe)
	if err != nil {
		t.Fatalf("match received probe: %v", err)
	}
	if found != nil {
		t.Fatalf("got match %+v before any hash, want none", found)
	}

	matched, returnedProbe, err := store.MatchReceivedProbeHash(ctx, user.ID, bob.ID, hash[:])
	if err != nil {
		t.Fatalf("match received probe hash: %v", err)
	}
	if matched == nil || matched.ID != bobViaGroup.ID {
		t.Fatalf("matched = %+v, want contact %d", matched, bobViaGroup.ID)
	}
	if !bytes.Equal(returnedProbe, probe) {
		t.Fatalf("probe = %x, want %x", returnedProbe, probe)
	}
}

func TestMatchReceivedProbeIgnoresSameContact(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")
	ctx := context.Background()

	probe := bytes.Repeat([]byte{0x03}, 32)
	hash := sha256.Sum256(probe)

	if _, _, err := store.MatchReceivedProbeHash(ctx, user.ID, bob.ID, hash[:]); err != nil {
		t.Fatalf("match received probe hash: %v", err)
	}
	found, err := store.MatchReceivedProbe(ctx, user.ID, bob.ID, probe)
	if err != nil {
		t.Fatalf("match received probe: %v", err)
	}
	if found != nil {
		t.Fatalf("got match %+v from the same contact, want none", found)
	}
}

func TestMatchSentProbe(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bobViaGroup := createTestContact(t, store, user.ID, "bob-via-group")
	bob := createTestContact(t, store, user.ID, "bob")
	carol := createTestContact(t, store, user.ID, "carol")
	ctx := context.Background()

	probe, err := store.CreateSentProbe(ctx, user.ID, bobViaGroup.ID)
	if err != nil {
		t.Fatalf("create sent probe: %v", err)
	}
	if len(probe) != probeSize {
		t.Fatalf("probe length = %d, want %d", len(probe), probeSize)
	}
	if err := store.CreateSentProbeHash(ctx, user.ID, probe, bob.ID); err != nil {
		t.Fatalf("create sent probe hash: %v", err)
	}

	matched, err := store.MatchSentProbe(ctx, user.ID, bob.ID, probe)
	if err != nil {
		t.Fatalf("match sent probe: %v", err)
	}
	if matched == nil || matched.ID != bobViaGroup.ID {
		t.Fatalf("matched = %+v, want contact %d", matched, bobViaGroup.ID)
	}

	// A contact that never got the hash cannot confirm the probe.
	matched, err = store.MatchSentProbe(ctx, user.ID, carol.ID, probe)
	if err != nil {
		t.Fatalf("match sent probe: %v", err)
	}
	if matched != nil {
		t.Fatalf("matched = %+v, want none", matched)
	}
}

func TestCreateSentProbeHashUnknownProbe(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")

	err := store.CreateSentProbeHash(context.Background(), user.ID, bytes.Repeat([]byte{0x01}, 32), bob.ID)
	if !errors.Is(err, storage.ErrContactNotFound) {
		t.Fatalf("error = %v, want ErrContactNotFound", err)
	}
}

func TestMergeContactRecords(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	keep := createTestContact(t, store, user.ID, "bob")
	drop := createTestContact(t, store, user.ID, "bob-via-group")
	ctx := context.Background()

	group, err := store.CreateNewGroup(ctx, user, storage.Profile{DisplayName: "team"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	member, err := store.AddGroupMember(ctx, user.ID, group, drop, storage.RoleMember, storage.CategoryInvitee, storage.MemConnected, storage.InvitedBy{Kind: storage.InvitedByUser})
	if err != nil {
		t.Fatalf("add group member: %v", err)
	}

	if err := store.MergeContactRecords(ctx, user.ID, keep, drop); err != nil {
		t.Fatalf("merge contacts: %v", err)
	}

	if _, err := store.GetContact(ctx, user.ID, drop.LocalDisplayName); !errors.Is(err, storage.ErrContactNotFound) {
		t.Fatalf("error = %v, want dropped contact gone", err)
	}

	// The member row now points at the kept contact.
	loaded, err := store.GetGroup(ctx, user, "team")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if len(loaded.Members) != 1 {
		t.Fatalf("got %d members, want 1", len(loaded.Members))
	}
	if loaded.Members[0].ID != member.ID {
		t.Fatalf("member id = %d, want %d", loaded.Members[0].ID, member.ID)
	}
	if loaded.Members[0].ContactID != keep.ID {
		t.Fatalf("member contact = %d, want kept %d", loaded.Members[0].ContactID, keep.ID)
	}
	if loaded.Members[0].LocalDisplayName != keep.LocalDisplayName {
		t.Fatalf("member name = %q, want %q", loaded.Members[0].LocalDisplayName, keep.LocalDisplayName)
	}

	// Merging the same pair again fails: drop no longer exists.
	if err := store.MergeContactRecords(ctx, user.ID, keep, drop); !errors.Is(err, storage.ErrContactNotFound) {
		t.Fatalf("error = %v, want ErrContactNotFound on replay", err)
	}
}

func TestMergeContactRecordsKeepsFileTransfers(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	keep := createTestContact(t, store, user.ID, "bob")
	drop := createTestContact(t, store, user.ID, "bob-via-group")
	ctx := context.Background()

	transfer := createTestSndTransfer(t, store, user, drop, 250, 100)

	if err := store.MergeContactRecords(ctx, user.ID, keep, drop); err != nil {
		t.Fatalf("merge contacts: %v", err)
	}

	// The in-flight transfer survives the merge on the kept contact.
	got, err := store.GetSndFileTransfer(ctx, user.ID, transfer.FileID, transfer.ConnID)
	if err != nil {
		t.Fatalf("get snd file transfer after merge: %v", err)
	}
	if got.RecipientDisplayName != keep.LocalDisplayName {
		t.Fatalf("recipient = %q, want %q", got.RecipientDisplayName, keep.LocalDisplayName)
	}
}

func TestMergeContactRecordsRejectsSelfMerge(t *testing.T) {
	store := openTestStore(t)
	user := createTestUser(t, store, "alice", true)
	bob := createTestContact(t, store, user.ID, "bob")

	if err := store.MergeContactRecords(context.Background(), user.ID, bob, bob); err == nil {
		t.Fatal("expected error merging a contact into itself")
	}
}
