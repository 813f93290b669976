// Package storage defines persistence contracts for the halyard chat
// client: users, contacts, groups, group memberships, agent connections,
// contact-deduplication probes, and chunked file transfers.
//
// Value objects here are rebuilt per query; the SQLite implementation in
// the sqlite subpackage owns every row.
package storage

import (
	"context"
	"errors"
	"time"
)

// Lookup misses, one per entity class.
var (
	ErrUserNotFound            = errors.New("user not found")
	ErrContactNotFound         = errors.New("contact not found")
	ErrContactNotReady         = errors.New("contact has no connection")
	ErrGroupNotFound           = errors.New("group not found")
	ErrGroupInvitationNotFound = errors.New("group invitation not found")
	ErrConnectionNotFound      = errors.New("connection not found")
	ErrIntroNotFound           = errors.New("group member introduction not found")
	ErrFileNotFound            = errors.New("file not found")
	ErrSndFileNotFound         = errors.New("send file transfer not found")
	ErrRcvFileNotFound         = errors.New("receive file transfer not found")
)

// Allocation and precondition failures.
var (
	ErrDuplicateName      = errors.New("local display name already in use")
	ErrUniqueID           = errors.New("random id generation exhausted retries")
	ErrGroupAlreadyJoined = errors.New("group invitation already accepted")
)

// Structural invariant violations. These indicate a writer other than the
// store touched the schema, or a store bug; they are surfaced to the
// caller rather than crashing the process.
var (
	ErrGroupWithoutUser = errors.New("group has no membership row for its user")
	ErrSndFileInvalid   = errors.New("send file transfer record is inconsistent")
	ErrRcvFileInvalid   = errors.New("receive file transfer record is inconsistent")
)

// Profile carries the peer-supplied identity fields shared by users,
// contacts, and group members.
type Profile struct {
	DisplayName string
	FullName    string
}

// User is the local operator. ContactID references the user's
// self-contact row. At most one user is active at a time.
type User struct {
	ID               int64
	ContactID        int64
	LocalDisplayName string
	Profile          Profile
	Active           bool
}

// ConnType selects which entity id a connection row carries.
type ConnType string

const (
	ConnContact ConnType = "contact"
	ConnMember  ConnType = "member"
	ConnSndFile ConnType = "snd_file"
	ConnRcvFile ConnType = "rcv_file"
)

// ConnStatus is the agent-owned connection state. The store persists the
// value without interpreting transitions.
type ConnStatus string

const (
	ConnNew       ConnStatus = "new"
	ConnJoined    ConnStatus = "joined"
	ConnRequested ConnStatus = "requested"
	ConnAccepted  ConnStatus = "accepted"
	ConnSndReady  ConnStatus = "snd_ready"
	ConnReady     ConnStatus = "ready"
	ConnDeleted   ConnStatus = "deleted"
)

// Connection is one logical link to an underlying messaging-agent queue.
// EntityID is the contact, group member, or file id selected by Type;
// zero means no entity is linked yet (allowed for ConnContact only).
// ViaContactID is the contact through which this link was introduced
// (zero for self-initiated links, which also have Level zero).
type Connection struct {
	ID           int64
	AgentConnID  string
	Level        int
	ViaContactID int64
	Type         ConnType
	Status       ConnStatus
	EntityID     int64
	CreatedAt    time.Time
}

// Contact is a remote peer known to a user. LocalDisplayName is unique
// within the owning user's namespace. ViaGroupID is the group through
// which the contact was discovered, zero for directly-met contacts.
// ActiveConn is the most recent connection, nil when none was loaded.
type Contact struct {
	ID               int64
	LocalDisplayName string
	Profile          Profile
	ViaGroupID       int64
	IsUser           bool
	ActiveConn       *Connection
}

// MemberRole is the member's permission level inside a group.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// MemberCategory records how a member row came to exist. It is fixed at
// creation and never transitions.
type MemberCategory string

const (
	CategoryUser    MemberCategory = "user"
	CategoryHost    MemberCategory = "host"
	CategoryInvitee MemberCategory = "invitee"
	CategoryPre     MemberCategory = "pre"
)

// MemberStatus advances monotonically through the introduction handshake.
type MemberStatus string

const (
	MemCreator      MemberStatus = "creator"
	MemInvited      MemberStatus = "invited"
	MemIntroduced   MemberStatus = "introduced"
	MemIntroInvited MemberStatus = "intro_invited"
	MemConnected    MemberStatus = "connected"
	MemRemoved      MemberStatus = "removed"
	MemLeft         MemberStatus = "left"
)

// Current reports whether a member still counts as actively part of the
// group for introduction purposes.
func (s MemberStatus) Current() bool {
	return s != MemRemoved && s != MemLeft
}

// InvitedByKind tags who invited a group member.
type InvitedByKind string

const (
	InvitedByUser    InvitedByKind = "user"
	InvitedByContact InvitedByKind = "contact"
	InvitedByUnknown InvitedByKind = "unknown"
)

// InvitedBy records the inviter of a group member. ContactID is set only
// for InvitedByContact.
type InvitedBy struct {
	Kind      InvitedByKind
	ContactID int64
}

// GroupMember is one member row of a group. MemberID is the externally
// random group-scoped identity. ContactID links the member to a contact
// when one exists. LocalDisplayName shares the per-user namespace with
// contacts and groups.
type GroupMember struct {
	ID               int64
	GroupID          int64
	MemberID         []byte
	Role             MemberRole
	Category         MemberCategory
	Status           MemberStatus
	InvitedBy        InvitedBy
	ContactID        int64
	Profile          Profile
	LocalDisplayName string
	ActiveConn       *Connection
}

// Group is a chat group known to a user. Membership is the user's own
// member row and is never part of Members.
type Group struct {
	ID               int64
	LocalDisplayName string
	Profile          Profile
	InvQueueInfo     []byte
	Members          []GroupMember
	Membership       GroupMember
}

// IntroStatus tracks one pairwise member introduction.
type IntroStatus string

const (
	IntroPending     IntroStatus = "pending"
	IntroSent        IntroStatus = "sent"
	IntroInvReceived IntroStatus = "inv_received"
	IntroConnected   IntroStatus = "connected"
)

// GroupMemberIntro is a pairwise introduction task: the host introduces
// the existing re-member to the newly joined to-member.
type GroupMemberIntro struct {
	ID              int64
	ReMemberID      int64
	ToMemberID      int64
	Status          IntroStatus
	GroupQueueInfo  []byte
	DirectQueueInfo []byte
}

// GroupInvitation is a received invitation to join a group.
type GroupInvitation struct {
	FromMemberID      []byte
	FromMemberRole    MemberRole
	InvitedMemberID   []byte
	InvitedMemberRole MemberRole
	QueueInfo         []byte
	GroupProfile      Profile
}

// IntroInvitation carries the queue-info pair exchanged during a member
// introduction. Queue-info blobs are opaque to the store.
type IntroInvitation struct {
	GroupQueueInfo  []byte
	DirectQueueInfo []byte
}

// FileStatus is the per-transfer state persisted for both directions.
type FileStatus string

const (
	FileNew	FileStatus = "new"
	FileAccepted	FileStatus = "accepted"
	FileConnected	FileStatus = "connected"
	FileTransfer	FileStatus = "transfer"
	FileComplete	FileStatus = "complete"
	FileCancelled	FileStatus = "cancelled"
)

// SndFileTransfer is an outbound transfer joined with its connection.
type SndFileTransfer struct {
	FileID               int64
	ConnID               int64
	AgentConnID          string
	FileName             string
	FileSize             int64
	ChunkSize            int64
	FilePath             string
	RecipientDisplayName string
	Status               FileStatus
}

// RcvFileTransfer is an inbound transfer. ConnID and AgentConnID are
// populated only once the transfer was accepted.
type RcvFileTransfer struct {
	FileID            int64
	FileName          string
	FileSize          int64
	ChunkSize         int64
	FilePath          string
	SenderDisplayName string
	Status            FileStatus
	FileQueueInfo     []byte
	ConnID            int64
	AgentConnID       string
}

// RcvChunkVerdict classifies one incoming chunk against stored state.
type RcvChunkVerdict string

const (
	ChunkOk        RcvChunkVerdict = "ok"
	ChunkFinal     RcvChunkVerdict = "final"
	ChunkDuplicate RcvChunkVerdict = "duplicate"
	ChunkError     RcvChunkVerdict = "error"
)

// ConnEntityKind classifies an inbound agent event by the entity its
// connection belongs to.
type ConnEntityKind string

const (
	// EntityPendingContact is a contact-typed connection with no contact
	// linked yet: the peer has not been promoted to a contact.
	EntityPendingContact ConnEntityKind = "pending_contact"
	EntityContact        ConnEntityKind = "contact"
	EntityGroupMember    ConnEntityKind = "group_member"
	EntitySndFile        ConnEntityKind = "snd_file"
	EntityRcvFile        ConnEntityKind = "rcv_file"
)

// ConnEntity is the resolution of an agent connection id to the logical
// entity it belongs to. Exactly the field matching Kind is populated.
type ConnEntity struct {
	Kind       ConnEntityKind
	Connection Connection
	Contact    *Contact
	GroupName  string
	Member     *GroupMember
	SndFile    *SndFileTransfer
	RcvFile    *RcvFileTransfer
}

// Participant is the introduction-participant capability shared by
// contacts and the user's own membership: enough identity to materialize
// a group member row.
type Participant interface {
	ParticipantProfile() Profile
	ParticipantDisplayName() string
	ParticipantContactID() int64
}

// ParticipantProfile implements Participant.
func (c Contact) ParticipantProfile() Profile { return c.Profile }

// ParticipantDisplayName implements Participant.
func (c Contact) ParticipantDisplayName() string { return c.LocalDisplayName }

// ParticipantContactID implements Participant.
func (c Contact) ParticipantContactID() int64 { return c.ID }

// ParticipantProfile implements Participant.
func (u User) ParticipantProfile() Profile { return u.Profile }

// ParticipantDisplayName implements Participant.
func (u User) ParticipantDisplayName() string { return u.LocalDisplayName }

// ParticipantContactID implements Participant.
func (u User) ParticipantContactID() int64 { return u.ContactID }

// ParticipantProfile implements Participant.
func (m GroupMember) ParticipantProfile() Profile { return m.Profile }

// ParticipantDisplayName implements Participant.
func (m GroupMember) ParticipantDisplayName() string { return m.LocalDisplayName }

// ParticipantContactID implements Participant.
func (m GroupMember) ParticipantContactID() int64 { return m.ContactID }

// Store is the caller-facing operation surface. Every composite
// operation runs inside exactly one transaction: it either commits
// whole or leaves no partial state.
type Store interface {
	UserStore
	ContactStore
	ConnectionStore
	GroupStore
	ProbeStore
	FileStore
	Close() error
}

// UserStore manages local operator identities.
type UserStore interface {
	CreateUser(ctx context.Context, profile Profile, active bool) (User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	GetUsers(ctx context.Context) ([]User, error)
	SetActiveUser(ctx context.Context, userID int64) error
	UpdateUserProfile(ctx context.Context, user User, profile Profile) (User, error)
}

// ContactStore manages remote peers known to a user.
type ContactStore interface {
	CreateDirectContact(ctx context.Context, userID int64, conn Connection, profile Profile) (Contact, error)
	GetContact(ctx context.Context, userID int64, localDisplayName string) (Contact, error)
	GetContactByConnID(ctx context.Context, userID int64, agentConnID string) (Contact, error)
	GetContactConnections(ctx context.Context, userID int64, contactID int64) ([]Connection, error)
	// ListContacts is best-effort: contacts whose connection lookup fails
	// are dropped from the result, not surfaced as errors.
	ListContacts(ctx context.Context, userID int64) ([]Contact, error)
	UpdateContactProfile(ctx context.Context, userID int64, contact Contact, profile Profile) (Contact, error)
	DeleteContact(ctx context.Context, userID int64, localDisplayName string) error
}

// ConnectionStore manages agent connection rows and inbound resolution.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, userID int64, agentConnID string, connType ConnType, viaContactID int64, level int) (Connection, error)
	GetConnection(ctx context.Context, userID int64, agentConnID string) (Connection, error)
	UpdateConnectionStatus(ctx context.Context, connID int64, status ConnStatus) error
	ResolveConnEntity(ctx context.Context, user User, agentConnID string) (ConnEntity, error)
}

// GroupStore manages groups, memberships, and member introductions.
type GroupStore interface {
	CreateNewGroup(ctx context.Context, user User, profile Profile) (Group, error)
	CreateGroupInvitation(ctx context.Context, user User, inviter Contact, invitation GroupInvitation) (Group, error)
	GetGroup(ctx context.Context, user User, localDisplayName string) (Group, error)
	// ListGroups is best-effort: groups whose member resolution fails are
	// dropped from the result, not surfaced as errors.
	ListGroups(ctx context.Context, user User) ([]Group, error)
	DeleteGroup(ctx context.Context, user User, localDisplayName string) error
	AddGroupMember(ctx context.Context, userID int64, group Group, participant Participant, role MemberRole, category MemberCategory, status MemberStatus, invitedBy InvitedBy) (GroupMember, error)
	UpdateMemberStatus(ctx context.Context, memberID int64, status MemberStatus) error
	SaveMemberInvitation(ctx context.Context, userID int64, member GroupMember, agentConnID string) (Connection, error)
	CreateIntroductions(ctx context.Context, group Group, newMember GroupMember) ([]GroupMemberIntro, error)
	SaveIntroInvitation(ctx context.Context, reMember GroupMember, toMember GroupMember, invitation IntroInvitation) (GroupMemberIntro, error)
	CreateIntroReMember(ctx context.Context, user User, group Group, hostMember GroupMember, introduced GroupMember, groupAgentConnID string, directAgentConnID string) (GroupMember, error)
	CreateIntroToMemberContact(ctx context.Context, user User, group Group, member GroupMember, groupAgentConnID string, directAgentConnID string) (GroupMember, error)
	GetViaGroupMember(ctx context.Context, user User, contact Contact) (GroupMember, error)
	GetViaGroupContact(ctx context.Context, userID int64, member GroupMember) (Contact, error)
}

// ProbeStore implements the contact-deduplication probe protocol and the
// final merge.
type ProbeStore interface {
	CreateSentProbe(ctx context.Context, userID int64, contactID int64) ([]byte, error)
	CreateSentProbeHash(ctx context.Context, userID int64, probe []byte, otherContactID int64) error
	MatchReceivedProbe(ctx context.Context, userID int64, fromContactID int64, probe []byte) (*Contact, error)
	MatchReceivedProbeHash(ctx context.Context, userID int64, fromContactID int64, probeHash []byte) (*Contact, []byte, error)
	MatchSentProbe(ctx context.Context, userID int64, fromContactID int64, probe []byte) (*Contact, error)
	MergeContactRecords(ctx context.Context, userID int64, keep Contact, drop Contact) error
}

// FileStore manages transfer metadata and chunk bookkeeping. File content
// I/O belongs to external collaborators.
type FileStore interface {
	CreateSndFileTransfer(ctx context.Context, userID int64, contact Contact, fileName string, fileSize int64, chunkSize int64, filePath string, agentConnID string) (SndFileTransfer, error)
	GetSndFileTransfer(ctx context.Context, userID int64, fileID int64, connID int64) (SndFileTransfer, error)
	SndFileNextChunk(ctx context.Context, t SndFileTransfer) (int64, error)
	MarkSndChunkSent(ctx context.Context, t SndFileTransfer, chunkNo int64, agentMsgID int64) error
	UpdateSndFileStatus(ctx context.Context, t SndFileTransfer, status FileStatus) error
	CreateRcvFileTransfer(ctx context.Context, userID int64, contact Contact, fileName string, fileSize int64, chunkSize int64, queueInfo []byte) (RcvFileTransfer, error)
	GetRcvFileTransfer(ctx context.Context, userID int64, fileID int64) (RcvFileTransfer, error)
	AcceptRcvFileTransfer(ctx context.Context, userID int64, fileID int64, agentConnID string, filePath string) (RcvFileTransfer, error)
	ClassifyRcvChunk(ctx context.Context, t RcvFileTransfer, chunkNo int64, agentMsgID int64) (RcvChunkVerdict, error)
	MarkRcvChunkStored(ctx context.Context, t RcvFileTransfer, chunkNo int64) error
	UpdateRcvFileStatus(ctx context.Context, t RcvFileTransfer, status FileStatus) error
}
