package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/halyard/internal/chat/profile"
	"github.com/louisbranch/halyard/internal/chat/storage"
)

const memberColumns = `gm.group_member_id, gm.group_id, gm.member_id, gm.member_role, gm.member_category, gm.member_status, gm.invited_by, u.contact_id, gm.contact_id, gm.local_display_name, p.display_name, p.full_name`

const memberQuery = `SELECT ` + memberColumns + `
 FROM group_members gm
 JOIN users u ON u.user_id = gm.user_id
 JOIN profiles p ON p.profile_id = gm.contact_profile_id`

func scanMemberRow(scan func(dest ...any) error) (storage.GroupMember, error) {
	var member storage.GroupMember
	var invitedBy, contactID sql.NullInt64
	var userContactID int64
	err := scan(
		&member.ID,
		&member.GroupID,
		&member.MemberID,
		&member.Role,
		&member.Category,
		&member.Status,
		&invitedBy,
		&userContactID,
		&contactID,
		&member.LocalDisplayName,
		&member.Profile.DisplayName,
		&member.Profile.FullName,
	)
	if err != nil {
		return storage.GroupMember{}, err
	}
	member.ContactID = contactID.Int64
	switch {
	case !invitedBy.Valid:
		member.InvitedBy = storage.InvitedBy{Kind: storage.InvitedByUnknown}
	case invitedBy.Int64 == userContactID:
		member.InvitedBy = storage.InvitedBy{Kind: storage.InvitedByUser}
	default:
		member.InvitedBy = storage.InvitedBy{Kind: storage.InvitedByContact, ContactID: invitedBy.Int64}
	}
	return member, nil
}

// newMemberID draws a fresh group-scoped random member id.
func (s *Store) newMemberID(ctx context.Context, tx *sql.Tx, groupID int64) ([]byte, error) {
	return s.uniqueBytes(memberIDSize, func(token []byte) (bool, error) {
		row := tx.QueryRowContext(
			ctx,
			`SELECT 1 FROM group_members WHERE group_id = ? AND member_id = ?`,
			groupID,
			token,
		)
		var found int
		if err := row.Scan(&found); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, fmt.Errorf("check member id: %w", err)
		}
		return true, nil
	})
}

type memberSpec struct {
	groupID   int64
	memberID  []byte
	role      storage.MemberRole
	category  storage.MemberCategory
	status    storage.MemberStatus
	invitedBy storage.InvitedBy
	userID    int64
	name      string
	profileID int64
	contactID int64
}

func insertMember(ctx context.Context, tx *sql.Tx, spec memberSpec) (int64, error) {
	var invitedBy any
	switch spec.invitedBy.Kind {
	case storage.InvitedByContact:
		invitedBy = spec.invitedBy.ContactID
	case storage.InvitedByUser:
		row := tx.QueryRowContext(ctx, `SELECT contact_id FROM users WHERE user_id = ?`, spec.userID)
		var selfContactID int64
		if err := row.Scan(&selfContactID); err != nil {
			return 0, fmt.Errorf("find self contact: %w", err)
		}
		invitedBy = selfContactID
	}
	var contactID any
	if spec.contactID != 0 {
		contactID = spec.contactID
	}

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO group_members (group_id, member_id, member_role, member_category, member_status, invited_by, user_id, local_display_name, contact_profile_id, contact_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.groupID,
		spec.memberID,
		spec.role,
		spec.category,
		spec.status,
		invitedBy,
		spec.userID,
		spec.name,
		spec.profileID,
		contactID,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert group member: %w", err)
	}
	return lastInsertID(res, "group member")
}

func contactProfileID(ctx context.Context, tx *sql.Tx, contactID int64) (int64, error) {
	row := tx.QueryRowContext(ctx, `SELECT profile_id FROM contacts WHERE contact_id = ?`, contactID)
	var profileID int64
	if err := row.Scan(&profileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrContactNotFound
		}
		return 0, fmt.Errorf("find contact profile: %w", err)
	}
	return profileID, nil
}

// addParticipantMemberTx materializes a member row for an introduction
// participant (a contact or the user's own identity). The member mirrors
// the participant's display name and profile row instead of allocating a
// fresh name.
func addParticipantMemberTx(ctx context.Context, tx *sql.Tx, userID int64, groupID int64, memberID []byte, participant storage.Participant, role storage.MemberRole, category storage.MemberCategory, status storage.MemberStatus, invitedBy storage.InvitedBy) (storage.GroupMember, error) {
	contactID := participant.ParticipantContactID()
	if contactID == 0 {
		return storage.GroupMember{}, storage.ErrContactNotFound
	}
	profileID, err := contactProfileID(ctx, tx, contactID)
	if err != nil {
		return storage.GroupMember{}, err
	}

	rowID, err := insertMember(ctx, tx, memberSpec{
		groupID:   groupID,
		memberID:  memberID,
		role:      role,
		category:  category,
		status:    status,
		invitedBy: invitedBy,
		userID:    userID,
		name:      participant.ParticipantDisplayName(),
		profileID: profileID,
		contactID: contactID,
	})
	if err != nil {
		return storage.GroupMember{}, err
	}

	return storage.GroupMember{
		ID:               rowID,
		GroupID:          groupID,
		MemberID:         memberID,
		Role:             role,
		Category:         category,
		Status:           status,
		InvitedBy:        invitedBy,
		ContactID:        contactID,
		Profile:          participant.ParticipantProfile(),
		LocalDisplayName: participant.ParticipantDisplayName(),
	}, nil
}

// CreateNewGroup creates a group owned by the user, with the user's own
// membership as its creator member.
func (s *Store) CreateNewGroup(ctx context.Context, user storage.User, p storage.Profile) (storage.Group, error) {
	normalized, err := profile.Normalize(p)
	if err != nil {
		return storage.Group{}, err
	}

	var group storage.Group
	err = s.withTx(ctx, "create group", func(tx *sql.Tx) error {
		return s.allocateName(ctx, tx, user.ID, normalized.DisplayName, func(name string) error {
			groupID, err := insertGroupRow(ctx, tx, user.ID, name, normalized, nil)
			if err != nil {
				return err
			}
			memberID, err := s.newMemberID(ctx, tx, groupID)
			if err != nil {
				return err
			}
			membership, err := addParticipantMemberTx(ctx, tx, user.ID, groupID, memberID, user, storage.RoleOwner, storage.CategoryUser, storage.MemCreator, storage.InvitedBy{Kind: storage.InvitedByUser})
			if err != nil {
				return err
			}
			group = storage.Group{
				ID:               groupID,
				LocalDisplayName: name,
				Profile:          normalized,
				Membership:       membership,
			}
			return nil
		})
	})
	if err != nil {
		return storage.Group{}, err
	}
	return group, nil
}

func insertGroupRow(ctx context.Context, tx *sql.Tx, userID int64, name string, p storage.Profile, invQueueInfo []byte) (int64, error) {
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO group_profiles (display_name, full_name, created_at) VALUES (?, ?, ?)`,
		p.DisplayName,
		p.FullName,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert group profile: %w", err)
	}
	groupProfileID, err := lastInsertID(res, "group profile")
	if err != nil {
		return 0, err
	}

	res, err = tx.ExecContext(
		ctx,
		`INSERT INTO groups (user_id, local_display_name, group_profile_id, inv_queue_info, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID,
		name,
		groupProfileID,
		invQueueInfo,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	return lastInsertID(res, "group")
}

// CreateGroupInvitation persists a received group invitation: the group
// row with its pending queue-info, the inviting host's member row, and
// the user's own not-yet-joined membership. Re-reading an invitation for
// a group already created fails with ErrGroupAlreadyJoined.
func (s *Store) CreateGroupInvitation(ctx context.Context, user storage.User, inviter storage.Contact, invitation storage.GroupInvitation) (storage.Group, error) {
	normalized, err := profile.Normalize(invitation.GroupProfile)
	if err != nil {
		return storage.Group{}, err
	}
	if len(invitation.FromMemberID) == 0 || len(invitation.InvitedMemberID) == 0 {
		return storage.Group{}, storage.ErrGroupInvitationNotFound
	}

	var group storage.Group
	err = s.withTx(ctx, "create group invitation", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT 1 FROM group_members gm
			 JOIN groups g ON g.group_id = gm.group_id
			 WHERE g.user_id = ? AND gm.member_id = ? AND gm.member_category = ?`,
			user.ID,
			invitation.FromMemberID,
			storage.CategoryHost,
		)
		var found int
		switch err := row.Scan(&found); {
		case err == nil:
			return storage.ErrGroupAlreadyJoined
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check existing invitation: %w", err)
		}

		return s.allocateName(ctx, tx, user.ID, normalized.DisplayName, func(name string) error {
			groupID, err := insertGroupRow(ctx, tx, user.ID, name, normalized, invitation.QueueInfo)
			if err != nil {
				return err
			}

			if _, err := addParticipantMemberTx(ctx, tx, user.ID, groupID, invitation.FromMemberID, inviter, invitation.FromMemberRole, storage.CategoryHost, storage.MemInvited, storage.InvitedBy{Kind: storage.InvitedByUnknown}); err != nil {
				return err
			}

			membership, err := addParticipantMemberTx(ctx, tx, user.ID, groupID, invitation.InvitedMemberID, user, invitation.InvitedMemberRole, storage.CategoryUser, storage.MemInvited, storage.InvitedBy{Kind: storage.InvitedByContact, ContactID: inviter.ID})
			if err != nil {
				return err
			}

			group = storage.Group{
				ID:               groupID,
				LocalDisplayName: name,
				Profile:          normalized,
				InvQueueInfo:     invitation.QueueInfo,
				Membership:       membership,
			}
			return nil
		})
	})
	if err != nil {
		return storage.Group{}, err
	}
	return group, nil
}

// GetGroup loads a group with all members, partitioning the user's own
// membership out of the member list by its self-contact id.
func (s *Store) GetGroup(ctx context.Context, user storage.User, localDisplayName string) (storage.Group, error) {
	if err := ctx.Err(); err != nil {
		return storage.Group{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Group{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT g.group_id, g.local_display_name, gp.display_name, gp.full_name, g.inv_queue_info
		 FROM groups g
		 JOIN group_profiles gp ON gp.group_profile_id = g.group_profile_id
		 WHERE g.user_id = ? AND g.local_display_name = ?`,
		user.ID,
		localDisplayName,
	)
	var group storage.Group
	if err := row.Scan(
		&group.ID,
		&group.LocalDisplayName,
		&group.Profile.DisplayName,
		&group.Profile.FullName,
		&group.InvQueueInfo,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Group{}, storage.ErrGroupNotFound
		}
		return storage.Group{}, fmt.Errorf("get group: %w", err)
	}

	members, err := s.groupMembers(ctx, group.ID)
	if err != nil {
		return storage.Group{}, err
	}

	foundMembership := false
	for _, member := range members {
		if member.ContactID == user.ContactID {
			group.Membership = member
			foundMembership = true
			continue
		}
		group.Members = append(group.Members, member)
	}
	if !foundMembership {
		return storage.Group{}, storage.ErrGroupWithoutUser
	}
	return group, nil
}

func (s *Store) groupMembers(ctx context.Context, groupID int64) ([]storage.GroupMember, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		memberQuery+` WHERE gm.group_id = ? ORDER BY gm.group_member_id ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var members []storage.GroupMember
	for rows.Next() {
		member, err := scanMemberRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list group members: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}

	for i := range members {
		conn, err := latestMemberConnection(ctx, s.sqlDB, members[i].ID)
		if err != nil {
			continue
		}
		members[i].ActiveConn = &conn
	}
	return members, nil
}

func getMemberWithGroupName(ctx context.Context, q queryer, userID int64, memberID int64) (storage.GroupMember, string, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT `+memberColumns+`, g.local_display_name
		 FROM group_members gm
		 JOIN users u ON u.user_id = gm.user_id
		 JOIN profiles p ON p.profile_id = gm.contact_profile_id
		 JOIN groups g ON g.group_id = gm.group_id
		 WHERE gm.user_id = ? AND gm.group_member_id = ?`,
		userID,
		memberID,
	)
	// The group name rides along after the member columns.
	var groupName string
	member, err := scanMemberRow(func(dest ...any) error {
		dest = append(dest, &groupName)
		return row.Scan(dest...)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.GroupMember{}, "", storage.ErrGroupNotFound
		}
		return storage.GroupMember{}, "", fmt.Errorf("get group member: %w", err)
	}
	return member, groupName, nil
}

// ListGroups returns every resolvable group of the user. Groups whose
// member resolution fails are dropped, not surfaced: listing is
// best-effort by design of the caller surface.
func (s *Store) ListGroups(ctx context.Context, user storage.User) ([]storage.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT local_display_name FROM groups WHERE user_id = ? ORDER BY local_display_name ASC`,
		user.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	var groups []storage.Group
	for _, name := range names {
		group, err := s.GetGroup(ctx, user, name)
		if err != nil {
			continue
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// DeleteGroup removes a group, its members and their connections, and
// every display name the group's rows own.
func (s *Store) DeleteGroup(ctx context.Context, user storage.User, localDisplayName string) error {
	return s.withTx(ctx, "delete group", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT group_id, group_profile_id FROM groups WHERE user_id = ? AND local_display_name = ?`,
			user.ID,
			localDisplayName,
		)
		var groupID, groupProfileID int64
		if err := row.Scan(&groupID, &groupProfileID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrGroupNotFound
			}
			return fmt.Errorf("find group: %w", err)
		}

		// Members without a linked contact own their display name; linked
		// members mirror the contact's name, which stays reserved.
		nameRows, err := tx.QueryContext(
			ctx,
			`SELECT local_display_name FROM group_members
			 WHERE group_id = ? AND contact_id IS NULL`,
			groupID,
		)
		if err != nil {
			return fmt.Errorf("find member names: %w", err)
		}
		var orphanNames []string
		for nameRows.Next() {
			var name string
			if err := nameRows.Scan(&name); err != nil {
				nameRows.Close()
				return fmt.Errorf("find member names: %w", err)
			}
			orphanNames = append(orphanNames, name)
		}
		if err := nameRows.Err(); err != nil {
			nameRows.Close()
			return fmt.Errorf("find member names: %w", err)
		}
		nameRows.Close()

		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM connections WHERE group_member_id IN
			 (SELECT group_member_id FROM group_members WHERE group_id = ?)`,
			groupID,
		); err != nil {
			return fmt.Errorf("delete member connections: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM group_member_intros WHERE re_group_member_id IN
			 (SELECT group_member_id FROM group_members WHERE group_id = ?)`,
			groupID,
		); err != nil {
			return fmt.Errorf("delete member intros: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("delete group members: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_profiles WHERE group_profile_id = ?`, groupProfileID); err != nil {
			return fmt.Errorf("delete group profile: %w", err)
		}

		for _, name := range orphanNames {
			if err := freeName(ctx, tx, user.ID, name); err != nil {
				return err
			}
		}
		return freeName(ctx, tx, user.ID, localDisplayName)
	})
}

// AddGroupMember adds an introduction participant to a group with a fresh
// random member id.
func (s *Store) AddGroupMember(ctx context.Context, userID int64, group storage.Group, participant storage.Participant, role storage.MemberRole, category storage.MemberCategory, status storage.MemberStatus, invitedBy storage.InvitedBy) (storage.GroupMember, error) {
	var member storage.GroupMember
	err := s.withTx(ctx, "add group member", func(tx *sql.Tx) error {
		memberID, err := s.newMemberID(ctx, tx, group.ID)
		if err != nil {
			return err
		}
		created, err := addParticipantMemberTx(ctx, tx, userID, group.ID, memberID, participant, role, category, status, invitedBy)
		if err != nil {
			return err
		}
		member = created
		return nil
	})
	if err != nil {
		return storage.GroupMember{}, err
	}
	return member, nil
}

// UpdateMemberStatus advances a member through the introduction handshake.
func (s *Store) UpdateMemberStatus(ctx context.Context, memberID int64, status storage.MemberStatus) error {
	return s.withTx(ctx, "update member status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE group_members SET member_status = ? WHERE group_member_id = ?`,
			status,
			memberID,
		)
		if err != nil {
			return fmt.Errorf("update member status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update member status: %w", err)
		}
		if affected == 0 {
			return storage.ErrGroupNotFound
		}
		return nil
	})
}

// SaveMemberInvitation records the group-scoped connection created when
// the user invites member's contact into the group.
func (s *Store) SaveMemberInvitation(ctx context.Context, userID int64, member storage.GroupMember, agentConnID string) (storage.Connection, error) {
	var conn storage.Connection
	err := s.withTx(ctx, "save member invitation", func(tx *sql.Tx) error {
		created, err := insertConnection(ctx, tx, userID, agentConnID, storage.ConnMember, storage.ConnNew, member.ContactID, 0, member.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE group_members SET member_status = ? WHERE group_member_id = ?`,
			storage.MemInvited,
			member.ID,
		); err != nil {
			return fmt.Errorf("mark member invited: %w", err)
		}
		conn = created
		return nil
	})
	if err != nil {
		return storage.Connection{}, err
	}
	return conn, nil
}

// CreateIntroductions records one pairwise introduction per current
// member for a newly joined member. The joiner itself and the user's own
// membership are excluded: the host already has direct links to both
// sides. An empty member list writes nothing.
func (s *Store) CreateIntroductions(ctx context.Context, group storage.Group, newMember storage.GroupMember) ([]storage.GroupMemberIntro, error) {
	var reMembers []storage.GroupMember
	for _, member := range group.Members {
		if member.ID == newMember.ID {
			continue
		}
		if !member.Status.Current() {
			continue
		}
		reMembers = append(reMembers, member)
	}
	if len(reMembers) == 0 {
		return nil, nil
	}

	var intros []storage.GroupMemberIntro
	err := s.withTx(ctx, "create introductions", func(tx *sql.Tx) error {
		for _, reMember := range reMembers {
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO group_member_intros (re_group_member_id, to_group_member_id, intro_status, created_at)
				 VALUES (?, ?, ?, ?)`,
				reMember.ID,
				newMember.ID,
				storage.IntroPending,
				toMillis(time.Now()),
			)
			if err != nil {
				return fmt.Errorf("insert introduction: %w", err)
			}
			introID, err := lastInsertID(res, "introduction")
			if err != nil {
				return err
			}
			intros = append(intros, storage.GroupMemberIntro{
				ID:         introID,
				ReMemberID: reMember.ID,
				ToMemberID: newMember.ID,
				Status:     storage.IntroPending,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intros, nil
}

// SaveIntroInvitation stores the queue-info pair received for the unique
// introduction of the ordered (reMember, toMember) pair.
func (s *Store) SaveIntroInvitation(ctx context.Context, reMember storage.GroupMember, toMember storage.GroupMember, invitation storage.IntroInvitation) (storage.GroupMemberIntro, error) {
	var intro storage.GroupMemberIntro
	err := s.withTx(ctx, "save intro invitation", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT group_member_intro_id FROM group_member_intros
			 WHERE re_group_member_id = ? AND to_group_member_id = ?`,
			reMember.ID,
			toMember.ID,
		)
		var introID int64
		if err := row.Scan(&introID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrIntroNotFound
			}
			return fmt.Errorf("find introduction: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE group_member_intros
			 SET intro_status = ?, group_queue_info = ?, direct_queue_info = ?
			 WHERE group_member_intro_id = ?`,
			storage.IntroInvReceived,
			invitation.GroupQueueInfo,
			invitation.DirectQueueInfo,
			introID,
		); err != nil {
			return fmt.Errorf("update introduction: %w", err)
		}

		intro = storage.GroupMemberIntro{
			ID:              introID,
			ReMemberID:      reMember.ID,
			ToMemberID:      toMember.ID,
			Status:          storage.IntroInvReceived,
			GroupQueueInfo:  invitation.GroupQueueInfo,
			DirectQueueInfo: invitation.DirectQueueInfo,
		}
		return nil
	})
	if err != nil {
		return storage.GroupMemberIntro{}, err
	}
	return intro, nil
}

// hostConnLevel derives the level of connections discovered through
// hostMember: one past the host's current connection.
func hostConnLevel(ctx context.Context, q queryer, hostMember storage.GroupMember) int {
	if hostMember.ActiveConn != nil {
		return hostMember.ActiveConn.Level + 1
	}
	conn, err := latestMemberConnection(ctx, q, hostMember.ID)
	if err != nil {
		return 1
	}
	return conn.Level + 1
}

// CreateIntroReMember materializes a member announced by the host on the
// receiving side of an introduction: a fresh contact discovered via the
// group, the member row linked to it, and the group-scoped plus direct
// connections, one hop past the host.
func (s *Store) CreateIntroReMember(ctx context.Context, user storage.User, group storage.Group, hostMember storage.GroupMember, introduced storage.GroupMember, groupAgentConnID string, directAgentConnID string) (storage.GroupMember, error) {
	normalized, err := profile.Normalize(introduced.Profile)
	if err != nil {
		return storage.GroupMember{}, err
	}
	if len(introduced.MemberID) == 0 {
		return storage.GroupMember{}, storage.ErrIntroNotFound
	}
	if bytes.Equal(introduced.MemberID, hostMember.MemberID) {
		return storage.GroupMember{}, storage.ErrIntroNotFound
	}

	var member storage.GroupMember
	err = s.withTx(ctx, "create intro re-member", func(tx *sql.Tx) error {
		level := hostConnLevel(ctx, tx, hostMember)

		return s.allocateName(ctx, tx, user.ID, normalized.DisplayName, func(name string) error {
			profileID, err := insertProfile(ctx, tx, normalized)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO contacts (user_id, local_display_name, profile_id, via_group, is_user, created_at)
				 VALUES (?, ?, ?, ?, 0, ?)`,
				user.ID,
				name,
				profileID,
				group.ID,
				toMillis(time.Now()),
			)
			if err != nil {
				return fmt.Errorf("insert intro contact: %w", err)
			}
			contactID, err := lastInsertID(res, "intro contact")
			if err != nil {
				return err
			}

			memberRowID, err := insertMember(ctx, tx, memberSpec{
				groupID:   group.ID,
				memberID:  introduced.MemberID,
				role:      introduced.Role,
				category:  storage.CategoryPre,
				status:    storage.MemIntroduced,
				invitedBy: storage.InvitedBy{Kind: storage.InvitedByUnknown},
				userID:    user.ID,
				name:      name,
				profileID: profileID,
				contactID: contactID,
			})
			if err != nil {
				return err
			}

			groupConn, err := insertConnection(ctx, tx, user.ID, groupAgentConnID, storage.ConnMember, storage.ConnNew, hostMember.ContactID, level, memberRowID)
			if err != nil {
				return err
			}
			if _, err := insertConnection(ctx, tx, user.ID, directAgentConnID, storage.ConnContact, storage.ConnNew, hostMember.ContactID, level, contactID); err != nil {
				return err
			}

			member = storage.GroupMember{
				ID:               memberRowID,
				GroupID:          group.ID,
				MemberID:         introduced.MemberID,
				Role:             introduced.Role,
				Category:         storage.CategoryPre,
				Status:           storage.MemIntroduced,
				InvitedBy:        storage.InvitedBy{Kind: storage.InvitedByUnknown},
				ContactID:        contactID,
				Profile:          normalized,
				LocalDisplayName: name,
				ActiveConn:       &groupConn,
			}
			return nil
		})
	})
	if err != nil {
		return storage.GroupMember{}, err
	}
	return member, nil
}

// CreateIntroToMemberContact upgrades an introduced member on the joining
// side: the member's identity becomes a contact discovered via the group,
// reusing the display name the member already owns, with group-scoped and
// direct connections one hop past the introducing host.
func (s *Store) CreateIntroToMemberContact(ctx context.Context, user storage.User, group storage.Group, member storage.GroupMember, groupAgentConnID string, directAgentConnID string) (storage.GroupMember, error) {
	if member.ContactID != 0 {
		return storage.GroupMember{}, storage.ErrGroupAlreadyJoined
	}

	updated := member
	err := s.withTx(ctx, "create intro member contact", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT contact_profile_id FROM group_members WHERE group_member_id = ?`,
			member.ID,
		)
		var profileID int64
		if err := row.Scan(&profileID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrIntroNotFound
			}
			return fmt.Errorf("find member profile: %w", err)
		}

		hostRow := tx.QueryRowContext(
			ctx,
			memberQuery+` WHERE gm.group_id = ? AND gm.member_category = ?`,
			group.ID,
			storage.CategoryHost,
		)
		level := 1
		hostContactID := int64(0)
		if host, err := scanMemberRow(hostRow.Scan); err == nil {
			level = hostConnLevel(ctx, tx, host)
			hostContactID = host.ContactID
		}

		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO contacts (user_id, local_display_name, profile_id, via_group, is_user, created_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			user.ID,
			member.LocalDisplayName,
			profileID,
			group.ID,
			toMillis(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("insert member contact: %w", err)
		}
		contactID, err := lastInsertID(res, "member contact")
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE group_members SET contact_id = ?, member_status = ? WHERE group_member_id = ?`,
			contactID,
			storage.MemIntroInvited,
			member.ID,
		); err != nil {
			return fmt.Errorf("link member contact: %w", err)
		}

		groupConn, err := insertConnection(ctx, tx, user.ID, groupAgentConnID, storage.ConnMember, storage.ConnNew, hostContactID, level, member.ID)
		if err != nil {
			return err
		}
		if _, err := insertConnection(ctx, tx, user.ID, directAgentConnID, storage.ConnContact, storage.ConnNew, hostContactID, level, contactID); err != nil {
			return err
		}

		updated.ContactID = contactID
		updated.Status = storage.MemIntroInvited
		updated.ActiveConn = &groupConn
		return nil
	})
	if err != nil {
		return storage.GroupMember{}, err
	}
	return updated, nil
}

// GetViaGroupMember finds the member row a group-discovered contact
// originated from.
func (s *Store) GetViaGroupMember(ctx context.Context, user storage.User, contact storage.Contact) (storage.GroupMember, error) {
	if err := ctx.Err(); err != nil {
		return storage.GroupMember{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.GroupMember{}, fmt.Errorf("storage is not configured")
	}
	if contact.ViaGroupID == 0 {
		return storage.GroupMember{}, storage.ErrGroupNotFound
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		memberQuery+` WHERE gm.group_id = ? AND gm.contact_id = ?`,
		contact.ViaGroupID,
		contact.ID,
	)
	member, err := scanMemberRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.GroupMember{}, storage.ErrGroupNotFound
		}
		return storage.GroupMember{}, fmt.Errorf("get via-group member: %w", err)
	}
	if conn, err := latestMemberConnection(ctx, s.sqlDB, member.ID); err == nil {
		member.ActiveConn = &conn
	}
	return member, nil
}

// GetViaGroupContact finds the contact a group member is linked to when
// that contact was discovered through the member's group.
func (s *Store) GetViaGroupContact(ctx context.Context, userID int64, member storage.GroupMember) (storage.Contact, error) {
	if err := ctx.Err(); err != nil {
		return storage.Contact{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Contact{}, fmt.Errorf("storage is not configured")
	}
	if member.ContactID == 0 {
		return storage.Contact{}, storage.ErrContactNotFound
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		contactQuery+` WHERE c.user_id = ? AND c.contact_id = ? AND c.via_group = ?`,
		userID,
		member.ContactID,
		member.GroupID,
	)
	contact, err := scanContactRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Contact{}, storage.ErrContactNotFound
		}
		return storage.Contact{}, fmt.Errorf("get via-group contact: %w", err)
	}
	if conn, err := latestContactConnection(ctx, s.sqlDB, contact.ID); err == nil {
		contact.ActiveConn = &conn
	}
	return contact, nil
}
