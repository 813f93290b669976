package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

const connColumns = `connection_id, agent_conn_id, conn_level, via_contact, conn_status, conn_type, contact_id, group_member_id, snd_file_id, rcv_file_id, created_at`

func scanConnection(scan func(dest ...any) error) (storage.Connection, error) {
	var conn storage.Connection
	var viaContact, contactID, memberID, sndFileID, rcvFileID sql.NullInt64
	var createdAt int64
	err := scan(
		&conn.ID,
		&conn.AgentConnID,
		&conn.Level,
		&viaContact,
		&conn.Status,
		&conn.Type,
		&contactID,
		&memberID,
		&sndFileID,
		&rcvFileID,
		&createdAt,
	)
	if err != nil {
		return storage.Connection{}, err
	}
	conn.ViaContactID = viaContact.Int64
	conn.CreatedAt = fromMillis(createdAt)

	// The entity id is selected by type; the other columns stay NULL.
	switch conn.Type {
	case storage.ConnContact:
		conn.EntityID = contactID.Int64
	case storage.ConnMember:
		conn.EntityID = memberID.Int64
	case storage.ConnSndFile:
		conn.EntityID = sndFileID.Int64
	case storage.ConnRcvFile:
		conn.EntityID = rcvFileID.Int64
	}
	return conn, nil
}

func entityColumn(connType storage.ConnType) (string, error) {
	switch connType {
	case storage.ConnContact:
		return "contact_id", nil
	case storage.ConnMember:
		return "group_member_id", nil
	case storage.ConnSndFile:
		return "snd_file_id", nil
	case storage.ConnRcvFile:
		return "rcv_file_id", nil
	default:
		return "", fmt.Errorf("unknown connection type %q", connType)
	}
}

// insertConnection creates one connection row inside an open transaction.
// entityID zero leaves the entity column NULL.
func insertConnection(ctx context.Context, tx *sql.Tx, userID int64, agentConnID string, connType storage.ConnType, status storage.ConnStatus, viaContactID int64, level int, entityID int64) (storage.Connection, error) {
	if level < 0 {
		return storage.Connection{}, fmt.Errorf("connection level must not be negative")
	}
	column, err := entityColumn(connType)
	if err != nil {
		return storage.Connection{}, err
	}

	var viaContact any
	if viaContactID != 0 {
		viaContact = viaContactID
	}
	var entity any
	if entityID != 0 {
		entity = entityID
	}
	now := time.Now()
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO connections (agent_conn_id, conn_level, via_contact, conn_status, conn_type, `+column+`, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agentConnID,
		level,
		viaContact,
		status,
		connType,
		entity,
		userID,
		toMillis(now),
	)
	if err != nil {
		return storage.Connection{}, fmt.Errorf("insert connection: %w", err)
	}
	connID, err := lastInsertID(res, "connection")
	if err != nil {
		return storage.Connection{}, err
	}

	return storage.Connection{
		ID:           connID,
		AgentConnID:  agentConnID,
		Level:        level,
		ViaContactID: viaContactID,
		Type:         connType,
		Status:       status,
		EntityID:     entityID,
		CreatedAt:    now.UTC().Truncate(time.Millisecond),
	}, nil
}

// CreateConnection records a new agent connection with no linked entity.
func (s *Store) CreateConnection(ctx context.Context, userID int64, agentConnID string, connType storage.ConnType, viaContactID int64, level int) (storage.Connection, error) {
	var conn storage.Connection
	err := s.withTx(ctx, "create connection", func(tx *sql.Tx) error {
		created, err := insertConnection(ctx, tx, userID, agentConnID, connType, storage.ConnNew, viaContactID, level, 0)
		if err != nil {
			return err
		}
		conn = created
		return nil
	})
	if err != nil {
		return storage.Connection{}, err
	}
	return conn, nil
}

// GetConnection loads one connection by its agent connection id.
func (s *Store) GetConnection(ctx context.Context, userID int64, agentConnID string) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return storage.Connection{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Connection{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+connColumns+` FROM connections WHERE user_id = ? AND agent_conn_id = ?`,
		userID,
		agentConnID,
	)
	conn, err := scanConnection(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Connection{}, storage.ErrConnectionNotFound
		}
		return storage.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// UpdateConnectionStatus persists the agent-owned status value.
func (s *Store) UpdateConnectionStatus(ctx context.Context, connID int64, status storage.ConnStatus) error {
	return s.withTx(ctx, "update connection status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE connections SET conn_status = ? WHERE connection_id = ?`,
			status,
			connID,
		)
		if err != nil {
			return fmt.Errorf("update connection status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update connection status: %w", err)
		}
		if affected == 0 {
			return storage.ErrConnectionNotFound
		}
		return nil
	})
}

// latestContactConnection returns the contact's current connection.
// "Current" is the most recent row by id; picking the last ready one
// instead is a known simplification kept from the original design.
func latestContactConnection(ctx context.Context, q queryer, contactID int64) (storage.Connection, error) {
	return latestConnectionWhere(ctx, q, `contact_id = ?`, contactID)
}

// latestMemberConnection returns the group member's current connection.
func latestMemberConnection(ctx context.Context, q queryer, memberID int64) (storage.Connection, error) {
	return latestConnectionWhere(ctx, q, `group_member_id = ?`, memberID)
}

func latestConnectionWhere(ctx context.Context, q queryer, where string, arg any) (storage.Connection, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT `+connColumns+` FROM connections WHERE `+where+` ORDER BY connection_id DESC LIMIT 1`,
		arg,
	)
	conn, err := scanConnection(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Connection{}, storage.ErrConnectionNotFound
		}
		return storage.Connection{}, fmt.Errorf("get latest connection: %w", err)
	}
	return conn, nil
}

// ResolveConnEntity classifies an inbound agent event by the entity its
// connection belongs to. Member and file connections must carry an entity
// id; only contact connections may be entity-less (a peer not yet
// promoted to a contact).
func (s *Store) ResolveConnEntity(ctx context.Context, user storage.User, agentConnID string) (storage.ConnEntity, error) {
	conn, err := s.GetConnection(ctx, user.ID, agentConnID)
	if err != nil {
		return storage.ConnEntity{}, err
	}

	entity := storage.ConnEntity{Connection: conn}
	switch conn.Type {
	case storage.ConnContact:
		if conn.EntityID == 0 {
			entity.Kind = storage.EntityPendingContact
			return entity, nil
		}
		contact, err := getContactByID(ctx, s.sqlDB, user.ID, conn.EntityID)
		if err != nil {
			return storage.ConnEntity{}, err
		}
		contact.ActiveConn = &conn
		entity.Kind = storage.EntityContact
		entity.Contact = &contact
		return entity, nil

	case storage.ConnMember:
		if conn.EntityID == 0 {
			return storage.ConnEntity{}, fmt.Errorf("connection %d: member connection without entity", conn.ID)
		}
		member, groupName, err := getMemberWithGroupName(ctx, s.sqlDB, user.ID, conn.EntityID)
		if err != nil {
			return storage.ConnEntity{}, err
		}
		member.ActiveConn = &conn
		entity.Kind = storage.EntityGroupMember
		entity.GroupName = groupName
		entity.Member = &member
		return entity, nil

	case storage.ConnSndFile:
		if conn.EntityID == 0 {
			return storage.ConnEntity{}, fmt.Errorf("connection %d: send file connection without entity", conn.ID)
		}
		transfer, err := s.GetSndFileTransfer(ctx, user.ID, conn.EntityID, conn.ID)
		if err != nil {
			return storage.ConnEntity{}, err
		}
		entity.Kind = storage.EntitySndFile
		entity.SndFile = &transfer
		return entity, nil

	case storage.ConnRcvFile:
		if conn.EntityID == 0 {
			return storage.ConnEntity{}, fmt.Errorf("connection %d: receive file connection without entity", conn.ID)
		}
		transfer, err := s.GetRcvFileTransfer(ctx, user.ID, conn.EntityID)
		if err != nil {
			return storage.ConnEntity{}, err
		}
		entity.Kind = storage.EntityRcvFile
		entity.RcvFile = &transfer
		return entity, nil

	default:
		return storage.ConnEntity{}, fmt.Errorf("connection %d: unknown type %q", conn.ID, conn.Type)
	}
}
