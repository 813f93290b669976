package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/halyard/internal/chat/profile"
	"github.com/louisbranch/halyard/internal/chat/storage"
)

const contactColumns = `c.contact_id, c.local_display_name, p.display_name, p.full_name, c.via_group, c.is_user`

const contactQuery = `SELECT ` + contactColumns + `
 FROM contacts c
 JOIN profiles p ON p.profile_id = c.profile_id`

func scanContactRow(scan func(dest ...any) error) (storage.Contact, error) {
	var contact storage.Contact
	var viaGroup sql.NullInt64
	var isUser int
	err := scan(
		&contact.ID,
		&contact.LocalDisplayName,
		&contact.Profile.DisplayName,
		&contact.Profile.FullName,
		&viaGroup,
		&isUser,
	)
	if err != nil {
		return storage.Contact{}, err
	}
	contact.ViaGroupID = viaGroup.Int64
	contact.IsUser = isUser != 0
	return contact, nil
}

// CreateDirectContact promotes an accepted direct connection to a contact.
// The display name is allocated from the peer profile's display name, the
// profile and contact rows are created, and the connection is linked to
// the new contact, all in one transaction.
func (s *Store) CreateDirectContact(ctx context.Context, userID int64, conn storage.Connection, p storage.Profile) (storage.Contact, error) {
	normalized, err := profile.Normalize(p)
	if err != nil {
		return storage.Contact{}, err
	}
	if conn.ID == 0 {
		return storage.Contact{}, storage.ErrConnectionNotFound
	}

	var contact storage.Contact
	err = s.withTx(ctx, "create direct contact", func(tx *sql.Tx) error {
		return s.allocateName(ctx, tx, userID, normalized.DisplayName, func(name string) error {
			profileID, err := insertProfile(ctx, tx, normalized)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO contacts (user_id, local_display_name, profile_id, is_user, created_at)
				 VALUES (?, ?, ?, 0, ?)`,
				userID,
				name,
				profileID,
				toMillis(time.Now()),
			)
			if err != nil {
				return fmt.Errorf("insert contact: %w", err)
			}
			contactID, err := lastInsertID(res, "contact")
			if err != nil {
				return err
			}

			linked, err := tx.ExecContext(
				ctx,
				`UPDATE connections SET contact_id = ? WHERE connection_id = ? AND conn_type = ?`,
				contactID,
				conn.ID,
				storage.ConnContact,
			)
			if err != nil {
				return fmt.Errorf("link contact connection: %w", err)
			}
			affected, err := linked.RowsAffected()
			if err != nil {
				return fmt.Errorf("link contact connection: %w", err)
			}
			if affected == 0 {
				return storage.ErrConnectionNotFound
			}

			linkedConn := conn
			linkedConn.EntityID = contactID
			contact = storage.Contact{
				ID:               contactID,
				LocalDisplayName: name,
				Profile:          normalized,
				ActiveConn:       &linkedConn,
			}
			return nil
		})
	})
	if err != nil {
		return storage.Contact{}, err
	}
	return contact, nil
}

// GetContact loads a contact by local display name with its most recent
// connection. A contact without any connection is ErrContactNotReady.
func (s *Store) GetContact(ctx context.Context, userID int64, localDisplayName string) (storage.Contact, error) {
	if err := ctx.Err(); err != nil {
		return storage.Contact{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Contact{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		contactQuery+` WHERE c.user_id = ? AND c.local_display_name = ? AND c.is_user = 0`,
		userID,
		localDisplayName,
	)
	contact, err := scanContactRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Contact{}, storage.ErrContactNotFound
		}
		return storage.Contact{}, fmt.Errorf("get contact: %w", err)
	}

	conn, err := latestContactConnection(ctx, s.sqlDB, contact.ID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return storage.Contact{}, storage.ErrContactNotReady
		}
		return storage.Contact{}, err
	}
	contact.ActiveConn = &conn
	return contact, nil
}

// GetContactByConnID resolves a contact from the agent connection id of
// one of its connections. A contact-typed connection with no linked
// contact yet is reported as ErrContactNotFound.
func (s *Store) GetContactByConnID(ctx context.Context, userID int64, agentConnID string) (storage.Contact, error) {
	conn, err := s.GetConnection(ctx, userID, agentConnID)
	if err != nil {
		return storage.Contact{}, err
	}
	if conn.Type != storage.ConnContact || conn.EntityID == 0 {
		return storage.Contact{}, storage.ErrContactNotFound
	}
	contact, err := getContactByID(ctx, s.sqlDB, userID, conn.EntityID)
	if err != nil {
		return storage.Contact{}, err
	}
	contact.ActiveConn = &conn
	return contact, nil
}

// GetContactConnections returns every connection recorded for the
// contact, newest first. A contact with no connections at all is
// ErrConnectionNotFound.
func (s *Store) GetContactConnections(ctx context.Context, userID int64, contactID int64) ([]storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+connColumns+` FROM connections
		 WHERE user_id = ? AND contact_id = ? ORDER BY connection_id DESC`,
		userID,
		contactID,
	)
	if err != nil {
		return nil, fmt.Errorf("contact connections: %w", err)
	}
	defer rows.Close()

	var conns []storage.Connection
	for rows.Next() {
		conn, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("contact connections: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact connections: %w", err)
	}
	if len(conns) == 0 {
		return nil, storage.ErrConnectionNotFound
	}
	return conns, nil
}

// getContactByID loads a contact row without connection resolution.
func getContactByID(ctx context.Context, q queryer, userID int64, contactID int64) (storage.Contact, error) {
	row := q.QueryRowContext(
		ctx,
		contactQuery+` WHERE c.user_id = ? AND c.contact_id = ?`,
		userID,
		contactID,
	)
	contact, err := scanContactRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Contact{}, storage.ErrContactNotFound
		}
		return storage.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return contact, nil
}

// ListContacts returns every resolvable contact of the user. Contacts
// whose connection lookup fails are dropped, not surfaced: listing is
// best-effort by design of the caller surface.
func (s *Store) ListContacts(ctx context.Context, userID int64) ([]storage.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		contactQuery+` WHERE c.user_id = ? AND c.is_user = 0 ORDER BY c.local_display_name ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []storage.Contact
	for rows.Next() {
		contact, err := scanContactRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	resolved := contacts[:0]
	for i := range contacts {
		conn, err := latestContactConnection(ctx, s.sqlDB, contacts[i].ID)
		if err != nil {
			continue
		}
		contacts[i].ActiveConn = &conn
		resolved = append(resolved, contacts[i])
	}
	return resolved, nil
}

// UpdateContactProfile updates a contact's profile, allocating a new
// local display name first when the peer renamed itself.
func (s *Store) UpdateContactProfile(ctx context.Context, userID int64, contact storage.Contact, p storage.Profile) (storage.Contact, error) {
	normalized, err := profile.Normalize(p)
	if err != nil {
		return storage.Contact{}, err
	}

	updated := contact
	err = s.withTx(ctx, "update contact profile", func(tx *sql.Tx) error {
		if _, err := getContactByID(ctx, tx, userID, contact.ID); err != nil {
			return err
		}

		if normalized.DisplayName == contact.Profile.DisplayName {
			if err := updateProfileFields(ctx, tx, contact.ID, normalized); err != nil {
				return err
			}
			updated.Profile = normalized
			return nil
		}

		return s.allocateName(ctx, tx, userID, normalized.DisplayName, func(name string) error {
			if err := updateProfileFields(ctx, tx, contact.ID, normalized); err != nil {
				return err
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE contacts SET local_display_name = ? WHERE contact_id = ?`,
				name,
				contact.ID,
			); err != nil {
				return fmt.Errorf("rename contact: %w", err)
			}
			if err := renameMemberMirrors(ctx, tx, contact.ID, name); err != nil {
				return err
			}
			if err := freeName(ctx, tx, userID, contact.LocalDisplayName); err != nil {
				return err
			}
			updated.LocalDisplayName = name
			updated.Profile = normalized
			return nil
		})
	})
	if err != nil {
		return storage.Contact{}, err
	}
	return updated, nil
}

// DeleteContact removes a contact, its connections, and its registry
// entry, children first so no dependent row outlives its parent.
func (s *Store) DeleteContact(ctx context.Context, userID int64, localDisplayName string) error {
	return s.withTx(ctx, "delete contact", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT contact_id FROM contacts
			 WHERE user_id = ? AND local_display_name = ? AND is_user = 0`,
			userID,
			localDisplayName,
		)
		var contactID int64
		if err := row.Scan(&contactID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrContactNotFound
			}
			return fmt.Errorf("find contact: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM connections WHERE contact_id = ?`,
			contactID,
		); err != nil {
			return fmt.Errorf("delete contact connections: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM contacts WHERE contact_id = ?`,
			contactID,
		); err != nil {
			return fmt.Errorf("delete contact: %w", err)
		}
		return freeName(ctx, tx, userID, localDisplayName)
	})
}
