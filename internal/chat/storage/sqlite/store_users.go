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

func insertProfile(ctx context.Context, tx *sql.Tx, p storage.Profile) (int64, error) {
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO profiles (display_name, full_name, created_at) VALUES (?, ?, ?)`,
		p.DisplayName,
		p.FullName,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert profile: %w", err)
	}
	return lastInsertID(res, "profile")
}

// CreateUser creates the local operator identity together with its
// self-contact and display-name registry row. The requested display name
// is taken verbatim; a clash fails with ErrDuplicateName.
func (s *Store) CreateUser(ctx context.Context, p storage.Profile, active bool) (storage.User, error) {
	normalized, err := profile.Normalize(p)
	if err != nil {
		return storage.User{}, err
	}

	var user storage.User
	err = s.withTx(ctx, "create user", func(tx *sql.Tx) error {
		now := toMillis(time.Now())
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO users (local_display_name, active_user, created_at) VALUES (?, 0, ?)`,
			normalized.DisplayName,
			now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrDuplicateName
			}
			return fmt.Errorf("insert user: %w", err)
		}
		userID, err := lastInsertID(res, "user")
		if err != nil {
			return err
		}

		if err := reserveExactName(ctx, tx, userID, normalized.DisplayName); err != nil {
			return err
		}

		profileID, err := insertProfile(ctx, tx, normalized)
		if err != nil {
			return err
		}

		res, err = tx.ExecContext(
			ctx,
			`INSERT INTO contacts (user_id, local_display_name, profile_id, is_user, created_at)
			 VALUES (?, ?, ?, 1, ?)`,
			userID,
			normalized.DisplayName,
			profileID,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert self contact: %w", err)
		}
		contactID, err := lastInsertID(res, "self contact")
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE users SET contact_id = ? WHERE user_id = ?`,
			contactID,
			userID,
		); err != nil {
			return fmt.Errorf("link self contact: %w", err)
		}

		if active {
			if err := setActiveUserTx(ctx, tx, userID); err != nil {
				return err
			}
		}

		user = storage.User{
			ID:               userID,
			ContactID:        contactID,
			LocalDisplayName: normalized.DisplayName,
			Profile:          normalized,
			Active:           active,
		}
		return nil
	})
	if err != nil {
		return storage.User{}, err
	}
	return user, nil
}

const userColumns = `u.user_id, u.contact_id, u.local_display_name, u.active_user, p.display_name, p.full_name`

const userQuery = `SELECT ` + userColumns + `
 FROM users u
 JOIN contacts c ON c.contact_id = u.contact_id
 JOIN profiles p ON p.profile_id = c.profile_id`

func scanUser(row *sql.Row) (storage.User, error) {
	var user storage.User
	var active int
	err := row.Scan(
		&user.ID,
		&user.ContactID,
		&user.LocalDisplayName,
		&active,
		&user.Profile.DisplayName,
		&user.Profile.FullName,
	)
	if err != nil {
		return storage.User{}, err
	}
	user.Active = active != 0
	return user, nil
}

// GetUser fetches one user with its profile.
func (s *Store) GetUser(ctx context.Context, userID int64) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, userQuery+` WHERE u.user_id = ?`, userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrUserNotFound
		}
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// GetUsers returns every user, active first.
func (s *Store) GetUsers(ctx context.Context) ([]storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, userQuery+` ORDER BY u.active_user DESC, u.user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		var user storage.User
		var active int
		if err := rows.Scan(
			&user.ID,
			&user.ContactID,
			&user.LocalDisplayName,
			&active,
			&user.Profile.DisplayName,
			&user.Profile.FullName,
		); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		user.Active = active != 0
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func setActiveUserTx(ctx context.Context, tx *sql.Tx, userID int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE users SET active_user = 0`); err != nil {
		return fmt.Errorf("clear active users: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE users SET active_user = 1 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("set active user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set active user: %w", err)
	}
	if affected == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// SetActiveUser makes userID the single active user. All other users are
// deactivated in the same transaction.
func (s *Store) SetActiveUser(ctx context.Context, userID int64) error {
	return s.withTx(ctx, "set active user", func(tx *sql.Tx) error {
		return setActiveUserTx(ctx, tx, userID)
	})
}

// UpdateUserProfile updates the user's profile. A changed display name is
// allocated before the old one is freed, and member rows mirroring the
// self-contact are renamed with it.
func (s *Store) UpdateUserProfile(ctx context.Context, user storage.User, p storage.Profile) (storage.User, error) {
	normalized, err := profile.Normalize(p)
	if err != nil {
		return storage.User{}, err
	}

	updated := user
	err = s.withTx(ctx, "update user profile", func(tx *sql.Tx) error {
		if normalized.DisplayName == user.LocalDisplayName {
			if err := updateProfileFields(ctx, tx, user.ContactID, normalized); err != nil {
				return err
			}
			updated.Profile = normalized
			return nil
		}

		return s.allocateName(ctx, tx, user.ID, normalized.DisplayName, func(name string) error {
			if err := updateProfileFields(ctx, tx, user.ContactID, normalized); err != nil {
				return err
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE users SET local_display_name = ? WHERE user_id = ?`,
				name,
				user.ID,
			); err != nil {
				if isUniqueViolation(err) {
					return storage.ErrDuplicateName
				}
				return fmt.Errorf("rename user: %w", err)
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE contacts SET local_display_name = ? WHERE contact_id = ?`,
				name,
				user.ContactID,
			); err != nil {
				return fmt.Errorf("rename self contact: %w", err)
			}
			if err := renameMemberMirrors(ctx, tx, user.ContactID, name); err != nil {
				return err
			}
			if err := freeName(ctx, tx, user.ID, user.LocalDisplayName); err != nil {
				return err
			}
			updated.LocalDisplayName = name
			updated.Profile = normalized
			return nil
		})
	})
	if err != nil {
		return storage.User{}, err
	}
	return updated, nil
}

// updateProfileFields rewrites the profile row behind a contact.
func updateProfileFields(ctx context.Context, tx *sql.Tx, contactID int64, p storage.Profile) error {
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE profiles SET display_name = ?, full_name = ?
		 WHERE profile_id = (SELECT profile_id FROM contacts WHERE contact_id = ?)`,
		p.DisplayName,
		p.FullName,
		contactID,
	); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// renameMemberMirrors keeps group-member local display names in sync with
// the contact they are linked to.
func renameMemberMirrors(ctx context.Context, tx *sql.Tx, contactID int64, name string) error {
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE group_members SET local_display_name = ? WHERE contact_id = ?`,
		name,
		contactID,
	); err != nil {
		return fmt.Errorf("rename member mirrors: %w", err)
	}
	return nil
}
