package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

// renderName renders a base name with an allocation suffix. Suffix zero is
// the bare name.
func renderName(base string, suffix int) string {
	if suffix == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, suffix)
}

// allocateName reserves a local display name unique for userID and runs
// use with it inside the same transaction, so the name is taken before
// any entity row is created.
//
// The starting suffix is one past the current maximum for the base name
// (bare name when no registry row remains). Suffixes are monotonic per
// base: freed low suffixes are not reassigned while higher ones survive.
// A lost insert race surfaces as a uniqueness violation and bumps the
// suffix, up to the attempt ceiling.
func (s *Store) allocateName(ctx context.Context, tx *sql.Tx, userID int64, base string, use func(name string) error) error {
	var suffix int
	row := tx.QueryRowContext(
		ctx,
		`SELECT ldn_suffix FROM display_names
		 WHERE user_id = ? AND ldn_base = ?
		 ORDER BY ldn_suffix DESC
		 LIMIT 1`,
		userID,
		base,
	)
	var maxSuffix int
	switch err := row.Scan(&maxSuffix); {
	case errors.Is(err, sql.ErrNoRows):
		suffix = 0
	case err != nil:
		return fmt.Errorf("read display name suffix: %w", err)
	default:
		suffix = maxSuffix + 1
	}

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := renderName(base, suffix)
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO display_names (user_id, local_display_name, ldn_base, ldn_suffix, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			userID,
			name,
			base,
			suffix,
			toMillis(time.Now()),
		)
		if err != nil {
			if isUniqueViolation(err) {
				suffix++
				continue
			}
			return fmt.Errorf("reserve display name: %w", err)
		}
		return use(name)
	}
	return storage.ErrDuplicateName
}

// freeName releases a registry entry when its owning entity is deleted or
// renamed.
func freeName(ctx context.Context, tx *sql.Tx, userID int64, name string) error {
	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM display_names WHERE user_id = ? AND local_display_name = ?`,
		userID,
		name,
	); err != nil {
		return fmt.Errorf("free display name: %w", err)
	}
	return nil
}

// reserveExactName inserts a registry row for name without suffix
// fallback. Used where the caller must get the requested name or fail.
func reserveExactName(ctx context.Context, tx *sql.Tx, userID int64, name string) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO display_names (user_id, local_display_name, ldn_base, ldn_suffix, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		userID,
		name,
		name,
		toMillis(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateName
		}
		return fmt.Errorf("reserve display name: %w", err)
	}
	return nil
}
