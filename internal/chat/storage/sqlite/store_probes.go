package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func probeHash(probe []byte) []byte {
	sum := sha256.Sum256(probe)
	return sum[:]
}

// CreateSentProbe draws a fresh random probe for contactID and records
// it. The probe is unique per user; a collision retries with a new draw.
func (s *Store) CreateSentProbe(ctx context.Context, userID int64, contactID int64) ([]byte, error) {
	var probe []byte
	err := s.withTx(ctx, "create sent probe", func(tx *sql.Tx) error {
		token, err := s.uniqueBytes(probeSize, func(candidate []byte) (bool, error) {
			row := tx.QueryRowContext(
				ctx,
				`SELECT 1 FROM sent_probes WHERE user_id = ? AND probe = ?`,
				userID,
				candidate,
			)
			var found int
			if err := row.Scan(&found); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return false, nil
				}
				return false, fmt.Errorf("check probe: %w", err)
			}
			return true, nil
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO sent_probes (contact_id, probe, user_id, created_at) VALUES (?, ?, ?, ?)`,
			contactID,
			token,
			userID,
			toMillis(time.Now()),
		); err != nil {
			return fmt.Errorf("insert sent probe: %w", err)
		}
		probe = token
		return nil
	})
	if err != nil {
		return nil, err
	}
	return probe, nil
}

// CreateSentProbeHash records that the hash of an already-sent probe was
// forwarded to otherContactID, linking both contacts to one probe.
func (s *Store) CreateSentProbeHash(ctx context.Context, userID int64, probe []byte, otherContactID int64) error {
	return s.withTx(ctx, "create sent probe hash", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT sent_probe_id FROM sent_probes WHERE user_id = ? AND probe = ?`,
			userID,
			probe,
		)
		var sentProbeID int64
		if err := row.Scan(&sentProbeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrContactNotFound
			}
			return fmt.Errorf("find sent probe: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO sent_probe_hashes (sent_probe_id, contact_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
			sentProbeID,
			otherContactID,
			userID,
			toMillis(time.Now()),
		); err != nil {
			return fmt.Errorf("insert sent probe hash: %w", err)
		}
		return nil
	})
}

// MatchReceivedProbe stores a full probe received from fromContactID and
// looks for an earlier hash-only receipt of the same probe from a
// different contact. A match means both contacts are the same peer.
func (s *Store) MatchReceivedProbe(ctx context.Context, userID int64, fromContactID int64, probe []byte) (*storage.Contact, error) {
	hash := probeHash(probe)

	var matchedContactID int64
	err := s.withTx(ctx, "match received probe", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT contact_id FROM received_probes
			 WHERE user_id = ? AND probe_hash = ? AND probe IS NULL AND contact_id != ?
			 ORDER BY received_probe_id DESC
			 LIMIT 1`,
			userID,
			hash,
			fromContactID,
		)
		switch err := row.Scan(&matchedContactID); {
		case errors.Is(err, sql.ErrNoRows):
			matchedContactID = 0
		case err != nil:
			return fmt.Errorf("match received probe: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO received_probes (contact_id, probe, probe_hash, user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
			fromContactID,
			probe,
			hash,
			userID,
			toMillis(time.Now()),
		); err != nil {
			return fmt.Errorf("insert received probe: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if matchedContactID == 0 {
		return nil, nil
	}

	contact, err := getContactByID(ctx, s.sqlDB, userID, matchedContactID)
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// MatchReceivedProbeHash stores a probe hash received from fromContactID
// and looks for an earlier full probe with the same hash from a different
// contact. The matched probe is returned so the caller can confirm it to
// the sender.
func (s *Store) MatchReceivedProbeHash(ctx context.Context, userID int64, fromContactID int64, hash []byte) (*storage.Contact, []byte, error) {
	var matchedContactID int64
	var matchedProbe []byte
	err := s.withTx(ctx, "match received probe hash", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT contact_id, probe FROM received_probes
			 WHERE user_id = ? AND probe_hash = ? AND probe IS NOT NULL AND contact_id != ?
			 ORDER BY received_probe_id DESC
			 LIMIT 1`,
			userID,
			hash,
			fromContactID,
		)
		switch err := row.Scan(&matchedContactID, &matchedProbe); {
		case errors.Is(err, sql.ErrNoRows):
			matchedContactID = 0
		case err != nil:
			return fmt.Errorf("match received probe hash: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO received_probes (contact_id, probe_hash, user_id, created_at) VALUES (?, ?, ?, ?)`,
			fromContactID,
			hash,
			userID,
			toMillis(time.Now()),
		); err != nil {
			return fmt.Errorf("insert received probe hash: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if matchedContactID == 0 {
		return nil, nil, nil
	}

	contact, err := getContactByID(ctx, s.sqlDB, userID, matchedContactID)
	if err != nil {
		return nil, nil, err
	}
	return &contact, matchedProbe, nil
}

// MatchSentProbe resolves a probe confirmation: fromContactID echoed a
// probe whose hash it was given, proving it is the same peer as the
// contact the full probe went to. That contact is returned.
func (s *Store) MatchSentProbe(ctx context.Context, userID int64, fromContactID int64, probe []byte) (*storage.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT sp.contact_id FROM sent_probes sp
		 JOIN sent_probe_hashes sph ON sph.sent_probe_id = sp.sent_probe_id
		 WHERE sp.user_id = ? AND sp.probe = ? AND sph.contact_id = ?`,
		userID,
		probe,
		fromContactID,
	)
	var matchedContactID int64
	if err := row.Scan(&matchedContactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("match sent probe: %w", err)
	}

	contact, err := getContactByID(ctx, s.sqlDB, userID, matchedContactID)
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// MergeContactRecords folds drop into keep after a confirmed probe match.
// Every reference to drop is repointed at keep, then drop's contact,
// profile, and display name are removed. Merging the same pair twice
// fails with ErrContactNotFound: drop no longer exists.
func (s *Store) MergeContactRecords(ctx context.Context, userID int64, keep storage.Contact, drop storage.Contact) error {
	if keep.ID == drop.ID {
		return fmt.Errorf("merge contacts: cannot merge a contact into itself")
	}

	return s.withTx(ctx, "merge contacts", func(tx *sql.Tx) error {
		if _, err := getContactByID(ctx, tx, userID, keep.ID); err != nil {
			return err
		}
		row := tx.QueryRowContext(
			ctx,
			`SELECT profile_id FROM contacts WHERE user_id = ? AND contact_id = ?`,
			userID,
			drop.ID,
		)
		var dropProfileID int64
		if err := row.Scan(&dropProfileID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrContactNotFound
			}
			return fmt.Errorf("find contact: %w", err)
		}
		keepProfileID, err := contactProfileID(ctx, tx, keep.ID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE group_members
			 SET contact_id = ?, contact_profile_id = ?, local_display_name = ?
			 WHERE contact_id = ?`,
			keep.ID,
			keepProfileID,
			keep.LocalDisplayName,
			drop.ID,
		); err != nil {
			return fmt.Errorf("repoint member links: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE group_members SET invited_by = ? WHERE invited_by = ?`,
			keep.ID,
			drop.ID,
		); err != nil {
			return fmt.Errorf("repoint member inviters: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE connections SET contact_id = ? WHERE contact_id = ?`,
			keep.ID,
			drop.ID,
		); err != nil {
			return fmt.Errorf("repoint connections: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE connections SET via_contact = ? WHERE via_contact = ?`,
			keep.ID,
			drop.ID,
		); err != nil {
			return fmt.Errorf("repoint via-contact links: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE files SET contact_id = ? WHERE contact_id = ?`,
			keep.ID,
			drop.ID,
		); err != nil {
			return fmt.Errorf("repoint file links: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE contact_id = ?`, drop.ID); err != nil {
			return fmt.Errorf("delete merged contact: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE profile_id = ?`, dropProfileID); err != nil {
			return fmt.Errorf("delete merged profile: %w", err)
		}
		return freeName(ctx, tx, userID, drop.LocalDisplayName)
	})
}
