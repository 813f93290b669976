// Package sqlite provides the SQLite-backed chat store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/halyard/internal/chat/storage"
	"github.com/louisbranch/halyard/internal/chat/storage/sqlite/migrations"
	"github.com/louisbranch/halyard/internal/platform/id"
	sqlitemigrate "github.com/louisbranch/halyard/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Token sizes and retry ceilings. Exceeding a ceiling is a hard failure,
// never an unbounded loop.
const (
	memberIDSize = 12
	probeSize    = 32

	maxNameAttempts     = 20
	maxRandomIDAttempts = 3
)

// Store persists chat client state in SQLite.
type Store struct {
	sqlDB *sql.DB
	rand  *id.Source
}

// Open opens a SQLite chat store and applies embedded migrations.
func Open(path string) (*Store, error) {
	return OpenWithSource(path, id.NewSource(nil))
}

// OpenWithSource opens a store with an injected random source. Tests use
// a deterministic reader.
func OpenWithSource(path string, src *id.Source) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if src == nil {
		return nil, fmt.Errorf("random source is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, rand: src}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// withTx runs fn inside one transaction: rollback on error, commit on
// normal return. Every composite store operation goes through here.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: start transaction: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness-constraint
// failure. A losing concurrent insert surfaces here, not as corruption.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func lastInsertID(res sql.Result, what string) (int64, error) {
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s id: %w", what, err)
	}
	return rowID, nil
}

// uniqueBytes draws random tokens until exists rejects one, up to the
// random-id retry ceiling.
func (s *Store) uniqueBytes(n int, exists func(token []byte) (bool, error)) ([]byte, error) {
	for attempt := 0; attempt < maxRandomIDAttempts; attempt++ {
		token, err := s.rand.Bytes(n)
		if err != nil {
			return nil, err
		}
		taken, err := exists(token)
		if err != nil {
			return nil, err
		}
		if !taken {
			return token, nil
		}
	}
	return nil, storage.ErrUniqueID
}

// queryer abstracts *sql.Tx and *sql.DB for read helpers used both inside
// and outside transactions.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var _ storage.Store = (*Store)(nil)
