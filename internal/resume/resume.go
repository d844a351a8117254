// Package resume persists only the scalar needed to restart a failed run at
// the right place: cursor-until per (pubkey, filter-kind-set). Nothing else
// about a run is ever written to disk, because the sighting set is always
// rebuilt from the next batch's deliveries rather than replayed from a
// journal (spec.md §4.6 "no persisted journal").
//
// Grounded on the teacher's internal/sync.CursorManager, adapted from that
// type's forward since cursor to this package's backward until cursor, and
// backed by github.com/jmoiron/sqlx + github.com/mattn/go-sqlite3 in place
// of the teacher's direct database/sql usage.
package resume

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS resume_cursors (
	pubkey      TEXT NOT NULL,
	filter_kind TEXT NOT NULL,
	cursor_until INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (pubkey, filter_kind)
);
`

// Store persists resume cursors in a SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the SQLite database at path and ensures its schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("resume: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("resume: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type cursorRow struct {
	CursorUntil int64 `db:"cursor_until"`
}

// Load returns the last persisted cursor-until for (pubkey, filterKind), or
// ok=false if no run has ever completed or failed for that pair.
func (s *Store) Load(ctx context.Context, pubkey, filterKind string) (cursorUntil int64, ok bool, err error) {
	var row cursorRow
	err = s.db.GetContext(ctx, &row, `
		SELECT cursor_until FROM resume_cursors WHERE pubkey = ? AND filter_kind = ?
	`, pubkey, filterKind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("resume: load cursor: %w", err)
	}
	return row.CursorUntil, true, nil
}

// Save upserts the cursor-until for (pubkey, filterKind), so a subsequent
// run resumes strictly from this timestamp (spec.md invariant 6).
func (s *Store) Save(ctx context.Context, pubkey, filterKind string, cursorUntil int64, updatedAtUnix int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resume_cursors (pubkey, filter_kind, cursor_until, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (pubkey, filter_kind) DO UPDATE SET
			cursor_until = excluded.cursor_until,
			updated_at = excluded.updated_at
	`, pubkey, filterKind, cursorUntil, updatedAtUnix)
	if err != nil {
		return fmt.Errorf("resume: save cursor: %w", err)
	}
	return nil
}
