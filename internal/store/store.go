package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStorageFailure wraps every error raised by the storage engine.
	ErrStorageFailure = errors.New("storage failure")
	// ErrTitleNotFound is returned when no title record exists for an id.
	ErrTitleNotFound = errors.New("title not found")
	// ErrEmptyPayload is returned when a segment payload has no bytes.
	ErrEmptyPayload = errors.New("segment payload is empty")
	// ErrInvalidTransition is returned when a status change would move backward.
	ErrInvalidTransition = errors.New("invalid status transition")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}

// Store persists titles, segments and manifests in SQLite. Writes to the same
// title are serialized; different titles proceed independently.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	locks map[string]*titleLock
}

type titleLock struct {
	mu   sync.Mutex
	refs int
}

// Open prepares the schema on db and returns a Store using it.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db, locks: make(map[string]*titleLock)}
	if err := s.initTables(ctx); err != nil {
		return nil, storageErr("init schema", err)
	}
	return s, nil
}

// initTables creates the titles, segments and manifests tables if they don't exist
func (s *Store) initTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS titles (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		overview TEXT NOT NULL DEFAULT '',
		poster_ref TEXT NOT NULL DEFAULT '',
		backdrop_ref TEXT NOT NULL DEFAULT '',
		selected_quality_index INTEGER NOT NULL,
		quality_label TEXT NOT NULL DEFAULT '',
		bitrate_bps INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		manifest_url TEXT NOT NULL DEFAULT '',
		renditions TEXT NOT NULL DEFAULT '[]',
		missing_segments INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS segments (
		title_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		payload BLOB NOT NULL,
		byte_length INTEGER NOT NULL,
		saved_at INTEGER NOT NULL,
		PRIMARY KEY (title_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_segments_title_id ON segments(title_id);

	CREATE TABLE IF NOT EXISTS manifests (
		title_id TEXT PRIMARY KEY,
		raw_text TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// lockTitle serializes writers for one title. The returned func releases it.
func (s *Store) lockTitle(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &titleLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// DeleteTitle removes the title record with all of its segments and its
// manifest in one transaction. Deleting an unknown id is not an error.
func (s *Store) DeleteTitle(ctx context.Context, id string) error {
	unlock := s.lockTitle(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete title", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM segments WHERE title_id = ?`,
		`DELETE FROM manifests WHERE title_id = ?`,
		`DELETE FROM titles WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return storageErr("delete title", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete title", err)
	}
	return nil
}

// Clear wipes every collection.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("clear", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM segments`,
		`DELETE FROM manifests`,
		`DELETE FROM titles`,
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return storageErr("clear", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("clear", err)
	}
	return nil
}

// ComputeUsage totals the byte length of every stored segment.
func (s *Store) ComputeUsage(ctx context.Context) (Usage, error) {
	var u Usage
	query := `SELECT COALESCE(SUM(byte_length), 0), COUNT(*) FROM segments`
	if err := s.db.QueryRowContext(ctx, query).Scan(&u.TotalBytes, &u.SegmentCount); err != nil {
		return Usage{}, storageErr("compute usage", err)
	}
	return u, nil
}

// TitleUsage totals the segments owned by one title.
func (s *Store) TitleUsage(ctx context.Context, id string) (Usage, error) {
	var u Usage
	query := `SELECT COALESCE(SUM(byte_length), 0), COUNT(*) FROM segments WHERE title_id = ?`
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&u.TotalBytes, &u.SegmentCount); err != nil {
		return Usage{}, storageErr("title usage", err)
	}
	return u, nil
}
