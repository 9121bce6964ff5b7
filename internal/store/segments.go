package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutSegment stores one segment payload and returns its byte length. The
// write is atomic for the key; an existing payload is replaced. A key whose
// title record is gone is refused with ErrTitleNotFound.
func (s *Store) PutSegment(ctx context.Context, titleID string, index int, payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("put segment %s/%d: %w", titleID, index, ErrEmptyPayload)
	}
	if index < 0 {
		return 0, fmt.Errorf("put segment %s/%d: negative index", titleID, index)
	}

	unlock := s.lockTitle(titleID)
	defer unlock()

	n := int64(len(payload))
	query := `INSERT INTO segments (title_id, idx, payload, byte_length, saved_at)
	SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM titles WHERE id = ?)
	ON CONFLICT(title_id, idx) DO UPDATE SET
		payload = excluded.payload,
		byte_length = excluded.byte_length,
		saved_at = excluded.saved_at`
	res, err := s.db.ExecContext(ctx, query, titleID, index, payload, n, time.Now().UnixMilli(), titleID)
	if err != nil {
		return 0, storageErr("put segment", err)
	}
	if err := requireTitle(res, titleID); err != nil {
		return 0, fmt.Errorf("put segment %s/%d: %w", titleID, index, err)
	}
	return n, nil
}

// requireTitle turns a guarded write that touched no row into
// ErrTitleNotFound.
func requireTitle(res sql.Result, titleID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTitleNotFound, titleID)
	}
	return nil
}

// GetSegment returns the stored payload. A missing segment reports
// found == false with a nil error.
func (s *Store) GetSegment(ctx context.Context, titleID string, index int) ([]byte, bool, error) {
	var payload []byte
	query := `SELECT payload FROM segments WHERE title_id = ? AND idx = ?`
	err := s.db.QueryRowContext(ctx, query, titleID, index).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get segment", err)
	}
	return payload, true, nil
}

// HasSegment reports whether a segment exists without reading its payload.
func (s *Store) HasSegment(ctx context.Context, titleID string, index int) (bool, error) {
	var one int
	query := `SELECT 1 FROM segments WHERE title_id = ? AND idx = ?`
	err := s.db.QueryRowContext(ctx, query, titleID, index).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("has segment", err)
	}
	return true, nil
}

// SegmentIndexes lists the stored segment indexes of a title in ascending order.
func (s *Store) SegmentIndexes(ctx context.Context, titleID string) ([]int, error) {
	query := `SELECT idx FROM segments WHERE title_id = ? ORDER BY idx ASC`
	rows, err := s.db.QueryContext(ctx, query, titleID)
	if err != nil {
		return nil, storageErr("list segments", err)
	}
	defer rows.Close()

	var indexes []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, storageErr("list segments", err)
		}
		indexes = append(indexes, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list segments", err)
	}
	return indexes, nil
}
