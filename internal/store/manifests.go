package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutManifest stores the rendition playlist text verbatim. Like segments,
// a manifest is only accepted while its title record exists.
func (s *Store) PutManifest(ctx context.Context, titleID, rawText string) error {
	unlock := s.lockTitle(titleID)
	defer unlock()

	query := `INSERT INTO manifests (title_id, raw_text, saved_at)
	SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM titles WHERE id = ?)
	ON CONFLICT(title_id) DO UPDATE SET raw_text = excluded.raw_text, saved_at = excluded.saved_at`
	res, err := s.db.ExecContext(ctx, query, titleID, rawText, time.Now().UnixMilli(), titleID)
	if err != nil {
		return storageErr("put manifest", err)
	}
	if err := requireTitle(res, titleID); err != nil {
		return fmt.Errorf("put manifest %s: %w", titleID, err)
	}
	return nil
}

func (s *Store) GetManifest(ctx context.Context, titleID string) (string, bool, error) {
	var content sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT raw_text FROM manifests WHERE title_id = ?`, titleID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get manifest", err)
	}
	return content.String, true, nil
}
