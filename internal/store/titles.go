package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const titleColumns = `id, title, overview, poster_ref, backdrop_ref, selected_quality_index,
	quality_label, bitrate_bps, status, created_at, expires_at, manifest_url, renditions, missing_segments`

// PutTitle inserts or replaces a title record. Replacing a record must not
// move its status backward.
func (s *Store) PutTitle(ctx context.Context, t *Title) error {
	if t.ID == "" {
		return fmt.Errorf("put title: empty id")
	}
	if !t.Status.valid() {
		return fmt.Errorf("put title %s: unknown status %q", t.ID, t.Status)
	}
	renditions, err := json.Marshal(t.Renditions)
	if err != nil {
		return fmt.Errorf("put title %s: %w", t.ID, err)
	}

	unlock := s.lockTitle(t.ID)
	defer unlock()

	current, err := s.titleStatus(ctx, t.ID)
	if err != nil && !errors.Is(err, ErrTitleNotFound) {
		return err
	}
	if err == nil && current != t.Status && !current.CanTransition(t.Status) {
		return fmt.Errorf("put title %s: %w: %s -> %s", t.ID, ErrInvalidTransition, current, t.Status)
	}

	query := `INSERT INTO titles (` + titleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		overview = excluded.overview,
		poster_ref = excluded.poster_ref,
		backdrop_ref = excluded.backdrop_ref,
		selected_quality_index = excluded.selected_quality_index,
		quality_label = excluded.quality_label,
		bitrate_bps = excluded.bitrate_bps,
		status = excluded.status,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at,
		manifest_url = excluded.manifest_url,
		renditions = excluded.renditions,
		missing_segments = excluded.missing_segments`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.Title, t.Overview, t.PosterRef, t.BackdropRef, t.SelectedQualityIndex,
		t.QualityLabel, t.BitrateBps, string(t.Status), t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(),
		t.ManifestURL, string(renditions), t.MissingSegments,
	)
	if err != nil {
		return storageErr("put title", err)
	}
	return nil
}

func (s *Store) GetTitle(ctx context.Context, id string) (*Title, error) {
	query := `SELECT ` + titleColumns + ` FROM titles WHERE id = ?`
	t, err := scanTitle(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTitleNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get title", err)
	}
	return t, nil
}

// ListTitles returns every title, oldest first. Equal creation times are
// ordered by id.
func (s *Store) ListTitles(ctx context.Context) ([]Title, error) {
	query := `SELECT ` + titleColumns + ` FROM titles ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list titles", err)
	}
	defer rows.Close()

	var titles []Title
	for rows.Next() {
		t, err := scanTitle(rows)
		if err != nil {
			return nil, storageErr("list titles", err)
		}
		titles = append(titles, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list titles", err)
	}
	return titles, nil
}

// UpdateTitleStatus moves a title to status next and records how many
// segments the download had to skip.
func (s *Store) UpdateTitleStatus(ctx context.Context, id string, next Status, missing int) error {
	unlock := s.lockTitle(id)
	defer unlock()

	current, err := s.titleStatus(ctx, id)
	if err != nil {
		return err
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("title %s: %w: %s -> %s", id, ErrInvalidTransition, current, next)
	}
	query := `UPDATE titles SET status = ?, missing_segments = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, string(next), missing, id, string(current))
	if err != nil {
		return storageErr("update title status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("title %s: %w: status changed concurrently", id, ErrInvalidTransition)
	}
	return nil
}

func (s *Store) titleStatus(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM titles WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTitleNotFound, id)
	}
	if err != nil {
		return "", storageErr("get title status", err)
	}
	return Status(status), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTitle(row rowScanner) (*Title, error) {
	var (
		t          Title
		status     string
		createdAt  int64
		expiresAt  int64
		renditions string
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Overview, &t.PosterRef, &t.BackdropRef, &t.SelectedQualityIndex,
		&t.QualityLabel, &t.BitrateBps, &status, &createdAt, &expiresAt, &t.ManifestURL,
		&renditions, &t.MissingSegments,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.ExpiresAt = time.UnixMilli(expiresAt)
	if err := json.Unmarshal([]byte(renditions), &t.Renditions); err != nil {
		return nil, fmt.Errorf("decode renditions of %s: %w", t.ID, err)
	}
	return &t, nil
}
