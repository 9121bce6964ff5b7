package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"hls-offline/internal/database"
	"hls-offline/internal/store"
)

// NewStore opens a segment store backed by a fresh database file.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := store.Open(context.Background(), db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}
