package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hls-offline/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func sampleTitle(id string, created time.Time) *Title {
	return &Title{
		ID:                   id,
		Title:                "Title " + id,
		SelectedQualityIndex: 1,
		QualityLabel:         "480p",
		BitrateBps:           1_200_000,
		Status:               StatusDownloading,
		CreatedAt:            created,
		ExpiresAt:            created.Add(30 * 24 * time.Hour),
		ManifestURL:          "http://origin/" + id + "/master.m3u8",
		Renditions: []Rendition{
			{Index: 0, Height: 240, URL: "240/index.m3u8"},
			{Index: 1, Height: 480, URL: "480/index.m3u8"},
		},
	}
}

func TestTitleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.UnixMilli(1_700_000_000_000)

	if err := s.PutTitle(ctx, sampleTitle("42", created)); err != nil {
		t.Fatalf("PutTitle: %v", err)
	}
	got, err := s.GetTitle(ctx, "42")
	if err != nil {
		t.Fatalf("GetTitle: %v", err)
	}
	if got.Title != "Title 42" || got.QualityLabel != "480p" || got.Status != StatusDownloading {
		t.Errorf("unexpected title: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	r, ok := got.SelectedRendition()
	if !ok || r.Height != 480 {
		t.Errorf("SelectedRendition = %+v, %v", r, ok)
	}

	if _, err := s.GetTitle(ctx, "missing"); !errors.Is(err, ErrTitleNotFound) {
		t.Errorf("GetTitle(missing) err = %v, want ErrTitleNotFound", err)
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	title := sampleTitle("7", time.Now())
	if err := s.PutTitle(ctx, title); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTitleStatus(ctx, "7", StatusCompleted, 2); err != nil {
		t.Fatalf("UpdateTitleStatus: %v", err)
	}
	got, _ := s.GetTitle(ctx, "7")
	if got.Status != StatusCompleted || got.MissingSegments != 2 {
		t.Fatalf("got %s missing=%d", got.Status, got.MissingSegments)
	}

	if err := s.UpdateTitleStatus(ctx, "7", StatusCancelled, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Completed -> Cancelled err = %v, want ErrInvalidTransition", err)
	}
	title.Status = StatusDownloading
	if err := s.PutTitle(ctx, title); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PutTitle backward err = %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateTitleStatus(ctx, "nope", StatusCompleted, 0); !errors.Is(err, ErrTitleNotFound) {
		t.Errorf("unknown title err = %v", err)
	}
}

func TestPutSegmentIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	payload := []byte("segment-bytes")
	if err := s.PutTitle(ctx, sampleTitle("t", time.Now())); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		n, err := s.PutSegment(ctx, "t", 0, payload)
		if err != nil {
			t.Fatalf("PutSegment: %v", err)
		}
		if n != int64(len(payload)) {
			t.Errorf("byteLength = %d, want %d", n, len(payload))
		}
	}
	u, err := s.ComputeUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if u.SegmentCount != 1 || u.TotalBytes != int64(len(payload)) {
		t.Errorf("usage = %+v, want one segment of %d bytes", u, len(payload))
	}

	got, ok, err := s.GetSegment(ctx, "t", 0)
	if err != nil || !ok || !bytes.Equal(got, payload) {
		t.Errorf("GetSegment = %q, %v, %v", got, ok, err)
	}
	if _, ok, err := s.GetSegment(ctx, "t", 1); ok || err != nil {
		t.Errorf("GetSegment(missing) = %v, %v; want not found without error", ok, err)
	}
	if _, err := s.PutSegment(ctx, "t", 2, nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("empty payload err = %v", err)
	}
}

func TestDeleteTitleCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		if err := s.PutTitle(ctx, sampleTitle(id, time.Now())); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			if _, err := s.PutSegment(ctx, id, i, bytes.Repeat([]byte{1}, 100)); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.PutManifest(ctx, id, "#EXTM3U\n"); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DeleteTitle(ctx, "a"); err != nil {
		t.Fatalf("DeleteTitle: %v", err)
	}
	if _, err := s.GetTitle(ctx, "a"); !errors.Is(err, ErrTitleNotFound) {
		t.Errorf("title still present: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, ok, _ := s.GetSegment(ctx, "a", i); ok {
			t.Errorf("segment a/%d survived delete", i)
		}
	}
	if _, ok, _ := s.GetManifest(ctx, "a"); ok {
		t.Error("manifest survived delete")
	}
	u, _ := s.ComputeUsage(ctx)
	if u.TotalBytes != 300 || u.SegmentCount != 3 {
		t.Errorf("usage after delete = %+v, want b's 300 bytes", u)
	}
	bu, _ := s.TitleUsage(ctx, "b")
	if bu.SegmentCount != 3 {
		t.Errorf("TitleUsage(b) = %+v", bu)
	}

	// retry of an already-deleted title succeeds
	if err := s.DeleteTitle(ctx, "a"); err != nil {
		t.Errorf("second DeleteTitle: %v", err)
	}
}

func TestWritesRequireTitle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.PutSegment(ctx, "ghost", 0, []byte("x")); !errors.Is(err, ErrTitleNotFound) {
		t.Errorf("PutSegment without title err = %v, want ErrTitleNotFound", err)
	}
	if err := s.PutManifest(ctx, "ghost", "#EXTM3U\n"); !errors.Is(err, ErrTitleNotFound) {
		t.Errorf("PutManifest without title err = %v, want ErrTitleNotFound", err)
	}

	if err := s.PutTitle(ctx, sampleTitle("gone", time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutSegment(ctx, "gone", 0, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTitle(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutSegment(ctx, "gone", 1, []byte("late")); !errors.Is(err, ErrTitleNotFound) {
		t.Errorf("PutSegment after delete err = %v, want ErrTitleNotFound", err)
	}
	u, err := s.ComputeUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if u.SegmentCount != 0 || u.TotalBytes != 0 {
		t.Errorf("usage after refused writes = %+v, want empty", u)
	}
}

func TestListTitlesOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	for _, tc := range []struct {
		id      string
		created time.Time
	}{
		{"c", base.Add(2 * time.Minute)},
		{"b", base},
		{"a", base},
	} {
		if err := s.PutTitle(ctx, sampleTitle(tc.id, tc.created)); err != nil {
			t.Fatal(err)
		}
	}
	titles, err := s.ListTitles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, ti := range titles {
		ids = append(ids, ti.ID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("order = %v, want [a b c]", ids)
	}
}

func TestSegmentIndexesAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.PutTitle(ctx, sampleTitle("x", time.Now())); err != nil {
		t.Fatal(err)
	}
	for _, i := range []int{4, 0, 2} {
		if _, err := s.PutSegment(ctx, "x", i, []byte{byte(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	idx, err := s.SegmentIndexes(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(idx) != "[0 2 4]" {
		t.Errorf("indexes = %v", idx)
	}
	if ok, _ := s.HasSegment(ctx, "x", 2); !ok {
		t.Error("HasSegment(2) = false")
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	u, _ := s.ComputeUsage(ctx)
	if u.SegmentCount != 0 {
		t.Errorf("usage after Clear = %+v", u)
	}
}

func TestConcurrentTitlesDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const titles, segs = 4, 10
	errCh := make(chan error, titles)
	var wg sync.WaitGroup
	for n := 0; n < titles; n++ {
		id := fmt.Sprintf("t%d", n)
		if err := s.PutTitle(ctx, sampleTitle(id, time.Now())); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < segs; i++ {
				if _, err := s.PutSegment(ctx, id, i, []byte(id)); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent segment writes timed out")
	}
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("PutSegment: %v", err)
		}
	}

	for n := 0; n < titles; n++ {
		id := fmt.Sprintf("t%d", n)
		u, err := s.TitleUsage(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if u.SegmentCount != segs || u.TotalBytes != int64(segs*len(id)) {
			t.Errorf("%s usage = %+v", id, u)
		}
	}
}
