package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"hls-offline/internal/downloader"
	"hls-offline/internal/store"
	"hls-offline/internal/testutil"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, origin *testutil.Origin) (*Manager, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	m := NewManager(
		s,
		downloader.NewClient(nil, 0, 0),
		TemplateResolver{Template: origin.URL + "/{id}/master.m3u8"},
		Options{Retention: 720 * time.Hour, SegmentTimeout: 2 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	m.Now = func() time.Time { return testNow }
	return m, s
}

// hookFetcher runs onSegment before every segment download.
type hookFetcher struct {
	Fetcher
	onSegment func(url string)
}

func (h hookFetcher) GetBytes(ctx context.Context, url string, timeout time.Duration, p downloader.ProgressFunc) ([]byte, error) {
	if h.onSegment != nil {
		h.onSegment(url)
	}
	return h.Fetcher.GetBytes(ctx, url, timeout, p)
}

func TestSelectQuality(t *testing.T) {
	heights := []int{240, 480, 720, 1080}
	tests := []struct {
		pref string
		want int
	}{
		{"auto", 2},
		{"", 2},
		{"480", 1},
		{"480p", 1},
		{"1080P", 3},
		{"9999", 0},
		{"best", 0},
	}
	for _, tt := range tests {
		if got := SelectQuality(heights, tt.pref); got != tt.want {
			t.Errorf("SelectQuality(%q) = %d, want %d", tt.pref, got, tt.want)
		}
	}
	if got := SelectQuality([]int{240, 480, 720}, "auto"); got != 1 {
		t.Errorf("auto on 3 rungs = %d, want 1", got)
	}
	if got := SelectQuality(nil, "auto"); got != -1 {
		t.Errorf("empty ladder = %d, want -1", got)
	}
}

func TestDownload_EndToEnd(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("42", []int{240, 480, 720}, 5)
	m, s := newTestManager(t, origin)

	res, err := m.Download(ctx, "42", Metadata{Title: "The Answer"}, "auto")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Status != store.StatusCompleted || res.Downloaded != 5 || res.Total != 5 || res.Missing() != 0 {
		t.Fatalf("result = %+v", res)
	}

	title, err := s.GetTitle(ctx, "42")
	if err != nil {
		t.Fatalf("GetTitle: %v", err)
	}
	if title.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", title.Status)
	}
	if title.SelectedQualityIndex != 1 || title.QualityLabel != "480p" {
		t.Errorf("selected %d %q, want 1 480p", title.SelectedQualityIndex, title.QualityLabel)
	}
	if !title.ExpiresAt.Equal(testNow.Add(720 * time.Hour)) {
		t.Errorf("expires at %v", title.ExpiresAt)
	}
	if len(title.Renditions) != 3 || title.Renditions[2].Height != 720 {
		t.Errorf("renditions = %+v", title.Renditions)
	}
	for i := 0; i < 5; i++ {
		data, found, err := s.GetSegment(ctx, "42", i)
		if err != nil || !found {
			t.Fatalf("segment %d: found=%v err=%v", i, found, err)
		}
		if want := testutil.SegmentPayload("42", 480, i); string(data) != want {
			t.Errorf("segment %d = %q, want %q", i, data, want)
		}
	}
	manifest, found, err := s.GetManifest(ctx, "42")
	if err != nil || !found || !strings.Contains(manifest, "segment4.ts") {
		t.Errorf("manifest found=%v err=%v", found, err)
	}
	if origin.Hits("/42/720/segment0.ts") != 0 {
		t.Error("fetched a rendition that was not selected")
	}
	if m.IsActive("42") {
		t.Error("task still active after completion")
	}
	ok, err := m.CheckIfDownloaded(ctx, "42")
	if err != nil || !ok {
		t.Errorf("CheckIfDownloaded = %v, %v", ok, err)
	}
}

func TestDownload_EmptyPlaylist(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("z", []int{480}, 0)
	m, s := newTestManager(t, origin)

	res, err := m.Download(ctx, "z", Metadata{}, "auto")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Status != store.StatusCompleted || res.Total != 0 || !res.Empty || res.Missing() != 0 {
		t.Fatalf("result = %+v", res)
	}
	title, err := s.GetTitle(ctx, "z")
	if err != nil || title.Status != store.StatusCompleted {
		t.Fatalf("title = %+v, %v", title, err)
	}
	if _, found, err := s.GetManifest(ctx, "z"); !found || err != nil {
		t.Errorf("manifest found=%v err=%v", found, err)
	}
	if u, _ := s.TitleUsage(ctx, "z"); u.SegmentCount != 0 {
		t.Errorf("usage = %+v", u)
	}
}

func TestDownload_BestEffort(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("7", []int{480}, 5)
	origin.Fail("/7/480/segment3.ts", http.StatusInternalServerError)
	m, s := newTestManager(t, origin)

	res, err := m.Download(ctx, "7", Metadata{}, "auto")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Status != store.StatusCompleted || res.Downloaded != 4 || res.Missing() != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Failed) != 1 || res.Failed[0].Index != 3 {
		t.Fatalf("failed = %+v", res.Failed)
	}
	var statusErr *downloader.HTTPStatusError
	if !errors.As(&res.Failed[0], &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("failure cause = %v", res.Failed[0].Err)
	}

	title, _ := s.GetTitle(ctx, "7")
	if title.Status != store.StatusCompleted || title.MissingSegments != 1 {
		t.Errorf("title status %s missing %d", title.Status, title.MissingSegments)
	}
	if ok, _ := s.HasSegment(ctx, "7", 3); ok {
		t.Error("segment 3 stored")
	}
	if ok, _ := s.HasSegment(ctx, "7", 4); !ok {
		t.Error("segment 4 missing; download stopped at the failure")
	}
}

func TestDownloadSegments_SkipsStoredSegments(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("9", []int{480}, 5)
	m, s := newTestManager(t, origin)

	sel, err := m.InitializeDownload(ctx, "9", Metadata{}, "auto")
	if err != nil {
		t.Fatalf("InitializeDownload: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.PutSegment(ctx, "9", i, []byte(testutil.SegmentPayload("9", 480, i))); err != nil {
			t.Fatal(err)
		}
	}
	origin.ResetCounts()

	res, err := m.DownloadSegments(ctx, "9", sel.PlaylistURL, sel.Index)
	if err != nil {
		t.Fatalf("DownloadSegments: %v", err)
	}
	if res.Downloaded != 5 || res.Status != store.StatusCompleted {
		t.Fatalf("result = %+v", res)
	}
	for i := 0; i < 3; i++ {
		if n := origin.Hits(fmt.Sprintf("/9/480/segment%d.ts", i)); n != 0 {
			t.Errorf("segment %d fetched %d times", i, n)
		}
	}
	if n := origin.Hits("/9/480/segment3.ts"); n != 1 {
		t.Errorf("segment 3 fetched %d times, want 1", n)
	}
}

func TestInitializeDownload_ResumesInterruptedRecord(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("5", []int{240, 480, 720}, 2)
	m, _ := newTestManager(t, origin)

	first, err := m.InitializeDownload(ctx, "5", Metadata{}, "720")
	if err != nil {
		t.Fatal(err)
	}
	// a restart drops the live task but keeps the Downloading record
	m.tasks.remove("5", m.tasks.get("5"))
	origin.ResetCounts()

	second, err := m.InitializeDownload(ctx, "5", Metadata{}, "240")
	if err != nil {
		t.Fatalf("second InitializeDownload: %v", err)
	}
	if !second.Resumed || second.Index != first.Index || second.PlaylistURL != first.PlaylistURL {
		t.Errorf("resume selection = %+v, want %+v", second, first)
	}
	if origin.Requests() != 0 {
		t.Errorf("resume made %d requests", origin.Requests())
	}
}

func TestInitializeDownload_Errors(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("done", []int{480}, 1)
	origin.Fail("/missing/master.m3u8", http.StatusNotFound)
	origin.Set("/empty/master.m3u8", "#EXTM3U\n#EXT-X-VERSION:3\n")
	m, s := newTestManager(t, origin)

	if _, err := m.Download(ctx, "done", Metadata{}, "auto"); err != nil {
		t.Fatal(err)
	}
	_, err := m.InitializeDownload(ctx, "done", Metadata{}, "auto")
	if !errors.Is(err, ErrAlreadyDownloaded) {
		t.Errorf("completed title err = %v, want ErrAlreadyDownloaded", err)
	}

	_, err = m.InitializeDownload(ctx, "missing", Metadata{}, "auto")
	if !errors.Is(err, ErrManifestFailure) {
		t.Errorf("404 manifest err = %v, want ErrManifestFailure", err)
	}
	if _, err := s.GetTitle(ctx, "missing"); !errors.Is(err, store.ErrTitleNotFound) {
		t.Errorf("manifest failure persisted a title: %v", err)
	}
	if m.IsActive("missing") {
		t.Error("manifest failure left a live task")
	}

	_, err = m.InitializeDownload(ctx, "empty", Metadata{}, "auto")
	if !errors.Is(err, ErrManifestFailure) {
		t.Errorf("empty ladder err = %v", err)
	}
}

func TestInitializeDownload_ReplacesCancelledRecord(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("3", []int{480}, 2)
	m, s := newTestManager(t, origin)

	if _, err := m.InitializeDownload(ctx, "3", Metadata{}, "auto"); err != nil {
		t.Fatal(err)
	}
	if err := m.CancelDownload(ctx, "3"); err != nil {
		t.Fatalf("CancelDownload: %v", err)
	}
	if _, err := s.PutSegment(ctx, "3", 0, []byte("stale")); err != nil {
		t.Fatal(err)
	}

	if _, err := m.InitializeDownload(ctx, "3", Metadata{Title: "again"}, "auto"); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	title, _ := s.GetTitle(ctx, "3")
	if title.Status != store.StatusDownloading || title.Title != "again" {
		t.Errorf("title = %s %q", title.Status, title.Title)
	}
	if ok, _ := s.HasSegment(ctx, "3", 0); ok {
		t.Error("segments of the cancelled attempt survived")
	}
}

func TestCancelDownload_MidRun(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("c", []int{480}, 5)
	m, s := newTestManager(t, origin)

	m.fetcher = hookFetcher{Fetcher: m.fetcher, onSegment: func(url string) {
		if strings.HasSuffix(url, "segment1.ts") {
			if err := m.CancelDownload(ctx, "c"); err != nil {
				t.Errorf("CancelDownload: %v", err)
			}
		}
	}}

	res, err := m.Download(ctx, "c", Metadata{}, "auto")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	title, _ := s.GetTitle(ctx, "c")
	if title.Status != store.StatusCancelled {
		t.Errorf("title status = %s", title.Status)
	}
	if ok, _ := s.HasSegment(ctx, "c", 0); !ok {
		t.Error("segment stored before cancellation was removed")
	}
	if n := origin.Hits("/c/480/segment2.ts"); n != 0 {
		t.Errorf("segment 2 fetched %d times after cancel", n)
	}
	if m.IsActive("c") {
		t.Error("cancelled task still active")
	}
}

// blockSegment holds the fetch of the segment whose url has suffix until
// release is closed. reached is closed once the fetch has started.
func blockSegment(m *Manager, suffix string) (reached, release chan struct{}) {
	reached, release = make(chan struct{}), make(chan struct{})
	m.fetcher = hookFetcher{Fetcher: m.fetcher, onSegment: func(url string) {
		if strings.HasSuffix(url, suffix) {
			close(reached)
			<-release
		}
	}}
	return reached, release
}

func TestCancelThenDelete_WaitsForInFlightSegment(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("o", []int{480}, 4)
	m, s := newTestManager(t, origin)
	reached, release := blockSegment(m, "segment1.ts")

	done := make(chan *Result, 1)
	go func() {
		res, err := m.Download(ctx, "o", Metadata{}, "auto")
		if err != nil {
			t.Errorf("Download: %v", err)
		}
		done <- res
	}()
	<-reached

	if err := m.CancelDownload(ctx, "o"); err != nil {
		t.Fatalf("CancelDownload: %v", err)
	}
	if !m.IsActive("o") {
		t.Error("title reported inactive while a segment fetch is in flight")
	}

	deleted := make(chan error, 1)
	go func() { deleted <- m.DeleteDownload(ctx, "o") }()
	select {
	case err := <-deleted:
		t.Fatalf("DeleteDownload returned before the segment loop exited: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-deleted:
		if err != nil {
			t.Fatalf("DeleteDownload: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DeleteDownload did not finish")
	}
	if res := <-done; res == nil || res.Status != store.StatusCancelled {
		t.Errorf("result = %+v", res)
	}

	titles, _ := s.ListTitles(ctx)
	u, err := s.ComputeUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(titles) != 0 || u.SegmentCount != 0 || u.TotalBytes != 0 {
		t.Errorf("after delete: titles=%d usage=%+v", len(titles), u)
	}
	if _, found, _ := s.GetSegment(ctx, "o", 1); found {
		t.Error("segment 1 outlived its title")
	}
}

func TestDownloadSegments_TitleDeletedMidRun(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("g", []int{480}, 3)
	m, s := newTestManager(t, origin)
	reached, release := blockSegment(m, "segment1.ts")

	sel, err := m.InitializeDownload(ctx, "g", Metadata{}, "auto")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := m.DownloadSegments(ctx, "g", sel.PlaylistURL, sel.Index)
		errc <- err
	}()
	<-reached
	if err := s.DeleteTitle(ctx, "g"); err != nil {
		t.Fatal(err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
	if u, _ := s.ComputeUsage(ctx); u.SegmentCount != 0 {
		t.Errorf("usage = %+v, want no segments", u)
	}
	if m.IsActive("g") {
		t.Error("task still active")
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("p", []int{480}, 4)
	m, _ := newTestManager(t, origin)

	m.fetcher = hookFetcher{Fetcher: m.fetcher, onSegment: func(url string) {
		if strings.HasSuffix(url, "segment1.ts") {
			if err := m.PauseDownload("p"); err != nil {
				t.Errorf("PauseDownload: %v", err)
			}
		}
	}}

	sel, err := m.InitializeDownload(ctx, "p", Metadata{}, "auto")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan *Result, 1)
	go func() {
		res, err := m.DownloadSegments(ctx, "p", sel.PlaylistURL, sel.Index)
		if err != nil {
			t.Errorf("DownloadSegments: %v", err)
		}
		done <- res
	}()

	waitFor(t, func() bool {
		snap, ok := m.Progress("p")
		return ok && snap.Status == StatusPaused && snap.Downloaded == 2
	})
	if n := origin.Hits("/p/480/segment2.ts"); n != 0 {
		t.Fatalf("segment 2 fetched while paused")
	}
	snap, _ := m.Progress("p")
	if snap.Percent != 50 {
		t.Errorf("percent = %d, want 50", snap.Percent)
	}

	if err := m.ResumeDownload(ctx, "p"); err != nil {
		t.Fatalf("ResumeDownload: %v", err)
	}
	select {
	case res := <-done:
		if res == nil || res.Status != store.StatusCompleted || res.Downloaded != 4 {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish after resume")
	}
}

func TestPauseAndCancel_WithoutTask(t *testing.T) {
	origin := testutil.NewOrigin(t)
	m, _ := newTestManager(t, origin)

	if err := m.PauseDownload("nope"); !errors.Is(err, ErrNoActiveDownload) {
		t.Errorf("pause err = %v", err)
	}
	if err := m.CancelDownload(context.Background(), "nope"); !errors.Is(err, ErrNoActiveDownload) {
		t.Errorf("cancel err = %v", err)
	}
	if err := m.ResumeDownload(context.Background(), "nope"); !errors.Is(err, ErrTitleNotFound) {
		t.Errorf("resume err = %v", err)
	}
}

func TestDeleteDownload(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewOrigin(t)
	origin.AddTitle("d", []int{480}, 2)
	m, s := newTestManager(t, origin)

	sel, err := m.InitializeDownload(ctx, "d", Metadata{}, "auto")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteDownload(ctx, "d"); !errors.Is(err, ErrDownloadInProgress) {
		t.Errorf("delete while active err = %v", err)
	}
	if _, err := m.DownloadSegments(ctx, "d", sel.PlaylistURL, sel.Index); err != nil {
		t.Fatal(err)
	}

	entries, err := m.ListDownloads(ctx)
	if err != nil || len(entries) != 1 || entries[0].Usage.SegmentCount != 2 {
		t.Fatalf("ListDownloads = %+v, %v", entries, err)
	}
	if err := m.DeleteDownload(ctx, "d"); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	if _, err := s.GetTitle(ctx, "d"); !errors.Is(err, store.ErrTitleNotFound) {
		t.Errorf("title survived delete: %v", err)
	}
}

func TestPoll(t *testing.T) {
	origin := testutil.NewOrigin(t)
	m, _ := newTestManager(t, origin)

	if _, ok := <-m.Poll(context.Background(), "none", 0); ok {
		t.Error("poll on unknown title emitted a snapshot")
	}

	x, _ := m.tasks.register("x", StatusDownloading)
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Poll(ctx, "x", time.Millisecond)
	snap, ok := <-ch
	if !ok || snap.TitleID != "x" || snap.Status != StatusDownloading {
		t.Errorf("snapshot = %+v, %v", snap, ok)
	}
	m.tasks.remove("x", x)
	cancel()
	for range ch {
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
