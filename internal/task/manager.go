package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"hls-offline/internal/downloader"
	playlist "hls-offline/internal/m3u8"
	"hls-offline/internal/store"
)

// Fetcher is the network side of a download.
type Fetcher interface {
	GetText(ctx context.Context, url string, timeout time.Duration) (string, error)
	GetBytes(ctx context.Context, url string, timeout time.Duration, progress downloader.ProgressFunc) ([]byte, error)
}

// Metadata is the display information recorded with a download.
type Metadata struct {
	Title       string `json:"title"`
	Overview    string `json:"overview"`
	PosterRef   string `json:"poster_ref"`
	BackdropRef string `json:"backdrop_ref"`
}

// Options tunes a Manager. Zero values fall back to the defaults.
type Options struct {
	Retention        time.Duration
	SegmentTimeout   time.Duration
	SegmentExtension string
}

// Selection is the rendition chosen by InitializeDownload.
type Selection struct {
	TitleID      string            `json:"title_id"`
	PlaylistURL  string            `json:"playlist_url"`
	Index        int               `json:"selected_index"`
	QualityLabel string            `json:"quality"`
	Renditions   []store.Rendition `json:"renditions"`
	Resumed      bool              `json:"resumed"`
	// CreatedAt identifies the title record the selection belongs to.
	CreatedAt time.Time `json:"created_at"`
}

// Result summarizes one run of DownloadSegments.
type Result struct {
	TitleID    string              `json:"title_id"`
	RunID      string              `json:"run_id"`
	Status     store.Status        `json:"status"`
	Downloaded int                 `json:"downloaded_segments"`
	Total      int                 `json:"total_segments"`
	Bytes      int64               `json:"bytes"`
	Failed     []SegmentFetchError `json:"failed,omitempty"`
	// Empty is set when the playlist listed no segments at all.
	Empty bool `json:"empty"`
}

// Missing is the number of segments the run could not store.
func (r *Result) Missing() int {
	return r.Total - r.Downloaded
}

// Manager drives downloads from manifest to stored segments and owns the
// table of live download tasks.
type Manager struct {
	store    *store.Store
	fetcher  Fetcher
	resolver ManifestResolver
	logger   *slog.Logger
	opts     Options
	tasks    *taskTable

	// Now is the clock used for record timestamps.
	Now func() time.Time
	// BaseContext is the parent of downloads started from HTTP handlers.
	BaseContext context.Context
}

func NewManager(s *store.Store, f Fetcher, r ManifestResolver, opts Options, logger *slog.Logger) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = 30 * time.Second
	}
	if opts.SegmentExtension == "" {
		opts.SegmentExtension = ".ts"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       s,
		fetcher:     f,
		resolver:    r,
		logger:      logger,
		opts:        opts,
		tasks:       newTaskTable(),
		Now:         time.Now,
		BaseContext: context.Background(),
	}
}

// SelectQuality picks a ladder index. "auto" (or empty) takes the middle of
// the ladder; a resolution such as "480" or "480p" takes the first rendition
// of that height, falling back to index 0.
func SelectQuality(heights []int, preference string) int {
	if len(heights) == 0 {
		return -1
	}
	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" || pref == "auto" {
		return len(heights) / 2
	}
	want, err := strconv.Atoi(strings.TrimSuffix(pref, "p"))
	if err != nil {
		return 0
	}
	for i, h := range heights {
		if h == want {
			return i
		}
	}
	return 0
}

// InitializeDownload fetches the quality ladder for titleID, picks a
// rendition and records a Downloading title. Nothing is persisted when the
// manifest cannot be fetched or parsed.
func (m *Manager) InitializeDownload(ctx context.Context, titleID string, meta Metadata, quality string) (*Selection, error) {
	if titleID == "" {
		return nil, errors.New("initialize download: empty title id")
	}
	t, ok := m.tasks.register(titleID, StatusInitializing)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDownloadInProgress, titleID)
	}

	sel, err := m.initialize(ctx, t, titleID, meta, quality)
	if err != nil {
		m.tasks.remove(titleID, t)
		return nil, err
	}
	if t.Status() == StatusCancelled {
		m.markFinal(titleID, store.StatusCancelled, 0)
		return nil, fmt.Errorf("%w: %s", ErrCancelled, titleID)
	}
	return sel, nil
}

func (m *Manager) initialize(ctx context.Context, t *Task, titleID string, meta Metadata, quality string) (*Selection, error) {
	existing, err := m.store.GetTitle(ctx, titleID)
	switch {
	case err == nil:
		switch existing.Status {
		case store.StatusCompleted:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyDownloaded, titleID)
		case store.StatusDownloading:
			// left behind by an interrupted run; pick up where it stopped
			sel, err := selectionFromTitle(existing)
			if err != nil {
				return nil, err
			}
			sel.Resumed = true
			m.logger.Info("resuming interrupted download", "title", titleID, "run", t.runID, "quality", sel.QualityLabel)
			return sel, nil
		}
	case !errors.Is(err, store.ErrTitleNotFound):
		return nil, err
	}

	manifestURL, err := m.resolver.ManifestURL(ctx, titleID)
	if err != nil {
		return nil, manifestErr(titleID, "resolve manifest", err)
	}
	text, err := m.fetcher.GetText(ctx, manifestURL, m.opts.SegmentTimeout)
	if err != nil {
		return nil, manifestErr(titleID, "fetch manifest", err)
	}
	ladder, err := playlist.ParseLadder(strings.NewReader(text), manifestURL)
	if err != nil {
		return nil, manifestErr(titleID, "parse manifest", err)
	}

	heights := make([]int, len(ladder))
	renditions := make([]store.Rendition, len(ladder))
	for i, r := range ladder {
		heights[i] = r.Height
		renditions[i] = store.Rendition{Index: r.Index, Height: r.Height, URL: r.URI}
	}
	idx := SelectQuality(heights, quality)
	chosen := ladder[idx]

	// a cancelled or failed attempt is replaced by this one
	if existing != nil {
		if err := m.store.DeleteTitle(ctx, titleID); err != nil {
			return nil, err
		}
	}

	now := m.Now()
	record := &store.Title{
		ID:                   titleID,
		Title:                meta.Title,
		Overview:             meta.Overview,
		PosterRef:            meta.PosterRef,
		BackdropRef:          meta.BackdropRef,
		SelectedQualityIndex: idx,
		QualityLabel:         playlist.QualityLabel(chosen.Height),
		BitrateBps:           chosen.Bandwidth,
		Status:               store.StatusDownloading,
		CreatedAt:            now,
		ExpiresAt:            now.Add(m.opts.Retention),
		ManifestURL:          manifestURL,
		Renditions:           renditions,
	}
	if err := m.store.PutTitle(ctx, record); err != nil {
		return nil, err
	}

	m.logger.Info("download initialized",
		"title", titleID,
		"run", t.runID,
		"quality", record.QualityLabel,
		"index", idx,
		"ladder", len(ladder),
	)
	return &Selection{
		TitleID:      titleID,
		PlaylistURL:  chosen.URL,
		Index:        idx,
		QualityLabel: record.QualityLabel,
		Renditions:   renditions,
		CreatedAt:    now,
	}, nil
}

func selectionFromTitle(t *store.Title) (*Selection, error) {
	r, ok := t.SelectedRendition()
	if !ok {
		return nil, fmt.Errorf("title %s: selected quality index %d out of range", t.ID, t.SelectedQualityIndex)
	}
	base, err := url.Parse(t.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("title %s: parse manifest url: %w", t.ID, err)
	}
	return &Selection{
		TitleID:      t.ID,
		PlaylistURL:  playlist.ResolveURL(base, r.URL),
		Index:        t.SelectedQualityIndex,
		QualityLabel: t.QualityLabel,
		Renditions:   t.Renditions,
		CreatedAt:    t.CreatedAt,
	}, nil
}

// Selection rebuilds the rendition choice of a stored title.
func (m *Manager) Selection(ctx context.Context, titleID string) (*Selection, error) {
	t, err := m.store.GetTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}
	return selectionFromTitle(t)
}

// DownloadSegments fetches the rendition playlist and stores every segment
// in order. Segments already in the store are skipped without a network
// call. A segment that fails to download is logged and skipped; the title
// still ends Completed with the gap recorded in MissingSegments.
func (m *Manager) DownloadSegments(ctx context.Context, titleID, playlistURL string, selectedIndex int) (*Result, error) {
	title, err := m.store.GetTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}
	switch title.Status {
	case store.StatusDownloading:
	case store.StatusCompleted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDownloaded, titleID)
	default:
		return nil, fmt.Errorf("title %s is %s: %w", titleID, title.Status, store.ErrInvalidTransition)
	}

	t, _ := m.tasks.register(titleID, StatusDownloading)
	if !t.startRun() {
		return nil, fmt.Errorf("%w: %s", ErrDownloadInProgress, titleID)
	}
	defer t.endRun()
	t.transition(StatusDownloading, StatusInitializing)

	log := m.logger.With("title", titleID, "run", t.runID)
	res := &Result{TitleID: titleID, RunID: t.runID}

	text, err := m.fetcher.GetText(ctx, playlistURL, m.opts.SegmentTimeout)
	if err != nil {
		return nil, m.fail(t, log, manifestErr(titleID, "fetch playlist", err))
	}
	urls, err := playlist.SegmentURLs(text, playlistURL, m.opts.SegmentExtension)
	if err != nil {
		return nil, m.fail(t, log, manifestErr(titleID, "parse playlist", err))
	}
	if err := m.store.PutManifest(ctx, titleID, text); err != nil {
		return nil, m.fail(t, log, err)
	}

	res.Total = len(urls)
	res.Empty = res.Total == 0
	t.setProgress(0, res.Total)
	log.Info("downloading segments", "segments", res.Total, "rendition", selectedIndex)

	cancelled := false
	for i, segURL := range urls {
		status, err := t.waitWhilePaused(ctx)
		if err != nil {
			m.tasks.remove(titleID, t)
			return res, err
		}
		if status == StatusCancelled {
			cancelled = true
			break
		}

		exists, err := m.store.HasSegment(ctx, titleID, i)
		if err != nil {
			return nil, m.fail(t, log, err)
		}
		if exists {
			res.Downloaded++
			t.setProgress(res.Downloaded, res.Total)
			continue
		}

		payload, err := m.fetcher.GetBytes(ctx, segURL, m.opts.SegmentTimeout, nil)
		if err != nil {
			if ctx.Err() != nil {
				m.tasks.remove(titleID, t)
				return res, ctx.Err()
			}
			log.Warn("segment download failed, skipping", "segment", i, "url", segURL, "err", err)
			res.Failed = append(res.Failed, SegmentFetchError{Index: i, URL: segURL, Err: err})
			continue
		}
		if len(payload) == 0 {
			log.Warn("segment download returned no data, skipping", "segment", i, "url", segURL)
			res.Failed = append(res.Failed, SegmentFetchError{Index: i, URL: segURL, Err: store.ErrEmptyPayload})
			continue
		}
		n, err := m.store.PutSegment(ctx, titleID, i, payload)
		if errors.Is(err, store.ErrTitleNotFound) {
			m.tasks.remove(titleID, t)
			log.Warn("title deleted during download, stopping", "segment", i)
			res.Status = store.StatusCancelled
			return res, fmt.Errorf("%w: %s was deleted", ErrCancelled, titleID)
		}
		if err != nil {
			return nil, m.fail(t, log, err)
		}
		res.Downloaded++
		res.Bytes += n
		t.setProgress(res.Downloaded, res.Total)
	}

	if cancelled || t.Status() == StatusCancelled {
		m.tasks.remove(titleID, t)
		m.markFinal(titleID, store.StatusCancelled, 0)
		res.Status = store.StatusCancelled
		log.Info("download cancelled", "downloaded", res.Downloaded, "total", res.Total)
		return res, nil
	}

	err = m.store.UpdateTitleStatus(ctx, titleID, store.StatusCompleted, res.Missing())
	if errors.Is(err, store.ErrInvalidTransition) {
		// cancelled between the last segment and here
		m.tasks.remove(titleID, t)
		res.Status = store.StatusCancelled
		return res, nil
	}
	if err != nil {
		m.tasks.remove(titleID, t)
		return nil, err
	}
	t.setStatus(StatusCompleted)
	m.tasks.remove(titleID, t)
	res.Status = store.StatusCompleted

	if res.Empty {
		log.Warn("playlist listed no segments, download completed empty")
	} else {
		log.Info("download completed",
			"downloaded", res.Downloaded,
			"total", res.Total,
			"missing", res.Missing(),
			"size", humanize.Bytes(uint64(res.Bytes)),
		)
	}
	return res, nil
}

// fail marks the title Failed, drops the task and returns err.
func (m *Manager) fail(t *Task, log *slog.Logger, err error) error {
	m.tasks.remove(t.titleID, t)
	m.markFinal(t.titleID, store.StatusFailed, 0)
	log.Error("download failed", "err", err)
	return err
}

// markFinal records a final status on a best-effort basis. It runs after
// the operation's own error, so a second failure is only logged.
func (m *Manager) markFinal(titleID string, status store.Status, missing int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.store.UpdateTitleStatus(ctx, titleID, status, missing)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrTitleNotFound) {
		m.logger.Error("recording final status", "title", titleID, "status", status, "err", err)
	}
}

// Download runs InitializeDownload followed by DownloadSegments.
func (m *Manager) Download(ctx context.Context, titleID string, meta Metadata, quality string) (*Result, error) {
	sel, err := m.InitializeDownload(ctx, titleID, meta, quality)
	if err != nil {
		return nil, err
	}
	return m.DownloadSegments(ctx, titleID, sel.PlaylistURL, sel.Index)
}

// CancelDownload stops a download at the next segment boundary. Segments
// already stored are kept. A running segment loop keeps its task in the
// table until it exits, so the title stays protected from deletion while a
// fetch is still in flight.
func (m *Manager) CancelDownload(ctx context.Context, titleID string) error {
	t := m.tasks.get(titleID)
	if t != nil {
		t.setStatus(StatusCancelled)
		if !t.isRunning() {
			m.tasks.remove(titleID, t)
		}
	}
	err := m.store.UpdateTitleStatus(ctx, titleID, store.StatusCancelled, 0)
	switch {
	case err == nil:
		m.logger.Info("download cancelled", "title", titleID)
		return nil
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrTitleNotFound):
		if t != nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoActiveDownload, titleID)
	default:
		return err
	}
}

// PauseDownload halts a download after its in-flight segment.
func (m *Manager) PauseDownload(titleID string) error {
	t := m.tasks.get(titleID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveDownload, titleID)
	}
	if !t.transition(StatusPaused, StatusDownloading, StatusInitializing) && t.Status() != StatusPaused {
		return fmt.Errorf("%w: %s is %s", ErrNoActiveDownload, titleID, t.Status())
	}
	m.logger.Info("download paused", "title", titleID)
	return nil
}

// ResumeDownload lets a paused download continue. When no live task
// exists, one is registered so a following DownloadSegments call picks up
// from the first missing segment.
func (m *Manager) ResumeDownload(ctx context.Context, titleID string) error {
	title, err := m.store.GetTitle(ctx, titleID)
	if err != nil {
		return err
	}
	if title.Status != store.StatusDownloading {
		return fmt.Errorf("title %s is %s: %w", titleID, title.Status, store.ErrInvalidTransition)
	}
	t, created := m.tasks.register(titleID, StatusDownloading)
	if !created {
		t.transition(StatusDownloading, StatusPaused)
	}
	m.logger.Info("download resumed", "title", titleID)
	return nil
}

// Progress returns the live state of a download.
func (m *Manager) Progress(titleID string) (Snapshot, bool) {
	t := m.tasks.get(titleID)
	if t == nil {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// MinPollInterval is the shortest interval Poll accepts.
const MinPollInterval = 100 * time.Millisecond

// Poll emits a snapshot of the download every interval until the task
// leaves the table or ctx is done, then closes the channel. Snapshots are
// sampled, not pushed: intermediate states can be missed.
func (m *Manager) Poll(ctx context.Context, titleID string, interval time.Duration) <-chan Snapshot {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	ch := make(chan Snapshot, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			snap, ok := m.Progress(titleID)
			if !ok {
				return
			}
			select {
			case ch <- snap:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// IsActive reports whether a live task owns titleID, including a cancelled
// one whose segment loop has not exited yet. Eviction and expiry skip such
// titles.
func (m *Manager) IsActive(titleID string) bool {
	t := m.tasks.get(titleID)
	return t != nil && (t.Status().IsActive() || t.isRunning())
}

// Running reports whether a segment loop is executing for titleID.
func (m *Manager) Running(titleID string) bool {
	t := m.tasks.get(titleID)
	return t != nil && t.isRunning()
}

// CheckIfDownloaded reports whether titleID has a Completed record.
func (m *Manager) CheckIfDownloaded(ctx context.Context, titleID string) (bool, error) {
	t, err := m.store.GetTitle(ctx, titleID)
	if errors.Is(err, store.ErrTitleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Status == store.StatusCompleted, nil
}

func (m *Manager) GetDownloadedTitle(ctx context.Context, titleID string) (*store.Title, error) {
	return m.store.GetTitle(ctx, titleID)
}

// Entry is one row of ListDownloads.
type Entry struct {
	store.Title
	Usage store.Usage `json:"usage"`
	Task  *Snapshot   `json:"task,omitempty"`
}

// ListDownloads returns every stored title with its size and live progress.
func (m *Manager) ListDownloads(ctx context.Context) ([]Entry, error) {
	titles, err := m.store.ListTitles(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(titles))
	for _, t := range titles {
		u, err := m.store.TitleUsage(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		e := Entry{Title: t, Usage: u}
		if snap, ok := m.Progress(t.ID); ok {
			e.Task = &snap
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ActiveTasks returns snapshots of every live task.
func (m *Manager) ActiveTasks() []Snapshot {
	return m.tasks.snapshots()
}

// DeleteDownload removes a title and everything stored for it.
func (m *Manager) DeleteDownload(ctx context.Context, titleID string) error {
	if t := m.tasks.get(titleID); t != nil {
		if t.Status().IsActive() {
			return fmt.Errorf("%w: cancel %s before deleting it", ErrDownloadInProgress, titleID)
		}
		// cancelled, but the loop may still be storing its last segment
		if err := t.waitRun(ctx); err != nil {
			return fmt.Errorf("delete %s: %w", titleID, err)
		}
	}
	if err := m.store.DeleteTitle(ctx, titleID); err != nil {
		return err
	}
	m.logger.Info("download deleted", "title", titleID)
	return nil
}
