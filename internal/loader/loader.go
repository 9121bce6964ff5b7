// Package loader fetches playlists and segments for playback, preferring
// the local segment store over the network.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"hls-offline/internal/downloader"
	playlist "hls-offline/internal/m3u8"
)

// ErrNotAvailableOffline is returned in offline mode when the store cannot
// serve a request.
var ErrNotAvailableOffline = errors.New("not available offline")

// ErrForeignSegment is returned for a segment URL that is neither listed in
// the title's playlist nor on the playlist's host.
var ErrForeignSegment = errors.New("segment url not listed for title")

type ResourceType int

const (
	Playlist ResourceType = iota
	Segment
)

func (t ResourceType) String() string {
	switch t {
	case Playlist:
		return "playlist"
	case Segment:
		return "segment"
	default:
		return fmt.Sprintf("ResourceType(%d)", int(t))
	}
}

type Request struct {
	Type ResourceType
	URL  string
}

type Response struct {
	Data      []byte
	URL       string
	FromStore bool
}

// Loader is the fetch strategy a player is constructed with.
type Loader interface {
	Load(ctx context.Context, req Request, progress downloader.ProgressFunc) (*Response, error)
}

// Store is the read side of the segment store.
type Store interface {
	GetSegment(ctx context.Context, titleID string, index int) ([]byte, bool, error)
	GetManifest(ctx context.Context, titleID string) (string, bool, error)
}

type Fetcher interface {
	GetBytes(ctx context.Context, url string, timeout time.Duration, progress downloader.ProgressFunc) ([]byte, error)
}

type Options struct {
	TitleID string
	Offline bool
	// PlaylistURL is the rendition playlist the stored manifest came from.
	// Segment URLs are matched against that manifest's resolved lines, and
	// only listed URLs or URLs on its host go to the network. Empty allows
	// any URL.
	PlaylistURL string
	// Marker precedes the segment number in segment file names, as in
	// "segment12.ts". It is the fallback when a URL is not in the manifest.
	Marker           string
	SegmentExtension string
	Timeout          time.Duration
	Logger           *slog.Logger
}

// OfflineLoader serves one title. Segments found in the store never touch
// the network; in offline mode nothing does.
type OfflineLoader struct {
	store   Store
	fetcher Fetcher
	opts    Options
	marker  *regexp.Regexp
	logger  *slog.Logger

	mu       sync.Mutex
	offline  bool
	ordinals map[string]int
	listed   map[string]bool // segment URLs of the last fetched playlist
}

var _ Loader = (*OfflineLoader)(nil)

func New(s Store, f Fetcher, opts Options) *OfflineLoader {
	if opts.Marker == "" {
		opts.Marker = "segment"
	}
	if opts.SegmentExtension == "" {
		opts.SegmentExtension = ".ts"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineLoader{
		store:   s,
		fetcher: f,
		opts:    opts,
		marker:  regexp.MustCompile(`(?i)` + regexp.QuoteMeta(opts.Marker) + `(\d+)`),
		logger:  logger.With("title", opts.TitleID),
		offline: opts.Offline,
	}
}

func (l *OfflineLoader) SetOffline(offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = offline
}

func (l *OfflineLoader) Offline() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offline
}

func (l *OfflineLoader) Load(ctx context.Context, req Request, progress downloader.ProgressFunc) (*Response, error) {
	switch req.Type {
	case Playlist:
		return l.loadPlaylist(ctx, req, progress)
	case Segment:
		return l.loadSegment(ctx, req, progress)
	default:
		return nil, fmt.Errorf("load %s: unsupported resource type %s", req.URL, req.Type)
	}
}

func (l *OfflineLoader) loadPlaylist(ctx context.Context, req Request, progress downloader.ProgressFunc) (*Response, error) {
	if !l.Offline() {
		resp, err := l.network(ctx, req, progress)
		if err != nil {
			return nil, err
		}
		if urls, err := playlist.SegmentURLs(string(resp.Data), req.URL, l.opts.SegmentExtension); err == nil {
			listed := make(map[string]bool, len(urls))
			for _, u := range urls {
				listed[u] = true
			}
			l.mu.Lock()
			l.listed = listed
			l.mu.Unlock()
		}
		return resp, nil
	}
	text, found, err := l.store.GetManifest(ctx, l.opts.TitleID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: playlist for %s", ErrNotAvailableOffline, l.opts.TitleID)
	}
	return &Response{Data: []byte(text), URL: req.URL, FromStore: true}, nil
}

func (l *OfflineLoader) loadSegment(ctx context.Context, req Request, progress downloader.ProgressFunc) (*Response, error) {
	offline := l.Offline()

	idx, ok, err := l.SegmentIndex(ctx, req.URL)
	if err != nil {
		if offline {
			return nil, err
		}
		l.logger.Warn("manifest read failed, using network", "url", req.URL, "err", err)
	}
	if ok {
		data, found, err := l.store.GetSegment(ctx, l.opts.TitleID, idx)
		switch {
		case err != nil && offline:
			return nil, err
		case err != nil:
			l.logger.Warn("segment store read failed, using network", "segment", idx, "err", err)
		case found:
			return &Response{Data: data, URL: req.URL, FromStore: true}, nil
		}
	}

	if offline {
		return nil, fmt.Errorf("%w: segment %s", ErrNotAvailableOffline, req.URL)
	}
	if !l.allowed(ctx, req.URL) {
		return nil, fmt.Errorf("%w: %s", ErrForeignSegment, req.URL)
	}
	return l.network(ctx, req, progress)
}

// allowed reports whether a segment URL may be fetched for this title.
func (l *OfflineLoader) allowed(ctx context.Context, rawURL string) bool {
	if l.opts.PlaylistURL == "" || sameHost(rawURL, l.opts.PlaylistURL) {
		return true
	}
	l.mu.Lock()
	listed := l.listed[rawURL]
	l.mu.Unlock()
	if listed {
		return true
	}
	ordinals, err := l.manifestOrdinals(ctx)
	if err != nil {
		return false
	}
	_, ok := ordinals[rawURL]
	return ok
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && strings.EqualFold(ua.Hostname(), ub.Hostname())
}

func (l *OfflineLoader) network(ctx context.Context, req Request, progress downloader.ProgressFunc) (*Response, error) {
	data, err := l.fetcher.GetBytes(ctx, req.URL, l.opts.Timeout, progress)
	if err != nil {
		return nil, err
	}
	return &Response{Data: data, URL: req.URL}, nil
}

// SegmentIndex resolves a segment URL to its store index: the URL's
// position in the stored manifest if it is listed there, else the number
// following the marker in the URL path.
func (l *OfflineLoader) SegmentIndex(ctx context.Context, rawURL string) (int, bool, error) {
	ordinals, err := l.manifestOrdinals(ctx)
	if err != nil {
		return 0, false, err
	}
	if i, ok := ordinals[rawURL]; ok {
		return i, true, nil
	}
	i, ok := l.markerIndex(rawURL)
	return i, ok, nil
}

func (l *OfflineLoader) markerIndex(rawURL string) (int, bool) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	m := l.marker.FindStringSubmatch(path)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// manifestOrdinals maps each segment URL of the stored manifest to its
// position. It is cached once a manifest has been found.
func (l *OfflineLoader) manifestOrdinals(ctx context.Context) (map[string]int, error) {
	l.mu.Lock()
	cached := l.ordinals
	l.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	text, found, err := l.store.GetManifest(ctx, l.opts.TitleID)
	if err != nil || !found {
		return nil, err
	}
	urls, err := playlist.SegmentURLs(text, l.opts.PlaylistURL, l.opts.SegmentExtension)
	if err != nil {
		return nil, nil
	}
	ordinals := make(map[string]int, len(urls))
	for i, u := range urls {
		if _, dup := ordinals[u]; !dup {
			ordinals[u] = i
		}
	}

	l.mu.Lock()
	l.ordinals = ordinals
	l.mu.Unlock()
	return ordinals, nil
}
