package m3u8

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

// ErrEmptyLadder is returned when a master playlist advertises no variants.
var ErrEmptyLadder = errors.New("master playlist has no variants")

// Rendition is one variant of a master playlist.
type Rendition struct {
	Index     int
	Height    int
	Bandwidth int64
	URI       string // as written in the master playlist
	URL       string // resolved against the master playlist URL
}

// Parse checks the content and returns the type and parsed object
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// ParseLadder decodes a master playlist into its quality ladder, ordered by
// ascending bandwidth. A media playlist is a ladder of one rendition that
// points at itself.
func ParseLadder(content io.Reader, manifestURL string) ([]Rendition, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}
	pl, kind, err := Parse(content)
	if err != nil {
		return nil, err
	}

	if kind == Variant {
		return []Rendition{{Index: 0, URI: manifestURL, URL: manifestURL}}, nil
	}

	master := pl.(*m3u8.MasterPlaylist)
	var ladder []Rendition
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		ladder = append(ladder, Rendition{
			Height:    Height(v.Resolution),
			Bandwidth: int64(v.Bandwidth),
			URI:       v.URI,
			URL:       resolveURL(base, v.URI),
		})
	}
	if len(ladder) == 0 {
		return nil, ErrEmptyLadder
	}
	sort.SliceStable(ladder, func(i, j int) bool {
		return ladder[i].Bandwidth < ladder[j].Bandwidth
	})
	for i := range ladder {
		ladder[i].Index = i
	}
	return ladder, nil
}

// Height extracts the vertical resolution from a "WIDTHxHEIGHT" attribute.
func Height(resolution string) int {
	_, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	return n
}

// QualityLabel formats a vertical resolution for display, e.g. "720p".
func QualityLabel(height int) string {
	if height <= 0 {
		return "auto"
	}
	return fmt.Sprintf("%dp", height)
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	return resolveURL(base, ref)
}

// resolveURL resolves a relative reference against a base URL
func resolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref // fallback
	}
	return base.ResolveReference(refURL).String()
}

// isSegmentLine reports whether a trimmed playlist line is a segment URI:
// not a comment or tag and ending in ext.
func isSegmentLine(line, ext string) bool {
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	path := line
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, ext)
}

// SegmentURLs lists the segment URLs of a media playlist in playback order.
// Relative URIs resolve against the playlist's own directory.
func SegmentURLs(content, playlistURL, ext string) ([]string, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("parse playlist url: %w", err)
	}
	var urls []string
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !isSegmentLine(line, ext) {
			continue
		}
		urls = append(urls, resolveURL(base, line))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}

// RewriteSegments rewrites the segment lines of a media playlist with fn,
// which receives the resolved segment URL and its ordinal. Every other line
// is kept verbatim.
func RewriteSegments(content, playlistURL, ext string, fn func(segURL string, ordinal int) string) (string, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", fmt.Errorf("parse playlist url: %w", err)
	}
	var b strings.Builder
	b.Grow(len(content))
	ordinal := 0
	lines := strings.SplitAfter(content, "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if !isSegmentLine(line, ext) {
			b.WriteString(raw)
			continue
		}
		b.WriteString(fn(resolveURL(base, line), ordinal))
		if strings.HasSuffix(raw, "\n") {
			b.WriteString("\n")
		}
		ordinal++
	}
	return b.String(), nil
}
