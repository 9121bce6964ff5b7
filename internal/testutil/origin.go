// Package testutil provides a fake HLS origin for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Origin serves canned playlists and segments and counts every request.
type Origin struct {
	*httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	failed map[string]int
	hits   map[string]int
	total  int
}

// NewOrigin starts an origin that is closed when the test ends.
func NewOrigin(t testing.TB) *Origin {
	t.Helper()
	o := &Origin{
		files:  make(map[string][]byte),
		failed: make(map[string]int),
		hits:   make(map[string]int),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Server.Close)
	return o
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.total++
	o.hits[r.URL.Path]++
	body, ok := o.files[r.URL.Path]
	status := o.failed[r.URL.Path]
	o.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(body)
}

// Set serves body at path.
func (o *Origin) Set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = []byte(body)
}

// Fail makes path answer with status.
func (o *Origin) Fail(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[path] = status
}

// Hits returns the number of requests made for path.
func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// Requests returns the number of requests made for any path.
func (o *Origin) Requests() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

// ResetCounts clears the request counters.
func (o *Origin) ResetCounts() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total = 0
	o.hits = make(map[string]int)
}

// AddTitle publishes a master playlist at /{id}/master.m3u8 with one
// rendition per height, each with segments segment0.ts..segmentN.ts whose
// payload is SegmentPayload(id, height, i). It returns the master URL.
func (o *Origin) AddTitle(id string, heights []int, segments int) string {
	var master strings.Builder
	master.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, h := range heights {
		fmt.Fprintf(&master, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n%d/index.m3u8\n", h*2000, h*16/9, h, h)
		o.Set(fmt.Sprintf("/%s/%d/index.m3u8", id, h), MediaPlaylist(segments))
		for i := 0; i < segments; i++ {
			o.Set(fmt.Sprintf("/%s/%d/segment%d.ts", id, h, i), SegmentPayload(id, h, i))
		}
	}
	o.Set("/"+id+"/master.m3u8", master.String())
	return o.URL + "/" + id + "/master.m3u8"
}

// MediaPlaylist renders a VOD media playlist listing segment0.ts onwards.
func MediaPlaylist(segments int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < segments; i++ {
		fmt.Fprintf(&b, "#EXTINF:6.000,\nsegment%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// SegmentPayload is the body served for one segment.
func SegmentPayload(id string, height, index int) string {
	return fmt.Sprintf("%s-%dp-seg%03d", id, height, index)
}
