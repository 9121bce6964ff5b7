package store

import (
	"time"
)

// Status is the durable lifecycle state of a downloaded title.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// IsFinal reports whether no further transition is allowed out of s.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether s may move to next. Status only moves
// forward: Downloading to one of the final states.
func (s Status) CanTransition(next Status) bool {
	return s == StatusDownloading && next.IsFinal()
}

func (s Status) valid() bool {
	switch s {
	case StatusDownloading, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Rendition is one rung of the quality ladder.
type Rendition struct {
	Index  int    `json:"index"`
	Height int    `json:"height"`
	URL    string `json:"url"`
}

// Title is the durable record of one downloaded work.
type Title struct {
	ID                   string      `json:"id"`
	Title                string      `json:"title"`
	Overview             string      `json:"overview"`
	PosterRef            string      `json:"poster_ref"`
	BackdropRef          string      `json:"backdrop_ref"`
	SelectedQualityIndex int         `json:"selected_quality_index"`
	QualityLabel         string      `json:"quality_label"`
	BitrateBps           int64       `json:"bitrate_bps"`
	Status               Status      `json:"status"`
	CreatedAt            time.Time   `json:"created_at"`
	ExpiresAt            time.Time   `json:"expires_at"`
	ManifestURL          string      `json:"manifest_url"`
	Renditions           []Rendition `json:"renditions"`
	MissingSegments      int         `json:"missing_segments"` // segments skipped by a best-effort download
}

// SelectedRendition returns the rendition the title was downloaded at.
func (t *Title) SelectedRendition() (Rendition, bool) {
	if t.SelectedQualityIndex < 0 || t.SelectedQualityIndex >= len(t.Renditions) {
		return Rendition{}, false
	}
	return t.Renditions[t.SelectedQualityIndex], true
}

// Expired reports whether the retention window has elapsed at now.
func (t *Title) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// Usage is the aggregate size of stored segments.
type Usage struct {
	TotalBytes   int64 `json:"total_bytes"`
	SegmentCount int   `json:"segment_count"`
}
