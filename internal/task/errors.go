package task

import (
	"errors"
	"fmt"

	"hls-offline/internal/store"
)

var (
	// ErrManifestFailure is returned when the ladder or rendition playlist
	// cannot be fetched or parsed.
	ErrManifestFailure = errors.New("manifest failure")
	// ErrAlreadyDownloaded is returned when a completed download exists.
	ErrAlreadyDownloaded = errors.New("title already downloaded")
	// ErrDownloadInProgress is returned when a live task already owns the title.
	ErrDownloadInProgress = errors.New("download already in progress")
	// ErrNoActiveDownload is returned by pause and cancel without a live task.
	ErrNoActiveDownload = errors.New("no active download")
	// ErrCancelled is returned when a download is cancelled while initializing
	// or its title is deleted under a running download.
	ErrCancelled = errors.New("download cancelled")

	ErrTitleNotFound = store.ErrTitleNotFound
)

// SegmentFetchError records one segment that a best-effort download skipped.
type SegmentFetchError struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Err   error  `json:"-"`
}

func (e *SegmentFetchError) Error() string {
	return fmt.Sprintf("segment %d (%s): %v", e.Index, e.URL, e.Err)
}

func (e *SegmentFetchError) Unwrap() error {
	return e.Err
}

func manifestErr(titleID, what string, err error) error {
	return fmt.Errorf("%w: title %s: %s: %w", ErrManifestFailure, titleID, what, err)
}
