package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrNetwork is returned when the request never produced a response.
	ErrNetwork = errors.New("network request failed")
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("network request timeout")
	// ErrTooLarge is returned when a body exceeds the client's MaxBodyBytes.
	ErrTooLarge = errors.New("response body too large")
)

const (
	// DefaultMaxBodyBytes bounds a single playlist or segment body.
	DefaultMaxBodyBytes int64 = 256 << 20
	// maxPreGrow caps the buffer reserved up front from Content-Length.
	maxPreGrow int64 = 16 << 20
)

// HTTPStatusError is returned for non-2xx HTTP responses.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("bad status: %s (%s)", e.Status, e.URL)
}

// ProgressFunc receives bytes read so far and the advertised total.
type ProgressFunc func(loaded, total int64)

// Client fetches playlists and segments over HTTP.
type Client struct {
	HTTP    *http.Client
	Headers map[string]string
	// Limiter paces outbound requests; nil means unlimited.
	Limiter *rate.Limiter
	// MaxBodyBytes bounds each response body; zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// NewClient builds a client. A non-positive ratePerSec disables pacing.
func NewClient(headers map[string]string, ratePerSec float64, burst int) *Client {
	c := &Client{
		HTTP:    &http.Client{},
		Headers: headers,
	}
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return c
}

// GetText fetches url and returns the body as a string.
func (c *Client) GetText(ctx context.Context, url string, timeout time.Duration) (string, error) {
	b, err := c.GetBytes(ctx, url, timeout, nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetBytes fetches url within timeout. Failures are classified as
// ErrTimeout, ErrNetwork or *HTTPStatusError. A cancelled ctx is returned as is.
func (c *Client) GetBytes(ctx context.Context, url string, timeout time.Duration, progress ProgressFunc) ([]byte, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, classify(ctx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %s advertises %d bytes", ErrTooLarge, url, resp.ContentLength)
	}

	// one byte past the limit tells an oversized body from an exact fit
	var body io.Reader = io.LimitReader(resp.Body, limit+1)
	if progress != nil && resp.ContentLength >= 0 {
		body = io.TeeReader(body, &progressCounter{total: resp.ContentLength, fn: progress})
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(min(resp.ContentLength, maxPreGrow)))
	}
	n, err := io.Copy(&buf, body)
	if err != nil {
		return nil, classify(ctx, url, err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, url, limit)
	}
	return buf.Bytes(), nil
}

func classify(parent context.Context, url string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s", ErrTimeout, url)
	}
	return fmt.Errorf("%w: %s: %w", ErrNetwork, url, err)
}

// progressCounter reports bytes as they pass through a TeeReader.
type progressCounter struct {
	loaded int64
	total  int64
	fn     ProgressFunc
}

func (p *progressCounter) Write(b []byte) (int, error) {
	p.loaded += int64(len(b))
	p.fn(p.loaded, p.total)
	return len(b), nil
}
