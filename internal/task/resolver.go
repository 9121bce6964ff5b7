package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ManifestResolver maps a title id to the URL of its master playlist.
type ManifestResolver interface {
	ManifestURL(ctx context.Context, titleID string) (string, error)
}

// TemplateResolver substitutes the title id into a URL template such as
// "https://cdn.example/processed/{id}/master.m3u8".
type TemplateResolver struct {
	Template string
}

func (r TemplateResolver) ManifestURL(ctx context.Context, titleID string) (string, error) {
	if !strings.Contains(r.Template, "{id}") {
		return "", fmt.Errorf("manifest template %q has no {id} placeholder", r.Template)
	}
	return strings.ReplaceAll(r.Template, "{id}", url.PathEscape(titleID)), nil
}

// APIResolver asks the video backend where a title's stream lives:
// GET {BaseURL}/movies/{id}/video/ returns {"video_url": "..."}, which is
// joined to ContentBaseURL unless it is already absolute.
type APIResolver struct {
	BaseURL        string
	ContentBaseURL string
	Fetcher        Fetcher
	Timeout        time.Duration
}

type videoResponse struct {
	VideoURL string `json:"video_url"`
}

func (r APIResolver) ManifestURL(ctx context.Context, titleID string) (string, error) {
	endpoint := strings.TrimSuffix(r.BaseURL, "/") + "/movies/" + url.PathEscape(titleID) + "/video/"
	body, err := r.Fetcher.GetText(ctx, endpoint, r.Timeout)
	if err != nil {
		return "", fmt.Errorf("lookup video for %s: %w", titleID, err)
	}
	var resp videoResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return "", fmt.Errorf("decode video response for %s: %w", titleID, err)
	}
	if resp.VideoURL == "" {
		return "", errors.New("video backend returned an empty video_url")
	}
	ref, err := url.Parse(resp.VideoURL)
	if err != nil {
		return "", fmt.Errorf("parse video_url: %w", err)
	}
	if ref.IsAbs() || r.ContentBaseURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(strings.TrimSuffix(r.ContentBaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse content base url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
