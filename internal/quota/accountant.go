// Package quota keeps the segment store within its storage budget. Expired
// titles are purged unconditionally; beyond that, the oldest titles are
// evicted until usage drops back under the eviction threshold.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"hls-offline/internal/store"
)

const (
	DefaultQuota     int64   = 5000 * 1024 * 1024
	DefaultThreshold float64 = 0.9
	DefaultWarning   float64 = 0.8
)

// ActivityChecker reports whether a title has a live download. Titles with
// one are never evicted or purged.
type ActivityChecker interface {
	IsActive(titleID string) bool
}

// Accountant measures store usage and enforces the quota.
type Accountant struct {
	Store     *store.Store
	Active    ActivityChecker
	Logger    *slog.Logger
	Quota     int64
	Threshold float64
	Warning   float64
}

// Usage is the aggregate size of the store.
type Usage struct {
	TotalBytes   int64 `json:"total_bytes"`
	SegmentCount int   `json:"segment_count"`
	TitleCount   int   `json:"title_count"`
}

// EvictionReport describes one EvictUntilUnderThreshold pass.
type EvictionReport struct {
	Evicted []string `json:"evicted"`
	Before  int64    `json:"before_bytes"`
	After   int64    `json:"after_bytes"`
	// StillExceeded is set when candidates ran out above the threshold.
	StillExceeded bool `json:"still_exceeded"`
}

func (a *Accountant) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func (a *Accountant) active(titleID string) bool {
	return a.Active != nil && a.Active.IsActive(titleID)
}

func (a *Accountant) CurrentUsage(ctx context.Context) (Usage, error) {
	u, err := a.Store.ComputeUsage(ctx)
	if err != nil {
		return Usage{}, err
	}
	titles, err := a.Store.ListTitles(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{TotalBytes: u.TotalBytes, SegmentCount: u.SegmentCount, TitleCount: len(titles)}, nil
}

func limit(quota int64, fraction float64) int64 {
	return int64(float64(quota) * fraction)
}

// IsOverThreshold reports whether usage has reached quota*fraction.
func (a *Accountant) IsOverThreshold(ctx context.Context, quota int64, fraction float64) (bool, error) {
	u, err := a.Store.ComputeUsage(ctx)
	if err != nil {
		return false, err
	}
	return u.TotalBytes >= limit(quota, fraction), nil
}

// SelectEvictionCandidates returns the titles that may be evicted, oldest
// first. Titles with a live download are left out.
func (a *Accountant) SelectEvictionCandidates(ctx context.Context) ([]store.Title, error) {
	titles, err := a.Store.ListTitles(ctx)
	if err != nil {
		return nil, err
	}
	candidates := titles[:0]
	for _, t := range titles {
		if a.active(t.ID) {
			continue
		}
		candidates = append(candidates, t)
	}
	return candidates, nil
}

// EvictUntilUnderThreshold deletes candidates one at a time, re-measuring
// after each, until usage is at or below quota*fraction.
func (a *Accountant) EvictUntilUnderThreshold(ctx context.Context, quota int64, fraction float64) (*EvictionReport, error) {
	target := limit(quota, fraction)
	u, err := a.Store.ComputeUsage(ctx)
	if err != nil {
		return nil, err
	}
	report := &EvictionReport{Before: u.TotalBytes, After: u.TotalBytes}
	if u.TotalBytes <= target {
		return report, nil
	}

	candidates, err := a.SelectEvictionCandidates(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if report.After <= target {
			break
		}
		if a.active(t.ID) {
			continue
		}
		if err := a.Store.DeleteTitle(ctx, t.ID); err != nil {
			return report, err
		}
		report.Evicted = append(report.Evicted, t.ID)

		u, err := a.Store.ComputeUsage(ctx)
		if err != nil {
			return report, err
		}
		a.logger().Info("evicted title",
			"title", t.ID,
			"created", t.CreatedAt,
			"usage", humanize.IBytes(uint64(u.TotalBytes)),
			"target", humanize.IBytes(uint64(target)),
		)
		report.After = u.TotalBytes
	}

	if report.After > target {
		report.StillExceeded = true
		a.logger().Warn("quota still exceeded, no eviction candidates left",
			"usage", humanize.IBytes(uint64(report.After)),
			"target", humanize.IBytes(uint64(target)),
		)
	}
	return report, nil
}

// PurgeExpired deletes every title whose retention window has elapsed at
// now, regardless of quota pressure.
func (a *Accountant) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	titles, err := a.Store.ListTitles(ctx)
	if err != nil {
		return nil, err
	}
	var purged []string
	for _, t := range titles {
		if !t.Expired(now) || a.active(t.ID) {
			continue
		}
		if err := a.Store.DeleteTitle(ctx, t.ID); err != nil {
			return purged, err
		}
		a.logger().Info("purged expired title", "title", t.ID, "expired", humanize.Time(t.ExpiresAt))
		purged = append(purged, t.ID)
	}
	return purged, nil
}

// CleanupReport is the outcome of one RunCleanup cycle.
type CleanupReport struct {
	Purged   []string        `json:"purged"`
	Eviction *EvictionReport `json:"eviction"`
}

// RunCleanup purges expired titles, then evicts against the configured
// quota and threshold.
func (a *Accountant) RunCleanup(ctx context.Context, now time.Time) (*CleanupReport, error) {
	purged, err := a.PurgeExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("purge expired: %w", err)
	}
	eviction, err := a.EvictUntilUnderThreshold(ctx, a.quota(), a.threshold())
	if err != nil {
		return nil, fmt.Errorf("evict: %w", err)
	}
	return &CleanupReport{Purged: purged, Eviction: eviction}, nil
}

func (a *Accountant) quota() int64 {
	if a.Quota <= 0 {
		return DefaultQuota
	}
	return a.Quota
}

func (a *Accountant) threshold() float64 {
	if a.Threshold <= 0 {
		return DefaultThreshold
	}
	return a.Threshold
}

func (a *Accountant) warning() float64 {
	if a.Warning <= 0 {
		return DefaultWarning
	}
	return a.Warning
}

// Stats is a display summary of storage use.
type Stats struct {
	UsedBytes      int64   `json:"used_bytes"`
	MaxBytes       int64   `json:"max_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	Used           string  `json:"used"`
	Max            string  `json:"max"`
	Available      string  `json:"available"`
	PercentUsed    float64 `json:"percent_used"`
	TitleCount     int     `json:"title_count"`
	SegmentCount   int     `json:"segment_count"`
}

func (a *Accountant) Stats(ctx context.Context) (Stats, error) {
	u, err := a.CurrentUsage(ctx)
	if err != nil {
		return Stats{}, err
	}
	maxBytes := a.quota()
	avail := maxBytes - u.TotalBytes
	if avail < 0 {
		avail = 0
	}
	return Stats{
		UsedBytes:      u.TotalBytes,
		MaxBytes:       maxBytes,
		AvailableBytes: avail,
		Used:           humanize.IBytes(uint64(u.TotalBytes)),
		Max:            humanize.IBytes(uint64(maxBytes)),
		Available:      humanize.IBytes(uint64(avail)),
		PercentUsed:    float64(u.TotalBytes) / float64(maxBytes) * 100,
		TitleCount:     u.TitleCount,
		SegmentCount:   u.SegmentCount,
	}, nil
}

// Warning is a storage warning for display.
type Warning struct {
	Warn    bool   `json:"warning"`
	Message string `json:"message,omitempty"`
}

// CheckWarning reports whether usage has crossed the warning fraction.
func (a *Accountant) CheckWarning(ctx context.Context) (Warning, error) {
	s, err := a.Stats(ctx)
	if err != nil {
		return Warning{}, err
	}
	if s.UsedBytes < limit(s.MaxBytes, a.warning()) {
		return Warning{}, nil
	}
	return Warning{
		Warn: true,
		Message: fmt.Sprintf("offline storage is %.0f%% full (%s of %s), %s left",
			s.PercentUsed, s.Used, s.Max, s.Available),
	}, nil
}
