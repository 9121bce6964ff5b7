package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Scheduler runs the cleanup cycle once at start and then every Interval.
type Scheduler struct {
	Accountant *Accountant
	Interval   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cleanup scheduler: %w", err)
		}

		report, err := s.Accountant.RunCleanup(ctx, now())
		if err != nil {
			logger.Error("cleanup", "err", err.Error())
		} else {
			logger.Debug("cleanup finished",
				"purged", len(report.Purged),
				"evicted", len(report.Eviction.Evicted),
				"still_exceeded", report.Eviction.StillExceeded,
			)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}
