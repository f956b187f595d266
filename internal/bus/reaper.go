package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

// expiryReaper periodically removes expired entries from a durable backend.
// Reads already ignore expired entries; the sweep only reclaims space.
type expiryReaper struct {
	backend  string
	interval time.Duration
	logger   *slog.Logger
	reap     func(ctx context.Context) (int, error)
}

func newExpiryReaper(backend string, interval time.Duration, logger *slog.Logger, reap func(ctx context.Context) (int, error)) *expiryReaper {
	return &expiryReaper{
		backend:  backend,
		interval: interval,
		logger:   logger,
		reap:     reap,
	}
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *expiryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("expiry reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("expiry reaper stopped")
			return
		case <-ticker.C:
			r.ReapNow(ctx)
		}
	}
}

// ReapNow runs a single sweep.
func (r *expiryReaper) ReapNow(ctx context.Context) int {
	deleted, err := r.reap(ctx)
	if err != nil {
		r.logger.Error("failed to reap expired entries", "error", err)
		return deleted
	}
	telemetry.RecordReaperCycle(ctx, r.backend, deleted)
	if deleted > 0 {
		r.logger.Debug("expired entries reaped", "deleted", deleted)
	}
	return deleted
}
