package broker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/taskbroker/internal/metrics"
)

// reapStale returns tasks dispatched longer than processTimeout ago to
// PENDING, covering workers that died without reporting.
func (b *Broker) reapStale(ctx context.Context) int64 {
	cutoff := b.now().Add(-b.processTimeout)

	n, err := b.store.ResetStale(ctx, cutoff)
	if err != nil {
		b.logger.Error("Failed to reset stale tasks", slog.String("error", err.Error()))
		return 0
	}

	if n > 0 {
		metrics.StaleResetsTotal.Add(float64(n))
		b.logger.Warn("Stale dispatched tasks reset to pending",
			slog.Int64("count", n),
			slog.Duration("process_timeout", b.processTimeout),
		)
		b.Trigger()
	}

	return n
}

// purgeExpired deletes DONE tasks and notified unowned FAILED tasks that
// finished before the retention window.
func (b *Broker) purgeExpired(ctx context.Context) int64 {
	cutoff := b.now().Add(-b.retention)

	done, err := b.store.PurgeDone(ctx, cutoff)
	if err != nil {
		b.logger.Error("Failed to purge done tasks", slog.String("error", err.Error()))
	}

	failed, err := b.store.PurgeFailedUnowned(ctx, cutoff)
	if err != nil {
		b.logger.Error("Failed to purge failed tasks", slog.String("error", err.Error()))
	}

	total := done + failed
	if total > 0 {
		metrics.TasksPurgedTotal.Add(float64(total))
		b.logger.Info("Expired tasks purged",
			slog.Int64("done", done),
			slog.Int64("failed", failed),
		)
	}

	return total
}
