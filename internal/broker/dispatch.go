package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskbroker/internal/discovery"
	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/metrics"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// dispatchCycle discovers free workers and hands each one PENDING tasks
// from its priority band, up to the number of slots it advertised.
// Candidates are taken in store order (oldest first); there is no
// fairness across users. It returns the number of tasks delivered.
func (b *Broker) dispatchCycle(ctx context.Context) int {
	bands, err := discovery.FreeWorkers(ctx, b.bus, b.discoveryWindow, b.logger)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("Worker discovery failed", slog.String("error", err.Error()))
		}
		return 0
	}
	metrics.FreeWorkers.Set(float64(len(bands)))

	dispatched := 0
	for _, band := range bands {
		for slot := 0; slot < band.Slots; slot++ {
			if ctx.Err() != nil {
				return dispatched
			}
			if !b.dispatchToWorker(ctx, band) {
				break
			}
			dispatched++
		}
	}

	if dispatched > 0 {
		b.logger.Debug("Dispatch cycle finished",
			slog.Int("free_workers", len(bands)),
			slog.Int("dispatched", dispatched),
		)
	}

	return dispatched
}

// dispatchToWorker claims one task for band and delivers it. It reports
// false when nothing was delivered and the worker should not be offered
// more work in this cycle.
func (b *Broker) dispatchToWorker(ctx context.Context, band domain.WorkerBand) bool {
	candidates, err := b.store.ListPendingInBand(ctx, band.MinPriority, band.MaxPriority, b.candidateLimit)
	if err != nil {
		b.logger.Error("Failed to list pending tasks",
			slog.String("worker_id", band.WorkerID),
			slog.String("error", err.Error()),
		)
		return false
	}

	for _, task := range candidates {
		if !task.InBand(band) {
			continue
		}

		claimedAt := b.now()
		if err := b.store.ClaimTask(ctx, task.ID, claimedAt); err != nil {
			if errors.Is(err, domain.ErrClaimConflict) {
				metrics.ClaimConflictsTotal.Inc()
				continue
			}
			b.logger.Error("Failed to claim task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			return false
		}

		task.Sent = true
		task.ProcessedTime = &claimedAt

		if b.deliver(ctx, band, task, claimedAt) {
			metrics.TasksDispatchedTotal.WithLabelValues("delivered").Inc()
			b.logger.Info("Task dispatched",
				slog.String("task_id", task.ID),
				slog.String("worker_id", band.WorkerID),
				slog.Int("priority", task.Priority),
				slog.Int("attempt", task.Attempt),
			)
			return true
		}

		metrics.TasksDispatchedTotal.WithLabelValues("rejected").Inc()
		if _, err := b.store.ReleaseClaim(ctx, task.ID, claimedAt); err != nil {
			b.logger.Error("Failed to roll back task claim",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	return false
}

// deliver sends a claimed task to the worker and waits for its acknowledgement
func (b *Broker) deliver(ctx context.Context, band domain.WorkerBand, task domain.Task, claimedAt time.Time) bool {
	var ack domain.Ack
	d := domain.Dispatch{Task: task, ClaimedAt: claimedAt.UnixMilli()}
	err := transport.RequestJSON(ctx, b.bus, band.Subject, d, &ack, b.dispatchTimeout)
	if err != nil {
		b.logger.Warn("Task delivery not acknowledged",
			slog.String("task_id", task.ID),
			slog.String("worker_id", band.WorkerID),
			slog.Bool("timeout", domain.IsTimeout(err)),
			slog.String("error", err.Error()),
		)
		return false
	}

	if !ack.OK {
		b.logger.Info("Worker refused task",
			slog.String("task_id", task.ID),
			slog.String("worker_id", band.WorkerID),
			slog.String("reason", ack.Error),
		)
		return false
	}

	return true
}
