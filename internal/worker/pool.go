package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/metrics"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs accepted tasks until jobsChan is closed. Tasks already
// accepted are still executed after ctx is canceled, with the outcome
// published on a detached context.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for d := range w.jobsChan {
		task := d.Task
		w.logger.Info("Worker received task",
			slog.String("worker_name", workerName),
			slog.String("task_id", task.ID),
			slog.String("task_type", task.Type),
			slog.Int("attempt", task.Attempt),
		)

		outcome := w.processTask(ctx, task)
		outcome.ClaimedAt = d.ClaimedAt
		if outcome.Error == nil {
			metrics.WorkerTasksTotal.WithLabelValues("success").Inc()
		} else {
			metrics.WorkerTasksTotal.WithLabelValues("failure").Inc()
		}
		w.report(context.WithoutCancel(ctx), outcome)
		w.release()

		if ctx.Err() == nil {
			w.announceReady(ctx)
		}
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// report publishes the outcome for the broker
func (w *Worker) report(ctx context.Context, outcome domain.Outcome) {
	if err := transport.PublishJSON(ctx, w.bus, domain.SubjectTaskResult, outcome); err != nil {
		// The broker's stale reaper will hand the task out again
		w.logger.Error("Failed to publish task outcome",
			slog.String("task_id", outcome.TaskID),
			slog.String("error", err.Error()),
		)
	}
}
