package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/metrics"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// onOutcome handles a worker's report for a dispatched task
func (b *Broker) onOutcome(ctx context.Context, msg transport.Message) {
	var outcome domain.Outcome
	if err := json.Unmarshal(msg.Data, &outcome); err != nil {
		b.logger.Error("Failed to parse task outcome",
			slog.String("error", err.Error()),
		)
		return
	}

	if err := b.HandleOutcome(ctx, outcome); err != nil {
		b.logger.Error("Failed to handle task outcome",
			slog.String("task_id", outcome.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleOutcome applies a worker outcome to the task:
//   - success, or any failure of a non-retryable task, finalizes and notifies
//   - a failure with attempts left requeues the task without notifying
//   - a failure with no attempts left marks the task FAILED; unowned tasks
//     are notified, owned tasks are held for the user to restart or delete
//
// Outcomes for tasks that are not DISPATCHED, or that carry a claim stamp
// other than the task's current one, are ignored. That makes duplicate
// reports a no-op and drops late reports from a worker whose claim was
// reset by the stale reaper and handed to another worker.
func (b *Broker) HandleOutcome(ctx context.Context, outcome domain.Outcome) error {
	task, err := b.store.GetTask(ctx, outcome.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			b.logger.Warn("Outcome for unknown task ignored",
				slog.String("task_id", outcome.TaskID),
			)
			return nil
		}
		return err
	}

	if task.Status() != domain.TaskStatusDispatched {
		b.logger.Info("Outcome for task not in DISPATCHED status ignored",
			slog.String("task_id", task.ID),
			slog.String("status", task.Status()),
		)
		return nil
	}

	if task.ProcessedTime.UnixMilli() != outcome.ClaimedAt {
		b.logger.Info("Outcome for a superseded claim ignored",
			slog.String("task_id", task.ID),
			slog.String("worker_id", outcome.WorkerID),
			slog.Int64("claimed_at", outcome.ClaimedAt),
			slog.Int64("current_claim", task.ProcessedTime.UnixMilli()),
		)
		return nil
	}

	claimedAt := *task.ProcessedTime
	now := b.now()
	logger := b.logger.With(
		slog.String("task_id", task.ID),
		slog.String("worker_id", outcome.WorkerID),
	)

	if outcome.Error == nil {
		if err := b.store.CompleteTask(ctx, task.ID, claimedAt, now); err != nil {
			return ignoreLostRace(err)
		}
		metrics.TasksFinishedTotal.WithLabelValues("done").Inc()
		logger.Info("Task completed successfully", slog.Int("attempt", task.Attempt))
		b.notify(ctx, task.ID, outcome.Data, nil)
		return nil
	}

	reason := domain.ErrorFromInfo(outcome.Error).Error()

	if !task.IsRetryable {
		if err := b.store.FailTask(ctx, task.ID, claimedAt, reason, task.Attempt, now); err != nil {
			return ignoreLostRace(err)
		}
		metrics.TasksFinishedTotal.WithLabelValues("failed").Inc()
		logger.Warn("Non-retryable task failed", slog.String("reason", reason))
		b.notify(ctx, task.ID, nil, outcome.Error)
		return nil
	}

	permanent := b.consultErrorCodes && domain.IsNonRetryableCode(outcome.Error.Code)
	if task.CanRetry() && !permanent {
		if err := b.store.RequeueTask(ctx, task.ID, claimedAt, reason, now); err != nil {
			return ignoreLostRace(err)
		}
		metrics.TasksRequeuedTotal.Inc()
		logger.Info("Task will be retried",
			slog.Int("attempt", task.Attempt+1),
			slog.Int("attempts", task.Attempts),
			slog.String("reason", reason),
		)
		b.Trigger()
		return nil
	}

	if err := b.store.FailTask(ctx, task.ID, claimedAt, reason, 0, now); err != nil {
		return ignoreLostRace(err)
	}

	if task.HasOwner() {
		metrics.TasksFinishedTotal.WithLabelValues("held").Inc()
		logger.Warn("Task exhausted retries, held for user",
			slog.String("user_id", task.UserID),
			slog.Int("attempts", task.Attempts),
			slog.Bool("non_retryable_code", permanent),
			slog.String("reason", reason),
		)
		return nil
	}

	metrics.TasksFinishedTotal.WithLabelValues("failed").Inc()
	logger.Warn("Task exhausted retries",
		slog.Int("attempts", task.Attempts),
		slog.Bool("non_retryable_code", permanent),
		slog.String("reason", reason),
	)
	b.notify(ctx, task.ID, nil, outcome.Error)
	return nil
}

// ignoreLostRace treats a transition beaten by a concurrent one as handled
func ignoreLostRace(err error) error {
	if errors.Is(err, domain.ErrNotDispatched) {
		return nil
	}
	return err
}
