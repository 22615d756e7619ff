package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/metrics"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// onEnqueue persists a submitted task and acknowledges it
func (b *Broker) onEnqueue(ctx context.Context, msg transport.Message) {
	var req domain.EnqueueRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.logger.Error("Failed to parse enqueue request",
			slog.String("error", err.Error()),
		)
		b.reply(ctx, msg, domain.Ack{OK: false, Error: "malformed request"})
		return
	}

	if err := b.Enqueue(ctx, &req.Task); err != nil {
		b.reply(ctx, msg, domain.Ack{OK: false, Error: err.Error()})
		return
	}

	b.reply(ctx, msg, domain.Ack{OK: true})
}

// Enqueue stores a new PENDING task. A duplicate id is acknowledged
// without changing the stored row.
func (b *Broker) Enqueue(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Attempts < 0 {
		return fmt.Errorf("attempts must not be negative")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = b.now()
	}

	inserted, err := b.store.InsertTask(ctx, task)
	if err != nil {
		b.logger.Error("Failed to persist task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if !inserted {
		metrics.TasksEnqueuedTotal.WithLabelValues("duplicate").Inc()
		b.logger.Info("Duplicate task submission acknowledged",
			slog.String("task_id", task.ID),
		)
		return nil
	}

	metrics.TasksEnqueuedTotal.WithLabelValues("inserted").Inc()
	b.logger.Info("Task enqueued",
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
		slog.Int("priority", task.Priority),
		slog.Bool("is_retryable", task.IsRetryable),
		slog.Int("attempts", task.Attempts),
	)

	return nil
}

func (b *Broker) reply(ctx context.Context, msg transport.Message, v any) {
	if err := transport.Reply(ctx, b.bus, msg, v); err != nil {
		b.logger.Error("Failed to send reply",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
	}
}
