package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// Page size limits for user listings
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListTasksByUser returns one page of the user's tasks with internal
// dispatch fields removed
func (b *Broker) ListTasksByUser(ctx context.Context, userID string, pageIndex, pageSize int) ([]domain.TaskView, error) {
	if userID == "" {
		return nil, domain.ErrNotOwner
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if pageIndex < 0 {
		pageIndex = 0
	}

	tasks, err := b.store.ListTasksByUser(ctx, userID, pageIndex*pageSize, pageSize)
	if err != nil {
		return nil, err
	}

	views := make([]domain.TaskView, len(tasks))
	for i := range tasks {
		views[i] = tasks[i].View()
	}
	return views, nil
}

// RestartTask resets a FAILED task held for userID back to PENDING. A
// failure whose completion was already published is rejected with
// domain.ErrNotFailed so the task never reports twice.
func (b *Broker) RestartTask(ctx context.Context, taskID, userID string) error {
	task, err := b.ownedTask(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if !task.IsError || task.Notified() {
		return domain.ErrNotFailed
	}

	if err := b.store.RestartTask(ctx, taskID); err != nil {
		return err
	}

	b.logger.Info("Task restarted by user",
		slog.String("task_id", taskID),
		slog.String("user_id", userID),
	)
	b.Trigger()
	return nil
}

// DeleteTask force-finalizes a task owned by userID and removes it. A
// caller still waiting on the task receives a TASK_DELETED failure.
func (b *Broker) DeleteTask(ctx context.Context, taskID, userID string) error {
	task, err := b.ownedTask(ctx, taskID, userID)
	if err != nil {
		return err
	}

	if err := b.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	if !task.Notified() {
		b.notify(ctx, taskID, nil, domain.NewTaskError(domain.CodeTaskDeleted, "task deleted by owner").Info())
	}

	b.logger.Info("Task deleted by user",
		slog.String("task_id", taskID),
		slog.String("user_id", userID),
		slog.String("status", task.Status()),
	)
	return nil
}

func (b *Broker) ownedTask(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if userID == "" || task.UserID != userID {
		return nil, domain.ErrNotOwner
	}
	return task, nil
}

func (b *Broker) onAdminList(ctx context.Context, msg transport.Message) {
	var req domain.ListTasksRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.reply(ctx, msg, domain.ListTasksResponse{Error: "malformed request"})
		return
	}

	views, err := b.ListTasksByUser(ctx, req.UserID, req.PageIndex, req.PageSize)
	if err != nil {
		b.reply(ctx, msg, domain.ListTasksResponse{Error: err.Error()})
		return
	}

	b.reply(ctx, msg, domain.ListTasksResponse{Tasks: views})
}

func (b *Broker) onAdminRestart(ctx context.Context, msg transport.Message) {
	b.onTaskAction(ctx, msg, b.RestartTask)
}

func (b *Broker) onAdminDelete(ctx context.Context, msg transport.Message) {
	b.onTaskAction(ctx, msg, b.DeleteTask)
}

func (b *Broker) onTaskAction(ctx context.Context, msg transport.Message, action func(ctx context.Context, taskID, userID string) error) {
	var req domain.TaskActionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.reply(ctx, msg, domain.Ack{OK: false, Error: "malformed request"})
		return
	}

	if err := action(ctx, req.TaskID, req.UserID); err != nil {
		b.logger.Warn("Task action rejected",
			slog.String("subject", msg.Subject),
			slog.String("task_id", req.TaskID),
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		b.reply(ctx, msg, domain.Ack{OK: false, Error: err.Error()})
		return
	}

	b.reply(ctx, msg, domain.Ack{OK: true})
}
