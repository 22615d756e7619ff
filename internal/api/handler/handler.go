package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/taskbroker/internal/domain"
)

// TaskAdmin is the user-scoped task management the handlers expose
type TaskAdmin interface {
	ListTasksByUser(ctx context.Context, userID string, pageIndex, pageSize int) ([]domain.TaskView, error)
	RestartTask(ctx context.Context, taskID, userID string) error
	DeleteTask(ctx context.Context, taskID, userID string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Admin       TaskAdmin
	ServiceName string

	// HealthCheck reports the readiness of backing stores. Nil means always healthy.
	HealthCheck func(ctx context.Context) error
}

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	logger *slog.Logger
	admin  TaskAdmin
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(deps *Dependencies) *TaskHandler {
	return &TaskHandler{
		logger: deps.Logger,
		admin:  deps.Admin,
	}
}
