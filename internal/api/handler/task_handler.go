package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/taskbroker/internal/api/dto"
	"github.com/cuongbtq/taskbroker/internal/broker"
	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key holding the caller identity
const UserIDKey = "user_id"

// ListTasks handles GET /api/v1/tasks
// Lists the caller's tasks, newest first
func (h *TaskHandler) ListTasks(c *gin.Context) {
	userID := c.GetString(UserIDKey)

	var req dto.ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize == 0 {
		req.PageSize = broker.DefaultPageSize
	}

	tasks, err := h.admin.ListTasksByUser(c.Request.Context(), userID, req.Page, req.PageSize)
	if err != nil {
		h.respondError(c, "Failed to list tasks", err)
		return
	}

	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks:    tasks,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
}

// RestartTask handles POST /api/v1/tasks/:task_id/restart
// Requeues a failed task owned by the caller
func (h *TaskHandler) RestartTask(c *gin.Context) {
	taskID := c.Param("task_id")
	userID := c.GetString(UserIDKey)

	if err := h.admin.RestartTask(c.Request.Context(), taskID, userID); err != nil {
		h.respondError(c, "Failed to restart task", err)
		return
	}

	h.logger.Info("Task restart requested",
		slog.String("task_id", taskID),
		slog.String("user_id", userID),
	)
	c.JSON(http.StatusOK, dto.TaskActionResponse{TaskID: taskID, Status: domain.TaskStatusPending})
}

// DeleteTask handles DELETE /api/v1/tasks/:task_id
// Removes a task owned by the caller
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	taskID := c.Param("task_id")
	userID := c.GetString(UserIDKey)

	if err := h.admin.DeleteTask(c.Request.Context(), taskID, userID); err != nil {
		h.respondError(c, "Failed to delete task", err)
		return
	}

	h.logger.Info("Task deletion requested",
		slog.String("task_id", taskID),
		slog.String("user_id", userID),
	)
	c.Status(http.StatusNoContent)
}

func (h *TaskHandler) respondError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFailed):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(status, dto.ErrorResponse{Error: msg})
		return
	}

	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}
