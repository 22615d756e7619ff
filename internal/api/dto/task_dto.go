package dto

import "github.com/cuongbtq/taskbroker/internal/domain"

type ListTasksRequest struct {
	Page     int `form:"page" binding:"min=0"`
	PageSize int `form:"page_size" binding:"min=0,max=100"`
}

type ListTasksResponse struct {
	Tasks    []domain.TaskView `json:"tasks"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

type TaskActionResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
