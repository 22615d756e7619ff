package domain

import "encoding/json"

// EnqueueRequest is sent by producers on SubjectAddTask.
type EnqueueRequest struct {
	Task Task `json:"task"`
}

// Ack acknowledges a request. Error is set when OK is false.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Dispatch carries a claimed task to a worker. ClaimedAt is the claim
// stamp (unix millis) the worker must echo in its Outcome.
type Dispatch struct {
	Task      Task  `json:"task"`
	ClaimedAt int64 `json:"claimed_at"`
}

// ErrorInfo is the wire form of a task failure.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Outcome is reported by a worker after executing a task. The broker only
// applies it while the task still carries the claim stamp in ClaimedAt.
type Outcome struct {
	TaskID    string          `json:"task_id"`
	WorkerID  string          `json:"worker_id,omitempty"`
	ClaimedAt int64           `json:"claimed_at"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// Completion is the terminal notification published on SubjectTaskComplete.
type Completion struct {
	TaskID string          `json:"task_id"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ListTasksRequest asks for a page of tasks owned by a user.
type ListTasksRequest struct {
	UserID    string `json:"user_id"`
	PageIndex int    `json:"page_index"`
	PageSize  int    `json:"page_size"`
}

// ListTasksResponse is the reply to ListTasksRequest.
type ListTasksResponse struct {
	Tasks []TaskView `json:"tasks"`
	Error string     `json:"error,omitempty"`
}

// TaskActionRequest targets a single task on behalf of a user.
type TaskActionRequest struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
}
