package domain

import (
	"encoding/json"
	"time"
)

// Task is the durable unit of work tracked by the broker.
type Task struct {
	ID            string          `json:"id"`
	Priority      int             `json:"priority"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	IsRetryable   bool            `json:"is_retryable"`
	Attempts      int             `json:"attempts"`
	Attempt       int             `json:"attempt"`
	Sent          bool            `json:"sent"`
	ProcessedTime *time.Time      `json:"processed_time,omitempty"`
	Done          bool            `json:"done"`
	IsError       bool            `json:"is_error"`
	ErrorReason   string          `json:"error_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Status derives the lifecycle state from the persisted flags.
// Terminal flags win over the dispatch timestamp.
func (t *Task) Status() string {
	switch {
	case t.Done:
		return TaskStatusDone
	case t.IsError:
		return TaskStatusFailed
	case t.ProcessedTime != nil:
		return TaskStatusDispatched
	default:
		return TaskStatusPending
	}
}

// IsFinal reports whether the task reached DONE or FAILED.
func (t *Task) IsFinal() bool {
	return t.Done || t.IsError
}

// HasOwner reports whether a user owns the task.
func (t *Task) HasOwner() bool {
	return t.UserID != ""
}

// CanRetry reports whether a failed attempt may be requeued.
func (t *Task) CanRetry() bool {
	return t.IsRetryable && t.Attempt < t.Attempts
}

// Notified reports whether the terminal TASK_COMPLETE event has already
// been published for the task. Owned retryable tasks that exhaust their
// attempts are held for the user instead.
func (t *Task) Notified() bool {
	return t.Done || (t.IsError && (!t.IsRetryable || !t.HasOwner()))
}

// InBand reports whether the task priority fits the worker band.
func (t *Task) InBand(b WorkerBand) bool {
	return b.Contains(t.Priority)
}

// View returns the user-facing projection of the task with internal
// dispatch fields removed.
func (t *Task) View() TaskView {
	return TaskView{
		ID:          t.ID,
		Type:        t.Type,
		Priority:    t.Priority,
		Status:      t.Status(),
		Attempt:     t.Attempt,
		Attempts:    t.Attempts,
		IsRetryable: t.IsRetryable,
		ErrorReason: t.ErrorReason,
		CreatedAt:   t.CreatedAt,
	}
}

// TaskView is what admin listings return.
type TaskView struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	Attempt     int       `json:"attempt"`
	Attempts    int       `json:"attempts"`
	IsRetryable bool      `json:"is_retryable"`
	ErrorReason string    `json:"error_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkerBand is a worker's answer to a free-workers discovery request.
type WorkerBand struct {
	WorkerID    string `json:"worker_id"`
	MinPriority int    `json:"min_priority"`
	MaxPriority int    `json:"max_priority"`
	Slots       int    `json:"slots"`
	Subject     string `json:"subject"`
}

// Contains reports whether priority lies in the inclusive band.
func (b WorkerBand) Contains(priority int) bool {
	return priority >= b.MinPriority && priority <= b.MaxPriority
}
