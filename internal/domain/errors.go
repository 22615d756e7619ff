package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task cannot be found in the store
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotOwner is returned when the caller does not own the task
	ErrNotOwner = errors.New("task is not owned by the requesting user")

	// ErrClaimConflict is returned when a conditional claim loses the race
	ErrClaimConflict = errors.New("task already claimed or not in PENDING status")

	// ErrNotDispatched is returned when an outcome targets a task that is not DISPATCHED
	ErrNotDispatched = errors.New("task is not in DISPATCHED status")

	// ErrNotFailed is returned when restarting a task that is not held in
	// FAILED status for its owner. Failures already notified cannot be rerun.
	ErrNotFailed = errors.New("task is not a FAILED task held for restart")
)

// Codes produced by the broker and worker runtime themselves.
const (
	CodeTaskDeleted     = "TASK_DELETED"
	CodeTimeout         = "TIMEOUT"
	CodeUnknownTaskType = "UNKNOWN_TASK_TYPE"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodePanic           = "PANIC"
)

// TaskError is the failure a rejected future carries.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Info converts the error to its wire form.
func (e *TaskError) Info() *ErrorInfo {
	return &ErrorInfo{Code: e.Code, Message: e.Message}
}

// NewTaskError creates a coded task error.
func NewTaskError(code, message string) *TaskError {
	return &TaskError{Code: code, Message: message}
}

// ErrorFromInfo converts a wire error back into a *TaskError.
func ErrorFromInfo(info *ErrorInfo) error {
	if info == nil {
		return nil
	}
	return &TaskError{Code: info.Code, Message: info.Message}
}

// InfoFromError converts any error to its wire form, keeping the code of a *TaskError.
// A *RetryableError is sent without a code even when it wraps a coded error,
// so the broker never classifies it as permanent.
func InfoFromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return &ErrorInfo{Message: err.Error()}
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Info()
	}
	return &ErrorInfo{Message: err.Error()}
}

// TimeoutError marks an operation that exceeded its deadline, so callers can
// tell "timed out" apart from "failed".
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// RetryableError wraps transient errors that should consume a retry attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
