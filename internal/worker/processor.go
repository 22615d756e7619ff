package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/cuongbtq/taskbroker/internal/domain"
)

// processTask executes one task with the job timeout and converts the
// result into an outcome
func (w *Worker) processTask(ctx context.Context, task domain.Task) domain.Outcome {
	outcome := domain.Outcome{TaskID: task.ID, WorkerID: w.workerID}

	executor, ok := w.executors.Lookup(task.Type)
	if !ok {
		w.logger.Warn("No executor for task type",
			slog.String("task_id", task.ID),
			slog.String("task_type", task.Type),
		)
		outcome.Error = domain.NewTaskError(domain.CodeUnknownTaskType, "no executor for task type "+task.Type).Info()
		return outcome
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, err := w.execute(jobCtx, executor, task)
	if err == nil && jobCtx.Err() != nil {
		err = jobCtx.Err()
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewTaskError(domain.CodeTimeout, fmt.Sprintf("execution exceeded %s", w.jobTimeout))
		}
		w.logger.Error("Task execution failed",
			slog.String("task_id", task.ID),
			slog.String("task_type", task.Type),
			slog.String("error", err.Error()),
		)
		outcome.Error = domain.InfoFromError(err)
		return outcome
	}

	data, err := json.Marshal(result)
	if err != nil {
		outcome.Error = domain.NewTaskError(domain.CodeInvalidPayload, "failed to encode result: "+err.Error()).Info()
		return outcome
	}

	w.logger.Info("Task executed successfully",
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
	)
	outcome.Data = data
	return outcome
}

// execute runs the executor, turning a panic into a PANIC task error
func (w *Worker) execute(ctx context.Context, executor Executor, task domain.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Executor panicked",
				slog.String("task_id", task.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = domain.NewTaskError(domain.CodePanic, fmt.Sprint(r))
		}
	}()

	return executor.Execute(ctx, task)
}
