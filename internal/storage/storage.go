package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	priority       INTEGER NOT NULL,
	task_type      TEXT NOT NULL,
	payload        TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL DEFAULT '',
	is_retryable   BOOLEAN NOT NULL DEFAULT FALSE,
	attempts       INTEGER NOT NULL DEFAULT 0,
	attempt        INTEGER NOT NULL DEFAULT 0,
	sent           BOOLEAN NOT NULL DEFAULT FALSE,
	processed_time BIGINT,
	done           BOOLEAN NOT NULL DEFAULT FALSE,
	is_error       BOOLEAN NOT NULL DEFAULT FALSE,
	error_reason   TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL,
	updated_at     BIGINT NOT NULL,
	finished_at    BIGINT
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks (priority, created_at) WHERE processed_time IS NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id, created_at);
`

// dispatchedCond matches rows in DISPATCHED state
const dispatchedCond = `processed_time IS NOT NULL AND done = FALSE AND is_error = FALSE`

// pendingCond matches rows in PENDING state
const pendingCond = `processed_time IS NULL AND done = FALSE AND is_error = FALSE`

const taskColumns = `id, priority, task_type, payload, user_id, is_retryable, attempts, attempt,
	sent, processed_time, done, is_error, error_reason, created_at, updated_at, finished_at`

// taskRow is the persisted layout of a task
type taskRow struct {
	ID            string        `db:"id"`
	Priority      int           `db:"priority"`
	Type          string        `db:"task_type"`
	Payload       string        `db:"payload"`
	UserID        string        `db:"user_id"`
	IsRetryable   bool          `db:"is_retryable"`
	Attempts      int           `db:"attempts"`
	Attempt       int           `db:"attempt"`
	Sent          bool          `db:"sent"`
	ProcessedTime sql.NullInt64 `db:"processed_time"`
	Done          bool          `db:"done"`
	IsError       bool          `db:"is_error"`
	ErrorReason   string        `db:"error_reason"`
	CreatedAt     int64         `db:"created_at"`
	UpdatedAt     int64         `db:"updated_at"`
	FinishedAt    sql.NullInt64 `db:"finished_at"`
}

func (r *taskRow) toDomain() domain.Task {
	t := domain.Task{
		ID:          r.ID,
		Priority:    r.Priority,
		Type:        r.Type,
		UserID:      r.UserID,
		IsRetryable: r.IsRetryable,
		Attempts:    r.Attempts,
		Attempt:     r.Attempt,
		Sent:        r.Sent,
		Done:        r.Done,
		IsError:     r.IsError,
		ErrorReason: r.ErrorReason,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
	}
	if r.Payload != "" {
		t.Payload = []byte(r.Payload)
	}
	if r.ProcessedTime.Valid {
		pt := time.UnixMilli(r.ProcessedTime.Int64)
		t.ProcessedTime = &pt
	}
	if r.FinishedAt.Valid {
		ft := time.UnixMilli(r.FinishedAt.Int64)
		t.FinishedAt = &ft
	}
	return t
}

// Storage is the durable task store. Every state transition is a single
// conditional UPDATE so concurrent broker ticks or instances can never
// move the same row twice.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the tasks table and its indexes
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate tasks schema: %w", err)
	}
	return nil
}

// InsertTask persists a new PENDING task. Duplicate deliveries of the same
// id leave the existing row untouched and report inserted=false.
func (s *Storage) InsertTask(ctx context.Context, task *domain.Task) (bool, error) {
	query := s.db.Rebind(`
		INSERT INTO tasks (
			id, priority, task_type, payload, user_id, is_retryable,
			attempts, attempt, sent, processed_time, done, is_error,
			error_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, FALSE, NULL, FALSE, FALSE, '', ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)

	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Priority,
		task.Type,
		string(task.Payload),
		task.UserID,
		task.IsRetryable,
		task.Attempts,
		createdAt.UnixMilli(),
		createdAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert task: %w", err)
	}

	return affected(result)
}

// GetTask retrieves a task by its id
func (s *Storage) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)

	var row taskRow
	if err := s.db.GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	task := row.toDomain()
	return &task, nil
}

// ListPendingInBand returns PENDING tasks whose priority lies in
// [minPriority, maxPriority], oldest first.
func (s *Storage) ListPendingInBand(ctx context.Context, minPriority, maxPriority, limit int) ([]domain.Task, error) {
	query := s.db.Rebind(`
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ` + pendingCond + `
		  AND priority >= ? AND priority <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`)

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, minPriority, maxPriority, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	return toDomain(rows), nil
}

// ClaimTask atomically moves a PENDING task to DISPATCHED. It returns
// domain.ErrClaimConflict when another tick or instance got there first.
func (s *Storage) ClaimTask(ctx context.Context, taskID string, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET processed_time = ?,
		    sent = TRUE,
		    updated_at = ?
		WHERE id = ?
		  AND ` + pendingCond)

	result, err := s.db.ExecContext(ctx, query, now.UnixMilli(), now.UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("Failed to claim task - already claimed or not pending",
			slog.String("task_id", taskID),
		)
		return domain.ErrClaimConflict
	}

	return nil
}

// ReleaseClaim rolls a claim back to PENDING. The claim timestamp guards
// against releasing a newer claim made after a stale reset.
func (s *Storage) ReleaseClaim(ctx context.Context, taskID string, claimedAt time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE tasks
		SET processed_time = NULL,
		    sent = FALSE,
		    updated_at = ?
		WHERE id = ?
		  AND processed_time = ?
		  AND done = FALSE AND is_error = FALSE
	`)

	result, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli(), taskID, claimedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to release task claim: %w", err)
	}

	return affected(result)
}

// CompleteTask finalizes a task as DONE while it is still DISPATCHED under claimedAt
func (s *Storage) CompleteTask(ctx context.Context, taskID string, claimedAt, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET done = TRUE,
		    sent = FALSE,
		    error_reason = '',
		    finished_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND processed_time = ?
		  AND ` + dispatchedCond)

	return s.transition(ctx, query, now.UnixMilli(), now.UnixMilli(), taskID, claimedAt.UnixMilli())
}

// FailTask finalizes a task claimed at claimedAt as FAILED and records the attempt counter
func (s *Storage) FailTask(ctx context.Context, taskID string, claimedAt time.Time, reason string, attempt int, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET is_error = TRUE,
		    sent = FALSE,
		    error_reason = ?,
		    attempt = ?,
		    finished_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND processed_time = ?
		  AND ` + dispatchedCond)

	return s.transition(ctx, query, reason, attempt, now.UnixMilli(), now.UnixMilli(), taskID, claimedAt.UnixMilli())
}

// RequeueTask returns a task claimed at claimedAt to PENDING and consumes one attempt
func (s *Storage) RequeueTask(ctx context.Context, taskID string, claimedAt time.Time, reason string, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET processed_time = NULL,
		    sent = FALSE,
		    attempt = attempt + 1,
		    error_reason = ?,
		    updated_at = ?
		WHERE id = ?
		  AND processed_time = ?
		  AND ` + dispatchedCond)

	return s.transition(ctx, query, reason, now.UnixMilli(), taskID, claimedAt.UnixMilli())
}

// ResetStale returns DISPATCHED tasks claimed before cutoff to PENDING.
// Re-running it is a no-op for rows it already reset.
func (s *Storage) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`
		UPDATE tasks
		SET processed_time = NULL,
		    sent = FALSE,
		    updated_at = ?
		WHERE processed_time < ?
		  AND ` + dispatchedCond)

	result, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli(), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale tasks: %w", err)
	}

	return result.RowsAffected()
}

// PurgeDone deletes DONE tasks finalized before cutoff
func (s *Storage) PurgeDone(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`DELETE FROM tasks WHERE done = TRUE AND finished_at < ?`)

	result, err := s.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge done tasks: %w", err)
	}

	return result.RowsAffected()
}

// PurgeFailedUnowned deletes FAILED tasks without an owner finalized before cutoff.
// Owned failures stay until the user restarts or deletes them.
func (s *Storage) PurgeFailedUnowned(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`DELETE FROM tasks WHERE is_error = TRUE AND user_id = '' AND finished_at < ?`)

	result, err := s.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed tasks: %w", err)
	}

	return result.RowsAffected()
}

// ListTasksByUser returns a page of tasks owned by userID, newest first
func (s *Storage) ListTasksByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Task, error) {
	query := s.db.Rebind(`
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`)

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	return toDomain(rows), nil
}

// RestartTask resets a held FAILED task (owned, retryable, attempts
// exhausted) to PENDING with a fresh attempt counter. Failures that were
// already notified are left alone.
func (s *Storage) RestartTask(ctx context.Context, taskID string) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET is_error = FALSE,
		    error_reason = '',
		    attempt = 0,
		    processed_time = NULL,
		    sent = FALSE,
		    finished_at = NULL,
		    updated_at = ?
		WHERE id = ?
		  AND is_error = TRUE
		  AND is_retryable = TRUE
		  AND user_id <> ''
	`)

	result, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("failed to restart task: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFailed
	}

	return nil
}

// DeleteTask removes a task in any state
func (s *Storage) DeleteTask(ctx context.Context, taskID string) error {
	query := s.db.Rebind(`DELETE FROM tasks WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrTaskNotFound
	}

	return nil
}

// transition runs a conditional update that must hit exactly one row
// DISPATCHED under the given claim
func (s *Storage) transition(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotDispatched
	}

	return nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func toDomain(rows []taskRow) []domain.Task {
	tasks := make([]domain.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toDomain()
	}
	return tasks
}
