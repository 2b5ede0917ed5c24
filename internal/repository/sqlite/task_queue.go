package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/malamar-dev/malamar/internal/db/dialect"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
)

// EnqueueTask inserts a queued task queue row.
func (r *Repository) EnqueueTask(ctx context.Context, item *models.TaskQueueItem) error {
	ctx, span := tracer.Start(ctx, "EnqueueTask")
	defer span.End()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = models.QueueStatusQueued
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_queue (id, task_id, workspace_id, status, is_priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), item.ID, item.TaskID, item.WorkspaceID, item.Status, dialect.BoolToInt(item.IsPriority), item.CreatedAt, item.UpdatedAt)
	return err
}

// GetTaskQueueItem retrieves a task queue row by ID.
func (r *Repository) GetTaskQueueItem(ctx context.Context, id string) (*models.TaskQueueItem, error) {
	item := &models.TaskQueueItem{}
	err := r.ro.GetContext(ctx, item, r.ro.Rebind(`
		SELECT id, task_id, workspace_id, status, is_priority, created_at, updated_at
		FROM task_queue WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListQueuedTaskItems returns the workspace's queued rows, most recently
// updated first.
func (r *Repository) ListQueuedTaskItems(ctx context.Context, workspaceID string) ([]*models.TaskQueueItem, error) {
	items := []*models.TaskQueueItem{}
	err := r.ro.SelectContext(ctx, &items, r.ro.Rebind(`
		SELECT id, task_id, workspace_id, status, is_priority, created_at, updated_at
		FROM task_queue WHERE workspace_id = ? AND status = 'queued'
		ORDER BY updated_at DESC
	`), workspaceID)
	return items, err
}

// ListWorkspacesWithQueuedTasks returns the distinct workspace ids that have
// at least one queued task queue row.
func (r *Repository) ListWorkspacesWithQueuedTasks(ctx context.Context) ([]string, error) {
	workspaceIDs := []string{}
	err := r.ro.SelectContext(ctx, &workspaceIDs, `
		SELECT DISTINCT workspace_id FROM task_queue WHERE status = 'queued'
	`)
	return workspaceIDs, err
}

// ClaimTaskQueueItem atomically flips a queued row to in_progress. Returns
// false when another worker already claimed it or the row is gone.
func (r *Repository) ClaimTaskQueueItem(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "ClaimTaskQueueItem")
	defer span.End()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE task_queue SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND status = 'queued'
	`), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdateTaskQueueStatus sets a queue row's status.
func (r *Repository) UpdateTaskQueueStatus(ctx context.Context, id string, status models.QueueStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE task_queue SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ResetInProgressTaskQueueItems returns stranded in_progress rows to queued.
// Run once at startup before polling begins.
func (r *Repository) ResetInProgressTaskQueueItems(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE task_queue SET status = 'queued', updated_at = ? WHERE status = 'in_progress'
	`), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LatestFinishedTaskID returns the task id of the workspace's most recently
// updated completed or failed queue row, or "" when the workspace has none.
func (r *Repository) LatestFinishedTaskID(ctx context.Context, workspaceID string) (string, error) {
	var taskID string
	err := r.ro.GetContext(ctx, &taskID, r.ro.Rebind(`
		SELECT task_id FROM task_queue
		WHERE workspace_id = ? AND status IN ('completed', 'failed')
		ORDER BY updated_at DESC LIMIT 1
	`), workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return taskID, err
}

// HasPendingTaskQueueItem reports whether the task has a queued or
// in_progress queue row.
func (r *Repository) HasPendingTaskQueueItem(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := r.ro.GetContext(ctx, &count, r.ro.Rebind(`
		SELECT COUNT(*) FROM task_queue
		WHERE task_id = ? AND status IN ('queued', 'in_progress')
	`), taskID)
	return count > 0, err
}
