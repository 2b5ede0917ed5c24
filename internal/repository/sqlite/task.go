package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/malamar-dev/malamar/internal/db/dialect"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
)

// CreateTask creates a new task.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	ctx, span := tracer.Start(ctx, "CreateTask")
	defer span.End()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (id, workspace_id, summary, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.WorkspaceID, task.Summary, task.Description, task.Status, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	err := r.ro.GetContext(ctx, task, r.ro.Rebind(`
		SELECT id, workspace_id, summary, description, status, created_at, updated_at
		FROM tasks WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask updates a task's summary and description.
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET summary = ?, description = ?, updated_at = ? WHERE id = ?
	`), task.Summary, task.Description, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteTask deletes a task; comments, logs, and queue rows cascade.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListTasks returns the workspace's tasks, optionally filtered by status,
// most recently updated first.
func (r *Repository) ListTasks(ctx context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	tasks := []*models.Task{}
	if status != "" {
		err := r.ro.SelectContext(ctx, &tasks, r.ro.Rebind(`
			SELECT id, workspace_id, summary, description, status, created_at, updated_at
			FROM tasks WHERE workspace_id = ? AND status = ? ORDER BY updated_at DESC
		`), workspaceID, status)
		return tasks, err
	}
	err := r.ro.SelectContext(ctx, &tasks, r.ro.Rebind(`
		SELECT id, workspace_id, summary, description, status, created_at, updated_at
		FROM tasks WHERE workspace_id = ? ORDER BY updated_at DESC
	`), workspaceID)
	return tasks, err
}

// UpdateTaskStatus sets a task's status.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	ctx, span := tracer.Start(ctx, "UpdateTaskStatus")
	defer span.End()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
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

// DeleteDoneTasksBefore removes done tasks untouched for retentionDays days.
func (r *Repository) DeleteDoneTasksBefore(ctx context.Context, workspaceID string, retentionDays int) (int64, error) {
	query := `DELETE FROM tasks WHERE workspace_id = ? AND status = 'done' AND updated_at < ` +
		dialect.NowMinusDays(r.db.DriverName(), "?")
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), workspaceID, retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CreateTaskComment creates a comment on a task.
func (r *Repository) CreateTaskComment(ctx context.Context, comment *models.TaskComment) error {
	ctx, span := tracer.Start(ctx, "CreateTaskComment")
	defer span.End()

	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	comment.CreatedAt = now
	comment.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_comments (id, task_id, workspace_id, user_id, agent_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), comment.ID, comment.TaskID, comment.WorkspaceID, comment.UserID, comment.AgentID, comment.Content, comment.CreatedAt, comment.UpdatedAt)
	return err
}

// ListTaskComments returns the task's comments ordered by creation ascending.
func (r *Repository) ListTaskComments(ctx context.Context, taskID string) ([]*models.TaskComment, error) {
	comments := []*models.TaskComment{}
	err := r.ro.SelectContext(ctx, &comments, r.ro.Rebind(`
		SELECT id, task_id, workspace_id, user_id, agent_id, content, created_at, updated_at
		FROM task_comments WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	return comments, err
}

// CreateTaskLog appends an activity log entry for a task.
func (r *Repository) CreateTaskLog(ctx context.Context, log *models.TaskLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	metadata := "{}"
	if log.Metadata != nil {
		data, err := json.Marshal(log.Metadata)
		if err != nil {
			return err
		}
		metadata = string(data)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_logs (id, task_id, workspace_id, event_type, actor_type, actor_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), log.ID, log.TaskID, log.WorkspaceID, log.EventType, log.ActorType, log.ActorID, metadata, log.CreatedAt)
	return err
}

// ListTaskLogs returns the task's activity log entries ordered by creation ascending.
func (r *Repository) ListTaskLogs(ctx context.Context, taskID string) ([]*models.TaskLog, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, workspace_id, event_type, actor_type, actor_id, metadata, created_at
		FROM task_logs WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	logs := []*models.TaskLog{}
	for rows.Next() {
		log := &models.TaskLog{}
		var metadata string
		if err := rows.Scan(&log.ID, &log.TaskID, &log.WorkspaceID, &log.EventType,
			&log.ActorType, &log.ActorID, &metadata, &log.CreatedAt); err != nil {
			return nil, err
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &log.Metadata); err != nil {
				return nil, err
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
