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

// CreateWorkspace creates a new workspace.
func (r *Repository) CreateWorkspace(ctx context.Context, workspace *models.Workspace) error {
	ctx, span := tracer.Start(ctx, "CreateWorkspace")
	defer span.End()

	if workspace.ID == "" {
		workspace.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	workspace.CreatedAt = now
	workspace.UpdatedAt = now
	if workspace.LastActivityAt.IsZero() {
		workspace.LastActivityAt = now
	}
	if workspace.WorkingDirMode == "" {
		workspace.WorkingDirMode = models.WorkingDirTemp
	}
	if workspace.RetentionDays <= 0 {
		workspace.RetentionDays = 7
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO workspaces (
			id, title, description, working_dir_mode, working_dir_path,
			auto_delete_done_tasks, retention_days, notify_on_error,
			notify_on_in_review, last_activity_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		workspace.ID, workspace.Title, workspace.Description,
		workspace.WorkingDirMode, workspace.WorkingDirPath,
		dialect.BoolToInt(workspace.AutoDeleteDoneTasks), workspace.RetentionDays,
		dialect.BoolToInt(workspace.NotifyOnError), dialect.BoolToInt(workspace.NotifyOnInReview),
		workspace.LastActivityAt, workspace.CreatedAt, workspace.UpdatedAt,
	)
	return err
}

// GetWorkspace retrieves a workspace by ID.
func (r *Repository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	workspace := &models.Workspace{}
	err := r.ro.GetContext(ctx, workspace, r.ro.Rebind(`
		SELECT id, title, description, working_dir_mode, working_dir_path,
		       auto_delete_done_tasks, retention_days, notify_on_error,
		       notify_on_in_review, last_activity_at, created_at, updated_at
		FROM workspaces WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return workspace, nil
}

// UpdateWorkspace updates an existing workspace.
func (r *Repository) UpdateWorkspace(ctx context.Context, workspace *models.Workspace) error {
	ctx, span := tracer.Start(ctx, "UpdateWorkspace")
	defer span.End()

	workspace.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workspaces
		SET title = ?,
			description = ?,
			working_dir_mode = ?,
			working_dir_path = ?,
			auto_delete_done_tasks = ?,
			retention_days = ?,
			notify_on_error = ?,
			notify_on_in_review = ?,
			updated_at = ?
		WHERE id = ?
	`),
		workspace.Title, workspace.Description,
		workspace.WorkingDirMode, workspace.WorkingDirPath,
		dialect.BoolToInt(workspace.AutoDeleteDoneTasks), workspace.RetentionDays,
		dialect.BoolToInt(workspace.NotifyOnError), dialect.BoolToInt(workspace.NotifyOnInReview),
		workspace.UpdatedAt, workspace.ID,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteWorkspace deletes a workspace; agents, tasks, and chats cascade.
func (r *Repository) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListWorkspaces returns all workspaces ordered by most recent activity.
func (r *Repository) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	workspaces := []*models.Workspace{}
	err := r.ro.SelectContext(ctx, &workspaces, `
		SELECT id, title, description, working_dir_mode, working_dir_path,
		       auto_delete_done_tasks, retention_days, notify_on_error,
		       notify_on_in_review, last_activity_at, created_at, updated_at
		FROM workspaces ORDER BY last_activity_at DESC
	`)
	return workspaces, err
}

// TouchWorkspaceActivity sets the workspace's last_activity_at to now.
func (r *Repository) TouchWorkspaceActivity(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workspaces SET last_activity_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	return err
}
