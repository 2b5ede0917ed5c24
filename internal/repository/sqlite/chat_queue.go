package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
)

// EnqueueChat inserts a queued chat queue row.
func (r *Repository) EnqueueChat(ctx context.Context, item *models.ChatQueueItem) error {
	ctx, span := tracer.Start(ctx, "EnqueueChat")
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
		INSERT INTO chat_queue (id, chat_id, workspace_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), item.ID, item.ChatID, item.WorkspaceID, item.Status, item.CreatedAt, item.UpdatedAt)
	return err
}

// GetChatQueueItem retrieves a chat queue row by ID.
func (r *Repository) GetChatQueueItem(ctx context.Context, id string) (*models.ChatQueueItem, error) {
	item := &models.ChatQueueItem{}
	err := r.ro.GetContext(ctx, item, r.ro.Rebind(`
		SELECT id, chat_id, workspace_id, status, created_at, updated_at
		FROM chat_queue WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListQueuedChatItems returns all queued rows, oldest first.
func (r *Repository) ListQueuedChatItems(ctx context.Context) ([]*models.ChatQueueItem, error) {
	items := []*models.ChatQueueItem{}
	err := r.ro.SelectContext(ctx, &items, `
		SELECT id, chat_id, workspace_id, status, created_at, updated_at
		FROM chat_queue WHERE status = 'queued' ORDER BY created_at ASC
	`)
	return items, err
}

// ClaimChatQueueItem atomically flips a queued row to in_progress. Returns
// false when another worker already claimed it or the row is gone.
func (r *Repository) ClaimChatQueueItem(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "ClaimChatQueueItem")
	defer span.End()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE chat_queue SET status = 'in_progress', updated_at = ?
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

// UpdateChatQueueStatus sets a queue row's status.
func (r *Repository) UpdateChatQueueStatus(ctx context.Context, id string, status models.QueueStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE chat_queue SET status = ?, updated_at = ? WHERE id = ?
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

// ResetInProgressChatQueueItems returns stranded in_progress rows to queued.
func (r *Repository) ResetInProgressChatQueueItems(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE chat_queue SET status = 'queued', updated_at = ? WHERE status = 'in_progress'
	`), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// HasActiveChatQueueItem reports whether the chat has a queued or in_progress row.
func (r *Repository) HasActiveChatQueueItem(ctx context.Context, chatID string) (bool, error) {
	var count int
	err := r.ro.GetContext(ctx, &count, r.ro.Rebind(`
		SELECT COUNT(*) FROM chat_queue
		WHERE chat_id = ? AND status IN ('queued', 'in_progress')
	`), chatID)
	return count > 0, err
}
