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

// CreateChat creates a new chat. A nil AgentID marks a management chat.
func (r *Repository) CreateChat(ctx context.Context, chat *models.Chat) error {
	ctx, span := tracer.Start(ctx, "CreateChat")
	defer span.End()

	if chat.ID == "" {
		chat.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chats (id, workspace_id, agent_id, cli_type, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), chat.ID, chat.WorkspaceID, chat.AgentID, chat.CLIType, chat.Title, chat.CreatedAt, chat.UpdatedAt)
	return err
}

// GetChat retrieves a chat by ID.
func (r *Repository) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	chat := &models.Chat{}
	err := r.ro.GetContext(ctx, chat, r.ro.Rebind(`
		SELECT id, workspace_id, agent_id, cli_type, title, created_at, updated_at
		FROM chats WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChat deletes a chat; messages and queue rows cascade.
func (r *Repository) DeleteChat(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM chats WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListChats returns the workspace's chats, most recently updated first.
func (r *Repository) ListChats(ctx context.Context, workspaceID string) ([]*models.Chat, error) {
	chats := []*models.Chat{}
	err := r.ro.SelectContext(ctx, &chats, r.ro.Rebind(`
		SELECT id, workspace_id, agent_id, cli_type, title, created_at, updated_at
		FROM chats WHERE workspace_id = ? ORDER BY updated_at DESC
	`), workspaceID)
	return chats, err
}

// UpdateChatTitle renames a chat.
func (r *Repository) UpdateChatTitle(ctx context.Context, id, title string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE chats SET title = ?, updated_at = ? WHERE id = ?
	`), title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateChatMessage appends a message to a chat.
func (r *Repository) CreateChatMessage(ctx context.Context, message *models.ChatMessage) error {
	ctx, span := tracer.Start(ctx, "CreateChatMessage")
	defer span.End()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	message.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chat_messages (id, chat_id, role, message, actions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), message.ID, message.ChatID, message.Role, message.Message, message.Actions, message.CreatedAt)
	return err
}

// ListChatMessages returns the chat's messages ordered by creation ascending.
func (r *Repository) ListChatMessages(ctx context.Context, chatID string) ([]*models.ChatMessage, error) {
	messages := []*models.ChatMessage{}
	err := r.ro.SelectContext(ctx, &messages, r.ro.Rebind(`
		SELECT id, chat_id, role, message, actions, created_at
		FROM chat_messages WHERE chat_id = ? ORDER BY created_at ASC
	`), chatID)
	return messages, err
}

// CountAgentChatMessages returns how many agent-authored messages the chat has.
func (r *Repository) CountAgentChatMessages(ctx context.Context, chatID string) (int, error) {
	var count int
	err := r.ro.GetContext(ctx, &count, r.ro.Rebind(`
		SELECT COUNT(*) FROM chat_messages WHERE chat_id = ? AND role = 'agent'
	`), chatID)
	return count, err
}
