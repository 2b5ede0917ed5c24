// Package service implements chat management and chat queue admission.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
)

const defaultChatTitle = "New chat"

type chatServiceStore interface {
	repository.ChatStore
	repository.ChatQueueStore
	repository.AgentStore
	repository.WorkspaceStore
}

// Service manages chats, their messages, and chat queue admission.
type Service struct {
	repo   chatServiceStore
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a chat service.
func New(repo chatServiceStore, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{repo: repo, bus: eventBus, logger: log}
}

// CreateChatInput is the payload for CreateChat. A nil AgentID creates a
// management chat.
type CreateChatInput struct {
	AgentID *string
	CLIType *models.CLIType
	Title   string
}

// CreateChat creates a chat in the workspace.
func (s *Service) CreateChat(ctx context.Context, workspaceID string, in CreateChatInput) (*models.Chat, error) {
	if _, err := s.repo.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	if in.AgentID != nil {
		agent, err := s.repo.GetAgent(ctx, *in.AgentID)
		if err != nil {
			return nil, err
		}
		if agent.WorkspaceID != workspaceID {
			return nil, errors.New("agent belongs to a different workspace")
		}
	}

	title := in.Title
	if title == "" {
		title = defaultChatTitle
	}

	chat := &models.Chat{
		WorkspaceID: workspaceID,
		AgentID:     in.AgentID,
		CLIType:     in.CLIType,
		Title:       title,
	}
	if err := s.repo.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// GetChat retrieves a chat by id.
func (s *Service) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	return s.repo.GetChat(ctx, chatID)
}

// ListChats returns the workspace's chats.
func (s *Service) ListChats(ctx context.Context, workspaceID string) ([]*models.Chat, error) {
	return s.repo.ListChats(ctx, workspaceID)
}

// DeleteChat removes a chat. Callers must kill the chat's live subprocess first.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	return s.repo.DeleteChat(ctx, chatID)
}

// ListMessages returns the chat's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, chatID string) ([]*models.ChatMessage, error) {
	return s.repo.ListChatMessages(ctx, chatID)
}

// PostUserMessage appends a user message, emits chat.message_added, and
// enqueues a chat turn unless one is already pending.
func (s *Service) PostUserMessage(ctx context.Context, chatID, content string) (*models.ChatMessage, error) {
	if content == "" {
		return nil, errors.New("message content is required")
	}
	chat, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	message := &models.ChatMessage{
		ChatID:  chat.ID,
		Role:    models.RoleUser,
		Message: content,
	}
	if err := s.repo.CreateChatMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	s.bus.Publish(bus.NewEvent(events.ChatMessageAdded, events.ChatMessageAddedPayload{
		WorkspaceID: chat.WorkspaceID,
		ChatID:      chat.ID,
		ChatTitle:   chat.Title,
		AuthorType:  string(models.RoleUser),
	}))

	active, err := s.repo.HasActiveChatQueueItem(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check chat queue: %w", err)
	}
	if !active {
		item := &models.ChatQueueItem{ChatID: chat.ID, WorkspaceID: chat.WorkspaceID}
		if err := s.repo.EnqueueChat(ctx, item); err != nil {
			return nil, fmt.Errorf("failed to enqueue chat: %w", err)
		}
		s.logger.Debug("chat turn enqueued",
			zap.String("chat_id", chat.ID),
			zap.String("workspace_id", chat.WorkspaceID),
		)
	}
	return message, nil
}
