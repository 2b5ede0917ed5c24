// Package repository defines the storage contract shared by the HTTP layer
// and the runner.
package repository

import (
	"context"
	"errors"

	"github.com/malamar-dev/malamar/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface. The SQLite implementation in the
// sqlite subpackage is the only production implementation.
type Store interface {
	WorkspaceStore
	AgentStore
	TaskStore
	TaskQueueStore
	ChatStore
	ChatQueueStore

	Close() error
}

// WorkspaceStore persists workspaces.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, workspace *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, workspace *models.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
	TouchWorkspaceActivity(ctx context.Context, id string) error
}

// AgentStore persists workspace agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	// ListAgents returns the workspace's agents ordered by position ascending.
	ListAgents(ctx context.Context, workspaceID string) ([]*models.Agent, error)
	// AgentNameExists reports whether another agent in the workspace already
	// uses the name. excludeID may be empty.
	AgentNameExists(ctx context.Context, workspaceID, name, excludeID string) (bool, error)
	MaxAgentOrder(ctx context.Context, workspaceID string) (int, error)
	// ReorderAgents assigns positions 1..N following the given id order.
	ReorderAgents(ctx context.Context, workspaceID string, agentIDs []string) error
}

// TaskStore persists tasks, their comments, and their activity logs.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	// DeleteDoneTasksBefore removes done tasks in the workspace untouched for
	// retentionDays days. Returns the number of tasks deleted.
	DeleteDoneTasksBefore(ctx context.Context, workspaceID string, retentionDays int) (int64, error)

	CreateTaskComment(ctx context.Context, comment *models.TaskComment) error
	ListTaskComments(ctx context.Context, taskID string) ([]*models.TaskComment, error)

	CreateTaskLog(ctx context.Context, log *models.TaskLog) error
	ListTaskLogs(ctx context.Context, taskID string) ([]*models.TaskLog, error)
}

// TaskQueueStore persists the task queue.
type TaskQueueStore interface {
	EnqueueTask(ctx context.Context, item *models.TaskQueueItem) error
	GetTaskQueueItem(ctx context.Context, id string) (*models.TaskQueueItem, error)
	// ListQueuedTaskItems returns the workspace's queued rows ordered by
	// updated_at descending.
	ListQueuedTaskItems(ctx context.Context, workspaceID string) ([]*models.TaskQueueItem, error)
	ListWorkspacesWithQueuedTasks(ctx context.Context) ([]string, error)
	// ClaimTaskQueueItem flips one queued row to in_progress. Returns false
	// when the row was already claimed or finished.
	ClaimTaskQueueItem(ctx context.Context, id string) (bool, error)
	UpdateTaskQueueStatus(ctx context.Context, id string, status models.QueueStatus) error
	// ResetInProgressTaskQueueItems returns stranded in_progress rows to
	// queued, refreshing updated_at.
	ResetInProgressTaskQueueItems(ctx context.Context) (int64, error)
	// LatestFinishedTaskID returns the task id of the workspace's most
	// recently updated completed or failed queue row, or "" if none.
	LatestFinishedTaskID(ctx context.Context, workspaceID string) (string, error)
	// HasPendingTaskQueueItem reports whether the task already has a queued or
	// in_progress row.
	HasPendingTaskQueueItem(ctx context.Context, taskID string) (bool, error)
}

// ChatStore persists chats and their messages.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	DeleteChat(ctx context.Context, id string) error
	ListChats(ctx context.Context, workspaceID string) ([]*models.Chat, error)
	UpdateChatTitle(ctx context.Context, id, title string) error

	CreateChatMessage(ctx context.Context, message *models.ChatMessage) error
	// ListChatMessages returns the chat's messages ordered by created_at ascending.
	ListChatMessages(ctx context.Context, chatID string) ([]*models.ChatMessage, error)
	CountAgentChatMessages(ctx context.Context, chatID string) (int, error)
}

// ChatQueueStore persists the chat queue.
type ChatQueueStore interface {
	EnqueueChat(ctx context.Context, item *models.ChatQueueItem) error
	GetChatQueueItem(ctx context.Context, id string) (*models.ChatQueueItem, error)
	// ListQueuedChatItems returns all queued rows ordered by created_at ascending.
	ListQueuedChatItems(ctx context.Context) ([]*models.ChatQueueItem, error)
	ClaimChatQueueItem(ctx context.Context, id string) (bool, error)
	UpdateChatQueueStatus(ctx context.Context, id string, status models.QueueStatus) error
	ResetInProgressChatQueueItems(ctx context.Context) (int64, error)
	// HasActiveChatQueueItem reports whether the chat has a queued or
	// in_progress row.
	HasActiveChatQueueItem(ctx context.Context, chatID string) (bool, error)
}
