// Package models defines the persistent entities of Malamar.
package models

import "time"

// WorkingDirMode controls where a workspace's agents run.
type WorkingDirMode string

const (
	WorkingDirStatic WorkingDirMode = "static"
	WorkingDirTemp   WorkingDirMode = "temp"
)

// CLIType identifies one of the supported agentic CLI programs.
type CLIType string

const (
	CLIClaude   CLIType = "claude"
	CLIGemini   CLIType = "gemini"
	CLICodex    CLIType = "codex"
	CLIOpenCode CLIType = "opencode"
)

// AllCLITypes lists every supported CLI kind.
var AllCLITypes = []CLIType{CLIClaude, CLIGemini, CLICodex, CLIOpenCode}

// IsValidCLIType reports whether the given string names a supported CLI kind.
func IsValidCLIType(s string) bool {
	switch CLIType(s) {
	case CLIClaude, CLIGemini, CLICodex, CLIOpenCode:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
)

// IsValidTaskStatus reports whether the given string names a task status.
func IsValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a task or chat queue item.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// MessageRole is the author role of a chat message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// ActorType identifies who performed a logged task action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Task log event types written by the runner.
const (
	LogStatusChanged = "status_changed"
	LogCommentAdded  = "comment_added"
	LogAgentStarted  = "agent_started"
	LogAgentFinished = "agent_finished"
)

// Workspace is the top-level tenant of agents, tasks, chats, and their queues.
type Workspace struct {
	ID                  string         `db:"id" json:"id"`
	Title               string         `db:"title" json:"title"`
	Description         string         `db:"description" json:"description"`
	WorkingDirMode      WorkingDirMode `db:"working_dir_mode" json:"workingDirectoryMode"`
	WorkingDirPath      string         `db:"working_dir_path" json:"workingDirectoryPath,omitempty"`
	AutoDeleteDoneTasks bool           `db:"auto_delete_done_tasks" json:"autoDeleteDoneTasks"`
	RetentionDays       int            `db:"retention_days" json:"retentionDays"`
	NotifyOnError       bool           `db:"notify_on_error" json:"notifyOnError"`
	NotifyOnInReview    bool           `db:"notify_on_in_review" json:"notifyOnInReview"`
	LastActivityAt      time.Time      `db:"last_activity_at" json:"lastActivityAt"`
	CreatedAt           time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updatedAt"`
}

// Agent is an ordered entry within a workspace binding a CLI kind to an
// instruction. Order defines the task iteration sequence.
type Agent struct {
	ID          string    `db:"id" json:"id"`
	WorkspaceID string    `db:"workspace_id" json:"workspaceId"`
	Name        string    `db:"name" json:"name"`
	Instruction string    `db:"instruction" json:"instruction"`
	CLIType     CLIType   `db:"cli_type" json:"cliType"`
	Order       int       `db:"position" json:"order"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Task is a structured work unit within a workspace.
type Task struct {
	ID          string     `db:"id" json:"id"`
	WorkspaceID string     `db:"workspace_id" json:"workspaceId"`
	Summary     string     `db:"summary" json:"summary"`
	Description string     `db:"description" json:"description"`
	Status      TaskStatus `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// TaskComment is a comment on a task. A comment with neither user nor agent
// attribution is a system comment.
type TaskComment struct {
	ID          string    `db:"id" json:"id"`
	TaskID      string    `db:"task_id" json:"taskId"`
	WorkspaceID string    `db:"workspace_id" json:"workspaceId"`
	UserID      *string   `db:"user_id" json:"userId,omitempty"`
	AgentID     *string   `db:"agent_id" json:"agentId,omitempty"`
	Content     string    `db:"content" json:"content"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// IsSystem reports whether the comment carries no user or agent attribution.
func (c *TaskComment) IsSystem() bool {
	return c.UserID == nil && c.AgentID == nil
}

// TaskLog is an append-only activity log entry for a task.
type TaskLog struct {
	ID          string         `db:"id" json:"id"`
	TaskID      string         `db:"task_id" json:"taskId"`
	WorkspaceID string         `db:"workspace_id" json:"workspaceId"`
	EventType   string         `db:"event_type" json:"eventType"`
	ActorType   ActorType      `db:"actor_type" json:"actorType"`
	ActorID     *string        `db:"actor_id" json:"actorId,omitempty"`
	Metadata    map[string]any `db:"-" json:"metadata,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
}

// TaskQueueItem is a pending or finished run of a task through the runner.
type TaskQueueItem struct {
	ID          string      `db:"id" json:"id"`
	TaskID      string      `db:"task_id" json:"taskId"`
	WorkspaceID string      `db:"workspace_id" json:"workspaceId"`
	Status      QueueStatus `db:"status" json:"status"`
	IsPriority  bool        `db:"is_priority" json:"isPriority"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

// Chat is a conversational session with one configured agent, or with the
// built-in management agent when AgentID is nil.
type Chat struct {
	ID          string    `db:"id" json:"id"`
	WorkspaceID string    `db:"workspace_id" json:"workspaceId"`
	AgentID     *string   `db:"agent_id" json:"agentId,omitempty"`
	CLIType     *CLIType  `db:"cli_type" json:"cliType,omitempty"`
	Title       string    `db:"title" json:"title"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// IsManagement reports whether the chat is owned by the built-in management agent.
func (c *Chat) IsManagement() bool {
	return c.AgentID == nil
}

// ChatMessage is one message within a chat. Actions holds the JSON-serialized
// action array the agent returned alongside the message, or nil.
type ChatMessage struct {
	ID        string      `db:"id" json:"id"`
	ChatID    string      `db:"chat_id" json:"chatId"`
	Role      MessageRole `db:"role" json:"role"`
	Message   string      `db:"message" json:"message"`
	Actions   *string     `db:"actions" json:"actions,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
}

// ChatQueueItem is a pending or finished chat turn.
type ChatQueueItem struct {
	ID          string      `db:"id" json:"id"`
	ChatID      string      `db:"chat_id" json:"chatId"`
	WorkspaceID string      `db:"workspace_id" json:"workspaceId"`
	Status      QueueStatus `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}
