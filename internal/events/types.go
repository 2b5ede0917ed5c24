// Package events defines the closed set of event types published on the bus
// and the payload structs carried by each.
package events

// Event types published by the task and chat pipelines. The set is closed;
// consumers may rely on never seeing a type outside this list.
const (
	TaskStatusChanged      = "task.status_changed"
	TaskCommentAdded       = "task.comment_added"
	TaskErrorOccurred      = "task.error_occurred"
	AgentExecutionStarted  = "agent.execution_started"
	AgentExecutionFinished = "agent.execution_finished"
	ChatMessageAdded       = "chat.message_added"
	ChatProcessingStarted  = "chat.processing_started"
	ChatProcessingFinished = "chat.processing_finished"
)

// TaskStatusChangedPayload is published when a task moves between statuses.
type TaskStatusChangedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	TaskID      string `json:"taskId"`
	TaskSummary string `json:"taskSummary"`
	OldStatus   string `json:"oldStatus"`
	NewStatus   string `json:"newStatus"`
}

// TaskCommentAddedPayload is published for every comment added to a task,
// regardless of author.
type TaskCommentAddedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	TaskID      string `json:"taskId"`
	TaskSummary string `json:"taskSummary"`
	AuthorName  string `json:"authorName"`
}

// TaskErrorOccurredPayload is published when an agent invocation fails during
// task processing.
type TaskErrorOccurredPayload struct {
	WorkspaceID  string `json:"workspaceId"`
	TaskID       string `json:"taskId"`
	TaskSummary  string `json:"taskSummary"`
	ErrorMessage string `json:"errorMessage"`
}

// AgentExecutionPayload is published when the task worker starts or finishes
// an agent invocation.
type AgentExecutionPayload struct {
	WorkspaceID string `json:"workspaceId"`
	TaskID      string `json:"taskId"`
	TaskSummary string `json:"taskSummary"`
	AgentName   string `json:"agentName"`
}

// ChatMessageAddedPayload is published for every message appended to a chat.
type ChatMessageAddedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	ChatID      string `json:"chatId"`
	ChatTitle   string `json:"chatTitle"`
	AuthorType  string `json:"authorType"`
}

// ChatProcessingPayload is published when the chat worker starts or finishes
// a turn.
type ChatProcessingPayload struct {
	WorkspaceID string `json:"workspaceId"`
	ChatID      string `json:"chatId"`
	ChatTitle   string `json:"chatTitle"`
	AgentName   string `json:"agentName"`
}
