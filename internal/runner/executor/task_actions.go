// Package executor applies validated CLI actions to the store and publishes
// the resulting events.
package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
	"github.com/malamar-dev/malamar/internal/runner/parser"
)

// TaskActionResult summarises one agent's action batch for the worker loop.
type TaskActionResult struct {
	CommentsAdded int
	StatusChanged bool
	NewStatus     models.TaskStatus
	Skipped       bool
}

type taskExecutorStore interface {
	repository.TaskStore
	repository.WorkspaceStore
}

// TaskExecutor applies the actions an agent returns for a task.
type TaskExecutor struct {
	repo   taskExecutorStore
	bus    bus.EventBus
	logger *logger.Logger
}

// NewTaskExecutor creates a task action executor.
func NewTaskExecutor(repo taskExecutorStore, eventBus bus.EventBus, log *logger.Logger) *TaskExecutor {
	return &TaskExecutor{repo: repo, bus: eventBus, logger: log}
}

// Execute applies the agent's actions in array order. The workspace's
// activity timestamp is bumped after any non-empty batch.
func (e *TaskExecutor) Execute(ctx context.Context, task *models.Task, workspace *models.Workspace, agent *models.Agent, actions []parser.TaskAction) (*TaskActionResult, error) {
	result := &TaskActionResult{}
	skips := 0

	for _, action := range actions {
		switch a := action.(type) {
		case parser.SkipAction:
			skips++

		case parser.CommentAction:
			if err := e.addAgentComment(ctx, task, agent, a.Content); err != nil {
				return nil, err
			}
			result.CommentsAdded++

		case parser.ChangeStatusAction:
			if a.Status == task.Status {
				continue
			}
			if err := e.changeStatus(ctx, task, agent, a.Status); err != nil {
				return nil, err
			}
			result.StatusChanged = true
			result.NewStatus = a.Status
			task.Status = a.Status
		}
	}

	result.Skipped = len(actions) > 0 && skips == len(actions)

	if len(actions) > 0 {
		if err := e.repo.TouchWorkspaceActivity(ctx, workspace.ID); err != nil {
			e.logger.Warn("failed to bump workspace activity", zap.Error(err))
		}
	}
	return result, nil
}

func (e *TaskExecutor) addAgentComment(ctx context.Context, task *models.Task, agent *models.Agent, content string) error {
	comment := &models.TaskComment{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		AgentID:     &agent.ID,
		Content:     content,
	}
	if err := e.repo.CreateTaskComment(ctx, comment); err != nil {
		return fmt.Errorf("failed to persist comment: %w", err)
	}

	if err := e.repo.CreateTaskLog(ctx, &models.TaskLog{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		EventType:   models.LogCommentAdded,
		ActorType:   models.ActorAgent,
		ActorID:     &agent.ID,
	}); err != nil {
		e.logger.Warn("failed to log comment", zap.Error(err))
	}

	e.bus.Publish(bus.NewEvent(events.TaskCommentAdded, events.TaskCommentAddedPayload{
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		TaskSummary: task.Summary,
		AuthorName:  agent.Name,
	}))
	return nil
}

func (e *TaskExecutor) changeStatus(ctx context.Context, task *models.Task, agent *models.Agent, newStatus models.TaskStatus) error {
	oldStatus := task.Status
	if err := e.repo.UpdateTaskStatus(ctx, task.ID, newStatus); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if err := e.repo.CreateTaskLog(ctx, &models.TaskLog{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		EventType:   models.LogStatusChanged,
		ActorType:   models.ActorAgent,
		ActorID:     &agent.ID,
		Metadata: map[string]any{
			"oldStatus": string(oldStatus),
			"newStatus": string(newStatus),
			"agentName": agent.Name,
		},
	}); err != nil {
		e.logger.Warn("failed to log status change", zap.Error(err))
	}

	e.bus.Publish(bus.NewEvent(events.TaskStatusChanged, events.TaskStatusChangedPayload{
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		TaskSummary: task.Summary,
		OldStatus:   string(oldStatus),
		NewStatus:   string(newStatus),
	}))
	return nil
}

// AddSystemComment persists a comment with neither user nor agent
// attribution, logs it, and bumps workspace activity.
func (e *TaskExecutor) AddSystemComment(ctx context.Context, task *models.Task, workspace *models.Workspace, content string) error {
	comment := &models.TaskComment{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		Content:     content,
	}
	if err := e.repo.CreateTaskComment(ctx, comment); err != nil {
		return fmt.Errorf("failed to persist system comment: %w", err)
	}

	if err := e.repo.CreateTaskLog(ctx, &models.TaskLog{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		EventType:   models.LogCommentAdded,
		ActorType:   models.ActorSystem,
	}); err != nil {
		e.logger.Warn("failed to log system comment", zap.Error(err))
	}

	e.bus.Publish(bus.NewEvent(events.TaskCommentAdded, events.TaskCommentAddedPayload{
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		TaskSummary: task.Summary,
		AuthorName:  "system",
	}))

	if err := e.repo.TouchWorkspaceActivity(ctx, workspace.ID); err != nil {
		e.logger.Warn("failed to bump workspace activity", zap.Error(err))
	}
	return nil
}

// UpdateTaskStatusWithLog moves the task to newStatus as the system actor.
// Equal statuses are a no-op.
func (e *TaskExecutor) UpdateTaskStatusWithLog(ctx context.Context, task *models.Task, workspace *models.Workspace, newStatus models.TaskStatus) error {
	if task.Status == newStatus {
		return nil
	}
	oldStatus := task.Status
	if err := e.repo.UpdateTaskStatus(ctx, task.ID, newStatus); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	task.Status = newStatus

	if err := e.repo.CreateTaskLog(ctx, &models.TaskLog{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		EventType:   models.LogStatusChanged,
		ActorType:   models.ActorSystem,
		Metadata: map[string]any{
			"oldStatus": string(oldStatus),
			"newStatus": string(newStatus),
		},
	}); err != nil {
		e.logger.Warn("failed to log status change", zap.Error(err))
	}

	e.bus.Publish(bus.NewEvent(events.TaskStatusChanged, events.TaskStatusChangedPayload{
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		TaskSummary: task.Summary,
		OldStatus:   string(oldStatus),
		NewStatus:   string(newStatus),
	}))
	return nil
}
