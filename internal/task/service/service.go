// Package service implements task management and task queue admission.
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

// ErrAlreadyQueued is returned when the task already has a pending queue row.
var ErrAlreadyQueued = errors.New("task is already queued")

type taskServiceStore interface {
	repository.TaskStore
	repository.TaskQueueStore
	repository.WorkspaceStore
}

// Service manages tasks, their comments, and queue admission.
type Service struct {
	repo   taskServiceStore
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a task service.
func New(repo taskServiceStore, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{repo: repo, bus: eventBus, logger: log}
}

// CreateTask creates a task in todo status.
func (s *Service) CreateTask(ctx context.Context, workspaceID, summary, description string) (*models.Task, error) {
	if summary == "" {
		return nil, errors.New("task summary is required")
	}
	if _, err := s.repo.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	task := &models.Task{
		WorkspaceID: workspaceID,
		Summary:     summary,
		Description: description,
		Status:      models.TaskStatusTodo,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// UpdateTaskInput carries the fields to change; nil fields are untouched.
type UpdateTaskInput struct {
	Summary     *string
	Description *string
	Status      *models.TaskStatus
}

// UpdateTask applies a partial update. A status change emits
// task.status_changed and a user-attributed log entry.
func (s *Service) UpdateTask(ctx context.Context, taskID string, in UpdateTaskInput) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if in.Summary != nil {
		if *in.Summary == "" {
			return nil, errors.New("task summary cannot be empty")
		}
		task.Summary = *in.Summary
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if in.Status != nil && *in.Status != task.Status {
		oldStatus := task.Status
		if err := s.repo.UpdateTaskStatus(ctx, taskID, *in.Status); err != nil {
			return nil, err
		}
		task.Status = *in.Status

		if err := s.repo.CreateTaskLog(ctx, &models.TaskLog{
			TaskID:      task.ID,
			WorkspaceID: task.WorkspaceID,
			EventType:   models.LogStatusChanged,
			ActorType:   models.ActorUser,
			Metadata:    map[string]any{"oldStatus": string(oldStatus), "newStatus": string(task.Status)},
		}); err != nil {
			s.logger.Warn("failed to log status change", zap.Error(err))
		}
		s.bus.Publish(bus.NewEvent(events.TaskStatusChanged, events.TaskStatusChangedPayload{
			WorkspaceID: task.WorkspaceID,
			TaskID:      task.ID,
			TaskSummary: task.Summary,
			OldStatus:   string(oldStatus),
			NewStatus:   string(task.Status),
		}))
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.repo.GetTask(ctx, taskID)
}

// ListTasks returns the workspace's tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, workspaceID, status)
}

// DeleteTask removes a task. Callers must kill the task's live subprocess first.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	return s.repo.DeleteTask(ctx, taskID)
}

// AddUserComment appends a user comment and emits task.comment_added.
func (s *Service) AddUserComment(ctx context.Context, taskID, userID, content string) (*models.TaskComment, error) {
	if content == "" {
		return nil, errors.New("comment content is required")
	}
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	comment := &models.TaskComment{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		UserID:      &userID,
		Content:     content,
	}
	if err := s.repo.CreateTaskComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}

	if err := s.repo.CreateTaskLog(ctx, &models.TaskLog{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		EventType:   models.LogCommentAdded,
		ActorType:   models.ActorUser,
		ActorID:     &userID,
	}); err != nil {
		s.logger.Warn("failed to log comment", zap.Error(err))
	}

	s.bus.Publish(bus.NewEvent(events.TaskCommentAdded, events.TaskCommentAddedPayload{
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		TaskSummary: task.Summary,
		AuthorName:  "user",
	}))
	return comment, nil
}

// ListComments returns the task's comments oldest first.
func (s *Service) ListComments(ctx context.Context, taskID string) ([]*models.TaskComment, error) {
	return s.repo.ListTaskComments(ctx, taskID)
}

// ListLogs returns the task's activity log oldest first.
func (s *Service) ListLogs(ctx context.Context, taskID string) ([]*models.TaskLog, error) {
	return s.repo.ListTaskLogs(ctx, taskID)
}

// EnqueueTask admits a task to the runner queue. A task with a queued or
// in_progress row is rejected with ErrAlreadyQueued.
func (s *Service) EnqueueTask(ctx context.Context, taskID string, isPriority bool) (*models.TaskQueueItem, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	pending, err := s.repo.HasPendingTaskQueueItem(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to check queue: %w", err)
	}
	if pending {
		return nil, ErrAlreadyQueued
	}

	item := &models.TaskQueueItem{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		IsPriority:  isPriority,
	}
	if err := s.repo.EnqueueTask(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("workspace_id", task.WorkspaceID),
		zap.Bool("priority", isPriority),
	)
	return item, nil
}

// SweepDoneTasks deletes done tasks past their workspace's retention window
// in every workspace that opted in. Returns the number of tasks removed.
func (s *Service) SweepDoneTasks(ctx context.Context) (int64, error) {
	workspaces, err := s.repo.ListWorkspaces(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, ws := range workspaces {
		if !ws.AutoDeleteDoneTasks {
			continue
		}
		deleted, err := s.repo.DeleteDoneTasksBefore(ctx, ws.ID, ws.RetentionDays)
		if err != nil {
			s.logger.Warn("done-task sweep failed for workspace",
				zap.String("workspace_id", ws.ID),
				zap.Error(err),
			)
			continue
		}
		total += deleted
	}
	return total, nil
}
