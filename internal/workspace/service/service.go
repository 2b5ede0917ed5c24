// Package service implements workspace management.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
)

// Service manages workspaces.
type Service struct {
	repo   repository.WorkspaceStore
	logger *logger.Logger
}

// New creates a workspace service.
func New(repo repository.WorkspaceStore, log *logger.Logger) *Service {
	return &Service{repo: repo, logger: log}
}

// CreateWorkspaceInput is the payload for CreateWorkspace.
type CreateWorkspaceInput struct {
	Title          string
	Description    string
	WorkingDirMode models.WorkingDirMode
	WorkingDirPath string
}

// CreateWorkspace creates a workspace.
func (s *Service) CreateWorkspace(ctx context.Context, in CreateWorkspaceInput) (*models.Workspace, error) {
	if in.Title == "" {
		return nil, errors.New("workspace title is required")
	}
	if in.WorkingDirMode == models.WorkingDirStatic && in.WorkingDirPath == "" {
		return nil, errors.New("working directory path is required in static mode")
	}

	workspace := &models.Workspace{
		Title:          in.Title,
		Description:    in.Description,
		WorkingDirMode: in.WorkingDirMode,
		WorkingDirPath: in.WorkingDirPath,
	}
	if err := s.repo.CreateWorkspace(ctx, workspace); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	s.logger.Info("workspace created",
		zap.String("workspace_id", workspace.ID),
		zap.String("title", workspace.Title),
	)
	return workspace, nil
}

// UpdateWorkspaceInput carries the fields to change; nil fields are untouched.
type UpdateWorkspaceInput struct {
	Title               *string
	Description         *string
	WorkingDirMode      *models.WorkingDirMode
	WorkingDirPath      *string
	AutoDeleteDoneTasks *bool
	RetentionDays       *int
	NotifyOnError       *bool
	NotifyOnInReview    *bool
}

// UpdateWorkspace applies a partial update to a workspace.
func (s *Service) UpdateWorkspace(ctx context.Context, id string, in UpdateWorkspaceInput) (*models.Workspace, error) {
	workspace, err := s.repo.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		if *in.Title == "" {
			return nil, errors.New("workspace title cannot be empty")
		}
		workspace.Title = *in.Title
	}
	if in.Description != nil {
		workspace.Description = *in.Description
	}
	if in.WorkingDirMode != nil {
		workspace.WorkingDirMode = *in.WorkingDirMode
	}
	if in.WorkingDirPath != nil {
		workspace.WorkingDirPath = *in.WorkingDirPath
	}
	if in.AutoDeleteDoneTasks != nil {
		workspace.AutoDeleteDoneTasks = *in.AutoDeleteDoneTasks
	}
	if in.RetentionDays != nil && *in.RetentionDays > 0 {
		workspace.RetentionDays = *in.RetentionDays
	}
	if in.NotifyOnError != nil {
		workspace.NotifyOnError = *in.NotifyOnError
	}
	if in.NotifyOnInReview != nil {
		workspace.NotifyOnInReview = *in.NotifyOnInReview
	}

	if err := s.repo.UpdateWorkspace(ctx, workspace); err != nil {
		return nil, err
	}
	return workspace, nil
}

// GetWorkspace retrieves a workspace by id.
func (s *Service) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return s.repo.GetWorkspace(ctx, id)
}

// ListWorkspaces returns all workspaces.
func (s *Service) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	return s.repo.ListWorkspaces(ctx)
}

// DeleteWorkspace removes a workspace and all its children. Callers must
// kill the workspace's live subprocesses first.
func (s *Service) DeleteWorkspace(ctx context.Context, id string) error {
	return s.repo.DeleteWorkspace(ctx, id)
}

// TouchActivity bumps the workspace's last activity timestamp.
func (s *Service) TouchActivity(ctx context.Context, id string) error {
	return s.repo.TouchWorkspaceActivity(ctx, id)
}
