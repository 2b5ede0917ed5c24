// Package service implements agent management: CRUD plus the ordering
// invariant that positions within a workspace stay a permutation of 1..N.
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

// ErrNameConflict is returned when an agent name is already taken in the
// workspace.
var ErrNameConflict = errors.New("agent name already exists in workspace")

// Service manages workspace agents.
type Service struct {
	repo   repository.AgentStore
	logger *logger.Logger
}

// New creates an agent service.
func New(repo repository.AgentStore, log *logger.Logger) *Service {
	return &Service{repo: repo, logger: log}
}

// CreateAgentInput is the payload for CreateAgent.
type CreateAgentInput struct {
	Name        string
	Instruction string
	CLIType     *models.CLIType
	Order       *int
}

// CreateAgent creates an agent in the workspace. Without an explicit order
// the agent is appended after the current last position. Without a CLI kind
// it defaults to claude.
func (s *Service) CreateAgent(ctx context.Context, workspaceID string, in CreateAgentInput) (*models.Agent, error) {
	if in.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if in.Instruction == "" {
		return nil, errors.New("agent instruction is required")
	}

	exists, err := s.repo.AgentNameExists(ctx, workspaceID, in.Name, "")
	if err != nil {
		return nil, fmt.Errorf("failed to check agent name: %w", err)
	}
	if exists {
		return nil, ErrNameConflict
	}

	cliType := models.CLIClaude
	if in.CLIType != nil {
		cliType = *in.CLIType
	}

	order := 0
	if in.Order != nil {
		order = *in.Order
	}
	if order <= 0 {
		max, err := s.repo.MaxAgentOrder(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("failed to determine agent order: %w", err)
		}
		order = max + 1
	}

	agent := &models.Agent{
		WorkspaceID: workspaceID,
		Name:        in.Name,
		Instruction: in.Instruction,
		CLIType:     cliType,
		Order:       order,
	}
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	s.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("name", agent.Name),
	)
	return agent, nil
}

// UpdateAgentInput carries the fields to change; nil fields are untouched.
// CLITypeSet with a nil CLIType resets the agent to the default kind.
type UpdateAgentInput struct {
	Name        *string
	Instruction *string
	CLIType     *models.CLIType
	CLITypeSet  bool
	Order       *int
}

// UpdateAgent applies a partial update to an agent.
func (s *Service) UpdateAgent(ctx context.Context, agentID string, in UpdateAgentInput) (*models.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil && *in.Name != agent.Name {
		exists, err := s.repo.AgentNameExists(ctx, agent.WorkspaceID, *in.Name, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check agent name: %w", err)
		}
		if exists {
			return nil, ErrNameConflict
		}
		agent.Name = *in.Name
	}
	if in.Instruction != nil {
		agent.Instruction = *in.Instruction
	}
	if in.CLITypeSet {
		if in.CLIType != nil {
			agent.CLIType = *in.CLIType
		} else {
			agent.CLIType = models.CLIClaude
		}
	}
	if in.Order != nil && *in.Order > 0 {
		agent.Order = *in.Order
	}

	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	return agent, nil
}

// DeleteAgent removes an agent and renumbers the remaining agents so their
// positions stay 1..N.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAgent(ctx, agentID); err != nil {
		return err
	}

	remaining, err := s.repo.ListAgents(ctx, agent.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to list remaining agents: %w", err)
	}
	if len(remaining) == 0 {
		return nil
	}
	ids := make([]string, len(remaining))
	for i, a := range remaining {
		ids[i] = a.ID
	}
	return s.repo.ReorderAgents(ctx, agent.WorkspaceID, ids)
}

// ReorderAgents replaces the workspace's agent ordering. The id set must
// exactly equal the workspace's current agents.
func (s *Service) ReorderAgents(ctx context.Context, workspaceID string, agentIDs []string) error {
	current, err := s.repo.ListAgents(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	if len(agentIDs) != len(current) {
		return fmt.Errorf("agent id list must contain exactly the workspace's %d agents", len(current))
	}
	known := make(map[string]bool, len(current))
	for _, agent := range current {
		known[agent.ID] = true
	}
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		if !known[id] {
			return fmt.Errorf("unknown agent id: %s", id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate agent id: %s", id)
		}
		seen[id] = true
	}
	return s.repo.ReorderAgents(ctx, workspaceID, agentIDs)
}

// GetAgent retrieves an agent by id.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// ListAgents returns the workspace's agents in iteration order.
func (s *Service) ListAgents(ctx context.Context, workspaceID string) ([]*models.Agent, error) {
	return s.repo.ListAgents(ctx, workspaceID)
}
