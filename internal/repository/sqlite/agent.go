package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
)

// CreateAgent creates a new agent. Position must already be assigned by the
// caller (the service appends at max+1 when unspecified).
func (r *Repository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	ctx, span := tracer.Start(ctx, "CreateAgent")
	defer span.End()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, workspace_id, name, instruction, cli_type, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.WorkspaceID, agent.Name, agent.Instruction, agent.CLIType, agent.Order, agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	err := r.ro.GetContext(ctx, agent, r.ro.Rebind(`
		SELECT id, workspace_id, name, instruction, cli_type, position, created_at, updated_at
		FROM agents WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// UpdateAgent updates an existing agent.
func (r *Repository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	ctx, span := tracer.Start(ctx, "UpdateAgent")
	defer span.End()

	agent.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents
		SET name = ?, instruction = ?, cli_type = ?, position = ?, updated_at = ?
		WHERE id = ?
	`), agent.Name, agent.Instruction, agent.CLIType, agent.Order, agent.UpdatedAt, agent.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteAgent deletes an agent; its chats cascade.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListAgents returns the workspace's agents ordered by position ascending.
func (r *Repository) ListAgents(ctx context.Context, workspaceID string) ([]*models.Agent, error) {
	agents := []*models.Agent{}
	err := r.ro.SelectContext(ctx, &agents, r.ro.Rebind(`
		SELECT id, workspace_id, name, instruction, cli_type, position, created_at, updated_at
		FROM agents WHERE workspace_id = ? ORDER BY position ASC
	`), workspaceID)
	return agents, err
}

// AgentNameExists reports whether an agent other than excludeID already uses
// the name within the workspace.
func (r *Repository) AgentNameExists(ctx context.Context, workspaceID, name, excludeID string) (bool, error) {
	var count int
	err := r.ro.GetContext(ctx, &count, r.ro.Rebind(`
		SELECT COUNT(*) FROM agents WHERE workspace_id = ? AND name = ? AND id != ?
	`), workspaceID, name, excludeID)
	return count > 0, err
}

// MaxAgentOrder returns the highest position in the workspace, 0 when empty.
func (r *Repository) MaxAgentOrder(ctx context.Context, workspaceID string) (int, error) {
	var max sql.NullInt64
	err := r.ro.GetContext(ctx, &max, r.ro.Rebind(`
		SELECT MAX(position) FROM agents WHERE workspace_id = ?
	`), workspaceID)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// ReorderAgents assigns positions 1..N in the order of agentIDs. The caller
// must have validated the id set against the workspace's agents.
func (r *Repository) ReorderAgents(ctx context.Context, workspaceID string, agentIDs []string) error {
	ctx, span := tracer.Start(ctx, "ReorderAgents")
	defer span.End()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for i, agentID := range agentIDs {
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE agents SET position = ?, updated_at = ? WHERE id = ? AND workspace_id = ?
		`), i+1, now, agentID, workspaceID)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("agent not in workspace: %s", agentID)
		}
	}
	return tx.Commit()
}
