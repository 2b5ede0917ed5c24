package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	agentservice "github.com/malamar-dev/malamar/internal/agent/service"
	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
	"github.com/malamar-dev/malamar/internal/runner/parser"
	workspaceservice "github.com/malamar-dev/malamar/internal/workspace/service"
)

// actionSkipped marks an action that was refused rather than attempted.
// Skipped actions are excluded from the failure summary message.
const actionSkipped = "Action skipped"

// ChatActionResult records the outcome of one chat action.
type ChatActionResult struct {
	Action  parser.ChatAction
	Success bool
	Error   string
}

type chatExecutorStore interface {
	repository.ChatStore
	repository.WorkspaceStore
}

// ChatExecutor applies chat actions, delegating agent and workspace
// mutations to the respective services.
type ChatExecutor struct {
	repo       chatExecutorStore
	agents     *agentservice.Service
	workspaces *workspaceservice.Service
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewChatExecutor creates a chat action executor.
func NewChatExecutor(repo chatExecutorStore, agents *agentservice.Service, workspaces *workspaceservice.Service, eventBus bus.EventBus, log *logger.Logger) *ChatExecutor {
	return &ChatExecutor{repo: repo, agents: agents, workspaces: workspaces, bus: eventBus, logger: log}
}

// Execute applies the actions in array order. Each action is independent; a
// failure is recorded and the rest still run. Failed (non-skipped) actions
// are summarised in one trailing system message on the chat.
//
// Only a management chat may mutate agents or the workspace; in an
// agent-bound chat those actions are refused as skipped. rename_chat is
// honoured only when canRename is true (zero prior agent messages).
func (e *ChatExecutor) Execute(ctx context.Context, chat *models.Chat, workspace *models.Workspace, actions []parser.ChatAction, canRename bool) []ChatActionResult {
	results := make([]ChatActionResult, 0, len(actions))

	for _, action := range actions {
		result := ChatActionResult{Action: action}

		if _, isRename := action.(parser.RenameChatAction); !isRename && !chat.IsManagement() {
			result.Error = actionSkipped
			results = append(results, result)
			continue
		}

		if err := e.apply(ctx, chat, workspace, action, canRename); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
		}
		results = append(results, result)
	}

	if summary := failureSummary(results); summary != "" {
		e.appendSystemMessage(ctx, chat, summary)
	}

	if len(actions) > 0 {
		if err := e.repo.TouchWorkspaceActivity(ctx, workspace.ID); err != nil {
			e.logger.Warn("failed to bump workspace activity", zap.Error(err))
		}
	}
	return results
}

func (e *ChatExecutor) apply(ctx context.Context, chat *models.Chat, workspace *models.Workspace, action parser.ChatAction, canRename bool) error {
	switch a := action.(type) {
	case parser.CreateAgentAction:
		_, err := e.agents.CreateAgent(ctx, workspace.ID, agentservice.CreateAgentInput{
			Name:        a.Name,
			Instruction: a.Instruction,
			CLIType:     a.CLIType,
			Order:       a.Order,
		})
		return err

	case parser.UpdateAgentAction:
		_, err := e.agents.UpdateAgent(ctx, a.AgentID, agentservice.UpdateAgentInput{
			Name:        a.Name,
			Instruction: a.Instruction,
			CLIType:     a.CLIType,
			CLITypeSet:  a.CLITypeSet,
			Order:       a.Order,
		})
		return err

	case parser.DeleteAgentAction:
		return e.agents.DeleteAgent(ctx, a.AgentID)

	case parser.ReorderAgentsAction:
		return e.agents.ReorderAgents(ctx, workspace.ID, a.AgentIDs)

	case parser.UpdateWorkspaceAction:
		_, err := e.workspaces.UpdateWorkspace(ctx, workspace.ID, workspaceservice.UpdateWorkspaceInput{
			Title:            a.Title,
			Description:      a.Description,
			WorkingDirPath:   a.WorkingDirectory,
			NotifyOnError:    a.NotifyOnError,
			NotifyOnInReview: a.NotifyOnInReview,
		})
		return err

	case parser.RenameChatAction:
		if !canRename {
			return fmt.Errorf("%s", actionSkipped)
		}
		if err := e.repo.UpdateChatTitle(ctx, chat.ID, a.Title); err != nil {
			return err
		}
		chat.Title = a.Title
		return nil

	default:
		return fmt.Errorf("unsupported action %s", action.ActionType())
	}
}

// failureSummary builds the trailing system message, excluding skipped
// actions. Returns "" when nothing failed.
func failureSummary(results []ChatActionResult) string {
	var lines []string
	for _, r := range results {
		if r.Success || r.Error == actionSkipped {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", r.Action.ActionType(), r.Error))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Some actions failed:\n" + strings.Join(lines, "\n")
}

func (e *ChatExecutor) appendSystemMessage(ctx context.Context, chat *models.Chat, content string) {
	message := &models.ChatMessage{
		ChatID:  chat.ID,
		Role:    models.RoleSystem,
		Message: content,
	}
	if err := e.repo.CreateChatMessage(ctx, message); err != nil {
		e.logger.Error("failed to append system message", zap.Error(err))
		return
	}
	e.bus.Publish(bus.NewEvent(events.ChatMessageAdded, events.ChatMessageAddedPayload{
		WorkspaceID: chat.WorkspaceID,
		ChatID:      chat.ID,
		ChatTitle:   chat.Title,
		AuthorType:  string(models.RoleSystem),
	}))
}
