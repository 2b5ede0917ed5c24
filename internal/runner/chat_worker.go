package runner

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
	"github.com/malamar-dev/malamar/internal/runner/cli"
	"github.com/malamar-dev/malamar/internal/runner/input"
	"github.com/malamar-dev/malamar/internal/runner/parser"
)

// processChat runs one claimed chat queue item: a single CLI turn over the
// conversation, then any returned actions.
func (r *Runner) processChat(ctx context.Context, item *models.ChatQueueItem) {
	log := r.logger.WithFields(zap.String("chat_id", item.ChatID), zap.String("queue_id", item.ID))

	finalize := func(status models.QueueStatus) {
		if err := r.repo.UpdateChatQueueStatus(ctx, item.ID, status); err != nil {
			log.Error("failed to finalise chat queue row", zap.Error(err))
		}
	}

	chat, err := r.repo.GetChat(ctx, item.ChatID)
	if err != nil {
		log.Warn("chat vanished before processing", zap.Error(err))
		finalize(models.QueueStatusFailed)
		return
	}
	workspace, err := r.repo.GetWorkspace(ctx, chat.WorkspaceID)
	if err != nil {
		log.Warn("workspace vanished before processing", zap.Error(err))
		finalize(models.QueueStatusFailed)
		return
	}

	// A dangling agent reference degrades the chat to the management agent
	// rather than failing the turn.
	var agent *models.Agent
	if chat.AgentID != nil {
		agent, err = r.repo.GetAgent(ctx, *chat.AgentID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Error("failed to load chat agent", zap.Error(err))
			finalize(models.QueueStatusFailed)
			return
		}
	}

	kind, ok := r.resolveChatCLI(ctx, chat, agent)
	if !ok {
		r.appendChatSystemMessage(ctx, chat, "No CLI is available to process this chat. Install one of: claude, gemini, codex, opencode.")
		finalize(models.QueueStatusFailed)
		return
	}

	agentName := "Malamar"
	if agent != nil {
		agentName = agent.Name
	}
	processingPayload := func() events.ChatProcessingPayload {
		// Built at publish time: a rename_chat action changes chat.Title
		// between the started and finished events.
		return events.ChatProcessingPayload{
			WorkspaceID: chat.WorkspaceID,
			ChatID:      chat.ID,
			ChatTitle:   chat.Title,
			AgentName:   agentName,
		}
	}
	r.bus.Publish(bus.NewEvent(events.ChatProcessingStarted, processingPayload()))
	finished := func() {
		r.bus.Publish(bus.NewEvent(events.ChatProcessingFinished, processingPayload()))
	}

	messages, err := r.repo.ListChatMessages(ctx, chat.ID)
	if err != nil {
		log.Error("failed to load messages", zap.Error(err))
		finished()
		finalize(models.QueueStatusFailed)
		return
	}

	// Captured before this turn writes anything: a chat may only be renamed
	// by its first agent response.
	agentMessageCount, err := r.repo.CountAgentChatMessages(ctx, chat.ID)
	if err != nil {
		log.Error("failed to count agent messages", zap.Error(err))
		finished()
		finalize(models.QueueStatusFailed)
		return
	}
	canRename := agentMessageCount == 0

	output, runErr := r.invokeChatAgent(ctx, chat, workspace, agent, messages, kind)
	if runErr != nil {
		r.appendChatSystemMessage(ctx, chat, runErr.Error())
		finished()
		finalize(models.QueueStatusFailed)
		return
	}

	if output.Message != "" {
		message := &models.ChatMessage{
			ChatID:  chat.ID,
			Role:    models.RoleAgent,
			Message: output.Message,
		}
		if output.RawActions != "" {
			message.Actions = &output.RawActions
		}
		if err := r.repo.CreateChatMessage(ctx, message); err != nil {
			log.Error("failed to persist agent message", zap.Error(err))
			finished()
			finalize(models.QueueStatusFailed)
			return
		}
		r.bus.Publish(bus.NewEvent(events.ChatMessageAdded, events.ChatMessageAddedPayload{
			WorkspaceID: chat.WorkspaceID,
			ChatID:      chat.ID,
			ChatTitle:   chat.Title,
			AuthorType:  string(models.RoleAgent),
		}))
	}

	if len(output.Actions) > 0 {
		r.chatExec.Execute(ctx, chat, workspace, output.Actions, canRename)
	}

	finished()
	finalize(models.QueueStatusCompleted)
}

// resolveChatCLI picks the CLI kind for the turn: the chat's pin, then the
// bound agent's kind, then the first healthy installed CLI.
func (r *Runner) resolveChatCLI(ctx context.Context, chat *models.Chat, agent *models.Agent) (models.CLIType, bool) {
	if chat.CLIType != nil {
		return *chat.CLIType, r.clis.Available(*chat.CLIType)
	}
	if agent != nil {
		return agent.CLIType, r.clis.Available(agent.CLIType)
	}
	return r.clis.FirstHealthy(ctx)
}

// invokeChatAgent renders the chat input and workspace context documents,
// runs the CLI, and parses its output file. Error text is user-facing.
func (r *Runner) invokeChatAgent(ctx context.Context, chat *models.Chat, workspace *models.Workspace, agent *models.Agent, messages []*models.ChatMessage, kind models.CLIType) (*parser.ChatOutput, error) {
	adapter := r.clis.For(kind)
	if adapter == nil {
		return nil, errors.New("no adapter for CLI " + string(kind))
	}

	agents, err := r.repo.ListAgents(ctx, workspace.ID)
	if err != nil {
		return nil, errors.New("failed to load workspace agents")
	}

	doc := r.inputs.BuildChatInput(input.ChatContext{
		Workspace: workspace,
		Chat:      chat,
		Agent:     agent,
		Messages:  messages,
	})
	contextDoc := r.inputs.BuildChatContext(input.WorkspaceContext{
		Workspace: workspace,
		Agents:    agents,
		Health:    r.clis.HealthSnapshot(),
	})

	inputPath := r.inputs.ChatInputPath(chat.ID)
	contextPath := r.inputs.ChatContextPath(chat.ID)
	if err := os.WriteFile(inputPath, []byte(doc.Content), 0o644); err != nil {
		return nil, errors.New("failed to write chat input file")
	}
	if err := os.WriteFile(contextPath, []byte(contextDoc), 0o644); err != nil {
		return nil, errors.New("failed to write chat context file")
	}
	defer r.cleanupFiles(inputPath, contextPath, doc.OutputPath)

	invocation, err := adapter.Invoke(ctx, cli.Request{
		InputPath:  inputPath,
		OutputPath: doc.OutputPath,
		WorkingDir: r.workingDir(workspace),
		Kind:       cli.KindChat,
	})
	if err != nil {
		return nil, errors.New("failed to start CLI: " + err.Error())
	}

	r.registry.TrackChat(chat.ID, workspace.ID, invocation)
	res := invocation.Wait()
	r.registry.UntrackChat(chat.ID)

	if !res.Success {
		return nil, errors.New(parser.GenerateErrorComment(res.ExitCode, res.Stderr))
	}

	return parser.ParseChatOutputFile(doc.OutputPath)
}

func (r *Runner) appendChatSystemMessage(ctx context.Context, chat *models.Chat, content string) {
	message := &models.ChatMessage{
		ChatID:  chat.ID,
		Role:    models.RoleSystem,
		Message: content,
	}
	if err := r.repo.CreateChatMessage(ctx, message); err != nil {
		r.logger.Error("failed to append chat system message",
			zap.String("chat_id", chat.ID),
			zap.Error(err),
		)
		return
	}
	r.bus.Publish(bus.NewEvent(events.ChatMessageAdded, events.ChatMessageAddedPayload{
		WorkspaceID: chat.WorkspaceID,
		ChatID:      chat.ID,
		ChatTitle:   chat.Title,
		AuthorType:  string(models.RoleSystem),
	}))
}
