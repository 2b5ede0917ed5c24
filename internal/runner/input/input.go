// Package input composes the markdown documents handed to CLI subprocesses
// and derives the file paths of the invocation contract.
package input

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/malamar-dev/malamar/internal/common/stringutil"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/runner/cli"
)

// Document is a rendered input plus the output path the CLI must write to.
type Document struct {
	Content    string
	OutputPath string
}

// TaskContext carries everything the task input document renders.
type TaskContext struct {
	Workspace *models.Workspace
	Agent     *models.Agent
	Task      *models.Task
	Comments  []*models.TaskComment
	Logs      []*models.TaskLog
	// AgentNames resolves comment agent ids to display names.
	AgentNames map[string]string
}

// ChatContext carries everything the chat input document renders.
type ChatContext struct {
	Workspace *models.Workspace
	Chat      *models.Chat
	Agent     *models.Agent // nil for the built-in management agent
	Messages  []*models.ChatMessage
}

// WorkspaceContext carries everything the workspace context document renders.
type WorkspaceContext struct {
	Workspace *models.Workspace
	Agents    []*models.Agent
	Health    map[models.CLIType]cli.HealthStatus
}

// Builder renders input documents rooted at one temp directory.
type Builder struct {
	tempDir string
}

// NewBuilder creates a builder writing under tempDir.
func NewBuilder(tempDir string) *Builder {
	return &Builder{tempDir: tempDir}
}

// TaskInputPath is the fixed per-task input file location.
func (b *Builder) TaskInputPath(taskID string) string {
	return filepath.Join(b.tempDir, fmt.Sprintf("malamar_task_%s.md", taskID))
}

// ChatInputPath is the fixed per-chat input file location.
func (b *Builder) ChatInputPath(chatID string) string {
	return filepath.Join(b.tempDir, fmt.Sprintf("malamar_chat_%s.md", chatID))
}

// ChatContextPath is the fixed per-chat workspace context file location.
func (b *Builder) ChatContextPath(chatID string) string {
	return filepath.Join(b.tempDir, fmt.Sprintf("malamar_chat_%s_context.md", chatID))
}

func (b *Builder) taskOutputPath() string {
	return filepath.Join(b.tempDir, fmt.Sprintf("malamar_output_%s.json", stringutil.RandomID()))
}

func (b *Builder) chatOutputPath() string {
	return filepath.Join(b.tempDir, fmt.Sprintf("malamar_chat_output_%s.json", stringutil.RandomID()))
}

// BuildTaskInput renders the task input document and allocates a fresh output
// path for this invocation.
func (b *Builder) BuildTaskInput(tctx TaskContext, otherAgentNames []string) Document {
	outputPath := b.taskOutputPath()
	var sb strings.Builder

	sb.WriteString("# Malamar Context\n\n")
	sb.WriteString("You are an agent in a Malamar workspace. Workspaces route tasks through an ordered list of agents; each agent reads the task below and responds with a JSON action list.\n")
	if tctx.Workspace.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(tctx.Workspace.Description)
		sb.WriteString("\n")
	}

	sb.WriteString("\n# Your Role\n\n")
	sb.WriteString(tctx.Agent.Instruction)
	sb.WriteString("\n")

	if len(otherAgentNames) > 0 {
		sb.WriteString("\n# Other Agents in This Workflow\n\n")
		for _, name := range otherAgentNames {
			sb.WriteString("- ")
			sb.WriteString(name)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n# Task\n\n")
	sb.WriteString("## Summary\n\n")
	sb.WriteString(tctx.Task.Summary)
	sb.WriteString("\n")
	if tctx.Task.Description != "" {
		sb.WriteString("\n## Description\n\n")
		sb.WriteString(tctx.Task.Description)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Comments\n\n")
	if len(tctx.Comments) == 0 {
		sb.WriteString("_No comments yet._\n")
	} else {
		sb.WriteString("```jsonl\n")
		for _, comment := range tctx.Comments {
			sb.WriteString(jsonLine(map[string]any{
				"author":     commentAuthor(comment, tctx.AgentNames),
				"content":    comment.Content,
				"created_at": comment.CreatedAt.Format(time.RFC3339),
			}))
		}
		sb.WriteString("```\n")
	}

	sb.WriteString("\n## Activity Log\n\n")
	if len(tctx.Logs) == 0 {
		sb.WriteString("_No activity yet._\n")
	} else {
		sb.WriteString("```jsonl\n")
		for _, log := range tctx.Logs {
			line := map[string]any{
				"event_type": log.EventType,
				"actor_type": string(log.ActorType),
				"created_at": log.CreatedAt.Format(time.RFC3339),
			}
			if log.ActorID != nil {
				line["actor_id"] = *log.ActorID
			}
			if len(log.Metadata) > 0 {
				line["metadata"] = log.Metadata
			}
			sb.WriteString(jsonLine(line))
		}
		sb.WriteString("```\n")
	}

	sb.WriteString("\n# Output Instruction\n\n")
	sb.WriteString("Write your response as JSON to: ")
	sb.WriteString(outputPath)
	sb.WriteString("\n")

	return Document{Content: sb.String(), OutputPath: outputPath}
}

// BuildChatInput renders the chat input document and allocates a fresh output
// path for this invocation.
func (b *Builder) BuildChatInput(cctx ChatContext) Document {
	outputPath := b.chatOutputPath()
	var sb strings.Builder

	sb.WriteString("# Malamar Chat Context\n\n")
	sb.WriteString("You are chatting with a user inside a Malamar workspace. Respond with JSON containing an optional message and optional actions.\n")
	if cctx.Agent != nil && cctx.Agent.Instruction != "" {
		sb.WriteString("\n")
		sb.WriteString(cctx.Agent.Instruction)
		sb.WriteString("\n")
	}

	sb.WriteString("\n# Chat Metadata\n\n")
	sb.WriteString("- Chat ID: ")
	sb.WriteString(cctx.Chat.ID)
	sb.WriteString("\n- Workspace: ")
	sb.WriteString(cctx.Workspace.Title)
	sb.WriteString("\n- Agent: ")
	sb.WriteString(chatAgentName(cctx.Agent))
	sb.WriteString("\n")

	sb.WriteString("\n# Conversation History\n\n")
	if len(cctx.Messages) == 0 {
		sb.WriteString("_No messages yet._\n")
	} else {
		sb.WriteString("```jsonl\n")
		for _, message := range cctx.Messages {
			sb.WriteString(jsonLine(map[string]any{
				"role":       string(message.Role),
				"content":    message.Message,
				"created_at": message.CreatedAt.Format(time.RFC3339),
			}))
		}
		sb.WriteString("```\n")
	}

	sb.WriteString("\n# Additional Context\n\n")
	sb.WriteString("Workspace details, agents, and CLI availability are in: ")
	sb.WriteString(b.ChatContextPath(cctx.Chat.ID))
	sb.WriteString("\n")

	sb.WriteString("\n# Output Instruction\n\n")
	sb.WriteString("Write your response as JSON to: ")
	sb.WriteString(outputPath)
	sb.WriteString("\n")

	return Document{Content: sb.String(), OutputPath: outputPath}
}

// BuildChatContext renders the workspace context document agents read on demand.
func (b *Builder) BuildChatContext(wctx WorkspaceContext) string {
	var sb strings.Builder

	sb.WriteString("# Workspace\n\n")
	sb.WriteString("- Title: ")
	sb.WriteString(wctx.Workspace.Title)
	sb.WriteString("\n")
	if wctx.Workspace.Description != "" {
		sb.WriteString("- Description: ")
		sb.WriteString(wctx.Workspace.Description)
		sb.WriteString("\n")
	}
	sb.WriteString("- Working directory mode: ")
	sb.WriteString(string(wctx.Workspace.WorkingDirMode))
	sb.WriteString("\n")
	if wctx.Workspace.WorkingDirPath != "" {
		sb.WriteString("- Working directory: ")
		sb.WriteString(wctx.Workspace.WorkingDirPath)
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("- Notifications: on error %s, on review %s\n",
		onOff(wctx.Workspace.NotifyOnError), onOff(wctx.Workspace.NotifyOnInReview)))

	sb.WriteString("\n# Agents\n\n")
	if len(wctx.Agents) == 0 {
		sb.WriteString("_No agents configured._\n")
	} else {
		for _, agent := range wctx.Agents {
			sb.WriteString(fmt.Sprintf("## %s (id: %s, cli: %s)\n\n", agent.Name, agent.ID, agent.CLIType))
			sb.WriteString(agent.Instruction)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("# CLI Availability\n\n")
	for _, kind := range models.AllCLITypes {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", kind, healthIndicator(wctx.Health, kind)))
	}

	return sb.String()
}

func commentAuthor(comment *models.TaskComment, agentNames map[string]string) string {
	switch {
	case comment.AgentID != nil:
		if name, ok := agentNames[*comment.AgentID]; ok {
			return name
		}
		return "agent"
	case comment.UserID != nil:
		return "user"
	default:
		return "system"
	}
}

func chatAgentName(agent *models.Agent) string {
	if agent == nil {
		return "Malamar"
	}
	return agent.Name
}

func healthIndicator(health map[models.CLIType]cli.HealthStatus, kind models.CLIType) string {
	status, ok := health[kind]
	if !ok {
		return "?"
	}
	if status.Status == cli.HealthHealthy {
		return "✓"
	}
	return "✗"
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func jsonLine(value map[string]any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return "{}\n"
	}
	return string(data) + "\n"
}
