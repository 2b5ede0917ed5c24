package input

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/runner/cli"
)

func testWorkspace() *models.Workspace {
	return &models.Workspace{ID: "ws1", Title: "Project", Description: "Build things", WorkingDirMode: models.WorkingDirTemp}
}

func testAgent() *models.Agent {
	return &models.Agent{ID: "a1", WorkspaceID: "ws1", Name: "planner", Instruction: "Plan the work", CLIType: models.CLIClaude, Order: 1}
}

func TestFilePathContract(t *testing.T) {
	b := NewBuilder("/tmp/x")

	assert.Equal(t, filepath.Join("/tmp/x", "malamar_task_t1.md"), b.TaskInputPath("t1"))
	assert.Equal(t, filepath.Join("/tmp/x", "malamar_chat_c1.md"), b.ChatInputPath("c1"))
	assert.Equal(t, filepath.Join("/tmp/x", "malamar_chat_c1_context.md"), b.ChatContextPath("c1"))
}

func TestBuildTaskInputSections(t *testing.T) {
	b := NewBuilder(t.TempDir())
	agentID := "a2"
	doc := b.BuildTaskInput(TaskContext{
		Workspace: testWorkspace(),
		Agent:     testAgent(),
		Task:      &models.Task{ID: "t1", Summary: "Fix bug", Description: "It crashes"},
		Comments: []*models.TaskComment{
			{TaskID: "t1", AgentID: &agentID, Content: "on it"},
		},
		Logs: []*models.TaskLog{
			{TaskID: "t1", EventType: models.LogStatusChanged, ActorType: models.ActorSystem,
				Metadata: map[string]any{"newStatus": "in_progress"}},
		},
		AgentNames: map[string]string{"a2": "builder"},
	}, []string{"builder", "reviewer"})

	assert.Contains(t, doc.Content, "# Malamar Context")
	assert.Contains(t, doc.Content, "Build things")
	assert.Contains(t, doc.Content, "# Your Role\n\nPlan the work")
	assert.Contains(t, doc.Content, "# Other Agents in This Workflow")
	assert.Contains(t, doc.Content, "- builder\n- reviewer")
	assert.Contains(t, doc.Content, "## Summary\n\nFix bug")
	assert.Contains(t, doc.Content, "## Description\n\nIt crashes")
	assert.Contains(t, doc.Content, `"author":"builder"`)
	assert.Contains(t, doc.Content, `"event_type":"status_changed"`)
	assert.Contains(t, doc.Content, "Write your response as JSON to: "+doc.OutputPath)

	base := filepath.Base(doc.OutputPath)
	require.True(t, strings.HasPrefix(base, "malamar_output_"))
	require.True(t, strings.HasSuffix(base, ".json"))
	id := strings.TrimSuffix(strings.TrimPrefix(base, "malamar_output_"), ".json")
	assert.Len(t, id, 21)
}

func TestBuildTaskInputEmptyPlaceholders(t *testing.T) {
	b := NewBuilder(t.TempDir())
	doc := b.BuildTaskInput(TaskContext{
		Workspace: testWorkspace(),
		Agent:     testAgent(),
		Task:      &models.Task{ID: "t1", Summary: "Fix bug"},
	}, nil)

	assert.Contains(t, doc.Content, "_No comments yet._")
	assert.Contains(t, doc.Content, "_No activity yet._")
	assert.NotContains(t, doc.Content, "# Other Agents in This Workflow")
	assert.NotContains(t, doc.Content, "## Description")
}

func TestBuildTaskInputFreshOutputPaths(t *testing.T) {
	b := NewBuilder(t.TempDir())
	tctx := TaskContext{Workspace: testWorkspace(), Agent: testAgent(), Task: &models.Task{ID: "t1", Summary: "s"}}

	first := b.BuildTaskInput(tctx, nil)
	second := b.BuildTaskInput(tctx, nil)
	assert.NotEqual(t, first.OutputPath, second.OutputPath)
}

func TestBuildChatInputSections(t *testing.T) {
	b := NewBuilder(t.TempDir())
	chat := &models.Chat{ID: "c1", WorkspaceID: "ws1", Title: "Help"}
	doc := b.BuildChatInput(ChatContext{
		Workspace: testWorkspace(),
		Chat:      chat,
		Agent:     nil,
		Messages: []*models.ChatMessage{
			{ChatID: "c1", Role: models.RoleUser, Message: "hi"},
			{ChatID: "c1", Role: models.RoleAgent, Message: "hello"},
		},
	})

	assert.Contains(t, doc.Content, "# Malamar Chat Context")
	assert.Contains(t, doc.Content, "- Chat ID: c1")
	assert.Contains(t, doc.Content, "- Agent: Malamar")
	assert.Contains(t, doc.Content, `"role":"user"`)
	assert.Contains(t, doc.Content, `"role":"agent"`)
	assert.Contains(t, doc.Content, b.ChatContextPath("c1"))
	assert.Contains(t, doc.Content, "Write your response as JSON to: "+doc.OutputPath)
	assert.Contains(t, filepath.Base(doc.OutputPath), "malamar_chat_output_")
}

func TestBuildChatInputNoMessages(t *testing.T) {
	b := NewBuilder(t.TempDir())
	doc := b.BuildChatInput(ChatContext{
		Workspace: testWorkspace(),
		Chat:      &models.Chat{ID: "c1", Title: "t"},
		Agent:     testAgent(),
	})

	assert.Contains(t, doc.Content, "_No messages yet._")
	assert.Contains(t, doc.Content, "- Agent: planner")
	assert.Contains(t, doc.Content, "Plan the work")
}

func TestBuildChatContextHealthIndicators(t *testing.T) {
	b := NewBuilder(t.TempDir())
	content := b.BuildChatContext(WorkspaceContext{
		Workspace: testWorkspace(),
		Agents:    []*models.Agent{testAgent()},
		Health: map[models.CLIType]cli.HealthStatus{
			models.CLIClaude: {Status: cli.HealthHealthy, Version: "1.0"},
			models.CLIGemini: {Status: cli.HealthNotFound},
		},
	})

	assert.Contains(t, content, "- claude: ✓")
	assert.Contains(t, content, "- gemini: ✗")
	assert.Contains(t, content, "- codex: ?")
	assert.Contains(t, content, "- opencode: ?")
	assert.Contains(t, content, "## planner (id: a1, cli: claude)")
}
