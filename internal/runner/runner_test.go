package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentservice "github.com/malamar-dev/malamar/internal/agent/service"
	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/db"
	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository/sqlite"
	"github.com/malamar-dev/malamar/internal/runner/cli"
	"github.com/malamar-dev/malamar/internal/runner/executor"
	"github.com/malamar-dev/malamar/internal/runner/registry"
	workspaceservice "github.com/malamar-dev/malamar/internal/workspace/service"
)

// scriptedAdapter plays back canned CLI outcomes. Each Invoke consumes the
// next script entry; an entry with output writes it to the requested output
// path before reporting success.
type scriptedAdapter struct {
	mu      sync.Mutex
	script  []scriptStep
	invoked int
}

type scriptStep struct {
	output string
	result cli.Result
}

func succeed(output string) scriptStep {
	return scriptStep{output: output, result: cli.Result{Success: true}}
}

func crash(exitCode int, stderr string) scriptStep {
	return scriptStep{result: cli.Result{Success: false, ExitCode: exitCode, Stderr: stderr}}
}

func (a *scriptedAdapter) Kind() models.CLIType { return models.CLIClaude }
func (a *scriptedAdapter) Available() bool      { return true }

func (a *scriptedAdapter) HealthCheck(ctx context.Context) cli.HealthStatus {
	return cli.HealthStatus{Status: cli.HealthHealthy, Version: "test"}
}

func (a *scriptedAdapter) Invoke(ctx context.Context, req cli.Request) (cli.Invocation, error) {
	a.mu.Lock()
	step := scriptStep{result: cli.Result{Success: true}}
	if len(a.script) > 0 {
		step = a.script[0]
		a.script = a.script[1:]
	}
	a.invoked++
	a.mu.Unlock()

	if step.result.Success && step.output != "" {
		if err := os.WriteFile(req.OutputPath, []byte(step.output), 0o644); err != nil {
			return nil, err
		}
	}
	return &scriptedInvocation{result: step.result}, nil
}

func (a *scriptedAdapter) invocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invoked
}

type scriptedInvocation struct {
	result cli.Result
}

func (i *scriptedInvocation) Kill() error      { return nil }
func (i *scriptedInvocation) Wait() cli.Result { return i.result }

type runnerFixture struct {
	runner    *Runner
	repo      *sqlite.Repository
	bus       *bus.MemoryEventBus
	adapter   *scriptedAdapter
	agents    *agentservice.Service
	workspace *models.Workspace
}

func setupRunner(t *testing.T) *runnerFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	repo, err := sqlite.New(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	log := logger.NewNop()
	eventBus := bus.NewMemoryEventBus(log)
	agents := agentservice.New(repo, log)
	workspaces := workspaceservice.New(repo, log)

	adapter := &scriptedAdapter{}
	clis := cli.NewSet(log)
	clis.SetOverride(adapter)

	taskExec := executor.NewTaskExecutor(repo, eventBus, log)
	chatExec := executor.NewChatExecutor(repo, agents, workspaces, eventBus, log)

	r := New(Config{PollInterval: 10 * time.Millisecond, TempDir: t.TempDir()},
		repo, eventBus, registry.New(log), clis, taskExec, chatExec, log)

	ws := &models.Workspace{Title: "W"}
	require.NoError(t, repo.CreateWorkspace(context.Background(), ws))

	return &runnerFixture{
		runner:    r,
		repo:      repo,
		bus:       eventBus,
		adapter:   adapter,
		agents:    agents,
		workspace: ws,
	}
}

func (f *runnerFixture) createAgent(t *testing.T, name string) *models.Agent {
	t.Helper()
	agent, err := f.agents.CreateAgent(context.Background(), f.workspace.ID, agentservice.CreateAgentInput{
		Name: name, Instruction: "work",
	})
	require.NoError(t, err)
	return agent
}

// enqueueClaimed creates a task, queues it, and claims the row the way the
// scheduler would before handing it to a worker.
func (f *runnerFixture) enqueueClaimed(t *testing.T, summary string) (*models.Task, *models.TaskQueueItem) {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{WorkspaceID: f.workspace.ID, Summary: summary}
	require.NoError(t, f.repo.CreateTask(ctx, task))

	item := &models.TaskQueueItem{TaskID: task.ID, WorkspaceID: f.workspace.ID}
	require.NoError(t, f.repo.EnqueueTask(ctx, item))
	claimed, err := f.repo.ClaimTaskQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	return task, item
}

func (f *runnerFixture) queueStatus(t *testing.T, itemID string) models.QueueStatus {
	t.Helper()
	item, err := f.repo.GetTaskQueueItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.Status
}

func TestTaskPipelineCompletesTask(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()
	f.createAgent(t, "dev")
	task, item := f.enqueueClaimed(t, "Fix bug")

	var started, finished int
	f.bus.Subscribe(events.AgentExecutionStarted, func(e *bus.Event) { started++ })
	f.bus.Subscribe(events.AgentExecutionFinished, func(e *bus.Event) { finished++ })

	f.adapter.script = []scriptStep{succeed(`{"actions":[
		{"type":"comment","content":"done, please review"},
		{"type":"change_status","status":"in_review"}
	]}`)}

	f.runner.processTask(ctx, item)

	stored, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInReview, stored.Status)

	comments, err := f.repo.ListTaskComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "done, please review", comments[0].Content)

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, finished)
	assert.Equal(t, models.QueueStatusCompleted, f.queueStatus(t, item.ID))

	logs, err := f.repo.ListTaskLogs(ctx, task.ID)
	require.NoError(t, err)
	var types []string
	for _, l := range logs {
		types = append(types, l.EventType)
	}
	assert.Contains(t, types, models.LogAgentStarted)
	assert.Contains(t, types, models.LogAgentFinished)

	finishedLog := findTaskLog(t, logs, models.LogAgentFinished)
	assert.Equal(t, "dev", finishedLog.Metadata["agentName"])
	assert.Equal(t, true, finishedLog.Metadata["success"])
	assert.NotContains(t, finishedLog.Metadata, "error")
}

func findTaskLog(t *testing.T, logs []*models.TaskLog, eventType string) *models.TaskLog {
	t.Helper()
	for _, l := range logs {
		if l.EventType == eventType {
			return l
		}
	}
	t.Fatalf("no %s log entry", eventType)
	return nil
}

func TestTaskPipelineAllSkipMovesToReview(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()
	f.createAgent(t, "a1")
	f.createAgent(t, "a2")
	task, item := f.enqueueClaimed(t, "Nothing to do")

	f.adapter.script = []scriptStep{
		succeed(`{"actions":[{"type":"skip"}]}`),
		succeed(`{"actions":[{"type":"skip"}]}`),
	}

	f.runner.processTask(ctx, item)

	stored, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInReview, stored.Status)
	assert.Equal(t, models.QueueStatusCompleted, f.queueStatus(t, item.ID))
	assert.Equal(t, 2, f.adapter.invocations())
}

func TestTaskPipelineCommentRestartsPipeline(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()
	f.createAgent(t, "solo")
	task, item := f.enqueueClaimed(t, "Iterate")

	// First pass comments, which restarts the pipeline; second pass skips.
	f.adapter.script = []scriptStep{
		succeed(`{"actions":[{"type":"comment","content":"first pass"}]}`),
		succeed(`{"actions":[{"type":"skip"}]}`),
	}

	f.runner.processTask(ctx, item)

	assert.Equal(t, 2, f.adapter.invocations())
	stored, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInReview, stored.Status)
}

func TestTaskFailureAddsSystemComment(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()
	f.createAgent(t, "dev")
	task, item := f.enqueueClaimed(t, "Doomed")

	var errPayload events.TaskErrorOccurredPayload
	f.bus.Subscribe(events.TaskErrorOccurred, func(e *bus.Event) {
		errPayload = e.Data.(events.TaskErrorOccurredPayload)
	})

	f.adapter.script = []scriptStep{crash(2, "boom")}

	f.runner.processTask(ctx, item)

	assert.Equal(t, models.QueueStatusFailed, f.queueStatus(t, item.ID))

	comments, err := f.repo.ListTaskComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, comments[0].IsSystem())
	assert.Equal(t, "[dev] Error: CLI exited with code 2. boom", comments[0].Content)
	assert.Equal(t, "CLI exited with code 2. boom", errPayload.ErrorMessage)

	logs, err := f.repo.ListTaskLogs(ctx, task.ID)
	require.NoError(t, err)
	finished := findTaskLog(t, logs, models.LogAgentFinished)
	assert.Equal(t, false, finished.Metadata["success"])
	assert.Equal(t, "CLI exited with code 2. boom", finished.Metadata["error"])
}

func TestAgentlessWorkspaceMovesTaskToReview(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()
	task, item := f.enqueueClaimed(t, "No agents")

	f.runner.processTask(ctx, item)

	stored, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInReview, stored.Status)
	assert.Equal(t, models.QueueStatusCompleted, f.queueStatus(t, item.ID))
	assert.Zero(t, f.adapter.invocations())
}

func TestPickNextTaskQueueItemRanking(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	newQueued := func(summary string, priority bool) (*models.Task, *models.TaskQueueItem) {
		task := &models.Task{WorkspaceID: f.workspace.ID, Summary: summary}
		require.NoError(t, f.repo.CreateTask(ctx, task))
		item := &models.TaskQueueItem{TaskID: task.ID, WorkspaceID: f.workspace.ID, IsPriority: priority}
		require.NoError(t, f.repo.EnqueueTask(ctx, item))
		return task, item
	}

	_, plain := newQueued("plain", false)
	urgentTask, urgent := newQueued("urgent", true)

	picked, err := f.runner.pickNextTaskQueueItem(ctx, f.workspace.ID)
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, picked.ID, "priority rows win")

	// Finish the urgent run, then re-queue its task. The scheduler prefers
	// continuing the task whose run most recently finished over other rows.
	claimed, err := f.repo.ClaimTaskQueueItem(ctx, urgent.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.repo.UpdateTaskQueueStatus(ctx, urgent.ID, models.QueueStatusCompleted))

	requeued := &models.TaskQueueItem{TaskID: urgentTask.ID, WorkspaceID: f.workspace.ID}
	require.NoError(t, f.repo.EnqueueTask(ctx, requeued))

	picked, err = f.runner.pickNextTaskQueueItem(ctx, f.workspace.ID)
	require.NoError(t, err)
	assert.Equal(t, requeued.ID, picked.ID, "continuation beats other queued rows")

	// With the continuation gone, the remaining row is picked.
	require.NoError(t, f.repo.UpdateTaskQueueStatus(ctx, requeued.ID, models.QueueStatusFailed))
	picked, err = f.runner.pickNextTaskQueueItem(ctx, f.workspace.ID)
	require.NoError(t, err)
	assert.Equal(t, plain.ID, picked.ID)
}

func TestChatTurnStoresMessageAndRenames(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	chat := &models.Chat{WorkspaceID: f.workspace.ID, Title: "New chat"}
	require.NoError(t, f.repo.CreateChat(ctx, chat))
	require.NoError(t, f.repo.CreateChatMessage(ctx, &models.ChatMessage{
		ChatID: chat.ID, Role: models.RoleUser, Message: "hello",
	}))

	item := &models.ChatQueueItem{ChatID: chat.ID, WorkspaceID: f.workspace.ID}
	require.NoError(t, f.repo.EnqueueChat(ctx, item))
	claimed, err := f.repo.ClaimChatQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	var startedPayload, finishedPayload events.ChatProcessingPayload
	f.bus.Subscribe(events.ChatProcessingStarted, func(e *bus.Event) {
		startedPayload = e.Data.(events.ChatProcessingPayload)
	})
	f.bus.Subscribe(events.ChatProcessingFinished, func(e *bus.Event) {
		finishedPayload = e.Data.(events.ChatProcessingPayload)
	})

	f.adapter.script = []scriptStep{succeed(
		`{"message":"Hi there","actions":[{"type":"rename_chat","title":"Greeting"}]}`,
	)}

	f.runner.processChat(ctx, item)

	messages, err := f.repo.ListChatMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleAgent, messages[1].Role)
	assert.Equal(t, "Hi there", messages[1].Message)
	require.NotNil(t, messages[1].Actions)
	assert.Contains(t, *messages[1].Actions, "rename_chat")

	stored, err := f.repo.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting", stored.Title)

	assert.Equal(t, "Malamar", startedPayload.AgentName)
	assert.Equal(t, "New chat", startedPayload.ChatTitle)
	assert.Equal(t, chat.ID, finishedPayload.ChatID)
	assert.Equal(t, "Greeting", finishedPayload.ChatTitle, "finished event carries the renamed title")

	queued, err := f.repo.HasActiveChatQueueItem(ctx, chat.ID)
	require.NoError(t, err)
	assert.False(t, queued, "queue row must be finalised")
}

func TestChatCLIFailureWritesSystemMessage(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	chat := &models.Chat{WorkspaceID: f.workspace.ID, Title: "New chat"}
	require.NoError(t, f.repo.CreateChat(ctx, chat))
	item := &models.ChatQueueItem{ChatID: chat.ID, WorkspaceID: f.workspace.ID}
	require.NoError(t, f.repo.EnqueueChat(ctx, item))
	claimed, err := f.repo.ClaimChatQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	f.adapter.script = []scriptStep{crash(1, "auth expired")}

	f.runner.processChat(ctx, item)

	messages, err := f.repo.ListChatMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.RoleSystem, messages[0].Role)
	assert.Equal(t, "CLI exited with code 1. auth expired", messages[0].Message)
}

func TestChatRenameRefusedAfterFirstResponse(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	chat := &models.Chat{WorkspaceID: f.workspace.ID, Title: "Settled"}
	require.NoError(t, f.repo.CreateChat(ctx, chat))
	require.NoError(t, f.repo.CreateChatMessage(ctx, &models.ChatMessage{
		ChatID: chat.ID, Role: models.RoleAgent, Message: "earlier reply",
	}))

	item := &models.ChatQueueItem{ChatID: chat.ID, WorkspaceID: f.workspace.ID}
	require.NoError(t, f.repo.EnqueueChat(ctx, item))
	claimed, err := f.repo.ClaimChatQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	f.adapter.script = []scriptStep{succeed(
		`{"message":"Renaming","actions":[{"type":"rename_chat","title":"Hijacked"}]}`,
	)}

	f.runner.processChat(ctx, item)

	stored, err := f.repo.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Settled", stored.Title)
}

func TestWorkspaceAndChatReservation(t *testing.T) {
	f := setupRunner(t)

	require.True(t, f.runner.tryReserveWorkspace("ws1"))
	assert.False(t, f.runner.tryReserveWorkspace("ws1"), "one worker per workspace")
	require.True(t, f.runner.tryReserveWorkspace("ws2"))
	f.runner.releaseWorkspace("ws1")
	assert.True(t, f.runner.tryReserveWorkspace("ws1"))

	require.True(t, f.runner.tryReserveChat("c1"))
	assert.False(t, f.runner.tryReserveChat("c1"), "one worker per chat")
	f.runner.releaseChat("c1")
	assert.True(t, f.runner.tryReserveChat("c1"))
}

func TestClaimIsAtMostOnce(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()
	_, item := f.enqueueClaimed(t, "claimed once")

	// Already claimed by enqueueClaimed; a second claim must lose.
	claimed, err := f.repo.ClaimTaskQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunnerStartRecoversAndPolls(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()
	f.createAgent(t, "dev")

	task := &models.Task{WorkspaceID: f.workspace.ID, Summary: "Stranded"}
	require.NoError(t, f.repo.CreateTask(ctx, task))
	item := &models.TaskQueueItem{TaskID: task.ID, WorkspaceID: f.workspace.ID}
	require.NoError(t, f.repo.EnqueueTask(ctx, item))

	// Simulate a crash mid-run: the row was claimed but never finished.
	claimed, err := f.repo.ClaimTaskQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	f.adapter.script = []scriptStep{succeed(`{"actions":[{"type":"change_status","status":"done"}]}`)}

	require.NoError(t, f.runner.Start(ctx))
	defer f.runner.Stop()

	assert.Eventually(t, func() bool {
		stored, err := f.repo.GetTask(ctx, task.ID)
		return err == nil && stored.Status == models.TaskStatusDone
	}, 5*time.Second, 10*time.Millisecond)

	f.runner.Stop()
	assert.False(t, f.runner.IsRunning())
}
