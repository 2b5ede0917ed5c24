// Package runner drives the task and chat queues: it polls for queued work,
// claims rows, and supervises the CLI subprocesses that process them.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
	"github.com/malamar-dev/malamar/internal/runner/cli"
	"github.com/malamar-dev/malamar/internal/runner/executor"
	"github.com/malamar-dev/malamar/internal/runner/input"
	"github.com/malamar-dev/malamar/internal/runner/registry"
)

// shutdownQuiesce is how long Stop waits for unwinding workers after the
// kill sweep.
const shutdownQuiesce = time.Second

// Config holds the runner's tunables.
type Config struct {
	PollInterval time.Duration
	TempDir      string
}

// Runner owns the two polling loops and the per-workspace / per-chat worker
// serialization.
type Runner struct {
	cfg      Config
	repo     repository.Store
	bus      bus.EventBus
	registry *registry.Registry
	clis     *cli.Set
	inputs   *input.Builder
	taskExec *executor.TaskExecutor
	chatExec *executor.ChatExecutor
	logger   *logger.Logger

	mu                   sync.Mutex
	running              bool
	shuttingDown         bool
	stopCh               chan struct{}
	activeTaskWorkspaces map[string]struct{}
	activeChats          map[string]struct{}

	pollerWg sync.WaitGroup
	workerWg sync.WaitGroup
}

// New creates a runner.
func New(cfg Config, repo repository.Store, eventBus bus.EventBus, reg *registry.Registry, clis *cli.Set, taskExec *executor.TaskExecutor, chatExec *executor.ChatExecutor, log *logger.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Runner{
		cfg:                  cfg,
		repo:                 repo,
		bus:                  eventBus,
		registry:             reg,
		clis:                 clis,
		inputs:               input.NewBuilder(cfg.TempDir),
		taskExec:             taskExec,
		chatExec:             chatExec,
		logger:               log,
		activeTaskWorkspaces: make(map[string]struct{}),
		activeChats:          make(map[string]struct{}),
	}
}

// Registry exposes the subprocess registry for cancellation endpoints.
func (r *Runner) Registry() *registry.Registry {
	return r.registry
}

// Start recovers stranded queue rows, runs one synchronous poll, and launches
// the two polling loops. Idempotent while running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.shuttingDown = false
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	taskReset, err := r.repo.ResetInProgressTaskQueueItems(ctx)
	if err != nil {
		return err
	}
	chatReset, err := r.repo.ResetInProgressChatQueueItems(ctx)
	if err != nil {
		return err
	}
	if taskReset > 0 || chatReset > 0 {
		r.logger.Info("recovered stranded queue rows",
			zap.Int64("task_rows", taskReset),
			zap.Int64("chat_rows", chatReset),
		)
	}

	r.pollTasks()
	r.pollChats()

	r.pollerWg.Add(2)
	go r.pollLoop(stopCh, r.pollTasks)
	go r.pollLoop(stopCh, r.pollChats)

	r.logger.Info("runner started", zap.Duration("poll_interval", r.cfg.PollInterval))
	return nil
}

func (r *Runner) pollLoop(stopCh <-chan struct{}, poll func()) {
	defer r.pollerWg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			poll()
		}
	}
}

// Stop halts polling, kills live subprocesses, and waits briefly for workers
// to unwind. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.shuttingDown = true
	close(r.stopCh)
	r.mu.Unlock()

	r.pollerWg.Wait()
	r.registry.KillAll()

	done := make(chan struct{})
	go func() {
		r.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownQuiesce):
		r.logger.Warn("shutdown quiesce elapsed with workers still unwinding")
	}

	r.mu.Lock()
	r.running = false
	r.shuttingDown = false
	r.activeTaskWorkspaces = make(map[string]struct{})
	r.activeChats = make(map[string]struct{})
	r.mu.Unlock()

	r.logger.Info("runner stopped")
}

// IsRunning reports whether the polling loops are live.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// pollTasks scans for workspaces with queued task rows and spawns one worker
// per idle workspace.
func (r *Runner) pollTasks() {
	if r.isShuttingDown() {
		return
	}
	ctx := context.Background()

	workspaceIDs, err := r.repo.ListWorkspacesWithQueuedTasks(ctx)
	if err != nil {
		r.logger.Error("task poll failed", zap.Error(err))
		return
	}

	for _, workspaceID := range workspaceIDs {
		if !r.tryReserveWorkspace(workspaceID) {
			continue
		}

		item, err := r.pickNextTaskQueueItem(ctx, workspaceID)
		if err != nil {
			r.logger.Error("task pickup failed",
				zap.String("workspace_id", workspaceID),
				zap.Error(err),
			)
			r.releaseWorkspace(workspaceID)
			continue
		}
		if item == nil {
			r.releaseWorkspace(workspaceID)
			continue
		}

		claimed, err := r.repo.ClaimTaskQueueItem(ctx, item.ID)
		if err != nil || !claimed {
			if err != nil {
				r.logger.Error("task claim failed", zap.String("queue_id", item.ID), zap.Error(err))
			}
			r.releaseWorkspace(workspaceID)
			continue
		}

		r.workerWg.Add(1)
		go func(item *models.TaskQueueItem, workspaceID string) {
			defer r.workerWg.Done()
			defer r.releaseWorkspace(workspaceID)
			r.processTask(context.Background(), item)
		}(item, workspaceID)
	}
}

// pickNextTaskQueueItem ranks the workspace's queued rows: priority rows
// first, then the task whose pipeline most recently finished a run, then the
// most recently updated row.
func (r *Runner) pickNextTaskQueueItem(ctx context.Context, workspaceID string) (*models.TaskQueueItem, error) {
	items, err := r.repo.ListQueuedTaskItems(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	// Keep rows whose task still exists in a runnable status.
	runnable := items[:0]
	for _, item := range items {
		task, err := r.repo.GetTask(ctx, item.TaskID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.Status == models.TaskStatusTodo || task.Status == models.TaskStatusInProgress {
			runnable = append(runnable, item)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}

	for _, item := range runnable {
		if item.IsPriority {
			return item, nil
		}
	}

	lastTaskID, err := r.repo.LatestFinishedTaskID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if lastTaskID != "" {
		for _, item := range runnable {
			if item.TaskID == lastTaskID {
				return item, nil
			}
		}
	}

	// Rows arrive ordered by updated_at descending, so this is LIFO.
	return runnable[0], nil
}

// pollChats scans the global chat queue FIFO and spawns one worker per idle
// chat.
func (r *Runner) pollChats() {
	if r.isShuttingDown() {
		return
	}
	ctx := context.Background()

	items, err := r.repo.ListQueuedChatItems(ctx)
	if err != nil {
		r.logger.Error("chat poll failed", zap.Error(err))
		return
	}

	for _, item := range items {
		if !r.tryReserveChat(item.ChatID) {
			continue
		}

		claimed, err := r.repo.ClaimChatQueueItem(ctx, item.ID)
		if err != nil || !claimed {
			if err != nil {
				r.logger.Error("chat claim failed", zap.String("queue_id", item.ID), zap.Error(err))
			}
			r.releaseChat(item.ChatID)
			continue
		}

		r.workerWg.Add(1)
		go func(item *models.ChatQueueItem) {
			defer r.workerWg.Done()
			defer r.releaseChat(item.ChatID)
			r.processChat(context.Background(), item)
		}(item)
	}
}

func (r *Runner) isShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

func (r *Runner) tryReserveWorkspace(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return false
	}
	if _, active := r.activeTaskWorkspaces[workspaceID]; active {
		return false
	}
	r.activeTaskWorkspaces[workspaceID] = struct{}{}
	return true
}

func (r *Runner) releaseWorkspace(workspaceID string) {
	r.mu.Lock()
	delete(r.activeTaskWorkspaces, workspaceID)
	r.mu.Unlock()
}

func (r *Runner) tryReserveChat(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return false
	}
	if _, active := r.activeChats[chatID]; active {
		return false
	}
	r.activeChats[chatID] = struct{}{}
	return true
}

func (r *Runner) releaseChat(chatID string) {
	r.mu.Lock()
	delete(r.activeChats, chatID)
	r.mu.Unlock()
}

// workingDir resolves where the CLI runs: the workspace's configured path in
// static mode, the shared temp directory otherwise.
func (r *Runner) workingDir(workspace *models.Workspace) string {
	if workspace.WorkingDirMode == models.WorkingDirStatic && workspace.WorkingDirPath != "" {
		return workspace.WorkingDirPath
	}
	return r.cfg.TempDir
}
