package runner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
	"github.com/malamar-dev/malamar/internal/runner/cli"
	"github.com/malamar-dev/malamar/internal/runner/executor"
	"github.com/malamar-dev/malamar/internal/runner/input"
	"github.com/malamar-dev/malamar/internal/runner/parser"
)

// maxPipelineIterations caps comment-triggered pipeline restarts so a pair of
// agents commenting at each other cannot loop forever.
const maxPipelineIterations = 100

// processTask runs one claimed task queue item through the workspace's agent
// pipeline and finalises the queue row.
func (r *Runner) processTask(ctx context.Context, item *models.TaskQueueItem) {
	log := r.logger.WithFields(zap.String("task_id", item.TaskID), zap.String("queue_id", item.ID))

	finalize := func(status models.QueueStatus) {
		if err := r.repo.UpdateTaskQueueStatus(ctx, item.ID, status); err != nil {
			log.Error("failed to finalise task queue row", zap.Error(err))
		}
	}

	task, err := r.repo.GetTask(ctx, item.TaskID)
	if err != nil {
		log.Warn("task vanished before processing", zap.Error(err))
		finalize(models.QueueStatusFailed)
		return
	}
	workspace, err := r.repo.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		log.Warn("workspace vanished before processing", zap.Error(err))
		finalize(models.QueueStatusFailed)
		return
	}

	agents, err := r.repo.ListAgents(ctx, workspace.ID)
	if err != nil {
		log.Error("failed to list agents", zap.Error(err))
		finalize(models.QueueStatusFailed)
		return
	}

	// A workspace without agents cannot process anything; hand the task back
	// to the user.
	if len(agents) == 0 {
		if err := r.taskExec.UpdateTaskStatusWithLog(ctx, task, workspace, models.TaskStatusInReview); err != nil {
			log.Error("failed to move agentless task to review", zap.Error(err))
			finalize(models.QueueStatusFailed)
			return
		}
		finalize(models.QueueStatusCompleted)
		return
	}

	if task.Status == models.TaskStatusTodo {
		if err := r.taskExec.UpdateTaskStatusWithLog(ctx, task, workspace, models.TaskStatusInProgress); err != nil {
			log.Error("failed to start task", zap.Error(err))
			finalize(models.QueueStatusFailed)
			return
		}
	}

	if err := r.runAgentPipeline(ctx, task, workspace, agents); err != nil {
		finalize(models.QueueStatusFailed)
		return
	}
	finalize(models.QueueStatusCompleted)
}

// runAgentPipeline walks the agents in order, restarting from the first agent
// whenever an iteration added comments. A returned error means the run failed
// and the failure has already been surfaced on the task.
func (r *Runner) runAgentPipeline(ctx context.Context, task *models.Task, workspace *models.Workspace, agents []*models.Agent) error {
	log := r.logger.WithTaskID(task.ID)

	for iteration := 0; iteration < maxPipelineIterations; iteration++ {
		invoked := 0
		allSkipped := true
		commentsAdded := 0

		for _, agent := range agents {
			if !r.clis.Available(agent.CLIType) {
				log.Debug("skipping agent with unavailable CLI",
					zap.String("agent", agent.Name),
					zap.String("cli", string(agent.CLIType)),
				)
				continue
			}

			r.logAgentBoundary(ctx, task, agent, models.LogAgentStarted, map[string]any{
				"agentName": agent.Name,
			})
			r.bus.Publish(bus.NewEvent(events.AgentExecutionStarted, events.AgentExecutionPayload{
				WorkspaceID: task.WorkspaceID,
				TaskID:      task.ID,
				TaskSummary: task.Summary,
				AgentName:   agent.Name,
			}))

			result, runErr := r.invokeTaskAgent(ctx, task, workspace, agent, agents)

			finishedMeta := map[string]any{
				"agentName": agent.Name,
				"success":   runErr == nil,
			}
			if runErr != nil {
				finishedMeta["error"] = runErr.Error()
			}
			r.logAgentBoundary(ctx, task, agent, models.LogAgentFinished, finishedMeta)
			r.bus.Publish(bus.NewEvent(events.AgentExecutionFinished, events.AgentExecutionPayload{
				WorkspaceID: task.WorkspaceID,
				TaskID:      task.ID,
				TaskSummary: task.Summary,
				AgentName:   agent.Name,
			}))

			if runErr != nil {
				message := fmt.Sprintf("[%s] Error: %s", agent.Name, runErr.Error())
				if err := r.taskExec.AddSystemComment(ctx, task, workspace, message); err != nil {
					log.Error("failed to record agent failure", zap.Error(err))
				}
				r.bus.Publish(bus.NewEvent(events.TaskErrorOccurred, events.TaskErrorOccurredPayload{
					WorkspaceID:  task.WorkspaceID,
					TaskID:       task.ID,
					TaskSummary:  task.Summary,
					ErrorMessage: runErr.Error(),
				}))
				return runErr
			}

			invoked++
			if !result.Skipped {
				allSkipped = false
			}
			commentsAdded += result.CommentsAdded

			// An agent moving the task out of in_progress ends the run.
			if result.StatusChanged && result.NewStatus != models.TaskStatusInProgress {
				return nil
			}
		}

		if commentsAdded > 0 {
			reloaded, err := r.repo.GetTask(ctx, task.ID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					log.Warn("task deleted mid-pipeline")
				} else {
					log.Error("failed to reload task", zap.Error(err))
				}
				return err
			}
			*task = *reloaded
			continue
		}

		if invoked > 0 && allSkipped {
			// Every agent passed; the task needs a human.
			return r.taskExec.UpdateTaskStatusWithLog(ctx, task, workspace, models.TaskStatusInReview)
		}

		return nil
	}

	log.Warn("pipeline iteration cap reached", zap.Int("iterations", maxPipelineIterations))
	capErr := fmt.Errorf("task processing stopped after %d pipeline iterations without settling", maxPipelineIterations)
	if err := r.taskExec.AddSystemComment(ctx, task, workspace, "Error: "+capErr.Error()); err != nil {
		log.Error("failed to record iteration cap", zap.Error(err))
	}
	r.bus.Publish(bus.NewEvent(events.TaskErrorOccurred, events.TaskErrorOccurredPayload{
		WorkspaceID:  task.WorkspaceID,
		TaskID:       task.ID,
		TaskSummary:  task.Summary,
		ErrorMessage: capErr.Error(),
	}))
	return capErr
}

// invokeTaskAgent renders the input document, runs the agent's CLI, parses
// its output file, and applies the resulting actions. The returned error text
// is user-facing; it becomes the system comment on the task.
func (r *Runner) invokeTaskAgent(ctx context.Context, task *models.Task, workspace *models.Workspace, agent *models.Agent, agents []*models.Agent) (*executor.TaskActionResult, error) {
	adapter := r.clis.For(agent.CLIType)
	if adapter == nil {
		return nil, fmt.Errorf("no adapter for CLI %s", agent.CLIType)
	}

	comments, err := r.repo.ListTaskComments(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load comments: %v", err)
	}
	logs, err := r.repo.ListTaskLogs(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity log: %v", err)
	}

	agentNames := make(map[string]string, len(agents))
	otherNames := make([]string, 0, len(agents)-1)
	for _, a := range agents {
		agentNames[a.ID] = a.Name
		if a.ID != agent.ID {
			otherNames = append(otherNames, a.Name)
		}
	}

	doc := r.inputs.BuildTaskInput(input.TaskContext{
		Workspace:  workspace,
		Agent:      agent,
		Task:       task,
		Comments:   comments,
		Logs:       logs,
		AgentNames: agentNames,
	}, otherNames)

	inputPath := r.inputs.TaskInputPath(task.ID)
	if err := os.WriteFile(inputPath, []byte(doc.Content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write input file: %v", err)
	}
	defer r.cleanupFiles(inputPath, doc.OutputPath)

	invocation, err := adapter.Invoke(ctx, cli.Request{
		InputPath:  inputPath,
		OutputPath: doc.OutputPath,
		WorkingDir: r.workingDir(workspace),
		Kind:       cli.KindTask,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start CLI: %v", err)
	}

	r.registry.TrackTask(task.ID, workspace.ID, invocation)
	res := invocation.Wait()
	r.registry.UntrackTask(task.ID)

	if !res.Success {
		return nil, errors.New(parser.GenerateErrorComment(res.ExitCode, res.Stderr))
	}

	output, err := parser.ParseTaskOutputFile(doc.OutputPath)
	if err != nil {
		return nil, err
	}

	result, err := r.taskExec.Execute(ctx, task, workspace, agent, output.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to apply actions: %v", err)
	}
	return result, nil
}

func (r *Runner) logAgentBoundary(ctx context.Context, task *models.Task, agent *models.Agent, eventType string, metadata map[string]any) {
	if err := r.repo.CreateTaskLog(ctx, &models.TaskLog{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		EventType:   eventType,
		ActorType:   models.ActorAgent,
		ActorID:     &agent.ID,
		Metadata:    metadata,
	}); err != nil {
		r.logger.Warn("failed to record agent boundary log",
			zap.String("task_id", task.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

// cleanupFiles removes invocation scratch files. Failures never affect the
// run's outcome.
func (r *Runner) cleanupFiles(paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Debug("failed to remove scratch file", zap.String("path", path), zap.Error(err))
		}
	}
}
