package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/db"
	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository/sqlite"
)

func setupService(t *testing.T) (*Service, *bus.MemoryEventBus, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	repo, err := sqlite.New(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ws := &models.Workspace{Title: "W"}
	if err := repo.CreateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	eventBus := bus.NewMemoryEventBus(logger.NewNop())
	return New(repo, eventBus, logger.NewNop()), eventBus, ws.ID
}

func TestEnqueueTaskRejectsDuplicate(t *testing.T) {
	svc, _, wsID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, wsID, "Fix bug", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := svc.EnqueueTask(ctx, task.ID, false); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	_, err = svc.EnqueueTask(ctx, task.ID, true)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}
}

func TestUserCommentEmitsEvent(t *testing.T) {
	svc, eventBus, wsID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, wsID, "Fix bug", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var payload events.TaskCommentAddedPayload
	eventBus.Subscribe(events.TaskCommentAdded, func(event *bus.Event) {
		payload = event.Data.(events.TaskCommentAddedPayload)
	})

	comment, err := svc.AddUserComment(ctx, task.ID, "u1", "please hurry")
	if err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	if comment.IsSystem() {
		t.Error("user comment should carry user attribution")
	}
	if payload.TaskID != task.ID || payload.AuthorName != "user" {
		t.Errorf("unexpected event payload: %+v", payload)
	}

	logs, err := svc.ListLogs(ctx, task.ID)
	if err != nil || len(logs) != 1 || logs[0].EventType != models.LogCommentAdded {
		t.Errorf("expected one comment_added log, got %v, %v", logs, err)
	}
}

func TestUpdateTaskStatusEmitsEvent(t *testing.T) {
	svc, eventBus, wsID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, wsID, "Fix bug", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var payload events.TaskStatusChangedPayload
	eventBus.Subscribe(events.TaskStatusChanged, func(event *bus.Event) {
		payload = event.Data.(events.TaskStatusChangedPayload)
	})

	done := models.TaskStatusDone
	updated, err := svc.UpdateTask(ctx, task.ID, UpdateTaskInput{Status: &done})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Status != models.TaskStatusDone {
		t.Errorf("status not applied: %s", updated.Status)
	}
	if payload.OldStatus != "todo" || payload.NewStatus != "done" {
		t.Errorf("unexpected event payload: %+v", payload)
	}
}

func TestSweepDoneTasksHonoursOptIn(t *testing.T) {
	svc, _, wsID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, wsID, "old", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	done := models.TaskStatusDone
	if _, err := svc.UpdateTask(ctx, task.ID, UpdateTaskInput{Status: &done}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Workspace has not opted in; nothing is deleted regardless of age.
	deleted, err := svc.SweepDoneTasks(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected no deletions without opt-in, got %d", deleted)
	}
	if _, err := svc.GetTask(ctx, task.ID); err != nil {
		t.Errorf("task should survive sweep: %v", err)
	}
}
