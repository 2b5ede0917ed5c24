// Package handlers exposes task management and queue admission over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
	"github.com/malamar-dev/malamar/internal/runner/registry"
	"github.com/malamar-dev/malamar/internal/task/service"
)

type Handlers struct {
	service  *service.Service
	registry *registry.Registry
	logger   *logger.Logger
}

func NewHandlers(svc *service.Service, reg *registry.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		service:  svc,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "task-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc *service.Service, reg *registry.Registry, log *logger.Logger) {
	h := NewHandlers(svc, reg, log)
	api := router.Group("/api/v1")
	api.GET("/workspaces/:id/tasks", h.listTasks)
	api.POST("/workspaces/:id/tasks", h.createTask)
	api.GET("/tasks/:id", h.getTask)
	api.PATCH("/tasks/:id", h.updateTask)
	api.DELETE("/tasks/:id", h.deleteTask)
	api.GET("/tasks/:id/comments", h.listComments)
	api.POST("/tasks/:id/comments", h.addComment)
	api.GET("/tasks/:id/logs", h.listLogs)
	api.POST("/tasks/:id/enqueue", h.enqueueTask)
	api.POST("/tasks/:id/cancel", h.cancelTask)
}

func (h *Handlers) listTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	if status != "" && !models.IsValidTaskStatus(string(status)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
		return
	}
	tasks, err := h.service.ListTasks(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type createTaskRequest struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

func (h *Handlers) createTask(c *gin.Context) {
	var body createTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := h.service.CreateTask(c.Request.Context(), c.Param("id"), body.Summary, body.Description)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		h.logger.Error("failed to get task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

type updateTaskRequest struct {
	Summary     *string            `json:"summary,omitempty"`
	Description *string            `json:"description,omitempty"`
	Status      *models.TaskStatus `json:"status,omitempty"`
}

func (h *Handlers) updateTask(c *gin.Context) {
	var body updateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := h.service.UpdateTask(c.Request.Context(), c.Param("id"), service.UpdateTaskInput{
		Summary:     body.Summary,
		Description: body.Description,
		Status:      body.Status,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) deleteTask(c *gin.Context) {
	taskID := c.Param("id")
	h.registry.KillTask(taskID)

	if err := h.service.DeleteTask(c.Request.Context(), taskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		h.logger.Error("failed to delete task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listComments(c *gin.Context) {
	comments, err := h.service.ListComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list comments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list comments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

type addCommentRequest struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

func (h *Handlers) addComment(c *gin.Context) {
	var body addCommentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	comment, err := h.service.AddUserComment(c.Request.Context(), c.Param("id"), body.UserID, body.Content)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *Handlers) listLogs(c *gin.Context) {
	logs, err := h.service.ListLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

type enqueueTaskRequest struct {
	IsPriority bool `json:"isPriority"`
}

func (h *Handlers) enqueueTask(c *gin.Context) {
	var body enqueueTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	item, err := h.service.EnqueueTask(c.Request.Context(), c.Param("id"), body.IsPriority)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, service.ErrAlreadyQueued):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, item)
}

// cancelTask kills the task's live subprocess. The worker observing the
// killed CLI finalises the queue row as failed.
func (h *Handlers) cancelTask(c *gin.Context) {
	killed := h.registry.KillTask(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"killed": killed})
}
