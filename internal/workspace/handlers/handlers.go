// Package handlers exposes workspace management over HTTP.
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
	"github.com/malamar-dev/malamar/internal/workspace/service"
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
		logger:   log.WithFields(zap.String("component", "workspace-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc *service.Service, reg *registry.Registry, log *logger.Logger) {
	h := NewHandlers(svc, reg, log)
	api := router.Group("/api/v1")
	api.GET("/workspaces", h.listWorkspaces)
	api.POST("/workspaces", h.createWorkspace)
	api.GET("/workspaces/:id", h.getWorkspace)
	api.PATCH("/workspaces/:id", h.updateWorkspace)
	api.DELETE("/workspaces/:id", h.deleteWorkspace)
}

func (h *Handlers) listWorkspaces(c *gin.Context) {
	workspaces, err := h.service.ListWorkspaces(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list workspaces", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workspaces"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

type createWorkspaceRequest struct {
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	WorkingDirMode models.WorkingDirMode `json:"workingDirMode"`
	WorkingDirPath string                `json:"workingDirPath"`
}

func (h *Handlers) createWorkspace(c *gin.Context) {
	var body createWorkspaceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	workspace, err := h.service.CreateWorkspace(c.Request.Context(), service.CreateWorkspaceInput{
		Title:          body.Title,
		Description:    body.Description,
		WorkingDirMode: body.WorkingDirMode,
		WorkingDirPath: body.WorkingDirPath,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, workspace)
}

func (h *Handlers) getWorkspace(c *gin.Context) {
	workspace, err := h.service.GetWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		h.logger.Error("failed to get workspace", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get workspace"})
		return
	}
	c.JSON(http.StatusOK, workspace)
}

type updateWorkspaceRequest struct {
	Title               *string                `json:"title,omitempty"`
	Description         *string                `json:"description,omitempty"`
	WorkingDirMode      *models.WorkingDirMode `json:"workingDirMode,omitempty"`
	WorkingDirPath      *string                `json:"workingDirPath,omitempty"`
	AutoDeleteDoneTasks *bool                  `json:"autoDeleteDoneTasks,omitempty"`
	RetentionDays       *int                   `json:"retentionDays,omitempty"`
	NotifyOnError       *bool                  `json:"notifyOnError,omitempty"`
	NotifyOnInReview    *bool                  `json:"notifyOnInReview,omitempty"`
}

func (h *Handlers) updateWorkspace(c *gin.Context) {
	var body updateWorkspaceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	workspace, err := h.service.UpdateWorkspace(c.Request.Context(), c.Param("id"), service.UpdateWorkspaceInput{
		Title:               body.Title,
		Description:         body.Description,
		WorkingDirMode:      body.WorkingDirMode,
		WorkingDirPath:      body.WorkingDirPath,
		AutoDeleteDoneTasks: body.AutoDeleteDoneTasks,
		RetentionDays:       body.RetentionDays,
		NotifyOnError:       body.NotifyOnError,
		NotifyOnInReview:    body.NotifyOnInReview,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, workspace)
}

func (h *Handlers) deleteWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")

	// Stop anything still running in the workspace before its rows go away.
	h.registry.KillWorkspace(workspaceID)

	if err := h.service.DeleteWorkspace(c.Request.Context(), workspaceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		h.logger.Error("failed to delete workspace", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete workspace"})
		return
	}
	c.Status(http.StatusNoContent)
}
