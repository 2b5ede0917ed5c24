// Package handlers exposes agent management over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/agent/service"
	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
)

type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "agent-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewHandlers(svc, log)
	api := router.Group("/api/v1")
	api.GET("/workspaces/:id/agents", h.listAgents)
	api.POST("/workspaces/:id/agents", h.createAgent)
	api.PUT("/workspaces/:id/agents/reorder", h.reorderAgents)
	api.GET("/agents/:id", h.getAgent)
	api.PATCH("/agents/:id", h.updateAgent)
	api.DELETE("/agents/:id", h.deleteAgent)
}

func (h *Handlers) listAgents(c *gin.Context) {
	agents, err := h.service.ListAgents(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type createAgentRequest struct {
	Name        string          `json:"name"`
	Instruction string          `json:"instruction"`
	CLIType     *models.CLIType `json:"cliType,omitempty"`
	Order       *int            `json:"order,omitempty"`
}

func (h *Handlers) createAgent(c *gin.Context) {
	var body createAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.service.CreateAgent(c.Request.Context(), c.Param("id"), service.CreateAgentInput{
		Name:        body.Name,
		Instruction: body.Instruction,
		CLIType:     body.CLIType,
		Order:       body.Order,
	})
	if err != nil {
		if errors.Is(err, service.ErrNameConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

type reorderAgentsRequest struct {
	AgentIDs []string `json:"agentIds"`
}

func (h *Handlers) reorderAgents(c *gin.Context) {
	var body reorderAgentsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.service.ReorderAgents(c.Request.Context(), c.Param("id"), body.AgentIDs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) getAgent(c *gin.Context) {
	agent, err := h.service.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.logger.Error("failed to get agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name        *string         `json:"name,omitempty"`
	Instruction *string         `json:"instruction,omitempty"`
	CLIType     *models.CLIType `json:"cliType,omitempty"`
	Order       *int            `json:"order,omitempty"`
}

func (h *Handlers) updateAgent(c *gin.Context) {
	var body updateAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.service.UpdateAgent(c.Request.Context(), c.Param("id"), service.UpdateAgentInput{
		Name:        body.Name,
		Instruction: body.Instruction,
		CLIType:     body.CLIType,
		CLITypeSet:  body.CLIType != nil,
		Order:       body.Order,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		case errors.Is(err, service.ErrNameConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) deleteAgent(c *gin.Context) {
	if err := h.service.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.logger.Error("failed to delete agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete agent"})
		return
	}
	c.Status(http.StatusNoContent)
}
