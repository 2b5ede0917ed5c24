// Package handlers exposes chats and chat messages over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/chat/service"
	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/models"
	"github.com/malamar-dev/malamar/internal/repository"
	"github.com/malamar-dev/malamar/internal/runner/registry"
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
		logger:   log.WithFields(zap.String("component", "chat-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc *service.Service, reg *registry.Registry, log *logger.Logger) {
	h := NewHandlers(svc, reg, log)
	api := router.Group("/api/v1")
	api.GET("/workspaces/:id/chats", h.listChats)
	api.POST("/workspaces/:id/chats", h.createChat)
	api.GET("/chats/:id", h.getChat)
	api.DELETE("/chats/:id", h.deleteChat)
	api.GET("/chats/:id/messages", h.listMessages)
	api.POST("/chats/:id/messages", h.postMessage)
	api.POST("/chats/:id/cancel", h.cancelChat)
}

func (h *Handlers) listChats(c *gin.Context) {
	chats, err := h.service.ListChats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list chats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

type createChatRequest struct {
	AgentID *string         `json:"agentId,omitempty"`
	CLIType *models.CLIType `json:"cliType,omitempty"`
	Title   string          `json:"title"`
}

func (h *Handlers) createChat(c *gin.Context) {
	var body createChatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.CLIType != nil && !models.IsValidCLIType(string(*body.CLIType)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cliType"})
		return
	}
	chat, err := h.service.CreateChat(c.Request.Context(), c.Param("id"), service.CreateChatInput{
		AgentID: body.AgentID,
		CLIType: body.CLIType,
		Title:   body.Title,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace or agent not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handlers) getChat(c *gin.Context) {
	chat, err := h.service.GetChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		h.logger.Error("failed to get chat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get chat"})
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *Handlers) deleteChat(c *gin.Context) {
	chatID := c.Param("id")
	h.registry.KillChat(chatID)

	if err := h.service.DeleteChat(c.Request.Context(), chatID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		h.logger.Error("failed to delete chat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete chat"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listMessages(c *gin.Context) {
	messages, err := h.service.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) postMessage(c *gin.Context) {
	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	message, err := h.service.PostUserMessage(c.Request.Context(), c.Param("id"), body.Content)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, message)
}

// cancelChat kills the chat's live subprocess. The worker observing the
// killed CLI finalises the queue row as failed.
func (h *Handlers) cancelChat(c *gin.Context) {
	killed := h.registry.KillChat(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"killed": killed})
}
