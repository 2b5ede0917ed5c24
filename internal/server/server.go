// Package server assembles the gin engine and the HTTP server around it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/config"
	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/events/sse"
	"github.com/malamar-dev/malamar/internal/runner/cli"
)

// Server wraps the HTTP server and its router.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

// New builds the engine with the shared middleware and the built-in routes:
// process health, CLI health, and the SSE event stream.
func New(cfg config.ServerConfig, events *sse.Registry, clis *cli.Set, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	engine.GET("/api/v1/clis", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clis": clis.CheckAll(c.Request.Context())})
	})
	engine.GET("/api/v1/events", gin.WrapH(events))

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:     engine,
			ReadTimeout: cfg.ReadTimeoutDuration(),
			// No write timeout: /api/v1/events holds its response open for
			// the lifetime of the SSE subscription.
			WriteTimeout: 0,
		},
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

// Router returns the engine so feature packages can register their routes.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Start serves until Shutdown is called. It returns nil on graceful close.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// corsMiddleware allows browser frontends served from another origin to call
// the API. The server binds to localhost; this is not an auth boundary.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
