// Malamar is a local orchestration service that drives agentic CLI tools
// (claude, gemini, codex, opencode) through multi-agent task and chat
// workflows.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agenthandlers "github.com/malamar-dev/malamar/internal/agent/handlers"
	agentservice "github.com/malamar-dev/malamar/internal/agent/service"
	chathandlers "github.com/malamar-dev/malamar/internal/chat/handlers"
	chatservice "github.com/malamar-dev/malamar/internal/chat/service"
	"github.com/malamar-dev/malamar/internal/common/config"
	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/db"
	"github.com/malamar-dev/malamar/internal/events/bus"
	"github.com/malamar-dev/malamar/internal/events/sse"
	"github.com/malamar-dev/malamar/internal/repository/sqlite"
	"github.com/malamar-dev/malamar/internal/runner"
	"github.com/malamar-dev/malamar/internal/runner/cli"
	"github.com/malamar-dev/malamar/internal/runner/executor"
	"github.com/malamar-dev/malamar/internal/runner/registry"
	"github.com/malamar-dev/malamar/internal/server"
	taskhandlers "github.com/malamar-dev/malamar/internal/task/handlers"
	taskservice "github.com/malamar-dev/malamar/internal/task/service"
	"github.com/malamar-dev/malamar/internal/tracing"
	workspacehandlers "github.com/malamar-dev/malamar/internal/workspace/handlers"
	workspaceservice "github.com/malamar-dev/malamar/internal/workspace/service"
)

const sweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting Malamar...")

	repo, err := openRepository(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	var mirror *bus.NATSMirror
	if cfg.NATS.URL != "" {
		mirror, err = bus.NewNATSMirror(cfg.NATS, eventBus, log)
		if err != nil {
			log.Warn("NATS mirror disabled", zap.Error(err))
		} else {
			log.Info("Mirroring events to NATS", zap.String("url", cfg.NATS.URL))
			defer mirror.Close()
		}
	}

	sseRegistry := sse.NewRegistry(eventBus, log)
	defer sseRegistry.Close()

	clis := cli.NewSet(log)
	for kind, status := range clis.CheckAll(context.Background()) {
		log.Info("CLI probe",
			zap.String("cli", string(kind)),
			zap.String("status", status.Status),
			zap.String("version", status.Version),
		)
	}

	workspaceSvc := workspaceservice.New(repo, log)
	agentSvc := agentservice.New(repo, log)
	taskSvc := taskservice.New(repo, eventBus, log)
	chatSvc := chatservice.New(repo, eventBus, log)

	taskExec := executor.NewTaskExecutor(repo, eventBus, log)
	chatExec := executor.NewChatExecutor(repo, agentSvc, workspaceSvc, eventBus, log)

	procRegistry := registry.New(log)
	run := runner.New(runner.Config{
		PollInterval: cfg.Runner.PollIntervalDuration(),
		TempDir:      cfg.Runner.TempDir,
	}, repo, eventBus, procRegistry, clis, taskExec, chatExec, log)

	if err := run.Start(context.Background()); err != nil {
		log.Fatal("Failed to start runner", zap.Error(err))
	}

	srv := server.New(cfg.Server, sseRegistry, clis, log)
	workspacehandlers.RegisterRoutes(srv.Router(), workspaceSvc, procRegistry, log)
	agenthandlers.RegisterRoutes(srv.Router(), agentSvc, log)
	taskhandlers.RegisterRoutes(srv.Router(), taskSvc, procRegistry, log)
	chathandlers.RegisterRoutes(srv.Router(), chatSvc, procRegistry, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(srv.Start)
	group.Go(func() error {
		sweepLoop(groupCtx, taskSvc, log)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		log.Info("Shutting down Malamar...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		run.Stop()
		return tracing.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}
	log.Info("Malamar stopped")
}

// openRepository opens the configured database and builds the repository over
// it. SQLite splits writes and reads across two pools; postgres shares one.
func openRepository(cfg *config.Config, log *logger.Logger) (*sqlite.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		wrapped := sqlx.NewDb(pool, "pgx")
		log.Info("Connected to PostgreSQL", zap.String("host", cfg.Database.Host))
		return sqlite.New(wrapped, wrapped)

	default:
		path := cfg.SQLitePath()
		writer, err := db.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		log.Info("SQLite database initialized", zap.String("path", path))
		return sqlite.New(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	}
}

// sweepLoop periodically deletes old done tasks in workspaces that opted in.
func sweepLoop(ctx context.Context, taskSvc *taskservice.Service, log *logger.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := taskSvc.SweepDoneTasks(context.Background())
			if err != nil {
				log.Error("Done-task sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				log.Info("Swept done tasks", zap.Int64("deleted", deleted))
			}
		}
	}
}
