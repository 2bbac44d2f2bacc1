// Package main is the entry point for the agent run orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/config"
	"github.com/kandev/agentrun/internal/common/httpmw"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/common/tracing"
	"github.com/kandev/agentrun/internal/db"
	"github.com/kandev/agentrun/internal/events/bus"
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/approval"
	"github.com/kandev/agentrun/internal/run/cancel"
	"github.com/kandev/agentrun/internal/run/dispatch"
	"github.com/kandev/agentrun/internal/run/loop"
	"github.com/kandev/agentrun/internal/run/message"
	"github.com/kandev/agentrun/internal/run/response"
	"github.com/kandev/agentrun/internal/run/session"
	v1 "github.com/kandev/agentrun/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent run orchestrator")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. Optional OpenTelemetry tracing
	var provider *tracing.Provider
	if cfg.Tracing.Enabled {
		provider, err = tracing.NewProvider(cfg.Tracing)
		if err != nil {
			log.Fatal("failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				log.Error("tracing shutdown error", zap.Error(err))
			}
		}()
	}

	// 4. Durable storage: session records and approval records
	sessionStoreConfigured := true
	var sessions session.Store
	var approvals approval.Writer

	switch cfg.Database.Driver {
	case "postgres":
		pg, err := db.NewPostgres(ctx, cfg.Database)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("failed to migrate postgres schema", zap.Error(err))
		}
		sessions = session.NewPostgresStore(pg)
		approvals = approval.NewPostgresWriter(pg)
		log.Info("connected to postgres")
	default:
		lite, err := db.NewSQLite(ctx, cfg.Database)
		if err != nil {
			log.Fatal("failed to open sqlite database", zap.Error(err))
		}
		defer lite.Close()
		if err := lite.Migrate(ctx); err != nil {
			log.Fatal("failed to migrate sqlite schema", zap.Error(err))
		}
		sessions = session.NewSQLiteStore(lite.DB())
		approvals = approval.NewSQLiteWriter(lite.DB())
		log.Info("opened sqlite database", zap.String("path", cfg.Database.Path))
	}

	// 5. Lifecycle event bus: NATS if configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		memBus := bus.NewMemoryEventBus(log)
		defer memBus.Close()
		eventBus = memBus
		log.Info("using in-memory event bus")
	}

	// 6. Assemble Run Loop dependencies
	deps := loop.Deps{
		Sessions:  sessions,
		Approvals: approvals,
		Cancel:    cancel.New(),
		Messages:  message.NewDefaultBuilder(log),
		Responses: response.NewDefaultAssembler(),
		Bus:       eventBus,
		Logger:    log,
	}
	if provider != nil && provider.Enabled() {
		deps.Tracer = provider.Tracer("agentrun")
	}

	// 7. Agent registry; real deployments register their own agents, this
	// ships one demo agent so the process is exercisable out of the box.
	agents := agent.NewRegistry()
	agents.Register(newDemoAgent(sessionStoreConfigured))

	// 8. Dispatcher
	dispatcher := dispatch.New(deps)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())

	v1Group := router.Group("/api/v1")
	v1.SetupRoutes(v1Group, dispatcher, agents, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent run orchestrator")
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("agent run orchestrator stopped")
}
