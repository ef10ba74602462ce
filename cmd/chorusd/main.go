// Package main is the entry point for the Chorus orchestrator daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/audit"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/catalog"
	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/httpmw"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/common/tracing"
	"github.com/chorushq/chorus/internal/db"
	"github.com/chorushq/chorus/internal/fanout"
	"github.com/chorushq/chorus/internal/gateway/api"
	"github.com/chorushq/chorus/internal/gateway/websocket"
	"github.com/chorushq/chorus/internal/llm"
	"github.com/chorushq/chorus/internal/orchestrator"
	"github.com/chorushq/chorus/internal/planner"
	"github.com/chorushq/chorus/internal/registry"
	"github.com/chorushq/chorus/internal/scheduler"
	"github.com/chorushq/chorus/internal/store"
	"github.com/chorushq/chorus/internal/supervisor"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Chorus orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the state store
	pool, err := db.Connect(db.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer pool.Close()
	st, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize state store", zap.Error(err))
	}
	log.Info("State store ready",
		zap.String("driver", cfg.Database.Driver))

	// 5. Connect message bus. An empty NATS URL selects the in-memory bus
	// for single-process development.
	var msgBus bus.Bus
	if cfg.NATS.URL == "" {
		msgBus = bus.NewMemoryBus(log)
		log.Info("Using in-memory message bus")
	} else {
		jsBus, err := bus.NewJetStreamBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		msgBus = jsBus
		log.Info("Connected to NATS JetStream", zap.String("url", cfg.NATS.URL))
	}
	defer msgBus.Close()

	// 6. Open the audit commit log
	auditWriter, err := audit.NewWriter(cfg.Audit.LogPath, log)
	if err != nil {
		log.Fatal("Failed to open audit log", zap.Error(err))
	}

	// 7. Initialize the LLM gateway
	gateway, err := llm.NewGateway(cfg.LLM, st, log)
	if err != nil {
		log.Fatal("Failed to initialize LLM gateway", zap.Error(err))
	}
	gateway.Start(ctx)

	// 8. Load the playbook catalog. A missing file is not fatal: the
	// planner falls back to freeform drafting.
	entries, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Playbook catalog not found, planning without playbooks",
				zap.String("path", cfg.Catalog.Path))
		} else {
			log.Fatal("Failed to load playbook catalog", zap.Error(err))
		}
	}
	index := catalog.NewIndex(gateway, cfg.LLM.Embedding.Model, cfg.LLM.Embedding.CachePath, log)
	if err := index.Build(ctx, entries); err != nil {
		log.Fatal("Failed to index playbook catalog", zap.Error(err))
	}
	log.Info("Playbook catalog indexed", zap.Int("playbooks", index.Len()))

	// 9. Assemble the orchestration components
	pl := planner.New(gateway, index, cfg.Catalog, log)
	reg := registry.New(st, cfg.Orchestrator, log)
	events := fanout.NewBroker(log)
	sched := scheduler.New(msgBus, st, reg, events, cfg.Orchestrator, log)
	sup := supervisor.New(msgBus, st, reg, sched, events, auditWriter, cfg.Orchestrator, log)
	flusher := audit.NewFlusher(st, auditWriter, cfg.Audit, log)

	// 10. Create and start the orchestrator service
	service := orchestrator.NewService(st, pl, sched, sup, reg, events, auditWriter, flusher, log)
	if err := service.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator service", zap.Error(err))
	}
	log.Info("Orchestrator service started")

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "chorusd"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("chorusd"))

	// 12. Register API routes
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, service, log)

	// 13. Register WebSocket routes
	wsHandler := websocket.NewWSHandler(service.Events(), log)
	websocket.SetupWebSocketRoutes(v1, wsHandler)

	// 14. Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 15. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		ErrorLog:     zap.NewStdLog(log.Zap()),
	}

	// 16. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 17. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Chorus orchestrator...")

	// 18. Graceful shutdown. Stop accepting HTTP traffic first, then drain
	// the service so in-flight planning and dispatch settle.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := service.Stop(); err != nil {
		log.Error("Orchestrator service stop error", zap.Error(err))
	}
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Chorus orchestrator stopped")
}
