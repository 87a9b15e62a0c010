// Command orchestratord is the service host: it wires the store, the
// session/activity/timer/instance components, the two dispatcher loops,
// and the C8 HTTP surface together behind a gin server.
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

	"github.com/orchestrd/orchestrd/internal/api"
	"github.com/orchestrd/orchestrd/internal/client"
	"github.com/orchestrd/orchestrd/internal/config"
	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/executor"
	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/activity"
	"github.com/orchestrd/orchestrd/internal/orchestration/dispatch"
	"github.com/orchestrd/orchestrd/internal/orchestration/instance"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/orchestration/session"
	"github.com/orchestrd/orchestrd/internal/orchestration/timer"
	"github.com/orchestrd/orchestrd/internal/orchestrator/streaming"
	"github.com/orchestrd/orchestrd/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchestration engine...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the transactional store
	st, err := store.Open(ctx, store.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// 5. Connect to the event bus: empty NATS URL selects the in-memory bus.
	var bus events.Bus
	if cfg.NATS.URL == "" {
		bus = events.NewMemoryBus(log)
		log.Info("Using in-memory event bus (no nats.url configured)")
	} else {
		natsBus, err := events.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		bus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	}
	defer bus.Close()

	// 6. Open the orchestration components (C2-C5)
	timers, err := timer.Open(ctx, st, cfg.Dispatch.TimerTickCap, log)
	if err != nil {
		log.Fatal("Failed to open timer scheduler", zap.Error(err))
	}
	sessions, err := session.Open(ctx, st, timers, log)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	activities, err := activity.Open(ctx, st, log)
	if err != nil {
		log.Fatal("Failed to open activity queue", zap.Error(err))
	}
	instances, err := instance.Open(ctx, st, instance.Config{
		ArchiveRetention:      cfg.Dispatch.ArchiveRetention,
		ReaperInitialDelay:    cfg.Dispatch.ReaperInitialDelay,
		ReaperSuccessInterval: cfg.Dispatch.ReaperSuccessInterval,
		ReaperFailureInterval: cfg.Dispatch.ReaperFailureInterval,
	}, log)
	if err != nil {
		log.Fatal("Failed to open instance store", zap.Error(err))
	}

	// 7. Boot sweep: clear stale locks left behind by a crashed replica,
	// before any dispatcher loop starts claiming work.
	if err := sessions.BootSweep(ctx); err != nil {
		log.Fatal("Session boot sweep failed", zap.Error(err))
	}
	if err := activities.BootSweep(ctx); err != nil {
		log.Fatal("Activity boot sweep failed", zap.Error(err))
	}
	log.Info("Boot sweep complete")

	// 8. Register activities. The deterministic orchestration executor and
	// user activities are external collaborators this engine never
	// implements; registry is wired here for the embedding application to
	// populate before Start.
	registry := executor.NewRegistry()

	// 9. Start background loops: timer wake, instance reaper, dispatchers.
	go func() {
		if err := timers.Run(ctx, sessions); err != nil && ctx.Err() == nil {
			log.Error("Timer scheduler stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := instances.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Instance reaper stopped", zap.Error(err))
		}
	}()

	orchestrationDispatcher := dispatch.NewOrchestrationDispatcher(
		st, sessions, activities, instances, orchestrationExecutor{}, bus,
		dispatch.OrchestrationDispatcherConfig{
			ReceiveTimeout:       cfg.Dispatch.ReceiveTimeout,
			MaxConcurrentWorkers: cfg.Dispatch.MaxConcurrentOrchestrations,
		},
		log,
	)
	if err := orchestrationDispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestration dispatcher", zap.Error(err))
	}

	activityDispatcher := dispatch.NewActivityDispatcher(
		st, activities, sessions, registry,
		dispatch.ActivityDispatcherConfig{
			ReceiveTimeout:       cfg.Dispatch.ReceiveTimeout,
			MaxConcurrentWorkers: cfg.Dispatch.MaxConcurrentActivities,
		},
		log,
	)
	if err := activityDispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start activity dispatcher", zap.Error(err))
	}

	// 10. Build the C8 façade and the HTTP surface.
	c := client.New(st, sessions, instances, bus, log)

	// 10a. Start the WebSocket hub that bridges the bus out to browsers.
	streamHub := streaming.NewHub(bus, log)
	go streamHub.Run(ctx)
	streamHandler := streaming.NewHandler(streamHub, bus, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, c, log)
	streaming.SetupRoutes(v1, streamHandler)
	router.GET("/health", func(gctx *gin.Context) { gctx.Status(http.StatusOK) })

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestration engine...")

	// 12. Graceful shutdown: cancel dispatcher loops, await them, then the
	// HTTP server, mirroring the cancel-and-await discipline this corpus
	// uses for role loss.
	cancel()

	if err := orchestrationDispatcher.Stop(); err != nil {
		log.Error("Orchestration dispatcher stop error", zap.Error(err))
	}
	if err := activityDispatcher.Stop(); err != nil {
		log.Error("Activity dispatcher stop error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Orchestration engine stopped")
}

// orchestrationExecutor is a minimal stand-in for the deterministic
// replay executor, which spec.md explicitly treats as an external
// collaborator this engine never implements. It completes every
// orchestration immediately with its input echoed back as output, which
// is enough to exercise the dispatcher/store wiring end to end without a
// real executor plugged in; an embedding application replaces it with its
// own executor.OrchestrationExecutor before startup.
type orchestrationExecutor struct{}

func (orchestrationExecutor) Execute(ctx context.Context, item model.WorkItem) (model.Transition, error) {
	var started *model.HistoryEvent
	for i := range item.NewMessages {
		if item.NewMessages[i].Event.Kind == model.ExecutionStarted {
			started = &item.NewMessages[i].Event
			break
		}
	}
	if started == nil {
		return model.Transition{}, fmt.Errorf("orchestratord: no ExecutionStarted message for %s", item.InstanceID)
	}

	now := time.Now().UTC()
	return model.Transition{
		NewRuntimeState: append(item.RuntimeState, *started, model.HistoryEvent{Kind: model.ExecutionCompleted, Output: started.Input}),
		FinalState: model.OrchestrationState{
			Instance:    item.InstanceID,
			Execution:   item.ExecutionID,
			Status:      model.StatusCompleted,
			Name:        started.Name,
			Version:     started.Version,
			Input:       started.Input,
			Output:      started.Input,
			CompletedAt: &now,
			LastUpdated: now,
		},
	}, nil
}
