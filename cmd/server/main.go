package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/lunaris-ai/chat-orchestrator/internal/bus"
	"github.com/lunaris-ai/chat-orchestrator/internal/catalog"
	"github.com/lunaris-ai/chat-orchestrator/internal/config"
	"github.com/lunaris-ai/chat-orchestrator/internal/identity"
	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/lunaris-ai/chat-orchestrator/internal/metrics"
	"github.com/lunaris-ai/chat-orchestrator/internal/models"
	"github.com/lunaris-ai/chat-orchestrator/internal/orchestrator"
	"github.com/lunaris-ai/chat-orchestrator/internal/push"
	"github.com/lunaris-ai/chat-orchestrator/internal/transcript"
	"github.com/lunaris-ai/chat-orchestrator/internal/upstream"
)

func main() {
	config.LoadConfig()

	bootLog := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           log.DebugLevel,
		TimeFormat:      time.Kitchen,
	})

	bootLog.Info("Setting Gin mode", "mode", config.AppConfig.GinMode)
	gin.SetMode(config.AppConfig.GinMode)

	appLog := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	// Connect to the Bus. One process-wide connection shared by every
	// consumer and publisher.
	nc, err := bus.Connect(config.AppConfig.NatsURL, appLog)
	if err != nil {
		bootLog.Fatal("Failed to connect to NATS", "url", config.AppConfig.NatsURL, "error", err)
	}

	// Initialize services
	consumerMgr := bus.NewConsumerManager(nc, appLog)
	hub := push.NewHub(appLog)
	store := transcript.NewStore(appLog)
	sessionCatalog := catalog.New(config.AppConfig.MaxSessionsPerUser, appLog)
	identityReg := identity.NewRegistry(appLog)
	instruments := metrics.New()

	profiles := models.NewRegistry()
	if path := config.AppConfig.ModelProfilesFile; path != "" {
		if err := profiles.LoadFile(path); err != nil {
			bootLog.Fatal("Failed to load model profiles", "path", path, "error", err)
		}
		bootLog.Info("Loaded model profiles", "path", path)
	}

	// An evicted session takes its transcript with it.
	sessionCatalog.SetEvictHook(func(userID, sessionID string) {
		store.DropSession(userID, sessionID)
	})

	upstreamClient := upstream.NewClient(config.AppConfig.UpstreamBaseURL, upstream.Timeouts{
		Metadata: config.AppConfig.UpstreamMetadataTimeout,
		History:  config.AppConfig.UpstreamHistoryTimeout,
		Chat:     config.AppConfig.UpstreamChatTimeout,
		Stop:     config.AppConfig.UpstreamStopTimeout,
	}, appLog)

	coordinator := orchestrator.NewCoordinator(
		orchestrator.Timers{
			IdleBeforeFirstComplete: config.AppConfig.IdleBeforeFirstComplete,
			IdleBeforeFirst:         config.AppConfig.IdleBeforeFirst,
			NoActivity:              config.AppConfig.NoActivityTimeout,
			QuiescenceComplete:      config.AppConfig.QuiescenceComplete,
			Quiescence:              config.AppConfig.Quiescence,
			Global:                  config.AppConfig.GlobalStreamTimeout,
			ErrorDrain:              2 * time.Second,
		},
		config.AppConfig.MaxChatsPerSession,
		upstreamClient,
		consumerMgr,
		hub,
		store,
		sessionCatalog,
		identityReg,
		profiles,
		instruments,
		appLog,
	)

	// Logout is the authoritative reset: streams die first, then every
	// per-user table flushes, so no cancelled stream can repopulate them.
	identityReg.OnLogout(coordinator.StopAll)
	identityReg.OnLogout(sessionCatalog.FlushAll)
	identityReg.OnLogout(store.FlushAll)
	identityReg.OnLogout(profiles.Reset)

	// Initialize handlers
	apiHandler := orchestrator.NewHandler(coordinator, appLog)
	pushHandler := push.NewHandler(hub, appLog)

	// Incomplete-message GC: stop and timeout paths scrub the common
	// case, the sweep catches leaks from crashed streams.
	sweeper := cron.New()
	_, err = sweeper.AddFunc(config.AppConfig.IncompleteGCSchedule, func() {
		removed := store.SweepIncomplete(config.AppConfig.IncompleteGCMaxAge, func(userID, sessionID string) bool {
			return consumerMgr.SlotOccupant(userID, sessionID) != nil
		})
		instruments.IncompleteSwept.Add(float64(removed))
	})
	if err != nil {
		bootLog.Fatal("Failed to schedule transcript sweep", "schedule", config.AppConfig.IncompleteGCSchedule, "error", err)
	}
	sweeper.Start()

	// Initialize Gin router
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", config.AppConfig.CORSAllowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		if !consumerMgr.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":      "ok",
			"bus_healthy": consumerMgr.Healthy(),
			"instance_id": logger.GetInstanceID(),
		})
	})
	router.GET("/metrics", instruments.Handler())
	router.GET("/ws", pushHandler.HandleWebSocket)

	apiHandler.RegisterRoutes(router)

	port := ":" + config.AppConfig.Port
	bootLog.Info("🔁  chat orchestrator listening on " + port)
	bootLog.Info("✅  upstream", "base_url", config.AppConfig.UpstreamBaseURL)
	bootLog.Info("✅  bus", "url", config.AppConfig.NatsURL)

	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			bootLog.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	bootLog.Info("🛑 Shutting down server...")

	sweeper.Stop()

	cancelled := consumerMgr.ForceCleanupAll()
	bootLog.Info("✅ Bus consumers cancelled", "count", cancelled)
	nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		bootLog.Fatal("Server forced to shutdown", "error", err)
	}

	bootLog.Info("✅ Server exited")
}
