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

	v1 "mapchain/valuation-portal/valuation-portal-backend/api/v1"
	"mapchain/valuation-portal/valuation-portal-backend/internal/aivaluation"
	"mapchain/valuation-portal/valuation-portal-backend/internal/bootstrap"
	"mapchain/valuation-portal/valuation-portal-backend/internal/config"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications/websocket"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/metrics"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/storage"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := bootstrap.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := bootstrap.Stores(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open repositories", zap.Error(err))
	}
	defer closeStores()

	gateway, err := bootstrap.Gateway(&cfg.Ledger, logger)
	if err != nil {
		logger.Fatal("Failed to create ledger gateway", zap.Error(err))
	}

	locker, closeLocker, err := bootstrap.Locker(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to create locker", zap.Error(err))
	}
	defer closeLocker()

	// Notifications: live websocket delivery plus an optional SNS topic
	var publishers []notifications.Publisher
	var wsManager *websocket.Manager
	if cfg.Notifications.WebSocketEnabled {
		wsManager = websocket.NewManager(logger)
		defer wsManager.Close()
		publishers = append(publishers, wsManager)
	}

	infra := v1.Infrastructure{
		Gateway: gateway,
		Locker:  locker,
	}

	if cfg.Notifications.SNSTopicARN != "" || cfg.Storage.MetadataBucket != "" {
		awsCfg, err := bootstrap.AWS(ctx, &cfg.AWS)
		if err != nil {
			logger.Fatal("Failed to load AWS config", zap.Error(err))
		}
		if cfg.Notifications.SNSTopicARN != "" {
			publishers = append(publishers, notifications.NewSNSPublisherFromConfig(awsCfg, cfg.Notifications.SNSTopicARN))
		}
		if cfg.Storage.MetadataBucket != "" {
			infra.Archive = storage.NewS3Store(awsCfg, cfg.Storage.MetadataBucket)
		}
	}

	dispatcher := notifications.NewDispatcher(cfg.Notifications.PublishTimeout(), logger, publishers...)
	defer dispatcher.Wait()
	infra.Emitter = dispatcher

	if cfg.AI.ServiceURL != "" {
		infra.Estimator = aivaluation.NewClient(aivaluation.Config{
			BaseURL: cfg.AI.ServiceURL,
			Timeout: cfg.AI.Timeout(),
		}, logger)
	}

	api := v1.SetupPortalAPI(cfg, stores, infra, logger)

	// In-memory records are invisible to a separate worker process
	if cfg.Database.Driver == "memory" {
		if err := api.Reconciler.Start(ctx); err != nil {
			logger.Fatal("Failed to start reconciler", zap.Error(err))
		}
		defer api.Reconciler.Stop()
	}

	// Setup Router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), metrics.GinMiddleware())

	// CORS Middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Register Routes
	apiGroup := router.Group("/api/v1")
	v1.RegisterPortalRoutes(apiGroup, api, wsManager)

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("addr", srv.Addr),
		zap.String("database", cfg.Database.Driver),
		zap.String("ledger", cfg.Ledger.Driver))

	// Graceful Shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}
