package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	v1 "mapchain/valuation-portal/valuation-portal-backend/api/v1"
	"mapchain/valuation-portal/valuation-portal-backend/internal/bootstrap"
	"mapchain/valuation-portal/valuation-portal-backend/internal/config"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := bootstrap.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Database.Driver == "memory" {
		logger.Fatal("The reconcile worker needs the postgres driver; the API reconciles in-memory records itself")
	}

	// Create context that cancels on interrupt
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

	infra := v1.Infrastructure{Gateway: gateway, Locker: locker}
	if cfg.Notifications.SNSTopicARN != "" {
		awsCfg, err := bootstrap.AWS(ctx, &cfg.AWS)
		if err != nil {
			logger.Fatal("Failed to load AWS config", zap.Error(err))
		}
		dispatcher := notifications.NewDispatcher(cfg.Notifications.PublishTimeout(), logger,
			notifications.NewSNSPublisherFromConfig(awsCfg, cfg.Notifications.SNSTopicARN))
		defer dispatcher.Wait()
		infra.Emitter = dispatcher
	}

	api := v1.SetupPortalAPI(cfg, stores, infra, logger)

	if *once {
		result := api.Reconciler.RunOnce(ctx)
		logger.Info("Reconciliation pass complete",
			zap.Int("shares_repaired", result.SharesRepaired),
			zap.Int("certificates_issued", result.CertificatesIssued),
			zap.Int("remaining_degraded", result.RemainingDegraded))
		return
	}

	if err := api.Reconciler.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciler", zap.Error(err))
	}
	logger.Info("Reconcile worker starting", zap.String("schedule", cfg.Workers.ReconcileSchedule))

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	api.Reconciler.Stop()
	logger.Info("Reconcile worker stopped")
}
