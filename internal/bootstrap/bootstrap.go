// Package bootstrap builds the runtime collaborators shared by the API and
// worker binaries from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	v1 "mapchain/valuation-portal/valuation-portal-backend/api/v1"
	"mapchain/valuation-portal/valuation-portal-backend/internal/config"
	"mapchain/valuation-portal/valuation-portal-backend/internal/database"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/ledger"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/locks"
)

// NewLogger builds a production logger at level, or a development logger
// when level is "debug"
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Stores opens the configured repositories. The returned close func is never nil.
func Stores(cfg *config.Config, logger *zap.Logger) (v1.Stores, func(), error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory repositories; records are lost on exit")
		return v1.MemoryStores(), func() {}, nil
	}

	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		return v1.Stores{}, nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return v1.Stores{}, nil, err
		}
	}
	return v1.PostgresStores(db), func() { db.Close() }, nil
}

// Gateway builds the ledger gateway, instrumented with metrics
func Gateway(cfg *config.LedgerConfig, logger *zap.Logger) (ledger.Gateway, error) {
	var gateway ledger.Gateway
	switch cfg.Driver {
	case "relay":
		client, err := ledger.NewRelayClient(ledger.RelayConfig{
			BaseURL:           cfg.RelayURL,
			APIKey:            cfg.APIKey,
			OperatorAccount:   cfg.OperatorAccount,
			Timeout:           cfg.Timeout(),
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger relay client: %w", err)
		}
		gateway = client
	default:
		logger.Warn("Using the in-memory ledger")
		gateway = ledger.NewMemoryLedger(
			ledger.WithOperator(cfg.OperatorAccount),
			ledger.WithPlatformAccount(cfg.PlatformAccount),
		)
	}
	return ledger.NewInstrumentedGateway(gateway, logger), nil
}

// Locker returns a Redis locker when Redis is configured, otherwise a
// process-local one
func Locker(cfg *config.RedisConfig, logger *zap.Logger) (locks.Locker, func(), error) {
	if cfg.Addr == "" {
		return locks.NewLocalLocker(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := time.Duration(cfg.LockTTLSecond) * time.Second
	return locks.NewRedisLocker(client, "valuation-portal:lock:", ttl, logger), func() { client.Close() }, nil
}

// AWS loads the SDK configuration. Static keys are used when set,
// otherwise the default credential chain.
func AWS(ctx context.Context, cfg *config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}
