package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mapchain/valuation-portal/valuation-portal-backend/internal/config"
	"mapchain/valuation-portal/valuation-portal-backend/internal/escrow"
	"mapchain/valuation-portal/valuation-portal-backend/internal/gamification"
	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
	"mapchain/valuation-portal/valuation-portal-backend/internal/tokenization"
	"mapchain/valuation-portal/valuation-portal-backend/internal/valuation"
)

// DB bundles the two views over one Postgres connection pool: gorm for the
// record repositories and sqlx for hand-written read queries.
type DB struct {
	Gorm *gorm.DB
	SQL  *sqlx.DB
}

// Connect opens the pool, configures its limits and wraps it for gorm
func Connect(cfg *config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	sqlDB, err := sqlx.Connect("postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetimeMinutes) * time.Minute)
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB.DB}), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}

	logger.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db_name", cfg.DBName))

	return &DB{Gorm: gormDB, SQL: sqlDB}, nil
}

// Migrate creates or updates the tables of every persisted record
func (d *DB) Migrate() error {
	if err := d.Gorm.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the pool
func (d *DB) Close() error {
	return d.SQL.Close()
}

// Models lists the gorm models owned by this service
func Models() []interface{} {
	return []interface{}{
		&properties.Property{},
		&escrow.Escrow{},
		&valuation.ValuationRequest{},
		&tokenization.ShareToken{},
		&tokenization.CertificateClass{},
		&tokenization.Certificate{},
		&tokenization.OwnershipRecord{},
		&gamification.PointAward{},
		&gamification.AchievementUnlock{},
	}
}
