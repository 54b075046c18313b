package v1

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/config"
	"mapchain/valuation-portal/valuation-portal-backend/internal/database"
	"mapchain/valuation-portal/valuation-portal-backend/internal/escrow"
	"mapchain/valuation-portal/valuation-portal-backend/internal/gamification"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications/websocket"
	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
	"mapchain/valuation-portal/valuation-portal-backend/internal/reconcile"
	"mapchain/valuation-portal/valuation-portal-backend/internal/tokenization"
	"mapchain/valuation-portal/valuation-portal-backend/internal/valuation"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/ledger"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/locks"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/storage"
)

// Stores are the repositories backing the portal
type Stores struct {
	Properties   properties.Repository
	Escrows      escrow.Repository
	Valuations   valuation.Repository
	Tokens       tokenization.Repository
	Gamification gamification.Repository
	// Stats reads activity counts; nil derives them from the repositories
	Stats gamification.StatsSource
}

// MemoryStores returns in-process repositories for development and tests
func MemoryStores() Stores {
	return Stores{
		Properties:   properties.NewMemoryRepository(),
		Escrows:      escrow.NewMemoryRepository(),
		Valuations:   valuation.NewMemoryRepository(),
		Tokens:       tokenization.NewMemoryRepository(),
		Gamification: gamification.NewMemoryRepository(),
	}
}

// PostgresStores returns repositories over the shared connection pool
func PostgresStores(db *database.DB) Stores {
	return Stores{
		Properties:   properties.NewRepository(db.Gorm),
		Escrows:      escrow.NewRepository(db.Gorm),
		Valuations:   valuation.NewRepository(db.Gorm),
		Tokens:       tokenization.NewRepository(db.Gorm),
		Gamification: gamification.NewRepository(db.Gorm),
		Stats:        gamification.NewSQLStatsReader(db.SQL),
	}
}

// Infrastructure are the external collaborators of the portal
type Infrastructure struct {
	Gateway ledger.Gateway
	Locker  locks.Locker
	// Archive may be nil
	Archive   storage.ObjectStore
	Estimator valuation.Estimator
	Emitter   notifications.Emitter
}

// PortalAPI holds the portal API dependencies
type PortalAPI struct {
	Properties   *properties.Handler
	Tokenization *tokenization.Handler
	Escrow       *escrow.Handler
	Valuation    *valuation.Handler
	Gamification *gamification.Handler

	Orchestrator *tokenization.Orchestrator
	Valuations   *valuation.Service
	Scoring      *gamification.Service
	Reconciler   *reconcile.Reconciler
}

// SetupPortalAPI wires services and handlers over stores and infra
func SetupPortalAPI(cfg *config.Config, stores Stores, infra Infrastructure, logger *zap.Logger) *PortalAPI {
	emitter := infra.Emitter
	if emitter == nil {
		emitter = notifications.Nop{}
	}

	propertyService := properties.NewService(stores.Properties, logger)

	coordinator := escrow.NewCoordinator(stores.Escrows, infra.Gateway, &escrow.Config{
		PlatformFeePercent: cfg.Escrow.PlatformFeePercent,
	}, logger)

	orchestrator := tokenization.NewOrchestrator(stores.Tokens, stores.Properties, infra.Gateway,
		infra.Locker, infra.Archive, &tokenization.OrchestratorConfig{
			Treasury: cfg.Ledger.OperatorAccount,
		}, logger)

	stats := stores.Stats
	if stats == nil {
		stats = valuation.NewActivityCounter(stores.Properties, stores.Valuations)
	}
	scoring := gamification.NewService(stores.Gamification, stats, gamification.PointsTable{
		gamification.ActionRequestCreated:    cfg.Gamification.RequestCreatedPoints,
		gamification.ActionRequestCompleted:  cfg.Gamification.RequestCompletedPoints,
		gamification.ActionPropertyTokenized: cfg.Gamification.PropertyTokenizedPoints,
	}, emitter, logger)

	valuations := valuation.NewService(valuation.Dependencies{
		Repository: stores.Valuations,
		Properties: stores.Properties,
		Escrow:     coordinator,
		Minter:     orchestrator,
		Scorer:     scoring,
		Estimator:  infra.Estimator,
		Emitter:    emitter,
		Locker:     infra.Locker,
	}, nil, logger)

	reconciler := reconcile.NewReconciler(orchestrator, valuations, valuations, reconcile.Config{
		Schedule:  cfg.Workers.ReconcileSchedule,
		BatchSize: cfg.Workers.ReconcileBatch,
	}, logger)

	return &PortalAPI{
		Properties:   properties.NewHandler(propertyService, logger),
		Tokenization: tokenization.NewHandler(orchestrator, logger),
		Escrow:       escrow.NewHandler(coordinator, logger),
		Valuation:    valuation.NewHandler(valuations, logger),
		Gamification: gamification.NewHandler(scoring, logger),
		Orchestrator: orchestrator,
		Valuations:   valuations,
		Scoring:      scoring,
		Reconciler:   reconciler,
	}
}

// RegisterPortalRoutes registers the portal routes on the router group.
// ws may be nil when live events are disabled.
func RegisterPortalRoutes(router *gin.RouterGroup, api *PortalAPI, ws *websocket.Manager) {
	api.Properties.RegisterRoutes(router)
	api.Tokenization.RegisterRoutes(router)
	api.Escrow.RegisterRoutes(router)
	api.Valuation.RegisterRoutes(router)
	api.Gamification.RegisterRoutes(router)
	if ws != nil {
		ws.RegisterRoutes(router)
	}
}
