package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/httpapi"
)

// Handler exposes escrow holds read-only; they change only through
// valuation request transitions
type Handler struct {
	coordinator *Coordinator
	logger      *zap.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(coordinator *Coordinator, logger *zap.Logger) *Handler {
	return &Handler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers escrow routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/escrows/:id", h.getEscrow)
	router.GET("/valuation-requests/:id/escrow", h.getRequestEscrow)
}

// getEscrow handles GET /api/v1/escrows/:id
func (h *Handler) getEscrow(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	e, err := h.coordinator.Get(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get escrow", err)
		return
	}

	c.JSON(http.StatusOK, e)
}

// getRequestEscrow handles GET /api/v1/valuation-requests/:id/escrow
func (h *Handler) getRequestEscrow(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	e, err := h.coordinator.GetByRequest(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get escrow", err)
		return
	}

	c.JSON(http.StatusOK, e)
}
