package properties

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/httpapi"
)

// Handler handles HTTP requests for property listings
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new properties handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers property routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	properties := router.Group("/properties")
	{
		properties.POST("", h.registerProperty)
		properties.GET("", h.listProperties)
		properties.GET("/:id", h.getProperty)
	}
}

// registerProperty handles POST /api/v1/properties
func (h *Handler) registerProperty(c *gin.Context) {
	var req RegisterPropertyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, _ := httpapi.ActingUserID(c)
	property, err := h.service.Register(c.Request.Context(), userID, &req)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to register property", err)
		return
	}

	c.JSON(http.StatusCreated, property)
}

// listProperties handles GET /api/v1/properties?owner_id=
func (h *Handler) listProperties(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		ownerID, _ = httpapi.ActingUserID(c)
	}

	properties, err := h.service.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to list properties", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"properties": properties, "count": len(properties)})
}

// getProperty handles GET /api/v1/properties/:id
func (h *Handler) getProperty(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	property, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get property", err)
		return
	}

	c.JSON(http.StatusOK, property)
}
