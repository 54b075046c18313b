package gamification

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/httpapi"
)

// Handler exposes profiles and the scoring catalog
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new gamification handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers gamification routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/users/:id/profile", h.getProfile)
	router.GET("/users/:id/points", h.listAwards)

	catalog := router.Group("/gamification")
	{
		catalog.GET("/levels", h.listLevels)
		catalog.GET("/achievements", h.listAchievements)
	}
}

// getProfile handles GET /api/v1/users/:id/profile. "me" resolves to the acting user.
func (h *Handler) getProfile(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}

	profile, err := h.service.GetProfile(c.Request.Context(), userID)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get profile", err)
		return
	}

	c.JSON(http.StatusOK, profile)
}

// listAwards handles GET /api/v1/users/:id/points
func (h *Handler) listAwards(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}

	awards, err := h.service.ListAwards(c.Request.Context(), userID)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to list awards", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"awards": awards, "count": len(awards)})
}

func (h *Handler) listLevels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"levels": Levels()})
}

func (h *Handler) listAchievements(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"achievements": Achievements()})
}

func (h *Handler) userParam(c *gin.Context) (string, bool) {
	userID := c.Param("id")
	if userID == "me" {
		acting, ok := httpapi.ActingUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing acting user"})
			return "", false
		}
		userID = acting
	}
	return userID, true
}
