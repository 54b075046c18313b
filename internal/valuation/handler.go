package valuation

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/aivaluation"
	"mapchain/valuation-portal/valuation-portal-backend/internal/httpapi"
)

// Handler handles HTTP requests for valuation requests
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new valuation request handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers valuation request routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	requests := router.Group("/valuation-requests")
	{
		requests.POST("", h.createRequest)
		requests.GET("", h.listRequests)
		requests.GET("/:id", h.getRequest)
		requests.POST("/:id/accept", h.acceptRequest)
		requests.POST("/:id/begin", h.beginRequest)
		requests.POST("/:id/complete", h.completeRequest)
		requests.POST("/:id/cancel", h.cancelRequest)
		requests.POST("/:id/dispute", h.disputeRequest)
		requests.POST("/:id/ai-estimate", h.attachAIValuation)
		requests.POST("/:id/certificate", h.retryCertificate)
	}
}

// createRequest handles POST /api/v1/valuation-requests
func (h *Handler) createRequest(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	userID, _ := httpapi.ActingUserID(c)
	request, err := h.service.Create(c.Request.Context(), userID, &req)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to create valuation request", err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

// listRequests handles GET /api/v1/valuation-requests?requester_id=&valuator_id=&status=&property_id=
func (h *Handler) listRequests(c *gin.Context) {
	filter := ListFilter{
		RequesterID: c.Query("requester_id"),
		ValuatorID:  c.Query("valuator_id"),
		Status:      Status(c.Query("status")),
		Limit:       httpapi.IntQuery(c, "limit", 50),
		Offset:      httpapi.IntQuery(c, "offset", 0),
	}
	if raw := c.Query("property_id"); raw != "" {
		propertyID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property_id"})
			return
		}
		filter.PropertyID = &propertyID
	}

	requests, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to list valuation requests", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"valuation_requests": requests, "count": len(requests)})
}

// getRequest handles GET /api/v1/valuation-requests/:id
func (h *Handler) getRequest(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	request, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get valuation request", err)
		return
	}

	c.JSON(http.StatusOK, request)
}

func (h *Handler) acceptRequest(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}
	userID, _ := httpapi.ActingUserID(c)
	h.respond(c, "Failed to accept valuation request")(h.service.Accept(c.Request.Context(), userID, id))
}

func (h *Handler) beginRequest(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}
	userID, _ := httpapi.ActingUserID(c)
	h.respond(c, "Failed to begin valuation")(h.service.Begin(c.Request.Context(), userID, id))
}

// completeRequest handles POST /api/v1/valuation-requests/:id/complete. A
// failed certificate mint answers 202 with the completed request.
func (h *Handler) completeRequest(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, _ := httpapi.ActingUserID(c)
	h.respond(c, "Failed to complete valuation")(h.service.Complete(c.Request.Context(), userID, id, &req))
}

func (h *Handler) cancelRequest(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	userID, _ := httpapi.ActingUserID(c)
	h.respond(c, "Failed to cancel valuation request")(h.service.Cancel(c.Request.Context(), userID, id, reason))
}

func (h *Handler) disputeRequest(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	userID, _ := httpapi.ActingUserID(c)
	h.respond(c, "Failed to dispute valuation request")(h.service.Dispute(c.Request.Context(), userID, id, reason))
}

// attachAIValuation handles POST /api/v1/valuation-requests/:id/ai-estimate
func (h *Handler) attachAIValuation(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}
	userID, _ := httpapi.ActingUserID(c)

	request, err := h.service.AttachAIValuation(c.Request.Context(), userID, id)
	if errors.Is(err, aivaluation.ErrValuationUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "Failed to attach AI valuation")(request, err)
}

func (h *Handler) retryCertificate(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}
	userID, _ := httpapi.ActingUserID(c)
	h.respond(c, "Failed to issue certificate")(h.service.RetryCertificate(c.Request.Context(), userID, id))
}

// respond writes the updated record, or the error. A partial completion
// still carries the record.
func (h *Handler) respond(c *gin.Context, msg string) func(*ValuationRequest, error) {
	return func(request *ValuationRequest, err error) {
		if err == nil {
			c.JSON(http.StatusOK, request)
			return
		}
		if request != nil {
			h.logger.Warn(msg, zap.String("request_id", request.ID.String()), zap.Error(err))
			c.JSON(http.StatusAccepted, gin.H{"valuation_request": request, "error": err.Error()})
			return
		}
		httpapi.RespondError(c, h.logger, msg, err)
	}
}

func bindReason(c *gin.Context) (string, bool) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return req.Reason, true
}
