package tokenization

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/httpapi"
)

// Handler handles HTTP requests for share tokens and certificates
type Handler struct {
	orchestrator *Orchestrator
	logger       *zap.Logger
}

// NewHandler creates a new tokenization handler
func NewHandler(orchestrator *Orchestrator, logger *zap.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// RegisterRoutes registers tokenization routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/properties/:id/tokens", h.listTokens)
	router.POST("/properties/:id/shares", h.tokenizeShares)
	router.POST("/properties/:id/certificates", h.tokenizeCertificate)

	shares := router.Group("/share-tokens")
	{
		shares.GET("/:id", h.getShareToken)
		shares.POST("/:id/retry-metadata", h.retryShareMetadata)
		shares.POST("/:id/transfers", h.transferShares)
		shares.GET("/:id/ownership", h.shareOwnership)
	}

	certificates := router.Group("/certificates")
	{
		certificates.GET("/:id", h.getCertificate)
		certificates.POST("/:id/transfers", h.transferCertificate)
		certificates.POST("/:id/burn", h.burnCertificate)
		certificates.GET("/:id/ownership", h.certificateOwnership)
	}
}

// tokenizeShares handles POST /api/v1/properties/:id/shares
func (h *Handler) tokenizeShares(c *gin.Context) {
	propertyID, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	var req ShareTokenizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.PropertyID = propertyID
	req.ActingUserID, _ = httpapi.ActingUserID(c)

	token, err := h.orchestrator.TokenizeAsShares(c.Request.Context(), &req)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to tokenize property as shares", err)
		return
	}

	c.JSON(http.StatusCreated, token)
}

// tokenizeCertificate handles POST /api/v1/properties/:id/certificates
func (h *Handler) tokenizeCertificate(c *gin.Context) {
	propertyID, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	var req CertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.PropertyID = propertyID
	req.ActingUserID, _ = httpapi.ActingUserID(c)

	cert, err := h.orchestrator.TokenizeAsCertificate(c.Request.Context(), &req)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to mint certificate", err)
		return
	}

	c.JSON(http.StatusCreated, cert)
}

// listTokens handles GET /api/v1/properties/:id/tokens
func (h *Handler) listTokens(c *gin.Context) {
	propertyID, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	tokens, err := h.orchestrator.ListTokens(c.Request.Context(), propertyID)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to list tokens", err)
		return
	}

	c.JSON(http.StatusOK, tokens)
}

// getShareToken handles GET /api/v1/share-tokens/:id
func (h *Handler) getShareToken(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	token, err := h.orchestrator.GetShareToken(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get share token", err)
		return
	}

	c.JSON(http.StatusOK, token)
}

// retryShareMetadata handles POST /api/v1/share-tokens/:id/retry-metadata
func (h *Handler) retryShareMetadata(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	token, err := h.orchestrator.RetryShareMetadata(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to retry share metadata", err)
		return
	}

	c.JSON(http.StatusOK, token)
}

// transferShares handles POST /api/v1/share-tokens/:id/transfers
func (h *Handler) transferShares(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	var req ShareTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ShareTokenID = id
	req.ActingUserID, _ = httpapi.ActingUserID(c)

	record, err := h.orchestrator.TransferShares(c.Request.Context(), &req)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to transfer shares", err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

// shareOwnership handles GET /api/v1/share-tokens/:id/ownership
func (h *Handler) shareOwnership(c *gin.Context) {
	h.ownership(c, TokenKindShare)
}

// getCertificate handles GET /api/v1/certificates/:id
func (h *Handler) getCertificate(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	cert, err := h.orchestrator.GetCertificate(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get certificate", err)
		return
	}

	c.JSON(http.StatusOK, cert)
}

// transferCertificate handles POST /api/v1/certificates/:id/transfers
func (h *Handler) transferCertificate(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	var req CertificateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.CertificateID = id
	req.ActingUserID, _ = httpapi.ActingUserID(c)

	record, err := h.orchestrator.TransferCertificate(c.Request.Context(), &req)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to transfer certificate", err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

// burnCertificate handles POST /api/v1/certificates/:id/burn
func (h *Handler) burnCertificate(c *gin.Context) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	var body struct {
		IdempotencyRef string `json:"idempotency_ref"`
	}
	// The body is optional
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor, _ := httpapi.ActingUserID(c)

	cert, err := h.orchestrator.BurnCertificate(c.Request.Context(), actor, id, body.IdempotencyRef)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to burn certificate", err)
		return
	}

	c.JSON(http.StatusOK, cert)
}

// certificateOwnership handles GET /api/v1/certificates/:id/ownership
func (h *Handler) certificateOwnership(c *gin.Context) {
	h.ownership(c, TokenKindCertificate)
}

func (h *Handler) ownership(c *gin.Context, kind TokenKind) {
	id, ok := httpapi.UUIDParam(c, "id")
	if !ok {
		return
	}

	records, err := h.orchestrator.OwnershipHistory(c.Request.Context(), kind, id)
	if err != nil {
		httpapi.RespondError(c, h.logger, "Failed to get ownership history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ownership": records, "count": len(records)})
}
