package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
)

// UserIDKey is the gin context key an upstream auth layer sets
const UserIDKey = "user_id"

// ActingUserID returns the user on whose behalf the request runs. Session
// handling lives upstream; it either sets UserIDKey or forwards X-User-ID.
func ActingUserID(c *gin.Context) (string, bool) {
	if v := c.GetString(UserIDKey); v != "" {
		return v, true
	}
	if v := c.GetHeader("X-User-ID"); v != "" {
		return v, true
	}
	return "", false
}

// RequireUser aborts with 401 when no acting user is present
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := ActingUserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing acting user"})
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// UUIDParam parses a path parameter, writing a 400 response on failure
func UUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// IntQuery gets an integer query parameter with a default value
func IntQuery(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// RespondError writes err with the status its type maps to. Server-side
// failures are logged; client errors are not.
func RespondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err), zap.String("path", c.FullPath()))
	}

	body := gin.H{"error": err.Error()}
	var partial *apperrors.PartialCompletionError
	if errors.As(err, &partial) {
		body["resume_with"] = partial.ResumeWith
		body["record_id"] = partial.RecordID
	}
	c.JSON(status, body)
}
