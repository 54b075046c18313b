package tokenization

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(f.orchestrator, zap.NewNop()).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func serve(router *gin.Engine, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_BurnRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, nil)
	router := newTestRouter(f)
	cert, err := f.orchestrator.TokenizeAsCertificate(context.Background(), f.certificateRequest(uuid.New()))
	require.NoError(t, err)

	w := serve(router, http.MethodPost, "/api/v1/certificates/"+cert.ID.String()+"/burn", "owner-1", `{"idempotency_ref":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	loaded, err := f.orchestrator.GetCertificate(context.Background(), cert.ID)
	require.NoError(t, err)
	assert.Equal(t, CertificateStatusActive, loaded.Status)

	// An empty body is still accepted
	w = serve(router, http.MethodPost, "/api/v1/certificates/"+cert.ID.String()+"/burn", "owner-1", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_ActorIsCheckedForTokenOperations(t *testing.T) {
	f := newFixture(t, nil)
	router := newTestRouter(f)
	propertyPath := "/api/v1/properties/" + f.property.ID.String()

	w := serve(router, http.MethodPost, propertyPath+"/shares", "stranger", `{"total_shares":100,"price_per_share":"10"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(router, http.MethodPost, propertyPath+"/shares", "", `{"total_shares":100,"price_per_share":"10"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(router, http.MethodPost, propertyPath+"/shares", "owner-1", `{"total_shares":100,"price_per_share":"10"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Valuation fields in the body cannot stand in for a completed request
	body := `{"idempotency_ref":"c-1","valuation_request_id":"` + uuid.NewString() + `","valuation":{"valuator_id":"stranger","amount":"1","currency":"USD"}}`
	w = serve(router, http.MethodPost, propertyPath+"/certificates", "stranger", body)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
