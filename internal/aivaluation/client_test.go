package aivaluation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
)

func testProperty() *properties.Property {
	return &properties.Property{
		ID:      uuid.New(),
		OwnerID: "owner",
		Title:   "Canal house",
		Address: datatypes.NewJSONType(properties.Address{City: "Lagos", Latitude: 6.45, Longitude: 3.39}),
		Features: datatypes.NewJSONType(properties.Features{
			LandType:  properties.LandTypeResidential,
			SizeSqm:   decimal.NewFromInt(180),
			Bedrooms:  3,
			Bathrooms: 2,
			YearBuilt: 2004,
		}),
	}
}

func TestClient_Estimate(t *testing.T) {
	property := testProperty()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, property.ID.String(), body.PropertyID)
		assert.Equal(t, float64(180), body.Features.Size)
		assert.Equal(t, 3, body.Features.Bedrooms)
		assert.Equal(t, 6.45, body.Features.LocationLat)
		assert.Nil(t, body.Features.PreviousValue)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"property_id": "` + property.ID.String() + `",
			"estimated_value": 250000.456,
			"confidence_score": 0.82,
			"timestamp": "2026-03-01T10:00:00Z",
			"explanation": "comparable sales",
			"factors": [{"name": "location", "weight": 0.6}, {"name": "size", "weight": 0.4}]
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	estimate, err := client.Estimate(context.Background(), property)
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("250000.46").Equal(estimate.EstimatedValue))
	assert.Equal(t, 0.82, estimate.ConfidenceScore)
	assert.Equal(t, "comparable sales", estimate.Explanation)
	assert.Equal(t, []Factor{{Name: "location", Weight: 0.6}, {Name: "size", Weight: 0.4}}, estimate.Factors)
	assert.Equal(t, 2026, estimate.EstimatedAt.Year())
}

func TestClient_EstimateUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusInternalServerError, `{"detail": "model not loaded"}`},
		{"zero estimate", http.StatusOK, `{"estimated_value": 0, "confidence_score": 0}`},
		{"confidence out of range", http.StatusOK, `{"estimated_value": 1000, "confidence_score": 1.5}`},
		{"malformed", http.StatusOK, `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
			_, err := client.Estimate(context.Background(), testProperty())
			assert.ErrorIs(t, err, ErrValuationUnavailable)
		})
	}
}

func TestClient_EstimateUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(Config{BaseURL: url}, zap.NewNop())
	_, err := client.Estimate(context.Background(), testProperty())
	assert.ErrorIs(t, err, ErrValuationUnavailable)

	unconfigured := NewClient(Config{}, zap.NewNop())
	_, err = unconfigured.Estimate(context.Background(), testProperty())
	assert.ErrorIs(t, err, ErrValuationUnavailable)
}
