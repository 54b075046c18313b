package aivaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
)

// ErrValuationUnavailable is returned for every failure of the AI service.
// Callers treat it as "no estimate" and carry on.
var ErrValuationUnavailable = errors.New("ai valuation unavailable")

// Factor is one weighted input the model reported
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Estimate is the model's opinion of a property's value
type Estimate struct {
	EstimatedValue  decimal.Decimal `json:"estimated_value"`
	ConfidenceScore float64         `json:"confidence_score"`
	Factors         []Factor        `json:"factors"`
	Explanation     string          `json:"explanation,omitempty"`
	EstimatedAt     time.Time       `json:"estimated_at"`
}

// Config contains the AI service connection settings
type Config struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// Client calls the AI valuation service
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewClient creates a new AI valuation client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		logger:     logger,
	}
}

type featureVector struct {
	Size          float64  `json:"size"`
	Bedrooms      int      `json:"bedrooms"`
	Bathrooms     int      `json:"bathrooms"`
	YearBuilt     int      `json:"year_built"`
	LocationLat   float64  `json:"location_lat"`
	LocationLng   float64  `json:"location_lng"`
	PreviousValue *float64 `json:"previous_value,omitempty"`
}

type predictRequest struct {
	PropertyID string        `json:"property_id"`
	Features   featureVector `json:"features"`
}

// Estimate requests a prediction for property
func (c *Client) Estimate(ctx context.Context, property *properties.Property) (*Estimate, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: service URL not configured", ErrValuationUnavailable)
	}

	body, err := json.Marshal(buildRequest(property))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValuationUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValuationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("AI valuation request failed", zap.String("property_id", property.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrValuationUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrValuationUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("AI valuation service returned an error",
			zap.String("property_id", property.ID.String()),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", gjson.GetBytes(payload, "detail").String()))
		return nil, fmt.Errorf("%w: status %d", ErrValuationUnavailable, resp.StatusCode)
	}

	return parseEstimate(payload)
}

func buildRequest(property *properties.Property) predictRequest {
	address := property.Address.Data()
	features := property.Features.Data()

	req := predictRequest{
		PropertyID: property.ID.String(),
		Features: featureVector{
			Size:        features.SizeSqm.InexactFloat64(),
			Bedrooms:    features.Bedrooms,
			Bathrooms:   features.Bathrooms,
			YearBuilt:   features.YearBuilt,
			LocationLat: address.Latitude,
			LocationLng: address.Longitude,
		},
	}
	if current, ok := property.CurrentValuation(); ok {
		prev := current.Amount.InexactFloat64()
		req.Features.PreviousValue = &prev
	}
	return req
}

func parseEstimate(payload []byte) (*Estimate, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: malformed response", ErrValuationUnavailable)
	}
	result := gjson.ParseBytes(payload)

	value, err := decimal.NewFromString(result.Get("estimated_value").String())
	if err != nil || !value.IsPositive() {
		return nil, fmt.Errorf("%w: no estimate in response", ErrValuationUnavailable)
	}

	confidence := result.Get("confidence_score").Float()
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrValuationUnavailable, confidence)
	}

	estimate := &Estimate{
		EstimatedValue:  value.Round(2),
		ConfidenceScore: confidence,
		Factors:         []Factor{},
		Explanation:     result.Get("explanation").String(),
		EstimatedAt:     time.Now().UTC(),
	}
	if ts, err := time.Parse(time.RFC3339, result.Get("timestamp").String()); err == nil {
		estimate.EstimatedAt = ts.UTC()
	}

	result.Get("factors").ForEach(func(_, f gjson.Result) bool {
		estimate.Factors = append(estimate.Factors, Factor{
			Name:   f.Get("name").String(),
			Weight: f.Get("weight").Float(),
		})
		return true
	})

	return estimate, nil
}
