package valuation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"mapchain/valuation-portal/valuation-portal-backend/internal/gamification"
	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
)

// PropertyLister lists the properties a user owns
type PropertyLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]properties.Property, error)
}

// ActivityCounter derives gamification activity counts from repositories.
// It serves deployments without the SQL read model.
type ActivityCounter struct {
	props    PropertyLister
	requests Repository
}

// NewActivityCounter creates a counter over the given repositories
func NewActivityCounter(props PropertyLister, requests Repository) *ActivityCounter {
	return &ActivityCounter{props: props, requests: requests}
}

var accuracyTolerance = decimal.NewFromInt(gamification.AccuracyTolerancePercent).Div(decimal.NewFromInt(100))

func (c *ActivityCounter) ActivityCounts(ctx context.Context, userID string) (*gamification.ActivityCounts, error) {
	owned, err := c.props.ListByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	received, err := c.requests.List(ctx, ListFilter{RequesterID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to list requested valuations: %w", err)
	}
	given, err := c.requests.List(ctx, ListFilter{ValuatorID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to list given valuations: %w", err)
	}

	counts := &gamification.ActivityCounts{PropertiesListed: len(owned)}
	for _, r := range received {
		if r.OfficialValue.Valid {
			counts.ValuationsReceived++
		}
	}
	for _, r := range given {
		if !r.OfficialValue.Valid {
			continue
		}
		counts.ValuationsGiven++
		if !r.AIEstimatedValue.Valid || !r.AIEstimatedValue.Decimal.IsPositive() {
			continue
		}
		counts.ScoredValuations++
		if IsAccurate(r.OfficialValue.Decimal, r.AIEstimatedValue.Decimal) {
			counts.AccurateValuations++
		}
	}
	return counts, nil
}

// IsAccurate reports whether official is within the accuracy tolerance of the AI estimate
func IsAccurate(official, estimate decimal.Decimal) bool {
	return official.Sub(estimate).Abs().LessThanOrEqual(estimate.Mul(accuracyTolerance))
}
