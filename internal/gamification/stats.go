package gamification

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// StatsSource reads the activity counts of a user
type StatsSource interface {
	ActivityCounts(ctx context.Context, userID string) (*ActivityCounts, error)
}

// activityQuery counts a user's listings and valuations. A valuation is
// accurate when the official value is within 10% of the AI estimate.
const activityQuery = `
	SELECT
		(SELECT COUNT(*) FROM properties WHERE owner_id = $1) AS properties_listed,
		(SELECT COUNT(*) FROM valuation_requests
			WHERE requester_id = $1 AND official_value IS NOT NULL) AS valuations_received,
		(SELECT COUNT(*) FROM valuation_requests
			WHERE valuator_id = $1 AND official_value IS NOT NULL) AS valuations_given,
		(SELECT COUNT(*) FROM valuation_requests
			WHERE valuator_id = $1 AND official_value IS NOT NULL AND ai_estimated_value > 0) AS scored_valuations,
		(SELECT COUNT(*) FROM valuation_requests
			WHERE valuator_id = $1 AND official_value IS NOT NULL AND ai_estimated_value > 0
			AND ABS(official_value - ai_estimated_value) <= ai_estimated_value * 0.10) AS accurate_valuations`

// SQLStatsReader reads activity counts straight from the marketplace tables
type SQLStatsReader struct {
	db *sqlx.DB
}

// NewSQLStatsReader creates a stats reader over the shared connection pool
func NewSQLStatsReader(db *sqlx.DB) *SQLStatsReader {
	return &SQLStatsReader{db: db}
}

func (r *SQLStatsReader) ActivityCounts(ctx context.Context, userID string) (*ActivityCounts, error) {
	var counts ActivityCounts
	if err := r.db.GetContext(ctx, &counts, activityQuery, userID); err != nil {
		return nil, fmt.Errorf("failed to read activity counts: %w", err)
	}
	return &counts, nil
}
