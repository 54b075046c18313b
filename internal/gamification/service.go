package gamification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/metrics"
)

// Service awards points and keeps achievement unlocks in step with activity
type Service struct {
	repo    Repository
	stats   StatsSource
	points  PointsTable
	emitter notifications.Emitter
	logger  *zap.Logger
}

// NewService creates a new gamification service
func NewService(repo Repository, stats StatsSource, points PointsTable, emitter notifications.Emitter, logger *zap.Logger) *Service {
	if points == nil {
		points = DefaultPointsTable()
	}
	if emitter == nil {
		emitter = notifications.Nop{}
	}
	return &Service{
		repo:    repo,
		stats:   stats,
		points:  points,
		emitter: emitter,
		logger:  logger,
	}
}

// AwardPoints grants points once per (user, action, instance). It reports
// whether this call inserted the award.
func (s *Service) AwardPoints(ctx context.Context, userID string, action Action, instance string, points int64) (bool, error) {
	if userID == "" {
		return false, apperrors.NewValidation("user_id", "is required")
	}
	if instance == "" {
		return false, apperrors.NewValidation("instance", "is required")
	}
	if points <= 0 {
		return false, apperrors.NewValidation("points", "must be positive")
	}

	inserted, err := s.repo.AwardPoints(ctx, &PointAward{
		UserID:   userID,
		Action:   action,
		Instance: instance,
		Points:   points,
	})
	if err != nil {
		return false, fmt.Errorf("failed to award points: %w", err)
	}
	if inserted {
		metrics.RecordPointsAwarded(string(action), points)
		s.logger.Debug("Points awarded",
			zap.String("user_id", userID),
			zap.String("action", string(action)),
			zap.String("instance", instance),
			zap.Int64("points", points))
	}
	return inserted, nil
}

// RecordEvent awards the configured points for action and refreshes the
// user's achievements
func (s *Service) RecordEvent(ctx context.Context, userID string, action Action, instance string) (*Profile, error) {
	points, ok := s.points[action]
	if !ok {
		return nil, apperrors.NewValidation("action", "%s is not a scored action", action)
	}
	if _, err := s.AwardPoints(ctx, userID, action, instance, points); err != nil {
		return nil, err
	}
	return s.Refresh(ctx, userID)
}

// Refresh persists achievements the user newly qualifies for and emits one
// notification per unlock this call inserted
func (s *Service) Refresh(ctx context.Context, userID string) (*Profile, error) {
	stats, err := s.rawStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	previous := Profile{UserID: userID}
	for _, id := range stats.Unlocked {
		if a, ok := LookupAchievement(id); ok {
			previous.Achievements = append(previous.Achievements, a)
		}
	}

	for _, a := range CheckAchievements(previous, stats) {
		inserted, err := s.repo.Unlock(ctx, &AchievementUnlock{UserID: userID, AchievementID: a.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to record achievement %s: %w", a.ID, err)
		}
		stats.Unlocked = append(stats.Unlocked, a.ID)
		if !inserted {
			continue
		}

		s.logger.Info("Achievement unlocked",
			zap.String("user_id", userID),
			zap.String("achievement", string(a.ID)))
		s.emitter.Emit(ctx, notifications.NewEvent(
			notifications.EventAchievementUnlocked,
			string(a.ID),
			map[string]interface{}{
				"achievement": a.ID,
				"name":        a.Name,
				"points":      a.Points,
			},
			userID,
		))
	}

	profile := ComputeProfile(stats)
	return &profile, nil
}

// GetProfile computes the current profile without persisting anything
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, apperrors.NewValidation("user_id", "is required")
	}
	stats, err := s.rawStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile := ComputeProfile(stats)
	return &profile, nil
}

// ListAwards returns the user's point history, newest first
func (s *Service) ListAwards(ctx context.Context, userID string) ([]PointAward, error) {
	awards, err := s.repo.ListAwards(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list awards: %w", err)
	}
	return awards, nil
}

func (s *Service) rawStats(ctx context.Context, userID string) (RawStats, error) {
	counts, err := s.stats.ActivityCounts(ctx, userID)
	if err != nil {
		return RawStats{}, fmt.Errorf("failed to load activity: %w", err)
	}
	awarded, err := s.repo.TotalAwarded(ctx, userID)
	if err != nil {
		return RawStats{}, fmt.Errorf("failed to total awarded points: %w", err)
	}
	unlocks, err := s.repo.ListUnlocked(ctx, userID)
	if err != nil {
		return RawStats{}, fmt.Errorf("failed to list achievements: %w", err)
	}

	stats := RawStats{
		UserID:             userID,
		AwardedPoints:      awarded,
		PropertiesListed:   counts.PropertiesListed,
		ValuationsReceived: counts.ValuationsReceived,
		ValuationsGiven:    counts.ValuationsGiven,
		ScoredValuations:   counts.ScoredValuations,
		AccurateValuations: counts.AccurateValuations,
		Unlocked:           make([]AchievementID, 0, len(unlocks)),
	}
	for _, u := range unlocks {
		stats.Unlocked = append(stats.Unlocked, u.AchievementID)
	}
	return stats, nil
}
