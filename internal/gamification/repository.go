package gamification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists point awards and achievement unlocks. Both inserts
// report whether a new row was written.
type Repository interface {
	AwardPoints(ctx context.Context, award *PointAward) (bool, error)
	TotalAwarded(ctx context.Context, userID string) (int64, error)
	ListAwards(ctx context.Context, userID string) ([]PointAward, error)
	Unlock(ctx context.Context, unlock *AchievementUnlock) (bool, error)
	ListUnlocked(ctx context.Context, userID string) ([]AchievementUnlock, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a new gorm gamification repository
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) AwardPoints(ctx context.Context, award *PointAward) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(award)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *gormRepository) TotalAwarded(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&PointAward{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(points), 0)").
		Scan(&total).Error
	return total, err
}

func (r *gormRepository) ListAwards(ctx context.Context, userID string) ([]PointAward, error) {
	var awards []PointAward
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("awarded_at DESC").
		Find(&awards).Error
	return awards, err
}

func (r *gormRepository) Unlock(ctx context.Context, unlock *AchievementUnlock) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(unlock)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *gormRepository) ListUnlocked(ctx context.Context, userID string) ([]AchievementUnlock, error) {
	var unlocks []AchievementUnlock
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("unlocked_at ASC").
		Find(&unlocks).Error
	return unlocks, err
}

// MemoryRepository keeps awards and unlocks in process memory
type MemoryRepository struct {
	mu      sync.RWMutex
	awards  map[string]PointAward
	unlocks map[string]AchievementUnlock
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		awards:  make(map[string]PointAward),
		unlocks: make(map[string]AchievementUnlock),
	}
}

func (r *MemoryRepository) AwardPoints(ctx context.Context, award *PointAward) (bool, error) {
	key := award.UserID + "|" + string(award.Action) + "|" + award.Instance
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.awards[key]; ok {
		return false, nil
	}
	if award.ID == uuid.Nil {
		award.ID = uuid.New()
	}
	award.AwardedAt = time.Now()
	r.awards[key] = *award
	return true, nil
}

func (r *MemoryRepository) TotalAwarded(ctx context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, award := range r.awards {
		if award.UserID == userID {
			total += award.Points
		}
	}
	return total, nil
}

func (r *MemoryRepository) ListAwards(ctx context.Context, userID string) ([]PointAward, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PointAward
	for _, award := range r.awards {
		if award.UserID == userID {
			out = append(out, award)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AwardedAt.After(out[j].AwardedAt) })
	return out, nil
}

func (r *MemoryRepository) Unlock(ctx context.Context, unlock *AchievementUnlock) (bool, error) {
	key := unlock.UserID + "|" + string(unlock.AchievementID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.unlocks[key]; ok {
		return false, nil
	}
	unlock.UnlockedAt = time.Now()
	r.unlocks[key] = *unlock
	return true, nil
}

func (r *MemoryRepository) ListUnlocked(ctx context.Context, userID string) ([]AchievementUnlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AchievementUnlock
	for _, unlock := range r.unlocks {
		if unlock.UserID == userID {
			out = append(out, unlock)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnlockedAt.Before(out[j].UnlockedAt) })
	return out, nil
}
