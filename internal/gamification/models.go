package gamification

import (
	"time"

	"github.com/google/uuid"
)

// Action is a scored platform action
type Action string

const (
	ActionRequestCreated    Action = "request_created"
	ActionRequestCompleted  Action = "request_completed"
	ActionPropertyTokenized Action = "property_tokenized"
)

// PointAward is one awarded batch of points. (UserID, Action, Instance) is
// unique so a retried transition never scores twice.
type PointAward struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID    string    `json:"user_id" gorm:"not null;uniqueIndex:idx_point_awards_instance"`
	Action    Action    `json:"action" gorm:"not null;uniqueIndex:idx_point_awards_instance"`
	Instance  string    `json:"instance" gorm:"not null;uniqueIndex:idx_point_awards_instance"`
	Points    int64     `json:"points" gorm:"not null"`
	AwardedAt time.Time `json:"awarded_at" gorm:"autoCreateTime"`
}

// TableName returns the table name for PointAward
func (PointAward) TableName() string {
	return "point_awards"
}

// AchievementUnlock records that a user holds an achievement. Rows are never deleted.
type AchievementUnlock struct {
	UserID        string        `json:"user_id" gorm:"primaryKey"`
	AchievementID AchievementID `json:"achievement_id" gorm:"primaryKey"`
	UnlockedAt    time.Time     `json:"unlocked_at" gorm:"autoCreateTime"`
}

// TableName returns the table name for AchievementUnlock
func (AchievementUnlock) TableName() string {
	return "achievement_unlocks"
}

// ActivityCounts are the per-user counts read from the marketplace records
type ActivityCounts struct {
	PropertiesListed   int `json:"properties_listed" db:"properties_listed"`
	ValuationsReceived int `json:"valuations_received" db:"valuations_received"`
	ValuationsGiven    int `json:"valuations_given" db:"valuations_given"`
	ScoredValuations   int `json:"scored_valuations" db:"scored_valuations"`
	AccurateValuations int `json:"accurate_valuations" db:"accurate_valuations"`
}

// PointsTable maps scored actions to the points they grant
type PointsTable map[Action]int64

// DefaultPointsTable returns the standard awards
func DefaultPointsTable() PointsTable {
	return PointsTable{
		ActionRequestCreated:    10,
		ActionRequestCompleted:  50,
		ActionPropertyTokenized: 25,
	}
}
