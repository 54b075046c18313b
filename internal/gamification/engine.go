package gamification

import "sort"

// Level is one step of the level table
type Level struct {
	Level          int      `json:"level"`
	Title          string   `json:"title"`
	RequiredPoints int64    `json:"required_points"`
	Benefits       []string `json:"benefits"`
}

// AchievementID identifies an achievement
type AchievementID string

const (
	AchievementFirstProperty     AchievementID = "first_property"
	AchievementFirstValuation    AchievementID = "first_valuation"
	AchievementAccuracyMaster    AchievementID = "accuracy_master"
	AchievementPropertyCollector AchievementID = "property_collector"
	AchievementValuationExpert   AchievementID = "valuation_expert"
)

// Achievement is a one-time award with a point reward
type Achievement struct {
	ID          AchievementID `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Points      int64         `json:"points"`
}

// Accuracy thresholds
const (
	AccuracyTolerancePercent = 10
	AccuracyMasterPercent    = 90
	AccuracyMasterMinimum    = 10
)

// levels must stay ordered by strictly increasing RequiredPoints
var levels = []Level{
	{Level: 1, Title: "Novice Appraiser", RequiredPoints: 0, Benefits: []string{"Basic property listing", "Request valuations"}},
	{Level: 2, Title: "Property Scout", RequiredPoints: 100, Benefits: []string{"Enhanced property visibility", "5% discount on valuations"}},
	{Level: 3, Title: "Market Analyst", RequiredPoints: 300, Benefits: []string{"Priority in valuation queue", "10% discount on valuations"}},
	{Level: 4, Title: "Property Expert", RequiredPoints: 1000, Benefits: []string{"Featured property listings", "15% discount on valuations"}},
	{Level: 5, Title: "Master Valuator", RequiredPoints: 3000, Benefits: []string{"Access to advanced analytics", "20% discount on valuations"}},
}

var achievements = []Achievement{
	{
		ID:          AchievementFirstProperty,
		Name:        "Property Pioneer",
		Description: "List your first property",
		Points:      50,
	},
	{
		ID:          AchievementFirstValuation,
		Name:        "First Appraisal",
		Description: "Receive your first property valuation",
		Points:      50,
	},
	{
		ID:          AchievementAccuracyMaster,
		Name:        "Accuracy Master",
		Description: "Keep 90% valuation accuracy over at least 10 valuations",
		Points:      500,
	},
	{
		ID:          AchievementPropertyCollector,
		Name:        "Property Mogul",
		Description: "List 10 properties on the platform",
		Points:      300,
	},
	{
		ID:          AchievementValuationExpert,
		Name:        "Valuation Expert",
		Description: "Complete 50 property valuations",
		Points:      1000,
	},
}

var predicates = map[AchievementID]func(RawStats) bool{
	AchievementFirstProperty:  func(s RawStats) bool { return s.PropertiesListed >= 1 },
	AchievementFirstValuation: func(s RawStats) bool { return s.ValuationsReceived >= 1 },
	AchievementAccuracyMaster: func(s RawStats) bool {
		return s.ValuationsGiven >= AccuracyMasterMinimum && s.Accuracy() >= AccuracyMasterPercent
	},
	AchievementPropertyCollector: func(s RawStats) bool { return s.PropertiesListed >= 10 },
	AchievementValuationExpert:   func(s RawStats) bool { return s.ValuationsGiven >= 50 },
}

// Qualifies reports whether stats meet the achievement's condition
func (a Achievement) Qualifies(stats RawStats) bool {
	pred, ok := predicates[a.ID]
	return ok && pred(stats)
}

// Levels returns a copy of the level table
func Levels() []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	return out
}

// Achievements returns the achievement catalog
func Achievements() []Achievement {
	out := make([]Achievement, len(achievements))
	copy(out, achievements)
	return out
}

// LookupAchievement returns the catalog entry for id
func LookupAchievement(id AchievementID) (Achievement, bool) {
	for _, a := range achievements {
		if a.ID == id {
			return a, true
		}
	}
	return Achievement{}, false
}

// RawStats are the accumulated counts a profile is computed from
type RawStats struct {
	UserID             string          `json:"user_id"`
	AwardedPoints      int64           `json:"awarded_points"`
	PropertiesListed   int             `json:"properties_listed"`
	ValuationsReceived int             `json:"valuations_received"`
	ValuationsGiven    int             `json:"valuations_given"`
	ScoredValuations   int             `json:"scored_valuations"`
	AccurateValuations int             `json:"accurate_valuations"`
	Unlocked           []AchievementID `json:"unlocked"`
}

// Accuracy is the percentage of AI-scored valuations that landed within
// AccuracyTolerancePercent of the AI estimate
func (s RawStats) Accuracy() float64 {
	if s.ScoredValuations == 0 {
		return 0
	}
	return float64(s.AccurateValuations) * 100 / float64(s.ScoredValuations)
}

// Profile is the derived gamification state of a user
type Profile struct {
	UserID             string        `json:"user_id"`
	TotalPoints        int64         `json:"total_points"`
	Level              Level         `json:"level"`
	NextLevel          *Level        `json:"next_level,omitempty"`
	PointsToNextLevel  int64         `json:"points_to_next_level"`
	LevelProgress      float64       `json:"level_progress"`
	Achievements       []Achievement `json:"achievements"`
	PropertiesListed   int           `json:"properties_listed"`
	ValuationsReceived int           `json:"valuations_received"`
	ValuationsGiven    int           `json:"valuations_given"`
	Accuracy           float64       `json:"accuracy"`
}

// HasAchievement reports whether the profile holds id
func (p Profile) HasAchievement(id AchievementID) bool {
	for _, a := range p.Achievements {
		if a.ID == id {
			return true
		}
	}
	return false
}

// ComputeProfile derives a profile from stats. It is a pure function:
// achievements already unlocked are kept even if they no longer qualify,
// and the level depends only on total points.
func ComputeProfile(stats RawStats) Profile {
	held := make(map[AchievementID]bool, len(stats.Unlocked))
	for _, id := range stats.Unlocked {
		held[id] = true
	}

	profile := Profile{
		UserID:             stats.UserID,
		TotalPoints:        stats.AwardedPoints,
		Achievements:       []Achievement{},
		PropertiesListed:   stats.PropertiesListed,
		ValuationsReceived: stats.ValuationsReceived,
		ValuationsGiven:    stats.ValuationsGiven,
		Accuracy:           stats.Accuracy(),
	}
	for _, a := range achievements {
		if held[a.ID] || a.Qualifies(stats) {
			profile.Achievements = append(profile.Achievements, a)
			profile.TotalPoints += a.Points
		}
	}

	profile.Level = LevelFor(profile.TotalPoints)
	if next, ok := nextLevel(profile.Level); ok {
		profile.NextLevel = &next
		profile.PointsToNextLevel = next.RequiredPoints - profile.TotalPoints
		span := next.RequiredPoints - profile.Level.RequiredPoints
		profile.LevelProgress = float64(profile.TotalPoints-profile.Level.RequiredPoints) * 100 / float64(span)
	} else {
		profile.LevelProgress = 100
	}

	return profile
}

// CheckAchievements returns achievements that qualify under stats but are
// not held by previous. The result is informational only.
func CheckAchievements(previous Profile, stats RawStats) []Achievement {
	var unlocked []Achievement
	for _, a := range achievements {
		if a.Qualifies(stats) && !previous.HasAchievement(a.ID) {
			unlocked = append(unlocked, a)
		}
	}
	return unlocked
}

// LevelFor returns the highest level whose threshold points reaches
func LevelFor(points int64) Level {
	idx := sort.Search(len(levels), func(i int) bool { return levels[i].RequiredPoints > points })
	if idx == 0 {
		return levels[0]
	}
	return levels[idx-1]
}

func nextLevel(current Level) (Level, bool) {
	for _, l := range levels {
		if l.RequiredPoints > current.RequiredPoints {
			return l, true
		}
	}
	return Level{}, false
}
