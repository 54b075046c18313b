package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a notification event
type EventType string

const (
	EventRequestStatusChanged EventType = "valuation_request.status_changed"
	EventAchievementUnlocked  EventType = "gamification.achievement_unlocked"
	EventCertificateMinted    EventType = "tokenization.certificate_minted"
)

// Event is a fire-and-forget notification about something that already happened
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       EventType              `json:"type"`
	Recipients []string               `json:"recipients"`
	Subject    string                 `json:"subject"`
	Data       map[string]interface{} `json:"data"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// NewEvent creates an event addressed to recipients. Empty recipients are dropped.
func NewEvent(eventType EventType, subject string, data map[string]interface{}, recipients ...string) Event {
	to := make([]string, 0, len(recipients))
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if r != "" && !seen[r] {
			seen[r] = true
			to = append(to, r)
		}
	}
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		Recipients: to,
		Subject:    subject,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Emitter accepts events without reporting delivery failures
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Publisher delivers an event over one channel
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// WebSocket message types
const (
	WSMessageTypeEvent  = "event"
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
)

// WebSocketMessage is the frame sent to connected clients
type WebSocketMessage struct {
	Type      string                 `json:"type"`
	Event     *Event                 `json:"event,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Target    string                 `json:"target,omitempty"`
}
