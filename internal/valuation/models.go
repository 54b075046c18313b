package valuation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"mapchain/valuation-portal/valuation-portal-backend/internal/aivaluation"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/workflows"
)

// Status is the lifecycle state of a valuation request
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// NewStateMachine returns the request transition table
func NewStateMachine() *workflows.StateMachine[Status] {
	return workflows.NewStateMachine(map[Status][]Status{
		StatusPending:    {StatusAccepted, StatusCancelled},
		StatusAccepted:   {StatusInProgress, StatusCancelled},
		StatusInProgress: {StatusCompleted, StatusCancelled, StatusDisputed},
		StatusCompleted:  {StatusDisputed},
	})
}

// ValuationRequest asks a valuator for an official valuation of a property.
// Requests are never deleted.
type ValuationRequest struct {
	ID          uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PropertyID  uuid.UUID       `json:"property_id" gorm:"type:uuid;not null;index"`
	RequesterID string          `json:"requester_id" gorm:"not null;index"`
	ValuatorID  string          `json:"valuator_id,omitempty" gorm:"index"`
	Status      Status          `json:"status" gorm:"type:varchar(20);not null;index"`
	Fee         decimal.Decimal `json:"fee" gorm:"type:numeric(20,2);not null"`
	Currency    string          `json:"currency" gorm:"type:varchar(3);not null;default:'USD'"`
	IsUrgent    bool            `json:"is_urgent" gorm:"not null;default:false"`
	Notes       string          `json:"notes,omitempty"`
	EscrowID    *uuid.UUID      `json:"escrow_id,omitempty" gorm:"type:uuid"`

	// AI estimate, advisory only
	AIEstimatedValue decimal.NullDecimal                     `json:"ai_estimated_value" gorm:"type:numeric(20,2)"`
	AIConfidence     *float64                                `json:"ai_confidence,omitempty"`
	AIFactors        datatypes.JSONSlice[aivaluation.Factor] `json:"ai_factors,omitempty"`
	AIEstimatedAt    *time.Time                              `json:"ai_estimated_at,omitempty"`

	// Official result, set by Complete
	OfficialValue      decimal.NullDecimal `json:"official_value" gorm:"type:numeric(20,2)"`
	ReportRef          string              `json:"report_ref,omitempty"`
	TokenizeRequested  bool                `json:"tokenize_requested" gorm:"not null;default:false"`
	CertificateID      *uuid.UUID          `json:"certificate_id,omitempty" gorm:"type:uuid"`
	CertificatePending bool                `json:"certificate_pending" gorm:"not null;default:false;index"`

	CancelReason  string `json:"cancel_reason,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty"`
	DisputedBy    string `json:"disputed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	DisputedAt  *time.Time `json:"disputed_at,omitempty"`
}

// TableName returns the table name for ValuationRequest
func (ValuationRequest) TableName() string {
	return "valuation_requests"
}

// IsParty reports whether userID is the requester or the assigned valuator
func (r *ValuationRequest) IsParty(userID string) bool {
	return userID != "" && (userID == r.RequesterID || userID == r.ValuatorID)
}

// CreateRequest is the input for Create
type CreateRequest struct {
	PropertyID uuid.UUID       `json:"property_id" binding:"required"`
	Fee        decimal.Decimal `json:"fee"`
	Currency   string          `json:"currency"`
	IsUrgent   bool            `json:"is_urgent"`
	Notes      string          `json:"notes"`
	// IdempotencyKey makes retries of the same create safe; the
	// Idempotency-Key header is used when it is empty
	IdempotencyKey string `json:"idempotency_key"`
}

// CompleteRequest is the input for Complete
type CompleteRequest struct {
	OfficialValue decimal.Decimal `json:"official_value"`
	ReportRef     string          `json:"report_ref"`
	Tokenize      bool            `json:"tokenize"`
}

// ReasonRequest carries the optional reason for Cancel and Dispute
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	PropertyID  *uuid.UUID
	RequesterID string
	ValuatorID  string
	Status      Status
	Limit       int
	Offset      int
}
