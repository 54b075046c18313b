package escrow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the status of an escrow hold
type Status string

const (
	// StatusPending is a lock submitted to the ledger whose outcome is not
	// recorded yet
	StatusPending  Status = "pending"
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Terminal reports whether the hold has been resolved
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Escrow is the payment hold bound to one valuation request. Amount never
// changes after creation; released and refunded are mutually exclusive.
// Bound is set once the owning request is persisted; unbound holds past
// their grace period are returned to the payer.
type Escrow struct {
	ID              uuid.UUID       `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	RequestID       uuid.UUID       `json:"request_id" gorm:"type:uuid;not null;uniqueIndex"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(18,2);not null"`
	Payer           string          `json:"payer" gorm:"not null"`
	Payee           string          `json:"payee,omitempty"`
	Status          Status          `json:"status" gorm:"not null;index"`
	Frozen          bool            `json:"frozen" gorm:"not null;default:false"`
	IsUrgent        bool            `json:"is_urgent"`
	PlatformFee     decimal.Decimal `json:"platform_fee" gorm:"type:decimal(18,2)"`
	PayeeAmount     decimal.Decimal `json:"payee_amount" gorm:"type:decimal(18,2)"`
	Bound           bool            `json:"bound" gorm:"not null;default:false;index"`
	LockRef         string          `json:"lock_ref" gorm:"not null;uniqueIndex"`
	LedgerEscrowRef string          `json:"ledger_escrow_ref,omitempty"`
	LockTxRef       string          `json:"lock_tx_ref,omitempty"`
	ReleaseTxRef    string          `json:"release_tx_ref,omitempty"`
	RefundTxRef     string          `json:"refund_tx_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	FrozenAt        *time.Time      `json:"frozen_at,omitempty"`
}

// TableName returns the table name for Escrow
func (Escrow) TableName() string {
	return "escrows"
}

// LockRequest is the input for locking a valuation fee
type LockRequest struct {
	RequestID uuid.UUID
	Amount    decimal.Decimal
	Payer     string
	Urgent    bool
}
