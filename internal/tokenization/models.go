package tokenization

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TokenKind distinguishes the Token variants
type TokenKind string

const (
	TokenKindShare       TokenKind = "share"
	TokenKindCertificate TokenKind = "certificate"
)

// Token is either a *ShareToken or a *Certificate
type Token interface {
	Kind() TokenKind
	PropertyRef() uuid.UUID
	LedgerRef() string
}

// ShareStatus is the lifecycle status of a share token
type ShareStatus string

const (
	ShareStatusActive ShareStatus = "active"
	// ShareStatusDegraded means the token exists on the ledger but its
	// metadata message has not been recorded yet.
	ShareStatusDegraded ShareStatus = "degraded"
)

// ShareToken is a fungible token representing fractional ownership of a property.
// At most one active share token exists per property.
type ShareToken struct {
	ID               uuid.UUID                         `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PropertyID       uuid.UUID                         `json:"property_id" gorm:"type:uuid;not null;index;uniqueIndex:idx_share_tokens_active_property,where:active = true"`
	LedgerTokenID    string                            `json:"ledger_token_id" gorm:"not null;uniqueIndex"`
	Name             string                            `json:"name" gorm:"not null"`
	Symbol           string                            `json:"symbol" gorm:"not null"`
	TotalShares      int64                             `json:"total_shares" gorm:"not null"`
	PricePerShare    decimal.Decimal                   `json:"price_per_share" gorm:"type:decimal(18,2);not null"`
	Treasury         string                            `json:"treasury" gorm:"not null"`
	Metadata         datatypes.JSONType[ShareMetadata] `json:"metadata"`
	MetadataTopicID  string                            `json:"metadata_topic_id"`
	MetadataSequence int64                             `json:"metadata_sequence"`
	Active           bool                              `json:"active" gorm:"not null;default:true"`
	Status           ShareStatus                       `json:"status" gorm:"not null;index"`
	LastError        string                            `json:"last_error,omitempty"`
	IdempotencyRef   string                            `json:"idempotency_ref" gorm:"not null;uniqueIndex"`
	DefineTxRef      string                            `json:"define_tx_ref"`
	MetadataTxRef    string                            `json:"metadata_tx_ref"`
	CreatedBy        string                            `json:"created_by"`
	CreatedAt        time.Time                         `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time                         `json:"updated_at" gorm:"autoUpdateTime"`
}

func (ShareToken) TableName() string { return "share_tokens" }

func (t *ShareToken) Kind() TokenKind        { return TokenKindShare }
func (t *ShareToken) PropertyRef() uuid.UUID { return t.PropertyID }
func (t *ShareToken) LedgerRef() string      { return t.LedgerTokenID }

// CertificateStatus is the lifecycle status of a valuation certificate
type CertificateStatus string

const (
	CertificateStatusActive CertificateStatus = "active"
	CertificateStatusBurned CertificateStatus = "burned"
)

// CertificateClass is the unique-token class defined once per property and
// reused by every certificate minted for it.
type CertificateClass struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PropertyID    uuid.UUID `json:"property_id" gorm:"type:uuid;not null;uniqueIndex"`
	LedgerTokenID string    `json:"ledger_token_id" gorm:"not null;uniqueIndex"`
	Name          string    `json:"name"`
	Symbol        string    `json:"symbol"`
	MaxSupply     int64     `json:"max_supply"`
	DefineTxRef   string    `json:"define_tx_ref"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (CertificateClass) TableName() string { return "certificate_classes" }

// Certificate is a unique token recording one official valuation of a property
type Certificate struct {
	ID                 uuid.UUID                               `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PropertyID         uuid.UUID                               `json:"property_id" gorm:"type:uuid;not null;index"`
	ValuationRequestID *uuid.UUID                              `json:"valuation_request_id,omitempty" gorm:"type:uuid;index"`
	ClassID            uuid.UUID                               `json:"class_id" gorm:"type:uuid;not null"`
	LedgerTokenID      string                                  `json:"ledger_token_id" gorm:"not null;uniqueIndex:idx_certificates_serial"`
	Serial             int64                                   `json:"serial" gorm:"not null;uniqueIndex:idx_certificates_serial"`
	Metadata           datatypes.JSONType[CertificateMetadata] `json:"metadata"`
	Status             CertificateStatus                       `json:"status" gorm:"not null;index"`
	IdempotencyRef     string                                  `json:"idempotency_ref" gorm:"not null;uniqueIndex"`
	MintTxRef          string                                  `json:"mint_tx_ref"`
	BurnTxRef          string                                  `json:"burn_tx_ref,omitempty"`
	CreatedBy          string                                  `json:"created_by"`
	CreatedAt          time.Time                               `json:"created_at" gorm:"autoCreateTime"`
	BurnedAt           *time.Time                              `json:"burned_at,omitempty"`

	// CurrentOwner is derived from the latest ownership record
	CurrentOwner string `json:"current_owner" gorm:"-"`
}

func (Certificate) TableName() string { return "certificates" }

func (c *Certificate) Kind() TokenKind        { return TokenKindCertificate }
func (c *Certificate) PropertyRef() uuid.UUID { return c.PropertyID }
func (c *Certificate) LedgerRef() string      { return c.LedgerTokenID }

// OwnershipRecord is an append-only entry of the ownership history of a token.
// FromAccount is empty for the initial issue to the treasury.
type OwnershipRecord struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TokenKind      TokenKind `json:"token_kind" gorm:"not null;index:idx_ownership_token"`
	TokenRecordID  uuid.UUID `json:"token_record_id" gorm:"type:uuid;not null;index:idx_ownership_token"`
	LedgerTokenID  string    `json:"ledger_token_id" gorm:"not null"`
	FromAccount    string    `json:"from_account"`
	ToAccount      string    `json:"to_account" gorm:"not null"`
	Amount         int64     `json:"amount,omitempty"`
	Serial         int64     `json:"serial,omitempty"`
	TxRef          string    `json:"tx_ref" gorm:"not null"`
	IdempotencyRef string    `json:"idempotency_ref" gorm:"not null;uniqueIndex"`
	RecordedAt     time.Time `json:"recorded_at" gorm:"not null;index"`
}

func (OwnershipRecord) TableName() string { return "ownership_records" }

// ShareTokenizationRequest is the input for TokenizeAsShares
type ShareTokenizationRequest struct {
	PropertyID     uuid.UUID       `json:"-"`
	TotalShares    int64           `json:"total_shares" binding:"required"`
	PricePerShare  decimal.Decimal `json:"price_per_share"`
	IdempotencyRef string          `json:"idempotency_ref"`
	Treasury       string          `json:"treasury"`
	ActingUserID   string          `json:"-"`
}

// CertificateRequest is the input for TokenizeAsCertificate
type CertificateRequest struct {
	PropertyID uuid.UUID `json:"-"`
	// Valuation-linked certificates are only issued by the valuation service
	ValuationRequestID *uuid.UUID         `json:"-"`
	Valuation          *ValuationSnapshot `json:"-"`
	IdempotencyRef     string             `json:"idempotency_ref"`
	ActingUserID       string             `json:"-"`
}

// ShareTransferRequest moves shares between accounts
type ShareTransferRequest struct {
	ShareTokenID   uuid.UUID `json:"-"`
	From           string    `json:"from" binding:"required"`
	To             string    `json:"to" binding:"required"`
	Amount         int64     `json:"amount" binding:"required"`
	IdempotencyRef string    `json:"idempotency_ref" binding:"required"`
	ActingUserID   string    `json:"-"`
}

// CertificateTransferRequest moves a certificate to a new owner
type CertificateTransferRequest struct {
	CertificateID  uuid.UUID `json:"-"`
	To             string    `json:"to" binding:"required"`
	IdempotencyRef string    `json:"idempotency_ref" binding:"required"`
	ActingUserID   string    `json:"-"`
}

// PropertyTokens lists every token issued for a property
type PropertyTokens struct {
	PropertyID   uuid.UUID     `json:"property_id"`
	ShareTokens  []ShareToken  `json:"share_tokens"`
	Certificates []Certificate `json:"certificates"`
}

// All returns the tokens as the Token union
func (p *PropertyTokens) All() []Token {
	tokens := make([]Token, 0, len(p.ShareTokens)+len(p.Certificates))
	for i := range p.ShareTokens {
		tokens = append(tokens, &p.ShareTokens[i])
	}
	for i := range p.Certificates {
		tokens = append(tokens, &p.Certificates[i])
	}
	return tokens
}
