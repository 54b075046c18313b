package properties

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// LandType classifies the use of a property's land
type LandType string

const (
	LandTypeResidential  LandType = "residential"
	LandTypeCommercial   LandType = "commercial"
	LandTypeAgricultural LandType = "agricultural"
	LandTypeIndustrial   LandType = "industrial"
	LandTypeMixedUse     LandType = "mixed_use"
)

// Valid reports whether t is a known land type
func (t LandType) Valid() bool {
	switch t {
	case LandTypeResidential, LandTypeCommercial, LandTypeAgricultural, LandTypeIndustrial, LandTypeMixedUse:
		return true
	}
	return false
}

// Address locates a property
type Address struct {
	Street    string  `json:"street"`
	City      string  `json:"city"`
	State     string  `json:"state"`
	ZipCode   string  `json:"zip_code"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Features are the structural attributes used for valuation and metadata
type Features struct {
	LandType      LandType        `json:"land_type"`
	SizeSqm       decimal.Decimal `json:"size_sqm"`
	Bedrooms      int             `json:"bedrooms"`
	Bathrooms     int             `json:"bathrooms"`
	YearBuilt     int             `json:"year_built"`
	Floors        int             `json:"floors"`
	ParkingSpaces int             `json:"parking_spaces"`
	HasGarden     bool            `json:"has_garden"`
}

// DocumentRef points at an externally stored document (deed, survey, report)
type DocumentRef struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
	Hash string `json:"hash,omitempty"`
}

// ValuationPointer is the latest official valuation of a property
type ValuationPointer struct {
	RequestID  uuid.UUID       `json:"request_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ValuatorID string          `json:"valuator_id"`
	TxRef      string          `json:"tx_ref"`
	ValuedAt   time.Time       `json:"valued_at"`
}

// Property is a listed real-estate asset. Properties are never hard-deleted.
type Property struct {
	ID          uuid.UUID                        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OwnerID     string                           `json:"owner_id" gorm:"not null;index"`
	Title       string                           `json:"title" gorm:"not null"`
	Description string                           `json:"description"`
	Address     datatypes.JSONType[Address]      `json:"address"`
	Features    datatypes.JSONType[Features]     `json:"features"`
	Images      datatypes.JSONSlice[string]      `json:"images"`
	Documents   datatypes.JSONSlice[DocumentRef] `json:"documents"`

	// Latest valuation pointer; LatestValuationID is nil until the first completion
	LatestValuationID *uuid.UUID                           `json:"latest_valuation_id" gorm:"type:uuid"`
	LatestValuation   datatypes.JSONType[ValuationPointer] `json:"latest_valuation"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName returns the table name for Property
func (Property) TableName() string {
	return "properties"
}

// CurrentValuation returns the latest valuation pointer, if any
func (p *Property) CurrentValuation() (ValuationPointer, bool) {
	if p.LatestValuationID == nil {
		return ValuationPointer{}, false
	}
	return p.LatestValuation.Data(), true
}

// RegisterPropertyRequest is the input for listing a new property
type RegisterPropertyRequest struct {
	Title       string        `json:"title" binding:"required"`
	Description string        `json:"description"`
	Address     Address       `json:"address"`
	Features    Features      `json:"features"`
	Images      []string      `json:"images"`
	Documents   []DocumentRef `json:"documents"`
}
