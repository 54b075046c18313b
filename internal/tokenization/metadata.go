package tokenization

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
)

// ShareTokenStandard tags share token metadata messages
const ShareTokenStandard = "MapChain-ATS-1.0"

// ValuationSnapshot is the valuation embedded in token metadata
type ValuationSnapshot struct {
	RequestID  *uuid.UUID      `json:"request_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ValuatorID string          `json:"valuator_id"`
	ReportRef  string          `json:"report_ref,omitempty"`
	ValuedAt   time.Time       `json:"valued_at"`
}

// ShareMetadata is recorded on the immutable log after a share token is defined.
// CreatedAt stays last so the truncated memo is stable across retries.
type ShareMetadata struct {
	Standard      string                   `json:"standard"`
	PropertyID    string                   `json:"property_id"`
	Name          string                   `json:"name"`
	Symbol        string                   `json:"symbol"`
	Description   string                   `json:"description"`
	TotalShares   int64                    `json:"total_shares"`
	PricePerShare decimal.Decimal          `json:"price_per_share"`
	Location      properties.Address       `json:"location"`
	Features      properties.Features      `json:"features"`
	Images        []string                 `json:"images"`
	Documents     []properties.DocumentRef `json:"documents"`
	Valuation     *ValuationSnapshot       `json:"valuation,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
}

// CertificateMetadata follows the common NFT metadata layout
type CertificateMetadata struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Image       string                `json:"image"`
	Properties  CertificateProperties `json:"properties"`
	Attributes  []Attribute           `json:"attributes"`
}

type CertificateProperties struct {
	PropertyID string                   `json:"property_id"`
	Address    properties.Address       `json:"address"`
	Features   properties.Features      `json:"features"`
	Valuation  *ValuationSnapshot       `json:"valuation,omitempty"`
	Images     []string                 `json:"images"`
	Documents  []properties.DocumentRef `json:"documents"`
	ArchiveURI string                   `json:"archive_uri,omitempty"`
}

type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// MetadataPointer is minted instead of the full certificate metadata when the
// metadata is too large to inline; the full document lives on the message log.
type MetadataPointer struct {
	Name       string `json:"name"`
	PropertyID string `json:"property_id"`
	TopicID    string `json:"metadata_topic"`
	Sequence   int64  `json:"metadata_sequence"`
}

// NewShareMetadata builds share token metadata from a property
func NewShareMetadata(p *properties.Property, totalShares int64, pricePerShare decimal.Decimal, now time.Time) ShareMetadata {
	meta := ShareMetadata{
		Standard:      ShareTokenStandard,
		PropertyID:    p.ID.String(),
		Name:          p.Title + " Shares",
		Symbol:        tokenSymbol("PS", p.ID),
		Description:   p.Description,
		TotalShares:   totalShares,
		PricePerShare: pricePerShare,
		Location:      p.Address.Data(),
		Features:      p.Features.Data(),
		Images:        append([]string{}, p.Images...),
		Documents:     append([]properties.DocumentRef{}, p.Documents...),
		CreatedAt:     now.UTC(),
	}
	if v, ok := p.CurrentValuation(); ok {
		requestID := v.RequestID
		meta.Valuation = &ValuationSnapshot{
			RequestID:  &requestID,
			Amount:     v.Amount,
			Currency:   v.Currency,
			ValuatorID: v.ValuatorID,
			ValuedAt:   v.ValuedAt,
		}
	}
	return meta
}

// NewCertificateMetadata builds certificate metadata for a property and an
// optional valuation event
func NewCertificateMetadata(p *properties.Property, valuation *ValuationSnapshot) CertificateMetadata {
	address := p.Address.Data()
	features := p.Features.Data()

	var image string
	if len(p.Images) > 0 {
		image = p.Images[0]
	}

	description := fmt.Sprintf("Property certificate for %s, %s", address.Street, address.City)
	if valuation != nil {
		description = fmt.Sprintf("Official valuation of %s %s for %s, %s",
			valuation.Amount.StringFixed(2), valuation.Currency, address.Street, address.City)
	}

	attributes := []Attribute{
		{TraitType: "Land Type", Value: string(features.LandType)},
		{TraitType: "Size (sqm)", Value: features.SizeSqm.String()},
		{TraitType: "Bedrooms", Value: strconv.Itoa(features.Bedrooms)},
		{TraitType: "Bathrooms", Value: strconv.Itoa(features.Bathrooms)},
		{TraitType: "Year Built", Value: strconv.Itoa(features.YearBuilt)},
		{TraitType: "City", Value: address.City},
		{TraitType: "Country", Value: address.Country},
	}
	if valuation != nil {
		attributes = append(attributes,
			Attribute{TraitType: "Valuation", Value: valuation.Amount.StringFixed(2)},
			Attribute{TraitType: "Currency", Value: valuation.Currency},
			Attribute{TraitType: "Valued At", Value: valuation.ValuedAt.UTC().Format(time.RFC3339)},
		)
	}

	return CertificateMetadata{
		Name:        p.Title + " Valuation Certificate",
		Description: description,
		Image:       image,
		Properties: CertificateProperties{
			PropertyID: p.ID.String(),
			Address:    address,
			Features:   features,
			Valuation:  valuation,
			Images:     append([]string{}, p.Images...),
			Documents:  append([]properties.DocumentRef{}, p.Documents...),
		},
		Attributes: attributes,
	}
}

// Validate checks the fields every certificate must carry
func (m CertificateMetadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("certificate metadata: name is required")
	}
	if m.Properties.PropertyID == "" {
		return fmt.Errorf("certificate metadata: property id is required")
	}
	if v := m.Properties.Valuation; v != nil {
		if !v.Amount.IsPositive() {
			return fmt.Errorf("certificate metadata: valuation amount must be positive")
		}
		if v.Currency == "" {
			return fmt.Errorf("certificate metadata: valuation currency is required")
		}
	}
	return nil
}

func tokenSymbol(prefix string, id uuid.UUID) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:6])
}
