package properties

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
)

// Service handles property listing
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new property service
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Register lists a new property owned by ownerID
func (s *Service) Register(ctx context.Context, ownerID string, req *RegisterPropertyRequest) (*Property, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.NewValidation("owner_id", "acting user is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperrors.NewValidation("title", "is required")
	}
	if req.Address.Street == "" || req.Address.City == "" || req.Address.Country == "" {
		return nil, apperrors.NewValidation("address", "street, city and country are required")
	}
	if req.Address.Latitude < -90 || req.Address.Latitude > 90 || req.Address.Longitude < -180 || req.Address.Longitude > 180 {
		return nil, apperrors.NewValidation("address", "coordinates out of range")
	}
	if req.Features.LandType == "" {
		req.Features.LandType = LandTypeResidential
	}
	if !req.Features.LandType.Valid() {
		return nil, apperrors.NewValidation("features.land_type", "unknown land type %q", req.Features.LandType)
	}
	if !req.Features.SizeSqm.IsPositive() {
		return nil, apperrors.NewValidation("features.size_sqm", "must be positive")
	}

	property := &Property{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       req.Title,
		Description: req.Description,
		Address:     datatypes.NewJSONType(req.Address),
		Features:    datatypes.NewJSONType(req.Features),
		Images:      datatypes.JSONSlice[string](req.Images),
		Documents:   datatypes.JSONSlice[DocumentRef](req.Documents),
	}

	if err := s.repo.Create(ctx, property); err != nil {
		return nil, fmt.Errorf("failed to create property: %w", err)
	}

	s.logger.Info("Property registered",
		zap.String("property_id", property.ID.String()),
		zap.String("owner_id", ownerID))

	return property, nil
}

// Get returns a property by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Property, error) {
	property, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	if property == nil {
		return nil, fmt.Errorf("property %s: %w", id, apperrors.ErrNotFound)
	}
	return property, nil
}

// ListByOwner returns all properties listed by ownerID
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Property, error) {
	properties, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	return properties, nil
}
