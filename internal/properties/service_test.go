package properties

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
)

// MockRepository is a mock implementation of the Repository interface
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, property *Property) error {
	args := m.Called(ctx, property)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, id uuid.UUID) (*Property, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Property), args.Error(1)
}

func (m *MockRepository) ListByOwner(ctx context.Context, ownerID string) ([]Property, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).([]Property), args.Error(1)
}

func (m *MockRepository) SetLatestValuation(ctx context.Context, id uuid.UUID, pointer ValuationPointer) error {
	args := m.Called(ctx, id, pointer)
	return args.Error(0)
}

func validRequest() *RegisterPropertyRequest {
	return &RegisterPropertyRequest{
		Title: "Lakeside Villa",
		Address: Address{
			Street: "1 Lake Rd", City: "Austin", State: "TX", ZipCode: "78701", Country: "US",
			Latitude: 30.26, Longitude: -97.74,
		},
		Features: Features{SizeSqm: decimal.NewFromInt(180), Bedrooms: 3, Bathrooms: 2, YearBuilt: 2004},
	}
}

func TestService_Register(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, zap.NewNop())

	mockRepo.On("Create", mock.Anything, mock.AnythingOfType("*properties.Property")).Return(nil)

	property, err := service.Register(context.Background(), "owner-1", validRequest())

	require.NoError(t, err)
	assert.Equal(t, "owner-1", property.OwnerID)
	assert.Equal(t, LandTypeResidential, property.Features.Data().LandType)
	_, hasValuation := property.CurrentValuation()
	assert.False(t, hasValuation)
	mockRepo.AssertExpectations(t)
}

func TestService_RegisterValidation(t *testing.T) {
	service := NewService(new(MockRepository), zap.NewNop())

	tests := []struct {
		name   string
		owner  string
		mutate func(*RegisterPropertyRequest)
	}{
		{"missing owner", "", func(r *RegisterPropertyRequest) {}},
		{"missing title", "o", func(r *RegisterPropertyRequest) { r.Title = " " }},
		{"missing city", "o", func(r *RegisterPropertyRequest) { r.Address.City = "" }},
		{"bad latitude", "o", func(r *RegisterPropertyRequest) { r.Address.Latitude = 91 }},
		{"bad land type", "o", func(r *RegisterPropertyRequest) { r.Features.LandType = "moon" }},
		{"zero size", "o", func(r *RegisterPropertyRequest) { r.Features.SizeSqm = decimal.Zero }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			_, err := service.Register(context.Background(), tt.owner, req)

			var ve *apperrors.ValidationError
			assert.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
		})
	}
}

func TestService_GetNotFound(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, zap.NewNop())
	id := uuid.New()

	mockRepo.On("GetByID", mock.Anything, id).Return(nil, nil)

	_, err := service.Get(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryRepository_SetLatestValuation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	property := &Property{OwnerID: "o", Title: "t"}
	require.NoError(t, repo.Create(ctx, property))

	requestID := uuid.New()
	require.NoError(t, repo.SetLatestValuation(ctx, property.ID, ValuationPointer{
		RequestID: requestID, Amount: decimal.NewFromInt(450000), Currency: "USD",
	}))

	stored, err := repo.GetByID(ctx, property.ID)
	require.NoError(t, err)
	pointer, ok := stored.CurrentValuation()
	require.True(t, ok)
	assert.Equal(t, requestID, pointer.RequestID)
	assert.True(t, decimal.NewFromInt(450000).Equal(pointer.Amount))

	assert.Error(t, repo.SetLatestValuation(ctx, uuid.New(), ValuationPointer{}))
}
