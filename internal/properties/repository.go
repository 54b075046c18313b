package properties

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository persists properties
type Repository interface {
	Create(ctx context.Context, property *Property) error
	GetByID(ctx context.Context, id uuid.UUID) (*Property, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Property, error)
	SetLatestValuation(ctx context.Context, id uuid.UUID, pointer ValuationPointer) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a gorm-backed property repository
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, property *Property) error {
	return r.db.WithContext(ctx).Create(property).Error
}

func (r *gormRepository) GetByID(ctx context.Context, id uuid.UUID) (*Property, error) {
	var property Property
	err := r.db.WithContext(ctx).First(&property, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &property, nil
}

func (r *gormRepository) ListByOwner(ctx context.Context, ownerID string) ([]Property, error) {
	var properties []Property
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&properties).Error
	return properties, err
}

func (r *gormRepository) SetLatestValuation(ctx context.Context, id uuid.UUID, pointer ValuationPointer) error {
	result := r.db.WithContext(ctx).Model(&Property{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"latest_valuation_id": pointer.RequestID,
			"latest_valuation":    datatypes.NewJSONType(pointer),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MemoryRepository keeps properties in process memory
type MemoryRepository struct {
	mu         sync.RWMutex
	properties map[uuid.UUID]Property
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{properties: make(map[uuid.UUID]Property)}
}

func (r *MemoryRepository) Create(ctx context.Context, property *Property) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if property.ID == uuid.Nil {
		property.ID = uuid.New()
	}
	if _, exists := r.properties[property.ID]; exists {
		return gorm.ErrDuplicatedKey
	}
	r.properties[property.ID] = *property
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Property, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	property, ok := r.properties[id]
	if !ok {
		return nil, nil
	}
	return &property, nil
}

func (r *MemoryRepository) ListByOwner(ctx context.Context, ownerID string) ([]Property, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Property
	for _, p := range r.properties {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) SetLatestValuation(ctx context.Context, id uuid.UUID, pointer ValuationPointer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	property, ok := r.properties[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	requestID := pointer.RequestID
	property.LatestValuationID = &requestID
	property.LatestValuation = datatypes.NewJSONType(pointer)
	r.properties[id] = property
	return nil
}
