package valuation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrStale is returned when a conditional save finds the request no longer
// in the expected status
var ErrStale = errors.New("valuation request changed concurrently")

// Repository persists valuation requests. GetByID returns (nil, nil) when
// the request does not exist.
type Repository interface {
	Create(ctx context.Context, req *ValuationRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ValuationRequest, error)
	// Save writes req only if the stored status still equals expected
	Save(ctx context.Context, req *ValuationRequest, expected Status) error
	List(ctx context.Context, filter ListFilter) ([]ValuationRequest, error)
	ListCertificatePending(ctx context.Context, limit int) ([]ValuationRequest, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a new gorm valuation request repository
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, req *ValuationRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *gormRepository) GetByID(ctx context.Context, id uuid.UUID) (*ValuationRequest, error) {
	var req ValuationRequest
	err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *gormRepository) Save(ctx context.Context, req *ValuationRequest, expected Status) error {
	result := r.db.WithContext(ctx).Model(&ValuationRequest{}).
		Where("id = ? AND status = ?", req.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(req)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

func (r *gormRepository) List(ctx context.Context, filter ListFilter) ([]ValuationRequest, error) {
	query := r.db.WithContext(ctx).Model(&ValuationRequest{})
	if filter.PropertyID != nil {
		query = query.Where("property_id = ?", *filter.PropertyID)
	}
	if filter.RequesterID != "" {
		query = query.Where("requester_id = ?", filter.RequesterID)
	}
	if filter.ValuatorID != "" {
		query = query.Where("valuator_id = ?", filter.ValuatorID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var requests []ValuationRequest
	err := query.Order("is_urgent DESC, created_at DESC").Find(&requests).Error
	return requests, err
}

func (r *gormRepository) ListCertificatePending(ctx context.Context, limit int) ([]ValuationRequest, error) {
	var requests []ValuationRequest
	err := r.db.WithContext(ctx).
		Where("certificate_pending = ?", true).
		Order("completed_at ASC").
		Limit(limit).
		Find(&requests).Error
	return requests, err
}

// MemoryRepository keeps valuation requests in process memory
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]ValuationRequest
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uuid.UUID]ValuationRequest)}
}

func (r *MemoryRepository) Create(ctx context.Context, req *ValuationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if _, ok := r.requests[req.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	r.requests[req.ID] = *req
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*ValuationRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (r *MemoryRepository) Save(ctx context.Context, req *ValuationRequest, expected Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.requests[req.ID]
	if !ok || stored.Status != expected {
		return ErrStale
	}
	req.CreatedAt = stored.CreatedAt
	req.UpdatedAt = time.Now()
	r.requests[req.ID] = *req
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]ValuationRequest, error) {
	r.mu.RLock()
	var out []ValuationRequest
	for _, req := range r.requests {
		if filter.PropertyID != nil && req.PropertyID != *filter.PropertyID {
			continue
		}
		if filter.RequesterID != "" && req.RequesterID != filter.RequesterID {
			continue
		}
		if filter.ValuatorID != "" && req.ValuatorID != filter.ValuatorID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsUrgent != out[j].IsUrgent {
			return out[i].IsUrgent
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListCertificatePending(ctx context.Context, limit int) ([]ValuationRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ValuationRequest
	for _, req := range r.requests {
		if req.CertificatePending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
