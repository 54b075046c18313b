package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrStale is returned when a conditional update finds the escrow no longer
// in the expected state
var ErrStale = errors.New("escrow changed concurrently")

// Repository persists escrow holds. Getters return (nil, nil) when the
// record does not exist.
type Repository interface {
	Create(ctx context.Context, e *Escrow) error
	GetByID(ctx context.Context, id uuid.UUID) (*Escrow, error)
	GetByRequest(ctx context.Context, requestID uuid.UUID) (*Escrow, error)
	// RecordLock moves a pending hold to locked with its ledger references
	RecordLock(ctx context.Context, e *Escrow) error
	// DeletePending removes a pending hold whose lock never landed
	DeletePending(ctx context.Context, id uuid.UUID) error
	Bind(ctx context.Context, id uuid.UUID) error
	// ListUnbound returns pending or locked holds created before the cutoff
	// that no request has claimed
	ListUnbound(ctx context.Context, before time.Time, limit int) ([]Escrow, error)
	// Resolve moves a locked, unfrozen hold to e.Status
	Resolve(ctx context.Context, e *Escrow) error
	Freeze(ctx context.Context, id uuid.UUID, at time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a new gorm escrow repository
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, e *Escrow) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *gormRepository) GetByID(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	var e Escrow
	err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) GetByRequest(ctx context.Context, requestID uuid.UUID) (*Escrow, error) {
	var e Escrow
	err := r.db.WithContext(ctx).First(&e, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) Resolve(ctx context.Context, e *Escrow) error {
	result := r.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND status = ? AND frozen = ?", e.ID, StatusLocked, false).
		Updates(map[string]interface{}{
			"status":         e.Status,
			"payee":          e.Payee,
			"platform_fee":   e.PlatformFee,
			"payee_amount":   e.PayeeAmount,
			"release_tx_ref": e.ReleaseTxRef,
			"refund_tx_ref":  e.RefundTxRef,
			"resolved_at":    e.ResolvedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

func (r *gormRepository) RecordLock(ctx context.Context, e *Escrow) error {
	result := r.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND status = ?", e.ID, StatusPending).
		Updates(map[string]interface{}{
			"status":            StatusLocked,
			"ledger_escrow_ref": e.LedgerEscrowRef,
			"lock_tx_ref":       e.LockTxRef,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

func (r *gormRepository) DeletePending(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ? AND status = ?", id, StatusPending).Delete(&Escrow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

func (r *gormRepository) Bind(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&Escrow{}).Where("id = ?", id).Update("bound", true).Error
}

func (r *gormRepository) ListUnbound(ctx context.Context, before time.Time, limit int) ([]Escrow, error) {
	var escrows []Escrow
	err := r.db.WithContext(ctx).
		Where("bound = ? AND status IN ? AND created_at < ?", false, []Status{StatusPending, StatusLocked}, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&escrows).Error
	return escrows, err
}

func (r *gormRepository) Freeze(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND frozen = ?", id, false).
		Updates(map[string]interface{}{"frozen": true, "frozen_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// MemoryRepository keeps escrow holds in process memory
type MemoryRepository struct {
	mu      sync.RWMutex
	escrows map[uuid.UUID]Escrow
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{escrows: make(map[uuid.UUID]Escrow)}
}

func (r *MemoryRepository) Create(ctx context.Context, e *Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.escrows {
		if existing.RequestID == e.RequestID {
			return gorm.ErrDuplicatedKey
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	r.escrows[e.ID] = *e
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.escrows[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (r *MemoryRepository) GetByRequest(ctx context.Context, requestID uuid.UUID) (*Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.escrows {
		if e.RequestID == requestID {
			return &e, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Resolve(ctx context.Context, e *Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.escrows[e.ID]
	if !ok || stored.Status != StatusLocked || stored.Frozen {
		return ErrStale
	}
	stored.Status = e.Status
	stored.Payee = e.Payee
	stored.PlatformFee = e.PlatformFee
	stored.PayeeAmount = e.PayeeAmount
	stored.ReleaseTxRef = e.ReleaseTxRef
	stored.RefundTxRef = e.RefundTxRef
	stored.ResolvedAt = e.ResolvedAt
	stored.UpdatedAt = time.Now()
	r.escrows[e.ID] = stored
	return nil
}

func (r *MemoryRepository) RecordLock(ctx context.Context, e *Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.escrows[e.ID]
	if !ok || stored.Status != StatusPending {
		return ErrStale
	}
	stored.Status = StatusLocked
	stored.LedgerEscrowRef = e.LedgerEscrowRef
	stored.LockTxRef = e.LockTxRef
	stored.UpdatedAt = time.Now()
	r.escrows[e.ID] = stored
	return nil
}

func (r *MemoryRepository) DeletePending(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.escrows[id]
	if !ok || stored.Status != StatusPending {
		return ErrStale
	}
	delete(r.escrows, id)
	return nil
}

func (r *MemoryRepository) Bind(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.escrows[id]
	if !ok {
		return nil
	}
	stored.Bound = true
	stored.UpdatedAt = time.Now()
	r.escrows[id] = stored
	return nil
}

func (r *MemoryRepository) ListUnbound(ctx context.Context, before time.Time, limit int) ([]Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Escrow
	for _, e := range r.escrows {
		if e.Bound || e.Status.Terminal() || !e.CreatedAt.Before(before) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Freeze(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.escrows[id]
	if !ok || stored.Frozen {
		return ErrStale
	}
	stored.Frozen = true
	stored.FrozenAt = &at
	stored.UpdatedAt = time.Now()
	r.escrows[id] = stored
	return nil
}
