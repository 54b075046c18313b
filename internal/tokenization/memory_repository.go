package tokenization

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MemoryRepository keeps tokens in process memory with the same uniqueness
// rules as the database schema.
type MemoryRepository struct {
	mu           sync.RWMutex
	shares       map[uuid.UUID]ShareToken
	classes      map[uuid.UUID]CertificateClass
	certificates map[uuid.UUID]Certificate
	ownership    []OwnershipRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		shares:       make(map[uuid.UUID]ShareToken),
		classes:      make(map[uuid.UUID]CertificateClass),
		certificates: make(map[uuid.UUID]Certificate),
	}
}

func (r *MemoryRepository) CreateShareToken(ctx context.Context, token *ShareToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.shares {
		if existing.IdempotencyRef == token.IdempotencyRef {
			return ErrActiveShareTokenExists
		}
		if token.Active && existing.Active && existing.PropertyID == token.PropertyID {
			return ErrActiveShareTokenExists
		}
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now()
	token.CreatedAt, token.UpdatedAt = now, now
	r.shares[token.ID] = *token
	return nil
}

func (r *MemoryRepository) GetShareToken(ctx context.Context, id uuid.UUID) (*ShareToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if token, ok := r.shares[id]; ok {
		return &token, nil
	}
	return nil, nil
}

func (r *MemoryRepository) GetShareTokenByRef(ctx context.Context, ref string) (*ShareToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, token := range r.shares {
		if token.IdempotencyRef == ref {
			return &token, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetActiveShareToken(ctx context.Context, propertyID uuid.UUID) (*ShareToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, token := range r.shares {
		if token.PropertyID == propertyID && token.Active {
			return &token, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) UpdateShareToken(ctx context.Context, token *ShareToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.shares[token.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	stored.Status = token.Status
	stored.LastError = token.LastError
	stored.MetadataTopicID = token.MetadataTopicID
	stored.MetadataSequence = token.MetadataSequence
	stored.MetadataTxRef = token.MetadataTxRef
	stored.UpdatedAt = time.Now()
	r.shares[token.ID] = stored
	return nil
}

func (r *MemoryRepository) ListShareTokens(ctx context.Context, propertyID uuid.UUID) ([]ShareToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ShareToken
	for _, token := range r.shares {
		if token.PropertyID == propertyID {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListDegradedShareTokens(ctx context.Context, limit int) ([]ShareToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ShareToken
	for _, token := range r.shares {
		if token.Status == ShareStatusDegraded {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateCertificateClass(ctx context.Context, class *CertificateClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.classes {
		if existing.PropertyID == class.PropertyID || existing.LedgerTokenID == class.LedgerTokenID {
			return ErrDuplicate
		}
	}
	if class.ID == uuid.Nil {
		class.ID = uuid.New()
	}
	class.CreatedAt = time.Now()
	r.classes[class.ID] = *class
	return nil
}

func (r *MemoryRepository) GetCertificateClass(ctx context.Context, propertyID uuid.UUID) (*CertificateClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, class := range r.classes {
		if class.PropertyID == propertyID {
			return &class, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) CreateCertificate(ctx context.Context, cert *Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.certificates {
		if existing.IdempotencyRef == cert.IdempotencyRef ||
			(existing.LedgerTokenID == cert.LedgerTokenID && existing.Serial == cert.Serial) {
			return ErrDuplicate
		}
	}
	if cert.ID == uuid.Nil {
		cert.ID = uuid.New()
	}
	cert.CreatedAt = time.Now()
	stored := *cert
	stored.CurrentOwner = ""
	r.certificates[cert.ID] = stored
	return nil
}

func (r *MemoryRepository) GetCertificate(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cert, ok := r.certificates[id]; ok {
		return &cert, nil
	}
	return nil, nil
}

func (r *MemoryRepository) GetCertificateByRef(ctx context.Context, ref string) (*Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cert := range r.certificates {
		if cert.IdempotencyRef == ref {
			return &cert, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListCertificates(ctx context.Context, propertyID uuid.UUID) ([]Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Certificate
	for _, cert := range r.certificates {
		if cert.PropertyID == propertyID {
			out = append(out, cert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (r *MemoryRepository) MarkCertificateBurned(ctx context.Context, id uuid.UUID, txRef string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cert, ok := r.certificates[id]
	if !ok || cert.Status != CertificateStatusActive {
		return gorm.ErrRecordNotFound
	}
	cert.Status = CertificateStatusBurned
	cert.BurnTxRef = txRef
	cert.BurnedAt = &at
	r.certificates[id] = cert
	return nil
}

func (r *MemoryRepository) AppendOwnership(ctx context.Context, record *OwnershipRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.ownership {
		if existing.IdempotencyRef == record.IdempotencyRef {
			return ErrDuplicate
		}
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	r.ownership = append(r.ownership, *record)
	return nil
}

func (r *MemoryRepository) ListOwnership(ctx context.Context, kind TokenKind, tokenRecordID uuid.UUID) ([]OwnershipRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OwnershipRecord
	for _, record := range r.ownership {
		if record.TokenKind == kind && record.TokenRecordID == tokenRecordID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (r *MemoryRepository) LatestOwnership(ctx context.Context, kind TokenKind, tokenRecordID uuid.UUID) (*OwnershipRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.ownership) - 1; i >= 0; i-- {
		record := r.ownership[i]
		if record.TokenKind == kind && record.TokenRecordID == tokenRecordID {
			return &record, nil
		}
	}
	return nil, nil
}
