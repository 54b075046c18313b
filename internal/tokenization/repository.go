package tokenization

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrActiveShareTokenExists is returned when a property already holds an active share token
var ErrActiveShareTokenExists = errors.New("property already has an active share token")

// ErrDuplicate is returned when a unique constraint other than the active share slot is hit
var ErrDuplicate = errors.New("duplicate record")

// Repository persists tokens and ownership history. Getters return (nil, nil)
// when the record does not exist.
type Repository interface {
	CreateShareToken(ctx context.Context, token *ShareToken) error
	GetShareToken(ctx context.Context, id uuid.UUID) (*ShareToken, error)
	GetShareTokenByRef(ctx context.Context, ref string) (*ShareToken, error)
	GetActiveShareToken(ctx context.Context, propertyID uuid.UUID) (*ShareToken, error)
	UpdateShareToken(ctx context.Context, token *ShareToken) error
	ListShareTokens(ctx context.Context, propertyID uuid.UUID) ([]ShareToken, error)
	ListDegradedShareTokens(ctx context.Context, limit int) ([]ShareToken, error)

	CreateCertificateClass(ctx context.Context, class *CertificateClass) error
	GetCertificateClass(ctx context.Context, propertyID uuid.UUID) (*CertificateClass, error)

	CreateCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, id uuid.UUID) (*Certificate, error)
	GetCertificateByRef(ctx context.Context, ref string) (*Certificate, error)
	ListCertificates(ctx context.Context, propertyID uuid.UUID) ([]Certificate, error)
	MarkCertificateBurned(ctx context.Context, id uuid.UUID, txRef string, at time.Time) error

	AppendOwnership(ctx context.Context, record *OwnershipRecord) error
	ListOwnership(ctx context.Context, kind TokenKind, tokenRecordID uuid.UUID) ([]OwnershipRecord, error)
	LatestOwnership(ctx context.Context, kind TokenKind, tokenRecordID uuid.UUID) (*OwnershipRecord, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a gorm-backed token repository. The DB must be opened
// with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateShareToken(ctx context.Context, token *ShareToken) error {
	err := r.db.WithContext(ctx).Create(token).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveShareTokenExists
	}
	return err
}

func (r *gormRepository) GetShareToken(ctx context.Context, id uuid.UUID) (*ShareToken, error) {
	var token ShareToken
	return firstOrNil(r.db.WithContext(ctx).First(&token, "id = ?", id).Error, &token)
}

func (r *gormRepository) GetShareTokenByRef(ctx context.Context, ref string) (*ShareToken, error) {
	var token ShareToken
	return firstOrNil(r.db.WithContext(ctx).First(&token, "idempotency_ref = ?", ref).Error, &token)
}

func (r *gormRepository) GetActiveShareToken(ctx context.Context, propertyID uuid.UUID) (*ShareToken, error) {
	var token ShareToken
	err := r.db.WithContext(ctx).
		Where("property_id = ? AND active = ?", propertyID, true).
		First(&token).Error
	return firstOrNil(err, &token)
}

func (r *gormRepository) UpdateShareToken(ctx context.Context, token *ShareToken) error {
	return r.db.WithContext(ctx).Model(&ShareToken{}).
		Where("id = ?", token.ID).
		Updates(map[string]interface{}{
			"status":            token.Status,
			"last_error":        token.LastError,
			"metadata_topic_id": token.MetadataTopicID,
			"metadata_sequence": token.MetadataSequence,
			"metadata_tx_ref":   token.MetadataTxRef,
		}).Error
}

func (r *gormRepository) ListShareTokens(ctx context.Context, propertyID uuid.UUID) ([]ShareToken, error) {
	var tokens []ShareToken
	err := r.db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("created_at DESC").
		Find(&tokens).Error
	return tokens, err
}

func (r *gormRepository) ListDegradedShareTokens(ctx context.Context, limit int) ([]ShareToken, error) {
	var tokens []ShareToken
	err := r.db.WithContext(ctx).
		Where("status = ?", ShareStatusDegraded).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tokens).Error
	return tokens, err
}

func (r *gormRepository) CreateCertificateClass(ctx context.Context, class *CertificateClass) error {
	err := r.db.WithContext(ctx).Create(class).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *gormRepository) GetCertificateClass(ctx context.Context, propertyID uuid.UUID) (*CertificateClass, error) {
	var class CertificateClass
	return firstOrNil(r.db.WithContext(ctx).First(&class, "property_id = ?", propertyID).Error, &class)
}

func (r *gormRepository) CreateCertificate(ctx context.Context, cert *Certificate) error {
	err := r.db.WithContext(ctx).Create(cert).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *gormRepository) GetCertificate(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	var cert Certificate
	return firstOrNil(r.db.WithContext(ctx).First(&cert, "id = ?", id).Error, &cert)
}

func (r *gormRepository) GetCertificateByRef(ctx context.Context, ref string) (*Certificate, error) {
	var cert Certificate
	return firstOrNil(r.db.WithContext(ctx).First(&cert, "idempotency_ref = ?", ref).Error, &cert)
}

func (r *gormRepository) ListCertificates(ctx context.Context, propertyID uuid.UUID) ([]Certificate, error) {
	var certs []Certificate
	err := r.db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("serial ASC").
		Find(&certs).Error
	return certs, err
}

func (r *gormRepository) MarkCertificateBurned(ctx context.Context, id uuid.UUID, txRef string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&Certificate{}).
		Where("id = ? AND status = ?", id, CertificateStatusActive).
		Updates(map[string]interface{}{
			"status":      CertificateStatusBurned,
			"burn_tx_ref": txRef,
			"burned_at":   at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) AppendOwnership(ctx context.Context, record *OwnershipRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *gormRepository) ListOwnership(ctx context.Context, kind TokenKind, tokenRecordID uuid.UUID) ([]OwnershipRecord, error) {
	var records []OwnershipRecord
	err := r.db.WithContext(ctx).
		Where("token_kind = ? AND token_record_id = ?", kind, tokenRecordID).
		Order("recorded_at ASC").
		Find(&records).Error
	return records, err
}

func (r *gormRepository) LatestOwnership(ctx context.Context, kind TokenKind, tokenRecordID uuid.UUID) (*OwnershipRecord, error) {
	var record OwnershipRecord
	err := r.db.WithContext(ctx).
		Where("token_kind = ? AND token_record_id = ?", kind, tokenRecordID).
		Order("recorded_at DESC").
		First(&record).Error
	return firstOrNil(err, &record)
}

func firstOrNil[T any](err error, v *T) (*T, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
