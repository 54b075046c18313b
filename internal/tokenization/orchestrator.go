package tokenization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"mapchain/valuation-portal/valuation-portal-backend/internal/properties"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/ledger"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/locks"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/storage"
)

// PropertyReader loads the property a token is issued for
type PropertyReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*properties.Property, error)
}

// OrchestratorConfig contains tokenization settings
type OrchestratorConfig struct {
	Treasury               string `json:"treasury"`
	CertificateMaxSupply   int64  `json:"certificate_max_supply"`
	MaxInlineMetadataBytes int    `json:"max_inline_metadata_bytes"`
}

// Orchestrator turns properties into ledger tokens. Every ledger step is
// keyed by an idempotency reference derived from the caller's reference, so
// retries resolve to the receipts of operations that already landed.
type Orchestrator struct {
	repo       Repository
	properties PropertyReader
	gateway    ledger.Gateway
	locker     locks.Locker
	archive    storage.ObjectStore
	config     *OrchestratorConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewOrchestrator creates a new tokenization orchestrator. archive may be nil.
func NewOrchestrator(repo Repository, props PropertyReader, gateway ledger.Gateway, locker locks.Locker, archive storage.ObjectStore, config *OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if config == nil {
		config = &OrchestratorConfig{}
	}
	if config.Treasury == "" {
		config.Treasury = "0.0.2"
	}
	if config.CertificateMaxSupply <= 0 {
		config.CertificateMaxSupply = 50000
	}
	if config.MaxInlineMetadataBytes <= 0 {
		config.MaxInlineMetadataBytes = 8192
	}

	return &Orchestrator{
		repo:       repo,
		properties: props,
		gateway:    gateway,
		locker:     locker,
		archive:    archive,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// TokenizeAsShares defines a fungible share token for a property and records
// its metadata on the message log. If the metadata step fails the token is
// kept as degraded and a PartialCompletionError is returned with it.
func (o *Orchestrator) TokenizeAsShares(ctx context.Context, req *ShareTokenizationRequest) (*ShareToken, error) {
	if req.TotalShares <= 0 {
		return nil, apperrors.NewValidation("total_shares", "must be a positive integer")
	}
	if !req.PricePerShare.IsPositive() {
		return nil, apperrors.NewValidation("price_per_share", "must be positive")
	}
	property, err := o.loadProperty(ctx, req.PropertyID)
	if err != nil {
		return nil, err
	}
	if req.ActingUserID == "" || req.ActingUserID != property.OwnerID {
		return nil, apperrors.NewForbidden(actorName(req.ActingUserID), "tokenize property "+property.ID.String(), "only the property owner may issue shares")
	}

	// Without a caller reference the ledger step is keyed by property, so a
	// retried define still resolves to the landed one.
	callerRef := req.IdempotencyRef != ""
	ref := req.IdempotencyRef
	if !callerRef {
		ref = "shares:" + req.PropertyID.String()
	}

	release, err := o.locker.Acquire(ctx, shareSlotKey(req.PropertyID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock property %s: %w", req.PropertyID, err)
	}
	defer release()

	if callerRef {
		existing, err := o.repo.GetShareTokenByRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing share token: %w", err)
		}
		if existing != nil {
			if existing.PropertyID != req.PropertyID {
				return nil, apperrors.NewValidation("idempotency_ref", "already used for property %s", existing.PropertyID)
			}
			if !existing.sameTerms(req) {
				return nil, apperrors.NewValidation("idempotency_ref", "already used for share token %s with different terms", existing.ID)
			}
			if existing.Status == ShareStatusDegraded {
				return o.recordShareMetadata(ctx, existing)
			}
			return existing, nil
		}
	}

	active, err := o.repo.GetActiveShareToken(ctx, req.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active share token: %w", err)
	}
	if active != nil {
		if active.Status == ShareStatusDegraded {
			return nil, apperrors.NewValidation("property_id", "property already has share token %s awaiting its metadata; retry share metadata instead", active.ID)
		}
		return nil, apperrors.NewValidation("property_id", "property already has an active share token %s", active.ID)
	}

	treasury := req.Treasury
	if treasury == "" {
		treasury = o.config.Treasury
	}

	meta := NewShareMetadata(property, req.TotalShares, req.PricePerShare, o.now())
	memo, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal share metadata: %w", err)
	}

	defineRef := ref + ":define"
	receipt, err := o.submit(ctx, ledger.NewDefineFungibleToken(defineRef, ledger.DefineFungibleToken{
		Name:          meta.Name,
		Symbol:        meta.Symbol,
		Decimals:      0,
		InitialSupply: req.TotalShares,
		Treasury:      treasury,
		Memo:          ledger.TruncateMemo(string(memo)),
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to define share token: %w", err)
	}

	token := &ShareToken{
		ID:             uuid.New(),
		PropertyID:     property.ID,
		LedgerTokenID:  receipt.TokenID,
		Name:           meta.Name,
		Symbol:         meta.Symbol,
		TotalShares:    req.TotalShares,
		PricePerShare:  req.PricePerShare,
		Treasury:       treasury,
		Metadata:       datatypes.NewJSONType(meta),
		Active:         true,
		Status:         ShareStatusDegraded,
		IdempotencyRef: ref,
		DefineTxRef:    receipt.TransactionRef,
		CreatedBy:      req.ActingUserID,
	}
	if err := o.repo.CreateShareToken(ctx, token); err != nil {
		o.logger.Error("Share token defined on ledger but not recorded",
			zap.String("ledger_token_id", receipt.TokenID),
			zap.String("ref", ref),
			zap.Error(err))
		if errors.Is(err, ErrActiveShareTokenExists) {
			return nil, apperrors.NewValidation("property_id", "property already has an active share token")
		}
		return nil, fmt.Errorf("failed to record share token: %w", err)
	}

	o.appendOwnership(ctx, &OwnershipRecord{
		TokenKind:      TokenKindShare,
		TokenRecordID:  token.ID,
		LedgerTokenID:  token.LedgerTokenID,
		ToAccount:      treasury,
		Amount:         token.TotalShares,
		TxRef:          receipt.TransactionRef,
		IdempotencyRef: defineRef,
		RecordedAt:     receipt.ConsensusAt,
	})

	o.logger.Info("Share token defined",
		zap.String("share_token_id", token.ID.String()),
		zap.String("property_id", property.ID.String()),
		zap.String("ledger_token_id", token.LedgerTokenID),
		zap.Int64("total_shares", token.TotalShares))

	return o.recordShareMetadata(ctx, token)
}

// RetryShareMetadata re-runs only the metadata step of a degraded share token.
// The token definition is never repeated.
func (o *Orchestrator) RetryShareMetadata(ctx context.Context, shareTokenID uuid.UUID) (*ShareToken, error) {
	token, err := o.GetShareToken(ctx, shareTokenID)
	if err != nil {
		return nil, err
	}

	release, err := o.locker.Acquire(ctx, shareSlotKey(token.PropertyID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock property %s: %w", token.PropertyID, err)
	}
	defer release()

	// Reload under the lock; a concurrent retry may have finished already
	token, err = o.GetShareToken(ctx, shareTokenID)
	if err != nil {
		return nil, err
	}
	if token.Status != ShareStatusDegraded {
		return token, nil
	}
	return o.recordShareMetadata(ctx, token)
}

func (o *Orchestrator) recordShareMetadata(ctx context.Context, token *ShareToken) (*ShareToken, error) {
	payload, err := json.Marshal(token.Metadata.Data())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal share metadata: %w", err)
	}

	receipt, err := o.submit(ctx, ledger.NewRecordMessage("share-metadata:"+token.LedgerTokenID, ledger.RecordImmutableMessage{
		TopicRef: "share-metadata:" + token.LedgerTokenID,
		Payload:  payload,
	}))
	if err != nil {
		token.LastError = err.Error()
		if updateErr := o.repo.UpdateShareToken(ctx, token); updateErr != nil {
			o.logger.Error("Failed to record share token error", zap.String("share_token_id", token.ID.String()), zap.Error(updateErr))
		}
		o.logger.Warn("Share token metadata not recorded",
			zap.String("share_token_id", token.ID.String()),
			zap.String("ledger_token_id", token.LedgerTokenID),
			zap.Error(err))
		return token, &apperrors.PartialCompletionError{
			Operation:     "tokenize_shares",
			RecordID:      token.ID.String(),
			CompletedStep: string(ledger.OpDefineFungibleToken),
			FailedStep:    string(ledger.OpRecordMessage),
			ResumeWith:    "retry share metadata",
			Err:           err,
		}
	}

	token.MetadataTopicID = receipt.TopicID
	token.MetadataSequence = receipt.SequenceNumber
	token.MetadataTxRef = receipt.TransactionRef
	token.Status = ShareStatusActive
	token.LastError = ""
	if err := o.repo.UpdateShareToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to update share token: %w", err)
	}

	o.logger.Info("Share token metadata recorded",
		zap.String("share_token_id", token.ID.String()),
		zap.String("topic_id", token.MetadataTopicID),
		zap.Int64("sequence", token.MetadataSequence))

	return token, nil
}

// TokenizeAsCertificate mints a unique certificate for a property, defining
// the property's certificate class on first use. Either a serial is returned
// or no certificate record exists.
func (o *Orchestrator) TokenizeAsCertificate(ctx context.Context, req *CertificateRequest) (*Certificate, error) {
	ref := req.IdempotencyRef
	if ref == "" {
		if req.ValuationRequestID == nil {
			return nil, apperrors.NewValidation("idempotency_ref", "is required without a valuation request")
		}
		ref = "certificate:" + req.ValuationRequestID.String()
	}

	property, err := o.loadProperty(ctx, req.PropertyID)
	if err != nil {
		return nil, err
	}
	if !mayIssueCertificate(req, property) {
		return nil, apperrors.NewForbidden(actorName(req.ActingUserID), "mint certificate for property "+property.ID.String(),
			"only the property owner or the valuator of a completed request may mint")
	}

	release, err := o.locker.Acquire(ctx, certificateClassKey(req.PropertyID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock property %s: %w", req.PropertyID, err)
	}
	defer release()

	existing, err := o.repo.GetCertificateByRef(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing certificate: %w", err)
	}
	if existing != nil {
		return o.withOwner(ctx, existing)
	}

	meta := NewCertificateMetadata(property, req.Valuation)
	if err := meta.Validate(); err != nil {
		return nil, apperrors.NewValidation("metadata", "%v", err)
	}

	class, err := o.ensureCertificateClass(ctx, property)
	if err != nil {
		return nil, err
	}

	if o.archive != nil {
		meta.Properties.ArchiveURI = o.archiveMetadata(ctx, property.ID, ref, meta)
	}

	mintMetadata, err := o.mintPayload(ctx, class, ref, meta)
	if err != nil {
		return nil, err
	}

	mintRef := ref + ":mint"
	receipt, err := o.submit(ctx, ledger.NewMintUnique(mintRef, ledger.MintUnique{
		TokenID:  class.LedgerTokenID,
		Metadata: mintMetadata,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to mint certificate: %w", err)
	}

	cert := &Certificate{
		ID:                 uuid.New(),
		PropertyID:         property.ID,
		ValuationRequestID: req.ValuationRequestID,
		ClassID:            class.ID,
		LedgerTokenID:      class.LedgerTokenID,
		Serial:             receipt.Serial,
		Metadata:           datatypes.NewJSONType(meta),
		Status:             CertificateStatusActive,
		IdempotencyRef:     ref,
		MintTxRef:          receipt.TransactionRef,
		CreatedBy:          req.ActingUserID,
	}
	if err := o.repo.CreateCertificate(ctx, cert); err != nil {
		o.logger.Error("Certificate minted on ledger but not recorded",
			zap.String("ledger_token_id", class.LedgerTokenID),
			zap.Int64("serial", receipt.Serial),
			zap.String("ref", ref),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record certificate: %w", err)
	}

	o.appendOwnership(ctx, &OwnershipRecord{
		TokenKind:      TokenKindCertificate,
		TokenRecordID:  cert.ID,
		LedgerTokenID:  cert.LedgerTokenID,
		ToAccount:      o.config.Treasury,
		Serial:         cert.Serial,
		TxRef:          receipt.TransactionRef,
		IdempotencyRef: mintRef,
		RecordedAt:     receipt.ConsensusAt,
	})
	cert.CurrentOwner = o.config.Treasury

	o.logger.Info("Certificate minted",
		zap.String("certificate_id", cert.ID.String()),
		zap.String("property_id", property.ID.String()),
		zap.String("ledger_token_id", cert.LedgerTokenID),
		zap.Int64("serial", cert.Serial))

	return cert, nil
}

func (o *Orchestrator) ensureCertificateClass(ctx context.Context, property *properties.Property) (*CertificateClass, error) {
	class, err := o.repo.GetCertificateClass(ctx, property.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate class: %w", err)
	}
	if class != nil {
		return class, nil
	}

	name := property.Title + " Valuation Certificates"
	symbol := tokenSymbol("VC", property.ID)
	receipt, err := o.submit(ctx, ledger.NewDefineUniqueTokenClass("certificate-class:"+property.ID.String(), ledger.DefineUniqueTokenClass{
		Name:      name,
		Symbol:    symbol,
		MaxSupply: o.config.CertificateMaxSupply,
		Treasury:  o.config.Treasury,
		Memo:      ledger.TruncateMemo("certificates for property " + property.ID.String()),
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to define certificate class: %w", err)
	}

	class = &CertificateClass{
		ID:            uuid.New(),
		PropertyID:    property.ID,
		LedgerTokenID: receipt.TokenID,
		Name:          name,
		Symbol:        symbol,
		MaxSupply:     o.config.CertificateMaxSupply,
		DefineTxRef:   receipt.TransactionRef,
	}
	if err := o.repo.CreateCertificateClass(ctx, class); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Another instance recorded the same ledger class first
			return o.repo.GetCertificateClass(ctx, property.ID)
		}
		return nil, fmt.Errorf("failed to record certificate class: %w", err)
	}

	o.logger.Info("Certificate class defined",
		zap.String("property_id", property.ID.String()),
		zap.String("ledger_token_id", class.LedgerTokenID))

	return class, nil
}

// mintPayload returns the metadata bytes to mint. Metadata larger than the
// inline limit goes to the message log and the mint carries a pointer.
func (o *Orchestrator) mintPayload(ctx context.Context, class *CertificateClass, ref string, meta CertificateMetadata) ([]byte, error) {
	full, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal certificate metadata: %w", err)
	}
	if len(full) <= o.config.MaxInlineMetadataBytes {
		return full, nil
	}

	receipt, err := o.submit(ctx, ledger.NewRecordMessage(ref+":metadata", ledger.RecordImmutableMessage{
		TopicRef: "certificate-metadata:" + class.LedgerTokenID,
		Payload:  full,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to record certificate metadata: %w", err)
	}

	pointer, err := json.Marshal(MetadataPointer{
		Name:       meta.Name,
		PropertyID: meta.Properties.PropertyID,
		TopicID:    receipt.TopicID,
		Sequence:   receipt.SequenceNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata pointer: %w", err)
	}
	return pointer, nil
}

func (o *Orchestrator) archiveMetadata(ctx context.Context, propertyID uuid.UUID, ref string, meta CertificateMetadata) string {
	body, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	key := fmt.Sprintf("certificates/%s/%s.json", propertyID, ref)
	uri, err := o.archive.Put(ctx, key, body, "application/json")
	if err != nil {
		o.logger.Warn("Failed to archive certificate metadata", zap.String("key", key), zap.Error(err))
		return ""
	}
	return uri
}

// TransferShares moves shares between accounts and appends an ownership record
func (o *Orchestrator) TransferShares(ctx context.Context, req *ShareTransferRequest) (*OwnershipRecord, error) {
	if req.Amount <= 0 {
		return nil, apperrors.NewValidation("amount", "must be a positive integer")
	}
	if req.From == "" || req.To == "" || req.From == req.To {
		return nil, apperrors.NewValidation("to", "from and to must be different accounts")
	}
	if req.IdempotencyRef == "" {
		return nil, apperrors.NewValidation("idempotency_ref", "is required")
	}

	token, err := o.GetShareToken(ctx, req.ShareTokenID)
	if err != nil {
		return nil, err
	}
	if token.Status != ShareStatusActive {
		return nil, apperrors.NewStateConflict("share_token", token.ID.String(), string(token.Status),
			"metadata is not recorded yet; retry share metadata first")
	}
	if req.Amount > token.TotalShares {
		return nil, apperrors.NewValidation("amount", "exceeds total shares %d", token.TotalShares)
	}
	if err := o.authorizeHolder(ctx, req.ActingUserID, "transfer shares of "+token.ID.String(), token.PropertyID, req.From, token.Treasury); err != nil {
		return nil, err
	}

	receipt, err := o.submit(ctx, ledger.NewTransfer(req.IdempotencyRef, ledger.Transfer{
		TokenID: token.LedgerTokenID,
		From:    req.From,
		To:      req.To,
		Amount:  req.Amount,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to transfer shares: %w", err)
	}

	record := &OwnershipRecord{
		TokenKind:      TokenKindShare,
		TokenRecordID:  token.ID,
		LedgerTokenID:  token.LedgerTokenID,
		FromAccount:    req.From,
		ToAccount:      req.To,
		Amount:         req.Amount,
		TxRef:          receipt.TransactionRef,
		IdempotencyRef: req.IdempotencyRef,
		RecordedAt:     receipt.ConsensusAt,
	}
	if err := o.repo.AppendOwnership(ctx, record); err != nil && !errors.Is(err, ErrDuplicate) {
		return nil, fmt.Errorf("failed to record share transfer: %w", err)
	}

	o.logger.Info("Shares transferred",
		zap.String("share_token_id", token.ID.String()),
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.Int64("amount", req.Amount))

	return record, nil
}

// TransferCertificate moves a certificate from its current owner to req.To
func (o *Orchestrator) TransferCertificate(ctx context.Context, req *CertificateTransferRequest) (*OwnershipRecord, error) {
	if req.To == "" {
		return nil, apperrors.NewValidation("to", "is required")
	}
	if req.IdempotencyRef == "" {
		return nil, apperrors.NewValidation("idempotency_ref", "is required")
	}

	release, err := o.locker.Acquire(ctx, certificateKey(req.CertificateID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock certificate %s: %w", req.CertificateID, err)
	}
	defer release()

	cert, err := o.GetCertificate(ctx, req.CertificateID)
	if err != nil {
		return nil, err
	}
	if cert.Status != CertificateStatusActive {
		return nil, apperrors.NewStateConflict("certificate", cert.ID.String(), string(cert.Status), "certificate is burned")
	}
	if cert.CurrentOwner == req.To {
		return nil, apperrors.NewValidation("to", "account already owns the certificate")
	}
	if err := o.authorizeHolder(ctx, req.ActingUserID, "transfer certificate "+cert.ID.String(), cert.PropertyID, cert.CurrentOwner, o.config.Treasury); err != nil {
		return nil, err
	}

	receipt, err := o.submit(ctx, ledger.NewTransfer(req.IdempotencyRef, ledger.Transfer{
		TokenID: cert.LedgerTokenID,
		From:    cert.CurrentOwner,
		To:      req.To,
		Serial:  cert.Serial,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to transfer certificate: %w", err)
	}

	record := &OwnershipRecord{
		TokenKind:      TokenKindCertificate,
		TokenRecordID:  cert.ID,
		LedgerTokenID:  cert.LedgerTokenID,
		FromAccount:    cert.CurrentOwner,
		ToAccount:      req.To,
		Serial:         cert.Serial,
		TxRef:          receipt.TransactionRef,
		IdempotencyRef: req.IdempotencyRef,
		RecordedAt:     receipt.ConsensusAt,
	}
	if err := o.repo.AppendOwnership(ctx, record); err != nil && !errors.Is(err, ErrDuplicate) {
		return nil, fmt.Errorf("failed to record certificate transfer: %w", err)
	}

	o.logger.Info("Certificate transferred",
		zap.String("certificate_id", cert.ID.String()),
		zap.String("from", record.FromAccount),
		zap.String("to", record.ToAccount))

	return record, nil
}

// BurnCertificate burns a certificate on the ledger and marks it burned.
// The record is kept for audit.
func (o *Orchestrator) BurnCertificate(ctx context.Context, actor string, certificateID uuid.UUID, idempotencyRef string) (*Certificate, error) {
	if idempotencyRef == "" {
		idempotencyRef = "certificate-burn:" + certificateID.String()
	}

	release, err := o.locker.Acquire(ctx, certificateKey(certificateID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock certificate %s: %w", certificateID, err)
	}
	defer release()

	cert, err := o.GetCertificate(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if cert.Status != CertificateStatusActive {
		return nil, apperrors.NewStateConflict("certificate", cert.ID.String(), string(cert.Status), "certificate is already burned")
	}
	if err := o.authorizeHolder(ctx, actor, "burn certificate "+cert.ID.String(), cert.PropertyID, cert.CurrentOwner, o.config.Treasury); err != nil {
		return nil, err
	}

	receipt, err := o.submit(ctx, ledger.NewBurn(idempotencyRef, ledger.Burn{
		TokenID: cert.LedgerTokenID,
		Serial:  cert.Serial,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to burn certificate: %w", err)
	}

	burnedAt := receipt.ConsensusAt
	if burnedAt.IsZero() {
		burnedAt = o.now()
	}
	if err := o.repo.MarkCertificateBurned(ctx, cert.ID, receipt.TransactionRef, burnedAt); err != nil {
		return nil, fmt.Errorf("failed to mark certificate burned: %w", err)
	}

	cert.Status = CertificateStatusBurned
	cert.BurnTxRef = receipt.TransactionRef
	cert.BurnedAt = &burnedAt

	o.logger.Info("Certificate burned",
		zap.String("certificate_id", cert.ID.String()),
		zap.Int64("serial", cert.Serial))

	return cert, nil
}

// GetShareToken returns a share token by ID
func (o *Orchestrator) GetShareToken(ctx context.Context, id uuid.UUID) (*ShareToken, error) {
	token, err := o.repo.GetShareToken(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get share token: %w", err)
	}
	if token == nil {
		return nil, fmt.Errorf("share token %s: %w", id, apperrors.ErrNotFound)
	}
	return token, nil
}

// GetCertificate returns a certificate with its current owner
func (o *Orchestrator) GetCertificate(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	cert, err := o.repo.GetCertificate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	if cert == nil {
		return nil, fmt.Errorf("certificate %s: %w", id, apperrors.ErrNotFound)
	}
	return o.withOwner(ctx, cert)
}

// ListTokens returns every token issued for a property
func (o *Orchestrator) ListTokens(ctx context.Context, propertyID uuid.UUID) (*PropertyTokens, error) {
	shares, err := o.repo.ListShareTokens(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list share tokens: %w", err)
	}
	certs, err := o.repo.ListCertificates(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	for i := range certs {
		if latest, err := o.repo.LatestOwnership(ctx, TokenKindCertificate, certs[i].ID); err == nil && latest != nil {
			certs[i].CurrentOwner = latest.ToAccount
		}
	}
	return &PropertyTokens{PropertyID: propertyID, ShareTokens: shares, Certificates: certs}, nil
}

// OwnershipHistory returns the ownership records of a token, oldest first
func (o *Orchestrator) OwnershipHistory(ctx context.Context, kind TokenKind, tokenRecordID uuid.UUID) ([]OwnershipRecord, error) {
	if kind != TokenKindShare && kind != TokenKindCertificate {
		return nil, apperrors.NewValidation("kind", "unknown token kind %q", kind)
	}
	records, err := o.repo.ListOwnership(ctx, kind, tokenRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ownership: %w", err)
	}
	return records, nil
}

// ListDegradedShareTokens returns share tokens waiting for their metadata step
func (o *Orchestrator) ListDegradedShareTokens(ctx context.Context, limit int) ([]ShareToken, error) {
	tokens, err := o.repo.ListDegradedShareTokens(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list degraded share tokens: %w", err)
	}
	return tokens, nil
}

// submit reconciles before submitting: an operation that already landed under
// the same reference is never sent again.
func (o *Orchestrator) submit(ctx context.Context, op ledger.Operation) (*ledger.Receipt, error) {
	landed, err := ledger.LookupExisting(ctx, o.gateway, op.IdempotencyRef)
	if err != nil {
		return nil, err
	}
	if landed != nil {
		o.logger.Info("Reusing landed ledger operation",
			zap.String("kind", string(op.Kind)),
			zap.String("ref", op.IdempotencyRef))
		return landed, nil
	}
	return ledger.SubmitReconciled(ctx, o.gateway, op)
}

func (o *Orchestrator) withOwner(ctx context.Context, cert *Certificate) (*Certificate, error) {
	latest, err := o.repo.LatestOwnership(ctx, TokenKindCertificate, cert.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate owner: %w", err)
	}
	if latest != nil {
		cert.CurrentOwner = latest.ToAccount
	}
	return cert, nil
}

func (o *Orchestrator) appendOwnership(ctx context.Context, record *OwnershipRecord) {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = o.now()
	}
	if err := o.repo.AppendOwnership(ctx, record); err != nil && !errors.Is(err, ErrDuplicate) {
		o.logger.Error("Failed to append ownership record",
			zap.String("token_record_id", record.TokenRecordID.String()),
			zap.String("ref", record.IdempotencyRef),
			zap.Error(err))
	}
}

func (o *Orchestrator) loadProperty(ctx context.Context, id uuid.UUID) (*properties.Property, error) {
	property, err := o.properties.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	if property == nil {
		return nil, fmt.Errorf("property %s: %w", id, apperrors.ErrNotFound)
	}
	return property, nil
}

func shareSlotKey(propertyID uuid.UUID) string {
	return "property:" + propertyID.String() + ":shares"
}

func certificateClassKey(propertyID uuid.UUID) string {
	return "property:" + propertyID.String() + ":certificates"
}

func certificateKey(id uuid.UUID) string {
	return "certificate:" + id.String()
}

// authorizeHolder lets the holder of a token move it. The property owner may
// also move tokens that still sit in the treasury they were issued to.
func (o *Orchestrator) authorizeHolder(ctx context.Context, actor, action string, propertyID uuid.UUID, holder, treasury string) error {
	if actor == "" {
		return apperrors.NewForbidden(actorName(actor), action, "an acting user is required")
	}
	if actor == holder {
		return nil
	}
	if holder == treasury {
		property, err := o.loadProperty(ctx, propertyID)
		if err != nil {
			return err
		}
		if property.OwnerID == actor {
			return nil
		}
	}
	return apperrors.NewForbidden(actor, action, "only the holder, or the property owner for treasury tokens, may do this")
}

// mayIssueCertificate allows the property owner, and the valuator named on a
// valuation-linked request.
func mayIssueCertificate(req *CertificateRequest, property *properties.Property) bool {
	if req.ActingUserID == "" {
		return false
	}
	if req.ActingUserID == property.OwnerID {
		return true
	}
	return req.ValuationRequestID != nil && req.Valuation != nil && req.Valuation.ValuatorID == req.ActingUserID
}

func (t *ShareToken) sameTerms(req *ShareTokenizationRequest) bool {
	if t.TotalShares != req.TotalShares || !t.PricePerShare.Equal(req.PricePerShare) {
		return false
	}
	return req.Treasury == "" || req.Treasury == t.Treasury
}

func actorName(actor string) string {
	if actor == "" {
		return "anonymous"
	}
	return actor
}
