package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/ledger"
)

var hundred = decimal.NewFromInt(100)

// Config contains escrow settings
type Config struct {
	PlatformFeePercent decimal.Decimal
}

// Coordinator holds valuation fees on the ledger. Each operation makes one
// ledger call and changes the local record only after a successful receipt.
type Coordinator struct {
	repo       Repository
	gateway    ledger.Gateway
	feePercent decimal.Decimal
	logger     *zap.Logger
	now        func() time.Time
}

// NewCoordinator creates a new escrow coordinator
func NewCoordinator(repo Repository, gateway ledger.Gateway, config *Config, logger *zap.Logger) *Coordinator {
	fee := decimal.NewFromInt(10)
	if config != nil && !config.PlatformFeePercent.IsNegative() && config.PlatformFeePercent.LessThan(hundred) {
		fee = config.PlatformFeePercent
	}
	return &Coordinator{
		repo:       repo,
		gateway:    gateway,
		feePercent: fee,
		logger:     logger,
		now:        time.Now,
	}
}

// Lock places the request fee on hold. The hold is recorded as pending before
// the ledger call, so an ambiguous outcome is never lost. Locking the same
// request again resumes or returns that hold.
func (c *Coordinator) Lock(ctx context.Context, req LockRequest) (*Escrow, error) {
	if req.RequestID == uuid.Nil {
		return nil, apperrors.NewValidation("request_id", "is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.NewValidation("fee", "must be positive")
	}
	if req.Payer == "" {
		return nil, apperrors.NewValidation("payer", "is required")
	}

	existing, err := c.repo.GetByRequest(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if existing != nil {
		if !existing.Amount.Equal(req.Amount) || existing.Payer != req.Payer {
			return nil, apperrors.NewValidation("request_id", "already holds %s from %s", existing.Amount, existing.Payer)
		}
		switch {
		case existing.Status == StatusPending:
			return c.completeLock(ctx, existing)
		case existing.Status.Terminal():
			return nil, apperrors.NewStateConflict("escrow", existing.ID.String(), string(existing.Status),
				"hold for request %s was already %s", req.RequestID, existing.Status)
		}
		return existing, nil
	}

	e := &Escrow{
		ID:        uuid.New(),
		RequestID: req.RequestID,
		Amount:    req.Amount,
		Payer:     req.Payer,
		Status:    StatusPending,
		IsUrgent:  req.Urgent,
		LockRef:   "escrow-lock:" + req.RequestID.String(),
	}
	if err := c.repo.Create(ctx, e); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperrors.NewStateConflict("escrow", req.RequestID.String(), string(StatusPending), "hold is being placed concurrently")
		}
		return nil, fmt.Errorf("failed to record escrow: %w", err)
	}
	return c.completeLock(ctx, e)
}

func (c *Coordinator) completeLock(ctx context.Context, e *Escrow) (*Escrow, error) {
	receipt, err := c.submit(ctx, ledger.NewLockFunds(e.LockRef, ledger.LockFunds{
		Amount: e.Amount,
		Payer:  e.Payer,
		Memo:   ledger.TruncateMemo("valuation fee " + e.RequestID.String()),
	}))
	if err != nil {
		if ledger.IsKind(err, ledger.KindRejected) || ledger.IsKind(err, ledger.KindInsufficientFunds) {
			// Nothing landed; a later lock starts clean
			if delErr := c.repo.DeletePending(ctx, e.ID); delErr != nil && !errors.Is(delErr, ErrStale) {
				c.logger.Error("Failed to drop rejected escrow", zap.String("escrow_id", e.ID.String()), zap.Error(delErr))
			}
		} else {
			c.logger.Warn("Escrow lock outcome unknown, keeping pending hold",
				zap.String("escrow_id", e.ID.String()),
				zap.String("ref", e.LockRef),
				zap.Error(err))
		}
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	locked, err := c.recordLock(ctx, e, receipt)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Escrow locked",
		zap.String("escrow_id", e.ID.String()),
		zap.String("request_id", e.RequestID.String()),
		zap.String("amount", e.Amount.String()))

	return locked, nil
}

func (c *Coordinator) recordLock(ctx context.Context, e *Escrow, receipt *ledger.Receipt) (*Escrow, error) {
	updated := *e
	updated.Status = StatusLocked
	updated.LedgerEscrowRef = receipt.EscrowRef
	updated.LockTxRef = receipt.TransactionRef
	if err := c.repo.RecordLock(ctx, &updated); err != nil {
		if errors.Is(err, ErrStale) {
			return c.Get(ctx, e.ID)
		}
		c.logger.Error("Escrow locked on ledger but not recorded",
			zap.String("request_id", e.RequestID.String()),
			zap.String("escrow_ref", receipt.EscrowRef),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record escrow lock: %w", err)
	}
	return &updated, nil
}

// Bind marks the hold as owned by a persisted request
func (c *Coordinator) Bind(ctx context.Context, e *Escrow) (*Escrow, error) {
	if e.Bound {
		return e, nil
	}
	if err := c.repo.Bind(ctx, e.ID); err != nil {
		return nil, fmt.Errorf("failed to bind escrow: %w", err)
	}
	updated := *e
	updated.Bound = true
	return &updated, nil
}

// ListUnbound returns holds created before the cutoff that no request claimed
func (c *Coordinator) ListUnbound(ctx context.Context, before time.Time, limit int) ([]Escrow, error) {
	escrows, err := c.repo.ListUnbound(ctx, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unbound escrows: %w", err)
	}
	return escrows, nil
}

// Abandon returns an unbound hold to its payer. A pending lock is reconciled
// first: if it never landed the hold is dropped and nil is returned.
func (c *Coordinator) Abandon(ctx context.Context, e *Escrow) (*Escrow, error) {
	if e.Bound {
		return nil, apperrors.NewStateConflict("escrow", e.ID.String(), string(e.Status), "escrow is bound to request %s", e.RequestID)
	}
	if e.Status == StatusPending {
		receipt, err := ledger.LookupExisting(ctx, c.gateway, e.LockRef)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile escrow lock: %w", err)
		}
		if receipt == nil {
			if err := c.repo.DeletePending(ctx, e.ID); err != nil && !errors.Is(err, ErrStale) {
				return nil, fmt.Errorf("failed to drop escrow: %w", err)
			}
			c.logger.Info("Dropped escrow whose lock never landed",
				zap.String("escrow_id", e.ID.String()),
				zap.String("ref", e.LockRef))
			return nil, nil
		}
		locked, err := c.recordLock(ctx, e, receipt)
		if err != nil {
			return nil, err
		}
		e = locked
	}
	if e.Status.Terminal() {
		return e, nil
	}
	return c.Refund(ctx, e)
}

// Release pays the hold to payee minus the platform fee
func (c *Coordinator) Release(ctx context.Context, e *Escrow, payee string) (*Escrow, error) {
	if payee == "" {
		return nil, apperrors.NewValidation("payee", "is required")
	}
	if e.Status == StatusReleased && e.Payee == payee {
		return e, nil
	}
	if err := c.checkResolvable(e); err != nil {
		return nil, err
	}

	fee := c.PlatformFee(e.Amount)
	payeeAmount := e.Amount.Sub(fee)

	// The payee is part of the reference so a landed release is only reused
	// for the payee it paid
	receipt, err := c.submit(ctx, ledger.NewReleaseFunds(releaseRef(e.ID, payee), ledger.ReleaseFunds{
		EscrowRef:   e.LedgerEscrowRef,
		Payee:       payee,
		PayeeAmount: payeeAmount,
		PlatformFee: fee,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}

	resolvedAt := c.now()
	updated := *e
	updated.Status = StatusReleased
	updated.Payee = payee
	updated.PlatformFee = fee
	updated.PayeeAmount = payeeAmount
	updated.ReleaseTxRef = receipt.TransactionRef
	updated.ResolvedAt = &resolvedAt
	if err := c.repo.Resolve(ctx, &updated); err != nil {
		return nil, c.resolveFailed(e, receipt, err)
	}

	c.logger.Info("Escrow released",
		zap.String("escrow_id", e.ID.String()),
		zap.String("payee", payee),
		zap.String("payee_amount", payeeAmount.String()),
		zap.String("platform_fee", fee.String()))

	return &updated, nil
}

// Refund returns the hold to the payer
func (c *Coordinator) Refund(ctx context.Context, e *Escrow) (*Escrow, error) {
	if e.Status == StatusRefunded {
		return e, nil
	}
	if err := c.checkResolvable(e); err != nil {
		return nil, err
	}

	receipt, err := c.submit(ctx, ledger.NewRefundFunds("escrow-refund:"+e.ID.String(), ledger.RefundFunds{
		EscrowRef: e.LedgerEscrowRef,
		Payer:     e.Payer,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	resolvedAt := c.now()
	updated := *e
	updated.Status = StatusRefunded
	updated.RefundTxRef = receipt.TransactionRef
	updated.ResolvedAt = &resolvedAt
	if err := c.repo.Resolve(ctx, &updated); err != nil {
		return nil, c.resolveFailed(e, receipt, err)
	}

	c.logger.Info("Escrow refunded",
		zap.String("escrow_id", e.ID.String()),
		zap.String("payer", e.Payer),
		zap.String("amount", e.Amount.String()))

	return &updated, nil
}

// Freeze blocks any further release or refund pending manual resolution
func (c *Coordinator) Freeze(ctx context.Context, e *Escrow) (*Escrow, error) {
	if e.Frozen {
		return e, nil
	}
	frozenAt := c.now()
	if err := c.repo.Freeze(ctx, e.ID, frozenAt); err != nil {
		if errors.Is(err, ErrStale) {
			return c.Get(ctx, e.ID)
		}
		return nil, fmt.Errorf("failed to freeze escrow: %w", err)
	}

	updated := *e
	updated.Frozen = true
	updated.FrozenAt = &frozenAt

	c.logger.Info("Escrow frozen",
		zap.String("escrow_id", e.ID.String()),
		zap.String("status", string(e.Status)))

	return &updated, nil
}

// Get returns an escrow by ID
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	e, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("escrow %s: %w", id, apperrors.ErrNotFound)
	}
	return e, nil
}

// GetByRequest returns the escrow bound to a valuation request
func (c *Coordinator) GetByRequest(ctx context.Context, requestID uuid.UUID) (*Escrow, error) {
	e, err := c.repo.GetByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("escrow for request %s: %w", requestID, apperrors.ErrNotFound)
	}
	return e, nil
}

// PlatformFee returns the platform share of amount, rounded to cents
func (c *Coordinator) PlatformFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.feePercent).Div(hundred).Round(2)
}

func (c *Coordinator) checkResolvable(e *Escrow) error {
	if e.Frozen {
		return apperrors.NewStateConflict("escrow", e.ID.String(), string(e.Status), "escrow is frozen pending dispute resolution")
	}
	if e.Status != StatusLocked {
		return apperrors.NewStateConflict("escrow", e.ID.String(), string(e.Status), "escrow is already %s", e.Status)
	}
	return nil
}

func (c *Coordinator) resolveFailed(e *Escrow, receipt *ledger.Receipt, err error) error {
	c.logger.Error("Escrow resolved on ledger but not recorded",
		zap.String("escrow_id", e.ID.String()),
		zap.String("tx_ref", receipt.TransactionRef),
		zap.Error(err))
	if errors.Is(err, ErrStale) {
		return apperrors.NewStateConflict("escrow", e.ID.String(), string(e.Status), "escrow changed concurrently")
	}
	return fmt.Errorf("failed to record escrow resolution: %w", err)
}

func releaseRef(escrowID uuid.UUID, payee string) string {
	return "escrow-release:" + escrowID.String() + ":" + payee
}

// submit never resubmits an operation that already landed under its reference
func (c *Coordinator) submit(ctx context.Context, op ledger.Operation) (*ledger.Receipt, error) {
	landed, err := ledger.LookupExisting(ctx, c.gateway, op.IdempotencyRef)
	if err != nil {
		return nil, err
	}
	if landed != nil {
		return landed, nil
	}
	return ledger.SubmitReconciled(ctx, c.gateway, op)
}
