package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/pkg/apperrors"
	"mapchain/valuation-portal/valuation-portal-backend/pkg/ledger"
)

func newCoordinator(t *testing.T) (*Coordinator, *MemoryRepository, *ledger.MemoryLedger) {
	t.Helper()
	repo := NewMemoryRepository()
	memLedger := ledger.NewMemoryLedger(ledger.WithStrictFunds())
	memLedger.Fund("owner-1", decimal.NewFromInt(1000))
	coordinator := NewCoordinator(repo, memLedger, &Config{PlatformFeePercent: decimal.NewFromInt(10)}, zap.NewNop())
	return coordinator, repo, memLedger
}

func lockRequest(amount int64) LockRequest {
	return LockRequest{RequestID: uuid.New(), Amount: decimal.NewFromInt(amount), Payer: "owner-1"}
}

func TestCoordinator_LockAndRelease(t *testing.T) {
	coordinator, repo, memLedger := newCoordinator(t)
	ctx := context.Background()

	e, err := coordinator.Lock(ctx, lockRequest(500))
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, e.Status)
	assert.NotEmpty(t, e.LedgerEscrowRef)
	assert.True(t, memLedger.Balance("owner-1").Equal(decimal.NewFromInt(500)))

	released, err := coordinator.Release(ctx, e, "valuator-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, "valuator-1", released.Payee)
	assert.True(t, released.PlatformFee.Equal(decimal.NewFromInt(50)))
	assert.True(t, released.PayeeAmount.Equal(decimal.NewFromInt(450)))
	assert.True(t, released.Amount.Equal(decimal.NewFromInt(500)))
	assert.True(t, memLedger.Balance("valuator-1").Equal(decimal.NewFromInt(450)))
	assert.True(t, memLedger.Balance("0.0.98").Equal(decimal.NewFromInt(50)))

	stored, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)

	// A second resolution in either direction is refused
	_, err = coordinator.Refund(ctx, stored)
	var conflict *apperrors.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, memLedger.Landed(ledger.OpReleaseFunds))
	assert.Zero(t, memLedger.Landed(ledger.OpRefundFunds))
}

func TestCoordinator_LockIsIdempotentPerRequest(t *testing.T) {
	coordinator, _, memLedger := newCoordinator(t)
	ctx := context.Background()

	req := lockRequest(200)
	first, err := coordinator.Lock(ctx, req)
	require.NoError(t, err)
	second, err := coordinator.Lock(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, memLedger.Landed(ledger.OpLockFunds))
	assert.True(t, memLedger.Balance("owner-1").Equal(decimal.NewFromInt(800)))
}

func TestCoordinator_LockInsufficientFunds(t *testing.T) {
	coordinator, repo, _ := newCoordinator(t)
	ctx := context.Background()

	req := lockRequest(5000)
	_, err := coordinator.Lock(ctx, req)
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindInsufficientFunds))

	stored, err := repo.GetByRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCoordinator_LockValidation(t *testing.T) {
	coordinator, _, memLedger := newCoordinator(t)

	_, err := coordinator.Lock(context.Background(), LockRequest{RequestID: uuid.New(), Amount: decimal.Zero, Payer: "owner-1"})
	var validation *apperrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Zero(t, memLedger.Landed(ledger.OpLockFunds))
}

func TestCoordinator_Refund(t *testing.T) {
	coordinator, _, memLedger := newCoordinator(t)
	ctx := context.Background()

	e, err := coordinator.Lock(ctx, lockRequest(300))
	require.NoError(t, err)

	refunded, err := coordinator.Refund(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.NotEmpty(t, refunded.RefundTxRef)
	assert.True(t, memLedger.Balance("owner-1").Equal(decimal.NewFromInt(1000)))
}

func TestCoordinator_FailedReleaseLeavesRecordUnchanged(t *testing.T) {
	coordinator, repo, memLedger := newCoordinator(t)
	ctx := context.Background()

	e, err := coordinator.Lock(ctx, lockRequest(500))
	require.NoError(t, err)

	memLedger.InjectFault(ledger.OpReleaseFunds, ledger.Fault{Kind: ledger.KindRejected})
	_, err = coordinator.Release(ctx, e, "valuator-1")
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindRejected))
	assert.Equal(t, StatusLocked, e.Status)

	stored, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, stored.Status)
	assert.Empty(t, stored.Payee)
}

func TestCoordinator_ReleaseTimeoutIsReconciled(t *testing.T) {
	coordinator, _, memLedger := newCoordinator(t)
	ctx := context.Background()

	e, err := coordinator.Lock(ctx, lockRequest(500))
	require.NoError(t, err)

	memLedger.InjectFault(ledger.OpReleaseFunds, ledger.Fault{Kind: ledger.KindTimeout, Landed: true})
	released, err := coordinator.Release(ctx, e, "valuator-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, 1, memLedger.Landed(ledger.OpReleaseFunds))
	assert.True(t, memLedger.Balance("valuator-1").Equal(decimal.NewFromInt(450)))
}

func TestCoordinator_ReleaseTimeoutNotLandedSurfaces(t *testing.T) {
	coordinator, _, memLedger := newCoordinator(t)
	ctx := context.Background()

	e, err := coordinator.Lock(ctx, lockRequest(500))
	require.NoError(t, err)

	memLedger.InjectFault(ledger.OpReleaseFunds, ledger.Fault{Kind: ledger.KindTimeout})
	_, err = coordinator.Release(ctx, e, "valuator-1")
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindTimeout))
	assert.Zero(t, memLedger.Landed(ledger.OpReleaseFunds))
}

func TestCoordinator_FrozenEscrowCannotResolve(t *testing.T) {
	coordinator, _, memLedger := newCoordinator(t)
	ctx := context.Background()

	e, err := coordinator.Lock(ctx, lockRequest(500))
	require.NoError(t, err)

	frozen, err := coordinator.Freeze(ctx, e)
	require.NoError(t, err)
	assert.True(t, frozen.Frozen)

	var conflict *apperrors.StateConflictError
	_, err = coordinator.Release(ctx, frozen, "valuator-1")
	require.ErrorAs(t, err, &conflict)
	_, err = coordinator.Refund(ctx, frozen)
	require.ErrorAs(t, err, &conflict)
	assert.Zero(t, memLedger.Landed(ledger.OpReleaseFunds))
	assert.Zero(t, memLedger.Landed(ledger.OpRefundFunds))
}

func TestCoordinator_PlatformFeeRounding(t *testing.T) {
	coordinator := NewCoordinator(NewMemoryRepository(), ledger.NewMemoryLedger(),
		&Config{PlatformFeePercent: decimal.RequireFromString("7.5")}, zap.NewNop())

	fee := coordinator.PlatformFee(decimal.RequireFromString("333.33"))
	assert.Equal(t, "25.00", fee.StringFixed(2))
}

// blindGateway loses sight of the ledger for one lookup after a submit times out
type blindGateway struct {
	*ledger.MemoryLedger
	blind bool
}

func (g *blindGateway) Submit(ctx context.Context, op ledger.Operation) (*ledger.Receipt, error) {
	receipt, err := g.MemoryLedger.Submit(ctx, op)
	if ledger.IsKind(err, ledger.KindTimeout) {
		g.blind = true
	}
	return receipt, err
}

func (g *blindGateway) Lookup(ctx context.Context, ref string) (*ledger.Receipt, error) {
	if g.blind {
		g.blind = false
		return nil, &ledger.Error{Kind: ledger.KindTimeout, Ref: ref, Reason: "mirror unavailable"}
	}
	return g.MemoryLedger.Lookup(ctx, ref)
}

func newBlindCoordinator(t *testing.T) (*Coordinator, *MemoryRepository, *ledger.MemoryLedger) {
	t.Helper()
	repo := NewMemoryRepository()
	memLedger := ledger.NewMemoryLedger(ledger.WithStrictFunds())
	memLedger.Fund("owner-1", decimal.NewFromInt(1000))
	coordinator := NewCoordinator(repo, &blindGateway{MemoryLedger: memLedger}, &Config{PlatformFeePercent: decimal.NewFromInt(10)}, zap.NewNop())
	return coordinator, repo, memLedger
}

func TestCoordinator_AmbiguousLockIsResumedNotRepeated(t *testing.T) {
	coordinator, repo, memLedger := newBlindCoordinator(t)
	ctx := context.Background()
	req := lockRequest(500)

	memLedger.InjectFault(ledger.OpLockFunds, ledger.Fault{Kind: ledger.KindTimeout, Landed: true})
	_, err := coordinator.Lock(ctx, req)
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindTimeout))

	pending, err := repo.GetByRequest(ctx, req.RequestID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, StatusPending, pending.Status)
	assert.Equal(t, "escrow-lock:"+req.RequestID.String(), pending.LockRef)

	e, err := coordinator.Lock(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, e.ID)
	assert.Equal(t, StatusLocked, e.Status)
	assert.NotEmpty(t, e.LedgerEscrowRef)
	assert.Equal(t, 1, memLedger.Landed(ledger.OpLockFunds))
	assert.True(t, memLedger.Balance("owner-1").Equal(decimal.NewFromInt(500)))
}

func TestCoordinator_LockWithDifferentTermsIsRejected(t *testing.T) {
	coordinator, _, memLedger := newCoordinator(t)
	ctx := context.Background()
	req := lockRequest(200)

	_, err := coordinator.Lock(ctx, req)
	require.NoError(t, err)

	req.Amount = decimal.NewFromInt(300)
	_, err = coordinator.Lock(ctx, req)
	var validation *apperrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, 1, memLedger.Landed(ledger.OpLockFunds))
}

func TestCoordinator_AbandonUnboundHold(t *testing.T) {
	t.Run("pending lock that never landed is dropped", func(t *testing.T) {
		coordinator, repo, memLedger := newCoordinator(t)
		ctx := context.Background()
		req := lockRequest(500)

		memLedger.InjectFault(ledger.OpLockFunds, ledger.Fault{Kind: ledger.KindTimeout})
		_, err := coordinator.Lock(ctx, req)
		require.Error(t, err)
		pending, err := repo.GetByRequest(ctx, req.RequestID)
		require.NoError(t, err)
		require.NotNil(t, pending)

		abandoned, err := coordinator.Abandon(ctx, pending)
		require.NoError(t, err)
		assert.Nil(t, abandoned)

		stored, err := repo.GetByID(ctx, pending.ID)
		require.NoError(t, err)
		assert.Nil(t, stored)
		assert.Zero(t, memLedger.Landed(ledger.OpRefundFunds))
	})

	t.Run("pending lock that landed is refunded", func(t *testing.T) {
		coordinator, repo, memLedger := newBlindCoordinator(t)
		ctx := context.Background()
		req := lockRequest(500)

		memLedger.InjectFault(ledger.OpLockFunds, ledger.Fault{Kind: ledger.KindTimeout, Landed: true})
		_, err := coordinator.Lock(ctx, req)
		require.Error(t, err)
		pending, err := repo.GetByRequest(ctx, req.RequestID)
		require.NoError(t, err)
		require.NotNil(t, pending)

		refunded, err := coordinator.Abandon(ctx, pending)
		require.NoError(t, err)
		require.NotNil(t, refunded)
		assert.Equal(t, StatusRefunded, refunded.Status)
		assert.Equal(t, 1, memLedger.Landed(ledger.OpRefundFunds))
		assert.True(t, memLedger.Balance("owner-1").Equal(decimal.NewFromInt(1000)))
	})

	t.Run("bound hold is refused", func(t *testing.T) {
		coordinator, _, memLedger := newCoordinator(t)
		ctx := context.Background()

		e, err := coordinator.Lock(ctx, lockRequest(500))
		require.NoError(t, err)
		bound, err := coordinator.Bind(ctx, e)
		require.NoError(t, err)

		_, err = coordinator.Abandon(ctx, bound)
		var conflict *apperrors.StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Zero(t, memLedger.Landed(ledger.OpRefundFunds))
	})
}

func TestCoordinator_ListUnboundSkipsBoundAndResolved(t *testing.T) {
	coordinator, _, _ := newCoordinator(t)
	ctx := context.Background()

	unbound, err := coordinator.Lock(ctx, lockRequest(100))
	require.NoError(t, err)
	bound, err := coordinator.Lock(ctx, lockRequest(100))
	require.NoError(t, err)
	_, err = coordinator.Bind(ctx, bound)
	require.NoError(t, err)
	refunded, err := coordinator.Lock(ctx, lockRequest(100))
	require.NoError(t, err)
	_, err = coordinator.Refund(ctx, refunded)
	require.NoError(t, err)

	escrows, err := coordinator.ListUnbound(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	assert.Equal(t, unbound.ID, escrows[0].ID)

	escrows, err = coordinator.ListUnbound(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, escrows)
}

func TestCoordinator_LandedReleaseIsOnlyReusedForItsPayee(t *testing.T) {
	coordinator, repo, memLedger := newCoordinator(t)
	ctx := context.Background()

	e, err := coordinator.Lock(ctx, lockRequest(500))
	require.NoError(t, err)

	// The release to valuator-1 landed but was never recorded locally
	_, err = memLedger.Submit(ctx, ledger.NewReleaseFunds(releaseRef(e.ID, "valuator-1"), ledger.ReleaseFunds{
		EscrowRef:   e.LedgerEscrowRef,
		Payee:       "valuator-1",
		PayeeAmount: decimal.NewFromInt(450),
		PlatformFee: decimal.NewFromInt(50),
	}))
	require.NoError(t, err)

	_, err = coordinator.Release(ctx, e, "valuator-2")
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindRejected))
	stored, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, stored.Status)
	assert.Empty(t, stored.Payee)
	assert.True(t, memLedger.Balance("valuator-2").IsZero())

	released, err := coordinator.Release(ctx, e, "valuator-1")
	require.NoError(t, err)
	assert.Equal(t, "valuator-1", released.Payee)
	assert.Equal(t, 1, memLedger.Landed(ledger.OpReleaseFunds))
}
