package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGateway is a mock implementation of the Gateway interface
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Submit(ctx context.Context, op Operation) (*Receipt, error) {
	args := m.Called(ctx, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Receipt), args.Error(1)
}

func (m *MockGateway) Lookup(ctx context.Context, ref string) (*Receipt, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Receipt), args.Error(1)
}

func lockOp() Operation {
	return NewLockFunds("escrow-lock:r1", LockFunds{Amount: decimal.NewFromInt(10), Payer: "u1"})
}

func TestSubmitReconciled_Success(t *testing.T) {
	gw := new(MockGateway)
	op := lockOp()
	gw.On("Submit", mock.Anything, op).Return(&Receipt{IdempotencyRef: op.IdempotencyRef}, nil)

	receipt, err := SubmitReconciled(context.Background(), gw, op)
	require.NoError(t, err)
	assert.Equal(t, op.IdempotencyRef, receipt.IdempotencyRef)
	gw.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestSubmitReconciled_TimeoutThatLanded(t *testing.T) {
	gw := new(MockGateway)
	op := lockOp()
	gw.On("Submit", mock.Anything, op).Return(nil, &Error{Kind: KindTimeout, Ref: op.IdempotencyRef})
	gw.On("Lookup", mock.Anything, op.IdempotencyRef).Return(&Receipt{EscrowRef: "escrow-1"}, nil)

	receipt, err := SubmitReconciled(context.Background(), gw, op)
	require.NoError(t, err)
	assert.Equal(t, "escrow-1", receipt.EscrowRef)
	gw.AssertNumberOfCalls(t, "Submit", 1)
}

func TestSubmitReconciled_TimeoutNeverLanded(t *testing.T) {
	gw := new(MockGateway)
	op := lockOp()
	gw.On("Submit", mock.Anything, op).Return(nil, &Error{Kind: KindTimeout, Ref: op.IdempotencyRef})
	gw.On("Lookup", mock.Anything, op.IdempotencyRef).Return(nil, &Error{Kind: KindNotFound, Ref: op.IdempotencyRef})

	_, err := SubmitReconciled(context.Background(), gw, op)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, op.IdempotencyRef, le.Ref)
	gw.AssertNumberOfCalls(t, "Submit", 1)
}

func TestSubmitReconciled_TerminalErrorSkipsLookup(t *testing.T) {
	gw := new(MockGateway)
	op := lockOp()
	gw.On("Submit", mock.Anything, op).Return(nil, &Error{Kind: KindInsufficientFunds, Ref: op.IdempotencyRef})

	_, err := SubmitReconciled(context.Background(), gw, op)
	assert.True(t, IsKind(err, KindInsufficientFunds))
	gw.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestLookupExisting(t *testing.T) {
	gw := new(MockGateway)
	gw.On("Lookup", mock.Anything, "missing").Return(nil, &Error{Kind: KindNotFound})
	gw.On("Lookup", mock.Anything, "present").Return(&Receipt{TokenID: "0.0.1"}, nil)

	receipt, err := LookupExisting(context.Background(), gw, "missing")
	require.NoError(t, err)
	assert.Nil(t, receipt)

	receipt, err = LookupExisting(context.Background(), gw, "present")
	require.NoError(t, err)
	assert.Equal(t, "0.0.1", receipt.TokenID)
}

func TestSubmitReconciled_TimeoutThatFailedOnLedger(t *testing.T) {
	gw := new(MockGateway)
	op := lockOp()
	gw.On("Submit", mock.Anything, op).Return(nil, &Error{Kind: KindTimeout, Ref: op.IdempotencyRef})
	gw.On("Lookup", mock.Anything, op.IdempotencyRef).Return(nil, &Error{Kind: KindInsufficientFunds, Ref: op.IdempotencyRef})

	_, err := SubmitReconciled(context.Background(), gw, op)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInsufficientFunds))
	gw.AssertNumberOfCalls(t, "Submit", 1)
}
