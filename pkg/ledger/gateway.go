package ledger

import (
	"context"
	"errors"
)

// Gateway submits single operations to the ledger network. Implementations
// never retry: a duplicate submission with the same idempotency reference
// resolves to the original receipt.
type Gateway interface {
	// Submit sends one operation and waits for a receipt or a typed *Error.
	Submit(ctx context.Context, op Operation) (*Receipt, error)
	// Lookup reads the receipt of a previously submitted operation.
	// An *Error of KindNotFound means the operation never landed.
	Lookup(ctx context.Context, idempotencyRef string) (*Receipt, error)
}

// SubmitReconciled submits op once. When the submission times out it performs a
// single reconciliation read: if the operation landed its receipt is returned,
// if it is final and failed that error is returned, otherwise the original
// TIMEOUT is returned so the caller can decide whether
// a resubmission with the same reference is safe. It never resubmits.
func SubmitReconciled(ctx context.Context, gw Gateway, op Operation) (*Receipt, error) {
	receipt, err := gw.Submit(ctx, op)
	if err == nil {
		return receipt, nil
	}
	if !IsKind(err, KindTimeout) {
		return nil, err
	}

	landed, lookupErr := gw.Lookup(ctx, op.IdempotencyRef)
	if lookupErr == nil {
		return landed, nil
	}
	if IsKind(lookupErr, KindNotFound) {
		return nil, err
	}
	var final *Error
	if errors.As(lookupErr, &final) && final.Terminal() {
		return nil, lookupErr
	}

	var le *Error
	if errors.As(err, &le) {
		return nil, &Error{Kind: KindTimeout, Op: op.Kind, Ref: op.IdempotencyRef, Reason: "reconciliation failed", Err: lookupErr}
	}
	return nil, err
}

// LookupExisting returns the receipt for ref if the operation already landed,
// or nil when the ledger has no record of it.
func LookupExisting(ctx context.Context, gw Gateway, ref string) (*Receipt, error) {
	receipt, err := gw.Lookup(ctx, ref)
	if err == nil {
		return receipt, nil
	}
	if IsKind(err, KindNotFound) {
		return nil, nil
	}
	return nil, err
}
