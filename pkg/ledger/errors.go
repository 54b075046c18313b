package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed ledger call.
type ErrorKind string

const (
	// KindRejected is terminal for the attempt: the ledger refused the operation.
	KindRejected ErrorKind = "REJECTED"
	// KindTimeout is ambiguous: the operation may or may not have landed.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindInsufficientFunds is terminal for the attempt.
	KindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	// KindNotFound means the referenced operation, token or escrow does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
)

// Error is the typed failure returned by a Gateway. Ref is the idempotency
// reference of the operation so callers can reconcile.
type Error struct {
	Kind   ErrorKind
	Op     OperationKind
	Ref    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ledger %s", e.Kind)
	if e.Op != "" {
		msg += " on " + string(e.Op)
	}
	if e.Ref != "" {
		msg += " (ref " + e.Ref + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a gateway-style response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadGateway
	}
}

// IsKind reports whether err is a ledger Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == kind
}

// Terminal reports whether the failure is final for this attempt.
func (e *Error) Terminal() bool {
	return e.Kind == KindRejected || e.Kind == KindInsufficientFunds
}

func newError(kind ErrorKind, op Operation, reason string) *Error {
	return &Error{Kind: kind, Op: op.Kind, Ref: op.IdempotencyRef, Reason: reason}
}
