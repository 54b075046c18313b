package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/pkg/metrics"
)

// InstrumentedGateway records metrics and logs around another Gateway.
type InstrumentedGateway struct {
	next   Gateway
	logger *zap.Logger
}

// NewInstrumentedGateway wraps next.
func NewInstrumentedGateway(next Gateway, logger *zap.Logger) *InstrumentedGateway {
	return &InstrumentedGateway{next: next, logger: logger}
}

func (g *InstrumentedGateway) Submit(ctx context.Context, op Operation) (*Receipt, error) {
	start := time.Now()
	receipt, err := g.next.Submit(ctx, op)
	metrics.RecordLedgerOperation(string(op.Kind), outcome(err), time.Since(start))

	if err != nil {
		g.logger.Warn("Ledger operation failed",
			zap.String("kind", string(op.Kind)),
			zap.String("ref", op.IdempotencyRef),
			zap.Error(err))
		return nil, err
	}

	g.logger.Info("Ledger operation confirmed",
		zap.String("kind", string(op.Kind)),
		zap.String("ref", op.IdempotencyRef),
		zap.String("tx_ref", receipt.TransactionRef))
	return receipt, nil
}

func (g *InstrumentedGateway) Lookup(ctx context.Context, idempotencyRef string) (*Receipt, error) {
	start := time.Now()
	receipt, err := g.next.Lookup(ctx, idempotencyRef)
	metrics.RecordLedgerOperation("lookup", outcome(err), time.Since(start))
	return receipt, err
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var le *Error
	if errors.As(err, &le) {
		return string(le.Kind)
	}
	return "error"
}
