package notifications

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/pkg/metrics"
)

// Dispatcher fans events out to publishers in the background. A failing
// publisher is logged and counted; the emitting caller never sees it.
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher over publishers
func NewDispatcher(timeout time.Duration, logger *zap.Logger, publishers ...Publisher) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{
		publishers: publishers,
		timeout:    timeout,
		logger:     logger,
	}
}

// Emit publishes event to every publisher without blocking the caller
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	// Delivery outlives the request that triggered it
	base := context.WithoutCancel(ctx)

	for _, p := range d.publishers {
		d.wg.Add(1)
		go func(p Publisher) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Notification publisher panicked",
						zap.String("publisher", p.Name()),
						zap.Any("panic", r))
					metrics.RecordNotificationFailure(p.Name())
				}
			}()

			publishCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			if err := p.Publish(publishCtx, event); err != nil {
				d.logger.Warn("Failed to publish notification",
					zap.String("publisher", p.Name()),
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID.String()),
					zap.Error(err))
				metrics.RecordNotificationFailure(p.Name())
			}
		}(p)
	}
}

// Wait blocks until in-flight publishes finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Nop discards every event
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
