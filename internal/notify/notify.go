// Package notify publishes terminal payment and deal state changes to
// whoever tells users about them.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	PaymentSucceeded      = "payment.succeeded"
	PaymentFailed         = "payment.failed"
	PaymentFullyRefunded  = "payment.fully_refunded"
	DealPaidThenCancelled = "deal.paid_then_cancelled"
	DealCancelled         = "deal.cancelled"
)

type Notification struct {
	DealID          string    `json:"dealId"`
	EventType       string    `json:"eventType"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Bus fans notifications out to buffered subscriber channels. A subscriber
// that falls behind loses notifications rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Notification
	closed bool
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(buffer int) <-chan Notification {
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ctx context.Context, n Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, ch := range b.subs {
		select {
		case ch <- n:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("notification dropped, subscriber full",
				zap.String("event_type", n.EventType),
				zap.String("deal_id", n.DealID),
			)
		}
	}
	return nil
}

// Close closes every subscriber channel. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// LogSink drains a subscription into the log until it is closed.
func LogSink(ch <-chan Notification, logger *zap.Logger) {
	for n := range ch {
		logger.Info("notification",
			zap.String("event_type", n.EventType),
			zap.String("deal_id", n.DealID),
			zap.String("payment_intent_id", n.PaymentIntentID),
			zap.Time("occurred_at", n.OccurredAt),
		)
	}
}
