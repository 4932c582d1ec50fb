package dispatch

import (
	"context"
	"fmt"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/paymentstate"
)

// Verdict is what a handler decided for one event.
type Verdict struct {
	Outcome model.EventOutcome
	Reason  string
}

// Handler receives typed events. Implementations bind whatever transaction
// the event is being applied in.
type Handler interface {
	PaymentProcessing(ctx context.Context, e *PaymentProcessing) (Verdict, error)
	PaymentSucceeded(ctx context.Context, e *PaymentSucceeded) (Verdict, error)
	PaymentFailed(ctx context.Context, e *PaymentFailed) (Verdict, error)
	ChargeRefunded(ctx context.Context, e *ChargeRefunded) (Verdict, error)
}

func Dispatch(ctx context.Context, ev Event, h Handler) (Verdict, error) {
	switch e := ev.(type) {
	case *PaymentProcessing:
		return h.PaymentProcessing(ctx, e)
	case *PaymentSucceeded:
		return h.PaymentSucceeded(ctx, e)
	case *PaymentFailed:
		return h.PaymentFailed(ctx, e)
	case *ChargeRefunded:
		return h.ChargeRefunded(ctx, e)
	case *Unhandled:
		return Verdict{Outcome: model.OutcomeApplied, Reason: "ignored: unhandled event type " + e.meta.Type}, nil
	}
	return Verdict{}, fmt.Errorf("no route for %T", ev)
}

// KindOf maps a typed event onto the state machine's vocabulary.
func KindOf(ev Event) (paymentstate.Kind, bool) {
	switch ev.(type) {
	case *PaymentProcessing:
		return paymentstate.KindProcessing, true
	case *PaymentSucceeded:
		return paymentstate.KindSucceeded, true
	case *PaymentFailed:
		return paymentstate.KindFailed, true
	case *ChargeRefunded:
		return paymentstate.KindRefunded, true
	}
	return "", false
}
