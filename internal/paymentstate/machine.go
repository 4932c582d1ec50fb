// Package paymentstate is the transition table for payment intents.
//
//	created -> pending -> succeeded | failed
//	succeeded -> partially_refunded -> fully_refunded
//
// failed and fully_refunded are terminal. Nothing here touches storage; the
// webhook service asks for a Decision and performs it.
package paymentstate

import (
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
)

type Kind string

const (
	KindProcessing Kind = "processing"
	KindSucceeded  Kind = "succeeded"
	KindFailed     Kind = "failed"
	KindRefunded   Kind = "refunded"
)

type Action int

const (
	ActionApply Action = iota
	ActionNoOp
	ActionReject
	ActionDefer
)

func (a Action) String() string {
	switch a {
	case ActionApply:
		return "apply"
	case ActionNoOp:
		return "noop"
	case ActionReject:
		return "reject"
	case ActionDefer:
		return "defer"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the verdict for one event against the current status. Next is
// only set for ActionApply; for refunds it is left empty because the target
// depends on the amounts (see ApplyRefunds).
type Decision struct {
	Action Action
	Next   model.PaymentStatus
	Err    error
}

func Decide(current model.PaymentStatus, kind Kind) Decision {
	switch kind {
	case KindProcessing:
		switch current {
		case model.PaymentCreated:
			return Decision{Action: ActionApply, Next: model.PaymentPending}
		case model.PaymentFailed:
			return reject(current, kind)
		default:
			return Decision{Action: ActionNoOp}
		}

	case KindSucceeded:
		switch current {
		case model.PaymentCreated, model.PaymentPending:
			return Decision{Action: ActionApply, Next: model.PaymentSucceeded}
		case model.PaymentSucceeded, model.PaymentPartiallyRefunded, model.PaymentFullyRefunded:
			return Decision{Action: ActionNoOp}
		default:
			return reject(current, kind)
		}

	case KindFailed:
		switch current {
		case model.PaymentCreated, model.PaymentPending:
			return Decision{Action: ActionApply, Next: model.PaymentFailed}
		case model.PaymentFailed:
			return Decision{Action: ActionNoOp}
		default:
			return reject(current, kind)
		}

	case KindRefunded:
		switch current {
		case model.PaymentSucceeded, model.PaymentPartiallyRefunded, model.PaymentFullyRefunded:
			return Decision{Action: ActionApply}
		case model.PaymentCreated, model.PaymentPending:
			return Decision{Action: ActionDefer}
		default:
			return reject(current, kind)
		}
	}

	return Decision{
		Action: ActionReject,
		Err:    fmt.Errorf("unknown event kind %q: %w", kind, apperr.ErrMalformedEvent),
	}
}

func reject(current model.PaymentStatus, kind Kind) Decision {
	return Decision{
		Action: ActionReject,
		Err:    fmt.Errorf("%s event on %s intent: %w", kind, current, apperr.ErrOutOfOrderEvent),
	}
}

func Terminal(status model.PaymentStatus) bool {
	return status == model.PaymentFailed || status == model.PaymentFullyRefunded
}

// Paid reports whether money has moved for an intent in this status.
func Paid(status model.PaymentStatus) bool {
	switch status {
	case model.PaymentSucceeded, model.PaymentPartiallyRefunded, model.PaymentFullyRefunded:
		return true
	}
	return false
}
