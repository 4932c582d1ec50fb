package dispatch

import (
	"encoding/json"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/paymentstate"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// Meta is what every delivery carries regardless of its type.
type Meta struct {
	EventID         string
	Type            string
	Created         time.Time
	PaymentIntentID string
}

type Event interface {
	Meta() Meta
}

type PaymentProcessing struct {
	meta Meta
}

type PaymentSucceeded struct {
	meta     Meta
	Amount   int64
	Currency string
}

type PaymentFailed struct {
	meta   Meta
	Code   string
	Reason string
}

type ChargeRefunded struct {
	meta     Meta
	ChargeID string
	Amount   int64
	// AmountRefunded is the cumulative figure reported by the processor.
	AmountRefunded int64
	// Refunds is empty when the delivery did not include the refund list.
	Refunds []paymentstate.Refund
}

type Unhandled struct {
	meta Meta
}

func (e *PaymentProcessing) Meta() Meta { return e.meta }
func (e *PaymentSucceeded) Meta() Meta  { return e.meta }
func (e *PaymentFailed) Meta() Meta     { return e.meta }
func (e *ChargeRefunded) Meta() Meta    { return e.meta }
func (e *Unhandled) Meta() Meta         { return e.meta }

// Decode parses a raw delivery into a typed event. Structural problems are
// reported as apperr.ErrMalformedEvent so they stop at the HTTP boundary.
func Decode(body []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %v: %w", err, apperr.ErrMalformedEvent)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, fmt.Errorf("event without id or type: %w", apperr.ErrMalformedEvent)
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("event %s has no data.object: %w", evt.ID, apperr.ErrMalformedEvent)
	}

	meta := Meta{
		EventID: evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0),
	}

	switch evt.Type {
	case stripe.EventTypePaymentIntentProcessing,
		stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed:
		return decodePaymentIntent(meta, evt)
	case stripe.EventTypeChargeRefunded:
		return decodeChargeRefunded(meta, evt)
	}

	return &Unhandled{meta: meta}, nil
}

func decodePaymentIntent(meta Meta, evt stripe.Event) (Event, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent in %s: %v: %w", meta.EventID, err, apperr.ErrMalformedEvent)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("payment intent without id in %s: %w", meta.EventID, apperr.ErrMalformedEvent)
	}
	meta.PaymentIntentID = pi.ID

	switch evt.Type {
	case stripe.EventTypePaymentIntentProcessing:
		return &PaymentProcessing{meta: meta}, nil
	case stripe.EventTypePaymentIntentSucceeded:
		return &PaymentSucceeded{meta: meta, Amount: pi.Amount, Currency: string(pi.Currency)}, nil
	}

	failed := &PaymentFailed{meta: meta, Reason: "payment failed"}
	if perr := pi.LastPaymentError; perr != nil {
		failed.Code = string(perr.Code)
		if perr.DeclineCode != "" {
			failed.Code = string(perr.DeclineCode)
		}
		if perr.Msg != "" {
			failed.Reason = perr.Msg
		}
	}
	return failed, nil
}

func decodeChargeRefunded(meta Meta, evt stripe.Event) (Event, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("decode charge in %s: %v: %w", meta.EventID, err, apperr.ErrMalformedEvent)
	}
	if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
		return nil, fmt.Errorf("charge %s has no payment_intent: %w", ch.ID, apperr.ErrMalformedEvent)
	}
	meta.PaymentIntentID = ch.PaymentIntent.ID

	out := &ChargeRefunded{
		meta:           meta,
		ChargeID:       ch.ID,
		Amount:         ch.Amount,
		AmountRefunded: ch.AmountRefunded,
	}
	if ch.Refunds != nil {
		for _, r := range ch.Refunds.Data {
			if r == nil || r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
				continue
			}
			out.Refunds = append(out.Refunds, paymentstate.Refund{
				ID:     r.ID,
				Amount: r.Amount,
				Reason: string(r.Reason),
			})
		}
	}
	return out, nil
}
