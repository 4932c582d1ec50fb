// Package apperr holds the error taxonomy shared by the webhook pipeline and
// the user facing APIs. Duplicate and deferred deliveries are outcomes, not
// errors, and have no entry here.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrSignatureInvalid       = errors.New("signature invalid")
	ErrMalformedEvent         = errors.New("malformed event")
	ErrOutOfOrderEvent        = errors.New("out of order event")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPartialRefundMismatch  = errors.New("refund exceeds remaining balance")
	ErrPaymentIntentNotFound  = errors.New("payment intent not found")
	ErrDealNotFound           = errors.New("deal not found")
	ErrDealAlreadyPaid        = errors.New("deal already paid")
	ErrInvalidDealTransition  = errors.New("invalid deal transition")
	ErrInvalidRequest         = errors.New("invalid request")
)

// HTTPStatus maps err onto the status code the API answers with. Anything
// outside the taxonomy is treated as a transient failure.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrPaymentIntentNotFound),
		errors.Is(err, ErrDealNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrDealAlreadyPaid),
		errors.Is(err, ErrInvalidDealTransition):
		return http.StatusConflict
	case errors.Is(err, ErrOutOfOrderEvent),
		errors.Is(err, ErrPartialRefundMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Reason is the short machine readable code stored on rejected events.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrderEvent):
		return "out_of_order"
	case errors.Is(err, ErrPartialRefundMismatch):
		return "partial_refund_mismatch"
	case errors.Is(err, ErrPaymentIntentNotFound):
		return "payment_intent_not_found"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrDealNotFound):
		return "deal_not_found"
	}
	return "error"
}
