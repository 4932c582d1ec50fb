package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrSignatureInvalid, http.StatusBadRequest},
		{fmt.Errorf("parse envelope: %w", ErrMalformedEvent), http.StatusBadRequest},
		{ErrPaymentIntentNotFound, http.StatusNotFound},
		{fmt.Errorf("update deal: %w", ErrConcurrentModification), http.StatusConflict},
		{ErrDealAlreadyPaid, http.StatusConflict},
		{ErrPartialRefundMismatch, http.StatusUnprocessableEntity},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestReason(t *testing.T) {
	assert.Equal(t, "out_of_order", Reason(fmt.Errorf("failed after success: %w", ErrOutOfOrderEvent)))
	assert.Equal(t, "partial_refund_mismatch", Reason(ErrPartialRefundMismatch))
	assert.Equal(t, "error", Reason(errors.New("boom")))
}
