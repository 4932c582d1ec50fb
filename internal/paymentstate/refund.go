package paymentstate

import (
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
)

type Refund struct {
	ID     string
	Amount int64
	Reason string
}

type RefundResult struct {
	// New holds the refunds not recorded before, in delivery order.
	New []Refund
	// Total is the cumulative refunded amount once New is applied.
	Total int64
	Next  model.PaymentStatus
}

// ApplyRefunds works out which of incoming are new given the refund ids
// already recorded against an intent of the given amount. Overflowing the
// original amount is an error; the amount is never clamped.
func ApplyRefunds(amount, alreadyRefunded int64, recorded map[string]bool, incoming []Refund) (RefundResult, error) {
	seen := make(map[string]bool, len(incoming))
	res := RefundResult{Total: alreadyRefunded}

	for _, r := range incoming {
		if r.ID == "" || recorded[r.ID] || seen[r.ID] {
			continue
		}
		if r.Amount <= 0 {
			return RefundResult{}, fmt.Errorf("refund %s has non-positive amount %d: %w", r.ID, r.Amount, apperr.ErrMalformedEvent)
		}
		seen[r.ID] = true
		res.New = append(res.New, r)
		res.Total += r.Amount
	}

	if res.Total > amount {
		return RefundResult{}, fmt.Errorf(
			"refunds total %d against amount %d (already refunded %d): %w",
			res.Total, amount, alreadyRefunded, apperr.ErrPartialRefundMismatch,
		)
	}

	res.Next = StatusForRefunded(amount, res.Total)
	return res, nil
}

// CumulativeRefund turns a charge's cumulative amount_refunded into the
// single refund still missing locally. It is used when a delivery carries no
// refund list.
func CumulativeRefund(chargeID string, cumulative, alreadyRefunded int64) []Refund {
	if cumulative <= alreadyRefunded {
		return nil
	}
	return []Refund{{
		ID:     fmt.Sprintf("%s_upto_%d", chargeID, cumulative),
		Amount: cumulative - alreadyRefunded,
	}}
}

func StatusForRefunded(amount, refunded int64) model.PaymentStatus {
	switch {
	case refunded <= 0:
		return model.PaymentSucceeded
	case refunded >= amount:
		return model.PaymentFullyRefunded
	}
	return model.PaymentPartiallyRefunded
}
