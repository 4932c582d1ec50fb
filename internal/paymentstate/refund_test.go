package paymentstate

import (
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRefundsPartialThenOverflow(t *testing.T) {
	res, err := ApplyRefunds(100000, 0, nil, []Refund{{ID: "re_1", Amount: 30000}})
	require.NoError(t, err)
	assert.Equal(t, int64(30000), res.Total)
	assert.Equal(t, model.PaymentPartiallyRefunded, res.Next)
	require.Len(t, res.New, 1)

	recorded := map[string]bool{"re_1": true}
	_, err = ApplyRefunds(100000, 30000, recorded, []Refund{
		{ID: "re_1", Amount: 30000},
		{ID: "re_2", Amount: 80000},
	})
	assert.ErrorIs(t, err, apperr.ErrPartialRefundMismatch)
}

func TestApplyRefundsToFull(t *testing.T) {
	res, err := ApplyRefunds(100000, 30000, map[string]bool{"re_1": true}, []Refund{
		{ID: "re_1", Amount: 30000},
		{ID: "re_2", Amount: 70000},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFullyRefunded, res.Next)
	assert.Equal(t, []Refund{{ID: "re_2", Amount: 70000}}, res.New)
}

func TestApplyRefundsAllKnownIsNoop(t *testing.T) {
	res, err := ApplyRefunds(100000, 30000, map[string]bool{"re_1": true}, []Refund{{ID: "re_1", Amount: 30000}})
	require.NoError(t, err)
	assert.Empty(t, res.New)
	assert.Equal(t, int64(30000), res.Total)
	assert.Equal(t, model.PaymentPartiallyRefunded, res.Next)
}

func TestApplyRefundsDedupesWithinDelivery(t *testing.T) {
	res, err := ApplyRefunds(1000, 0, nil, []Refund{{ID: "re_1", Amount: 600}, {ID: "re_1", Amount: 600}})
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.Total)
}

func TestApplyRefundsRejectsNonPositive(t *testing.T) {
	_, err := ApplyRefunds(1000, 0, nil, []Refund{{ID: "re_1", Amount: 0}})
	assert.ErrorIs(t, err, apperr.ErrMalformedEvent)
}

func TestCumulativeRefund(t *testing.T) {
	assert.Nil(t, CumulativeRefund("ch_1", 30000, 30000))
	assert.Nil(t, CumulativeRefund("ch_1", 10000, 30000))

	got := CumulativeRefund("ch_1", 50000, 30000)
	require.Len(t, got, 1)
	assert.Equal(t, int64(20000), got[0].Amount)
	assert.Equal(t, "ch_1_upto_50000", got[0].ID)
}
