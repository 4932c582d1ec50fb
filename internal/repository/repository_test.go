package repository

import (
	"context"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/testutil"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(id string, now time.Time) *model.WebhookEvent {
	return &model.WebhookEvent{
		EventID:         id,
		EventType:       "payment_intent.succeeded",
		PaymentIntentID: "pi_1",
		RawPayload:      []byte(`{}`),
		Deliveries:      1,
		NextAttemptAt:   &now,
		ReceivedAt:      now,
	}
}

func TestRecordIfNewConcurrentDeliveries(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var fresh atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, err := repo.RecordIfNew(ctx, newEvent("evt_dup", now))
			assert.NoError(t, err)
			if isNew {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())

	stored, err := repo.Get(ctx, "evt_dup")
	require.NoError(t, err)
	assert.Equal(t, 8, stored.Deliveries)
}

func TestClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.RecordIfNew(ctx, newEvent("evt_1", now))
	require.NoError(t, err)

	ok, err := repo.Claim(ctx, "evt_1", now, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, "evt_1", now.Add(time.Second), now.Add(31*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "lease still held")

	ok, err = repo.Claim(ctx, "evt_1", now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "lease expired")

	require.NoError(t, repo.MarkOutcome(ctx, nil, "evt_1", model.OutcomeApplied, "", now))
	ok, err = repo.Claim(ctx, "evt_1", now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "applied events are never claimed")
}

func TestRetryScheduling(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.RecordIfNew(ctx, newEvent("evt_1", now))
	require.NoError(t, err)

	due, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, repo.ScheduleRetry(ctx, "evt_1", now.Add(time.Minute), "database is locked"))

	due, err = repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.ListDue(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "database is locked", due[0].LastError)

	require.NoError(t, repo.DeadLetter(ctx, "evt_1", "max attempts reached", now))
	dead, err := repo.ListByOutcome(ctx, model.OutcomeDeadLetter, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.NotNil(t, dead[0].ProcessedAt)

	require.NoError(t, repo.Requeue(ctx, nil, []string{"evt_1"}, now))
	replayed, err := repo.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNone, replayed.Outcome)
	assert.Equal(t, 0, replayed.Attempts)
	assert.Nil(t, replayed.ProcessedAt)
}

func TestDeferredListing(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, intent := range []string{"pi_a", "pi_a", "pi_b"} {
		ev := newEvent(fmt.Sprintf("evt_%d", i), now)
		ev.PaymentIntentID = intent
		_, err := repo.RecordIfNew(ctx, ev)
		require.NoError(t, err)
		require.NoError(t, repo.MarkOutcome(ctx, nil, ev.EventID, model.OutcomeDeferred, "awaiting success", now))
	}

	forA, err := repo.ListDeferredForIntent(ctx, nil, "pi_a")
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	all, err := repo.ListDeferred(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Nil(t, all[0].ProcessedAt, "deferred is not a final outcome")
}

func TestListStaleFindsExpiredLeases(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-10 * time.Minute)
	_, err := repo.RecordIfNew(ctx, newEvent("evt_crashed", old))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "evt_crashed", old, old.Add(30*time.Second))
	require.NoError(t, err)

	_, err = repo.RecordIfNew(ctx, newEvent("evt_fresh", now))
	require.NoError(t, err)

	stale, err := repo.ListStale(ctx, now.Add(-time.Minute), now, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "evt_crashed", stale[0].EventID)
}

func TestPaymentIntentTransitionIsConditional(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewPaymentIntentRepository(db)
	ctx := context.Background()

	deal := testutil.SeedDeal(t, db)
	pi := testutil.SeedIntent(t, db, deal.ID, 100000, model.PaymentPending)

	stale := *pi
	require.NoError(t, repo.Transition(ctx, nil, pi, model.PaymentSucceeded, nil))

	err := repo.Transition(ctx, nil, &stale, model.PaymentFailed, map[string]interface{}{"failure_reason": "declined"})
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)

	got, err := repo.FindByID(ctx, nil, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSucceeded, got.Status)
	assert.Empty(t, got.FailureReason)

	_, err = repo.FindByID(ctx, nil, "pi_missing")
	assert.ErrorIs(t, err, apperr.ErrPaymentIntentNotFound)
}

func TestRefundTransitionRejectsStaleRefundedAmount(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewPaymentIntentRepository(db)
	ctx := context.Background()

	deal := testutil.SeedDeal(t, db)
	pi := testutil.SeedIntent(t, db, deal.ID, 100000, model.PaymentSucceeded)
	require.NoError(t, repo.Transition(ctx, nil, pi, model.PaymentPartiallyRefunded,
		map[string]interface{}{"amount_refunded": int64(30000)}))

	// Two writers both read the intent at 30000 refunded.
	first, err := repo.FindByID(ctx, nil, pi.ID)
	require.NoError(t, err)
	second := *first

	require.NoError(t, repo.Transition(ctx, nil, first, model.PaymentPartiallyRefunded,
		map[string]interface{}{"amount_refunded": int64(90000)}))
	err = repo.Transition(ctx, nil, &second, model.PaymentPartiallyRefunded,
		map[string]interface{}{"amount_refunded": int64(90000)})
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)

	got, err := repo.FindByID(ctx, nil, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90000), got.AmountRefunded)
}

func TestPaymentIntentFindLive(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewPaymentIntentRepository(db)
	ctx := context.Background()

	deal := testutil.SeedDeal(t, db)
	testutil.SeedIntent(t, db, deal.ID, 5000, model.PaymentFailed)

	live, err := repo.FindLive(ctx, nil, deal.ID, 5000)
	require.NoError(t, err)
	assert.Nil(t, live)

	pending := testutil.SeedIntent(t, db, deal.ID, 5000, model.PaymentPending)
	live, err = repo.FindLive(ctx, nil, deal.ID, 5000)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, pending.ID, live.ID)

	n, err := repo.CountForDealAmount(ctx, nil, deal.ID, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	created, err := repo.Create(ctx, nil, &model.PaymentIntent{ID: pending.ID, DealID: deal.ID, Amount: 5000, Currency: "usd", Status: model.PaymentCreated})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestDealCompareAndSwap(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewDealRepository(db)
	ctx := context.Background()

	seeded := testutil.SeedDeal(t, db)

	deal, err := repo.Get(ctx, nil, seeded.ID)
	require.NoError(t, err)
	require.Len(t, deal.Milestones, 1)

	deal.PaymentStatus = model.DealPaid
	require.NoError(t, repo.CompareAndSwap(ctx, nil, deal, 1))
	assert.Equal(t, 2, deal.Version)

	stale := *deal
	stale.Status = model.DealCancelled
	err = repo.CompareAndSwap(ctx, nil, &stale, 1)
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)

	got, err := repo.Get(ctx, nil, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, model.DealActive, got.Status)
	assert.Equal(t, model.DealPaid, got.PaymentStatus)

	_, err = repo.Get(ctx, nil, "missing")
	assert.ErrorIs(t, err, apperr.ErrDealNotFound)
}

func TestRefundRecordsRejectReusedIDs(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewRefundRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, nil, []*model.RefundRecord{
		{ID: "re_1", PaymentIntentID: "pi_1", AmountRefunded: 30000, AppliedAt: now},
	}))
	err := repo.Create(ctx, nil, []*model.RefundRecord{
		{ID: "re_1", PaymentIntentID: "pi_1", AmountRefunded: 30000, AppliedAt: now},
	})
	assert.Error(t, err)

	records, err := repo.ListForIntent(ctx, nil, "pi_1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLedgerAdjustMatchesAggregate(t *testing.T) {
	db := testutil.NewDB(t)
	ledger := NewLedgerRepository(db)
	refunds := NewRefundRepository(db)
	ctx := context.Background()

	deal := testutil.SeedDeal(t, db)
	paid := testutil.SeedIntent(t, db, deal.ID, 100000, model.PaymentPartiallyRefunded)
	testutil.SeedIntent(t, db, deal.ID, 7000, model.PaymentFailed)

	require.NoError(t, ledger.Adjust(ctx, nil, "usd", 100000, 0))
	require.NoError(t, ledger.Adjust(ctx, nil, "usd", 0, 30000))
	require.NoError(t, refunds.Create(ctx, nil, []*model.RefundRecord{
		{ID: "re_1", PaymentIntentID: paid.ID, AmountRefunded: 30000, AppliedAt: time.Now().UTC()},
	}))

	snap, err := ledger.Get(ctx, "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), snap.GrossEarnings)
	assert.Equal(t, int64(30000), snap.RefundedAmount)
	assert.Equal(t, int64(70000), snap.NetEarnings)

	totals, err := ledger.Aggregate(ctx, nil)
	require.NoError(t, err)
	require.Contains(t, totals, "usd")
	assert.Equal(t, snap.GrossEarnings, totals["usd"].Gross)
	assert.Equal(t, snap.RefundedAmount, totals["usd"].Refunded)

	require.NoError(t, ledger.Replace(ctx, nil, []*model.LedgerSnapshot{{Currency: "eur", GrossEarnings: 1, NetEarnings: 1}}))
	all, err := ledger.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "eur", all[0].Currency)

	empty, err := ledger.Get(ctx, "gbp")
	require.NoError(t, err)
	assert.Zero(t, empty.NetEarnings)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc", Truncate("abcdef", 3))

	// "é" is two bytes; cutting at 2 would split it.
	assert.Equal(t, "a", Truncate("aé", 2))
	assert.Equal(t, "aé", Truncate("aéz", 3))

	declined := "Карта отклонена банком-эмитентом"
	for n := 0; n <= len(declined); n++ {
		got := Truncate(declined, n)
		assert.True(t, utf8.ValidString(got), "cut at %d", n)
		assert.LessOrEqual(t, len(got), n)
	}
}

func TestDeadLetterStoresLongMultibyteReason(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.RecordIfNew(ctx, newEvent("evt_localised", now))
	require.NoError(t, err)

	reason := ""
	for len(reason) < 400 {
		reason += "платёж отклонён "
	}
	require.NoError(t, repo.DeadLetter(ctx, "evt_localised", reason, now))

	got, err := repo.Get(ctx, "evt_localised")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.Reason))
	assert.LessOrEqual(t, len(got.Reason), 255)
}
