package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/signature"
	"payment-reconciler/internal/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type recordingPublisher struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.notes))
	for i, n := range p.notes {
		out[i] = n.EventType
	}
	return out
}

type harness struct {
	db         *gorm.DB
	events     repository.WebhookEventRepository
	intents    repository.PaymentIntentRepository
	deals      repository.DealRepository
	refunds    repository.RefundRepository
	ledgerRepo repository.LedgerRepository
	published  *recordingPublisher

	reconciler ReconcilerService
	dealSvc    DealService
	paymentSvc PaymentService
	ledgerSvc  LedgerService
	webhook    WebhookService
}

func testWebhookConfig() config.Webhook {
	return config.Webhook{
		ProcessingBudget: 5 * time.Second,
		MaxAttempts:      3,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    time.Minute,
		LeaseDuration:    30 * time.Second,
		DeferredWindow:   24 * time.Hour,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	db := testutil.NewDB(t)
	h := &harness{
		db:         db,
		events:     repository.NewWebhookEventRepository(db),
		intents:    repository.NewPaymentIntentRepository(db),
		deals:      repository.NewDealRepository(db),
		refunds:    repository.NewRefundRepository(db),
		ledgerRepo: repository.NewLedgerRepository(db),
		published:  &recordingPublisher{},
	}

	h.reconciler = NewReconcilerService(db, h.deals, h.published, logger)
	h.dealSvc = NewDealService(h.deals, h.published, logger)
	h.paymentSvc = NewPaymentService(db, h.intents, h.deals, "usd", logger)
	h.ledgerSvc = NewLedgerService(db, h.ledgerRepo, "usd", logger)
	h.webhook = NewWebhookService(
		db,
		testWebhookConfig(),
		signature.NewVerifier(testSecret, signature.DefaultTolerance),
		h.events,
		h.intents,
		h.refunds,
		h.ledgerRepo,
		h.reconciler,
		h.published,
		logger,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.webhook.Wait(ctx)
	})
	return h
}

func (h *harness) deliver(t *testing.T, body []byte) Result {
	t.Helper()
	res, err := h.webhook.Receive(context.Background(), signature.Sign(testSecret, time.Now(), body), body)
	require.NoError(t, err)
	require.False(t, res.Async, "delivery was not applied inline: %s", res.Reason)
	return res
}

func (h *harness) intent(t *testing.T, id string) *model.PaymentIntent {
	t.Helper()
	pi, err := h.intents.FindByID(context.Background(), nil, id)
	require.NoError(t, err)
	return pi
}

func (h *harness) deal(t *testing.T, id string) *model.Deal {
	t.Helper()
	deal, err := h.deals.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return deal
}

// paidIntent seeds a deal and drives an intent of amount to succeeded.
func (h *harness) paidIntent(t *testing.T, amount int64) (*model.Deal, *model.PaymentIntent) {
	t.Helper()
	deal := testutil.SeedDeal(t, h.db)
	pi, err := h.paymentSvc.CreateIntent(context.Background(), CreateIntentInput{DealID: deal.ID, Amount: amount})
	require.NoError(t, err)
	res := h.deliver(t, testutil.SucceededEvent("evt_paid_"+pi.ID, pi.ID, amount))
	require.Equal(t, model.OutcomeApplied, res.Outcome)
	return deal, pi
}
