package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/dto"
	appmw "payment-reconciler/internal/middleware"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/signature"
	"payment-reconciler/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "whsec_test"

var operator = map[string]string{appmw.ActorHeader: "ops-1"}

type testAPI struct {
	t       *testing.T
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := zaptest.NewLogger(t)
	db := testutil.NewDB(t)
	bus := notify.NewBus(logger)
	t.Cleanup(bus.Close)

	dealRepo := repository.NewDealRepository(db)
	intentRepo := repository.NewPaymentIntentRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)

	reconciler := service.NewReconcilerService(db, dealRepo, bus, logger)
	webhook := service.NewWebhookService(
		db,
		config.Webhook{
			ProcessingBudget: 5 * time.Second,
			MaxAttempts:      3,
			RetryBaseDelay:   time.Second,
			RetryMaxDelay:    time.Minute,
			LeaseDuration:    30 * time.Second,
			DeferredWindow:   24 * time.Hour,
		},
		signature.NewVerifier(testSecret, signature.DefaultTolerance),
		repository.NewWebhookEventRepository(db),
		intentRepo,
		repository.NewRefundRepository(db),
		ledgerRepo,
		reconciler,
		bus,
		logger,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = webhook.Wait(ctx)
	})

	srv := NewServer(Services{
		Payment: service.NewPaymentService(db, intentRepo, dealRepo, "usd", logger),
		Webhook: webhook,
		Deal:    service.NewDealService(dealRepo, bus, logger),
		Ledger:  service.NewLedgerService(db, ledgerRepo, "usd", logger),
	}, logger)

	return &testAPI{t: t, handler: srv.Handler()}
}

func (a *testAPI) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()

	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(a.t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) webhook(body []byte) *httptest.ResponseRecorder {
	return a.do(http.MethodPost, "/api/payments/webhook", body, map[string]string{
		signature.HeaderName: signature.Sign(testSecret, time.Now(), body),
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testAPI) createDeal() dto.DealResponse {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/marketer/deals", dto.CreateDealRequest{
		Title:      "Spring launch",
		Milestones: []dto.MilestoneRequest{{Title: "Deposit", Amount: 50000}},
	}, nil)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[dto.DealResponse](a.t, rec)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	deal := api.createDeal()
	require.Len(t, deal.Milestones, 1)

	req := dto.CreateIntentRequest{Amount: 50000, DealID: deal.ID, MilestoneID: deal.Milestones[0].ID}
	first := decode[dto.CreateIntentResponse](t, api.do(http.MethodPost, "/api/payments/create-intent", req, nil))
	second := decode[dto.CreateIntentResponse](t, api.do(http.MethodPost, "/api/payments/create-intent", req, nil))
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Equal(t, "created", first.Status)

	body := testutil.SucceededEvent("evt_http_paid", first.PaymentIntentID, 50000)
	rec := api.webhook(body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[dto.WebhookResponse](t, rec)
	assert.True(t, resp.Received)
	assert.Equal(t, "applied", resp.Outcome)

	rec = api.webhook(body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode[dto.WebhookResponse](t, rec).Outcome)

	status := decode[dto.PaymentStatusResponse](t, api.do(http.MethodGet, "/api/payments/status/"+first.PaymentIntentID, nil, nil))
	assert.Equal(t, "succeeded", status.Status)
	assert.Equal(t, "500.00", status.AmountDisplay)

	got := decode[dto.DealResponse](t, api.do(http.MethodGet, "/api/marketer/deals/"+deal.ID, nil, nil))
	assert.Equal(t, "paid", got.PaymentStatus)
	assert.Equal(t, "funded", got.Milestones[0].Status)

	ledger := decode[dto.LedgerResponse](t, api.do(http.MethodGet, "/api/payments/ledger?currency=usd", nil, nil))
	assert.Equal(t, "500.00", ledger.GrossEarnings)
	assert.Equal(t, "500.00", ledger.NetEarnings)

	rebuilt := decode[dto.RebuildLedgerResponse](t, api.do(http.MethodPost, "/api/admin/ledger/rebuild", nil, operator))
	require.Len(t, rebuilt.Ledgers, 1)
	assert.Equal(t, "500.00", rebuilt.Ledgers[0].NetEarnings)
	assert.Empty(t, rebuilt.Drift)
}

func TestWebhookStatusCodes(t *testing.T) {
	api := newTestAPI(t)

	body := testutil.SucceededEvent("evt_forged", "pi_1", 100)
	rec := api.do(http.MethodPost, "/api/payments/webhook", body, map[string]string{
		signature.HeaderName: signature.Sign("whsec_other", time.Now(), body),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/payments/webhook", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	malformed := []byte(`{"id":"evt_bad","type":"payment_intent.succeeded"}`)
	assert.Equal(t, http.StatusBadRequest, api.webhook(malformed).Code)

	rec = api.webhook(testutil.SucceededEvent("evt_orphan", "pi_unknown", 100))
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[dto.WebhookResponse](t, rec)
	assert.Equal(t, "rejected", resp.Outcome)
	assert.Equal(t, "payment_intent_not_found", resp.Reason)
}

func TestDealUpdatesOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	deal := api.createDeal()

	title := "Summer launch"
	stale := deal.Version + 1
	rec := api.do(http.MethodPatch, "/api/marketer/deals/"+deal.ID, dto.UpdateDealRequest{Title: &title, Version: &stale}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	cancelled := "cancelled"
	rec = api.do(http.MethodPatch, "/api/marketer/deals/"+deal.ID,
		dto.UpdateDealRequest{Status: &cancelled, Version: &deal.Version},
		map[string]string{appmw.ActorHeader: "marketer-7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[dto.DealResponse](t, rec)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, "marketer-7", got.CancelledBy)
	assert.Equal(t, deal.Version+1, got.Version)

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/marketer/deals/missing", nil, nil).Code)

	rec = api.do(http.MethodPost, "/api/marketer/deals", dto.CreateDealRequest{Title: " "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminWebhookEvents(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusNotFound, api.webhook(testutil.SucceededEvent("evt_orphan", "pi_unknown", 100)).Code)
	require.Equal(t, http.StatusOK, api.webhook(testutil.UnhandledEvent("evt_customer")).Code)

	rec := api.do(http.MethodGet, "/api/admin/webhook-events?outcome=rejected", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = api.do(http.MethodPost, "/api/admin/webhook-events/evt_orphan/replay", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = api.do(http.MethodPost, "/api/admin/ledger/rebuild", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodGet, "/api/admin/webhook-events?outcome=rejected", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]dto.WebhookEventResponse](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_orphan", events[0].EventID)

	rec = api.do(http.MethodPost, "/api/admin/webhook-events/evt_orphan/replay", nil, operator)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = api.do(http.MethodPost, "/api/admin/webhook-events/evt_customer/replay", nil, operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
