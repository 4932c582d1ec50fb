package handler

import (
	"net/http"
	"payment-reconciler/internal/dto"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/service"
	"strconv"

	"github.com/labstack/echo/v4"
)

type AdminHandler struct {
	webhookService service.WebhookService
	ledgerService  service.LedgerService
}

func NewAdminHandler(webhookService service.WebhookService, ledgerService service.LedgerService) *AdminHandler {
	return &AdminHandler{
		webhookService: webhookService,
		ledgerService:  ledgerService,
	}
}

func (h *AdminHandler) ListWebhookEvents(c echo.Context) error {
	ctx := c.Request().Context()

	outcome := model.EventOutcome(c.QueryParam("outcome"))
	if outcome == "" {
		outcome = model.OutcomeDeadLetter
	}
	if outcome == "pending" {
		outcome = model.OutcomeNone
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	events, err := h.webhookService.ListEvents(ctx, outcome, limit)
	if err != nil {
		return httpError(err)
	}

	out := make([]dto.WebhookEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, dto.NewWebhookEvent(e))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AdminHandler) ReplayWebhookEvent(c echo.Context) error {
	ctx := c.Request().Context()

	eventID := c.Param("id")
	if err := h.webhookService.Replay(ctx, eventID); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"eventId": eventID,
		"status":  "queued",
	})
}

func (h *AdminHandler) RebuildLedger(c echo.Context) error {
	ctx := c.Request().Context()

	report, err := h.ledgerService.Rebuild(ctx)
	if err != nil {
		return httpError(err)
	}

	resp := dto.RebuildLedgerResponse{
		Ledgers: make([]dto.LedgerResponse, 0, len(report.Snapshots)),
		Drift:   make([]dto.LedgerDrift, 0, len(report.Drift)),
	}
	for _, s := range report.Snapshots {
		resp.Ledgers = append(resp.Ledgers, dto.NewLedger(s))
	}
	for _, d := range report.Drift {
		resp.Drift = append(resp.Drift, dto.LedgerDrift{
			Currency:  d.Currency,
			NetBefore: dto.Money(d.Before.NetEarnings, d.Currency),
			NetAfter:  dto.Money(d.After.NetEarnings, d.Currency),
		})
	}
	return c.JSON(http.StatusOK, resp)
}
