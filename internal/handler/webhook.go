package handler

import (
	"errors"
	"io"
	"net/http"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/dto"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/signature"

	"github.com/labstack/echo/v4"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	webhookService service.WebhookService
}

func NewWebhookHandler(webhookService service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
	}
}

func (h *WebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	res, err := h.webhookService.Receive(ctx, c.Request().Header.Get(signature.HeaderName), body)
	if err != nil {
		return httpError(err)
	}

	resp := dto.WebhookResponse{
		Received: true,
		EventID:  res.EventID,
		Outcome:  string(res.Outcome),
		Reason:   res.Reason,
	}

	status := http.StatusOK
	switch {
	case res.Async:
		status = http.StatusAccepted
		resp.Outcome = "queued"
	case res.Outcome == model.OutcomeRejected && errors.Is(res.Err, apperr.ErrPaymentIntentNotFound):
		status = http.StatusNotFound
	}

	return c.JSON(status, resp)
}
