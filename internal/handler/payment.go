package handler

import (
	"net/http"
	"payment-reconciler/internal/dto"
	"payment-reconciler/internal/service"

	"github.com/labstack/echo/v4"
)

type PaymentHandler struct {
	paymentService service.PaymentService
	ledgerService  service.LedgerService
}

func NewPaymentHandler(paymentService service.PaymentService, ledgerService service.LedgerService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		ledgerService:  ledgerService,
	}
}

func (h *PaymentHandler) CreateIntent(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CreateIntentRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	pi, err := h.paymentService.CreateIntent(ctx, service.CreateIntentInput{
		DealID:      req.DealID,
		MilestoneID: req.MilestoneID,
		Amount:      req.Amount,
		Currency:    req.Currency,
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, dto.CreateIntentResponse{
		PaymentIntentID: pi.ID,
		Status:          string(pi.Status),
	})
}

func (h *PaymentHandler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()

	pi, err := h.paymentService.GetStatus(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, dto.NewPaymentStatus(pi))
}

func (h *PaymentHandler) GetLedger(c echo.Context) error {
	ctx := c.Request().Context()

	snapshot, err := h.ledgerService.Snapshot(ctx, c.QueryParam("currency"))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, dto.NewLedger(snapshot))
}
