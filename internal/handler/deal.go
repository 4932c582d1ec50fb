package handler

import (
	"net/http"
	"payment-reconciler/internal/dto"
	"payment-reconciler/internal/middleware"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/service"

	"github.com/labstack/echo/v4"
)

type DealHandler struct {
	dealService service.DealService
}

func NewDealHandler(dealService service.DealService) *DealHandler {
	return &DealHandler{
		dealService: dealService,
	}
}

func (h *DealHandler) CreateDeal(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CreateDealRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	in := service.CreateDealInput{Title: req.Title}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, service.NewMilestone{Title: m.Title, Amount: m.Amount})
	}

	deal, err := h.dealService.Create(ctx, in)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, dto.NewDeal(deal))
}

func (h *DealHandler) GetDeal(c echo.Context) error {
	ctx := c.Request().Context()

	deal, err := h.dealService.Get(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, dto.NewDeal(deal))
}

func (h *DealHandler) UpdateDeal(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.UpdateDealRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	in := service.UpdateDealInput{
		Title:   req.Title,
		Version: req.Version,
		Actor:   middleware.Actor(c),
	}
	if req.Status != nil {
		status := model.DealStatus(*req.Status)
		in.Status = &status
	}

	deal, err := h.dealService.Update(ctx, c.Param("id"), in)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, dto.NewDeal(deal))
}
