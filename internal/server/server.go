package server

import (
	"context"
	"net/http"
	"payment-reconciler/internal/handler"
	appmw "payment-reconciler/internal/middleware"
	"payment-reconciler/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Services struct {
	Payment service.PaymentService
	Webhook service.WebhookService
	Deal    service.DealService
	Ledger  service.LedgerService
}

type Server struct {
	echo           *echo.Echo
	paymentHandler *handler.PaymentHandler
	webhookHandler *handler.WebhookHandler
	dealHandler    *handler.DealHandler
	adminHandler   *handler.AdminHandler
}

func NewServer(services Services, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:           e,
		paymentHandler: handler.NewPaymentHandler(services.Payment, services.Ledger),
		webhookHandler: handler.NewWebhookHandler(services.Webhook),
		dealHandler:    handler.NewDealHandler(services.Deal),
		adminHandler:   handler.NewAdminHandler(services.Webhook, services.Ledger),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- payments --------
	payments := api.Group("/payments")
	payments.POST("/create-intent", s.paymentHandler.CreateIntent)
	payments.GET("/status/:id", s.paymentHandler.GetStatus)
	payments.GET("/ledger", s.paymentHandler.GetLedger)

	// -------- stripe webhooks --------
	payments.POST("/webhook", s.webhookHandler.Receive)

	// -------- marketer --------
	marketer := api.Group("/marketer", appmw.ActorMiddleware())
	marketer.POST("/deals", s.dealHandler.CreateDeal)
	marketer.GET("/deals/:id", s.dealHandler.GetDeal)
	marketer.PATCH("/deals/:id", s.dealHandler.UpdateDeal)

	// -------- operator --------
	admin := api.Group("/admin", appmw.RequireActor())
	admin.GET("/webhook-events", s.adminHandler.ListWebhookEvents)
	admin.POST("/webhook-events/:id/replay", s.adminHandler.ReplayWebhookEvent)
	admin.POST("/ledger/rebuild", s.adminHandler.RebuildLedger)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
