package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"payment-reconciler/internal/client"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/cron"
	"payment-reconciler/internal/logger"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/server"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/signature"
	"payment-reconciler/internal/worker"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log, cfg.Environment.Name)
	if err != nil {
		fmt.Printf("Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Stripe.WebhookSecret == "" {
		log.Fatal("STRIPE_WEBHOOK_SECRET is required")
	}

	db, err := client.InitDBClient(cfg.Database)
	if err != nil {
		log.Fatal("init database", zap.Error(err))
	}

	dealRepo := repository.NewDealRepository(db)
	intentRepo := repository.NewPaymentIntentRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)

	bus := notify.NewBus(log)
	go notify.LogSink(bus.Subscribe(256), log)

	verifier := signature.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance)
	reconciler := service.NewReconcilerService(db, dealRepo, bus, log)
	webhookService := service.NewWebhookService(
		db, cfg.Webhook, verifier,
		eventRepo,
		intentRepo,
		refundRepo,
		ledgerRepo,
		reconciler,
		bus,
		log,
	)
	paymentService := service.NewPaymentService(db, intentRepo, dealRepo, cfg.Ledger.Currency, log)
	dealService := service.NewDealService(dealRepo, bus, log)
	ledgerService := service.NewLedgerService(db, ledgerRepo, cfg.Ledger.Currency, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(eventRepo, webhookService, cfg.Webhook, log)
	webhookService.SetWaker(pool.Notify)
	pool.Start(ctx)

	sweeper := cron.NewSweeper(eventRepo, intentRepo, webhookService, cfg.Webhook, log, cron.WithWaker(pool.Notify))
	scheduler, err := cron.NewScheduler(ctx, sweeper, cfg.Webhook.SweepInterval, log)
	if err != nil {
		log.Fatal("init scheduler", zap.Error(err))
	}
	scheduler.Start()

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	// Init HTTP server
	srv := server.NewServer(server.Services{
		Payment: paymentService,
		Webhook: webhookService,
		Deal:    dealService,
		Ledger:  ledgerService,
	}, log)

	log.Info("starting HTTP server", zap.String("addr", serverAddr))
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Info("signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Error("scheduler shutdown error", zap.Error(err))
	}
	cancel()
	pool.Wait()
	if err := webhookService.Wait(shutdownCtx); err != nil {
		log.Warn("deliveries still in flight at shutdown", zap.Error(err))
	}
	bus.Close()
}
