package main

import (
	"fmt"
	"os"
	"payment-reconciler/internal/client"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/logger"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/signature"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "reconctl",
		Short:        "Operator tooling for the payment reconciler",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(rebuildLedgerCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(signCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what the database-backed commands share.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *gorm.DB
	events    repository.WebhookEventRepository
	intents   repository.PaymentIntentRepository
	webhook   service.WebhookService
	ledger    service.LedgerService
	notifyBus *notify.Bus
}

func loadApp() (*app, error) {
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	log, err := logger.New(cfg.Log, cfg.Environment.Name)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := client.InitDBClient(cfg.Database)
	if err != nil {
		return nil, err
	}

	dealRepo := repository.NewDealRepository(db)
	intentRepo := repository.NewPaymentIntentRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)

	bus := notify.NewBus(log)
	go notify.LogSink(bus.Subscribe(64), log)

	verifier := signature.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance)
	reconciler := service.NewReconcilerService(db, dealRepo, bus, log)
	webhook := service.NewWebhookService(
		db, cfg.Webhook, verifier,
		eventRepo,
		intentRepo,
		refundRepo,
		ledgerRepo,
		reconciler,
		bus,
		log,
	)

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		events:    eventRepo,
		intents:   intentRepo,
		webhook:   webhook,
		ledger:    service.NewLedgerService(db, ledgerRepo, cfg.Ledger.Currency, log),
		notifyBus: bus,
	}, nil
}

func (a *app) close() {
	a.notifyBus.Close()
	_ = a.log.Sync()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
